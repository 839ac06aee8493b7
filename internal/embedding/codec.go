package embedding

import (
	"encoding/binary"
	"math"
)

// Vectors are persisted as little-endian float32 BLOBs next to the row they
// describe, so a rule and its embedding always write atomically.

func EncodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func DecodeVector(blob []byte, dim int) []float32 {
	if len(blob) < dim*4 {
		return nil
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}
