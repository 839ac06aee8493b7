package models

// CategorySynonym maps free-form merchant category text ("food",
// "restaurants") onto a canonical category ("dining"). The embedding of the
// canonical term backs the similarity fallback when no exact synonym exists.
type CategorySynonym struct {
	BaseModel

	Canonical string `gorm:"not null;index"`
	Synonym   string `gorm:"uniqueIndex;not null"`

	Embedding    []byte `gorm:"type:bytea"`
	EmbeddingDim int
}
