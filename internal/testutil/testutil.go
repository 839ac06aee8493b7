package testutil

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/cardwatch/cardwatch/db"
	"github.com/cardwatch/cardwatch/internal/embedding"
	"github.com/cardwatch/cardwatch/internal/llm"
	"github.com/cardwatch/cardwatch/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// OpenTestDB opens a per-test in-memory database and runs migrations.
// The shared cache keeps every connection in one test on the same data.
func OpenTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))

	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	return conn
}

// FakeLLM answers the compiler's prompts from canned responses. The parse
// prompt gets Intent; anything else gets Description.
type FakeLLM struct {
	Intent      string
	Description string
	Err         error
	FailTimes   int

	Calls int
}

func (f *FakeLLM) Generate(_ context.Context, prompt string) (string, error) {
	f.Calls++

	if f.FailTimes > 0 {
		f.FailTimes--
		return "", fmt.Errorf("%w: injected failure", llm.ErrLLMUnavailable)
	}
	if f.Err != nil {
		return "", f.Err
	}

	if strings.Contains(prompt, "strict JSON object") {
		return f.Intent, nil
	}
	return f.Description, nil
}

// FakeEmbedder returns canned vectors keyed by normalised text, falling
// back to a deterministic bag-of-words vector so unknown texts still embed.
type FakeEmbedder struct {
	Vectors map[string][]float32
	Err     error
	Dims    int
}

func NewFakeEmbedder() *FakeEmbedder {
	return &FakeEmbedder{Vectors: map[string][]float32{}, Dims: 8}
}

// Set registers a canned vector for a text.
func (f *FakeEmbedder) Set(text string, vec []float32) {
	f.Vectors[embedding.Normalize(text)] = vec
}

func (f *FakeEmbedder) Dim() int { return f.Dims }

func (f *FakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.Err != nil {
		return nil, f.Err
	}

	key := embedding.Normalize(text)
	if vec, ok := f.Vectors[key]; ok {
		return vec, nil
	}

	vec := make([]float32, f.Dims)
	for _, word := range strings.Fields(key) {
		var h uint32
		for _, r := range word {
			h = h*31 + uint32(r)
		}
		vec[h%uint32(f.Dims)]++
	}
	return vec, nil
}

func (f *FakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// SeedUser inserts a user with sensible defaults, applying any mutators.
func SeedUser(t *testing.T, conn *gorm.DB, id string, mutate ...func(*models.User)) *models.User {
	t.Helper()

	user := &models.User{
		BaseModel:   models.BaseModel{ID: id},
		Email:       id + "@example.com",
		CreditLimit: 15000,
		HomeState:   "CA",
		Timezone:    "America/Los_Angeles",
	}

	for _, m := range mutate {
		m(user)
	}

	if err := conn.Create(user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	return user
}

// SeedCard inserts an active credit card for a user.
func SeedCard(t *testing.T, conn *gorm.DB, id, userID string) *models.CreditCard {
	t.Helper()

	card := &models.CreditCard{
		BaseModel: models.BaseModel{ID: id},
		UserID:    userID,
		Last4:     "4242",
		Network:   "visa",
		Active:    true,
	}

	if err := conn.Create(card).Error; err != nil {
		t.Fatalf("seed card: %v", err)
	}

	return card
}

// SeedTransaction inserts a transaction, defaulting an empty status to
// APPROVED and an empty currency to USD.
func SeedTransaction(t *testing.T, conn *gorm.DB, txn *models.Transaction) *models.Transaction {
	t.Helper()

	if txn.Status == "" {
		txn.Status = models.TxnStatusApproved
	}
	if txn.Currency == "" {
		txn.Currency = "USD"
	}

	if err := conn.Create(txn).Error; err != nil {
		t.Fatalf("seed transaction: %v", err)
	}

	return txn
}
