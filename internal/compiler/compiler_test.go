package compiler_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cardwatch/cardwatch/internal/compiler"
	"github.com/cardwatch/cardwatch/internal/config"
	"github.com/cardwatch/cardwatch/internal/embedding"
	"github.com/cardwatch/cardwatch/internal/models"
	"github.com/cardwatch/cardwatch/internal/store"
	"github.com/cardwatch/cardwatch/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testCompileConfig() config.CompileConfig {
	return config.CompileConfig{
		DupSimilarityThreshold:      0.92,
		CategorySimilarityThreshold: 0.80,
		Deadline:                    5 * time.Second,
		RetryBudget:                 2,
		RetryBaseDelay:              time.Millisecond,
	}
}

func newCompiler(t *testing.T, fakeLLM *testutil.FakeLLM, emb embedding.Embedder) (*compiler.Compiler, *store.Store) {
	t.Helper()

	conn := testutil.OpenTestDB(t)
	s := store.New(conn)
	c := compiler.New(s, emb, fakeLLM, testCompileConfig(), time.Second, zap.NewNop())

	return c, s
}

func thresholdIntent(amount float64) string {
	raw, _ := json.Marshal(map[string]interface{}{
		"kind":       "THRESHOLD",
		"amount":     amount,
		"operator":   ">",
		"channels":   []string{"email"},
		"confidence": 0.95,
	})
	return string(raw)
}

func TestCompileThresholdRule(t *testing.T) {
	fakeLLM := &testutil.FakeLLM{Intent: thresholdIntent(500), Description: "Flags any single charge over $500."}
	c, s := newCompiler(t, fakeLLM, testutil.NewFakeEmbedder())

	testutil.SeedUser(t, s.DB(), "u1")

	result := c.CreateRule(context.Background(), "u1", "Alert me if any single transaction exceeds $500")

	require.Equal(t, compiler.StatusValid, result.Status)
	require.NotNil(t, result.Rule)
	require.Equal(t, models.RuleKindThreshold, result.Rule.Kind)
	require.True(t, result.Rule.ValidatedSQL)
	require.NotEmpty(t, result.Rule.SQLText)
	require.NotEmpty(t, result.Rule.NLEmbedding)
	require.Equal(t, "Flags any single charge over $500.", result.Rule.SQLDescription)

	// The stored SQL must re-parse under the grammar (invariant).
	_, err := compiler.ParseRuleSQL(result.Rule.SQLText, s.SchemaMetadata())
	require.NoError(t, err)

	// A revision is written with the create.
	revisions, err := s.RuleRevisions(result.Rule.ID)
	require.NoError(t, err)
	require.Len(t, revisions, 1)
}

func TestCompileDuplicateRule(t *testing.T) {
	fakeLLM := &testutil.FakeLLM{Intent: thresholdIntent(500)}
	emb := testutil.NewFakeEmbedder()

	// Both phrasings embed to nearly the same vector.
	emb.Set("let me know if i spend over five hundred dollars in one charge", []float32{1, 0, 0, 0, 0, 0, 0, 0})
	emb.Set("alert me when a single transaction is more than $500", []float32{0.99, 0.14, 0, 0, 0, 0, 0, 0})

	c, s := newCompiler(t, fakeLLM, emb)
	testutil.SeedUser(t, s.DB(), "u1")

	first := c.CreateRule(context.Background(), "u1", "let me know if I spend over five hundred dollars in one charge")
	require.Equal(t, compiler.StatusValid, first.Status)

	second := c.Compile(context.Background(), "u1", "alert me when a single transaction is more than $500")
	require.Equal(t, compiler.StatusDuplicate, second.Status)
	require.Equal(t, first.Rule.ID, second.DuplicateOfID)
	require.GreaterOrEqual(t, second.Similarity, 0.92)
}

func TestCompileAmbiguousWhenAmountMissing(t *testing.T) {
	intent, _ := json.Marshal(map[string]interface{}{
		"kind":       "THRESHOLD",
		"confidence": 0.9,
	})

	c, s := newCompiler(t, &testutil.FakeLLM{Intent: string(intent)}, testutil.NewFakeEmbedder())
	testutil.SeedUser(t, s.DB(), "u1")

	result := c.Compile(context.Background(), "u1", "alert me on big transactions")

	require.Equal(t, compiler.StatusAmbiguous, result.Status)
	require.NotEmpty(t, result.Questions)
}

func TestCompileAmbiguousOnLowConfidence(t *testing.T) {
	intent, _ := json.Marshal(map[string]interface{}{
		"kind":       "THRESHOLD",
		"amount":     500,
		"confidence": 0.3,
	})

	c, s := newCompiler(t, &testutil.FakeLLM{Intent: string(intent)}, testutil.NewFakeEmbedder())
	testutil.SeedUser(t, s.DB(), "u1")

	result := c.Compile(context.Background(), "u1", "do a thing maybe")

	require.Equal(t, compiler.StatusAmbiguous, result.Status)
}

func TestCompileInvalidWhenNotApplicable(t *testing.T) {
	intent, _ := json.Marshal(map[string]interface{}{
		"kind":       "NOT_APPLICABLE",
		"confidence": 1,
	})

	c, s := newCompiler(t, &testutil.FakeLLM{Intent: string(intent)}, testutil.NewFakeEmbedder())
	testutil.SeedUser(t, s.DB(), "u1")

	result := c.Compile(context.Background(), "u1", "alert me when it rains in Boston")

	require.Equal(t, compiler.StatusInvalid, result.Status)
	require.Equal(t, "unparseable", result.Reason)
}

func TestCompileInvalidOnGarbageJSON(t *testing.T) {
	c, s := newCompiler(t, &testutil.FakeLLM{Intent: "not json at all"}, testutil.NewFakeEmbedder())
	testutil.SeedUser(t, s.DB(), "u1")

	result := c.Compile(context.Background(), "u1", "alert me if any single transaction exceeds $500")

	require.Equal(t, compiler.StatusInvalid, result.Status)
	require.Equal(t, "unparseable", result.Reason)
	require.NotEmpty(t, result.Hints)
}

func TestCompileRetriesTransientLLMFailures(t *testing.T) {
	fakeLLM := &testutil.FakeLLM{Intent: thresholdIntent(500), FailTimes: 2}
	c, s := newCompiler(t, fakeLLM, testutil.NewFakeEmbedder())
	testutil.SeedUser(t, s.DB(), "u1")

	result := c.Compile(context.Background(), "u1", "alert me if any single transaction exceeds $500")

	require.Equal(t, compiler.StatusValid, result.Status)
	require.GreaterOrEqual(t, fakeLLM.Calls, 3)
}

func TestCompileSurfacesExhaustedRetryBudget(t *testing.T) {
	fakeLLM := &testutil.FakeLLM{Intent: thresholdIntent(500), FailTimes: 10}
	c, s := newCompiler(t, fakeLLM, testutil.NewFakeEmbedder())
	testutil.SeedUser(t, s.DB(), "u1")

	result := c.Compile(context.Background(), "u1", "alert me if any single transaction exceeds $500")

	require.Equal(t, compiler.StatusInvalid, result.Status)
	require.Equal(t, "temporarily_unavailable", result.Reason)
}

func TestDedupFallsBackToTextualMatchWhenEmbedderDown(t *testing.T) {
	fakeLLM := &testutil.FakeLLM{Intent: thresholdIntent(500)}
	emb := testutil.NewFakeEmbedder()

	c, s := newCompiler(t, fakeLLM, emb)
	testutil.SeedUser(t, s.DB(), "u1")

	first := c.CreateRule(context.Background(), "u1", "Alert me if any single transaction exceeds $500")
	require.Equal(t, compiler.StatusValid, first.Status)

	emb.Err = embedding.ErrEmbedderUnavailable

	// Same text modulo case and spacing: the textual fallback catches it.
	second := c.Compile(context.Background(), "u1", "alert me if any  single transaction exceeds $500")
	require.Equal(t, compiler.StatusDuplicate, second.Status)
	require.Equal(t, first.Rule.ID, second.DuplicateOfID)
}

func TestUpdateRuleReplacesAtomically(t *testing.T) {
	fakeLLM := &testutil.FakeLLM{Intent: thresholdIntent(500)}
	c, s := newCompiler(t, fakeLLM, testutil.NewFakeEmbedder())
	testutil.SeedUser(t, s.DB(), "u1")

	created := c.CreateRule(context.Background(), "u1", "Alert me if any single transaction exceeds $500")
	require.Equal(t, compiler.StatusValid, created.Status)

	fakeLLM.Intent = thresholdIntent(750)

	updated := c.UpdateRule(context.Background(), "u1", created.Rule.ID, "Alert me if any single transaction exceeds $750")
	require.Equal(t, compiler.StatusValid, updated.Status)

	stored, err := s.GetRule(created.Rule.ID)
	require.NoError(t, err)
	require.Contains(t, stored.NLText, "$750")

	revisions, err := s.RuleRevisions(created.Rule.ID)
	require.NoError(t, err)
	require.Len(t, revisions, 2)
	require.Equal(t, 2, revisions[1].Revision)
}

func TestUpdateRuleKeepsOldVersionOnFailure(t *testing.T) {
	fakeLLM := &testutil.FakeLLM{Intent: thresholdIntent(500)}
	c, s := newCompiler(t, fakeLLM, testutil.NewFakeEmbedder())
	testutil.SeedUser(t, s.DB(), "u1")

	created := c.CreateRule(context.Background(), "u1", "Alert me if any single transaction exceeds $500")
	require.Equal(t, compiler.StatusValid, created.Status)

	fakeLLM.Intent = "garbage"

	updated := c.UpdateRule(context.Background(), "u1", created.Rule.ID, "something unintelligible")
	require.Equal(t, compiler.StatusInvalid, updated.Status)

	stored, err := s.GetRule(created.Rule.ID)
	require.NoError(t, err)
	require.Contains(t, stored.NLText, "$500")
}

func TestCompileGroundsCategoryThroughSynonyms(t *testing.T) {
	pct := 40.0
	intent, _ := json.Marshal(map[string]interface{}{
		"kind":          "PCT_DELTA_VS_BASELINE",
		"threshold_pct": pct,
		"baseline":      "AVG",
		"category":      "restaurants",
		"confidence":    0.9,
	})

	c, s := newCompiler(t, &testutil.FakeLLM{Intent: string(intent)}, testutil.NewFakeEmbedder())
	testutil.SeedUser(t, s.DB(), "u1")

	require.NoError(t, s.UpsertCategorySynonym(&models.CategorySynonym{
		Canonical: "dining",
		Synonym:   "restaurants",
	}))

	result := c.Compile(context.Background(), "u1", "notify me if my restaurants spending exceeds the average by 40%")
	require.Equal(t, compiler.StatusValid, result.Status)

	var params map[string]compiler.ParamSpec
	require.NoError(t, json.Unmarshal(result.Rule.SQLParamsSchema, &params))
	require.Equal(t, "dining", params["category"].Value)
}
