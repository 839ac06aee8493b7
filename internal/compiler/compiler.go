package compiler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cardwatch/cardwatch/internal/config"
	"github.com/cardwatch/cardwatch/internal/embedding"
	"github.com/cardwatch/cardwatch/internal/llm"
	"github.com/cardwatch/cardwatch/internal/models"
	"github.com/cardwatch/cardwatch/internal/store"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusValid     Status = "valid"
	StatusDuplicate Status = "duplicate"
	StatusInvalid   Status = "invalid"
	StatusAmbiguous Status = "ambiguous"
)

// CompileResult is the outcome of one pass through the state machine.
// Exactly one of the variant field groups is populated, keyed by Status.
type CompileResult struct {
	Status Status `json:"status"`

	// Valid
	Rule *models.AlertRule `json:"rule,omitempty"`

	// DuplicateOf
	DuplicateOfID string  `json:"duplicate_of,omitempty"`
	Similarity    float64 `json:"similarity,omitempty"`

	// Invalid
	Reason string   `json:"reason,omitempty"`
	Hints  []string `json:"hints,omitempty"`

	// Ambiguous
	Questions []string `json:"questions,omitempty"`
}

// Compiler turns natural language into validated alert rules through the
// fixed state sequence Parse -> Ground -> Synthesize -> Validate ->
// DedupCheck. Each LLM or embedder call is a bounded step; the whole
// compile runs under one outer deadline.
type Compiler struct {
	store    *store.Store
	embedder embedding.Embedder
	llm      llm.Client
	cfg      config.CompileConfig
	log      *zap.Logger

	sqlTimeout time.Duration
}

func New(s *store.Store, emb embedding.Embedder, client llm.Client, cfg config.CompileConfig, sqlTimeout time.Duration, log *zap.Logger) *Compiler {
	if sqlTimeout <= 0 {
		sqlTimeout = 2 * time.Second
	}

	return &Compiler{
		store:      s,
		embedder:   emb,
		llm:        client,
		cfg:        cfg,
		sqlTimeout: sqlTimeout,
		log:        log,
	}
}

// Compile runs the full pipeline and returns an unsaved rule on success.
// Edits go through UpdateRule, which excludes the rule being replaced from
// the duplicate check.
func (c *Compiler) Compile(ctx context.Context, userID, nlText string) *CompileResult {
	return c.compile(ctx, userID, nlText, "")
}

func (c *Compiler) compile(ctx context.Context, userID, nlText, excludeRuleID string) *CompileResult {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Deadline)
	defer cancel()

	user, err := c.store.GetUser(userID)
	if err != nil {
		return &CompileResult{Status: StatusInvalid, Reason: "unknown_user", Hints: []string{err.Error()}}
	}

	// Parse
	intent, failed := c.parse(ctx, nlText)
	if failed != nil {
		return failed
	}

	// Ground
	if failed := c.ground(ctx, user, intent); failed != nil {
		return failed
	}

	// Synthesize
	synth, err := synthesize(intent)
	if err != nil {
		return &CompileResult{Status: StatusInvalid, Reason: "unparseable", Hints: []string{err.Error()}}
	}

	// Validate
	if failed := c.staticValidate(synth); failed != nil {
		return failed
	}
	if failed := c.dynamicValidate(ctx, userID, synth); failed != nil {
		return failed
	}

	// DedupCheck
	vec, dup, err := c.dedupCheck(ctx, userID, nlText, excludeRuleID)
	if err != nil {
		return &CompileResult{Status: StatusInvalid, Reason: "temporarily_unavailable", Hints: []string{err.Error()}}
	}
	if dup != nil {
		return dup
	}

	rule, err := c.buildRule(ctx, userID, nlText, intent, synth, vec)
	if err != nil {
		if errors.Is(err, embedding.ErrEmbedderUnavailable) {
			return &CompileResult{Status: StatusInvalid, Reason: "temporarily_unavailable", Hints: []string{err.Error()}}
		}
		return &CompileResult{Status: StatusInvalid, Reason: "internal", Hints: []string{err.Error()}}
	}

	return &CompileResult{Status: StatusValid, Rule: rule}
}

// CreateRule compiles and persists in one step; the rule only reaches the
// store when the pipeline ends in Valid.
func (c *Compiler) CreateRule(ctx context.Context, userID, nlText string) *CompileResult {
	result := c.compile(ctx, userID, nlText, "")
	if result.Status != StatusValid {
		return result
	}

	if err := c.store.InsertRule(result.Rule); err != nil {
		c.log.Error("persist rule", zap.Error(err))
		return &CompileResult{Status: StatusInvalid, Reason: "internal", Hints: []string{"failed to persist rule"}}
	}

	return result
}

// UpdateRule re-runs the pipeline for an edit and atomically replaces the
// stored rule only when the new text compiles to Valid.
func (c *Compiler) UpdateRule(ctx context.Context, userID, ruleID, nlText string) *CompileResult {
	existing, err := c.store.GetRule(ruleID)
	if err != nil {
		return &CompileResult{Status: StatusInvalid, Reason: "unknown_rule"}
	}
	if existing.UserID != userID {
		return &CompileResult{Status: StatusInvalid, Reason: "unknown_rule"}
	}

	result := c.compile(ctx, userID, nlText, ruleID)
	if result.Status != StatusValid {
		return result
	}

	if err := c.store.ReplaceRule(ruleID, result.Rule); err != nil {
		c.log.Error("replace rule", zap.Error(err))
		return &CompileResult{Status: StatusInvalid, Reason: "internal", Hints: []string{"failed to persist rule"}}
	}

	replaced, err := c.store.GetRule(ruleID)
	if err == nil {
		result.Rule = replaced
	}

	return result
}

func (c *Compiler) buildRule(ctx context.Context, userID, nlText string, intent *RuleIntent, synth *synthesized, vec []float32) (*models.AlertRule, error) {
	meta := RuleMeta{
		Operator:   intent.Operator,
		WindowDays: intent.WindowDays,
		Baseline:   intent.Baseline,
		GeoScope:   intent.GeoScope,
	}
	if intent.IntervalDays != nil {
		meta.IntervalDays = *intent.IntervalDays
	}

	stored := make(map[string]ParamSpec, len(synth.Params)+1)
	for name, spec := range synth.Params {
		stored[name] = spec
	}
	stored[MetaParamKey] = ParamSpec{Type: "meta", Value: meta}

	paramsJSON, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}

	triggerJSON, err := json.Marshal(map[string]string{
		"triggered": "bool",
		"observed":  "number",
		"baseline":  "number?",
		"detail":    "string",
	})
	if err != nil {
		return nil, err
	}

	channelsJSON, err := json.Marshal(intent.Channels)
	if err != nil {
		return nil, err
	}

	rule := &models.AlertRule{
		UserID:          userID,
		NLText:          nlText,
		Name:            ruleName(intent),
		Kind:            intent.Kind,
		SQLText:         synth.SQL,
		SQLDescription:  c.describeSQL(ctx, nlText, synth.SQL),
		SQLParamsSchema: datatypes.JSON(paramsJSON),
		TriggerSchema:   datatypes.JSON(triggerJSON),
		ValidatedSQL:    true,
		Severity:        intent.Severity,
		Channels:        datatypes.JSON(channelsJSON),
		IsActive:        true,
	}

	if vec != nil {
		rule.NLEmbedding = embedding.EncodeVector(vec)
		rule.EmbeddingDim = len(vec)
	} else {
		// The embedder was down during dedup; active rules must carry an
		// embedding, so one more attempt gates the build.
		retry, err := c.embedWithRetry(ctx, nlText)
		if err != nil {
			return nil, fmt.Errorf("rule embedding: %w", err)
		}
		rule.NLEmbedding = embedding.EncodeVector(retry)
		rule.EmbeddingDim = len(retry)
	}

	return rule, nil
}

func ruleName(intent *RuleIntent) string {
	switch intent.Kind {
	case models.RuleKindThreshold:
		return fmt.Sprintf("Single transaction %s $%.2f", intent.Operator, *intent.Amount)
	case models.RuleKindPctDelta:
		target := intent.Category
		if target == "" {
			target = intent.Merchant
		}
		return fmt.Sprintf("%s spend %.0f%% over %d-day baseline", target, *intent.ThresholdPct, intent.WindowDays)
	case models.RuleKindLocation:
		return "Transaction outside home state"
	case models.RuleKindMerchant:
		return fmt.Sprintf("Activity at %s", intent.Merchant)
	case models.RuleKindFrequency:
		return fmt.Sprintf("%d+ transactions in %d days", *intent.MinCount, intent.WindowDays)
	case models.RuleKindRecurringDrift:
		target := intent.Merchant
		if target == "" {
			target = intent.Category
		}
		return fmt.Sprintf("Recurring charge drift at %s", target)
	case models.RuleKindCategoryRatio:
		return fmt.Sprintf("%s share of spend over %.0f%%", intent.Category, *intent.ThresholdPct)
	}
	return "Alert rule"
}

// generateWithRetry retries transient LLM failures with exponential backoff
// and jitter inside the configured budget. Parse and validation failures
// are never retried.
func (c *Compiler) generateWithRetry(ctx context.Context, prompt string) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.RetryBudget; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, c.cfg.RetryBaseDelay, attempt); err != nil {
				return "", err
			}
		}

		out, err := c.llm.Generate(ctx, prompt)
		if err == nil {
			return out, nil
		}

		lastErr = err
		if !errors.Is(err, llm.ErrLLMUnavailable) {
			return "", err
		}

		c.log.Warn("llm call failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
	}

	return "", lastErr
}

func (c *Compiler) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.RetryBudget; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, c.cfg.RetryBaseDelay, attempt); err != nil {
				return nil, err
			}
		}

		vec, err := c.embedder.Embed(ctx, text)
		if err == nil {
			return vec, nil
		}

		lastErr = err
		if !errors.Is(err, embedding.ErrEmbedderUnavailable) {
			return nil, err
		}
	}

	return nil, lastErr
}

func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base << (attempt - 1)
	delay += time.Duration(rand.Int63n(int64(base)))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
