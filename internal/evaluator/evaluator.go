package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cardwatch/cardwatch/internal/analyzer"
	"github.com/cardwatch/cardwatch/internal/config"
	"github.com/cardwatch/cardwatch/internal/fx"
	"github.com/cardwatch/cardwatch/internal/models"
	"github.com/cardwatch/cardwatch/internal/store"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// outcome is what evaluating one rule against one transaction produced.
type outcome struct {
	triggered bool
	observed  float64
	baseline  *float64
	detail    string
	risk      analyzer.LocationRisk
}

// Evaluator runs every applicable rule against a newly ingested
// transaction. Rules for one transaction evaluate serially in
// (created_at, id) order; parallelism lives a level up, across
// transactions.
type Evaluator struct {
	store    *store.Store
	analyzer *analyzer.Analyzer
	fxTable  *fx.Table
	cfg      config.EvalConfig
	log      *zap.Logger
}

func New(s *store.Store, an *analyzer.Analyzer, table *fx.Table, cfg config.EvalConfig, log *zap.Logger) *Evaluator {
	if cfg.SQLTimeout <= 0 {
		cfg.SQLTimeout = 2 * time.Second
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}

	return &Evaluator{store: s, analyzer: an, fxTable: table, cfg: cfg, log: log}
}

// Evaluate runs all active rules for the transaction's owner and returns
// the IDs of newly created notifications. Store-level failures on the
// transaction or user load are fatal and bubble up for the orchestrator to
// retry; per-rule failures are contained.
func (e *Evaluator) Evaluate(ctx context.Context, transactionID string) ([]string, error) {
	txn, err := e.store.GetTransaction(transactionID)
	if err != nil {
		return nil, err
	}

	user, err := e.store.GetUser(txn.UserID)
	if err != nil {
		return nil, err
	}

	rules, err := e.store.GetActiveRules(user.ID)
	if err != nil {
		return nil, err
	}

	var created []string

	for i := range rules {
		rule := &rules[i]

		ids, err := e.evaluateRule(ctx, rule, user, txn)
		if err != nil {
			e.handleRuleFailure(rule, txn, err)
			continue
		}

		created = append(created, ids...)
	}

	return created, nil
}

// evaluateRule decides cheap-vs-SQL from the rule kind, applies the
// policies around refunds and currency, and writes at most one
// notification per channel.
func (e *Evaluator) evaluateRule(ctx context.Context, rule *models.AlertRule, user *models.User, txn *models.Transaction) ([]string, error) {
	schema, meta, err := decodeParams(rule)
	if err != nil {
		return nil, fmt.Errorf("params schema: %w", err)
	}

	// Refunds never fire amount-style alerts.
	if txn.Status == models.TxnStatusRefunded &&
		(rule.Kind == models.RuleKindThreshold || rule.Kind == models.RuleKindPctDelta) {
		return nil, nil
	}

	amountUSD, skip, err := e.normalizeAmount(rule, txn)
	if err != nil {
		return nil, err
	}
	if skip {
		return nil, nil
	}

	var result *outcome

	if cheapKind(rule.Kind) {
		result = e.evaluateCheap(rule, schema, meta, user, txn, amountUSD)
	} else {
		result, err = e.evaluateSQL(ctx, rule, schema, meta, user, txn)
		if err != nil {
			return nil, err
		}
	}

	if err := e.store.ResetRuleFailures(rule.ID); err != nil {
		e.log.Warn("reset rule failures", zap.String("rule", rule.ID), zap.Error(err))
	}

	if !result.triggered {
		return nil, nil
	}

	return e.emit(rule, user, txn, result)
}

// emit inserts one notification per configured channel. The unique index
// makes replays no-ops; trigger bookkeeping only advances when at least one
// row was new.
func (e *Evaluator) emit(rule *models.AlertRule, user *models.User, txn *models.Transaction, result *outcome) ([]string, error) {
	var channels []string
	if err := json.Unmarshal(rule.Channels, &channels); err != nil || len(channels) == 0 {
		channels = []string{models.ChannelEmail}
	}

	title, body := renderPayload(rule, txn, result)
	severity := rule.Severity
	if result.risk == analyzer.RiskImpossibleTravel {
		severity = models.SeverityHigh
	}

	raw, _ := json.Marshal(map[string]interface{}{
		"observed": result.observed,
		"baseline": result.baseline,
		"detail":   result.detail,
		"risk":     result.risk,
	})
	detail := datatypes.JSON(raw)

	var created []string

	for _, channel := range channels {
		txnID := txn.ID
		n := &models.AlertNotification{
			RuleID:        rule.ID,
			UserID:        user.ID,
			TransactionID: &txnID,
			Channel:       channel,
			Title:         title,
			Body:          body,
			Severity:      severity,
			Detail:        detail,
		}

		err := e.store.InsertNotification(n)
		if errors.Is(err, store.ErrDuplicateNotification) {
			continue
		}
		if err != nil {
			return created, err
		}

		created = append(created, n.ID)
	}

	if len(created) > 0 {
		if err := e.store.MarkRuleTriggered(rule.ID, txn.OccurredAt); err != nil {
			e.log.Warn("mark rule triggered", zap.String("rule", rule.ID), zap.Error(err))
		}
	}

	return created, nil
}

// normalizeAmount converts the transaction amount to USD for in-process
// comparisons. A missing rate skips the rule with an audit entry and no
// user-facing notification.
func (e *Evaluator) normalizeAmount(rule *models.AlertRule, txn *models.Transaction) (float64, bool, error) {
	amountUSD, err := e.fxTable.ToUSD(txn.Amount, txn.Currency)
	if err == nil {
		return amountUSD, false, nil
	}

	if errors.Is(err, fx.ErrRateMissing) {
		e.log.Warn("fx rate missing, rule skipped",
			zap.String("rule", rule.ID),
			zap.String("currency", txn.Currency))
		if auditErr := e.store.InsertAudit(rule.ID, txn.ID, "fx_missing", txn.Currency); auditErr != nil {
			e.log.Error("audit write", zap.Error(auditErr))
		}
		return 0, true, nil
	}

	return 0, false, err
}

// handleRuleFailure logs, audits and counts a failed evaluation. After
// MaxConsecutiveFailures the rule is deactivated and the owner is told via
// a system notification, so the deactivation is never silent.
func (e *Evaluator) handleRuleFailure(rule *models.AlertRule, txn *models.Transaction, err error) {
	e.log.Error("rule evaluation failed",
		zap.String("rule", rule.ID),
		zap.String("transaction", txn.ID),
		zap.Error(err))

	if auditErr := e.store.InsertAudit(rule.ID, txn.ID, "evaluation_error", err.Error()); auditErr != nil {
		e.log.Error("audit write", zap.Error(auditErr))
	}

	failures, countErr := e.store.RecordRuleFailure(rule.ID)
	if countErr != nil {
		e.log.Error("record rule failure", zap.String("rule", rule.ID), zap.Error(countErr))
		return
	}

	if failures < e.cfg.MaxConsecutiveFailures {
		return
	}

	if deactErr := e.store.SetRuleActive(rule.ID, false); deactErr != nil {
		e.log.Error("deactivate rule", zap.String("rule", rule.ID), zap.Error(deactErr))
		return
	}

	system := &models.AlertNotification{
		RuleID:   rule.ID,
		UserID:   rule.UserID,
		Channel:  models.ChannelEmail,
		Severity: models.SeverityHigh,
		Title:    fmt.Sprintf("Alert rule %q was turned off", ruleDisplayName(rule)),
		Body: fmt.Sprintf(
			"Your alert %q failed %d times in a row and has been deactivated. Edit the rule to re-enable it.",
			ruleDisplayName(rule), failures),
	}

	if insertErr := e.store.InsertNotification(system); insertErr != nil && !errors.Is(insertErr, store.ErrDuplicateNotification) {
		e.log.Error("system notification", zap.String("rule", rule.ID), zap.Error(insertErr))
	}
}

func ruleDisplayName(rule *models.AlertRule) string {
	if rule.Name != "" {
		return rule.Name
	}
	return rule.NLText
}

func cheapKind(kind string) bool {
	switch kind {
	case models.RuleKindThreshold, models.RuleKindMerchant, models.RuleKindLocation:
		return true
	}
	return false
}
