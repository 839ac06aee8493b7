package evaluator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cardwatch/cardwatch/internal/analyzer"
	"github.com/cardwatch/cardwatch/internal/compiler"
	"github.com/cardwatch/cardwatch/internal/models"
)

// decodeParams splits a rule's stored schema into bindable params and the
// metadata entry.
func decodeParams(rule *models.AlertRule) (map[string]compiler.ParamSpec, *compiler.RuleMeta, error) {
	schema := map[string]compiler.ParamSpec{}
	if len(rule.SQLParamsSchema) > 0 {
		if err := json.Unmarshal(rule.SQLParamsSchema, &schema); err != nil {
			return nil, nil, err
		}
	}

	meta := &compiler.RuleMeta{WindowDays: 30, Operator: ">", Baseline: "AVG"}
	if spec, ok := schema[compiler.MetaParamKey]; ok {
		raw, err := json.Marshal(spec.Value)
		if err == nil {
			_ = json.Unmarshal(raw, meta)
		}
		delete(schema, compiler.MetaParamKey)
	}
	if meta.WindowDays <= 0 {
		meta.WindowDays = 30
	}

	return schema, meta, nil
}

// bindParams produces the bound parameter map for one evaluation: static
// values straight from the schema, runtime values by name convention.
func (e *Evaluator) bindParams(ctx context.Context, rule *models.AlertRule, schema map[string]compiler.ParamSpec, meta *compiler.RuleMeta, user *models.User, txn *models.Transaction) (map[string]interface{}, error) {
	window := time.Duration(meta.WindowDays) * 24 * time.Hour

	bound := make(map[string]interface{}, len(schema))
	for name, spec := range schema {
		if spec.Value != nil {
			bound[name] = spec.Value
			continue
		}

		switch name {
		case "user_id":
			bound[name] = user.ID
		case "txn_id":
			bound[name] = txn.ID
		case "window_start":
			bound[name] = txn.OccurredAt.Add(-window)
		case "window_end":
			bound[name] = txn.OccurredAt
		case "baseline_start":
			if rule.Kind == models.RuleKindRecurringDrift {
				bound[name] = txn.OccurredAt.AddDate(-1, 0, 0)
			} else {
				bound[name] = txn.OccurredAt.Add(-window)
			}
		case "txn_occurred_at":
			bound[name] = txn.OccurredAt
		case "home_state":
			bound[name] = user.HomeState
		case "baseline_value":
			value, err := e.analyzerBaseline(ctx, schema, meta, user, txn)
			if err != nil {
				return nil, err
			}
			bound[name] = value
		default:
			// Grammar and schema cross-checks make this unreachable for
			// compiled rules; be explicit rather than bind a NULL.
			bound[name] = nil
		}
	}

	return bound, nil
}

// analyzerBaseline supplies the baseline for MEDIAN and LAST_N rules, which
// SQL cannot express under the restricted grammar.
func (e *Evaluator) analyzerBaseline(_ context.Context, schema map[string]compiler.ParamSpec, meta *compiler.RuleMeta, user *models.User, txn *models.Transaction) (float64, error) {
	window := time.Duration(meta.WindowDays) * 24 * time.Hour

	kind := analyzer.BaselineMedian
	n := 0
	switch meta.Baseline {
	case "LAST_N", "SAME_MERCHANT_LAST_N":
		kind = analyzer.BaselineLastN
		n = 10
	}

	category := ""
	merchant := ""
	if spec, ok := schema["category"]; ok {
		category, _ = spec.Value.(string)
	}
	if meta.Baseline == "SAME_MERCHANT_LAST_N" || category == "" {
		merchant = txn.MerchantName
	}

	return e.analyzer.Baseline(user.ID, kind, window, category, merchant, txn.OccurredAt, n)
}

// evaluateSQL binds parameters and runs the rule's stored SQL through the
// read-only executor.
func (e *Evaluator) evaluateSQL(ctx context.Context, rule *models.AlertRule, schema map[string]compiler.ParamSpec, meta *compiler.RuleMeta, user *models.User, txn *models.Transaction) (*outcome, error) {
	bound, err := e.bindParams(ctx, rule, schema, meta, user, txn)
	if err != nil {
		return nil, err
	}

	row, err := e.store.RunRuleSQL(ctx, rule.SQLText, bound, user.ID, e.cfg.SQLTimeout)
	if err != nil {
		return nil, err
	}

	return &outcome{
		triggered: row.Triggered,
		observed:  row.Observed,
		baseline:  row.Baseline,
		detail:    row.Detail,
		risk:      analyzer.RiskNone,
	}, nil
}
