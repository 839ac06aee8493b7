package compiler

import (
	"fmt"
	"strings"

	"github.com/cardwatch/cardwatch/internal/models"
)

// Synthesize emits parameterised SQL from deterministic templates. The LLM
// has no hand in this: the intent picks a template, grounded values fill
// the slots, and the grammar parser checks the result before it is ever
// stored.

const (
	paramString    = "string"
	paramNumber    = "number"
	paramTimestamp = "timestamp"
)

// ParamSpec describes one :param of a rule's SQL. Static params carry their
// value (grounded from the intent); runtime params are bound by the
// evaluator per transaction, keyed by name convention (user_id, txn_id,
// window_start, window_end, baseline_start, txn_occurred_at, home_state,
// baseline_value).
type ParamSpec struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value,omitempty"`
}

// MetaParamKey holds rule metadata the SQL itself cannot carry (the
// comparison operator, window length, baseline kind). It is appended to
// the params schema after validation and ignored by the binder.
const MetaParamKey = "_meta"

// RuleMeta travels in the params schema under MetaParamKey.
type RuleMeta struct {
	Operator     string `json:"operator,omitempty"`
	WindowDays   int    `json:"window_days,omitempty"`
	Baseline     string `json:"baseline,omitempty"`
	GeoScope     string `json:"geo_scope,omitempty"`
	IntervalDays int    `json:"interval_days,omitempty"`
}

type synthesized struct {
	SQL    string
	Params map[string]ParamSpec
}

// baseWhere anchors every template: user scoping, the evaluated
// transaction, and the occurred_at window.
const baseWhere = "FROM transactions t WHERE t.user_id = :user_id AND t.id = :txn_id AND t.occurred_at >= :window_start AND t.occurred_at <= :window_end"

func baseParams() map[string]ParamSpec {
	return map[string]ParamSpec{
		"user_id":      {Type: paramString},
		"txn_id":       {Type: paramString},
		"window_start": {Type: paramTimestamp},
		"window_end":   {Type: paramTimestamp},
	}
}

func synthesize(intent *RuleIntent) (*synthesized, error) {
	switch intent.Kind {
	case models.RuleKindThreshold:
		return synthThreshold(intent), nil
	case models.RuleKindPctDelta:
		return synthPctDelta(intent), nil
	case models.RuleKindLocation:
		return synthLocation(), nil
	case models.RuleKindMerchant:
		return synthMerchantPattern(intent), nil
	case models.RuleKindFrequency:
		return synthFrequency(intent), nil
	case models.RuleKindRecurringDrift:
		return synthRecurringDrift(intent), nil
	case models.RuleKindCategoryRatio:
		return synthCategoryRatio(intent), nil
	}

	return nil, fmt.Errorf("no template for rule kind %q", intent.Kind)
}

func sqlOperator(op string) string {
	if op == "==" {
		return "="
	}
	return op
}

func likePattern(merchant string) string {
	return "%" + strings.ToLower(merchant) + "%"
}

func synthThreshold(intent *RuleIntent) *synthesized {
	params := baseParams()
	params["amount"] = ParamSpec{Type: paramNumber, Value: *intent.Amount}

	var filters []string
	if intent.Category != "" {
		filters = append(filters, "t.merchant_category = :category")
		params["category"] = ParamSpec{Type: paramString, Value: intent.Category}
	}
	if intent.Merchant != "" {
		filters = append(filters, "LOWER(t.merchant_name) LIKE :merchant_pattern")
		params["merchant_pattern"] = ParamSpec{Type: paramString, Value: likePattern(intent.Merchant)}
	}

	cond := fmt.Sprintf("t.status <> 'REFUNDED' AND t.amount %s :amount", sqlOperator(intent.Operator))
	if len(filters) > 0 {
		cond = strings.Join(filters, " AND ") + " AND " + cond
	}

	sql := fmt.Sprintf(
		"SELECT CASE WHEN %s THEN 1 ELSE 0 END AS triggered, t.amount AS observed, NULL AS baseline, t.merchant_name AS detail %s",
		cond, baseWhere)

	return &synthesized{SQL: sql, Params: params}
}

func synthPctDelta(intent *RuleIntent) *synthesized {
	params := baseParams()
	params["threshold_pct"] = ParamSpec{Type: paramNumber, Value: *intent.ThresholdPct}

	// MEDIAN and LAST_N baselines come from the behavioural analyzer and
	// arrive as a bound parameter; AVG is computed in SQL so the query is
	// self-contained.
	if intent.Baseline != "AVG" {
		params["baseline_value"] = ParamSpec{Type: paramNumber}

		sql := fmt.Sprintf(
			"SELECT CASE WHEN t.status <> 'REFUNDED' AND :baseline_value > 0 AND t.amount > :baseline_value * (1 + :threshold_pct / 100.0) THEN 1 ELSE 0 END AS triggered, "+
				"t.amount AS observed, :baseline_value AS baseline, t.merchant_category AS detail %s",
			baseWhere)

		return &synthesized{SQL: sql, Params: params}
	}

	var history string
	if intent.Merchant != "" {
		history = "LOWER(h.merchant_name) LIKE :merchant_pattern"
		params["merchant_pattern"] = ParamSpec{Type: paramString, Value: likePattern(intent.Merchant)}
	} else {
		history = "h.merchant_category = :category"
		params["category"] = ParamSpec{Type: paramString, Value: intent.Category}
	}
	params["baseline_start"] = ParamSpec{Type: paramTimestamp}
	params["txn_occurred_at"] = ParamSpec{Type: paramTimestamp}

	// History excludes the evaluated transaction itself.
	avg := fmt.Sprintf(
		"(SELECT COALESCE(AVG(h.amount), 0) FROM transactions h WHERE h.user_id = :user_id AND %s AND h.status <> 'REFUNDED' AND h.occurred_at >= :baseline_start AND h.occurred_at < :txn_occurred_at)",
		history)

	sql := fmt.Sprintf(
		"SELECT CASE WHEN t.status <> 'REFUNDED' AND %[1]s > 0 AND t.amount > %[1]s * (1 + :threshold_pct / 100.0) THEN 1 ELSE 0 END AS triggered, "+
			"t.amount AS observed, %[1]s AS baseline, t.merchant_category AS detail %[2]s",
		avg, baseWhere)

	return &synthesized{SQL: sql, Params: params}
}

func synthLocation() *synthesized {
	params := baseParams()
	params["home_state"] = ParamSpec{Type: paramString}

	sql := fmt.Sprintf(
		"SELECT CASE WHEN t.merchant_state <> '' AND :home_state <> '' AND t.merchant_state <> :home_state THEN 1 ELSE 0 END AS triggered, "+
			"t.amount AS observed, NULL AS baseline, t.merchant_state AS detail %s",
		baseWhere)

	return &synthesized{SQL: sql, Params: params}
}

func synthMerchantPattern(intent *RuleIntent) *synthesized {
	params := baseParams()
	params["merchant_pattern"] = ParamSpec{Type: paramString, Value: likePattern(intent.Merchant)}

	sql := fmt.Sprintf(
		"SELECT CASE WHEN t.status <> 'REFUNDED' AND LOWER(t.merchant_name) LIKE :merchant_pattern THEN 1 ELSE 0 END AS triggered, "+
			"t.amount AS observed, NULL AS baseline, t.merchant_name AS detail %s",
		baseWhere)

	return &synthesized{SQL: sql, Params: params}
}

func synthFrequency(intent *RuleIntent) *synthesized {
	params := baseParams()
	params["min_count"] = ParamSpec{Type: paramNumber, Value: *intent.MinCount}

	history := "h.user_id = :user_id AND h.status <> 'DECLINED' AND h.occurred_at >= :window_start AND h.occurred_at <= :window_end"
	if intent.Category != "" {
		history += " AND h.merchant_category = :category"
		params["category"] = ParamSpec{Type: paramString, Value: intent.Category}
	}
	if intent.Merchant != "" {
		history += " AND LOWER(h.merchant_name) LIKE :merchant_pattern"
		params["merchant_pattern"] = ParamSpec{Type: paramString, Value: likePattern(intent.Merchant)}
	}

	count := fmt.Sprintf("(SELECT COUNT(*) FROM transactions h WHERE %s)", history)

	sql := fmt.Sprintf(
		"SELECT CASE WHEN %[1]s >= :min_count THEN 1 ELSE 0 END AS triggered, %[1]s AS observed, NULL AS baseline, t.merchant_name AS detail %[2]s",
		count, baseWhere)

	return &synthesized{SQL: sql, Params: params}
}

func synthRecurringDrift(intent *RuleIntent) *synthesized {
	params := baseParams()
	params["threshold_pct"] = ParamSpec{Type: paramNumber, Value: *intent.ThresholdPct}
	params["baseline_start"] = ParamSpec{Type: paramTimestamp}
	params["txn_occurred_at"] = ParamSpec{Type: paramTimestamp}

	target := intent.Merchant
	if target == "" {
		target = intent.Category
	}
	params["merchant_pattern"] = ParamSpec{Type: paramString, Value: likePattern(target)}

	// Refunded transactions still participate: drift in a recurring charge
	// is a signal whatever the settlement state.
	avg := "(SELECT COALESCE(AVG(h.amount), 0) FROM transactions h WHERE h.user_id = :user_id AND LOWER(h.merchant_name) LIKE :merchant_pattern AND h.occurred_at >= :baseline_start AND h.occurred_at < :txn_occurred_at)"

	sql := fmt.Sprintf(
		"SELECT CASE WHEN %[1]s > 0 AND ABS(t.amount - %[1]s) > %[1]s * (:threshold_pct / 100.0) THEN 1 ELSE 0 END AS triggered, "+
			"t.amount AS observed, %[1]s AS baseline, t.merchant_name AS detail %[2]s",
		avg, baseWhere)

	return &synthesized{SQL: sql, Params: params}
}

func synthCategoryRatio(intent *RuleIntent) *synthesized {
	params := baseParams()
	params["threshold_pct"] = ParamSpec{Type: paramNumber, Value: *intent.ThresholdPct}
	params["category"] = ParamSpec{Type: paramString, Value: intent.Category}

	catSum := "(SELECT COALESCE(SUM(h.amount), 0) FROM transactions h WHERE h.user_id = :user_id AND h.merchant_category = :category AND h.status <> 'REFUNDED' AND h.occurred_at >= :window_start AND h.occurred_at <= :window_end)"
	totalSum := "(SELECT COALESCE(SUM(h.amount), 0) FROM transactions h WHERE h.user_id = :user_id AND h.status <> 'REFUNDED' AND h.occurred_at >= :window_start AND h.occurred_at <= :window_end)"

	sql := fmt.Sprintf(
		"SELECT CASE WHEN %[2]s > 0 AND %[1]s > %[2]s * (:threshold_pct / 100.0) THEN 1 ELSE 0 END AS triggered, "+
			"%[1]s AS observed, %[2]s AS baseline, t.merchant_category AS detail %[3]s",
		catSum, totalSum, baseWhere)

	return &synthesized{SQL: sql, Params: params}
}
