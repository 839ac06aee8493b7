package evaluator

import (
	"strings"

	"github.com/cardwatch/cardwatch/internal/analyzer"
	"github.com/cardwatch/cardwatch/internal/compiler"
	"github.com/cardwatch/cardwatch/internal/models"
)

// evaluateCheap handles the rule kinds that never need SQL: a plain
// threshold, a merchant pattern, and the static location check. These run
// against the transaction (plus the user row for home state and last known
// position) entirely in process.
func (e *Evaluator) evaluateCheap(rule *models.AlertRule, schema map[string]compiler.ParamSpec, meta *compiler.RuleMeta, user *models.User, txn *models.Transaction, amountUSD float64) *outcome {
	switch rule.Kind {
	case models.RuleKindThreshold:
		return e.cheapThreshold(schema, meta, txn, amountUSD)
	case models.RuleKindMerchant:
		return e.cheapMerchant(schema, txn)
	case models.RuleKindLocation:
		return e.cheapLocation(user, txn, amountUSD)
	}

	return &outcome{}
}

func (e *Evaluator) cheapThreshold(schema map[string]compiler.ParamSpec, meta *compiler.RuleMeta, txn *models.Transaction, amountUSD float64) *outcome {
	threshold, ok := paramNumber(schema, "amount")
	if !ok {
		return &outcome{}
	}

	if category, ok := paramString(schema, "category"); ok && txn.MerchantCategory != category {
		return &outcome{}
	}
	if pattern, ok := paramString(schema, "merchant_pattern"); ok && !matchPattern(txn.MerchantName, pattern) {
		return &outcome{}
	}

	var hit bool
	switch meta.Operator {
	case "<":
		hit = amountUSD < threshold
	case ">=":
		hit = amountUSD >= threshold
	case "<=":
		hit = amountUSD <= threshold
	case "==":
		hit = amountUSD == threshold
	default:
		hit = amountUSD > threshold
	}

	return &outcome{triggered: hit, observed: amountUSD, detail: txn.MerchantName}
}

func (e *Evaluator) cheapMerchant(schema map[string]compiler.ParamSpec, txn *models.Transaction) *outcome {
	if txn.Status == models.TxnStatusRefunded {
		return &outcome{}
	}

	pattern, ok := paramString(schema, "merchant_pattern")
	if !ok {
		return &outcome{}
	}

	return &outcome{
		triggered: matchPattern(txn.MerchantName, pattern),
		observed:  txn.Amount,
		detail:    txn.MerchantName,
	}
}

// cheapLocation classifies through the analyzer. Null coordinates are not
// an error: the classifier falls back to merchant state against home
// state, and a transaction with no location signal at all simply does not
// trigger.
func (e *Evaluator) cheapLocation(user *models.User, txn *models.Transaction, amountUSD float64) *outcome {
	risk := e.analyzer.LocationRisk(user, txn)

	return &outcome{
		triggered: risk != analyzer.RiskNone,
		observed:  amountUSD,
		detail:    string(risk),
		risk:      risk,
	}
}

func matchPattern(merchantName, likePattern string) bool {
	needle := strings.Trim(likePattern, "%")
	return strings.Contains(strings.ToLower(merchantName), strings.ToLower(needle))
}

func paramNumber(schema map[string]compiler.ParamSpec, name string) (float64, bool) {
	spec, ok := schema[name]
	if !ok || spec.Value == nil {
		return 0, false
	}
	f, ok := spec.Value.(float64)
	return f, ok
}

func paramString(schema map[string]compiler.ParamSpec, name string) (string, bool) {
	spec, ok := schema[name]
	if !ok || spec.Value == nil {
		return "", false
	}
	s, ok := spec.Value.(string)
	return s, ok
}
