package evaluator

import (
	"fmt"

	"github.com/cardwatch/cardwatch/internal/models"
)

// renderPayload templates the user-facing title and body from the rule kind
// and the evaluation outcome. Wording stays short and factual; the detail
// JSON on the notification carries the raw numbers.
func renderPayload(rule *models.AlertRule, txn *models.Transaction, result *outcome) (string, string) {
	switch rule.Kind {
	case models.RuleKindThreshold:
		title := fmt.Sprintf("Large transaction: $%.2f at %s", result.observed, txn.MerchantName)
		body := fmt.Sprintf(
			"A transaction of $%.2f at %s on %s crossed your alert threshold.",
			result.observed, txn.MerchantName, txn.OccurredAt.Format("Jan 2, 2006 15:04 MST"))
		return title, body

	case models.RuleKindPctDelta:
		title := fmt.Sprintf("Unusual %s spend: $%.2f", txn.MerchantCategory, result.observed)
		body := fmt.Sprintf("You spent $%.2f at %s.", result.observed, txn.MerchantName)
		if result.baseline != nil && *result.baseline > 0 {
			pctOver := (result.observed - *result.baseline) / *result.baseline * 100
			body = fmt.Sprintf(
				"You spent $%.2f at %s, %.0f%% over your recent %s baseline of $%.2f.",
				result.observed, txn.MerchantName, pctOver, txn.MerchantCategory, *result.baseline)
		}
		return title, body

	case models.RuleKindLocation:
		title := fmt.Sprintf("Transaction away from home: %s", txn.MerchantName)
		body := fmt.Sprintf(
			"A transaction of $%.2f at %s (%s) happened outside your usual area (%s).",
			result.observed, txn.MerchantName, txn.MerchantState, result.detail)
		return title, body

	case models.RuleKindMerchant:
		title := fmt.Sprintf("Activity at %s", txn.MerchantName)
		body := fmt.Sprintf(
			"A transaction of $%.2f at %s matched your merchant alert.",
			result.observed, txn.MerchantName)
		return title, body

	case models.RuleKindFrequency:
		title := fmt.Sprintf("High transaction frequency: %.0f in window", result.observed)
		body := fmt.Sprintf(
			"There have been %.0f transactions in your configured window, most recently at %s.",
			result.observed, txn.MerchantName)
		return title, body

	case models.RuleKindRecurringDrift:
		title := fmt.Sprintf("Recurring charge changed: %s", txn.MerchantName)
		body := fmt.Sprintf("The recurring charge at %s was $%.2f.", txn.MerchantName, result.observed)
		if result.baseline != nil {
			body = fmt.Sprintf(
				"The recurring charge at %s was $%.2f, versus an expected $%.2f.",
				txn.MerchantName, result.observed, *result.baseline)
		}
		return title, body

	case models.RuleKindCategoryRatio:
		title := fmt.Sprintf("%s is a large share of your spending", txn.MerchantCategory)
		body := fmt.Sprintf(
			"Your %s spend of $%.2f crossed the configured share of total spending.",
			txn.MerchantCategory, result.observed)
		return title, body
	}

	return "Transaction alert", fmt.Sprintf("Alert for a transaction at %s.", txn.MerchantName)
}
