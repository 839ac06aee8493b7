package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cardwatch/cardwatch/internal/models"
)

// RuleIntent is the structured object the LLM fills. The LLM's only job is
// slot filling; everything downstream of Parse is deterministic.
type RuleIntent struct {
	Kind         string   `json:"kind"`
	Amount       *float64 `json:"amount,omitempty"`
	Operator     string   `json:"operator,omitempty"` // > < >= <= ==
	Baseline     string   `json:"baseline,omitempty"` // AVG MEDIAN LAST_N SAME_MERCHANT_LAST_N
	WindowDays   int      `json:"window_days,omitempty"`
	Category     string   `json:"category,omitempty"`
	Merchant     string   `json:"merchant,omitempty"`
	GeoScope     string   `json:"geo_scope,omitempty"` // HOME_STATE LAST_KNOWN
	ThresholdPct *float64 `json:"threshold_pct,omitempty"`
	MinCount     *int     `json:"min_count,omitempty"`
	IntervalDays *int     `json:"interval_days,omitempty"`
	Channels     []string `json:"channels,omitempty"`
	Severity     string   `json:"severity,omitempty"`
	Confidence   float64  `json:"confidence"`
}

const minParseConfidence = 0.6

var parsePromptTemplate = `You classify a natural language credit-card alert request into a strict JSON object.

Respond with RAW JSON only. No markdown, no prose.

Fields:
- "kind": one of "THRESHOLD", "PCT_DELTA_VS_BASELINE", "LOCATION", "MERCHANT_PATTERN", "FREQUENCY", "RECURRING_DRIFT", "CATEGORY_RATIO"
- "amount": number, for THRESHOLD rules (dollar value)
- "operator": one of ">", "<", ">=", "<=", "==" (default ">")
- "baseline": one of "AVG", "MEDIAN", "LAST_N", "SAME_MERCHANT_LAST_N", for baseline comparisons
- "window_days": integer look-back window in days (default 30)
- "category": merchant category mentioned, verbatim (e.g. "dining", "food")
- "merchant": merchant name mentioned, verbatim
- "geo_scope": "HOME_STATE" or "LAST_KNOWN", for location rules
- "threshold_pct": number, percent delta/ratio (e.g. 40 for "by 40%%")
- "min_count": integer, for FREQUENCY rules
- "interval_days": integer, for RECURRING_DRIFT rules
- "channels": subset of ["email", "webhook", "sms"] if the user named any
- "severity": "LOW", "MED" or "HIGH" if the user implied urgency
- "confidence": 0..1, your confidence that the classification is right

If the request is not about card transactions, spending, merchants or
location, answer {"kind": "NOT_APPLICABLE", "confidence": 1}.

Request: %q
JSON:`

// parse runs the Parse state: one LLM call, strict JSON decode, then
// required-field gating that maps gaps onto Ambiguous questions.
func (c *Compiler) parse(ctx context.Context, nlText string) (*RuleIntent, *CompileResult) {
	raw, err := c.generateWithRetry(ctx, fmt.Sprintf(parsePromptTemplate, nlText))
	if err != nil {
		return nil, &CompileResult{Status: StatusInvalid, Reason: "temporarily_unavailable"}
	}

	var intent RuleIntent
	if err := json.Unmarshal([]byte(raw), &intent); err != nil {
		return nil, &CompileResult{
			Status: StatusInvalid,
			Reason: "unparseable",
			Hints: []string{
				`try "alert me if any single transaction exceeds $500"`,
				`try "notify me if my dining spend exceeds the 30-day average by 40%"`,
			},
		}
	}

	intent.Kind = strings.ToUpper(strings.TrimSpace(intent.Kind))

	if intent.Kind == "NOT_APPLICABLE" {
		return nil, &CompileResult{
			Status: StatusInvalid,
			Reason: "unparseable",
			Hints:  []string{"the request must concern card transactions, spending, merchants or location"},
		}
	}

	if !validKind(intent.Kind) {
		return nil, &CompileResult{
			Status: StatusInvalid,
			Reason: "unparseable",
			Hints:  []string{fmt.Sprintf("unrecognised rule kind %q", intent.Kind)},
		}
	}

	if intent.Confidence < minParseConfidence {
		return nil, &CompileResult{
			Status:    StatusAmbiguous,
			Questions: []string{"Could you rephrase the alert? For example: \"alert me if any single transaction exceeds $500\"."},
		}
	}

	applyIntentDefaults(&intent)

	if questions := missingFieldQuestions(&intent); len(questions) > 0 {
		return nil, &CompileResult{Status: StatusAmbiguous, Questions: questions}
	}

	return &intent, nil
}

func validKind(kind string) bool {
	switch kind {
	case models.RuleKindThreshold, models.RuleKindPctDelta, models.RuleKindLocation,
		models.RuleKindMerchant, models.RuleKindFrequency, models.RuleKindRecurringDrift,
		models.RuleKindCategoryRatio:
		return true
	}
	return false
}

func applyIntentDefaults(intent *RuleIntent) {
	if intent.Operator == "" {
		intent.Operator = ">"
	}
	if intent.WindowDays <= 0 {
		intent.WindowDays = 30
	}
	if intent.Baseline == "" {
		intent.Baseline = "AVG"
	}
	if intent.Kind == models.RuleKindLocation && intent.GeoScope == "" {
		intent.GeoScope = "HOME_STATE"
	}
	if intent.Kind == models.RuleKindRecurringDrift {
		if intent.IntervalDays == nil || *intent.IntervalDays <= 0 {
			d := 30
			intent.IntervalDays = &d
		}
		if intent.ThresholdPct == nil {
			pct := 20.0
			intent.ThresholdPct = &pct
		}
	}
	if len(intent.Channels) == 0 {
		intent.Channels = []string{models.ChannelEmail}
	}

	switch intent.Severity {
	case models.SeverityLow, models.SeverityMed, models.SeverityHigh:
	default:
		intent.Severity = models.SeverityMed
	}
	// Location rules always page at high severity.
	if intent.Kind == models.RuleKindLocation {
		intent.Severity = models.SeverityHigh
	}
}

func missingFieldQuestions(intent *RuleIntent) []string {
	var questions []string

	switch intent.Kind {
	case models.RuleKindThreshold:
		if intent.Amount == nil {
			questions = append(questions, "What dollar amount should trigger the alert?")
		}
	case models.RuleKindPctDelta:
		if intent.ThresholdPct == nil {
			questions = append(questions, "By what percentage over the baseline should the alert fire?")
		}
		if intent.Category == "" && intent.Merchant == "" {
			questions = append(questions, "Which category or merchant should be compared against its baseline?")
		}
	case models.RuleKindMerchant:
		if intent.Merchant == "" {
			questions = append(questions, "Which merchant should the alert watch?")
		}
	case models.RuleKindFrequency:
		if intent.MinCount == nil {
			questions = append(questions, "How many transactions within the window should trigger the alert?")
		}
	case models.RuleKindRecurringDrift:
		if intent.Merchant == "" && intent.Category == "" {
			questions = append(questions, "Which recurring charge (merchant or category) should be watched for drift?")
		}
	case models.RuleKindCategoryRatio:
		if intent.ThresholdPct == nil {
			questions = append(questions, "What share of total spend should trigger the alert?")
		}
		if intent.Category == "" {
			questions = append(questions, "Which category's share of spending should be watched?")
		}
	}

	return questions
}
