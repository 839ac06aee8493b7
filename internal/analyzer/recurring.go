package analyzer

import (
	"math"
	"strings"
	"time"

	"github.com/cardwatch/cardwatch/internal/models"
)

// RecurringSeries is the best-fit description of a repeated charge at one
// merchant: its period, the expected amount, and how far the latest charge
// drifted from it.
type RecurringSeries struct {
	Merchant       string
	PeriodDays     float64
	ExpectedAmount float64
	LastAmount     float64
	DriftPct       float64
	Occurrences    int
}

// Billing cycles wobble; a charge within this many days of the fitted
// period still belongs to the series.
const periodBufferDays = 5.0

// RecurringSeries fits a period to the user's history at a merchant over
// the past year. It needs at least three occurrences to call something
// recurring; fewer returns nil.
func (a *Analyzer) RecurringSeries(userID, merchant string, before time.Time) (*RecurringSeries, error) {
	var txns []models.Transaction

	err := a.store.DB().
		Where("user_id = ? AND LOWER(merchant_name) LIKE ? AND occurred_at < ? AND occurred_at >= ?",
			userID, "%"+strings.ToLower(merchant)+"%", before, before.AddDate(-1, 0, 0)).
		Order("occurred_at").
		Find(&txns).Error
	if err != nil {
		return nil, err
	}

	if len(txns) < 3 {
		return nil, nil
	}

	var gaps []float64
	for i := 1; i < len(txns); i++ {
		gaps = append(gaps, txns[i].OccurredAt.Sub(txns[i-1].OccurredAt).Hours()/24)
	}

	period := median(gaps)
	if period <= 0 {
		return nil, nil
	}

	// The series only counts when the gaps actually cluster around the
	// fitted period.
	matching := 0
	for _, gap := range gaps {
		if math.Abs(gap-period) <= periodBufferDays {
			matching++
		}
	}
	if matching*2 < len(gaps) {
		return nil, nil
	}

	amounts := make([]float64, 0, len(txns)-1)
	for _, t := range txns[:len(txns)-1] {
		amounts = append(amounts, t.Amount)
	}
	expected := median(amounts)

	last := txns[len(txns)-1].Amount
	drift := 0.0
	if expected > 0 {
		drift = math.Abs(last-expected) / expected * 100
	}

	return &RecurringSeries{
		Merchant:       merchant,
		PeriodDays:     period,
		ExpectedAmount: expected,
		LastAmount:     last,
		DriftPct:       drift,
		Occurrences:    len(txns),
	}, nil
}
