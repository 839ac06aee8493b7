package analyzer

import (
	"sort"
	"strings"
	"time"

	"github.com/cardwatch/cardwatch/internal/models"
	"github.com/cardwatch/cardwatch/internal/store"
)

// Analyzer computes derived behavioural signals from transaction history.
// Every method is deterministic given the same inputs and never writes to
// the store.
type Analyzer struct {
	store  *store.Store
	maxKMH float64
}

func New(s *store.Store, maxKMH float64) *Analyzer {
	if maxKMH <= 0 {
		maxKMH = 800
	}
	return &Analyzer{store: s, maxKMH: maxKMH}
}

type BaselineKind string

const (
	BaselineAvg    BaselineKind = "AVG"
	BaselineMedian BaselineKind = "MEDIAN"
	BaselineLastN  BaselineKind = "LAST_N"
)

// Baseline aggregates prior spend for a user over a window, optionally
// narrowed to a category or merchant. before excludes the transaction
// being evaluated so the baseline never contains it.
func (a *Analyzer) Baseline(userID string, kind BaselineKind, window time.Duration, category, merchant string, before time.Time, n int) (float64, error) {
	amounts, err := a.amounts(userID, window, category, merchant, before)
	if err != nil {
		return 0, err
	}
	if len(amounts) == 0 {
		return 0, nil
	}

	switch kind {
	case BaselineMedian:
		return median(amounts), nil
	case BaselineLastN:
		if n <= 0 {
			n = 10
		}
		if len(amounts) > n {
			amounts = amounts[:n]
		}
		return mean(amounts), nil
	default:
		return mean(amounts), nil
	}
}

// AnomalyScore is the ratio of a transaction's amount to the rolling median
// of same-category spend over the prior 30 days, bounded to [0, inf). A
// score of 1 is typical spend; 0 means no history to compare against.
func (a *Analyzer) AnomalyScore(txn *models.Transaction) (float64, error) {
	med, err := a.Baseline(txn.UserID, BaselineMedian, 30*24*time.Hour, txn.MerchantCategory, "", txn.OccurredAt, 0)
	if err != nil {
		return 0, err
	}
	if med <= 0 {
		return 0, nil
	}

	score := txn.Amount / med
	if score < 0 {
		score = 0
	}
	return score, nil
}

// amounts returns prior amounts newest-first, excluding refunds.
func (a *Analyzer) amounts(userID string, window time.Duration, category, merchant string, before time.Time) ([]float64, error) {
	q := a.store.DB().Model(&models.Transaction{}).
		Where("user_id = ? AND status <> ? AND occurred_at < ? AND occurred_at >= ?",
			userID, models.TxnStatusRefunded, before, before.Add(-window))

	if category != "" {
		q = q.Where("merchant_category = ?", category)
	}
	if merchant != "" {
		q = q.Where("LOWER(merchant_name) LIKE ?", "%"+strings.ToLower(merchant)+"%")
	}

	var amounts []float64
	err := q.Order("occurred_at DESC").Pluck("amount", &amounts).Error

	return amounts, err
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
