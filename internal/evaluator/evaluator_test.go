package evaluator_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cardwatch/cardwatch/internal/analyzer"
	"github.com/cardwatch/cardwatch/internal/compiler"
	"github.com/cardwatch/cardwatch/internal/config"
	"github.com/cardwatch/cardwatch/internal/evaluator"
	"github.com/cardwatch/cardwatch/internal/fx"
	"github.com/cardwatch/cardwatch/internal/models"
	"github.com/cardwatch/cardwatch/internal/store"
	"github.com/cardwatch/cardwatch/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	conn  *gorm.DB
	store *store.Store
	comp  *compiler.Compiler
	eval  *evaluator.Evaluator
	llm   *testutil.FakeLLM
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	conn := testutil.OpenTestDB(t)
	s := store.New(conn)

	fakeLLM := &testutil.FakeLLM{}
	comp := compiler.New(s, testutil.NewFakeEmbedder(), fakeLLM, config.CompileConfig{
		DupSimilarityThreshold:      0.92,
		CategorySimilarityThreshold: 0.80,
		Deadline:                    5 * time.Second,
		RetryBudget:                 1,
		RetryBaseDelay:              time.Millisecond,
	}, time.Second, zap.NewNop())

	table, err := fx.Load("")
	require.NoError(t, err)

	an := analyzer.New(s, 800)
	eval := evaluator.New(s, an, table, config.EvalConfig{
		SQLTimeout:             time.Second,
		MaxConsecutiveFailures: 5,
	}, zap.NewNop())

	return &fixture{conn: conn, store: s, comp: comp, eval: eval, llm: fakeLLM}
}

func (f *fixture) createRule(t *testing.T, userID string, intent map[string]interface{}, nlText string) *models.AlertRule {
	t.Helper()

	raw, err := json.Marshal(intent)
	require.NoError(t, err)
	f.llm.Intent = string(raw)

	result := f.comp.CreateRule(context.Background(), userID, nlText)
	require.Equal(t, compiler.StatusValid, result.Status, "%+v", result)

	return result.Rule
}

// S1: a threshold rule fires on a $547 transaction and stays idempotent on
// replay.
func TestThresholdRuleFires(t *testing.T) {
	f := newFixture(t)

	user := testutil.SeedUser(t, f.conn, "u1")
	card := testutil.SeedCard(t, f.conn, "c1", user.ID)

	rule := f.createRule(t, user.ID, map[string]interface{}{
		"kind": "THRESHOLD", "amount": 500, "operator": ">", "confidence": 0.95,
	}, "Alert me if any single transaction exceeds $500")

	txn := testutil.SeedTransaction(t, f.conn, &models.Transaction{
		UserID: user.ID, CardID: card.ID, Amount: 547,
		Currency: "USD", MerchantName: "ACME",
		OccurredAt: time.Now().UTC(), Status: models.TxnStatusApproved,
	})

	created, err := f.eval.Evaluate(context.Background(), txn.ID)
	require.NoError(t, err)
	require.Len(t, created, 1)

	n, err := f.store.GetNotification(created[0])
	require.NoError(t, err)
	require.Contains(t, n.Title, "$547")
	require.Equal(t, models.SeverityMed, n.Severity)
	require.Equal(t, models.ChannelEmail, n.Channel)
	require.Equal(t, models.NotificationQueued, n.Status)

	stored, err := f.store.GetRule(rule.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.TriggerCount)
	require.NotNil(t, stored.LastTriggeredAt)
}

// S6: re-running the evaluation creates no second notification and does not
// advance trigger_count again.
func TestEvaluationIsIdempotent(t *testing.T) {
	f := newFixture(t)

	user := testutil.SeedUser(t, f.conn, "u1")
	card := testutil.SeedCard(t, f.conn, "c1", user.ID)

	rule := f.createRule(t, user.ID, map[string]interface{}{
		"kind": "THRESHOLD", "amount": 500, "confidence": 0.95,
	}, "Alert me if any single transaction exceeds $500")

	txn := testutil.SeedTransaction(t, f.conn, &models.Transaction{
		UserID: user.ID, CardID: card.ID, Amount: 547,
		Currency: "USD", MerchantName: "ACME",
		OccurredAt: time.Now().UTC(), Status: models.TxnStatusApproved,
	})

	for i := 0; i < 3; i++ {
		_, err := f.eval.Evaluate(context.Background(), txn.ID)
		require.NoError(t, err)
	}

	notifications, err := f.store.NotificationsForTransaction(rule.ID, txn.ID)
	require.NoError(t, err)
	require.Len(t, notifications, 1)

	stored, err := f.store.GetRule(rule.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.TriggerCount)
}

// S2: percent-delta over a 30-day dining average.
func TestPctDeltaVsBaseline(t *testing.T) {
	f := newFixture(t)

	user := testutil.SeedUser(t, f.conn, "u1")
	card := testutil.SeedCard(t, f.conn, "c1", user.ID)

	now := time.Now().UTC()
	for i := 1; i <= 30; i++ {
		testutil.SeedTransaction(t, f.conn, &models.Transaction{
			UserID: user.ID, CardID: card.ID, Amount: 67,
			Currency: "USD", MerchantName: "Bistro", MerchantCategory: "dining",
			OccurredAt: now.AddDate(0, 0, -i), Status: models.TxnStatusSettled,
		})
	}

	f.createRule(t, user.ID, map[string]interface{}{
		"kind": "PCT_DELTA_VS_BASELINE", "threshold_pct": 40,
		"baseline": "AVG", "category": "dining", "window_days": 30, "confidence": 0.95,
	}, "Notify me if my dining expense exceeds the 30-day average by more than 40%")

	txn := testutil.SeedTransaction(t, f.conn, &models.Transaction{
		UserID: user.ID, CardID: card.ID, Amount: 98,
		Currency: "USD", MerchantName: "Bistro", MerchantCategory: "dining",
		OccurredAt: now, Status: models.TxnStatusApproved,
	})

	created, err := f.eval.Evaluate(context.Background(), txn.ID)
	require.NoError(t, err)
	require.Len(t, created, 1)

	n, err := f.store.GetNotification(created[0])
	require.NoError(t, err)

	var detail map[string]interface{}
	require.NoError(t, json.Unmarshal(n.Detail, &detail))
	require.InDelta(t, 98.0, detail["observed"].(float64), 0.001)
	require.InDelta(t, 67.0, detail["baseline"].(float64), 0.5)
	require.Contains(t, n.Body, "46%")
}

func TestPctDeltaDoesNotFireUnderThreshold(t *testing.T) {
	f := newFixture(t)

	user := testutil.SeedUser(t, f.conn, "u1")
	card := testutil.SeedCard(t, f.conn, "c1", user.ID)

	now := time.Now().UTC()
	for i := 1; i <= 10; i++ {
		testutil.SeedTransaction(t, f.conn, &models.Transaction{
			UserID: user.ID, CardID: card.ID, Amount: 67,
			Currency: "USD", MerchantName: "Bistro", MerchantCategory: "dining",
			OccurredAt: now.AddDate(0, 0, -i), Status: models.TxnStatusSettled,
		})
	}

	f.createRule(t, user.ID, map[string]interface{}{
		"kind": "PCT_DELTA_VS_BASELINE", "threshold_pct": 40,
		"baseline": "AVG", "category": "dining", "window_days": 30, "confidence": 0.95,
	}, "Notify me if my dining expense exceeds the 30-day average by more than 40%")

	txn := testutil.SeedTransaction(t, f.conn, &models.Transaction{
		UserID: user.ID, CardID: card.ID, Amount: 80,
		Currency: "USD", MerchantName: "Bistro", MerchantCategory: "dining",
		OccurredAt: now, Status: models.TxnStatusApproved,
	})

	created, err := f.eval.Evaluate(context.Background(), txn.ID)
	require.NoError(t, err)
	require.Empty(t, created)
}

// S3: with consent off and no coordinates, the location rule still works
// off merchant state vs home state.
func TestLocationRuleUsesMerchantStateWithoutConsent(t *testing.T) {
	f := newFixture(t)

	user := testutil.SeedUser(t, f.conn, "u2", func(u *models.User) {
		u.LocationConsent = false
		u.HomeState = "CA"
	})
	card := testutil.SeedCard(t, f.conn, "c1", user.ID)

	f.createRule(t, user.ID, map[string]interface{}{
		"kind": "LOCATION", "geo_scope": "HOME_STATE", "confidence": 0.95,
	}, "Alert if a transaction happens outside my home state")

	txn := testutil.SeedTransaction(t, f.conn, &models.Transaction{
		UserID: user.ID, CardID: card.ID, Amount: 25,
		Currency: "USD", MerchantName: "NY Deli", MerchantState: "NY",
		OccurredAt: time.Now().UTC(), Status: models.TxnStatusApproved,
	})

	created, err := f.eval.Evaluate(context.Background(), txn.ID)
	require.NoError(t, err)
	require.Len(t, created, 1)

	n, err := f.store.GetNotification(created[0])
	require.NoError(t, err)
	require.Equal(t, models.SeverityHigh, n.Severity)
}

// S5: impossible travel forces HIGH severity on a location rule.
func TestLocationRuleImpossibleTravel(t *testing.T) {
	f := newFixture(t)

	sfLat, sfLon := 37.77, -122.42
	lastSeen := time.Now().UTC().Add(-30 * time.Minute)

	user := testutil.SeedUser(t, f.conn, "u3", func(u *models.User) {
		u.LocationConsent = true
		u.LastKnownLat = &sfLat
		u.LastKnownLon = &sfLon
		u.LastKnownAt = &lastSeen
	})
	card := testutil.SeedCard(t, f.conn, "c1", user.ID)

	f.createRule(t, user.ID, map[string]interface{}{
		"kind": "LOCATION", "geo_scope": "LAST_KNOWN", "confidence": 0.95,
	}, "Alert me about transactions far from my phone")

	bosLat, bosLon := 42.36, -71.06
	txn := testutil.SeedTransaction(t, f.conn, &models.Transaction{
		UserID: user.ID, CardID: card.ID, Amount: 25,
		Currency: "USD", MerchantName: "Boston Cafe", MerchantState: "MA",
		Lat: &bosLat, Lon: &bosLon,
		OccurredAt: time.Now().UTC(), Status: models.TxnStatusApproved,
	})

	created, err := f.eval.Evaluate(context.Background(), txn.ID)
	require.NoError(t, err)
	require.Len(t, created, 1)

	n, err := f.store.GetNotification(created[0])
	require.NoError(t, err)
	require.Equal(t, models.SeverityHigh, n.Severity)

	var detail map[string]interface{}
	require.NoError(t, json.Unmarshal(n.Detail, &detail))
	require.Equal(t, string(analyzer.RiskImpossibleTravel), detail["risk"])
}

func TestRefundedTransactionsDoNotFireThreshold(t *testing.T) {
	f := newFixture(t)

	user := testutil.SeedUser(t, f.conn, "u1")
	card := testutil.SeedCard(t, f.conn, "c1", user.ID)

	f.createRule(t, user.ID, map[string]interface{}{
		"kind": "THRESHOLD", "amount": 500, "confidence": 0.95,
	}, "Alert me if any single transaction exceeds $500")

	txn := testutil.SeedTransaction(t, f.conn, &models.Transaction{
		UserID: user.ID, CardID: card.ID, Amount: 900,
		Currency: "USD", MerchantName: "ACME",
		OccurredAt: time.Now().UTC(), Status: models.TxnStatusRefunded,
	})

	created, err := f.eval.Evaluate(context.Background(), txn.ID)
	require.NoError(t, err)
	require.Empty(t, created)
}

func TestMissingFXRateSkipsRuleWithAudit(t *testing.T) {
	f := newFixture(t)

	user := testutil.SeedUser(t, f.conn, "u1")
	card := testutil.SeedCard(t, f.conn, "c1", user.ID)

	rule := f.createRule(t, user.ID, map[string]interface{}{
		"kind": "THRESHOLD", "amount": 500, "confidence": 0.95,
	}, "Alert me if any single transaction exceeds $500")

	txn := testutil.SeedTransaction(t, f.conn, &models.Transaction{
		UserID: user.ID, CardID: card.ID, Amount: 900,
		Currency: "CHF", MerchantName: "Zurich Shop",
		OccurredAt: time.Now().UTC(), Status: models.TxnStatusApproved,
	})

	created, err := f.eval.Evaluate(context.Background(), txn.ID)
	require.NoError(t, err)
	require.Empty(t, created)

	var audits []models.RuleAudit
	require.NoError(t, f.conn.Where("rule_id = ?", rule.ID).Find(&audits).Error)
	require.Len(t, audits, 1)
	require.Equal(t, "fx_missing", audits[0].Reason)
}

func TestMultiChannelEmitsOnePerChannel(t *testing.T) {
	f := newFixture(t)

	user := testutil.SeedUser(t, f.conn, "u1", func(u *models.User) {
		u.WebhookURL = "https://example.com/hook"
		u.WebhookSecret = "s3cret"
	})
	card := testutil.SeedCard(t, f.conn, "c1", user.ID)

	rule := f.createRule(t, user.ID, map[string]interface{}{
		"kind": "THRESHOLD", "amount": 100, "confidence": 0.95,
		"channels": []string{"email", "webhook"},
	}, "Alert me by email and webhook if any single transaction exceeds $100")

	txn := testutil.SeedTransaction(t, f.conn, &models.Transaction{
		UserID: user.ID, CardID: card.ID, Amount: 250,
		Currency: "USD", MerchantName: "ACME",
		OccurredAt: time.Now().UTC(), Status: models.TxnStatusApproved,
	})

	created, err := f.eval.Evaluate(context.Background(), txn.ID)
	require.NoError(t, err)
	require.Len(t, created, 2)

	notifications, err := f.store.NotificationsForTransaction(rule.ID, txn.ID)
	require.NoError(t, err)
	require.Len(t, notifications, 2)

	channels := map[string]bool{}
	for _, n := range notifications {
		channels[n.Channel] = true
	}
	require.True(t, channels[models.ChannelEmail])
	require.True(t, channels[models.ChannelWebhook])
}

func TestRuleAutoDeactivatesAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t)

	user := testutil.SeedUser(t, f.conn, "u1")
	card := testutil.SeedCard(t, f.conn, "c1", user.ID)

	rule := f.createRule(t, user.ID, map[string]interface{}{
		"kind": "THRESHOLD", "amount": 500, "confidence": 0.95,
	}, "Alert me if any single transaction exceeds $500")

	// Corrupt the stored params so every evaluation errors.
	require.NoError(t, f.conn.Model(&models.AlertRule{}).
		Where("id = ?", rule.ID).
		Update("sql_params_schema", []byte("{broken")).Error)

	txn := testutil.SeedTransaction(t, f.conn, &models.Transaction{
		UserID: user.ID, CardID: card.ID, Amount: 900,
		Currency: "USD", MerchantName: "ACME",
		OccurredAt: time.Now().UTC(), Status: models.TxnStatusApproved,
	})

	for i := 0; i < 5; i++ {
		_, err := f.eval.Evaluate(context.Background(), txn.ID)
		require.NoError(t, err)
	}

	stored, err := f.store.GetRule(rule.ID)
	require.NoError(t, err)
	require.False(t, stored.IsActive)

	// The owner hears about the deactivation through a system notification.
	var system []models.AlertNotification
	require.NoError(t, f.conn.Where("rule_id = ? AND transaction_id IS NULL", rule.ID).Find(&system).Error)
	require.Len(t, system, 1)
	require.Contains(t, system[0].Title, "turned off")
}
