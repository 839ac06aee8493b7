package dispatcher_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cardwatch/cardwatch/internal/config"
	"github.com/cardwatch/cardwatch/internal/dispatcher"
	"github.com/cardwatch/cardwatch/internal/models"
	"github.com/cardwatch/cardwatch/internal/store"
	"github.com/cardwatch/cardwatch/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newDispatcher(t *testing.T) (*dispatcher.Dispatcher, *store.Store, *gorm.DB) {
	t.Helper()

	conn := testutil.OpenTestDB(t)
	s := store.New(conn)

	d := dispatcher.New(s, config.DispatchConfig{
		Retries:     3,
		BackoffBase: time.Millisecond,
		Timeout:     2 * time.Second,
	}, config.SMTPConfig{}, zap.NewNop())

	return d, s, conn
}

func queuedNotification(t *testing.T, s *store.Store, conn *gorm.DB, channel, webhookURL string) *models.AlertNotification {
	t.Helper()

	user := testutil.SeedUser(t, conn, "u1", func(u *models.User) {
		u.WebhookURL = webhookURL
		u.WebhookSecret = "s3cret"
	})
	card := testutil.SeedCard(t, conn, "c1", user.ID)
	txn := testutil.SeedTransaction(t, conn, &models.Transaction{
		UserID: user.ID, CardID: card.ID, Amount: 547,
		MerchantName: "ACME", OccurredAt: time.Now().UTC(),
	})

	rule := &models.AlertRule{
		UserID: user.ID, NLText: "over $500", Kind: models.RuleKindThreshold,
		SQLText: "SELECT 1 AS triggered, 1 AS observed, NULL AS baseline, 'x' AS detail FROM transactions t WHERE t.user_id = :user_id AND t.occurred_at >= :window_start",
		IsActive: true, ValidatedSQL: true, Severity: models.SeverityMed,
	}
	require.NoError(t, s.InsertRule(rule))

	txnID := txn.ID
	n := &models.AlertNotification{
		RuleID: rule.ID, UserID: user.ID, TransactionID: &txnID,
		Channel: channel, Title: "Large transaction: $547.00 at ACME",
		Body: "A transaction crossed your threshold.", Severity: models.SeverityMed,
	}
	require.NoError(t, s.InsertNotification(n))

	return n
}

func TestWebhookDeliverySignsAndSends(t *testing.T) {
	var gotSignature atomic.Value
	var gotBody atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSignature.Store(r.Header.Get("X-Signature"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, s, conn := newDispatcher(t)
	n := queuedNotification(t, s, conn, models.ChannelWebhook, srv.URL)

	require.NoError(t, d.Dispatch(context.Background(), n.ID))

	delivered, err := s.GetNotification(n.ID)
	require.NoError(t, err)
	require.Equal(t, models.NotificationSent, delivered.Status)
	require.NotNil(t, delivered.DeliveredAt)

	// The signature covers the exact raw body with the per-user secret.
	body := gotBody.Load().([]byte)
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	require.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSignature.Load().(string))

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Equal(t, n.ID, payload["notification_id"])
	require.Equal(t, "Large transaction: $547.00 at ACME", payload["title"])
	require.NotNil(t, payload["transaction"])
}

func TestWebhookRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, s, conn := newDispatcher(t)
	n := queuedNotification(t, s, conn, models.ChannelWebhook, srv.URL)

	require.NoError(t, d.Dispatch(context.Background(), n.ID))

	delivered, err := s.GetNotification(n.ID)
	require.NoError(t, err)
	require.Equal(t, models.NotificationSent, delivered.Status)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
	require.Equal(t, 3, delivered.Attempts)
}

func TestWebhook4xxFailsTerminally(t *testing.T) {
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d, s, conn := newDispatcher(t)
	n := queuedNotification(t, s, conn, models.ChannelWebhook, srv.URL)

	require.NoError(t, d.Dispatch(context.Background(), n.ID))

	failed, err := s.GetNotification(n.ID)
	require.NoError(t, err)
	require.Equal(t, models.NotificationFailed, failed.Status)
	require.Contains(t, failed.Error, "403")

	// No retries after a terminal rejection.
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWebhookExhaustsRetriesThenFails(t *testing.T) {
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d, s, conn := newDispatcher(t)
	n := queuedNotification(t, s, conn, models.ChannelWebhook, srv.URL)

	require.NoError(t, d.Dispatch(context.Background(), n.ID))

	failed, err := s.GetNotification(n.ID)
	require.NoError(t, err)
	require.Equal(t, models.NotificationFailed, failed.Status)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDispatchIsNoOpForNonQueued(t *testing.T) {
	var calls int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, s, conn := newDispatcher(t)
	n := queuedNotification(t, s, conn, models.ChannelWebhook, srv.URL)

	require.NoError(t, d.Dispatch(context.Background(), n.ID))
	require.NoError(t, d.Dispatch(context.Background(), n.ID))

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSMSFailsTerminally(t *testing.T) {
	d, s, conn := newDispatcher(t)
	n := queuedNotification(t, s, conn, models.ChannelSMS, "")

	require.NoError(t, d.Dispatch(context.Background(), n.ID))

	failed, err := s.GetNotification(n.ID)
	require.NoError(t, err)
	require.Equal(t, models.NotificationFailed, failed.Status)
}

func TestEmailWithoutSMTPConfigFailsTerminally(t *testing.T) {
	d, s, conn := newDispatcher(t)
	n := queuedNotification(t, s, conn, models.ChannelEmail, "")

	require.NoError(t, d.Dispatch(context.Background(), n.ID))

	failed, err := s.GetNotification(n.ID)
	require.NoError(t, err)
	require.Equal(t, models.NotificationFailed, failed.Status)
	require.Equal(t, 1, failed.Attempts)
}
