package dispatcher

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/cardwatch/cardwatch/internal/models"
	"github.com/go-resty/resty/v2"
)

// webhookPayload is the wire contract for outbound webhooks. The signature
// header covers the exact raw body bytes.
type webhookPayload struct {
	NotificationID string              `json:"notification_id"`
	RuleID         string              `json:"rule_id"`
	UserID         string              `json:"user_id"`
	Transaction    *models.Transaction `json:"transaction,omitempty"`
	Severity       string              `json:"severity"`
	Title          string              `json:"title"`
	Body           string              `json:"body"`
	IssuedAt       time.Time           `json:"issued_at"`
}

type webhookAdapter struct {
	client *resty.Client
}

func newWebhookAdapter(timeout time.Duration) *webhookAdapter {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "cardwatch/1.0")

	return &webhookAdapter{client: client}
}

func (a *webhookAdapter) deliver(ctx context.Context, n *models.AlertNotification, user *models.User, txn *models.Transaction) error {
	if user.WebhookURL == "" {
		return terminalErr("user %s has no webhook url", user.ID)
	}

	body, err := json.Marshal(webhookPayload{
		NotificationID: n.ID,
		RuleID:         n.RuleID,
		UserID:         n.UserID,
		Transaction:    txn,
		Severity:       n.Severity,
		Title:          n.Title,
		Body:           n.Body,
		IssuedAt:       time.Now().UTC(),
	})
	if err != nil {
		return terminalErr("marshal webhook payload: %v", err)
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("X-Signature", Sign(body, user.WebhookSecret)).
		SetBody(body).
		Post(user.WebhookURL)

	if err != nil {
		return retryableErr("webhook transport: %v", err)
	}

	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 400 && code < 500:
		return terminalErr("webhook rejected with status %d", code)
	default:
		return retryableErr("webhook returned status %d", code)
	}
}

// Sign computes the X-Signature header value: HMAC-SHA256 over the raw body
// with the user's webhook secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
