package dispatcher

import (
	"context"

	"github.com/cardwatch/cardwatch/internal/models"
)

// smsAdapter reserves the channel; no SMS provider is wired yet, so a
// queued sms notification fails terminally rather than looping retries.
type smsAdapter struct{}

func (a *smsAdapter) deliver(_ context.Context, _ *models.AlertNotification, _ *models.User, _ *models.Transaction) error {
	return terminalErr("sms channel is not available yet")
}
