package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cardwatch/cardwatch/internal/config"
	"github.com/cardwatch/cardwatch/internal/models"
	"github.com/cardwatch/cardwatch/internal/store"
	"go.uber.org/zap"
)

// transportError classifies a delivery failure. Terminal failures go
// straight to FAILED; the rest retry with exponential backoff and jitter
// until the attempt budget runs out.
type transportError struct {
	err      error
	terminal bool
}

func (t *transportError) Error() string { return t.err.Error() }

func terminalErr(format string, args ...interface{}) error {
	return &transportError{err: fmt.Errorf(format, args...), terminal: true}
}

func retryableErr(format string, args ...interface{}) error {
	return &transportError{err: fmt.Errorf(format, args...)}
}

// channelAdapter delivers one notification over one medium.
type channelAdapter interface {
	deliver(ctx context.Context, n *models.AlertNotification, user *models.User, txn *models.Transaction) error
}

// Dispatcher owns at-most-once delivery per (rule, transaction, channel).
// Retries mutate the same notification row; the row's status transitions
// are the only externally visible state.
type Dispatcher struct {
	store    *store.Store
	cfg      config.DispatchConfig
	adapters map[string]channelAdapter
	log      *zap.Logger
}

func New(s *store.Store, cfg config.DispatchConfig, smtp config.SMTPConfig, log *zap.Logger) *Dispatcher {
	if cfg.Retries <= 0 {
		cfg.Retries = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Dispatcher{
		store: s,
		cfg:   cfg,
		adapters: map[string]channelAdapter{
			models.ChannelEmail:   newEmailAdapter(smtp),
			models.ChannelWebhook: newWebhookAdapter(cfg.Timeout),
			models.ChannelSMS:     &smsAdapter{},
		},
		log: log,
	}
}

// Dispatch delivers one queued notification. Calling it again for an
// already delivered or failed notification is a no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, notificationID string) error {
	n, err := d.store.GetNotification(notificationID)
	if err != nil {
		return err
	}

	if n.Status != models.NotificationQueued {
		return nil
	}

	user, err := d.store.GetUser(n.UserID)
	if err != nil {
		return err
	}

	var txn *models.Transaction
	if n.TransactionID != nil {
		txn, err = d.store.GetTransaction(*n.TransactionID)
		if err != nil {
			return err
		}
	}

	adapter, ok := d.adapters[n.Channel]
	if !ok {
		return d.fail(n.ID, fmt.Sprintf("unknown channel %q", n.Channel))
	}

	deliveryErr := d.deliverWithRetry(ctx, adapter, n, user, txn)
	if deliveryErr != nil {
		return d.fail(n.ID, deliveryErr.Error())
	}

	return d.store.AdvanceNotificationStatus(n.ID, models.NotificationSent, "")
}

func (d *Dispatcher) fail(id, reason string) error {
	d.log.Warn("notification delivery failed", zap.String("notification", id), zap.String("reason", reason))
	return d.store.AdvanceNotificationStatus(id, models.NotificationFailed, reason)
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, adapter channelAdapter, n *models.AlertNotification, user *models.User, txn *models.Transaction) error {
	var lastErr error

	for attempt := 0; attempt < d.cfg.Retries; attempt++ {
		if attempt > 0 {
			delay := d.cfg.BackoffBase << (attempt - 1)
			delay += time.Duration(rand.Int63n(int64(d.cfg.BackoffBase)))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := d.store.IncrementNotificationAttempts(n.ID); err != nil {
			d.log.Warn("increment attempts", zap.String("notification", n.ID), zap.Error(err))
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		err := adapter.deliver(attemptCtx, n, user, txn)
		cancel()

		if err == nil {
			return nil
		}

		lastErr = err

		var te *transportError
		if errors.As(err, &te) && te.terminal {
			return err
		}

		d.log.Warn("delivery attempt failed",
			zap.String("notification", n.ID),
			zap.String("channel", n.Channel),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return lastErr
}
