package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/cardwatch/cardwatch/internal/models"
	"gorm.io/gorm"
)

// Transitions form the DAG from the data model: QUEUED may resolve to SENT
// or FAILED, SENT may be read by the UI, FAILED is terminal unless
// explicitly requeued.
var allowedTransitions = map[string]map[string]bool{
	models.NotificationQueued: {
		models.NotificationSent:   true,
		models.NotificationFailed: true,
	},
	models.NotificationSent: {
		models.NotificationRead: true,
	},
	models.NotificationFailed: {},
	models.NotificationRead:   {},
}

// InsertNotification creates a QUEUED notification. A second insert for the
// same (rule, transaction, channel) hits the unique index and returns
// ErrDuplicateNotification; callers treat that as "already emitted".
func (s *Store) InsertNotification(n *models.AlertNotification) error {
	if n.Status == "" {
		n.Status = models.NotificationQueued
	}

	err := s.conn.Create(n).Error

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateNotification
	}

	return err
}

func (s *Store) GetNotification(id string) (*models.AlertNotification, error) {
	var n models.AlertNotification

	if err := s.conn.Where("id = ?", id).First(&n).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
		}
		return nil, err
	}

	return &n, nil
}

func (s *Store) ListNotifications(userID string, limit int) ([]models.AlertNotification, error) {
	var notifications []models.AlertNotification

	q := s.conn.Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	err := q.Find(&notifications).Error

	return notifications, err
}

// NotificationsForTransaction lists notifications the evaluator created for
// one (rule, transaction) pair across channels.
func (s *Store) NotificationsForTransaction(ruleID, transactionID string) ([]models.AlertNotification, error) {
	var notifications []models.AlertNotification

	err := s.conn.Where("rule_id = ? AND transaction_id = ?", ruleID, transactionID).
		Find(&notifications).Error

	return notifications, err
}

// AdvanceNotificationStatus moves a notification along the DAG. Transitions
// not in the table return ErrInvalidTransition, which keeps the monotone
// guarantee even if two dispatch attempts race.
func (s *Store) AdvanceNotificationStatus(id, to string, errMsg string) error {
	return s.conn.Transaction(func(tx *gorm.DB) error {
		var n models.AlertNotification

		if err := tx.Where("id = ?", id).First(&n).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("notification %s: %w", id, ErrNotFound)
			}
			return err
		}

		if !allowedTransitions[n.Status][to] {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.Status, to)
		}

		updates := map[string]interface{}{"status": to, "error": errMsg}

		now := time.Now().UTC()
		switch to {
		case models.NotificationSent:
			updates["delivered_at"] = now
		case models.NotificationRead:
			updates["read_at"] = now
		}

		return tx.Model(&n).Updates(updates).Error
	})
}

// RequeueNotification resets a FAILED notification to QUEUED. This is the
// only path out of FAILED and exists for operator-driven retries.
func (s *Store) RequeueNotification(id string) error {
	res := s.conn.Model(&models.AlertNotification{}).
		Where("id = ? AND status = ?", id, models.NotificationFailed).
		Updates(map[string]interface{}{"status": models.NotificationQueued, "error": ""})

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("notification %s not FAILED: %w", id, ErrInvalidTransition)
	}

	return nil
}

func (s *Store) IncrementNotificationAttempts(id string) error {
	return s.conn.Model(&models.AlertNotification{}).
		Where("id = ?", id).
		Update("attempts", gorm.Expr("attempts + 1")).Error
}
