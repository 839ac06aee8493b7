package store

import (
	"errors"
	"fmt"

	"github.com/cardwatch/cardwatch/internal/models"
	"gorm.io/gorm"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrDuplicateNotification = errors.New("notification already exists")
	ErrInvalidTransition     = errors.New("invalid notification status transition")
)

// Store is the single persistence surface. Everything else in the system
// reads and writes through it; the unique index on
// (rule_id, transaction_id, channel) is the only cross-task synchronisation
// point the pipeline relies on.
type Store struct {
	conn *gorm.DB
}

func New(conn *gorm.DB) *Store {
	return &Store{conn: conn}
}

func (s *Store) DB() *gorm.DB { return s.conn }

func (s *Store) UpsertUser(user *models.User) error {
	var existing models.User

	err := s.conn.Where("id = ?", user.ID).First(&existing).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.conn.Create(user).Error
	}

	if err != nil {
		return err
	}

	return s.conn.Model(&existing).Updates(user).Error
}

func (s *Store) GetUser(id string) (*models.User, error) {
	var user models.User

	if err := s.conn.Where("id = ?", id).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return nil, err
	}

	return &user, nil
}

func (s *Store) InsertTransaction(txn *models.Transaction) error {
	if txn.Amount < 0 {
		return fmt.Errorf("transaction amount must be non-negative")
	}

	return s.conn.Create(txn).Error
}

func (s *Store) GetTransaction(id string) (*models.Transaction, error) {
	var txn models.Transaction

	if err := s.conn.Where("id = ?", id).First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
		}
		return nil, err
	}

	return &txn, nil
}

// RecentTransactions returns the newest n transactions for a user, used as
// sample data for dynamic SQL validation.
func (s *Store) RecentTransactions(userID string, n int) ([]models.Transaction, error) {
	var txns []models.Transaction

	err := s.conn.Where("user_id = ?", userID).
		Order("occurred_at DESC").
		Limit(n).
		Find(&txns).Error

	return txns, err
}

// DistinctMerchants lists merchant names the user has transacted with,
// in name order, for the compiler's merchant grounding.
func (s *Store) DistinctMerchants(userID string, limit int) ([]string, error) {
	var names []string

	err := s.conn.Model(&models.Transaction{}).
		Where("user_id = ?", userID).
		Distinct("merchant_name").
		Order("merchant_name").
		Limit(limit).
		Pluck("merchant_name", &names).Error

	return names, err
}

func (s *Store) InsertAudit(ruleID, transactionID, reason, detail string) error {
	audit := models.RuleAudit{
		RuleID:        ruleID,
		TransactionID: transactionID,
		Reason:        reason,
		Detail:        detail,
	}

	return s.conn.Create(&audit).Error
}
