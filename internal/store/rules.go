package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/cardwatch/cardwatch/internal/models"
	"gorm.io/gorm"
)

// GetActiveRules returns a user's active rules in deterministic evaluation
// order (created_at, id).
func (s *Store) GetActiveRules(userID string) ([]models.AlertRule, error) {
	var rules []models.AlertRule

	err := s.conn.Where("user_id = ? AND is_active = ?", userID, true).
		Order("created_at, id").
		Find(&rules).Error

	return rules, err
}

func (s *Store) ListRules(userID string) ([]models.AlertRule, error) {
	var rules []models.AlertRule

	err := s.conn.Where("user_id = ?", userID).
		Order("created_at, id").
		Find(&rules).Error

	return rules, err
}

func (s *Store) GetRule(id string) (*models.AlertRule, error) {
	var rule models.AlertRule

	if err := s.conn.Where("id = ?", id).First(&rule).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
		}
		return nil, err
	}

	return &rule, nil
}

// InsertRule writes the rule, its embedding (carried on the row) and the
// first revision in one transaction.
func (s *Store) InsertRule(rule *models.AlertRule) error {
	return s.conn.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rule).Error; err != nil {
			return err
		}
		// is_active defaults to true and Create skips zero values, so an
		// inactive rule needs an explicit write.
		if !rule.IsActive {
			if err := tx.Model(rule).Update("is_active", false).Error; err != nil {
				return err
			}
		}

		revision := models.AlertRuleRevision{
			RuleID:   rule.ID,
			Revision: 1,
			NLText:   rule.NLText,
			SQLText:  rule.SQLText,
		}

		return tx.Create(&revision).Error
	})
}

// ReplaceRule swaps a rule's compiled fields atomically after a successful
// re-compile and appends a revision. The previous version stays queryable
// through the revisions table.
func (s *Store) ReplaceRule(ruleID string, updated *models.AlertRule) error {
	return s.conn.Transaction(func(tx *gorm.DB) error {
		var current models.AlertRule

		if err := tx.Where("id = ?", ruleID).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
			}
			return err
		}

		var lastRevision int
		row := tx.Model(&models.AlertRuleRevision{}).
			Where("rule_id = ?", ruleID).
			Select("COALESCE(MAX(revision), 0)").
			Row()
		if err := row.Scan(&lastRevision); err != nil {
			return err
		}

		updates := map[string]interface{}{
			"nl_text":              updated.NLText,
			"name":                 updated.Name,
			"kind":                 updated.Kind,
			"sql_text":             updated.SQLText,
			"sql_description":      updated.SQLDescription,
			"sql_params_schema":    updated.SQLParamsSchema,
			"trigger_schema":       updated.TriggerSchema,
			"validated_sql":        updated.ValidatedSQL,
			"severity":             updated.Severity,
			"channels":             updated.Channels,
			"nl_embedding":         updated.NLEmbedding,
			"embedding_dim":        updated.EmbeddingDim,
			"consecutive_failures": 0,
		}

		if err := tx.Model(&current).Updates(updates).Error; err != nil {
			return err
		}

		revision := models.AlertRuleRevision{
			RuleID:   ruleID,
			Revision: lastRevision + 1,
			NLText:   updated.NLText,
			SQLText:  updated.SQLText,
		}

		return tx.Create(&revision).Error
	})
}

func (s *Store) SetRuleActive(ruleID string, active bool) error {
	res := s.conn.Model(&models.AlertRule{}).
		Where("id = ?", ruleID).
		Update("is_active", active)

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}

	return nil
}

func (s *Store) DeleteRule(ruleID, userID string) error {
	res := s.conn.Where("id = ? AND user_id = ?", ruleID, userID).
		Delete(&models.AlertRule{})

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}

	return nil
}

func (s *Store) RuleRevisions(ruleID string) ([]models.AlertRuleRevision, error) {
	var revisions []models.AlertRuleRevision

	err := s.conn.Where("rule_id = ?", ruleID).
		Order("revision").
		Find(&revisions).Error

	return revisions, err
}

// MarkRuleTriggered advances trigger bookkeeping. Called only when at least
// one notification row was newly created for the transaction, so replays
// never double-count.
func (s *Store) MarkRuleTriggered(ruleID string, at time.Time) error {
	return s.conn.Model(&models.AlertRule{}).
		Where("id = ?", ruleID).
		Updates(map[string]interface{}{
			"last_triggered_at":    at,
			"trigger_count":        gorm.Expr("trigger_count + 1"),
			"consecutive_failures": 0,
		}).Error
}

// RecordRuleFailure increments the consecutive-failure counter and returns
// the new value so the evaluator can decide on auto-deactivation.
func (s *Store) RecordRuleFailure(ruleID string) (int, error) {
	var count int

	err := s.conn.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.AlertRule{}).
			Where("id = ?", ruleID).
			Update("consecutive_failures", gorm.Expr("consecutive_failures + 1")).Error; err != nil {
			return err
		}

		var rule models.AlertRule
		if err := tx.Select("consecutive_failures").Where("id = ?", ruleID).First(&rule).Error; err != nil {
			return err
		}

		count = rule.ConsecutiveFailures
		return nil
	})

	return count, err
}

func (s *Store) ResetRuleFailures(ruleID string) error {
	return s.conn.Model(&models.AlertRule{}).
		Where("id = ?", ruleID).
		Update("consecutive_failures", 0).Error
}
