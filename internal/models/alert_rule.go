package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	RuleKindThreshold      = "THRESHOLD"
	RuleKindPctDelta       = "PCT_DELTA_VS_BASELINE"
	RuleKindLocation       = "LOCATION"
	RuleKindMerchant       = "MERCHANT_PATTERN"
	RuleKindFrequency      = "FREQUENCY"
	RuleKindRecurringDrift = "RECURRING_DRIFT"
	RuleKindCategoryRatio  = "CATEGORY_RATIO"
)

const (
	SeverityLow  = "LOW"
	SeverityMed  = "MED"
	SeverityHigh = "HIGH"
)

type AlertRule struct {
	BaseModel

	UserID string `gorm:"type:uuid;not null;index"`
	Name   string
	NLText string `gorm:"not null"`
	Kind   string `gorm:"not null;index"`

	// Compiler output. SQLText is a parameterised single-row SELECT that
	// passed the restricted grammar; SQLParamsSchema names every :param it
	// binds, TriggerSchema describes the row shape it returns.
	SQLText         string
	SQLDescription  string
	SQLParamsSchema datatypes.JSON `gorm:"type:jsonb"`
	TriggerSchema   datatypes.JSON `gorm:"type:jsonb"`
	ValidatedSQL    bool           `gorm:"default:false"`

	Severity string         `gorm:"not null;default:MED"`
	Channels datatypes.JSON `gorm:"type:jsonb"` // ["email","webhook",...]
	IsActive bool           `gorm:"default:true;index"`

	// Embedding of the normalised rule text, little-endian float32s.
	NLEmbedding  []byte `gorm:"type:bytea"`
	EmbeddingDim int

	LastTriggeredAt     *time.Time
	TriggerCount        int64 `gorm:"default:0"`
	ConsecutiveFailures int   `gorm:"default:0"`

	// Relationships
	User          User                `gorm:"foreignKey:UserID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
	Notifications []AlertNotification `gorm:"foreignKey:RuleID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
	Revisions     []AlertRuleRevision `gorm:"foreignKey:RuleID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
}
