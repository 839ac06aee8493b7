package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
	ChannelSMS     = "sms" // planned, not exercised
)

const (
	NotificationQueued = "QUEUED"
	NotificationSent   = "SENT"
	NotificationFailed = "FAILED"
	NotificationRead   = "READ"
)

// AlertNotification is created once per (rule, transaction, channel) by the
// evaluator and advanced by the dispatcher. The unique index on that triple
// is the idempotency guarantee for re-evaluation.
type AlertNotification struct {
	BaseModel

	RuleID        string  `gorm:"type:uuid;not null;index;uniqueIndex:idx_rule_txn_channel"`
	UserID        string  `gorm:"type:uuid;not null;index"`
	TransactionID *string `gorm:"type:uuid;uniqueIndex:idx_rule_txn_channel"` // nil for system notifications
	Channel       string  `gorm:"not null;uniqueIndex:idx_rule_txn_channel"`

	Title    string `gorm:"not null"`
	Body     string
	Severity string         `gorm:"not null;default:MED"`
	Detail   datatypes.JSON `gorm:"type:jsonb"` // observed/baseline payload

	Status      string `gorm:"not null;default:QUEUED;index"`
	Attempts    int    `gorm:"default:0"`
	Error       string
	DeliveredAt *time.Time
	ReadAt      *time.Time

	// Relationships
	Rule        AlertRule    `gorm:"foreignKey:RuleID;constraint:OnUpdate:Cascade,OnDelete:CASCADE" json:"-"`
	User        User         `gorm:"foreignKey:UserID;constraint:OnUpdate:Cascade,OnDelete:CASCADE" json:"-"`
	Transaction *Transaction `gorm:"foreignKey:TransactionID;constraint:OnUpdate:Cascade,OnDelete:CASCADE" json:"-"`
}
