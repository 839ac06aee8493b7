package models

// RuleAudit records evaluations that were skipped rather than evaluated,
// e.g. a missing fx rate or a SQL timeout. Users never see these directly.
type RuleAudit struct {
	BaseModel

	RuleID        string `gorm:"type:uuid;not null;index"`
	TransactionID string `gorm:"type:uuid;index"`
	Reason        string `gorm:"not null"`
	Detail        string
}
