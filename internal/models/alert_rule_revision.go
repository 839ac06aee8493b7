package models

// AlertRuleRevision keeps every compiled version of a rule so the UI can
// show edit history. A revision is written each time a rule passes the
// compiler, including the initial create.
type AlertRuleRevision struct {
	BaseModel

	RuleID   string `gorm:"type:uuid;not null;index"`
	Revision int    `gorm:"not null"`
	NLText   string `gorm:"not null"`
	SQLText  string

	// Relationships
	Rule AlertRule `gorm:"foreignKey:RuleID;constraint:OnUpdate:Cascade,OnDelete:CASCADE" json:"-"`
}
