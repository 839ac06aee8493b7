package models

import "time"

type User struct {
	BaseModel

	Email           string `gorm:"uniqueIndex;not null"`
	FirstName       string
	LastName        string
	Timezone        string
	CreditLimit     float64
	CurrentBalance  float64
	LocationConsent bool `gorm:"default:false"`

	// Home address, used by location rules that compare against the
	// user's home state.
	HomeCity    string
	HomeState   string
	HomeCountry string
	HomeLat     *float64
	HomeLon     *float64

	// Last position reported by the mobile app, only populated when
	// LocationConsent is true.
	LastKnownLat *float64
	LastKnownLon *float64
	LastKnownAt  *time.Time

	// Per-user secret for signing webhook deliveries.
	WebhookURL    string
	WebhookSecret string

	// Relationships
	CreditCards   []CreditCard        `gorm:"foreignKey:UserID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
	Transactions  []Transaction       `gorm:"foreignKey:UserID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
	AlertRules    []AlertRule         `gorm:"foreignKey:UserID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
	Notifications []AlertNotification `gorm:"foreignKey:UserID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
}
