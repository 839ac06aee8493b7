package models

import "time"

const (
	TxnStatusPending  = "PENDING"
	TxnStatusApproved = "APPROVED"
	TxnStatusDeclined = "DECLINED"
	TxnStatusSettled  = "SETTLED"
	TxnStatusRefunded = "REFUNDED"
)

// Transaction rows are append-only; only Status may advance after insert.
// Refunds are modelled by Status=REFUNDED, never by negative amounts.
type Transaction struct {
	BaseModel

	UserID           string  `gorm:"type:uuid;not null;index"`
	CardID           string  `gorm:"type:uuid;not null;index"`
	Amount           float64 `gorm:"not null;check:amount >= 0"`
	Currency         string  `gorm:"not null;default:USD"`
	MerchantName     string  `gorm:"not null"`
	MerchantCategory string  `gorm:"index"` // normalised canonical category
	MerchantCity     string
	MerchantState    string
	MerchantCountry  string
	Lat              *float64
	Lon              *float64
	OccurredAt       time.Time `gorm:"not null;index"`
	Status           string    `gorm:"not null;default:PENDING"`

	// Relationships
	User User       `gorm:"foreignKey:UserID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
	Card CreditCard `gorm:"foreignKey:CardID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
}
