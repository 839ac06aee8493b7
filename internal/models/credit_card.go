package models

type CreditCard struct {
	BaseModel

	UserID  string `gorm:"type:uuid;not null;index"`
	Last4   string `gorm:"not null"`
	Network string // "visa", "mastercard", "amex", ...
	Issuer  string
	Active  bool `gorm:"default:true"`

	// Relationships
	User User `gorm:"foreignKey:UserID;constraint:OnUpdate:Cascade,OnDelete:CASCADE"`
}
