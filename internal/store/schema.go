package store

// SchemaMetadata lists the tables and columns rule SQL may reference. The
// compiler's static validation checks every identifier against this map;
// anything else is rejected before the query can run.
func (s *Store) SchemaMetadata() map[string][]string {
	return map[string][]string{
		"transactions": {
			"id", "user_id", "card_id", "amount", "currency",
			"merchant_name", "merchant_category", "merchant_city",
			"merchant_state", "merchant_country", "lat", "lon",
			"occurred_at", "status",
		},
		"users": {
			"id", "email", "credit_limit", "current_balance",
			"home_city", "home_state", "home_country",
			"location_consent", "timezone",
		},
		"credit_cards": {
			"id", "user_id", "last4", "network", "issuer", "active",
		},
	}
}
