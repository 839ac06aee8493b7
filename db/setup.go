package db

import (
	"github.com/cardwatch/cardwatch/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var DB *gorm.DB

func ConnectDatabase(dsn string) error {
	var err error

	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})

	if err != nil {
		return err
	}

	return nil
}

func MigrateDatabase() error {
	return Migrate(DB)
}

// Migrate runs AutoMigrate for every model whose table does not exist yet
// on the given connection; existing tables are left as they are.
// Tests call this directly with an in-memory sqlite handle.
func Migrate(conn *gorm.DB) error {
	models := []interface{}{
		&models.User{},
		&models.CreditCard{},
		&models.Transaction{},
		&models.AlertRule{},
		&models.AlertRuleRevision{},
		&models.AlertNotification{},
		&models.CategorySynonym{},
		&models.RuleAudit{},
	}

	migrator := conn.Migrator()

	for _, model := range models {
		if !migrator.HasTable(model) {
			if err := conn.AutoMigrate(model); err != nil {
				return err
			}
		}
	}

	return nil
}
