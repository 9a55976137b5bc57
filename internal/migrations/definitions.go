package migrations

import (
	"gorm.io/gorm"
)

// getAllMigrations returns all migration definitions in chronological order
func getAllMigrations() []MigrationDefinition {
	return []MigrationDefinition{
		{
			ID:          "20250601000001",
			Description: "Create dose_events table",
			Up:          createDoseEventsTable,
			Down:        dropDoseEventsTable,
		},
		{
			ID:          "20250601000002",
			Description: "Add dose_events lookup indexes",
			Up:          addDoseEventIndexes,
			Down:        dropDoseEventIndexes,
		},
	}
}

// createDoseEventsTable creates the dose_events table
func createDoseEventsTable(db *gorm.DB) error {
	sql := `
	CREATE TABLE IF NOT EXISTS dose_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		motor_idx INTEGER NOT NULL,
		pump_id INTEGER NOT NULL,
		ml REAL NOT NULL,
		steps INTEGER DEFAULT 0,
		source TEXT DEFAULT 'dispense' NOT NULL,
		nutrient TEXT,
		outcome TEXT DEFAULT 'ok' NOT NULL,
		error TEXT,
		created_at DATETIME NOT NULL
	);`
	return db.Exec(sql).Error
}

// dropDoseEventsTable drops the dose_events table
func dropDoseEventsTable(db *gorm.DB) error {
	return db.Exec("DROP TABLE IF EXISTS dose_events").Error
}

func addDoseEventIndexes(db *gorm.DB) error {
	statements := []string{
		"CREATE INDEX IF NOT EXISTS idx_dose_events_pump_id ON dose_events(pump_id)",
		"CREATE INDEX IF NOT EXISTS idx_dose_events_created_at ON dose_events(created_at)",
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

func dropDoseEventIndexes(db *gorm.DB) error {
	statements := []string{
		"DROP INDEX IF EXISTS idx_dose_events_pump_id",
		"DROP INDEX IF EXISTS idx_dose_events_created_at",
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
