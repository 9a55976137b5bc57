package migrations

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/dsyorkd/pi-doser/internal/logger"
)

// Migration represents an applied database migration
type Migration struct {
	ID          string    `gorm:"primaryKey"`
	AppliedAt   time.Time `gorm:"not null"`
	Description string    `gorm:"not null"`
}

// MigrationFunc represents a migration function
type MigrationFunc func(*gorm.DB) error

// MigrationDefinition represents a single migration with up and down functions
type MigrationDefinition struct {
	ID          string
	Description string
	Up          MigrationFunc
	Down        MigrationFunc
}

// MigrationStatus represents the status of a migration
type MigrationStatus struct {
	ID          string
	Description string
	Applied     bool
	AppliedAt   *time.Time
}

// Migrator handles database migrations
type Migrator struct {
	db         *gorm.DB
	logger     logger.Interface
	migrations []MigrationDefinition
}

// NewMigrator creates a new migration manager
func NewMigrator(db *gorm.DB, log logger.Interface) *Migrator {
	return NewMigratorWith(db, log, getAllMigrations())
}

// NewMigratorWith creates a migration manager for an explicit set of migrations
func NewMigratorWith(db *gorm.DB, log logger.Interface, defs []MigrationDefinition) *Migrator {
	if log == nil {
		log = logger.Default()
	}
	return &Migrator{
		db:         db,
		logger:     log.WithField("component", "migrations"),
		migrations: defs,
	}
}

// EnsureMigrationTable creates the migrations table if it doesn't exist
func (m *Migrator) EnsureMigrationTable() error {
	if err := m.db.AutoMigrate(&Migration{}); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}
	return nil
}

func (m *Migrator) applied() (map[string]Migration, error) {
	var applied []Migration
	if err := m.db.Find(&applied).Error; err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	out := make(map[string]Migration, len(applied))
	for _, migration := range applied {
		out[migration.ID] = migration
	}
	return out, nil
}

func (m *Migrator) sorted() {
	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].ID < m.migrations[j].ID
	})
}

// Up runs all pending migrations
func (m *Migrator) Up() error {
	if err := m.EnsureMigrationTable(); err != nil {
		return err
	}

	applied, err := m.applied()
	if err != nil {
		return err
	}

	m.sorted()
	for _, migration := range m.migrations {
		if _, ok := applied[migration.ID]; ok {
			m.logger.WithField("id", migration.ID).Debug("Migration already applied")
			continue
		}

		m.logger.WithField("id", migration.ID).WithField("description", migration.Description).Info("Applying migration")

		err := m.db.Transaction(func(tx *gorm.DB) error {
			if err := migration.Up(tx); err != nil {
				return fmt.Errorf("migration %s failed: %w", migration.ID, err)
			}

			record := Migration{
				ID:          migration.ID,
				AppliedAt:   time.Now(),
				Description: migration.Description,
			}
			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("failed to record migration %s: %w", migration.ID, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	m.logger.Debug("All migrations applied")
	return nil
}

// Down rolls back the last migration
func (m *Migrator) Down() error {
	if err := m.EnsureMigrationTable(); err != nil {
		return err
	}

	var last Migration
	if err := m.db.Order("id DESC").First(&last).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			m.logger.Info("No migrations to roll back")
			return nil
		}
		return fmt.Errorf("failed to get last migration: %w", err)
	}

	var def *MigrationDefinition
	for i := range m.migrations {
		if m.migrations[i].ID == last.ID {
			def = &m.migrations[i]
			break
		}
	}
	if def == nil {
		return fmt.Errorf("migration definition not found for ID: %s", last.ID)
	}

	m.logger.WithField("id", def.ID).Info("Rolling back migration")

	return m.db.Transaction(func(tx *gorm.DB) error {
		if err := def.Down(tx); err != nil {
			return fmt.Errorf("rollback for migration %s failed: %w", def.ID, err)
		}
		if err := tx.Delete(&Migration{}, "id = ?", def.ID).Error; err != nil {
			return fmt.Errorf("failed to remove migration record %s: %w", def.ID, err)
		}
		return nil
	})
}

// Status shows the current migration status
func (m *Migrator) Status() ([]MigrationStatus, error) {
	if err := m.EnsureMigrationTable(); err != nil {
		return nil, err
	}

	applied, err := m.applied()
	if err != nil {
		return nil, err
	}

	m.sorted()
	statuses := make([]MigrationStatus, 0, len(m.migrations))
	for _, migration := range m.migrations {
		status := MigrationStatus{
			ID:          migration.ID,
			Description: migration.Description,
		}
		if rec, ok := applied[migration.ID]; ok {
			appliedAt := rec.AppliedAt
			status.Applied = true
			status.AppliedAt = &appliedAt
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// ValidateMigrationOrder validates that migration IDs are properly ordered
func (m *Migrator) ValidateMigrationOrder() error {
	m.sorted()

	seen := make(map[string]bool, len(m.migrations))
	for _, migration := range m.migrations {
		if len(migration.ID) != 14 {
			return fmt.Errorf("migration ID %s must be 14 characters (YYYYMMDDHHMMSS)", migration.ID)
		}
		if _, err := strconv.ParseInt(migration.ID, 10, 64); err != nil {
			return fmt.Errorf("migration ID %s must be numeric timestamp (YYYYMMDDHHMMSS)", migration.ID)
		}
		if seen[migration.ID] {
			return fmt.Errorf("duplicate migration ID: %s", migration.ID)
		}
		seen[migration.ID] = true
	}
	return nil
}

// GetPendingMigrations returns a list of migrations that haven't been applied
func (m *Migrator) GetPendingMigrations() ([]MigrationDefinition, error) {
	if err := m.EnsureMigrationTable(); err != nil {
		return nil, err
	}

	applied, err := m.applied()
	if err != nil {
		return nil, err
	}

	m.sorted()
	var pending []MigrationDefinition
	for _, migration := range m.migrations {
		if _, ok := applied[migration.ID]; !ok {
			pending = append(pending, migration)
		}
	}
	return pending, nil
}
