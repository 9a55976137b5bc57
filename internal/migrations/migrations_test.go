package migrations

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) (*gorm.DB, *logrus.Logger) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return db, log
}

func tableExists(t *testing.T, db *gorm.DB, name string) bool {
	var count int64
	err := db.Raw("SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&count).Error
	require.NoError(t, err)
	return count == 1
}

func TestMigrator_EnsureMigrationTable(t *testing.T) {
	db, log := setupTestDB(t)
	migrator := NewMigrator(db, log)

	require.NoError(t, migrator.EnsureMigrationTable())
	assert.True(t, tableExists(t, db, "migrations"))
	assert.NoError(t, migrator.EnsureMigrationTable())
}

func TestMigrator_ValidateMigrationOrder(t *testing.T) {
	db, log := setupTestDB(t)

	tests := []struct {
		name        string
		migrations  []MigrationDefinition
		expectError bool
	}{
		{
			name:       "empty migrations",
			migrations: []MigrationDefinition{},
		},
		{
			name: "valid migrations",
			migrations: []MigrationDefinition{
				{ID: "20250601000002", Description: "Test 2"},
				{ID: "20250601000001", Description: "Test 1"},
			},
		},
		{
			name:        "invalid ID length",
			migrations:  []MigrationDefinition{{ID: "2025060100001", Description: "Test 1"}},
			expectError: true,
		},
		{
			name:        "non-numeric ID",
			migrations:  []MigrationDefinition{{ID: "2025060100000a", Description: "Test 1"}},
			expectError: true,
		},
		{
			name: "duplicate IDs",
			migrations: []MigrationDefinition{
				{ID: "20250601000001", Description: "Test 1"},
				{ID: "20250601000001", Description: "Test 2"},
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewMigratorWith(db, log, tt.migrations).ValidateMigrationOrder()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.NoError(t, NewMigrator(db, log).ValidateMigrationOrder(), "shipped migrations are valid")
}

func TestMigrator_UpDown(t *testing.T) {
	db, log := setupTestDB(t)
	migrator := NewMigrator(db, log)

	pending, err := migrator.GetPendingMigrations()
	require.NoError(t, err)
	assert.Len(t, pending, len(getAllMigrations()))

	require.NoError(t, migrator.Up())
	assert.True(t, tableExists(t, db, "dose_events"))

	pending, err = migrator.GetPendingMigrations()
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, migrator.Up(), "up is idempotent")

	statuses, err := migrator.Status()
	require.NoError(t, err)
	for _, s := range statuses {
		assert.True(t, s.Applied, s.ID)
		assert.NotNil(t, s.AppliedAt)
	}

	// Roll back both migrations
	require.NoError(t, migrator.Down())
	require.NoError(t, migrator.Down())
	assert.False(t, tableExists(t, db, "dose_events"))
	require.NoError(t, migrator.Down(), "nothing left to roll back")

	statuses, err = migrator.Status()
	require.NoError(t, err)
	for _, s := range statuses {
		assert.False(t, s.Applied, s.ID)
	}
}
