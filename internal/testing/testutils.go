// Package testing holds shared helpers for database backed tests
package testing

import (
	"database/sql/driver"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dsyorkd/pi-doser/internal/doser"
)

// TestDB holds a GORM handle backed by sqlmock
type TestDB struct {
	DB   *gorm.DB
	Mock sqlmock.Sqlmock
}

// SetupMockDB opens GORM over a sqlmock connection. Expectations are matched
// in any order since the sqlite dialector probes the server version first.
func SetupMockDB(t *testing.T) *TestDB {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery("select sqlite_version").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("3.30.0"))

	gormDB, err := gorm.Open(sqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
	})
	require.NoError(t, err)

	t.Cleanup(func() { sqlDB.Close() })
	return &TestDB{DB: gormDB, Mock: mock}
}

// SetupTestDBFile creates a SQLite file in a temp dir
func SetupTestDBFile(t *testing.T) *gorm.DB {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		if sqlDB, _ := db.DB(); sqlDB != nil {
			sqlDB.Close()
		}
	})
	return db
}

// AnyTime is a mock argument matcher for any time value
type AnyTime struct{}

// Match satisfies sqlmock.Argument interface
func (a AnyTime) Match(v driver.Value) bool {
	_, ok := v.(time.Time)
	return ok
}

// DispenseRecord returns a successful dispense on pump id at the given time
func DispenseRecord(idx int, id uint32, ml float64, at time.Time) doser.DispenseRecord {
	return doser.DispenseRecord{
		MotorIdx: idx,
		PumpID:   id,
		Ml:       ml,
		Steps:    int32(ml / doser.DefaultMlPerStep),
		Source:   doser.SourceDispense,
		At:       at,
	}
}
