package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dsyorkd/pi-doser/internal/doser"
	"github.com/dsyorkd/pi-doser/internal/errors"
	applogger "github.com/dsyorkd/pi-doser/internal/logger"
	"github.com/dsyorkd/pi-doser/internal/migrations"
	"github.com/dsyorkd/pi-doser/internal/models"
)

// DefaultHistoryLimit caps ListDoseEvents when the query sets no limit
const DefaultHistoryLimit = 100

// Database is the dose history store
type Database struct {
	db     *gorm.DB
	logger applogger.Interface
}

// Config holds database configuration
type Config struct {
	Path            string `yaml:"path"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
	LogLevel        string `yaml:"log_level"`
}

// DefaultConfig returns default database configuration
func DefaultConfig() *Config {
	return &Config{
		Path:            "data/pi-doser.db",
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: "5m",
		LogLevel:        "warn",
	}
}

// New opens the history database and applies pending migrations
func New(config *Config, log applogger.Interface) (*Database, error) {
	database, err := open(config, log)
	if err != nil {
		return nil, err
	}

	if err := database.migrate(); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to migrate database")
	}
	return database, nil
}

// NewWithoutMigration opens the database without touching the schema, for
// the migrate command which manages migrations explicitly
func NewWithoutMigration(config *Config, log applogger.Interface) (*Database, error) {
	return open(config, log)
}

func open(config *Config, log applogger.Interface) (*Database, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = applogger.Default()
	}

	if err := ensureDirExists(filepath.Dir(config.Path)); err != nil {
		return nil, errors.Wrapf(err, "failed to create database directory")
	}

	db, err := gorm.Open(sqlite.Open(config.Path), &gorm.Config{
		Logger: newGormLogger(log, config.LogLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get underlying sql.DB")
	}
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime != "" {
		duration, err := time.ParseDuration(config.ConnMaxLifetime)
		if err != nil {
			log.Warnf("Invalid conn_max_lifetime '%s', using default 5m", config.ConnMaxLifetime)
			duration = 5 * time.Minute
		}
		sqlDB.SetConnMaxLifetime(duration)
	}

	log.WithField("path", config.Path).Info("History database opened")
	return &Database{db: db, logger: log}, nil
}

// NewWithDB wraps an existing connection, for tests
func NewWithDB(db *gorm.DB, log applogger.Interface) *Database {
	if log == nil {
		log = applogger.Discard()
	}
	return &Database{db: db, logger: log}
}

// DB returns the underlying GORM database instance
func (d *Database) DB() *gorm.DB {
	return d.db
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health checks database connectivity
func (d *Database) Health() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Migrator returns a migrator bound to this database
func (d *Database) Migrator() *migrations.Migrator {
	return migrations.NewMigrator(d.db, d.logger)
}

func (d *Database) migrate() error {
	migrator := d.Migrator()
	if err := migrator.ValidateMigrationOrder(); err != nil {
		return errors.Wrapf(err, "migration validation failed")
	}
	return migrator.Up()
}

// RecordDispense appends one dispense to the history
func (d *Database) RecordDispense(ctx context.Context, rec doser.DispenseRecord) error {
	event := models.DoseEvent{
		MotorIdx:  rec.MotorIdx,
		PumpID:    rec.PumpID,
		Ml:        rec.Ml,
		Steps:     rec.Steps,
		Source:    rec.Source,
		Nutrient:  rec.Nutrient,
		Outcome:   models.DoseOutcomeOK,
		CreatedAt: rec.At.UTC(),
	}
	if event.Source == "" {
		event.Source = doser.SourceDispense
	}
	if rec.Err != nil {
		event.Outcome = models.DoseOutcomeFailed
		event.Error = rec.Err.Error()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	if err := d.db.WithContext(ctx).Create(&event).Error; err != nil {
		return errors.NewPersistenceError(event.TableName(), "insert", err)
	}
	return nil
}

// ListDoseEvents returns events newest first
func (d *Database) ListDoseEvents(ctx context.Context, q HistoryQuery) ([]models.DoseEvent, error) {
	tx := d.db.WithContext(ctx).Model(&models.DoseEvent{})
	if q.PumpID != nil {
		tx = tx.Where("pump_id = ?", *q.PumpID)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("created_at >= ?", q.Since.UTC())
	}
	if !q.Until.IsZero() {
		tx = tx.Where("created_at < ?", q.Until.UTC())
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	var events []models.DoseEvent
	err := tx.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, errors.NewPersistenceError("dose_events", "query", err)
	}
	return events, nil
}

// Totals sums the successfully dispensed volume per pump since the given time
func (d *Database) Totals(ctx context.Context, since time.Time) ([]PumpTotal, error) {
	tx := d.db.WithContext(ctx).Model(&models.DoseEvent{}).
		Select("pump_id, SUM(ml) AS ml, COUNT(*) AS count").
		Where("outcome = ?", models.DoseOutcomeOK)
	if !since.IsZero() {
		tx = tx.Where("created_at >= ?", since.UTC())
	}

	var totals []PumpTotal
	if err := tx.Group("pump_id").Order("pump_id").Scan(&totals).Error; err != nil {
		return nil, errors.NewPersistenceError("dose_events", "totals", err)
	}
	return totals, nil
}

// Prune deletes events older than before and returns how many were removed
func (d *Database) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := d.db.WithContext(ctx).Where("created_at < ?", before.UTC()).Delete(&models.DoseEvent{})
	if res.Error != nil {
		return 0, errors.NewPersistenceError("dose_events", "prune", res.Error)
	}
	if res.RowsAffected > 0 {
		d.logger.WithField("removed", res.RowsAffected).Info("Pruned dose history")
	}
	return res.RowsAffected, nil
}

// ensureDirExists creates directory if it doesn't exist
func ensureDirExists(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}

	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("path %s exists but is not a directory", dir)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// gormLogger routes GORM's logging through logrus
type gormLogger struct {
	logger applogger.Interface
	level  logger.LogLevel
}

func newGormLogger(log applogger.Interface, level string) *gormLogger {
	l := &gormLogger{logger: log.WithField("component", "database")}
	switch level {
	case "silent":
		l.level = logger.Silent
	case "error":
		l.level = logger.Error
	case "info":
		l.level = logger.Info
	default:
		l.level = logger.Warn
	}
	return l
}

func (g *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &gormLogger{logger: g.logger, level: level}
}

func (g *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Info {
		g.logger.Infof(msg, data...)
	}
}

func (g *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Warn {
		g.logger.Warnf(msg, data...)
	}
}

func (g *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Error {
		g.logger.Errorf(msg, data...)
	}
}

func (g *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level == logger.Silent {
		return
	}
	sql, rows := fc()
	entry := g.logger.WithField("duration", time.Since(begin).String()).
		WithField("rows", rows).
		WithField("sql", sql)

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		entry.WithError(err).Error("Database query failed")
		return
	}
	entry.Debug("Database query executed")
}
