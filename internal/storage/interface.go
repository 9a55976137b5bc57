package storage

import (
	"context"
	"time"

	"github.com/dsyorkd/pi-doser/internal/doser"
	"github.com/dsyorkd/pi-doser/internal/models"
)

// KV is a string key/value store scoped to one namespace
type KV interface {
	doser.Store
	Delete(key string) error
	Close() error
}

// History is the dose history log
type History interface {
	doser.Recorder
	ListDoseEvents(ctx context.Context, q HistoryQuery) ([]models.DoseEvent, error)
	Totals(ctx context.Context, since time.Time) ([]PumpTotal, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
	Health() error
}

// HistoryQuery filters ListDoseEvents. Zero values match everything.
type HistoryQuery struct {
	PumpID *uint32
	Since  time.Time
	Until  time.Time
	Limit  int
}

// PumpTotal is the volume dispensed by one pump
type PumpTotal struct {
	PumpID uint32  `json:"pump_id"`
	Ml     float64 `json:"ml"`
	Count  int64   `json:"count"`
}
