package models

import (
	"time"
)

// DoseOutcome is the result of a single dispense
type DoseOutcome string

const (
	DoseOutcomeOK     DoseOutcome = "ok"
	DoseOutcomeFailed DoseOutcome = "failed"
)

// DoseEvent is one dispense in the history log
type DoseEvent struct {
	ID        uint        `json:"id" gorm:"primarykey"`
	MotorIdx  int         `json:"motor_idx" gorm:"not null"`
	PumpID    uint32      `json:"pump_id" gorm:"not null;index"`
	Ml        float64     `json:"ml" gorm:"not null"`
	Steps     int32       `json:"steps"`
	Source    string      `json:"source" gorm:"not null;default:'dispense'"`
	Nutrient  string      `json:"nutrient,omitempty"`
	Outcome   DoseOutcome `json:"outcome" gorm:"not null;default:'ok'"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at" gorm:"index"`
}

// TableName returns the table name for DoseEvent
func (DoseEvent) TableName() string {
	return "dose_events"
}

// Succeeded reports whether the dispense completed
func (e *DoseEvent) Succeeded() bool {
	return e.Outcome == DoseOutcomeOK
}
