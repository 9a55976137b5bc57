package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDoseEvent(t *testing.T) {
	assert.Equal(t, "dose_events", DoseEvent{}.TableName())

	ok := &DoseEvent{Outcome: DoseOutcomeOK}
	assert.True(t, ok.Succeeded())

	failed := &DoseEvent{Outcome: DoseOutcomeFailed, Error: "stalled"}
	assert.False(t, failed.Succeeded())
}
