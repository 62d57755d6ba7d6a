package improvejobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		status   string
		terminal bool
	}{
		{StatusQueued, false},
		{StatusCloning, false},
		{StatusAnalyzing, false},
		{StatusGenerating, false},
		{StatusPushing, false},
		{StatusPRCreated, true},
		{StatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			job := &ImprovementJob{Status: tt.status}
			assert.Equal(t, tt.terminal, job.IsTerminal())
		})
	}
}

func TestActiveStatuses(t *testing.T) {
	active := ActiveStatuses()

	assert.Equal(t, []string{StatusCloning, StatusAnalyzing, StatusGenerating, StatusPushing}, active)
	assert.NotContains(t, active, StatusQueued)
	assert.NotContains(t, active, StatusPRCreated)
	assert.NotContains(t, active, StatusFailed)
}

func TestAbandonSweepStatuses(t *testing.T) {
	sweep := AbandonSweepStatuses()

	// Every non-terminal status is sweepable. A job can stall in QUEUED when
	// its deliveries are repeatedly deferred until the queue gives up, so the
	// sweep covers it along with the active set.
	assert.ElementsMatch(t, []string{
		StatusQueued, StatusCloning, StatusAnalyzing, StatusGenerating, StatusPushing,
	}, sweep)

	for _, status := range sweep {
		job := &ImprovementJob{Status: status}
		assert.False(t, job.IsTerminal(), "sweepable status %s must be non-terminal", status)
	}
}
