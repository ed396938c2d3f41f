package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransitionTo(t *testing.T) {
	tests := []struct {
		from GenerationStatus
		to   GenerationStatus
		want bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusQueued, StatusProcessing, true},
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusQueued, false},
		{StatusProcessing, StatusCancelled, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
		{StatusCancelled, StatusQueued, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []GenerationStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []GenerationStatus{StatusPending, StatusQueued, StatusProcessing} {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestProgress(t *testing.T) {
	assert.InDelta(t, 0.0, StatusPending.Progress(), 1e-9)
	assert.InDelta(t, 10.0, StatusQueued.Progress(), 1e-9)
	assert.InDelta(t, 50.0, StatusProcessing.Progress(), 1e-9)
	assert.InDelta(t, 100.0, StatusFailed.Progress(), 1e-9)
}

func TestParseGenerationStatus(t *testing.T) {
	s, err := ParseGenerationStatus("queued")
	assert.NoError(t, err)
	assert.Equal(t, StatusQueued, s)

	_, err = ParseGenerationStatus("done")
	assert.Error(t, err)

	_, err = ParseAIModel("Model C")
	assert.Error(t, err)
	assert.True(t, ModelB.Valid())
	assert.True(t, TransactionTypeRefund.Valid())
	assert.False(t, TransactionType("bonus").Valid())
}
