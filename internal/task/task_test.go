package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDedupKey(t *testing.T) {
	at := time.Date(2025, 3, 10, 14, 7, 15, 0, time.UTC)

	tk := New("vehicle-positions", at, time.Second)
	assert.Equal(t, "vehicle-positions@2025-03-10T14:07:15Z", tk.DedupKey)
	assert.Equal(t, at, tk.ScheduledAt)
	assert.Zero(t, tk.Attempt)
}

func TestNewTruncatesToGranularity(t *testing.T) {
	// A cron-cadence task scheduled mid-minute buckets to the minute, so a
	// re-dispatched minute derives the identical key.
	at := time.Date(2025, 3, 10, 14, 7, 42, 0, time.UTC)

	a := New("schedule", at, time.Minute)
	b := New("schedule", at.Add(10*time.Second), time.Minute)
	assert.Equal(t, a.DedupKey, b.DedupKey)
	assert.Equal(t, "schedule@2025-03-10T14:07:00Z", a.DedupKey)
}

func TestNewIdenticalAcrossInvocations(t *testing.T) {
	at := time.Date(2025, 3, 10, 14, 7, 30, 0, time.UTC)
	first := New("trip-updates", at, time.Second)
	second := New("trip-updates", at, time.Second)
	assert.Equal(t, first.DedupKey, second.DedupKey)
}
