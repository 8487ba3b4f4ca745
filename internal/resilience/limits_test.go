package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterBurstAndRefill(t *testing.T) {
	clock := newFakeClock()
	limits := NewRateLimitersAt(clock.now)

	// Capacity 60/min: full burst available immediately.
	for i := 0; i < 60; i++ {
		assert.True(t, limits.Allow("classify", 60), "burst token %d", i)
	}
	assert.False(t, limits.Allow("classify", 60))

	// Refill is capacity/60 per second: one token per second here.
	clock.advance(time.Second)
	assert.True(t, limits.Allow("classify", 60))
	assert.False(t, limits.Allow("classify", 60))
}

func TestRateLimiterZeroMeansUnlimited(t *testing.T) {
	limits := NewRateLimiters()
	for i := 0; i < 1000; i++ {
		assert.True(t, limits.Allow("classify", 0))
	}
}

func TestRateLimiterRebuildsOnLimitChange(t *testing.T) {
	clock := newFakeClock()
	limits := NewRateLimitersAt(clock.now)

	assert.True(t, limits.Allow("classify", 1))
	assert.False(t, limits.Allow("classify", 1))

	// Config change resets the bucket at the new capacity.
	assert.True(t, limits.Allow("classify", 120))
}

func TestCostLimiterDeniesProjectedOverrun(t *testing.T) {
	clock := newFakeClock()
	costs := NewCostLimiterAt(clock.now)

	// No history: nothing projected, admission passes.
	assert.True(t, costs.Allow("classify", 1.0))

	costs.RecordCost("classify", 0.40)
	costs.RecordCost("classify", 0.40)
	// Window 0.80 + running average 0.40 > 1.0.
	assert.False(t, costs.Allow("classify", 1.0))

	// Window rolls off after an hour.
	clock.advance(61 * time.Minute)
	assert.True(t, costs.Allow("classify", 1.0))
	assert.Equal(t, 0.0, costs.WindowSum("classify"))
}

func TestCostLimiterUnlimited(t *testing.T) {
	costs := NewCostLimiter()
	costs.RecordCost("classify", 100)
	assert.True(t, costs.Allow("classify", 0))
}

func TestQuarantineTripsOnConsecutiveDLQ(t *testing.T) {
	var events []bool
	q := NewQuarantine(3, func(agentID string, active bool) {
		events = append(events, active)
	})

	assert.False(t, q.RecordDLQ("classify"))
	assert.False(t, q.RecordDLQ("classify"))
	assert.False(t, q.Quarantined("classify"))
	assert.True(t, q.RecordDLQ("classify"))
	assert.True(t, q.Quarantined("classify"))
	assert.Equal(t, []bool{true}, events)

	q.Release("classify")
	assert.False(t, q.Quarantined("classify"))
	assert.Equal(t, []bool{true, false}, events)
}

func TestQuarantineStreakResetsOnSuccess(t *testing.T) {
	q := NewQuarantine(3, nil)

	q.RecordDLQ("classify")
	q.RecordDLQ("classify")
	q.RecordSuccess("classify")
	q.RecordDLQ("classify")
	q.RecordDLQ("classify")
	assert.False(t, q.Quarantined("classify"))
}

func TestSLOTrackerFiresOnSustainedViolation(t *testing.T) {
	clock := newFakeClock()
	var fired []string
	slo := NewSLOTrackerAt(clock.now, 100*time.Millisecond, time.Minute, func(agentID string) {
		fired = append(fired, agentID)
	})

	// Breach begins but is not yet sustained.
	slo.Observe("classify", 500*time.Millisecond)
	assert.Empty(t, fired)

	for i := 0; i < 6; i++ {
		clock.advance(15 * time.Second)
		slo.Observe("classify", 500*time.Millisecond)
	}
	assert.Equal(t, []string{"classify"}, fired, "fires exactly once per sustained breach")
}

func TestSLOTrackerRecoversWhenLatencyDrops(t *testing.T) {
	clock := newFakeClock()
	var fired int
	slo := NewSLOTrackerAt(clock.now, 100*time.Millisecond, time.Minute, func(string) { fired++ })

	slo.Observe("classify", 500*time.Millisecond)
	clock.advance(30 * time.Second)
	// Flood of fast samples pulls p95 back under target.
	for i := 0; i < 50; i++ {
		slo.Observe("classify", 10*time.Millisecond)
	}
	clock.advance(40 * time.Second)
	slo.Observe("classify", 10*time.Millisecond)
	assert.Zero(t, fired)
}
