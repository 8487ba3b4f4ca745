package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }
func newFakeClock() *fakeClock               { return &fakeClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)} }

func tripBreaker(b *Breaker) {
	for i := 0; i < 12; i++ {
		b.RecordFailure()
	}
}

func TestBreakerStaysClosedUnderMinSamples(t *testing.T) {
	clock := newFakeClock()
	b := NewBreakersAt(clock.now).For("classify", "openai", "gpt-4o-mini")

	for i := 0; i < 9; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerOpensOverThreshold(t *testing.T) {
	clock := newFakeClock()
	b := NewBreakersAt(clock.now).For("classify", "openai", "gpt-4o-mini")

	// 6 failures out of 10 samples: 60% > 50%.
	for i := 0; i < 4; i++ {
		b.RecordSuccess()
	}
	for i := 0; i < 6; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	clock := newFakeClock()
	b := NewBreakersAt(clock.now).For("classify", "openai", "gpt-4o-mini")
	tripBreaker(b)
	require.Equal(t, BreakerOpen, b.State())

	clock.advance(31 * time.Second)
	assert.True(t, b.Allow(), "cooldown elapsed admits one probe")
	assert.False(t, b.Allow(), "second caller refused while probe in flight")

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerProbeFailureDoublesCooldown(t *testing.T) {
	clock := newFakeClock()
	b := NewBreakersAt(clock.now).For("classify", "openai", "gpt-4o-mini")
	tripBreaker(b)

	clock.advance(31 * time.Second)
	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())

	// Old cooldown no longer enough.
	clock.advance(31 * time.Second)
	assert.False(t, b.Allow())

	clock.advance(30 * time.Second)
	assert.True(t, b.Allow())
}

func TestBreakerCancelProbe(t *testing.T) {
	clock := newFakeClock()
	b := NewBreakersAt(clock.now).For("classify", "openai", "gpt-4o-mini")
	tripBreaker(b)

	clock.advance(31 * time.Second)
	require.True(t, b.Allow())
	b.CancelProbe()
	assert.True(t, b.Allow(), "cancelled probe frees the slot")
}
