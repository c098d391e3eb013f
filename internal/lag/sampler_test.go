// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package lag_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/mudcore/gatekeeper/internal/lag"
)

// newManualSampler returns a sampler whose time source is driven by the
// test. The background tick still runs but fires on the real clock far
// less often than the test advances the fake one.
func newManualSampler(t *testing.T, now *time.Time) *lag.Sampler {
	t.Helper()
	s := lag.NewSampler(lag.SamplerConfig{
		Interval: 15 * time.Second,
		Now:      func() time.Time { return *now },
	})
	t.Cleanup(s.Close)
	return s
}

func TestSampler_SpikeReactsInstantly(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s := newManualSampler(t, &now)

	// A few on-time ticks keep lag at zero.
	for i := 1; i <= 3; i++ {
		now = base.Add(time.Duration(i) * 15 * time.Second)
		s.TakeSample()
	}
	assert.Zero(t, s.Current())

	// One tick arrives 10s late: current jumps to 10s at once.
	now = now.Add(25 * time.Second)
	s.TakeSample()
	assert.Equal(t, 10*time.Second, s.Current())
}

func TestSampler_DecaysSlowly(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s := newManualSampler(t, &now)

	// Spike of 20s.
	now = now.Add(35 * time.Second)
	s.TakeSample()
	assert.Equal(t, 20*time.Second, s.Current())

	// Next tick is on time, but the spike is still ring[1], so current
	// stays at 20s rather than dropping to zero.
	now = now.Add(15 * time.Second)
	s.TakeSample()
	assert.Equal(t, 20*time.Second, s.Current())

	// Two more on-time ticks: the spike ages into the trailing average
	// and current decays instead of vanishing.
	now = now.Add(15 * time.Second)
	s.TakeSample()
	now = now.Add(15 * time.Second)
	s.TakeSample()
	got := s.Current()
	assert.Less(t, got, 20*time.Second)
	assert.Greater(t, got, time.Duration(0))
}

func TestSampler_StallSelfHeals(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s := newManualSampler(t, &now)

	now = now.Add(35 * time.Second)
	s.TakeSample()
	assert.Equal(t, 20*time.Second, s.Current())

	// Over an hour between samples: the sampler was suspended, not the
	// scheduler. The metric resets to zero instead of spiking.
	now = now.Add(2 * time.Hour)
	s.TakeSample()
	assert.Zero(t, s.Current())
}

func TestSampler_CloseStopsGoroutine(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := lag.NewSampler(lag.SamplerConfig{Interval: 10 * time.Millisecond})
	time.Sleep(30 * time.Millisecond)
	s.Close()
}
