// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

// Package lag maintains the smoothed server-load metric used for
// connection admission. The smoothing rule is deliberately asymmetric:
// it reacts instantly to a spike but decays slowly, so a brief recovery
// does not immediately reopen the gate.
package lag

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sampler defaults.
const (
	// DefaultInterval is the delay between samples.
	DefaultInterval = 15 * time.Second

	// StallThreshold is the instantaneous gap beyond which the sampler
	// considers itself stalled and self-heals by zeroing the metric.
	StallThreshold = time.Hour

	// ringSize is the number of retained raw samples.
	ringSize = 5
)

// Sampler measures scheduling delay with a self-re-arming background
// tick. Call Close to stop the background goroutine.
type Sampler struct {
	mu       sync.Mutex
	interval time.Duration
	ring     [ringSize]time.Duration // newest first
	filled   int
	current  time.Duration
	lastTick time.Time
	now      func() time.Time
	logger   *slog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup

	lagGauge prometheus.Gauge
}

// SamplerConfig configures a Sampler.
type SamplerConfig struct {
	// Interval between samples. Defaults to DefaultInterval if zero.
	Interval time.Duration

	// Now is the time source. Defaults to time.Now.
	Now func() time.Time

	// Logger for sampler events. Defaults to a no-op logger.
	Logger *slog.Logger
}

// NewSampler creates a sampler and starts its background tick.
func NewSampler(cfg SamplerConfig) *Sampler {
	return newSampler(cfg, nil)
}

// NewSamplerWithRegistry creates a sampler and registers a current-lag
// gauge with the provided Prometheus registry.
func NewSamplerWithRegistry(cfg SamplerConfig, reg prometheus.Registerer) *Sampler {
	return newSampler(cfg, reg)
}

func newSampler(cfg SamplerConfig, reg prometheus.Registerer) *Sampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Sampler{
		interval: interval,
		now:      now,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	s.lastTick = now()

	if reg != nil {
		s.lagGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatekeeper_lag_seconds",
			Help: "Current smoothed server lag in seconds",
		})
		reg.MustRegister(s.lagGauge)
	}

	s.wg.Add(1)
	go s.loop()

	return s
}

// loop re-arms itself after each sample instead of using a fixed ticker,
// so a long stall produces one oversized sample rather than a backlog of
// queued ticks.
func (s *Sampler) loop() {
	defer s.wg.Done()

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-timer.C:
			s.TakeSample()
			timer.Reset(s.interval)
		}
	}
}

// TakeSample records one raw sample and recomputes the smoothed metric.
// It is invoked by the background tick; tests drive it directly.
func (s *Sampler) TakeSample() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sinceLast := now.Sub(s.lastTick)
	sample := sinceLast - s.interval
	if sample < 0 {
		sample = 0
	}
	s.lastTick = now

	// A gap this large means the process was suspended or the clock
	// jumped, not that the scheduler is behind. Self-heal.
	if sinceLast-s.interval > StallThreshold {
		s.current = 0
		s.setGauge()
		s.logger.Warn("lag sampler stalled, resetting metric",
			"event", "lag_sampler_stalled",
			"gap", sinceLast.String(),
		)
		return
	}

	// Shift the ring, newest first.
	copy(s.ring[1:], s.ring[:ringSize-1])
	s.ring[0] = sample
	if s.filled < ringSize {
		s.filled++
	}

	// current = max(thisTick, ring[0], ring[1], average(ring[1:])).
	// Kept exactly as tuned: instant attack via the new sample, slow
	// decay via the trailing average.
	current := sample
	if s.ring[0] > current {
		current = s.ring[0]
	}
	if s.filled > 1 && s.ring[1] > current {
		current = s.ring[1]
	}
	if s.filled > 1 {
		var sum time.Duration
		for _, v := range s.ring[1:s.filled] {
			sum += v
		}
		if avg := sum / time.Duration(s.filled-1); avg > current {
			current = avg
		}
	}
	s.current = current
	s.setGauge()
}

func (s *Sampler) setGauge() {
	if s.lagGauge != nil {
		s.lagGauge.Set(s.current.Seconds())
	}
}

// Current returns the smoothed lag metric.
func (s *Sampler) Current() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Close stops the background tick and blocks until it has exited.
func (s *Sampler) Close() {
	close(s.stopChan)
	s.wg.Wait()
}
