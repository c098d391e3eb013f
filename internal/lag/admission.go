// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package lag

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
)

// Source exposes the current lag metric. Satisfied by *Sampler.
type Source interface {
	Current() time.Duration
}

// Candidate is the admission view of a connecting account.
type Candidate interface {
	// Name is the account name used for exemption lookup and logging.
	Name() string

	// Privileged accounts are always admitted.
	Privileged() bool

	// NoteConnectAttempt records the time of a rejected attempt for
	// later display and audit.
	NoteConnectAttempt(at time.Time)
}

// Caps holds the connection ceilings. When the current lag exceeds
// Cutoff, Lagged applies instead of Normal. Setting Lagged equal to
// Normal gives single-cap behavior.
type Caps struct {
	Normal int
	Lagged int
	Cutoff time.Duration
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Message string // set only on rejection
}

// Controller gates new connections by the current lag metric and
// connection count.
type Controller struct {
	source Source
	caps   Caps
	now    func() time.Time
	logger *slog.Logger

	mu     sync.RWMutex
	exempt map[string]struct{}

	rejected prometheus.Counter
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Caps Caps

	// Now is the time source. Defaults to time.Now.
	Now func() time.Time

	// Logger for admission events. Defaults to a no-op logger.
	Logger *slog.Logger
}

// NewController creates a Controller.
func NewController(source Source, cfg ControllerConfig) (*Controller, error) {
	return NewControllerWithRegistry(source, cfg, nil)
}

// NewControllerWithRegistry creates a Controller and registers a
// rejection counter with the provided Prometheus registry.
func NewControllerWithRegistry(source Source, cfg ControllerConfig, reg prometheus.Registerer) (*Controller, error) {
	if source == nil {
		return nil, oops.Errorf("lag source is required")
	}
	if cfg.Caps.Normal <= 0 {
		return nil, oops.Errorf("normal connection cap must be positive")
	}
	if cfg.Caps.Lagged <= 0 {
		cfg.Caps.Lagged = cfg.Caps.Normal
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &Controller{
		source: source,
		caps:   cfg.Caps,
		now:    now,
		logger: logger,
		exempt: make(map[string]struct{}),
	}

	if reg != nil {
		c.rejected = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_admission_rejected_total",
			Help: "Total connections rejected by admission control",
		})
		reg.MustRegister(c.rejected)
	}

	return c, nil
}

// Exempt marks an account name as always admitted.
func (c *Controller) Exempt(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exempt[strings.ToLower(name)] = struct{}{}
}

// cap returns the ceiling in force for the given lag.
func (c *Controller) cap(current time.Duration) int {
	if current > c.caps.Cutoff {
		return c.caps.Lagged
	}
	return c.caps.Normal
}

// Admit decides whether the candidate may connect. Privileged accounts,
// accounts that already hold a connection, and exempted accounts are
// admitted unconditionally. Everyone else is rejected once the number of
// connected players reaches the cap in force.
func (c *Controller) Admit(candidate Candidate, connectionCount int, alreadyConnected bool) Decision {
	if candidate.Privileged() || alreadyConnected {
		return Decision{Allowed: true}
	}

	c.mu.RLock()
	_, exempted := c.exempt[strings.ToLower(candidate.Name())]
	c.mu.RUnlock()
	if exempted {
		return Decision{Allowed: true}
	}

	current := c.source.Current()
	limit := c.cap(current)
	if connectionCount < limit {
		return Decision{Allowed: true}
	}

	at := c.now()
	candidate.NoteConnectAttempt(at)
	if c.rejected != nil {
		c.rejected.Inc()
	}
	c.logger.Info("connection rejected by admission control",
		"event", "admission_rejected",
		"account", candidate.Name(),
		"connections", connectionCount,
		"cap", limit,
		"lag", current.String(),
	)

	return Decision{
		Allowed: false,
		Message: fmt.Sprintf(
			"Sorry, but there are currently %d players connected (limit %d) and the server lag is %.1f seconds. Try again later; this attempt at %s has been noted.",
			connectionCount, limit, current.Seconds(), at.Format("15:04:05"),
		),
	}
}
