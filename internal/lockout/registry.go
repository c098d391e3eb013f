// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

// Package lockout tracks disabled accounts. A lockout is permanent or
// time-bounded; time-bounded lockouts expire against elapsed uptime and
// are released lazily on the next check.
package lockout

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/mudcore/gatekeeper/internal/audit"
	"github.com/mudcore/gatekeeper/internal/uptime"
)

// Error codes for lockout operations.
const (
	CodePermissionDenied = "LOCKOUT_PERMISSION_DENIED"
	CodeNotFound         = "LOCKOUT_NOT_FOUND"
)

// Status classifies the outcome of a lockout check.
type Status int

// Lockout check outcomes.
const (
	// Clear means the account is not locked out.
	Clear Status = iota
	// Permanent means the account is locked out indefinitely.
	Permanent
	// Temporary means the account is locked out with time remaining.
	Temporary
)

// Result is the outcome of Check.
type Result struct {
	Status    Status
	Remaining time.Duration // set only for Temporary
}

// Actor is anyone invoking a mutating lockout operation.
type Actor interface {
	Privileged() bool
}

// entry is a temporary lockout window measured in elapsed uptime.
type entry struct {
	start    time.Time
	duration time.Duration
}

// Registry is the process-wide lockout store.
type Registry struct {
	mu        sync.Mutex
	clock     *uptime.Clock
	locked    map[string]struct{}
	temporary map[string]entry
	sink      audit.Sink
	logger    *slog.Logger
}

// NewRegistry creates a Registry with a no-op logger.
func NewRegistry(clock *uptime.Clock, sink audit.Sink) (*Registry, error) {
	return NewRegistryWithLogger(clock, sink, slog.New(slog.DiscardHandler))
}

// NewRegistryWithLogger creates a Registry with the provided logger.
func NewRegistryWithLogger(clock *uptime.Clock, sink audit.Sink, logger *slog.Logger) (*Registry, error) {
	if clock == nil {
		return nil, oops.Errorf("uptime clock is required")
	}
	if sink == nil {
		return nil, oops.Errorf("audit sink is required")
	}
	if logger == nil {
		return nil, oops.Errorf("logger is required")
	}
	return &Registry{
		clock:     clock,
		locked:    make(map[string]struct{}),
		temporary: make(map[string]entry),
		sink:      sink,
		logger:    logger,
	}, nil
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Check evaluates the lockout state of an account. An expired temporary
// lockout is released here: the account is removed from both indexes and
// the release is audit-logged. Release is idempotent; a later check of a
// released account returns Clear, never an error.
func (r *Registry) Check(ctx context.Context, name string) Result {
	k := key(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.locked[k]; !ok {
		return Result{Status: Clear}
	}

	e, ok := r.temporary[k]
	if !ok {
		return Result{Status: Permanent}
	}

	up := r.clock.ElapsedSince(e.start)
	if up > e.duration {
		delete(r.locked, k)
		delete(r.temporary, k)
		r.sink.Record(ctx, audit.KindLockoutReleased,
			fmt.Sprintf("Released %s from its temporary lockout.", name))
		r.logger.Info("temporary lockout released",
			"event", "lockout_released",
			"account", k,
		)
		return Result{Status: Clear}
	}

	return Result{Status: Temporary, Remaining: e.duration - up}
}

// Newt imposes a permanent lockout. Privileged.
func (r *Registry) Newt(actor Actor, name string) error {
	if err := checkActor(actor); err != nil {
		return err
	}
	k := key(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked[k] = struct{}{}
	delete(r.temporary, k)
	return nil
}

// NewtFor imposes a temporary lockout with the given uptime budget.
// Privileged.
func (r *Registry) NewtFor(actor Actor, name string, start time.Time, duration time.Duration) error {
	if err := checkActor(actor); err != nil {
		return err
	}
	k := key(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked[k] = struct{}{}
	r.temporary[k] = entry{start: start, duration: duration}
	return nil
}

// Unnewt lifts any lockout on the account. Privileged. Returns a
// not-found error if the account is not locked out.
func (r *Registry) Unnewt(actor Actor, name string) error {
	if err := checkActor(actor); err != nil {
		return err
	}
	k := key(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.locked[k]; !ok {
		return oops.Code(CodeNotFound).
			With("account", k).
			Errorf("account %s is not locked out", name)
	}
	delete(r.locked, k)
	delete(r.temporary, k)
	return nil
}

func checkActor(actor Actor) error {
	if actor == nil || !actor.Privileged() {
		return oops.Code(CodePermissionDenied).
			Errorf("lockout mutation requires privilege")
	}
	return nil
}
