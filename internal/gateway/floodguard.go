// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package gateway

import (
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultFloodCeiling is the number of commands an unauthenticated
// connection may issue before it is disconnected. Admission control only
// fires on connect and create; this bounds everything else.
const DefaultFloodCeiling = 100

// sweepEvery is how many Note calls pass between opportunistic sweeps
// of entries whose connection is gone.
const sweepEvery = 64

// AliveFunc reports whether a connection is still open.
type AliveFunc func(id ulid.ULID) bool

// FloodGuard counts commands per unauthenticated connection and flags
// connections that exceed the ceiling.
type FloodGuard struct {
	mu      sync.Mutex
	counts  map[ulid.ULID]int
	ceiling int
	alive   AliveFunc
	ticks   int

	boots prometheus.Counter
}

// NewFloodGuard creates a guard. A non-positive ceiling uses
// DefaultFloodCeiling. alive may be nil, in which case entries are only
// removed by Forget.
func NewFloodGuard(ceiling int, alive AliveFunc) *FloodGuard {
	return NewFloodGuardWithRegistry(ceiling, alive, nil)
}

// NewFloodGuardWithRegistry additionally registers a boot counter with
// the provided Prometheus registry.
func NewFloodGuardWithRegistry(ceiling int, alive AliveFunc, reg prometheus.Registerer) *FloodGuard {
	if ceiling <= 0 {
		ceiling = DefaultFloodCeiling
	}
	g := &FloodGuard{
		counts:  make(map[ulid.ULID]int),
		ceiling: ceiling,
		alive:   alive,
	}
	if reg != nil {
		g.boots = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatekeeper_flood_boots_total",
			Help: "Total connections dropped for flooding the login prompt",
		})
		reg.MustRegister(g.boots)
	}
	return g
}

// Note counts one command for the connection and reports whether it has
// now exceeded the ceiling.
func (g *FloodGuard) Note(id ulid.ULID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ticks++
	if g.alive != nil && g.ticks%sweepEvery == 0 {
		for connID := range g.counts {
			if !g.alive(connID) {
				delete(g.counts, connID)
			}
		}
	}

	g.counts[id]++
	if g.counts[id] > g.ceiling {
		if g.boots != nil {
			g.boots.Inc()
		}
		return true
	}
	return false
}

// Forget drops the entry for a closed or promoted connection.
func (g *FloodGuard) Forget(id ulid.ULID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.counts, id)
}

// Tracked returns the number of registered connections.
func (g *FloodGuard) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.counts)
}
