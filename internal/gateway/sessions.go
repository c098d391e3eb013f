// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package gateway

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// sessionInfo is the per-account presence record.
type sessionInfo struct {
	name        string // display capitalization
	connections int
	since       time.Time
}

// Sessions tracks which accounts hold authenticated connections. It is
// the Presence implementation consulted by admission control and the
// data source for the who listing.
type Sessions struct {
	mu     sync.RWMutex
	byName map[string]*sessionInfo
	total  int
}

// NewSessions creates an empty presence registry.
func NewSessions() *Sessions {
	return &Sessions{byName: make(map[string]*sessionInfo)}
}

// Connect records an authenticated connection for the account.
func (s *Sessions) Connect(name string) {
	key := strings.ToLower(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.byName[key]
	if !ok {
		info = &sessionInfo{name: name, since: time.Now()}
		s.byName[key] = info
	}
	info.connections++
	s.total++
}

// Disconnect removes one connection for the account.
func (s *Sessions) Disconnect(name string) {
	key := strings.ToLower(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.byName[key]
	if !ok {
		return
	}
	info.connections--
	s.total--
	if info.connections <= 0 {
		delete(s.byName, key)
	}
}

// ConnectedCount returns the number of accounts currently connected.
func (s *Sessions) ConnectedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byName)
}

// IsConnected reports whether the account holds a connection.
func (s *Sessions) IsConnected(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byName[strings.ToLower(name)]
	return ok
}

// WhoEntry is one line of the who listing.
type WhoEntry struct {
	Name      string
	Since     time.Time
	Connected int
}

// Who returns the connected accounts sorted by name.
func (s *Sessions) Who() []WhoEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]WhoEntry, 0, len(s.byName))
	for _, info := range s.byName {
		out = append(out, WhoEntry{Name: info.name, Since: info.since, Connected: info.connections})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
