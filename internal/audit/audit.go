// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

// Package audit provides the append-only operator log for security
// events: failed logins, lockout releases, OAuth2 link events.
package audit

import (
	"context"
	"log/slog"
	"sync"
)

// Event kinds recorded by the gateway.
const (
	KindLoginFailed      = "login_failed"
	KindLockoutReleased  = "lockout_released"
	KindOAuth2Linked     = "oauth2_linked"
	KindAccountCreated   = "account_created"
	KindCharacterRequest = "character_request"
	KindFloodBoot        = "flood_boot"
)

// Sink is an append-only destination for audit entries.
type Sink interface {
	// Record appends one entry. Implementations must not fail the caller;
	// auditing is best effort.
	Record(ctx context.Context, kind, message string)
}

// SlogSink records audit entries through a structured logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a SlogSink. A nil logger records to a no-op logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SlogSink{logger: logger}
}

// Record appends one entry at Info level.
func (s *SlogSink) Record(ctx context.Context, kind, message string) {
	s.logger.InfoContext(ctx, message, "event", kind, "audit", true)
}

// MemorySink retains entries in memory. Used in tests and by the `who`
// display of recent security events.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// Entry is one recorded audit line.
type Entry struct {
	Kind    string
	Message string
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record appends one entry.
func (s *MemorySink) Record(_ context.Context, kind, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, Entry{Kind: kind, Message: message})
}

// Entries returns a copy of all recorded entries.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}
