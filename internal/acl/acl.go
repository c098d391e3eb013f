// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

// Package acl implements the host access-control lists consulted at the
// login prompt. Each of the four categories holds permanent entries plus
// temporary entries whose budget is measured in elapsed uptime, so server
// downtime never counts toward expiry.
package acl

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/mudcore/gatekeeper/internal/uptime"
)

// Category identifies one of the four host lists. The semantics of each
// list are assigned by the gateway: blacklist boots connections outright,
// graylist restricts account creation, redlist blocks logins, and
// spooflist marks hosts subject to spoof protection.
type Category string

// The four ACL categories. These are the only valid values.
const (
	Blacklist Category = "blacklist"
	Graylist  Category = "graylist"
	Redlist   Category = "redlist"
	Spooflist Category = "spooflist"
)

// Error codes for ACL operations.
const (
	CodePermissionDenied = "ACL_PERMISSION_DENIED"
	CodeUnknownCategory  = "ACL_UNKNOWN_CATEGORY"
	CodeNotFound         = "ACL_NOT_FOUND"
	CodeInvalidPattern   = "ACL_INVALID_PATTERN"
)

// categoryTags maps the single-character tags used by wizard commands to
// category names.
var categoryTags = map[string]Category{
	"b": Blacklist,
	"g": Graylist,
	"r": Redlist,
	"s": Spooflist,
}

// CategoryFromTag resolves a single-character tag (b/g/r/s) to a Category.
func CategoryFromTag(tag string) (Category, error) {
	cat, ok := categoryTags[strings.ToLower(tag)]
	if !ok {
		return "", oops.Code(CodeUnknownCategory).
			With("tag", tag).
			Errorf("unknown ACL tag %q (want b, g, r, or s)", tag)
	}
	return cat, nil
}

// Valid reports whether c is one of the four categories.
func (c Category) Valid() bool {
	switch c {
	case Blacklist, Graylist, Redlist, Spooflist:
		return true
	}
	return false
}

// Actor is anyone invoking a mutating ACL operation. Mutation is
// privileged; lookups are not.
type Actor interface {
	// Privileged reports whether the actor may mutate process-wide state.
	Privileged() bool
}

// namePattern is a compiled permanent name entry.
type namePattern struct {
	raw  string
	glob glob.Glob // nil for plain suffix entries
}

// tempEntry is a self-expiring entry. It is authoritative only while
// elapsed uptime since start stays within duration.
type tempEntry struct {
	raw      string
	glob     glob.Glob // nil for literal or suffix entries
	literal  bool
	start    time.Time
	duration time.Duration
}

// category holds the permanent and temporary stores for one list.
type category struct {
	literals map[string]struct{}
	names    []namePattern
	temp     []tempEntry
}

// Engine evaluates hostnames against the four ACL categories.
type Engine struct {
	mu     sync.Mutex
	clock  *uptime.Clock
	cats   map[Category]*category
	logger *slog.Logger
}

// NewEngine creates an Engine with empty lists and a no-op logger.
func NewEngine(clock *uptime.Clock) (*Engine, error) {
	return NewEngineWithLogger(clock, slog.New(slog.DiscardHandler))
}

// NewEngineWithLogger creates an Engine with the provided logger.
func NewEngineWithLogger(clock *uptime.Clock, logger *slog.Logger) (*Engine, error) {
	if clock == nil {
		return nil, oops.Errorf("uptime clock is required")
	}
	if logger == nil {
		return nil, oops.Errorf("logger is required")
	}
	cats := make(map[Category]*category, 4)
	for _, c := range []Category{Blacklist, Graylist, Redlist, Spooflist} {
		cats[c] = &category{literals: make(map[string]struct{})}
	}
	return &Engine{clock: clock, cats: cats, logger: logger}, nil
}

// isDomainLiteral reports whether host is numeric-address-shaped
// (digits and dots only). Literals match by exact value or dotted prefix
// rather than by suffix or wildcard rules.
func isDomainLiteral(host string) bool {
	if host == "" {
		return false
	}
	for _, r := range host {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}

// normalize lowercases and trims a hostname or entry.
func normalize(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

// literalMatches reports whether a literal entry covers host: exact value
// or dotted prefix ("1.2.3" covers "1.2.3.4"). Trailing zero octets act
// as a network wildcard, so "1.2.3.0" also covers "1.2.3.4".
func literalMatches(entry, host string) bool {
	if host == entry || strings.HasPrefix(host, entry+".") {
		return true
	}
	prefix := entry
	for strings.HasSuffix(prefix, ".0") {
		prefix = strings.TrimSuffix(prefix, ".0")
	}
	return prefix != entry && (host == prefix || strings.HasPrefix(host, prefix+"."))
}

// nameMatches reports whether a non-wildcard name entry covers host:
// exact value or dot-bounded suffix ("example.com" covers
// "host.example.com" but not "notexample.com").
func nameMatches(entry, host string) bool {
	return host == entry || strings.HasSuffix(host, "."+entry)
}

// IsListed reports whether hostname matches any live entry in the
// category. Expired temporary entries encountered during the scan are
// purged, so a stale entry is never reported as listed.
func (e *Engine) IsListed(cat Category, hostname string) (bool, error) {
	if !cat.Valid() {
		return false, oops.Code(CodeUnknownCategory).
			With("category", string(cat)).
			Errorf("unknown ACL category %q", cat)
	}
	host := normalize(hostname)
	literal := isDomainLiteral(host)

	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.cats[cat]

	if literal {
		for entry := range c.literals {
			if literalMatches(entry, host) {
				return true, nil
			}
		}
	} else {
		for _, p := range c.names {
			if p.glob != nil {
				if p.glob.Match(host) {
					return true, nil
				}
			} else if nameMatches(p.raw, host) {
				return true, nil
			}
		}
	}

	return e.matchTemp(cat, c, host, literal), nil
}

// matchTemp scans the temporary store under the engine lock, purging
// every expired entry it walks past.
func (e *Engine) matchTemp(cat Category, c *category, host string, literal bool) bool {
	matched := false
	live := c.temp[:0]
	for _, t := range c.temp {
		if e.clock.ElapsedSince(t.start) > t.duration {
			e.logger.Debug("purged expired ACL entry",
				"event", "acl_entry_expired",
				"category", string(cat),
				"entry", t.raw,
			)
			continue
		}
		live = append(live, t)
		if matched || literal != t.literal {
			continue
		}
		switch {
		case t.literal:
			matched = literalMatches(t.raw, host)
		case t.glob != nil:
			matched = t.glob.Match(host)
		default:
			matched = nameMatches(t.raw, host)
		}
	}
	c.temp = live
	return matched
}

// Add inserts a permanent entry. Privileged.
func (e *Engine) Add(actor Actor, cat Category, entry string) error {
	if err := e.checkMutate(actor, cat); err != nil {
		return err
	}
	entry = normalize(entry)

	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.cats[cat]

	if isDomainLiteral(entry) {
		c.literals[entry] = struct{}{}
		return nil
	}

	p := namePattern{raw: entry}
	if strings.Contains(entry, "*") {
		g, err := glob.Compile(entry)
		if err != nil {
			return oops.Code(CodeInvalidPattern).
				With("entry", entry).
				Wrap(err)
		}
		p.glob = g
	}
	c.names = append(c.names, p)
	return nil
}

// AddTemporary inserts a self-expiring entry. The duration is an elapsed
// uptime budget, not a wall-clock deadline. Privileged.
func (e *Engine) AddTemporary(actor Actor, cat Category, entry string, start time.Time, duration time.Duration) error {
	if err := e.checkMutate(actor, cat); err != nil {
		return err
	}
	entry = normalize(entry)

	t := tempEntry{raw: entry, start: start, duration: duration}
	if isDomainLiteral(entry) {
		t.literal = true
	} else if strings.Contains(entry, "*") {
		g, err := glob.Compile(entry)
		if err != nil {
			return oops.Code(CodeInvalidPattern).
				With("entry", entry).
				Wrap(err)
		}
		t.glob = g
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cats[cat].temp = append(e.cats[cat].temp, t)
	return nil
}

// Remove deletes a permanent entry. Privileged. Returns a not-found error
// if the entry is absent.
func (e *Engine) Remove(actor Actor, cat Category, entry string) error {
	if err := e.checkMutate(actor, cat); err != nil {
		return err
	}
	entry = normalize(entry)

	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.cats[cat]

	if _, ok := c.literals[entry]; ok {
		delete(c.literals, entry)
		return nil
	}
	for i, p := range c.names {
		if p.raw == entry {
			c.names = append(c.names[:i], c.names[i+1:]...)
			return nil
		}
	}
	return oops.Code(CodeNotFound).
		With("category", string(cat)).
		With("entry", entry).
		Errorf("no such entry in %s", cat)
}

// RemoveTemporary deletes a temporary entry by pattern. Privileged.
// Returns a not-found error if no live entry matches.
func (e *Engine) RemoveTemporary(actor Actor, cat Category, entry string) error {
	if err := e.checkMutate(actor, cat); err != nil {
		return err
	}
	entry = normalize(entry)

	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.cats[cat]

	for i, t := range c.temp {
		if t.raw == entry {
			c.temp = append(c.temp[:i], c.temp[i+1:]...)
			return nil
		}
	}
	return oops.Code(CodeNotFound).
		With("category", string(cat)).
		With("entry", entry).
		Errorf("no such temporary entry in %s", cat)
}

// Entries returns the raw permanent entries of a category for display.
func (e *Engine) Entries(cat Category) ([]string, error) {
	if !cat.Valid() {
		return nil, oops.Code(CodeUnknownCategory).
			With("category", string(cat)).
			Errorf("unknown ACL category %q", cat)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.cats[cat]

	out := make([]string, 0, len(c.literals)+len(c.names))
	for entry := range c.literals {
		out = append(out, entry)
	}
	for _, p := range c.names {
		out = append(out, p.raw)
	}
	return out, nil
}

func (e *Engine) checkMutate(actor Actor, cat Category) error {
	if actor == nil || !actor.Privileged() {
		return oops.Code(CodePermissionDenied).
			With("category", string(cat)).
			Errorf("ACL mutation requires privilege")
	}
	if !cat.Valid() {
		return oops.Code(CodeUnknownCategory).
			With("category", string(cat)).
			Errorf("unknown ACL category %q", cat)
	}
	return nil
}
