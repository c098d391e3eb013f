// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/samber/oops"
)

// Error codes for dispatcher configuration.
const (
	CodeUnknownHandler   = "GATEWAY_UNKNOWN_HANDLER"
	CodeDuplicateHandler = "GATEWAY_DUPLICATE_HANDLER"
)

// HandlerFunc processes one login-prompt command.
type HandlerFunc func(ctx context.Context, conn *Connection, args []string) Outcome

// handlerEntry is one registered handler. Only public handlers are
// reachable from raw input; the rest are programmatic entry points.
type handlerEntry struct {
	name   string
	fn     HandlerFunc
	public bool
}

// Dispatcher routes raw lines from unauthenticated connections to
// handlers, honoring pending interceptions and the flood guard.
type Dispatcher struct {
	mu          sync.RWMutex
	handlers    map[string]handlerEntry
	defaultName string
	unknownName string

	flood  *FloodGuard
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher with a no-op logger.
func NewDispatcher(flood *FloodGuard) (*Dispatcher, error) {
	return NewDispatcherWithLogger(flood, slog.New(slog.DiscardHandler))
}

// NewDispatcherWithLogger creates a Dispatcher with the provided logger.
func NewDispatcherWithLogger(flood *FloodGuard, logger *slog.Logger) (*Dispatcher, error) {
	if flood == nil {
		return nil, oops.Errorf("flood guard is required")
	}
	if logger == nil {
		return nil, oops.Errorf("logger is required")
	}
	return &Dispatcher{
		handlers: make(map[string]handlerEntry),
		flood:    flood,
		logger:   logger,
	}, nil
}

// Register adds a handler. Public handlers are routable from raw input;
// non-public ones only through Invoke.
func (d *Dispatcher) Register(name string, fn HandlerFunc, public bool) error {
	name = strings.ToLower(name)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[name]; ok {
		return oops.Code(CodeDuplicateHandler).
			With("handler", name).
			Errorf("handler %q already registered", name)
	}
	d.handlers[name] = handlerEntry{name: name, fn: fn, public: public}
	return nil
}

// SetDefault names the handler that receives empty lines.
func (d *Dispatcher) SetDefault(name string) error {
	return d.setSpecial(&d.defaultName, name)
}

// SetUnknown names the handler that receives unrecognized commands.
func (d *Dispatcher) SetUnknown(name string) error {
	return d.setSpecial(&d.unknownName, name)
}

func (d *Dispatcher) setSpecial(field *string, name string) error {
	name = strings.ToLower(name)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[name]; !ok {
		return oops.Code(CodeUnknownHandler).
			With("handler", name).
			Errorf("handler %q is not registered", name)
	}
	*field = name
	return nil
}

// Dispatch routes one raw line. The flood guard wraps every call; a
// connection over the ceiling is told so and booted. A pending
// interception consumes the line wholesale, bypassing tokenization.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *Connection, rawLine string) Outcome {
	if d.flood.Note(conn.ID()) {
		d.logger.WarnContext(ctx, "connection exceeded command ceiling",
			"event", "flood_boot",
			"conn_id", conn.ID().String(),
			"host", conn.Host(),
		)
		conn.Send("*** Too many commands. Goodbye. ***")
		return boot()
	}

	if pending := conn.takePending(); pending != nil {
		return pending.resume(ctx, conn, rawLine)
	}

	fields := strings.Fields(rawLine)
	if len(fields) == 0 {
		return d.route(ctx, conn, d.defaultName, nil, rawLine)
	}

	token := strings.ToLower(fields[0])
	args := fields[1:]

	if name, ok := d.match(token); ok {
		return d.route(ctx, conn, name, args, rawLine)
	}
	return d.route(ctx, conn, d.unknownName, fields, rawLine)
}

// match finds the public handler for a token: an exact name or an
// unambiguous prefix of one.
func (d *Dispatcher) match(token string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if entry, ok := d.handlers[token]; ok && entry.public {
		return entry.name, true
	}

	found := ""
	for name, entry := range d.handlers {
		if !entry.public || !strings.HasPrefix(name, token) {
			continue
		}
		if found != "" {
			return "", false // ambiguous
		}
		found = name
	}
	return found, found != ""
}

func (d *Dispatcher) route(ctx context.Context, conn *Connection, name string, args []string, rawLine string) Outcome {
	if name == "" {
		// No default/unknown handler configured; stay silent.
		d.logger.DebugContext(ctx, "unroutable input",
			"event", "unroutable_input",
			"conn_id", conn.ID().String(),
			"line", rawLine,
		)
		return stay()
	}

	d.mu.RLock()
	entry, ok := d.handlers[name]
	d.mu.RUnlock()
	if !ok {
		return stay()
	}
	return entry.fn(ctx, conn, args)
}

// Invoke calls a handler by name, including programmatic entry points
// not reachable from raw input.
func (d *Dispatcher) Invoke(ctx context.Context, conn *Connection, name string, args []string) (Outcome, error) {
	d.mu.RLock()
	entry, ok := d.handlers[strings.ToLower(name)]
	d.mu.RUnlock()
	if !ok {
		return stay(), oops.Code(CodeUnknownHandler).
			With("handler", name).
			Errorf("handler %q is not registered", name)
	}
	return entry.fn(ctx, conn, args), nil
}

// Release drops flood-guard state for a closed or promoted connection.
func (d *Dispatcher) Release(conn *Connection) {
	d.flood.Forget(conn.ID())
}
