// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

// Package gateway routes raw login-prompt input to handlers and tracks
// the state of not-yet-authenticated connections.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mudcore/gatekeeper/internal/account"
)

// Conn is the transport-side view of a raw connection. Implemented by
// the telnet front end.
type Conn interface {
	// ID identifies the connection for the flood guard registry.
	ID() ulid.ULID

	// Host is the resolved remote hostname or address literal.
	Host() string

	// Send writes one line to the client. Best effort.
	Send(msg string)

	// SetMasked switches client-side input masking, used while a
	// password prompt is in flight.
	SetMasked(on bool)
}

// Interception is a one-shot override arming the next raw line to a
// resume handler instead of normal dispatch. At most one may be
// outstanding per connection; it is consumed exactly once, whether or
// not the resumed operation succeeds.
type Interception struct {
	Handler string
	Account *account.Account
	Args    []string
	resume  func(ctx context.Context, conn *Connection, line string) Outcome
}

// Connection is the gateway-side state of one unauthenticated link.
type Connection struct {
	conn    Conn
	started time.Time

	mu      sync.Mutex
	pending *Interception
}

// NewConnection wraps a transport connection.
func NewConnection(conn Conn) *Connection {
	return &Connection{conn: conn, started: time.Now()}
}

// ID returns the transport connection id.
func (c *Connection) ID() ulid.ULID { return c.conn.ID() }

// Host returns the remote hostname.
func (c *Connection) Host() string { return c.conn.Host() }

// Send writes one line to the client.
func (c *Connection) Send(msg string) { c.conn.Send(msg) }

// SetMasked toggles transport-side input masking.
func (c *Connection) SetMasked(on bool) { c.conn.SetMasked(on) }

// Intercept arms a pending interception, replacing any previous one.
func (c *Connection) Intercept(i *Interception) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = i
}

// takePending consumes the pending interception, if any.
func (c *Connection) takePending() *Interception {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.pending
	c.pending = nil
	return i
}

// Intercepted reports whether a password prompt is in flight.
func (c *Connection) Intercepted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}
