// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package telnet

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/mudcore/gatekeeper/internal/acl"
	"github.com/mudcore/gatekeeper/internal/gateway"
)

// Telnet protocol bytes used for ECHO negotiation.
const (
	telnetIAC  = 255
	telnetWill = 251
	telnetWont = 252
	telnetDo   = 253
	telnetDont = 254
	telnetSB   = 250
	telnetSE   = 240
	optEcho    = 1
)

// connHandler owns a single telnet connection from accept to close. It
// is the gateway.Conn implementation for this front end.
type connHandler struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	id     ulid.ULID
	host   string
}

func newConnHandler(s *Server, conn net.Conn) *connHandler {
	return &connHandler{
		server: s,
		conn:   conn,
		reader: bufio.NewReader(conn),
		id:     ulid.Make(),
	}
}

// ID identifies the connection for the flood guard.
func (h *connHandler) ID() ulid.ULID { return h.id }

// Host returns the resolved remote hostname.
func (h *connHandler) Host() string { return h.host }

// Send writes one line to the client. Best effort.
func (h *connHandler) Send(msg string) {
	if _, err := fmt.Fprintf(h.conn, "%s\r\n", msg); err != nil {
		h.server.logger.Debug("failed to send to client",
			"conn_id", h.id.String(),
			"error", err,
		)
	}
}

// SetMasked toggles client-side echo suppression around password
// prompts. The server claiming ECHO stops a conforming client from
// echoing locally.
func (h *connHandler) SetMasked(on bool) {
	verb := byte(telnetWont)
	if on {
		verb = telnetWill
	}
	if _, err := h.conn.Write([]byte{telnetIAC, verb, optEcho}); err != nil {
		h.server.logger.Debug("echo negotiation failed",
			"conn_id", h.id.String(),
			"error", err,
		)
	}
}

// handle runs the connection until it closes, is booted, or hands off
// to the session side after authentication.
func (h *connHandler) handle(ctx context.Context) {
	defer func() {
		if err := h.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			h.server.logger.Debug("error closing connection", "error", err)
		}
	}()

	h.host = h.server.resolver(ctx, h.conn.RemoteAddr().String())

	if listed, err := h.server.acls.IsListed(acl.Blacklist, h.host); err == nil && listed {
		h.server.logger.Info("blacklisted connection refused",
			"event", "blacklist_refused",
			"conn_id", h.id.String(),
			"host", h.host,
		)
		h.Send("*** Connections from your host are not permitted. ***")
		h.server.metrics.RecordConnection("refused")
		return
	}

	h.server.logger.Info("connection accepted",
		"event", "connection_accepted",
		"conn_id", h.id.String(),
		"host", h.host,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	gwConn := gateway.NewConnection(h)
	defer h.server.dispatcher.Release(gwConn)

	// Empty input routes to the welcome banner.
	h.server.dispatcher.Dispatch(ctx, gwConn, "")

	lineCh := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		for {
			line, err := h.reader.ReadString('\n')
			if err != nil {
				errCh <- err
				return
			}
			select {
			case lineCh <- sanitizeLine(line):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.server.metrics.RecordConnection("dropped")
			return

		case err := <-errCh:
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				h.server.logger.Debug("connection read error",
					"conn_id", h.id.String(),
					"error", err,
				)
			}
			h.server.metrics.RecordConnection("dropped")
			return

		case line := <-lineCh:
			out := h.server.dispatcher.Dispatch(ctx, gwConn, line)
			switch out.Kind {
			case gateway.Boot:
				h.server.metrics.RecordConnection("booted")
				return
			case gateway.Authenticated:
				h.server.metrics.RecordConnection("authenticated")
				h.runSession(ctx, gwConn, out, lineCh, errCh)
				return
			case gateway.Stay:
			}
		}
	}
}

// runSession hands the authenticated connection to the session side and
// keeps presence accurate until it ends.
func (h *connHandler) runSession(ctx context.Context, gwConn *gateway.Connection, out gateway.Outcome, lineCh chan string, errCh chan error) {
	name := out.Account.Name
	h.server.sessions.Connect(name)
	defer h.server.sessions.Disconnect(name)
	h.server.dispatcher.Release(gwConn)

	if h.server.session != nil {
		if err := h.server.session(ctx, out.Account, h.conn); err != nil {
			h.server.logger.Error("session ended with error",
				"event", "session_error",
				"account", name,
				"error", err,
			)
		}
		return
	}

	// Placeholder session loop until a world side is wired.
	for {
		select {
		case <-ctx.Done():
			return
		case <-errCh:
			return
		case line := <-lineCh:
			if strings.EqualFold(strings.TrimSpace(line), "quit") {
				h.Send("Goodbye.")
				return
			}
			h.Send("The world is not connected yet. Type quit to disconnect.")
		}
	}
}

// sanitizeLine trims the line ending and strips telnet command
// sequences a negotiating client may interleave with its input.
func sanitizeLine(line string) string {
	raw := []byte(strings.TrimRight(line, "\r\n"))
	out := raw[:0]
	for i := 0; i < len(raw); i++ {
		if raw[i] != telnetIAC {
			out = append(out, raw[i])
			continue
		}
		if i+1 >= len(raw) {
			break
		}
		switch raw[i+1] {
		case telnetWill, telnetWont, telnetDo, telnetDont:
			i += 2 // IAC verb option
		case telnetSB:
			// Skip to IAC SE.
			for i += 2; i+1 < len(raw); i++ {
				if raw[i] == telnetIAC && raw[i+1] == telnetSE {
					i++
					break
				}
			}
		case telnetIAC:
			out = append(out, telnetIAC)
			i++
		default:
			i++
		}
	}
	return strings.TrimSpace(string(out))
}
