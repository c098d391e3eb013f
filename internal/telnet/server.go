// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

// Package telnet is the line-oriented front end. It accepts raw TCP
// connections, applies the blacklist, and feeds input lines to the
// gateway dispatcher until the connection authenticates or drops.
package telnet

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/mudcore/gatekeeper/internal/account"
	"github.com/mudcore/gatekeeper/internal/acl"
	"github.com/mudcore/gatekeeper/internal/gateway"
	"github.com/mudcore/gatekeeper/internal/observability"
)

// resolveTimeout bounds the reverse DNS lookup per connection.
const resolveTimeout = 2 * time.Second

// HostResolver maps a remote address to the hostname used for ACL
// matching and connect history.
type HostResolver func(ctx context.Context, remoteAddr string) string

// SessionFunc receives an authenticated connection. The gateway's job
// ends here; the world side owns the link until it returns.
type SessionFunc func(ctx context.Context, acct *account.Account, rw io.ReadWriter) error

// Config carries the optional Server settings.
type Config struct {
	// Session is invoked after a successful login. Defaults to a
	// placeholder loop that only understands quit.
	Session SessionFunc

	// Resolver defaults to a reverse DNS lookup falling back to the
	// address literal.
	Resolver HostResolver

	// Logger. Defaults to a no-op logger.
	Logger *slog.Logger

	// Metrics counts connection outcomes when set.
	Metrics *observability.Metrics
}

// Server accepts telnet connections and runs the login gateway on each.
type Server struct {
	addr       string
	acls       *acl.Engine
	dispatcher *gateway.Dispatcher
	sessions   *gateway.Sessions
	session    SessionFunc
	resolver   HostResolver
	logger     *slog.Logger
	metrics    *observability.Metrics

	mu       sync.RWMutex
	listener net.Listener
	alive    map[ulid.ULID]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a Server listening on addr once Run is called.
func NewServer(addr string, acls *acl.Engine, dispatcher *gateway.Dispatcher, sessions *gateway.Sessions, cfg Config) (*Server, error) {
	if acls == nil {
		return nil, oops.Errorf("acl engine is required")
	}
	if dispatcher == nil {
		return nil, oops.Errorf("dispatcher is required")
	}
	if sessions == nil {
		return nil, oops.Errorf("sessions registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = lookupHost
	}
	return &Server{
		addr:       addr,
		acls:       acls,
		dispatcher: dispatcher,
		sessions:   sessions,
		session:    cfg.Session,
		resolver:   resolver,
		logger:     logger,
		metrics:    cfg.Metrics,
		alive:      make(map[ulid.ULID]struct{}),
	}, nil
}

// Addr returns the bound listen address, or "" before Run.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Alive reports whether a connection is still open. Wired into the
// flood guard's sweep.
func (s *Server) Alive(id ulid.ULID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.alive[id]
	return ok
}

func (s *Server) track(id ulid.ULID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive[id] = struct{}{}
}

func (s *Server) untrack(id ulid.ULID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alive, id)
}

// Run listens and serves until the context is cancelled. It returns
// once every connection handler has finished.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return oops.With("addr", s.addr).Wrapf(err, "failed to listen")
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "telnet server started",
		"event", "server_started",
		"addr", listener.Addr().String(),
	)

	go func() {
		<-ctx.Done()
		if err := listener.Close(); err != nil {
			s.logger.DebugContext(ctx, "error closing listener", "error", err)
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				s.logger.ErrorContext(ctx, "accept failed", "error", err)
				continue
			}
		}

		h := newConnHandler(s, conn)
		s.track(h.id)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(h.id)
			h.handle(ctx)
		}()
	}
}

// lookupHost resolves the peer address to a hostname, falling back to
// the address literal when reverse DNS fails.
func lookupHost(ctx context.Context, remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	names, err := net.DefaultResolver.LookupAddr(ctx, host)
	if err != nil || len(names) == 0 {
		return host
	}
	return strings.ToLower(strings.TrimSuffix(names[0], "."))
}
