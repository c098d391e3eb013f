// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

//go:build integration

package integration

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/mudcore/gatekeeper/internal/account"
	"github.com/mudcore/gatekeeper/internal/acl"
	"github.com/mudcore/gatekeeper/internal/audit"
	"github.com/mudcore/gatekeeper/internal/gateway"
	"github.com/mudcore/gatekeeper/internal/lag"
	"github.com/mudcore/gatekeeper/internal/lockout"
	"github.com/mudcore/gatekeeper/internal/telnet"
	"github.com/mudcore/gatekeeper/internal/uptime"
)

// steadySource reports a configurable lag reading.
type steadySource struct {
	lag atomic.Int64
}

func (s *steadySource) Current() time.Duration {
	return time.Duration(s.lag.Load())
}

// operator stands in for a wizard mutating process-wide state.
type operator struct{}

func (operator) Privileged() bool { return true }

// gateEnv runs a full gateway on a loopback listener.
type gateEnv struct {
	addr        string
	acls        *acl.Engine
	lockouts    *lockout.Registry
	clock       *uptime.Clock
	provisioner *account.Provisioner
	sessions    *gateway.Sessions
	source      *steadySource
	host        string // every connection resolves to this hostname

	mu  sync.Mutex
	now time.Time

	cancel context.CancelFunc
	doneCh chan struct{}
}

func startGateEnv(host string) *gateEnv {
	env := &gateEnv{
		host:   host,
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		source: &steadySource{},
		doneCh: make(chan struct{}),
	}

	logger := slog.New(slog.DiscardHandler)
	env.clock = uptime.NewClockWithNow(env.Now)

	var err error
	env.acls, err = acl.NewEngine(env.clock)
	Expect(err).NotTo(HaveOccurred())

	sink := audit.NewMemorySink()
	env.lockouts, err = lockout.NewRegistry(env.clock, sink)
	Expect(err).NotTo(HaveOccurred())

	admission, err := lag.NewController(env.source, lag.ControllerConfig{
		Caps: lag.Caps{Normal: 50, Lagged: 1, Cutoff: 4 * time.Second},
		Now:  env.Now,
	})
	Expect(err).NotTo(HaveOccurred())

	directory := account.NewMemoryDirectory()
	hasher := account.NewArgon2Hasher()

	verifier, err := account.NewVerifier(directory, hasher, env.lockouts, admission, sink)
	Expect(err).NotTo(HaveOccurred())

	env.provisioner, err = account.NewProvisioner(directory, hasher, sink, account.ProvisionerConfig{
		CreationEnabled: true,
		Now:             env.Now,
	})
	Expect(err).NotTo(HaveOccurred())

	env.sessions = gateway.NewSessions()

	dispatcher, err := gateway.NewDispatcher(gateway.NewFloodGuard(100, nil))
	Expect(err).NotTo(HaveOccurred())

	handlers, err := gateway.NewHandlers(verifier, env.provisioner, env.acls, env.sessions, env.clock, sink, gateway.HandlersConfig{
		Version: "integration",
	})
	Expect(err).NotTo(HaveOccurred())
	Expect(handlers.Register(dispatcher)).To(Succeed())

	srv, err := telnet.NewServer("127.0.0.1:0", env.acls, dispatcher, env.sessions, telnet.Config{
		Logger: logger,
		Resolver: func(context.Context, string) string {
			return env.host
		},
	})
	Expect(err).NotTo(HaveOccurred())

	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	go func() {
		defer close(env.doneCh)
		_ = srv.Run(ctx)
	}()

	Eventually(srv.Addr, 5*time.Second, 10*time.Millisecond).ShouldNot(BeEmpty())
	env.addr = srv.Addr()
	return env
}

func (e *gateEnv) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// Advance moves wall time forward. With no recorded downtime this also
// advances elapsed uptime.
func (e *gateEnv) Advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

func (e *gateEnv) Stop() {
	e.cancel()
	Eventually(e.doneCh, 5*time.Second).Should(BeClosed())
}

// client is a scripted telnet connection.
type client struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialGate(addr string) *client {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	Expect(err).NotTo(HaveOccurred())
	return &client{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *client) send(line string) {
	Expect(c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
	_, err := fmt.Fprintf(c.conn, "%s\r\n", line)
	Expect(err).NotTo(HaveOccurred())
}

// readLine returns the next non-empty line, with telnet negotiation
// bytes stripped.
func (c *client) readLine() string {
	for {
		Expect(c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
		raw, err := c.reader.ReadString('\n')
		if err != nil && raw == "" {
			Expect(err).NotTo(HaveOccurred())
		}
		line := stripTelnet(raw)
		if line != "" {
			return line
		}
		if err != nil {
			return ""
		}
	}
}

// expectLine waits for an output line containing want.
func (c *client) expectLine(want string) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		line := c.readLine()
		if strings.Contains(line, want) {
			return
		}
	}
	Fail(fmt.Sprintf("did not receive a line containing %q", want))
}

// closed reports whether the server has hung up.
func (c *client) closed() bool {
	Expect(c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
	for {
		if _, err := c.reader.ReadString('\n'); err != nil {
			return true
		}
	}
}

func (c *client) close() {
	_ = c.conn.Close()
}

func stripTelnet(raw string) string {
	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		if ch == 0xFF && i+2 < len(raw) {
			i += 2
			continue
		}
		if ch >= 0x20 && ch < 0x7F {
			b.WriteByte(ch)
		}
	}
	return strings.TrimSpace(b.String())
}

var _ = Describe("Login gateway", func() {
	var env *gateEnv

	AfterEach(func() {
		if env != nil {
			env.Stop()
			env = nil
		}
	})

	Describe("password prompt", func() {
		BeforeEach(func() {
			env = startGateEnv("player.example.org")
			_, err := env.provisioner.CreateLocal(context.Background(), "Alice", "sesame")
			Expect(err).NotTo(HaveOccurred())
		})

		It("rejects a wrong password without naming the reason", func() {
			c := dialGate(env.addr)
			defer c.close()

			c.expectLine("Welcome to this server.")
			c.send("connect Alice")
			c.expectLine("Password:")
			c.send("wrong")
			c.expectLine("Either that player does not exist, or has a different password.")

			// Connection survives a failed attempt.
			c.send("connect Alice")
			c.expectLine("Password:")
			c.send("sesame")
			c.expectLine("*** Connected as Alice ***")
		})

		It("aborts the prompt on @abort", func() {
			c := dialGate(env.addr)
			defer c.close()

			c.expectLine("Welcome to this server.")
			c.send("connect Alice")
			c.expectLine("Password:")
			c.send("@abort")
			c.expectLine("Login aborted.")

			c.send("connect Alice sesame")
			c.expectLine("*** Connected as Alice ***")
		})
	})

	Describe("access control lists", func() {
		It("refuses account creation from a graylisted domain", func() {
			env = startGateEnv("dialup-17.example.com")
			Expect(env.acls.Add(operator{}, acl.Graylist, "*.example.com")).To(Succeed())
			_, err := env.provisioner.CreateLocal(context.Background(), "Alice", "sesame")
			Expect(err).NotTo(HaveOccurred())

			c := dialGate(env.addr)
			defer c.close()

			c.expectLine("Welcome to this server.")
			c.send("create Bob hunter2")
			c.expectLine("Account creation is not permitted from your host")

			// Existing accounts still connect.
			c.send("connect Alice sesame")
			c.expectLine("*** Connected as Alice ***")
		})

		It("drops blacklisted hosts before the banner", func() {
			env = startGateEnv("rogue.example.net")
			Expect(env.acls.Add(operator{}, acl.Blacklist, "rogue.example.net")).To(Succeed())

			c := dialGate(env.addr)
			defer c.close()

			c.expectLine("Connections from your host are not permitted")
			Expect(c.closed()).To(BeTrue())
		})

		It("expires temporary entries by elapsed uptime", func() {
			env = startGateEnv("rogue.example.net")
			Expect(env.acls.AddTemporary(operator{}, acl.Blacklist, "rogue.example.net", env.Now(), time.Hour)).To(Succeed())

			c := dialGate(env.addr)
			c.expectLine("Connections from your host are not permitted")
			c.close()

			env.Advance(2 * time.Hour)

			c = dialGate(env.addr)
			defer c.close()
			c.expectLine("Welcome to this server.")
		})
	})

	Describe("lockouts", func() {
		It("boots a suspended account after password verification", func() {
			env = startGateEnv("player.example.org")
			_, err := env.provisioner.CreateLocal(context.Background(), "Alice", "sesame")
			Expect(err).NotTo(HaveOccurred())
			Expect(env.lockouts.Newt(operator{}, "Alice")).To(Succeed())

			c := dialGate(env.addr)
			defer c.close()

			c.expectLine("Welcome to this server.")
			c.send("connect Alice sesame")
			c.expectLine("suspended")
			Expect(c.closed()).To(BeTrue())
		})
	})

	Describe("admission control", func() {
		It("turns players away once the lagged cap is reached", func() {
			env = startGateEnv("player.example.org")
			env.source.lag.Store(int64(10 * time.Second))
			_, err := env.provisioner.CreateLocal(context.Background(), "Alice", "sesame")
			Expect(err).NotTo(HaveOccurred())
			_, err = env.provisioner.CreateLocal(context.Background(), "Bob", "hunter2")
			Expect(err).NotTo(HaveOccurred())

			first := dialGate(env.addr)
			defer first.close()
			first.expectLine("Welcome to this server.")
			first.send("connect Alice sesame")
			first.expectLine("*** Connected as Alice ***")

			second := dialGate(env.addr)
			defer second.close()
			second.expectLine("Welcome to this server.")
			second.send("connect Bob hunter2")
			second.expectLine("Try again later")
		})
	})
})
