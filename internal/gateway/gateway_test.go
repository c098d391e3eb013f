// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package gateway

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// testConn is an in-memory Conn for handler and dispatcher tests.
type testConn struct {
	id     ulid.ULID
	host   string
	sent   []string
	masked bool
}

func newTestConn(host string) *testConn {
	return &testConn{id: ulid.Make(), host: host}
}

func (c *testConn) ID() ulid.ULID     { return c.id }
func (c *testConn) Host() string      { return c.host }
func (c *testConn) Send(msg string)   { c.sent = append(c.sent, msg) }
func (c *testConn) SetMasked(on bool) { c.masked = on }

func (c *testConn) lastSent() string {
	if len(c.sent) == 0 {
		return ""
	}
	return c.sent[len(c.sent)-1]
}

// fakeHasher keeps tests fast by skipping argon2.
type fakeHasher struct{}

func (fakeHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("empty password")
	}
	return "h:" + password, nil
}

func (fakeHasher) Verify(password, credential string) (bool, error) {
	return credential == "h:"+password, nil
}

// fakeLag is a fixed lag source.
type fakeLag struct{ lag time.Duration }

func (f fakeLag) Current() time.Duration { return f.lag }

// wizard satisfies every privileged-actor interface in tests.
type wizard struct{}

func (wizard) Privileged() bool { return true }
