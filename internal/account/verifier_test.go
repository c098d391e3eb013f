// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package account_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mudcore/gatekeeper/internal/account"
	"github.com/mudcore/gatekeeper/internal/audit"
	"github.com/mudcore/gatekeeper/internal/lag"
	"github.com/mudcore/gatekeeper/internal/lockout"
	"github.com/mudcore/gatekeeper/internal/uptime"
)

type fixedLag time.Duration

func (f fixedLag) Current() time.Duration { return time.Duration(f) }

type presence struct {
	count     int
	connected map[string]bool
}

func (p presence) ConnectedCount() int          { return p.count }
func (p presence) IsConnected(name string) bool { return p.connected[name] }

type wizard struct{}

func (wizard) Privileged() bool { return true }

type verifierFixture struct {
	dir      *account.MemoryDirectory
	hasher   *account.Argon2Hasher
	lockouts *lockout.Registry
	sink     *audit.MemorySink
	verifier *account.Verifier
	now      *time.Time
}

func newVerifierFixture(t *testing.T, caps lag.Caps) *verifierFixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	f := &verifierFixture{
		dir:    account.NewMemoryDirectory(),
		hasher: account.NewArgon2Hasher(),
		sink:   audit.NewMemorySink(),
		now:    &now,
	}

	clock := uptime.NewClockWithNow(func() time.Time { return *f.now })
	var err error
	f.lockouts, err = lockout.NewRegistry(clock, f.sink)
	require.NoError(t, err)

	if caps.Normal == 0 {
		caps = lag.Caps{Normal: 100, Lagged: 100}
	}
	admission, err := lag.NewController(fixedLag(0), lag.ControllerConfig{Caps: caps})
	require.NoError(t, err)

	f.verifier, err = account.NewVerifier(f.dir, f.hasher, f.lockouts, admission, f.sink)
	require.NoError(t, err)
	return f
}

func (f *verifierFixture) addAccount(t *testing.T, name, password string) *account.Account {
	t.Helper()
	cred := account.CredentialAny
	if password != "" {
		var err error
		cred, err = f.hasher.Hash(password)
		require.NoError(t, err)
	}
	acct := &account.Account{ID: account.NewULID(), Name: name, Credential: cred}
	require.NoError(t, f.dir.Insert(context.Background(), acct))
	return acct
}

func TestVerifier_BeginConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown name gets the generic rejection", func(t *testing.T) {
		f := newVerifierFixture(t, lag.Caps{})
		res := f.verifier.BeginConnect(ctx, "Ghost", "pw", "h.example.com", presence{})
		assert.Equal(t, account.ResultRejected, res.Kind)
		assert.Equal(t, account.RejectMessage, res.Message)
		assert.Len(t, f.sink.Entries(), 1)
	})

	t.Run("missing password arms the two-step flow", func(t *testing.T) {
		f := newVerifierFixture(t, lag.Caps{})
		acct := f.addAccount(t, "Alice", "sekret")

		res := f.verifier.BeginConnect(ctx, "Alice", "", "h.example.com", presence{})
		assert.Equal(t, account.ResultAwaitPassword, res.Kind)
		assert.Same(t, acct, res.Account)
	})

	t.Run("inline password verifies immediately", func(t *testing.T) {
		f := newVerifierFixture(t, lag.Caps{})
		f.addAccount(t, "Alice", "sekret")

		res := f.verifier.BeginConnect(ctx, "Alice", "sekret", "h.example.com", presence{})
		require.Equal(t, account.ResultAuthenticated, res.Kind)
		assert.Equal(t, "h.example.com", res.Account.LastConnectHost)
	})

	t.Run("passwordless account skips verification", func(t *testing.T) {
		f := newVerifierFixture(t, lag.Caps{})
		f.addAccount(t, "Bot", "")

		res := f.verifier.BeginConnect(ctx, "Bot", "", "h.example.com", presence{})
		assert.Equal(t, account.ResultAuthenticated, res.Kind)
	})

	t.Run("cleared credential is rejected even with a password", func(t *testing.T) {
		f := newVerifierFixture(t, lag.Caps{})
		acct := &account.Account{ID: account.NewULID(), Name: "Husk", Credential: account.CredentialNone}
		require.NoError(t, f.dir.Insert(ctx, acct))

		res := f.verifier.BeginConnect(ctx, "Husk", "anything", "h.example.com", presence{})
		assert.Equal(t, account.ResultRejected, res.Kind)
	})

	t.Run("resolve accepts the id literal form", func(t *testing.T) {
		f := newVerifierFixture(t, lag.Caps{})
		acct := f.addAccount(t, "Alice", "sekret")

		res := f.verifier.BeginConnect(ctx, "#"+acct.ID.String(), "sekret", "h.example.com", presence{})
		assert.Equal(t, account.ResultAuthenticated, res.Kind)
	})
}

func TestVerifier_ResumeConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("wrong password rejects and audits", func(t *testing.T) {
		f := newVerifierFixture(t, lag.Caps{})
		acct := f.addAccount(t, "Alice", "sekret")

		res := f.verifier.ResumeConnect(ctx, acct, "wrongpw", "h.example.com", presence{})
		assert.Equal(t, account.ResultRejected, res.Kind)
		assert.Equal(t, account.RejectMessage, res.Message)

		entries := f.sink.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, audit.KindLoginFailed, entries[0].Kind)
		assert.Contains(t, entries[0].Message, "unfamiliar host")
	})

	t.Run("failure from a known host is noted as such", func(t *testing.T) {
		f := newVerifierFixture(t, lag.Caps{})
		acct := f.addAccount(t, "Alice", "sekret")
		acct.RecordConnection(time.Now(), "h.example.com")

		_ = f.verifier.ResumeConnect(ctx, acct, "wrongpw", "h.example.com", presence{})
		entries := f.sink.Entries()
		require.Len(t, entries, 1)
		assert.Contains(t, entries[0].Message, "known host")
	})

	t.Run("correct password authenticates", func(t *testing.T) {
		f := newVerifierFixture(t, lag.Caps{})
		acct := f.addAccount(t, "Alice", "sekret")

		res := f.verifier.ResumeConnect(ctx, acct, "sekret", "h.example.com", presence{})
		assert.Equal(t, account.ResultAuthenticated, res.Kind)
	})
}

func TestVerifier_PolicyChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("locked-out account boots despite matching password", func(t *testing.T) {
		f := newVerifierFixture(t, lag.Caps{})
		f.addAccount(t, "Alice", "sekret")
		require.NoError(t, f.lockouts.Newt(wizard{}, "Alice"))

		res := f.verifier.BeginConnect(ctx, "Alice", "sekret", "h.example.com", presence{})
		assert.Equal(t, account.ResultBooted, res.Kind)
		assert.Contains(t, res.Message, "suspended")
	})

	t.Run("temporary lockout reports remaining uptime", func(t *testing.T) {
		f := newVerifierFixture(t, lag.Caps{})
		f.addAccount(t, "Alice", "sekret")
		require.NoError(t, f.lockouts.NewtFor(wizard{}, "Alice", *f.now, time.Hour))

		res := f.verifier.BeginConnect(ctx, "Alice", "sekret", "h.example.com", presence{})
		assert.Equal(t, account.ResultBooted, res.Kind)
		assert.Contains(t, res.Message, "1h0m0s")
	})

	t.Run("full server boots a non-exempt account", func(t *testing.T) {
		f := newVerifierFixture(t, lag.Caps{Normal: 2, Lagged: 2})
		f.addAccount(t, "Alice", "sekret")

		res := f.verifier.BeginConnect(ctx, "Alice", "sekret", "h.example.com", presence{count: 2})
		assert.Equal(t, account.ResultBooted, res.Kind)
		assert.Contains(t, res.Message, "players connected")
	})

	t.Run("already-connected account is admitted past the cap", func(t *testing.T) {
		f := newVerifierFixture(t, lag.Caps{Normal: 2, Lagged: 2})
		f.addAccount(t, "Alice", "sekret")

		res := f.verifier.BeginConnect(ctx, "Alice", "sekret", "h.example.com",
			presence{count: 2, connected: map[string]bool{"Alice": true}})
		assert.Equal(t, account.ResultAuthenticated, res.Kind)
	})
}
