// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/oops"

	"github.com/mudcore/gatekeeper/internal/audit"
	"github.com/mudcore/gatekeeper/internal/lag"
	"github.com/mudcore/gatekeeper/internal/lockout"
)

// RejectMessage is the deliberately uninformative reply to a failed
// login. It never distinguishes an unknown name from a wrong password.
const RejectMessage = "Either that player does not exist, or has a different password."

// dummyCredential is verified against when the named account does not
// exist, keeping response time independent of account existence. It can
// never match a real password.
const dummyCredential = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// Presence reports the connected-player state the admission check needs.
// It is implemented by the gateway session registry.
type Presence interface {
	// ConnectedCount returns the number of authenticated connections.
	ConnectedCount() int

	// IsConnected reports whether the named account already holds an
	// authenticated connection.
	IsConnected(name string) bool
}

// ResultKind classifies the outcome of a login step.
type ResultKind int

// Login step outcomes.
const (
	// ResultRejected leaves the connection at the prompt with a generic
	// failure message.
	ResultRejected ResultKind = iota

	// ResultAwaitPassword means a password prompt is now in flight; the
	// caller must arm an interception for Result.Account and mask input.
	ResultAwaitPassword

	// ResultBooted disconnects the connection with Result.Message.
	ResultBooted

	// ResultAuthenticated promotes the connection to a session for
	// Result.Account.
	ResultAuthenticated
)

// Result is the outcome of BeginConnect or ResumeConnect.
type Result struct {
	Kind    ResultKind
	Account *Account
	Message string
}

// Verifier resolves typed names to accounts and validates passwords,
// including the two-step prompt-then-verify flow.
type Verifier struct {
	directory Directory
	hasher    PasswordHasher
	lockouts  *lockout.Registry
	admission *lag.Controller
	sink      audit.Sink
	logger    *slog.Logger
	now       func() time.Time
}

// NewVerifier creates a Verifier with a no-op logger.
func NewVerifier(directory Directory, hasher PasswordHasher, lockouts *lockout.Registry, admission *lag.Controller, sink audit.Sink) (*Verifier, error) {
	return NewVerifierWithLogger(directory, hasher, lockouts, admission, sink, slog.New(slog.DiscardHandler))
}

// NewVerifierWithLogger creates a Verifier with the provided logger.
func NewVerifierWithLogger(directory Directory, hasher PasswordHasher, lockouts *lockout.Registry, admission *lag.Controller, sink audit.Sink, logger *slog.Logger) (*Verifier, error) {
	if directory == nil {
		return nil, oops.Errorf("directory is required")
	}
	if hasher == nil {
		return nil, oops.Errorf("password hasher is required")
	}
	if lockouts == nil {
		return nil, oops.Errorf("lockout registry is required")
	}
	if admission == nil {
		return nil, oops.Errorf("admission controller is required")
	}
	if sink == nil {
		return nil, oops.Errorf("audit sink is required")
	}
	if logger == nil {
		return nil, oops.Errorf("logger is required")
	}
	return &Verifier{
		directory: directory,
		hasher:    hasher,
		lockouts:  lockouts,
		admission: admission,
		sink:      sink,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// BeginConnect starts a login for the typed name. If the account needs a
// password and none was supplied inline, the result is
// ResultAwaitPassword and the caller must feed the next raw line to
// ResumeConnect.
func (v *Verifier) BeginConnect(ctx context.Context, name, password, host string, presence Presence) Result {
	acct, err := v.directory.Resolve(ctx, name)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			v.logger.ErrorContext(ctx, "directory lookup failed",
				"event", "directory_error",
				"name", name,
				"error", err,
			)
		}
		// Burn a verification anyway so unknown names take as long as
		// wrong passwords.
		if password != "" {
			_, _ = v.hasher.Verify(password, dummyCredential)
		}
		v.auditFailure(ctx, name, host, nil)
		return Result{Kind: ResultRejected, Message: RejectMessage}
	}

	if acct.Credential == CredentialNone {
		v.auditFailure(ctx, name, host, acct)
		return Result{Kind: ResultRejected, Message: RejectMessage}
	}

	if acct.Passwordless() {
		return v.complete(ctx, acct, host, presence)
	}

	if password != "" {
		return v.ResumeConnect(ctx, acct, password, host, presence)
	}

	return Result{Kind: ResultAwaitPassword, Account: acct}
}

// ResumeConnect verifies a password for an already-resolved account.
// The dispatcher routes the next raw line of an intercepted connection
// here.
func (v *Verifier) ResumeConnect(ctx context.Context, acct *Account, password, host string, presence Presence) Result {
	ok, err := v.hasher.Verify(password, acct.Credential)
	if err != nil {
		v.logger.ErrorContext(ctx, "credential verification failed",
			"event", "credential_error",
			"account", acct.Name,
			"error", err,
		)
		ok = false
	}
	if !ok {
		v.auditFailure(ctx, acct.Name, host, acct)
		return Result{Kind: ResultRejected, Message: RejectMessage}
	}
	return v.complete(ctx, acct, host, presence)
}

// complete runs the post-password policy checks. A locked-out or
// lag-rejected account is booted even though the password matched.
func (v *Verifier) complete(ctx context.Context, acct *Account, host string, presence Presence) Result {
	switch res := v.lockouts.Check(ctx, acct.Name); res.Status {
	case lockout.Permanent:
		return Result{
			Kind:    ResultBooted,
			Message: "Your account has been suspended. Contact the administrators if you believe this is in error.",
		}
	case lockout.Temporary:
		return Result{
			Kind: ResultBooted,
			Message: fmt.Sprintf(
				"Your account is suspended for another %s of server uptime.",
				res.Remaining.Round(time.Second)),
		}
	case lockout.Clear:
	}

	decision := v.admission.Admit(candidate{acct}, presence.ConnectedCount(), presence.IsConnected(acct.Name))
	if !decision.Allowed {
		// The attempt timestamp changed; persist it best effort.
		_ = v.directory.Update(ctx, acct) //nolint:errcheck // Best effort
		return Result{Kind: ResultBooted, Message: decision.Message}
	}

	acct.RecordConnection(v.now(), host)
	if err := v.directory.Update(ctx, acct); err != nil {
		// Login proceeds; history is advisory.
		v.logger.WarnContext(ctx, "failed to persist connect history",
			"event", "history_update_failed",
			"account", acct.Name,
			"error", err,
		)
	}

	v.logger.InfoContext(ctx, "login succeeded",
		"event", "login_succeeded",
		"account", acct.Name,
		"host", host,
	)
	return Result{Kind: ResultAuthenticated, Account: acct}
}

// candidate adapts an Account to the admission controller's view.
type candidate struct{ acct *Account }

func (c candidate) Name() string                    { return c.acct.Name }
func (c candidate) Privileged() bool                { return c.acct.Privileged() }
func (c candidate) NoteConnectAttempt(at time.Time) { c.acct.NoteConnectAttempt(at) }

// auditFailure appends the operator-facing record of a failed login.
// acct is nil when the name did not resolve.
func (v *Verifier) auditFailure(ctx context.Context, name, host string, acct *Account) {
	hostNote := "unfamiliar host"
	if acct != nil && acct.KnownHost(host) {
		hostNote = "known host"
	}
	v.sink.Record(ctx, audit.KindLoginFailed,
		fmt.Sprintf("Failed connect to %s from %s (%s).", name, host, hostNote))
}
