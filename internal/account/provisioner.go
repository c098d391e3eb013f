// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/samber/oops"

	"github.com/mudcore/gatekeeper/internal/audit"
)

// Error codes for provisioning failures.
const (
	CodeCreationDisabled = "PROVISION_DISABLED"
	CodeReloading        = "PROVISION_RELOADING"
	CodeInvalidName      = "PROVISION_INVALID_NAME"
	CodeNameTaken        = "PROVISION_NAME_TAKEN"
	CodeInvalidPassword  = "PROVISION_INVALID_PASSWORD"
	CodePermissionDenied = "PROVISION_PERMISSION_DENIED"
	CodeBadCredential    = "PROVISION_BAD_CREDENTIAL"
)

// Actor is anyone invoking a privileged provisioning operation.
type Actor interface {
	Privileged() bool
}

// Profile carries the subset of an OAuth2 profile the gateway keeps.
type Profile struct {
	Email string
}

// Placer relocates a freshly created account into the default starting
// location of the surrounding world.
type Placer interface {
	Place(ctx context.Context, acct *Account) error
}

// nopPlacer is used when no world integration is wired.
type nopPlacer struct{}

func (nopPlacer) Place(context.Context, *Account) error { return nil }

// Provisioner creates local accounts and manages OAuth2 identity
// linking.
//
// OAuth2Connect and OAuth2Create deliberately do not enforce global
// uniqueness of a (provider, externalID) tuple across accounts; callers
// that need uniqueness pre-check with OAuth2Check. This matches the
// long-standing behavior the admission front ends were built against.
type Provisioner struct {
	directory Directory
	hasher    PasswordHasher
	sink      audit.Sink
	placer    Placer
	logger    *slog.Logger
	now       func() time.Time

	creationEnabled atomic.Bool
	quota           int
}

// ProvisionerConfig configures a Provisioner.
type ProvisionerConfig struct {
	// CreationEnabled opens `create` at the login prompt.
	CreationEnabled bool

	// Quota granted to new accounts. Defaults to DefaultQuota if zero.
	Quota int

	// Placer for new accounts. Defaults to a no-op.
	Placer Placer

	// Logger. Defaults to a no-op logger.
	Logger *slog.Logger

	// Now is the time source. Defaults to time.Now.
	Now func() time.Time
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(directory Directory, hasher PasswordHasher, sink audit.Sink, cfg ProvisionerConfig) (*Provisioner, error) {
	if directory == nil {
		return nil, oops.Errorf("directory is required")
	}
	if hasher == nil {
		return nil, oops.Errorf("password hasher is required")
	}
	if sink == nil {
		return nil, oops.Errorf("audit sink is required")
	}
	quota := cfg.Quota
	if quota <= 0 {
		quota = DefaultQuota
	}
	placer := cfg.Placer
	if placer == nil {
		placer = nopPlacer{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	p := &Provisioner{
		directory: directory,
		hasher:    hasher,
		sink:      sink,
		placer:    placer,
		logger:    logger,
		now:       now,
		quota:     quota,
	}
	p.creationEnabled.Store(cfg.CreationEnabled)
	return p, nil
}

// CreationEnabled reports whether `create` is open.
func (p *Provisioner) CreationEnabled() bool {
	return p.creationEnabled.Load()
}

// SetCreationEnabled toggles `create` at runtime. Privileged.
func (p *Provisioner) SetCreationEnabled(actor Actor, v bool) error {
	if actor == nil || !actor.Privileged() {
		return oops.Code(CodePermissionDenied).
			Errorf("toggling account creation requires privilege")
	}
	p.creationEnabled.Store(v)
	return nil
}

// ValidateName rejects blank, bracket-wrapped, whitespace-bearing, and
// id-literal-shaped names.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return oops.Code(CodeInvalidName).Errorf("name cannot be blank")
	}
	if strings.HasPrefix(name, "<") && strings.HasSuffix(name, ">") {
		return oops.Code(CodeInvalidName).
			With("name", name).
			Errorf("name cannot be bracket-wrapped")
	}
	if strings.HasPrefix(name, "#") {
		return oops.Code(CodeInvalidName).
			With("name", name).
			Errorf("name cannot look like an object id")
	}
	for _, r := range name {
		if unicode.IsSpace(r) {
			return oops.Code(CodeInvalidName).
				With("name", name).
				Errorf("name cannot contain whitespace")
		}
	}
	return nil
}

// guardCreation runs the checks shared by local and OAuth2 creation.
func (p *Provisioner) guardCreation(ctx context.Context, name string) error {
	if !p.creationEnabled.Load() {
		return oops.Code(CodeCreationDisabled).
			Errorf("account creation is currently disabled")
	}
	if p.directory.Reloading() {
		return oops.Code(CodeReloading).
			Errorf("the account directory is being reloaded; try again shortly")
	}
	if err := ValidateName(name); err != nil {
		return err
	}
	free, err := p.directory.Available(ctx, name)
	if err != nil {
		return oops.Code(CodeNameTaken).With("name", name).Wrap(err)
	}
	if !free {
		return oops.Code(CodeNameTaken).
			With("name", name).
			Errorf("the name %q is already taken", name)
	}
	return nil
}

// register allocates, inserts, and places the account.
func (p *Provisioner) register(ctx context.Context, acct *Account) error {
	if err := p.directory.Insert(ctx, acct); err != nil {
		return oops.Code(CodeNameTaken).With("name", acct.Name).Wrap(err)
	}
	if err := p.placer.Place(ctx, acct); err != nil {
		// The account exists either way; placement is advisory.
		p.logger.WarnContext(ctx, "failed to place new account",
			"event", "placement_failed",
			"account", acct.Name,
			"error", err,
		)
	}
	p.sink.Record(ctx, audit.KindAccountCreated,
		fmt.Sprintf("Created account %s (#%s).", acct.Name, acct.ID))
	return nil
}

// CreateLocal creates a password-bearing account.
func (p *Provisioner) CreateLocal(ctx context.Context, name, password string) (*Account, error) {
	name = strings.TrimSpace(name)
	if err := p.guardCreation(ctx, name); err != nil {
		return nil, err
	}

	credential, err := p.hasher.Hash(password)
	if err != nil {
		return nil, oops.Code(CodeInvalidPassword).Wrap(err)
	}

	now := p.now()
	acct := &Account{
		ID:            NewULID(),
		Name:          name,
		Credential:    credential,
		Quota:         p.quota,
		CreatedAt:     now,
		LastConnectAt: now,
	}
	if err := p.register(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// OAuth2Check finds the account holding the identity tuple, or reports
// not found. Privileged; read-only.
func (p *Provisioner) OAuth2Check(ctx context.Context, actor Actor, provider, externalID string) (*Account, error) {
	if actor == nil || !actor.Privileged() {
		return nil, oops.Code(CodePermissionDenied).
			Errorf("identity lookup requires privilege")
	}

	accts, err := p.directory.All(ctx)
	if err != nil {
		return nil, oops.Code("PROVISION_SCAN_FAILED").Wrap(err)
	}
	for _, acct := range accts {
		if acct.HasIdentity(provider, externalID) {
			return acct, nil
		}
	}
	return nil, oops.Code("PROVISION_IDENTITY_UNKNOWN").
		With("provider", provider).
		Wrap(ErrNotFound)
}

// OAuth2Create creates a passwordless account seeded with one identity
// tuple and the profile email. Name rules match CreateLocal.
func (p *Provisioner) OAuth2Create(ctx context.Context, provider, externalID string, profile Profile, desiredName string) (*Account, error) {
	desiredName = strings.TrimSpace(desiredName)
	if err := p.guardCreation(ctx, desiredName); err != nil {
		return nil, err
	}

	now := p.now()
	acct := &Account{
		ID:            NewULID(),
		Name:          desiredName,
		Credential:    CredentialAny,
		Identities:    []OAuth2Identity{{Provider: provider, ExternalID: externalID}},
		Email:         profile.Email,
		Quota:         p.quota,
		CreatedAt:     now,
		LastConnectAt: now,
	}
	if err := p.register(ctx, acct); err != nil {
		return nil, err
	}
	p.sink.Record(ctx, audit.KindOAuth2Linked,
		fmt.Sprintf("Seeded account %s with %s identity.", acct.Name, provider))
	return acct, nil
}

// OAuth2Connect links an identity tuple to an existing account. An
// account with a password must verify it; a passwordless account links
// unauthenticated. Linking a tuple already on the account is an
// idempotent success. Either way the connection is recorded.
func (p *Provisioner) OAuth2Connect(ctx context.Context, provider, externalID string, profile Profile, existingName, existingPassword, host string) (*Account, error) {
	acct, err := p.directory.Resolve(ctx, existingName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code(CodeBadCredential).
				Errorf("%s", RejectMessage)
		}
		return nil, oops.Code("PROVISION_LOOKUP_FAILED").Wrap(err)
	}

	switch {
	case acct.Credential == CredentialNone:
		return nil, oops.Code(CodeBadCredential).Errorf("%s", RejectMessage)
	case acct.HasPassword():
		ok, verr := p.hasher.Verify(existingPassword, acct.Credential)
		if verr != nil || !ok {
			p.sink.Record(ctx, audit.KindLoginFailed,
				fmt.Sprintf("Failed OAuth2 link to %s from %s.", acct.Name, host))
			return nil, oops.Code(CodeBadCredential).Errorf("%s", RejectMessage)
		}
	}

	if !acct.HasIdentity(provider, externalID) {
		acct.AddIdentity(provider, externalID)
		if acct.Email == "" {
			acct.Email = profile.Email
		}
		p.sink.Record(ctx, audit.KindOAuth2Linked,
			fmt.Sprintf("Linked %s identity to account %s.", provider, acct.Name))
	}

	acct.RecordConnection(p.now(), host)
	if err := p.directory.Update(ctx, acct); err != nil {
		p.logger.WarnContext(ctx, "failed to persist identity link",
			"event", "identity_update_failed",
			"account", acct.Name,
			"error", err,
		)
	}
	return acct, nil
}
