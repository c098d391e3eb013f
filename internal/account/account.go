// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

// Package account provides the persistent identity model and the
// credential, provisioning, and OAuth2-linking services of the gateway.
package account

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Credential sentinel values. Anything else is a password hash.
const (
	// CredentialNone marks an account whose credential has been cleared.
	// Such accounts cannot log in at the prompt.
	CredentialNone = ""

	// CredentialAny marks an account that requires no password, such as
	// accounts created through an OAuth2 identity.
	CredentialAny = "*"
)

// HistorySize bounds the recent-hostname ring kept per account.
const HistorySize = 8

// DefaultQuota is the build quota granted to new accounts.
const DefaultQuota = 10

// OAuth2Identity is one linked third-party identity.
type OAuth2Identity struct {
	Provider   string `json:"provider"`
	ExternalID string `json:"external_id"`
}

// Account is a persistent player identity. It is created by the
// Provisioner and mutated on every successful connection; the gateway
// never deletes accounts.
type Account struct {
	ID         ulid.ULID
	Name       string
	Credential string
	Identities []OAuth2Identity
	Email      string
	Wizard     bool
	Quota      int

	CreatedAt          time.Time
	LastConnectAt      time.Time
	LastConnectHost    string
	PrevConnectAt      time.Time
	PrevConnectHost    string
	RecentHosts        []string // newest first, bounded by HistorySize
	LastConnectAttempt time.Time
}

// Privileged reports whether the account bypasses admission control and
// may invoke mutating registry operations.
func (a *Account) Privileged() bool {
	return a.Wizard
}

// NoteConnectAttempt records the time of a rejected connection attempt.
func (a *Account) NoteConnectAttempt(at time.Time) {
	a.LastConnectAttempt = at
}

// HasPassword reports whether the credential is a real hash that must
// verify.
func (a *Account) HasPassword() bool {
	return a.Credential != CredentialNone && a.Credential != CredentialAny
}

// Passwordless reports whether the account logs in without a password.
func (a *Account) Passwordless() bool {
	return a.Credential == CredentialAny
}

// RecordConnection updates the connect history for a successful login.
func (a *Account) RecordConnection(at time.Time, host string) {
	a.PrevConnectAt = a.LastConnectAt
	a.PrevConnectHost = a.LastConnectHost
	a.LastConnectAt = at
	a.LastConnectHost = host

	host = strings.ToLower(host)
	for _, h := range a.RecentHosts {
		if h == host {
			return
		}
	}
	a.RecentHosts = append([]string{host}, a.RecentHosts...)
	if len(a.RecentHosts) > HistorySize {
		a.RecentHosts = a.RecentHosts[:HistorySize]
	}
}

// KnownHost reports whether the account has previously connected from
// host. Feeds the failed-login audit line.
func (a *Account) KnownHost(host string) bool {
	host = strings.ToLower(host)
	for _, h := range a.RecentHosts {
		if h == host {
			return true
		}
	}
	return false
}

// HasIdentity reports whether the identity tuple is already linked.
func (a *Account) HasIdentity(provider, externalID string) bool {
	for _, id := range a.Identities {
		if id.Provider == provider && id.ExternalID == externalID {
			return true
		}
	}
	return false
}

// AddIdentity links an identity tuple. Adding a tuple that is already
// present is a no-op.
func (a *Account) AddIdentity(provider, externalID string) {
	if a.HasIdentity(provider, externalID) {
		return
	}
	a.Identities = append(a.Identities, OAuth2Identity{Provider: provider, ExternalID: externalID})
}
