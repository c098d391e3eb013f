// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package gateway

import "github.com/mudcore/gatekeeper/internal/account"

// OutcomeKind classifies the result of dispatching one raw line.
type OutcomeKind int

// Dispatch outcomes.
const (
	// Stay leaves the connection at the login prompt.
	Stay OutcomeKind = iota

	// Boot closes the connection without an account.
	Boot

	// Authenticated promotes the connection to a session for
	// Outcome.Account.
	Authenticated
)

// Outcome is the result of dispatching one raw line.
type Outcome struct {
	Kind    OutcomeKind
	Account *account.Account
}

// stay is the common no-change outcome.
func stay() Outcome { return Outcome{Kind: Stay} }

// boot closes the connection.
func boot() Outcome { return Outcome{Kind: Boot} }

// authenticated promotes the connection.
func authenticated(acct *account.Account) Outcome {
	return Outcome{Kind: Authenticated, Account: acct}
}
