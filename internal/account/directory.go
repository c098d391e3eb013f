// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package account

import (
	"context"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Directory is the account lookup service. Names are case-insensitive.
// Resolve also accepts the object-id literal form "#<ulid>" as a
// fallback when no account bears the name.
type Directory interface {
	// Resolve returns the account with the given name or id literal.
	// Returns an error wrapping ErrNotFound if no account matches.
	Resolve(ctx context.Context, name string) (*Account, error)

	// Available reports whether name is free for a new account.
	Available(ctx context.Context, name string) (bool, error)

	// Insert registers a new account under its name.
	Insert(ctx context.Context, acct *Account) error

	// Update persists changes to an existing account.
	Update(ctx context.Context, acct *Account) error

	// All returns every registered account. Used by the OAuth2 identity
	// scan and the who listing.
	All(ctx context.Context) ([]*Account, error)

	// Reloading reports whether the directory is mid-reload. Account
	// creation is refused while it is.
	Reloading() bool
}

// MemoryDirectory is the process-local Directory used in tests and for
// databases small enough to hold resident.
type MemoryDirectory struct {
	mu        sync.RWMutex
	byName    map[string]*Account
	byID      map[ulid.ULID]*Account
	reloading bool
}

// NewMemoryDirectory creates an empty MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		byName: make(map[string]*Account),
		byID:   make(map[ulid.ULID]*Account),
	}
}

// Resolve returns the account with the given name, falling back to the
// "#<ulid>" literal form.
func (d *MemoryDirectory) Resolve(_ context.Context, name string) (*Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if acct, ok := d.byName[strings.ToLower(strings.TrimSpace(name))]; ok {
		return acct, nil
	}
	if ref, ok := strings.CutPrefix(strings.TrimSpace(name), "#"); ok {
		if id, err := ulid.Parse(ref); err == nil {
			if acct, ok := d.byID[id]; ok {
				return acct, nil
			}
		}
	}
	return nil, oops.Code("ACCOUNT_NOT_FOUND").
		With("name", name).
		Wrap(ErrNotFound)
}

// Available reports whether name is free.
func (d *MemoryDirectory) Available(_ context.Context, name string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, taken := d.byName[strings.ToLower(strings.TrimSpace(name))]
	return !taken, nil
}

// Insert registers a new account. Fails if the name is taken.
func (d *MemoryDirectory) Insert(_ context.Context, acct *Account) error {
	key := strings.ToLower(strings.TrimSpace(acct.Name))

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, taken := d.byName[key]; taken {
		return oops.Code("ACCOUNT_NAME_TAKEN").
			With("name", acct.Name).
			Errorf("account name %q is already taken", acct.Name)
	}
	d.byName[key] = acct
	d.byID[acct.ID] = acct
	return nil
}

// Update persists changes. The in-memory directory shares pointers, so
// this only checks existence.
func (d *MemoryDirectory) Update(_ context.Context, acct *Account) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.byID[acct.ID]; !ok {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("id", acct.ID.String()).
			Wrap(ErrNotFound)
	}
	return nil
}

// All returns every registered account.
func (d *MemoryDirectory) All(_ context.Context) ([]*Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Account, 0, len(d.byID))
	for _, acct := range d.byID {
		out = append(out, acct)
	}
	return out, nil
}

// Reloading reports the reload flag.
func (d *MemoryDirectory) Reloading() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reloading
}

// SetReloading toggles the reload flag. While set, account creation is
// refused.
func (d *MemoryDirectory) SetReloading(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reloading = v
}
