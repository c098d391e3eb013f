// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

// Package postgres implements the account directory on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/mudcore/gatekeeper/internal/account"
)

// schemaSQL is the full directory schema. The gateway owns this one
// table and creates it at startup.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS accounts (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	credential           TEXT NOT NULL DEFAULT '',
	identities           JSONB NOT NULL DEFAULT '[]',
	email                TEXT NOT NULL DEFAULT '',
	wizard               BOOLEAN NOT NULL DEFAULT FALSE,
	quota                INTEGER NOT NULL DEFAULT 0,
	created_at           TIMESTAMPTZ NOT NULL,
	last_connect_at      TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	last_connect_host    TEXT NOT NULL DEFAULT '',
	prev_connect_at      TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
	prev_connect_host    TEXT NOT NULL DEFAULT '',
	recent_hosts         TEXT[] NOT NULL DEFAULT '{}',
	last_connect_attempt TIMESTAMPTZ NOT NULL DEFAULT 'epoch'
);
CREATE UNIQUE INDEX IF NOT EXISTS accounts_name_lower_idx ON accounts (LOWER(name));
`

const selectColumns = `id, name, credential, identities, email, wizard, quota,
	       created_at, last_connect_at, last_connect_host,
	       prev_connect_at, prev_connect_host, recent_hosts,
	       last_connect_attempt`

// poolIface is the subset of pgxpool.Pool the directory uses. pgxmock
// satisfies it in tests.
type poolIface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Directory implements account.Directory on PostgreSQL.
type Directory struct {
	pool      poolIface
	reloading atomic.Bool
}

// NewDirectory creates a Directory over an open pool.
func NewDirectory(pool poolIface) *Directory {
	return &Directory{pool: pool}
}

// EnsureSchema creates the accounts table if it does not exist.
func (d *Directory) EnsureSchema(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, schemaSQL); err != nil {
		return oops.Code("ACCOUNT_SCHEMA_FAILED").Wrap(err)
	}
	return nil
}

// Resolve returns the account with the given name, falling back to the
// "#<ulid>" literal form.
func (d *Directory) Resolve(ctx context.Context, name string) (*account.Account, error) {
	name = strings.TrimSpace(name)

	row := d.pool.QueryRow(ctx, `
		SELECT `+selectColumns+`
		FROM accounts
		WHERE LOWER(name) = LOWER($1)
	`, name)

	acct, err := scanAccount(row)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_RESOLVE_FAILED").
			With("name", name).
			Wrap(err)
	}

	if ref, ok := strings.CutPrefix(name, "#"); ok {
		if id, parseErr := ulid.Parse(ref); parseErr == nil {
			return d.resolveByID(ctx, id)
		}
	}

	return nil, oops.Code("ACCOUNT_NOT_FOUND").
		With("name", name).
		Wrap(account.ErrNotFound)
}

func (d *Directory) resolveByID(ctx context.Context, id ulid.ULID) (*account.Account, error) {
	row := d.pool.QueryRow(ctx, `
		SELECT `+selectColumns+`
		FROM accounts
		WHERE id = $1
	`, id.String())

	acct, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With("id", id.String()).
			Wrap(account.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("ACCOUNT_RESOLVE_FAILED").
			With("id", id.String()).
			Wrap(err)
	}
	return acct, nil
}

// Available reports whether name is free.
func (d *Directory) Available(ctx context.Context, name string) (bool, error) {
	var taken bool
	err := d.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM accounts WHERE LOWER(name) = LOWER($1))
	`, strings.TrimSpace(name)).Scan(&taken)
	if err != nil {
		return false, oops.Code("ACCOUNT_LOOKUP_FAILED").
			With("name", name).
			Wrap(err)
	}
	return !taken, nil
}

// Insert registers a new account. Fails if the name is taken.
func (d *Directory) Insert(ctx context.Context, acct *account.Account) error {
	identities, err := json.Marshal(acct.Identities)
	if err != nil {
		return oops.Code("ACCOUNT_INSERT_FAILED").
			With("operation", "marshal identities").
			Wrap(err)
	}

	_, err = d.pool.Exec(ctx, `
		INSERT INTO accounts (
			id, name, credential, identities, email, wizard, quota,
			created_at, last_connect_at, last_connect_host,
			prev_connect_at, prev_connect_host, recent_hosts,
			last_connect_attempt
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		acct.ID.String(),
		acct.Name,
		acct.Credential,
		identities,
		acct.Email,
		acct.Wizard,
		acct.Quota,
		acct.CreatedAt,
		acct.LastConnectAt,
		acct.LastConnectHost,
		acct.PrevConnectAt,
		acct.PrevConnectHost,
		acct.RecentHosts,
		acct.LastConnectAttempt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return oops.Code("ACCOUNT_NAME_TAKEN").
				With("name", acct.Name).
				Errorf("account name %q is already taken", acct.Name)
		}
		return oops.Code("ACCOUNT_INSERT_FAILED").
			With("name", acct.Name).
			Wrap(err)
	}
	return nil
}

// Update persists changes to an existing account.
func (d *Directory) Update(ctx context.Context, acct *account.Account) error {
	identities, err := json.Marshal(acct.Identities)
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").
			With("operation", "marshal identities").
			Wrap(err)
	}

	tag, err := d.pool.Exec(ctx, `
		UPDATE accounts SET
			name = $2,
			credential = $3,
			identities = $4,
			email = $5,
			wizard = $6,
			quota = $7,
			last_connect_at = $8,
			last_connect_host = $9,
			prev_connect_at = $10,
			prev_connect_host = $11,
			recent_hosts = $12,
			last_connect_attempt = $13
		WHERE id = $1
	`,
		acct.ID.String(),
		acct.Name,
		acct.Credential,
		identities,
		acct.Email,
		acct.Wizard,
		acct.Quota,
		acct.LastConnectAt,
		acct.LastConnectHost,
		acct.PrevConnectAt,
		acct.PrevConnectHost,
		acct.RecentHosts,
		acct.LastConnectAttempt,
	)
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").
			With("id", acct.ID.String()).
			Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").
			With("id", acct.ID.String()).
			Wrap(account.ErrNotFound)
	}
	return nil
}

// All returns every registered account.
func (d *Directory) All(ctx context.Context) ([]*account.Account, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM accounts
		ORDER BY LOWER(name)
	`)
	if err != nil {
		return nil, oops.Code("ACCOUNT_SCAN_FAILED").Wrap(err)
	}
	defer rows.Close()

	var out []*account.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, oops.Code("ACCOUNT_SCAN_FAILED").
				With("operation", "scan account row").
				Wrap(err)
		}
		out = append(out, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("ACCOUNT_SCAN_FAILED").
			With("operation", "iterate accounts").
			Wrap(err)
	}
	return out, nil
}

// Reloading reports whether a bulk import is in progress.
func (d *Directory) Reloading() bool {
	return d.reloading.Load()
}

// SetReloading toggles the reload flag. While set, account creation is
// refused.
func (d *Directory) SetReloading(v bool) {
	d.reloading.Store(v)
}

// scanAccount reads one account row.
func scanAccount(row pgx.Row) (*account.Account, error) {
	var (
		acct       account.Account
		id         string
		identities []byte
	)
	if err := row.Scan(
		&id,
		&acct.Name,
		&acct.Credential,
		&identities,
		&acct.Email,
		&acct.Wizard,
		&acct.Quota,
		&acct.CreatedAt,
		&acct.LastConnectAt,
		&acct.LastConnectHost,
		&acct.PrevConnectAt,
		&acct.PrevConnectHost,
		&acct.RecentHosts,
		&acct.LastConnectAttempt,
	); err != nil {
		return nil, err
	}

	parsed, err := ulid.Parse(id)
	if err != nil {
		return nil, oops.With("id", id).Wrapf(err, "malformed account id")
	}
	acct.ID = parsed

	if len(identities) > 0 {
		if err := json.Unmarshal(identities, &acct.Identities); err != nil {
			return nil, oops.With("id", id).Wrapf(err, "malformed identities")
		}
	}

	return &acct, nil
}
