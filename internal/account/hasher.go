// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package account

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
)

// PasswordHasher is the pluggable credential capability. The gateway
// never interprets hash strings itself.
type PasswordHasher interface {
	// Hash produces a credential string for the password.
	Hash(password string) (string, error)

	// Verify reports whether the password matches the credential.
	// Returns an error only for malformed credentials.
	Verify(password, credential string) (bool, error)
}

// argon2Params are the cost parameters baked into new hashes.
type argon2Params struct {
	memory  uint32
	time    uint32
	threads uint8
	saltLen int
	keyLen  uint32
}

var defaultParams = argon2Params{
	memory:  64 * 1024,
	time:    1,
	threads: 4,
	saltLen: 16,
	keyLen:  32,
}

// Argon2Hasher implements PasswordHasher with argon2id in PHC string
// format.
type Argon2Hasher struct {
	params argon2Params
}

// NewArgon2Hasher creates an Argon2Hasher with the default parameters.
func NewArgon2Hasher() *Argon2Hasher {
	return &Argon2Hasher{params: defaultParams}
}

// Hash produces an argon2id credential for the password. Empty passwords
// are refused; passwordless accounts use the CredentialAny sentinel, not
// an empty hash.
func (h *Argon2Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", oops.Code("CRED_EMPTY_PASSWORD").Errorf("password cannot be empty")
	}

	salt := make([]byte, h.params.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("CRED_SALT_FAILED").Wrap(err)
	}

	key := argon2.IDKey([]byte(password), salt,
		h.params.time, h.params.memory, h.params.threads, h.params.keyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.memory, h.params.time, h.params.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether the password matches the credential. The
// comparison is constant time.
func (h *Argon2Hasher) Verify(password, credential string) (bool, error) {
	params, salt, key, err := decodeCredential(credential)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey([]byte(password), salt,
		params.time, params.memory, params.threads, uint32(len(key)))

	return subtle.ConstantTimeCompare(computed, key) == 1, nil
}

// decodeCredential parses a PHC-format argon2id string.
func decodeCredential(credential string) (argon2Params, []byte, []byte, error) {
	var p argon2Params

	parts := strings.Split(credential, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, nil, nil, oops.Code("CRED_MALFORMED").Errorf("malformed credential")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return p, nil, nil, oops.Code("CRED_MALFORMED").Wrap(err)
	}

	var threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &threads); err != nil {
		return p, nil, nil, oops.Code("CRED_MALFORMED").Wrap(err)
	}
	if threads == 0 || threads > 255 {
		return p, nil, nil, oops.Code("CRED_MALFORMED").Errorf("thread count %d out of range", threads)
	}
	p.threads = uint8(threads)

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, oops.Code("CRED_MALFORMED").Wrap(err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return p, nil, nil, oops.Code("CRED_MALFORMED").Wrap(err)
	}
	if len(key) == 0 {
		return p, nil, nil, oops.Code("CRED_MALFORMED").Errorf("empty key")
	}

	return p, salt, key, nil
}
