// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package lag_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mudcore/gatekeeper/internal/lag"
)

type fixedLag time.Duration

func (f fixedLag) Current() time.Duration { return time.Duration(f) }

type candidate struct {
	name       string
	privileged bool
	attemptAt  time.Time
}

func (c *candidate) Name() string                   { return c.name }
func (c *candidate) Privileged() bool               { return c.privileged }
func (c *candidate) NoteConnectAttempt(t time.Time) { c.attemptAt = t }

func newController(t *testing.T, source lag.Source, caps lag.Caps) *lag.Controller {
	t.Helper()
	c, err := lag.NewController(source, lag.ControllerConfig{Caps: caps})
	require.NoError(t, err)
	return c
}

func TestController_CapEnforcement(t *testing.T) {
	caps := lag.Caps{Normal: 10, Lagged: 10}

	t.Run("below cap admits", func(t *testing.T) {
		c := newController(t, fixedLag(0), caps)
		d := c.Admit(&candidate{name: "alice"}, 9, false)
		assert.True(t, d.Allowed)
	})

	t.Run("at cap rejects and notes the attempt", func(t *testing.T) {
		c := newController(t, fixedLag(0), caps)
		cand := &candidate{name: "alice"}
		d := c.Admit(cand, 10, false)
		assert.False(t, d.Allowed)
		assert.NotEmpty(t, d.Message)
		assert.False(t, cand.attemptAt.IsZero())
	})
}

func TestController_LaggedCap(t *testing.T) {
	caps := lag.Caps{Normal: 50, Lagged: 10, Cutoff: 2 * time.Second}

	t.Run("normal cap applies at or below the cutoff", func(t *testing.T) {
		c := newController(t, fixedLag(2*time.Second), caps)
		assert.True(t, c.Admit(&candidate{name: "alice"}, 30, false).Allowed)
	})

	t.Run("lagged cap applies above the cutoff", func(t *testing.T) {
		c := newController(t, fixedLag(3*time.Second), caps)
		assert.False(t, c.Admit(&candidate{name: "alice"}, 30, false).Allowed)
	})
}

func TestController_Exemptions(t *testing.T) {
	caps := lag.Caps{Normal: 1, Lagged: 1}

	t.Run("privileged accounts always admitted", func(t *testing.T) {
		c := newController(t, fixedLag(0), caps)
		assert.True(t, c.Admit(&candidate{name: "wizard", privileged: true}, 100, false).Allowed)
	})

	t.Run("already connected accounts always admitted", func(t *testing.T) {
		c := newController(t, fixedLag(0), caps)
		assert.True(t, c.Admit(&candidate{name: "alice"}, 100, true).Allowed)
	})

	t.Run("explicitly exempted accounts always admitted", func(t *testing.T) {
		c := newController(t, fixedLag(0), caps)
		c.Exempt("Alice")
		assert.True(t, c.Admit(&candidate{name: "alice"}, 100, false).Allowed)
	})
}

func TestNewController_Validation(t *testing.T) {
	_, err := lag.NewController(nil, lag.ControllerConfig{Caps: lag.Caps{Normal: 1}})
	assert.Error(t, err)

	_, err = lag.NewController(fixedLag(0), lag.ControllerConfig{})
	assert.Error(t, err)

	// Zero lagged cap falls back to the normal cap.
	c, err := lag.NewController(fixedLag(10*time.Second), lag.ControllerConfig{
		Caps: lag.Caps{Normal: 5, Cutoff: time.Second},
	})
	require.NoError(t, err)
	assert.True(t, c.Admit(&candidate{name: "alice"}, 4, false).Allowed)
	assert.False(t, c.Admit(&candidate{name: "alice"}, 5, false).Allowed)
}
