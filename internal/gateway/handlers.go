// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/mudcore/gatekeeper/internal/account"
	"github.com/mudcore/gatekeeper/internal/acl"
	"github.com/mudcore/gatekeeper/internal/audit"
	"github.com/mudcore/gatekeeper/internal/observability"
	"github.com/mudcore/gatekeeper/internal/uptime"
)

// DefaultBanner greets connections that have not yet authenticated.
const DefaultBanner = `Welcome to this server.

Type "connect <name> <password>" to connect to an existing account,
or "create <name> <password>" to make a new one.
Type "help" for more options.`

const helpText = `Available commands:
  connect <name> [password]   connect to an existing account
  create <name> <password>    create a new account
  who [name]                  list connected players
  request <name> for <email>  ask the administrators for an account
  uptime                      show how long the server has been up
  version                     show the server version
  quit                        disconnect`

// abortToken cancels an in-flight password prompt and returns the
// connection to the login prompt.
const abortToken = "@abort"

// systemActor satisfies privilege checks for operations the gateway
// performs on its own behalf, such as OAuth2 directory scans driven by
// a front end that completed the external handshake.
type systemActor struct{}

func (systemActor) Privileged() bool { return true }

// Handlers owns every login-prompt command. Register wires them into a
// Dispatcher.
type Handlers struct {
	verifier    *account.Verifier
	provisioner *account.Provisioner
	acls        *acl.Engine
	sessions    *Sessions
	clock       *uptime.Clock
	sink        audit.Sink
	logger      *slog.Logger
	metrics     *observability.Metrics

	version   string
	startedAt time.Time
	banner    string
}

// HandlersConfig carries the display-only settings for Handlers.
type HandlersConfig struct {
	// Version is the server version shown by the version command.
	Version string

	// StartedAt anchors the uptime command.
	StartedAt time.Time

	// Banner overrides DefaultBanner when non-empty.
	Banner string

	// Metrics counts login attempts when set.
	Metrics *observability.Metrics
}

// NewHandlers creates Handlers with a no-op logger.
func NewHandlers(verifier *account.Verifier, provisioner *account.Provisioner, acls *acl.Engine, sessions *Sessions, clock *uptime.Clock, sink audit.Sink, cfg HandlersConfig) (*Handlers, error) {
	return NewHandlersWithLogger(verifier, provisioner, acls, sessions, clock, sink, cfg, slog.New(slog.DiscardHandler))
}

// NewHandlersWithLogger creates Handlers with the provided logger.
func NewHandlersWithLogger(verifier *account.Verifier, provisioner *account.Provisioner, acls *acl.Engine, sessions *Sessions, clock *uptime.Clock, sink audit.Sink, cfg HandlersConfig, logger *slog.Logger) (*Handlers, error) {
	if verifier == nil {
		return nil, oops.Errorf("verifier is required")
	}
	if provisioner == nil {
		return nil, oops.Errorf("provisioner is required")
	}
	if acls == nil {
		return nil, oops.Errorf("acl engine is required")
	}
	if sessions == nil {
		return nil, oops.Errorf("sessions registry is required")
	}
	if clock == nil {
		return nil, oops.Errorf("uptime clock is required")
	}
	if sink == nil {
		return nil, oops.Errorf("audit sink is required")
	}
	if logger == nil {
		return nil, oops.Errorf("logger is required")
	}
	banner := cfg.Banner
	if banner == "" {
		banner = DefaultBanner
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = clock.Now()
	}
	return &Handlers{
		verifier:    verifier,
		provisioner: provisioner,
		acls:        acls,
		sessions:    sessions,
		clock:       clock,
		sink:        sink,
		logger:      logger,
		metrics:     cfg.Metrics,
		version:     cfg.Version,
		startedAt:   startedAt,
		banner:      banner,
	}, nil
}

// Register wires every handler into the dispatcher and configures the
// default and unknown routes. The oauth2_* handlers are programmatic
// entry points for front ends that already completed an external
// handshake; they are not reachable from raw input.
func (h *Handlers) Register(d *Dispatcher) error {
	public := map[string]HandlerFunc{
		"connect": h.Connect,
		"create":  h.Create,
		"who":     h.Who,
		"welcome": h.Welcome,
		"help":    h.Help,
		"request": h.Request,
		"uptime":  h.Uptime,
		"version": h.Version,
		"quit":    h.Quit,
	}
	for name, fn := range public {
		if err := d.Register(name, fn, true); err != nil {
			return err
		}
	}

	programmatic := map[string]HandlerFunc{
		"oauth2_check":   h.OAuth2Check,
		"oauth2_create":  h.OAuth2Create,
		"oauth2_connect": h.OAuth2Connect,
	}
	for name, fn := range programmatic {
		if err := d.Register(name, fn, false); err != nil {
			return err
		}
	}

	if err := d.Register("unknown", h.Unknown, false); err != nil {
		return err
	}
	if err := d.SetDefault("welcome"); err != nil {
		return err
	}
	return d.SetUnknown("unknown")
}

// Welcome sends the login banner. Also the default handler for empty
// lines.
func (h *Handlers) Welcome(_ context.Context, conn *Connection, _ []string) Outcome {
	conn.Send(h.banner)
	return stay()
}

// Help lists the login-prompt commands.
func (h *Handlers) Help(_ context.Context, conn *Connection, _ []string) Outcome {
	conn.Send(helpText)
	return stay()
}

// Unknown handles unrecognized input.
func (h *Handlers) Unknown(_ context.Context, conn *Connection, _ []string) Outcome {
	conn.Send(`I don't understand that. Type "help" for instructions.`)
	return stay()
}

// Quit disconnects the client.
func (h *Handlers) Quit(_ context.Context, conn *Connection, _ []string) Outcome {
	conn.Send("Goodbye.")
	return boot()
}

// Version reports the server version.
func (h *Handlers) Version(_ context.Context, conn *Connection, _ []string) Outcome {
	conn.Send(fmt.Sprintf("Gatekeeper version %s", h.version))
	return stay()
}

// Uptime reports elapsed server uptime, discounting recorded downtime.
func (h *Handlers) Uptime(_ context.Context, conn *Connection, _ []string) Outcome {
	up := h.clock.ElapsedSince(h.startedAt)
	conn.Send(fmt.Sprintf("Up %s (excluding downtime).", up.Round(time.Second)))
	return stay()
}

// Who lists connected players, optionally filtered to one name.
func (h *Handlers) Who(_ context.Context, conn *Connection, args []string) Outcome {
	entries := h.sessions.Who()

	if len(args) > 0 {
		want := strings.ToLower(args[0])
		filtered := entries[:0]
		for _, e := range entries {
			if strings.ToLower(e.Name) == want {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	if len(entries) == 0 {
		conn.Send("No players are connected.")
		return stay()
	}

	var b strings.Builder
	b.WriteString("Name                 On for\n")
	now := time.Now()
	for _, e := range entries {
		fmt.Fprintf(&b, "%-20s %s\n", e.Name, now.Sub(e.Since).Round(time.Second))
	}
	fmt.Fprintf(&b, "%d player(s) connected.", len(entries))
	conn.Send(b.String())
	return stay()
}

// Request records a character request for the administrators. Used when
// open creation is disabled.
func (h *Handlers) Request(ctx context.Context, conn *Connection, args []string) Outcome {
	// Syntax: request <name> for <email>
	if len(args) != 3 || strings.ToLower(args[1]) != "for" {
		conn.Send(`Usage: request <name> for <email>`)
		return stay()
	}
	name, email := args[0], args[2]

	if err := account.ValidateName(name); err != nil {
		conn.Send("That name is not allowed.")
		return stay()
	}
	if !strings.Contains(email, "@") {
		conn.Send("That does not look like an email address.")
		return stay()
	}

	h.sink.Record(ctx, audit.KindCharacterRequest,
		fmt.Sprintf("Character request for %s <%s> from %s.", name, email, conn.Host()))
	conn.Send(fmt.Sprintf("Your request for character %s has been submitted. The administrators will contact %s.", name, email))
	return stay()
}

// Connect starts a login. With an inline password the whole flow runs
// immediately; without one the connection is switched to masked input
// and the next raw line is treated as the password.
func (h *Handlers) Connect(ctx context.Context, conn *Connection, args []string) Outcome {
	if len(args) < 1 {
		conn.Send("Usage: connect <name> [password]")
		return stay()
	}
	name := args[0]
	password := ""
	if len(args) > 1 {
		password = strings.Join(args[1:], " ")
	}

	if listed, err := h.acls.IsListed(acl.Redlist, conn.Host()); err == nil && listed {
		conn.Send("Connections from your host are not accepted. Contact the administrators.")
		return boot()
	}

	res := h.verifier.BeginConnect(ctx, name, password, conn.Host(), h.sessions)
	if res.Kind != account.ResultAwaitPassword {
		return h.finishLogin(conn, res)
	}

	conn.SetMasked(true)
	conn.Intercept(&Interception{
		Handler: "connect",
		Account: res.Account,
		Args:    args,
		resume: func(ctx context.Context, conn *Connection, line string) Outcome {
			conn.SetMasked(false)
			switch strings.TrimSpace(line) {
			case abortToken:
				conn.Send("Login aborted.")
				return stay()
			case "quit":
				conn.Send("Goodbye.")
				return boot()
			}
			return h.finishLogin(conn,
				h.verifier.ResumeConnect(ctx, res.Account, line, conn.Host(), h.sessions))
		},
	})
	conn.Send("Password:")
	return stay()
}

// finishLogin maps a verifier result onto a dispatch outcome.
func (h *Handlers) finishLogin(conn *Connection, res account.Result) Outcome {
	switch res.Kind {
	case account.ResultRejected:
		h.metrics.RecordLoginAttempt("rejected")
		conn.Send(res.Message)
		return stay()
	case account.ResultBooted:
		h.metrics.RecordLoginAttempt("booted")
		conn.Send(res.Message)
		return boot()
	case account.ResultAuthenticated:
		h.metrics.RecordLoginAttempt("success")
		conn.Send(fmt.Sprintf("*** Connected as %s ***", res.Account.Name))
		return authenticated(res.Account)
	default:
		return stay()
	}
}

// Create makes a new local account and logs it in. A graylisted host
// may connect to existing accounts but may not create new ones.
func (h *Handlers) Create(ctx context.Context, conn *Connection, args []string) Outcome {
	if len(args) != 2 {
		conn.Send("Usage: create <name> <password>")
		return stay()
	}
	name, password := args[0], args[1]

	if listed, err := h.acls.IsListed(acl.Graylist, conn.Host()); err == nil && listed {
		conn.Send("Account creation is not permitted from your host. Contact the administrators.")
		return stay()
	}

	acct, err := h.provisioner.CreateLocal(ctx, name, password)
	if err != nil {
		conn.Send(creationFailureMessage(err))
		return stay()
	}

	// The fresh account logs straight in, subject to the same lockout
	// and admission checks as any connect.
	return h.finishLogin(conn,
		h.verifier.BeginConnect(ctx, acct.Name, password, conn.Host(), h.sessions))
}

// creationFailureMessage converts a provisioning error into the
// user-facing line. Internal details stay in the logs.
func creationFailureMessage(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return "Account creation failed. Try again later."
	}
	switch oopsErr.Code() {
	case account.CodeCreationDisabled:
		return `Account creation is currently disabled. Use "request <name> for <email>" instead.`
	case account.CodeReloading:
		return "The account directory is busy. Try again in a moment."
	case account.CodeInvalidName:
		return "That name is not allowed. Names may not be blank, contain spaces, or look like object references."
	case account.CodeNameTaken:
		return "That name is already taken. Choose another."
	case account.CodeInvalidPassword:
		return "That password is not acceptable."
	default:
		return "Account creation failed. Try again later."
	}
}

// OAuth2Check looks up the account holding an external identity.
// Programmatic: args are <provider> <externalID>.
func (h *Handlers) OAuth2Check(ctx context.Context, conn *Connection, args []string) Outcome {
	if len(args) != 2 {
		conn.Send("oauth2_check: provider and id required")
		return stay()
	}
	acct, err := h.provisioner.OAuth2Check(ctx, systemActor{}, args[0], args[1])
	if err != nil {
		conn.Send("oauth2_check: no account")
		return stay()
	}
	conn.Send(fmt.Sprintf("oauth2_check: %s", acct.Name))
	return stay()
}

// OAuth2Create provisions a passwordless account seeded with an
// external identity. Programmatic: args are
// <provider> <externalID> <email> <desiredName>.
func (h *Handlers) OAuth2Create(ctx context.Context, conn *Connection, args []string) Outcome {
	if len(args) != 4 {
		conn.Send("oauth2_create: provider, id, email, and name required")
		return stay()
	}
	provider, externalID, email, name := args[0], args[1], args[2], args[3]

	acct, err := h.provisioner.OAuth2Create(ctx, provider, externalID, account.Profile{Email: email}, name)
	if err != nil {
		conn.Send(creationFailureMessage(err))
		return stay()
	}

	return h.finishLogin(conn,
		h.verifier.BeginConnect(ctx, acct.Name, "", conn.Host(), h.sessions))
}

// OAuth2Connect links an external identity to an existing account and
// logs it in. Programmatic: args are
// <provider> <externalID> <email> <existingName> [existingPassword].
func (h *Handlers) OAuth2Connect(ctx context.Context, conn *Connection, args []string) Outcome {
	if len(args) < 4 {
		conn.Send("oauth2_connect: provider, id, email, and name required")
		return stay()
	}
	provider, externalID, email, name := args[0], args[1], args[2], args[3]
	password := ""
	if len(args) > 4 {
		password = strings.Join(args[4:], " ")
	}

	acct, err := h.provisioner.OAuth2Connect(ctx, provider, externalID,
		account.Profile{Email: email}, name, password, conn.Host())
	if err != nil {
		conn.Send(account.RejectMessage)
		return stay()
	}

	conn.Send(fmt.Sprintf("*** Connected as %s ***", acct.Name))
	return authenticated(acct)
}
