// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mudcore/gatekeeper/internal/account"
	acctpostgres "github.com/mudcore/gatekeeper/internal/account/postgres"
	"github.com/mudcore/gatekeeper/internal/acl"
	"github.com/mudcore/gatekeeper/internal/audit"
	"github.com/mudcore/gatekeeper/internal/config"
	"github.com/mudcore/gatekeeper/internal/gateway"
	"github.com/mudcore/gatekeeper/internal/lag"
	"github.com/mudcore/gatekeeper/internal/lockout"
	"github.com/mudcore/gatekeeper/internal/logging"
	"github.com/mudcore/gatekeeper/internal/observability"
	"github.com/mudcore/gatekeeper/internal/telnet"
	"github.com/mudcore/gatekeeper/internal/uptime"
)

// heartbeatInterval is how often the uptime store stamps last-alive.
const heartbeatInterval = time.Minute

// newServeCmd creates the serve subcommand with all flags configured.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the connection gateway",
		Long: `Start the telnet listener, observability endpoint, and the
background lag sampler and uptime heartbeat.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd.Flags())
		},
	}

	// Flag names mirror config keys so the posflag provider can
	// overlay them without a translation table.
	cmd.Flags().String("listen_addr", "", "telnet listen address")
	cmd.Flags().String("metrics_addr", "", "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("database_url", "", "postgres connection string (empty = in-memory accounts)")
	cmd.Flags().String("state_file", "", "path of the uptime state file")
	cmd.Flags().String("banner", "", "login banner override")
	cmd.Flags().Bool("creation_enabled", true, "allow account creation at the login prompt")
	cmd.Flags().Int("flood_ceiling", 0, "pre-login commands allowed per connection")
	cmd.Flags().Int("cap_normal", 0, "player cap while the world keeps up")
	cmd.Flags().Int("cap_lagged", 0, "player cap while the world is lagged")
	cmd.Flags().Duration("lag_cutoff", 0, "lag above which the lagged cap applies")
	cmd.Flags().Duration("lag_interval", 0, "interval between lag samples")
	cmd.Flags().StringSlice("exempt_accounts", nil, "accounts exempt from admission caps")
	cmd.Flags().String("log_level", "", "log level (debug, info, warn, error)")
	cmd.Flags().String("log_format", "", "log format (json or text)")

	return cmd
}

// runServe loads configuration and serves until a signal arrives.
func runServe(ctx context.Context, flags *pflag.FlagSet) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return err
	}

	return serve(ctx, cfg)
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.SetDefault(logging.Options{
		Service: "gatekeeper",
		Version: version,
		Format:  cfg.LogFormat,
		Level:   cfg.LogLevel,
	})

	logger.Info("starting gatekeeper",
		"listen_addr", cfg.ListenAddr,
		"metrics_addr", cfg.MetricsAddr,
		"log_format", cfg.LogFormat,
	)

	// Uptime clock, restored from the state file so temporary access
	// rules keep their remaining lifetime across restarts.
	clock := uptime.NewClock()
	store, err := uptime.OpenStore(cfg.StateFile)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("error closing state store", "error", closeErr)
		}
	}()
	if err := store.Restore(clock); err != nil {
		return err
	}
	go func() {
		if hbErr := store.Heartbeat(ctx, clock, heartbeatInterval); hbErr != nil {
			logger.Error("uptime heartbeat stopped", "error", hbErr)
		}
	}()

	// Observability server is optional. Its registry also carries the
	// lag and flood metrics when enabled.
	var ready atomic.Bool
	var obs *observability.Server
	var registry prometheus.Registerer
	var metrics *observability.Metrics
	if cfg.MetricsAddr != "" {
		obs = observability.NewServer(cfg.MetricsAddr, ready.Load)
		registry = obs.Registry()
		metrics = obs.Metrics()
	}

	acls, err := acl.NewEngineWithLogger(clock, logger)
	if err != nil {
		return err
	}

	sink := audit.NewSlogSink(logger)

	lockouts, err := lockout.NewRegistryWithLogger(clock, sink, logger)
	if err != nil {
		return err
	}

	sampler := lag.NewSamplerWithRegistry(lag.SamplerConfig{
		Interval: cfg.LagInterval,
		Logger:   logger,
	}, registry)
	defer sampler.Close()

	admission, err := lag.NewControllerWithRegistry(sampler, lag.ControllerConfig{
		Caps: lag.Caps{
			Normal: cfg.CapNormal,
			Lagged: cfg.CapLagged,
			Cutoff: cfg.LagCutoff,
		},
		Logger: logger,
	}, registry)
	if err != nil {
		return err
	}
	for _, name := range cfg.ExemptAccounts {
		admission.Exempt(name)
	}

	directory, closeDirectory, err := openDirectory(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer closeDirectory()

	hasher := account.NewArgon2Hasher()

	verifier, err := account.NewVerifierWithLogger(directory, hasher, lockouts, admission, sink, logger)
	if err != nil {
		return err
	}

	provisioner, err := account.NewProvisioner(directory, hasher, sink, account.ProvisionerConfig{
		CreationEnabled: cfg.CreationEnabled,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	sessions := gateway.NewSessions()

	// The flood guard's liveness probe reaches back into the telnet
	// server, which does not exist yet. The closure runs only once
	// connections are being served, after srv is assigned.
	var srv *telnet.Server
	flood := gateway.NewFloodGuardWithRegistry(cfg.FloodCeiling, func(id ulid.ULID) bool {
		return srv.Alive(id)
	}, registry)

	dispatcher, err := gateway.NewDispatcherWithLogger(flood, logger)
	if err != nil {
		return err
	}

	handlers, err := gateway.NewHandlersWithLogger(verifier, provisioner, acls, sessions, clock, sink, gateway.HandlersConfig{
		Version:   version,
		StartedAt: clock.Now(),
		Banner:    cfg.Banner,
		Metrics:   metrics,
	}, logger)
	if err != nil {
		return err
	}
	if err := handlers.Register(dispatcher); err != nil {
		return err
	}

	srv, err = telnet.NewServer(cfg.ListenAddr, acls, dispatcher, sessions, telnet.Config{
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	if obs != nil {
		obs.RegisterConnectedGauge(sessions.ConnectedCount)
		errCh, startErr := obs.Start()
		if startErr != nil {
			return startErr
		}
		go func() {
			if obsErr := <-errCh; obsErr != nil {
				logger.Error("observability server error", "error", obsErr)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if stopErr := obs.Stop(shutdownCtx); stopErr != nil {
				logger.Warn("error stopping observability server", "error", stopErr)
			}
		}()
		logger.Info("observability server started", "addr", obs.Addr())
	}

	ready.Store(true)
	err = srv.Run(ctx)

	logger.Info("shutdown complete")
	return err
}

// openDirectory picks the account directory backend. A database URL
// selects postgres; otherwise accounts live in memory and vanish on
// restart.
func openDirectory(ctx context.Context, databaseURL string, logger *slog.Logger) (account.Directory, func(), error) {
	if databaseURL == "" {
		logger.Info("using in-memory account directory")
		return account.NewMemoryDirectory(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, oops.Code("DATABASE_CONNECT_FAILED").Wrap(err)
	}

	// The database may still be coming up alongside us.
	backoff := retry.WithMaxRetries(5, retry.NewExponential(time.Second))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if pingErr := pool.Ping(ctx); pingErr != nil {
			logger.Warn("database not reachable yet", "error", pingErr)
			return retry.RetryableError(pingErr)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, nil, oops.Code("DATABASE_CONNECT_FAILED").Wrap(err)
	}

	directory := acctpostgres.NewDirectory(pool)
	if err := directory.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	logger.Info("connected to account database")
	return directory, pool.Close, nil
}
