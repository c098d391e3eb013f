// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the gatekeeper CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gatekeeper",
		Short: "Gatekeeper - a MUD connection gateway",
		Long: `Gatekeeper guards the login prompt of a MUD server. It screens
incoming hosts against access control lists, throttles admission while
the world is lagged, enforces lockouts, and provisions accounts before
handing authenticated connections to the world.`,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(newServeCmd())

	return cmd
}
