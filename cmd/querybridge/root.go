package main

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags shared by all commands
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the root command for the querybridge CLI
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "querybridge",
		Short: "Database middleware query engine",
		Long: `querybridge sits between applications and a relational store,
compiling structured requests into parameterized SQL and executing them
through a bounded connection pool with result caching and index advice.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "./config.yaml",
		"path to the configuration file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}
