package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the querybridge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("querybridge %s\n", Version)
		},
	}
}
