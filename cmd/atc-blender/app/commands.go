// Package app provides the atc-blender command-line application.
package app

import (
	"github.com/spf13/cobra"

	"github.com/ezrakhuzadi/atc-blender/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "atc-blender",
	DisableAutoGenTag: true,
	Short:             "atc-blender federates remote-ID air traffic between USSes",
	Long: `atc-blender is a UTM data node. It registers identification service areas
and subscriptions with a DSS, polls peer USSes for live flights, and serves
scope-gated display and telemetry endpoints over the aggregated traffic.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(serveCmd)
	return rootCmd
}
