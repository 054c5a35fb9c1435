package cmd

import (
	"github.com/spf13/cobra"

	"rentd/config"
)

func Execute() error {
	return newRootCmd(config.Load).Execute()
}

type configLoader func() (*config.Config, error)

func newRootCmd(load configLoader) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "rentd",
		Short:         "rentd: rental engine for shared marketplace accounts",
		Long:          "rentd serves the rental API, reclaims expired rentals and runs one marketplace poller per tenant.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newServeCmd(load),
		newSweepCmd(load),
		newTokenCmd(load),
	)
	return rootCmd
}
