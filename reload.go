package main

import (
	"github.com/spf13/cobra"
)

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask a running sync to re-read its config file",
		Long: `Send SIGHUP to the running "rowsync sync". It re-reads the config file
and applies the conflict strategy, poll intervals, and activity settings
without restarting. Endpoint and state changes need a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if err := sendSIGHUP(cc.Cfg.PIDPath()); err != nil {
				return err
			}

			cc.Statusf("Reload signal sent\n")

			return nil
		},
	}
}
