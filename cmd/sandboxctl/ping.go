package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPingCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the container engine is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := root.setup()
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.engine.Ping(cmd.Context()); err != nil {
				return fmt.Errorf("%s backend unreachable: %w", e.cfg.Sandbox.Backend, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s backend is reachable\n", e.cfg.Sandbox.Backend)
			return nil
		},
	}
}
