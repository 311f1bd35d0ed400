package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop <run-id>",
	Short: "Stop an agent run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := newApp(cmd)
		if err := a.client.StopAgent(cmd.Context(), args[0]); err != nil {
			a.renderer.Error(err)
			return fmt.Errorf("failed to stop agent: %w", err)
		}
		fmt.Fprintf(a.out, "Stopped run %s\n", args[0])
		return nil
	},
}
