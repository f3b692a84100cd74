package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kuuji/ztcore/internal/control"
)

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop a running tunnel agent",
	Long: `Signal a running "tunnelctl up" process to shut down cleanly over its
control socket.

If tunnelctl is running in the foreground, press Ctrl+C to stop it instead.`,
	RunE: runDown,
}

func runDown(cmd *cobra.Command, args []string) error {
	if err := control.SendShutdown(control.ResolveSocketPath()); err != nil {
		return fmt.Errorf("is tunnelctl running? %w", err)
	}
	fmt.Println("tunnelctl stopped.")
	return nil
}
