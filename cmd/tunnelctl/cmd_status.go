package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuuji/ztcore/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection status",
	Long:  `Query the running tunnel agent and display connected gateways and granted resources.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, err := control.FetchStatus(control.ResolveSocketPath())
	if err != nil {
		return fmt.Errorf("is tunnelctl running? %w", err)
	}

	fmt.Fprintf(os.Stdout, "%s %s\n", styleKey.Render("Device:"), status.Device)
	fmt.Fprintf(os.Stdout, "%s %s\n", styleKey.Render("Interface:"), status.Interface)
	fmt.Fprintf(os.Stdout, "%s %s\n", styleKey.Render("Server:"), status.ServerURL)
	fmt.Fprintf(os.Stdout, "%s %s\n", styleKey.Render("Uptime:"), formatDuration(time.Duration(status.UptimeSeconds*float64(time.Second))))
	fmt.Fprintf(os.Stdout, "%s %d\n", styleKey.Render("Connected gateways:"), status.ConnectedGateways)
	fmt.Println()

	if len(status.Resources) == 0 {
		fmt.Println("No resources granted.")
		return nil
	}

	fmt.Println(styleHeader.Render("RESOURCES"))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tADDRESS")
	for _, r := range status.Resources {
		kind := r.Kind
		if r.Kind == "cidr" {
			kind = styleCidr.Render(kind)
		} else {
			kind = styleDns.Render(kind)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, kind, r.Address)
	}
	w.Flush()

	return nil
}

// formatDuration formats a duration into a human-readable string like "2h15m" or "45s".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
