package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kuuji/ztcore/internal/agent"
	"github.com/kuuji/ztcore/internal/config"
	"github.com/kuuji/ztcore/internal/platform"
)

// logFilePath is where "tunnelctl up" writes the agent's log, so
// platform.CLICallbacks has something to roll when the portal requests a
// log upload.
const logFilePath = "/var/log/tunnelctl.log"

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Connect to the portal",
	Long: `Start the tunnel agent: create a WireGuard tunnel, connect to the
portal's signaling channel, and bridge traffic over WebRTC data channels
to whatever gateways front the resources the portal has granted.

Requires root privileges for TUN device creation:
  sudo tunnelctl up`,
	RunE: runUp,
}

func runUp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := globalLogger
	if f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
		logger = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo}))
	} else {
		logger.Warn("opening log file, logging to stderr only", "path", logFilePath, "error", err)
	}

	callbacks := &platform.CLICallbacks{LogPath: logFilePath}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(cfg, resolvedConfigPath(), callbacks, logger)

	globalLogger.Info("starting tunnelctl", "config", resolvedConfigPath())

	if err := a.Run(ctx); err != nil {
		if ctx.Err() != nil {
			globalLogger.Info("tunnelctl stopped")
			return nil
		}
		if strings.Contains(err.Error(), "operation not permitted") || strings.Contains(err.Error(), "not permitted") {
			return fmt.Errorf("agent error: %w\n\nTUN device creation requires root privileges.\nRun: sudo tunnelctl up", err)
		}
		return fmt.Errorf("agent error: %w", err)
	}

	return nil
}

// validateConfig checks that all fields the agent needs before it can even
// attempt to reach the portal are present.
func validateConfig(cfg *config.Config) error {
	if cfg.Portal.ServerURL == "" {
		return fmt.Errorf("portal.server_url is required")
	}
	if cfg.Portal.ClientID == "" {
		return fmt.Errorf("portal.client_id is required")
	}
	if cfg.Portal.RefreshToken == "" {
		return fmt.Errorf("portal.refresh_token is required")
	}
	if cfg.Device.Name == "" {
		return fmt.Errorf("device.name is required")
	}
	if cfg.Device.PrivateKey.IsZero() {
		return fmt.Errorf("device.private_key is required")
	}
	return nil
}

// loadConfig loads the TOML config from the resolved path.
func loadConfig() (*config.Config, error) {
	cfgPath := resolvedConfigPath()
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", cfgPath, err)
	}
	return cfg, nil
}

// resolvedConfigPath returns the config file path, using the global flag
// if set, otherwise the default system path.
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	p, err := config.DefaultConfigPath()
	if err != nil {
		return "config.toml"
	}
	return p
}
