package platform

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// CLICallbacks is the Callbacks implementation used when the tunnel core
// runs as a standalone daemon (cmd/tunnelctl), as opposed to embedded in a
// platform-specific extension. Socket protection has no meaning for a
// daemon process whose sockets are opened before the tunnel takes over
// the default route, so CLICallbacks pairs with platform.NoopProtector.
type CLICallbacks struct {
	// LogPath is the file RollLogFile rolls.
	// Rolling renames the current file to a timestamp-suffixed sibling
	// and returns that sibling's path for upload.
	LogPath string

	mu sync.Mutex
}

// SystemDefaultResolvers reads /etc/resolv.conf with the same resolver
// config parser the standard library's net package is built on, so the
// client computes its upstream DNS set the way the OS itself would.
func (c *CLICallbacks) SystemDefaultResolvers() ([]netip.Addr, error) {
	cc, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, fmt.Errorf("reading /etc/resolv.conf: %w", err)
	}

	addrs := make([]netip.Addr, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// RollLogFile renames the current log file aside with a timestamp suffix
// and returns that path. It does not reopen or recreate LogPath: a logger
// that already holds the file open (as "tunnelctl up" does) keeps writing
// to the renamed file, and a later call fails until LogPath exists again.
func (c *CLICallbacks) RollLogFile() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.LogPath == "" {
		return "", fmt.Errorf("platform: no log file configured")
	}
	if _, err := os.Stat(c.LogPath); err != nil {
		return "", fmt.Errorf("stat %s: %w", c.LogPath, err)
	}

	rolled := fmt.Sprintf("%s.%s", c.LogPath, time.Now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(c.LogPath, rolled); err != nil {
		return "", fmt.Errorf("rolling %s: %w", c.LogPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(c.LogPath), 0o755); err != nil {
		return "", fmt.Errorf("recreating log directory: %w", err)
	}
	return rolled, nil
}
