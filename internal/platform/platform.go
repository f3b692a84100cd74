// Package platform defines the narrow callback surface the embedding
// process (a CLI daemon on Linux, a NetworkExtension on Apple platforms, a
// VpnService on Android) must implement for the tunnel core to operate.
// None of these capabilities — socket protection, default resolver
// discovery, log-file rotation — can be implemented generically; they are
// intentionally left as an interface for the embedder to supply.
package platform

import "net/netip"

// SocketProtector exempts a raw socket file descriptor from the VPN's own
// routing, so the tunnel core's own control-plane and ICE sockets don't
// loop back through the tunnel they are establishing. On Android this maps
// directly to VpnService.protect(fd); on Linux/macOS/Windows it is
// typically a no-op because the tunnel core's sockets are created before
// the default route is redirected.
type SocketProtector interface {
	// Protect marks fd as exempt from the tunnel's routing. It returns
	// false if the platform refused the request.
	Protect(fd int) bool
}

// NoopProtector is a SocketProtector that protects nothing; suitable for
// platforms (Linux, macOS, Windows) where sockets opened before the
// default route changes never need protecting.
type NoopProtector struct{}

// Protect always reports success without doing anything.
func (NoopProtector) Protect(int) bool { return true }

// Callbacks groups the embedder-supplied operations the tunnel core needs
// beyond raw networking: discovering the system's configured DNS resolvers
// (used to compute the effective upstream DNS set when the portal sends
// none), and rolling/locating the current log file for upload when the
// portal issues a SignedLogUrl message.
type Callbacks interface {
	// SystemDefaultResolvers returns the DNS resolvers the OS is
	// currently configured to use, read before the tunnel interface
	// becomes the default route.
	SystemDefaultResolvers() ([]netip.Addr, error)

	// RollLogFile closes the current log file (if any), starts a new
	// one, and returns the path of the file that should now be
	// uploaded. Implementations that don't log to disk return an error.
	RollLogFile() (string, error)
}
