// Package agent is the top-level orchestrator: it creates the kernel TUN
// device and WireGuard device, wires tunnel domain state to the gateway
// connection manager and the control-plane reducer, and drives the single
// cooperative loop of spec.md §4.2 that dispatches portal messages and
// polled events. ClientState is also reached from other goroutines (see
// Agent), so it guards itself with its own mutex.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/kuuji/ztcore/internal/auth"
	"github.com/kuuji/ztcore/internal/bridge"
	"github.com/kuuji/ztcore/internal/config"
	"github.com/kuuji/ztcore/internal/control"
	"github.com/kuuji/ztcore/internal/eventloop"
	"github.com/kuuji/ztcore/internal/netcfg"
	"github.com/kuuji/ztcore/internal/node"
	"github.com/kuuji/ztcore/internal/platform"
	"github.com/kuuji/ztcore/internal/signaling"
	"github.com/kuuji/ztcore/internal/tunnel"
	rtcpkg "github.com/kuuji/ztcore/internal/webrtc"
	"github.com/kuuji/ztcore/internal/wgdevice"
	"github.com/kuuji/ztcore/pkg/protocol"
)

// driverPollInterval bounds how long a turn of the main loop can go without
// re-checking the event loop's polled sources — role-state and connection-
// state events (spec.md §4.2 steps 1-2) have no channel of their own to
// select on, unlike the signaling channel's message stream.
const driverPollInterval = 10 * time.Millisecond

// Agent owns every long-lived resource of a running tunnel core: the TUN
// device, the WireGuard device, the gateway connection manager, and the
// signaling channel to the portal. Its drive loop is where portal messages
// and polled tunnel/node events are applied to ClientState, but it isn't
// the only goroutine that reaches ClientState: wireguard-go's tun reader
// goroutine classifies every outbound packet through Encapsulate, and each
// Forwarder resolution goroutine removes its query once answered. See
// tunnel.ClientState's own doc comment for why it carries a mutex instead
// of relying on single-goroutine ownership.
type Agent struct {
	cfg        *config.Config
	configPath string
	platform   platform.Callbacks
	log        *slog.Logger

	bind    *bridge.Bind
	device  *wgdevice.Device
	ifName  string
	ct      *eventloop.ClassifyingTUN
	state   *tunnel.ClientState
	nd      *node.Node
	loop    *eventloop.Loop
	reducer *control.Reducer
	sig     *signaling.Client
	ctrl    *control.Server
	cancel  context.CancelFunc

	startedAt time.Time

	tokenMu     sync.RWMutex
	accessToken string

	ifaceConfigured bool
}

// New creates an Agent from cfg. configPath is where a rotated refresh
// token is persisted after a 401-triggered auth refresh; pf supplies the
// platform callbacks (default resolvers, log rolling) the reducer needs.
func New(cfg *config.Config, configPath string, pf platform.Callbacks, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		cfg:        cfg,
		configPath: configPath,
		platform:   pf,
		log:        logger.With("component", "agent"),
	}
}

// Run creates the TUN and WireGuard devices, connects to the portal, and
// blocks dispatching messages and events until ctx is cancelled or the
// signaling channel closes for good.
func (a *Agent) Run(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	defer a.cancel()

	a.bind = bridge.NewBind(a.log)

	innerTUN, err := wgdevice.CreateTUN("", wgdevice.DefaultMTU)
	if err != nil {
		return fmt.Errorf("creating TUN device: %w", err)
	}
	a.ifName, err = innerTUN.Name()
	if err != nil {
		_ = innerTUN.Close()
		return fmt.Errorf("getting TUN device name: %w", err)
	}

	a.state = tunnel.NewClientState(a.log)
	a.ct = eventloop.NewClassifyingTUN(innerTUN, a.state, a.log)

	a.device, err = wgdevice.NewDevice(wgdevice.DeviceConfig{
		PrivateKey: a.cfg.Device.PrivateKey,
	}, a.ct, a.bind, a.log)
	if err != nil {
		_ = innerTUN.Close()
		return fmt.Errorf("creating WireGuard device: %w", err)
	}
	defer a.device.Close()

	if err := netcfg.SetLinkUp(a.ifName); err != nil {
		return fmt.Errorf("bringing up %s: %w", a.ifName, err)
	}
	if err := a.installStaticRoutes(); err != nil {
		return fmt.Errorf("installing static routes on %s: %w", a.ifName, err)
	}

	a.nd = node.New(node.Config{
		Device: a.device,
		Bind:   a.bind,
		ICE: rtcpkg.ICEConfig{
			STUNServers: a.cfg.STUN.Servers,
			ForceRelay:  a.cfg.Device.ForceRelay,
		},
		Logger: a.log,
	})

	a.loop = eventloop.New(a.ct, a.nd, a.state, a.log)
	a.reducer = control.New(a.state, a.nd, sigSender{a}, a.loop, a.platform, http.DefaultClient, a.log)

	a.tokenMu.Lock()
	a.accessToken = ""
	a.tokenMu.Unlock()

	a.sig = signaling.NewClient(signaling.ClientConfig{
		ServerURL:     a.cfg.Portal.ServerURL,
		TokenProvider: a.currentToken,
		OnAuthFailure: func() error { return a.refreshToken(ctx) },
		Logger:        a.log,
		Reconnect:     signaling.ReconnectConfig{Enabled: true},
	})

	if err := a.refreshToken(ctx); err != nil {
		return fmt.Errorf("obtaining initial access token: %w", err)
	}
	if err := a.sig.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to portal: %w", err)
	}

	a.startedAt = time.Now()

	a.ctrl = control.NewServer(control.ResolveSocketPath(), a.Status, a.log)
	a.ctrl.SetShutdownFunc(a.cancel)
	if err := a.ctrl.Start(); err != nil {
		a.log.Warn("starting control socket", "error", err)
	}

	a.log.Info("agent started", "device", a.cfg.Device.Name, "interface", a.ifName, "portal", a.cfg.Portal.ServerURL)

	go a.loop.Run(ctx)

	return a.drive(ctx)
}

// Status reports the agent's current state for the "tunnelctl status"
// CLI command, served over the Unix control socket.
func (a *Agent) Status() control.Status {
	resources := a.state.Resources()
	out := make([]control.ResourceStatus, 0, len(resources))
	for _, r := range resources {
		addr := r.DnsAddress
		if r.Kind == protocol.ResourceKindCidr {
			addr = r.CidrAddress.String()
		}
		out = append(out, control.ResourceStatus{
			ID:      r.Id.String(),
			Name:    r.Name,
			Kind:    string(r.Kind),
			Address: addr,
		})
	}

	return control.Status{
		Device:            a.cfg.Device.Name,
		Interface:         a.ifName,
		ServerURL:         a.cfg.Portal.ServerURL,
		UptimeSeconds:     time.Since(a.startedAt).Seconds(),
		ConnectedGateways: len(a.state.ConnectedGatewayIds()),
		Resources:         out,
	}
}

// drive is the single cooperative loop: it dispatches inbound portal
// messages as they arrive and, on each tick, drains every pending role-
// state/connection-state event. Both paths run on this one goroutine, so
// portal messages and polled events are applied in a single order; other
// goroutines still reach ClientState concurrently through its mutex.
func (a *Agent) drive(ctx context.Context) error {
	ticker := time.NewTicker(driverPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return ctx.Err()
		case env, ok := <-a.sig.Messages():
			if !ok {
				a.shutdown()
				return fmt.Errorf("agent: signaling channel closed")
			}
			if err := a.handlePortalMessage(ctx, env); err != nil {
				a.log.Error("handling portal message", "error", err)
			}
		case <-ticker.C:
			a.drainEvents(ctx)
		}
	}
}

// handlePortalMessage hands env to the reducer for its domain-state effects,
// then applies whatever kernel-level network configuration that domain
// change implies. The two are kept separate because only Agent holds the
// OS-integration handles (interface name, netcfg) the reducer never sees.
func (a *Agent) handlePortalMessage(ctx context.Context, env protocol.Envelope) error {
	var deletedCidr netip.Prefix
	var hadCidr bool
	if msg, ok := env.Message.(*protocol.ResourceDeletedMessage); ok {
		if res, ok := a.state.ResourceByID(msg.Id); ok && res.Kind == protocol.ResourceKindCidr {
			deletedCidr, hadCidr = res.CidrAddress, true
		}
	}

	if err := a.reducer.HandleMessage(ctx, env); err != nil {
		return err
	}

	switch msg := env.Message.(type) {
	case *protocol.InitMessage:
		if a.ifaceConfigured {
			return nil
		}
		a.ifaceConfigured = true
		if err := a.configureInterface(msg.Interface); err != nil {
			return err
		}
		for _, res := range msg.Resources {
			if res.Kind == protocol.ResourceKindCidr {
				a.addResourceRoute(res.CidrAddress)
			}
		}
	case *protocol.ResourceCreatedOrUpdatedMessage:
		if msg.Resource.Kind == protocol.ResourceKindCidr {
			a.addResourceRoute(msg.Resource.CidrAddress)
		}
	case *protocol.ResourceDeletedMessage:
		if hadCidr {
			a.removeResourceRoute(deletedCidr)
		}
	}
	return nil
}

// configureInterface assigns the portal-issued addresses to the tun
// interface and points its DNS configuration at the sentinel addresses
// ClientState allocated for Init's upstream resolver set, so that every
// query the OS issues passes through the tun device for classification.
func (a *Agent) configureInterface(iface protocol.InterfaceConfig) error {
	if iface.Ipv4.IsValid() {
		if err := netcfg.AddAddress(a.ifName, netip.PrefixFrom(iface.Ipv4, 32).String()); err != nil {
			return fmt.Errorf("assigning %s to %s: %w", iface.Ipv4, a.ifName, err)
		}
	}
	if iface.Ipv6.IsValid() {
		if err := netcfg.AddAddress(a.ifName, netip.PrefixFrom(iface.Ipv6, 128).String()); err != nil {
			return fmt.Errorf("assigning %s to %s: %w", iface.Ipv6, a.ifName, err)
		}
	}

	sentinels := a.state.SentinelMapping().Sentinels()
	dns := make([]string, len(sentinels))
	for i, s := range sentinels {
		dns[i] = s.String()
	}
	if err := netcfg.SetDNS(a.ifName, dns, nil); err != nil {
		return fmt.Errorf("setting DNS on %s: %w", a.ifName, err)
	}
	return nil
}

// addResourceRoute installs a kernel route for a Cidr resource's network,
// refusing anything that would replace the client's own default route.
func (a *Agent) addResourceRoute(prefix netip.Prefix) {
	cidr := prefix.String()
	if !isValidRoute(cidr) {
		a.log.Warn("refusing to route dangerous resource CIDR", "cidr", cidr)
		return
	}
	if err := netcfg.AddRoute(a.ifName, cidr); err != nil {
		a.log.Error("adding resource route", "cidr", cidr, "error", err)
	}
}

func (a *Agent) removeResourceRoute(prefix netip.Prefix) {
	if err := netcfg.RemoveRoute(a.ifName, prefix.String()); err != nil {
		a.log.Error("removing resource route", "cidr", prefix.String(), "error", err)
	}
}

// isValidRoute rejects CIDR resources whose prefix would replace the
// client's own default route. A misbehaving or compromised portal must
// never be able to push a 0.0.0.0/0 or ::/0 resource onto a client.
func isValidRoute(cidr string) bool {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return false
	}
	return prefix.Bits() > 0
}

func (a *Agent) drainEvents(ctx context.Context) {
	for {
		ev, ok := a.loop.PollEvent()
		if !ok {
			return
		}
		var err error
		switch e := ev.(type) {
		case tunnel.Event:
			err = a.reducer.HandleTunnelEvent(ctx, e)
		case node.Event:
			err = a.reducer.HandleNodeEvent(ctx, e)
		default:
			err = fmt.Errorf("agent: polled event of unrecognized type %T", ev)
		}
		if err != nil {
			a.log.Error("handling polled event", "error", err)
		}
	}
}

// installStaticRoutes routes the fixed synthetic address ranges the tunnel
// core draws from — DNS sentinels and per-resource internal IPs — to the
// tun interface once, at startup. Both ranges are hard-coded constants
// (spec.md §6), not runtime values, so unlike a Cidr resource's network
// they don't need to be added or removed as resources come and go.
func (a *Agent) installStaticRoutes() error {
	for _, cidr := range []string{
		tunnel.SentinelV4CIDR,
		tunnel.SentinelV6CIDR,
		tunnel.DefaultResourceV4CIDR,
		tunnel.DefaultResourceV6CIDR,
	} {
		if err := netcfg.AddRoute(a.ifName, cidr); err != nil {
			return fmt.Errorf("routing %s via %s: %w", cidr, a.ifName, err)
		}
	}
	return nil
}

func (a *Agent) currentToken() string {
	a.tokenMu.RLock()
	defer a.tokenMu.RUnlock()
	return a.accessToken
}

// refreshToken exchanges the stored refresh token for a new access token,
// persisting the rotated refresh token the portal hands back. Called once
// at startup and again whenever the signaling client reports a 401.
func (a *Agent) refreshToken(ctx context.Context) error {
	resp, err := auth.Refresh(ctx, a.cfg.Portal.ServerURL, a.cfg.Portal.ClientID, a.cfg.Portal.RefreshToken)
	if err != nil {
		return fmt.Errorf("refreshing portal access token: %w", err)
	}

	a.cfg.Portal.RefreshToken = resp.RefreshToken
	if a.configPath != "" {
		if err := config.SaveSecrets(a.configPath, a.cfg); err != nil {
			a.log.Warn("saving rotated refresh token", "error", err)
		}
	}

	a.tokenMu.Lock()
	a.accessToken = resp.AccessToken
	a.tokenMu.Unlock()
	return nil
}

// shutdown closes the signaling client and the bridge bind. The WireGuard
// device itself is closed by Run's deferred call, since device creation and
// teardown happen in the same stack frame.
func (a *Agent) shutdown() {
	a.log.Info("shutting down agent")
	if a.ctrl != nil {
		if err := a.ctrl.Stop(); err != nil {
			a.log.Error("stopping control socket", "error", err)
		}
	}
	if a.sig != nil {
		if err := a.sig.Close(); err != nil {
			a.log.Error("closing signaling client", "error", err)
		}
	}
	if a.bind != nil {
		if err := a.bind.Close(); err != nil {
			a.log.Error("closing bridge bind", "error", err)
		}
	}
}

// sigSender adapts *signaling.Client to the control package's narrow
// sender interface, which wants protocol.EgressMessage (the send-only
// half of Client.Send's signature) without exposing the rest of Client.
type sigSender struct{ a *Agent }

func (s sigSender) Send(ctx context.Context, msg protocol.EgressMessage, ref protocol.Reference) error {
	return s.a.sig.Send(ctx, msg, ref)
}
