package eventloop

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/kuuji/ztcore/internal/tunnel"
)

// forwardTimeout bounds a single upstream DNS round trip. The client's own
// resolver (or the application that issued the query) owns its own retry/
// timeout policy, so a query that doesn't answer within this window is
// simply dropped rather than retried here.
const forwardTimeout = 5 * time.Second

// Forwarder relays ForwardQuery entries from a ClientState's pending queue
// to the real upstream DNS server they named, and injects the answer back
// into the tun device once it arrives. It is the detached background work
// called out in spec.md §5: "work that must not block the driver... is
// detached onto the runtime's task pool".
type Forwarder struct {
	tun   *ClassifyingTUN
	state *tunnel.ClientState
	log   *slog.Logger
}

// NewForwarder creates a Forwarder writing resolved answers to tun and
// removing satisfied queries from state's pending queue.
func NewForwarder(tun *ClassifyingTUN, state *tunnel.ClientState, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{tun: tun, state: state, log: logger.With("component", "dns-forwarder")}
}

// Drain launches one resolution attempt per ForwardQuery currently queued.
// Each attempt runs on its own goroutine so a slow or unreachable upstream
// server cannot hold up any other query.
func (f *Forwarder) Drain(ctx context.Context) {
	for _, q := range f.state.PendingQueries() {
		if q.Forward == nil {
			continue
		}
		go f.resolve(ctx, q.Forward)
	}
}

func (f *Forwarder) resolve(ctx context.Context, fq *tunnel.ForwardQuery) {
	payload, ok := tunnel.ExtractQueryPayload(fq.Original)
	if !ok {
		f.log.Warn("forward query had no extractable dns payload", "name", fq.Name)
		f.state.RemoveForwardQuery(fq)
		return
	}

	deadline, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(deadline, "udp", fq.Server.Address.String())
	if err != nil {
		f.log.Warn("dialing upstream dns server", "server", fq.Server.Address, "error", err)
		f.state.RemoveForwardQuery(fq)
		return
	}
	defer conn.Close()

	if dl, ok := deadline.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	if _, err := conn.Write(payload); err != nil {
		f.log.Warn("sending forwarded dns query", "server", fq.Server.Address, "error", err)
		f.state.RemoveForwardQuery(fq)
		return
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		f.log.Warn("reading forwarded dns response", "server", fq.Server.Address, "error", err)
		f.state.RemoveForwardQuery(fq)
		return
	}

	reply, err := tunnel.BuildResponsePacket(fq.Original, buf[:n])
	if err != nil {
		f.log.Warn("building forwarded dns reply packet", "error", err)
		f.state.RemoveForwardQuery(fq)
		return
	}

	f.state.RemoveForwardQuery(fq)
	f.tun.inject(reply)
}
