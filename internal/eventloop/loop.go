package eventloop

import (
	"context"
	"log/slog"
	"time"

	"github.com/kuuji/ztcore/internal/node"
	"github.com/kuuji/ztcore/internal/tunnel"
)

// forwarderInterval is how often the background forwarder checks the
// pending queue for newly-enqueued ForwardQuery entries. Short enough that a
// forwarded query's added latency is dominated by the upstream round trip,
// not this poll.
const forwarderInterval = 25 * time.Millisecond

// nodeEvents is the subset of *node.Node that Loop polls — narrowed to an
// interface for testability.
type nodeEvents interface {
	PollEvent() (node.Event, bool)
}

// Loop merges the role-state events produced by tun classification with the
// connection-state events produced by the node, in the fixed priority order
// of spec.md §4.2 steps 1 and 2: role state first, connection state second.
// Steps 3, 5, and 6 of that order (decapsulated packet delivery, tun read,
// device EOF) are handled inside wireguard-go's own device goroutines and
// ClassifyingTUN, and never reach Loop directly; step 4 (send-readiness) has
// no analog since the bridge's data channel either accepts a Send or
// returns an error, with no blocking wait.
type Loop struct {
	tun       *ClassifyingTUN
	node      nodeEvents
	forwarder *Forwarder
	log       *slog.Logger
}

// New creates a Loop around an already-wired ClassifyingTUN and Node.
func New(tun *ClassifyingTUN, nd nodeEvents, state *tunnel.ClientState, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		tun:       tun,
		node:      nd,
		forwarder: NewForwarder(tun, state, logger),
		log:       logger.With("component", "eventloop"),
	}
}

// PollEvent returns the next pending event, preferring role-state events
// over connection-state events, or (nil, false) if neither has one queued.
// The returned value is either a tunnel.Event or a node.Event; callers type-
// switch on it (this mirrors Rust's enum dispatch with Go's nearest
// equivalent, an any plus a type switch, since the two event families come
// from independent packages and sum types don't exist in Go).
func (l *Loop) PollEvent() (any, bool) {
	select {
	case ev := <-l.tun.RoleEvents():
		return ev, true
	default:
	}

	if ev, ok := l.node.PollEvent(); ok {
		return ev, true
	}

	return nil, false
}

// InjectEvents writes any SendPacket events directly to the tun device.
// Used by the control-plane reducer after operations that produce such
// events outside of a tun read — e.g. ClientState.RetryDeferred answering a
// previously-deferred query once its resource's IPs are allocated.
func (l *Loop) InjectEvents(events []tunnel.Event) {
	for _, ev := range events {
		if sp, ok := ev.(tunnel.SendPacket); ok {
			l.tun.inject(sp.Packet)
		}
	}
}

// Run starts the background forwarder poll. It blocks until ctx is
// cancelled — callers run it on its own goroutine alongside the control-
// plane reducer's PollEvent loop.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(forwarderInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.forwarder.Drain(ctx)
		}
	}
}
