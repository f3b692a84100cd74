package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/kuuji/ztcore/internal/config"
	"github.com/kuuji/ztcore/internal/ids"
	"github.com/kuuji/ztcore/internal/logupload"
	"github.com/kuuji/ztcore/internal/node"
	"github.com/kuuji/ztcore/internal/platform"
	"github.com/kuuji/ztcore/internal/tunnel"
	rtcpkg "github.com/kuuji/ztcore/internal/webrtc"
	"github.com/kuuji/ztcore/pkg/protocol"
)

// logUploadTimeout bounds a single signed-URL log upload. Detached work per
// spec.md §5: it runs on its own goroutine and reports only via logs.
const logUploadTimeout = 30 * time.Second

// sender is the subset of *signaling.Client the reducer needs.
type sender interface {
	Send(ctx context.Context, msg protocol.EgressMessage, ref protocol.Reference) error
}

// injector is the subset of *eventloop.Loop the reducer needs, to flush
// SendPacket events produced outside of a tun read (RetryDeferred answering
// a query once its resource's domain resolves).
type injector interface {
	InjectEvents(events []tunnel.Event)
}

// gatewayNode is the subset of *node.Node the reducer drives.
type gatewayNode interface {
	ConnectionICE(relays []protocol.Relay) rtcpkg.ICEConfig
	RequestOffer(gateway ids.GatewayId, ice rtcpkg.ICEConfig, publicKey config.Key, allowedIPs []string) (string, error)
	SetPublicKey(gateway ids.GatewayId, publicKey config.Key) error
	SetAnswer(gateway ids.GatewayId, sdp string) error
	AddICECandidate(gateway ids.GatewayId, candidate string) error
	UpdateAllowedIPs(gateway ids.GatewayId, allowedIPs []string) error
	StopPeer(gateway ids.GatewayId)
}

// ChannelErrorAction tells the caller what to do in response to a
// channel-level error surfaced outside the normal message stream.
type ChannelErrorAction int

const (
	// ChannelErrorActionNone means the reducer already handled the error
	// internally (e.g. cleaned up a resource's connection); no further
	// action needed.
	ChannelErrorActionNone ChannelErrorAction = iota
	// ChannelErrorActionRejoin means the caller should rejoin the portal
	// topic (the signaling client's reconnect path).
	ChannelErrorActionRejoin
	// ChannelErrorActionFatal means the caller should disconnect and stop;
	// the portal has permanently rejected this session.
	ChannelErrorActionFatal
)

// pendingConnection tracks an in-flight RequestConnection/ReuseConnection
// awaiting the portal's Connect reply, keyed by resource id — the id
// carried on both ConnectionDetails and Connect, and the only field that
// can correlate the two across the portal round trip.
type pendingConnection struct {
	gateway  ids.GatewayId
	resource protocol.ResourceDescription
}

// Reducer is the control-plane message handler of spec.md §4.1: it turns
// portal messages and tunnel/node events into ClientState mutations and
// egress messages, bridging the signaling channel to the tunnel's domain
// logic and the node's connection lifecycle.
//
// Reducer is driven exclusively from the event loop's drive goroutine, so it
// carries no lock of its own. That's narrower than tunnel.ClientState's own
// guarantee: ClientState is also reached from wireguard-go's tun-reader
// goroutine and the forwarder's per-query goroutines, which is why it has a
// mutex (see its doc comment) even though Reducer itself doesn't need one.
type Reducer struct {
	state      *tunnel.ClientState
	node       gatewayNode
	send       sender
	inject     injector
	platform   platform.Callbacks
	httpClient *http.Client
	log        *slog.Logger

	pending    map[ids.ResourceId]pendingConnection
	allowedIPs map[ids.GatewayId][]string
}

// New creates a Reducer wiring state, nd, snd, and inj together. httpClient
// is used for signed-URL log uploads; if nil, http.DefaultClient is used.
func New(state *tunnel.ClientState, nd gatewayNode, snd sender, inj injector, pf platform.Callbacks, httpClient *http.Client, logger *slog.Logger) *Reducer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reducer{
		state:      state,
		node:       nd,
		send:       snd,
		inject:     inj,
		platform:   pf,
		httpClient: httpClient,
		log:        logger.With("component", "control-reducer"),
		pending:    make(map[ids.ResourceId]pendingConnection),
		allowedIPs: make(map[ids.GatewayId][]string),
	}
}

// HandleMessage dispatches a single ingress envelope from the portal.
func (r *Reducer) HandleMessage(ctx context.Context, env protocol.Envelope) error {
	switch msg := env.Message.(type) {
	case *protocol.InitMessage:
		return r.handleInit(msg)
	case *protocol.ConnectionDetailsMessage:
		return r.handleConnectionDetails(ctx, msg)
	case *protocol.ConnectMessage:
		return r.handleConnect(msg)
	case *protocol.IceCandidatesMessage:
		r.handleIceCandidates(msg)
		return nil
	case *protocol.ResourceCreatedOrUpdatedMessage:
		r.state.UpsertResource(msg.Resource)
		return nil
	case *protocol.ResourceDeletedMessage:
		r.handleResourceDeleted(msg)
		return nil
	case *protocol.SignedLogUrlMessage:
		r.handleSignedLogUrl(msg)
		return nil
	case *protocol.ConfigChangedMessage:
		return nil
	default:
		return fmt.Errorf("control: unhandled message type %T", env.Message)
	}
}

func (r *Reducer) handleInit(msg *protocol.InitMessage) error {
	var defaultResolvers []netip.Addr
	if r.platform != nil {
		var err error
		defaultResolvers, err = r.platform.SystemDefaultResolvers()
		if err != nil {
			r.log.Warn("reading system default resolvers", "error", err)
		}
	}
	return r.state.ApplyInit(msg.Interface, msg.Resources, defaultResolvers)
}

func (r *Reducer) handleConnectionDetails(ctx context.Context, msg *protocol.ConnectionDetailsMessage) error {
	resource, ok := r.state.ResourceByID(msg.ResourceId)
	if !ok {
		return fmt.Errorf("control: connection details for unknown resource %s", msg.ResourceId)
	}

	ice := r.node.ConnectionICE(msg.Relays)

	if r.isConnected(msg.GatewayId) {
		r.pending[resource.Id] = pendingConnection{gateway: msg.GatewayId, resource: resource}
		if err := r.send.Send(ctx, protocol.ReuseConnectionMessage{
			ResourceId: resource.Id,
			GatewayId:  msg.GatewayId,
		}, protocol.Reference(resource.Id.String())); err != nil {
			return fmt.Errorf("sending reuse_connection for resource %s: %w", resource.Id, err)
		}
		return nil
	}

	offer, err := r.node.RequestOffer(msg.GatewayId, ice, config.Key{}, nil)
	if err != nil {
		return fmt.Errorf("requesting offer for resource %s: %w", resource.Id, err)
	}
	r.pending[resource.Id] = pendingConnection{gateway: msg.GatewayId, resource: resource}

	if err := r.send.Send(ctx, protocol.RequestConnectionMessage{
		ResourceId: resource.Id,
		GatewayId:  msg.GatewayId,
		OfferSDP:   offer,
	}, protocol.Reference(resource.Id.String())); err != nil {
		r.cleanupConnection(resource.Id)
		return fmt.Errorf("sending request_connection for resource %s: %w", resource.Id, err)
	}
	return nil
}

func (r *Reducer) handleConnect(msg *protocol.ConnectMessage) error {
	pc, ok := r.pending[msg.ResourceId]
	if !ok {
		return fmt.Errorf("control: connect reply for resource %s with no pending connection", msg.ResourceId)
	}
	delete(r.pending, msg.ResourceId)

	switch msg.Kind {
	case protocol.GatewayPayloadConnectionAccepted:
		publicKey, err := config.ParseKey(msg.GatewayPublicKey)
		if err != nil {
			r.node.StopPeer(pc.gateway)
			return fmt.Errorf("parsing gateway public key for resource %s: %w", msg.ResourceId, err)
		}
		if err := r.node.SetPublicKey(pc.gateway, publicKey); err != nil {
			r.node.StopPeer(pc.gateway)
			return fmt.Errorf("recording public key for gateway %s: %w", pc.gateway, err)
		}
		if err := r.node.SetAnswer(pc.gateway, msg.AnswerSDP); err != nil {
			r.node.StopPeer(pc.gateway)
			return fmt.Errorf("applying answer for gateway %s: %w", pc.gateway, err)
		}
	case protocol.GatewayPayloadResourceAccepted:
		// An existing connection was reused for this resource; the peer
		// connection itself needs no changes.
	default:
		return fmt.Errorf("control: unknown gateway payload kind %q", msg.Kind)
	}

	r.state.MarkConnected(pc.gateway)
	r.applyResourceRouting(pc.resource, pc.gateway)

	if msg.DomainResponse != nil {
		r.resolveDomain(pc.gateway, *msg.DomainResponse)
	}
	return nil
}

// applyResourceRouting installs the routing-table entry for a Cidr
// resource's whole network as soon as its gateway connection is confirmed.
// Dns resources have no fixed network — their internal IPs are allocated
// per concrete name as DomainResponse messages name them (resolveDomain).
func (r *Reducer) applyResourceRouting(resource protocol.ResourceDescription, gateway ids.GatewayId) {
	if resource.Kind != protocol.ResourceKindCidr {
		return
	}
	r.state.RouteCidrResource(resource.Id, gateway)
	r.addAllowedIPs(gateway, []string{resource.CidrAddress.String()})
}

// resolveDomain allocates internal IPs for a gateway-resolved domain name,
// routes them to gateway, and retries any query that had been deferred
// waiting on exactly this allocation.
func (r *Reducer) resolveDomain(gateway ids.GatewayId, dr protocol.DomainResponse) {
	addrs, err := r.state.AllocateResourceIPs(dr.Domain, gateway)
	if err != nil {
		r.log.Warn("allocating internal ips for resolved domain", "domain", dr.Domain, "error", err)
		return
	}
	r.addAllowedIPs(gateway, internalIPPrefixes(addrs))
	r.inject.InjectEvents(r.state.RetryDeferred())
}

// addAllowedIPs merges add into gateway's cumulative AllowedIPs set and
// pushes the result to the node. Node.UpdateAllowedIPs replaces the whole
// set on the wire (WireGuard's replace_allowed_ips semantics), so the
// reducer — not the node — must remember everything accumulated so far.
func (r *Reducer) addAllowedIPs(gateway ids.GatewayId, add []string) {
	merged := append(append([]string(nil), r.allowedIPs[gateway]...), add...)
	r.allowedIPs[gateway] = merged
	if err := r.node.UpdateAllowedIPs(gateway, merged); err != nil {
		r.log.Warn("updating allowed ips", "gateway", gateway, "error", err)
	}
}

func (r *Reducer) handleIceCandidates(msg *protocol.IceCandidatesMessage) {
	for _, c := range msg.Candidates {
		if err := r.node.AddICECandidate(msg.GatewayId, c); err != nil {
			r.log.Warn("adding ice candidate", "gateway", msg.GatewayId, "error", err)
		}
	}
}

func (r *Reducer) handleResourceDeleted(msg *protocol.ResourceDeletedMessage) {
	r.state.RemoveResource(msg.Id)
	delete(r.pending, msg.Id)
}

func (r *Reducer) handleSignedLogUrl(msg *protocol.SignedLogUrlMessage) {
	if r.platform == nil {
		return
	}
	path, err := r.platform.RollLogFile()
	if err != nil {
		r.log.Warn("rolling log file for upload", "error", err)
		return
	}
	go r.uploadLog(msg.Url, path)
}

func (r *Reducer) uploadLog(url, path string) {
	f, err := os.Open(path)
	if err != nil {
		r.log.Warn("opening rolled log file", "path", path, "error", err)
		return
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), logUploadTimeout)
	defer cancel()

	if err := logupload.Upload(ctx, r.httpClient, url, f); err != nil {
		r.log.Warn("uploading log file", "url", url, "error", err)
		return
	}
	r.log.Info("uploaded log file", "path", path)
}

// HandleTunnelEvent applies a role-state event from the event loop.
func (r *Reducer) HandleTunnelEvent(ctx context.Context, ev tunnel.Event) error {
	intent, ok := ev.(tunnel.ConnectionIntent)
	if !ok {
		return fmt.Errorf("control: unhandled tunnel event %T", ev)
	}

	return r.send.Send(ctx, protocol.PrepareConnectionMessage{
		ResourceId:          intent.Resource.Id,
		ConnectedGatewayIds: intent.ConnectedGatewayIds,
	}, protocol.Reference(intent.Resource.Id.String()))
}

// HandleNodeEvent applies a connection-state event from the node.
func (r *Reducer) HandleNodeEvent(ctx context.Context, ev node.Event) error {
	switch e := ev.(type) {
	case node.SignalIceCandidate:
		return r.send.Send(ctx, protocol.BroadcastIceCandidatesMessage{
			GatewayIds: []ids.GatewayId{e.Gateway},
			Candidates: []string{e.Candidate},
		}, "")
	case node.ConnectionFailed:
		r.state.CleanupConnectedGateway(e.Gateway)
		delete(r.allowedIPs, e.Gateway)
		return nil
	default:
		return fmt.Errorf("control: unhandled node event %T", ev)
	}
}

// HandleChannelError reacts to a channel-level error the signaling layer
// surfaced outside the normal message stream, per spec.md §4.1.
func (r *Reducer) HandleChannelError(chErr protocol.ChannelError) ChannelErrorAction {
	switch chErr.Kind {
	case protocol.ErrorOffline:
		if resourceID, err := ids.NewResourceId(string(chErr.Reference)); err == nil {
			r.cleanupConnection(resourceID)
		} else {
			r.log.Warn("offline error with unparseable resource reference", "reference", chErr.Reference)
		}
		return ChannelErrorActionNone
	case protocol.ErrorUnmatchedTopic:
		r.log.Warn("unmatched topic, rejoin required", "topic", chErr.Topic)
		return ChannelErrorActionRejoin
	case protocol.ErrorTokenExpired, protocol.ErrorClosedByPortal:
		r.log.Error("fatal channel error", "error", chErr)
		return ChannelErrorActionFatal
	default:
		return ChannelErrorActionNone
	}
}

func (r *Reducer) cleanupConnection(resourceID ids.ResourceId) {
	pc, ok := r.pending[resourceID]
	delete(r.pending, resourceID)
	if !ok {
		return
	}
	r.node.StopPeer(pc.gateway)
	r.state.CleanupConnectedGateway(pc.gateway)
	delete(r.allowedIPs, pc.gateway)
}

func (r *Reducer) isConnected(gateway ids.GatewayId) bool {
	for _, g := range r.state.ConnectedGatewayIds() {
		if g == gateway {
			return true
		}
	}
	return false
}

func internalIPPrefixes(addrs []netip.Addr) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, netip.PrefixFrom(a, a.BitLen()).String())
	}
	return out
}
