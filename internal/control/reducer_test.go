package control

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kuuji/ztcore/internal/config"
	"github.com/kuuji/ztcore/internal/ids"
	"github.com/kuuji/ztcore/internal/node"
	"github.com/kuuji/ztcore/internal/platform"
	"github.com/kuuji/ztcore/internal/tunnel"
	rtcpkg "github.com/kuuji/ztcore/internal/webrtc"
	"github.com/kuuji/ztcore/pkg/protocol"
)

// fakeSender records every egress message sent, keyed by its EgressType.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

type sentMessage struct {
	msg protocol.EgressMessage
	ref protocol.Reference
}

func (f *fakeSender) Send(_ context.Context, msg protocol.EgressMessage, ref protocol.Reference) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{msg: msg, ref: ref})
	return nil
}

func (f *fakeSender) last() sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeInjector records injected tunnel events.
type fakeInjector struct {
	mu     sync.Mutex
	events []tunnel.Event
}

func (f *fakeInjector) InjectEvents(events []tunnel.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
}

// fakeGatewayNode stands in for *node.Node.
type fakeGatewayNode struct {
	mu             sync.Mutex
	offerErr       error
	requestedFor   []ids.GatewayId
	publicKeys     map[ids.GatewayId]config.Key
	answers        map[ids.GatewayId]string
	candidates     map[ids.GatewayId][]string
	allowedIPs     map[ids.GatewayId][]string
	stopped        []ids.GatewayId
	setPublicErr   error
	setAnswerErr   error
}

func newFakeGatewayNode() *fakeGatewayNode {
	return &fakeGatewayNode{
		publicKeys: make(map[ids.GatewayId]config.Key),
		answers:    make(map[ids.GatewayId]string),
		candidates: make(map[ids.GatewayId][]string),
		allowedIPs: make(map[ids.GatewayId][]string),
	}
}

func (f *fakeGatewayNode) ConnectionICE(relays []protocol.Relay) rtcpkg.ICEConfig {
	return rtcpkg.ICEConfig{}
}

func (f *fakeGatewayNode) RequestOffer(gateway ids.GatewayId, _ rtcpkg.ICEConfig, _ config.Key, _ []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerErr != nil {
		return "", f.offerErr
	}
	f.requestedFor = append(f.requestedFor, gateway)
	return "offer-sdp", nil
}

func (f *fakeGatewayNode) SetPublicKey(gateway ids.GatewayId, publicKey config.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setPublicErr != nil {
		return f.setPublicErr
	}
	f.publicKeys[gateway] = publicKey
	return nil
}

func (f *fakeGatewayNode) SetAnswer(gateway ids.GatewayId, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setAnswerErr != nil {
		return f.setAnswerErr
	}
	f.answers[gateway] = sdp
	return nil
}

func (f *fakeGatewayNode) AddICECandidate(gateway ids.GatewayId, candidate string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates[gateway] = append(f.candidates[gateway], candidate)
	return nil
}

func (f *fakeGatewayNode) UpdateAllowedIPs(gateway ids.GatewayId, allowedIPs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowedIPs[gateway] = append([]string(nil), allowedIPs...)
	return nil
}

func (f *fakeGatewayNode) StopPeer(gateway ids.GatewayId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, gateway)
}

// fakePlatform stands in for platform.Callbacks.
type fakePlatform struct {
	resolvers   []netip.Addr
	rolledPath  string
	rollErr     error
	resolverErr error
}

func (f *fakePlatform) SystemDefaultResolvers() ([]netip.Addr, error) {
	return f.resolvers, f.resolverErr
}

func (f *fakePlatform) RollLogFile() (string, error) {
	return f.rolledPath, f.rollErr
}

var _ platform.Callbacks = (*fakePlatform)(nil)

func mustResourceID(t *testing.T, s string) ids.ResourceId {
	t.Helper()
	id, err := ids.NewResourceId(s)
	if err != nil {
		t.Fatalf("NewResourceId(%q): %v", s, err)
	}
	return id
}

func mustGatewayID(t *testing.T, s string) ids.GatewayId {
	t.Helper()
	id, err := ids.NewGatewayId(s)
	if err != nil {
		t.Fatalf("NewGatewayId(%q): %v", s, err)
	}
	return id
}

func newTestReducer(t *testing.T, pf platform.Callbacks) (*Reducer, *tunnel.ClientState, *fakeSender, *fakeInjector, *fakeGatewayNode) {
	t.Helper()
	state := tunnel.NewClientState(slog.Default())
	nd := newFakeGatewayNode()
	snd := &fakeSender{}
	inj := &fakeInjector{}
	r := New(state, nd, snd, inj, pf, nil, slog.Default())
	return r, state, snd, inj, nd
}

func TestHandleInit_AppliesOnceAndIgnoresReinit(t *testing.T) {
	t.Parallel()

	r, state, _, _, _ := newTestReducer(t, &fakePlatform{resolvers: []netip.Addr{netip.MustParseAddr("1.1.1.1")}})

	resourceID := mustResourceID(t, "11111111-0000-4000-8000-000000000001")
	init := &protocol.InitMessage{
		Interface: protocol.InterfaceConfig{Ipv4: netip.MustParseAddr("100.64.0.1")},
		Resources: []protocol.ResourceDescription{
			{Kind: protocol.ResourceKindCidr, Id: resourceID, Name: "lan", CidrAddress: netip.MustParsePrefix("10.0.0.0/24")},
		},
	}
	if err := r.HandleMessage(context.Background(), protocol.Envelope{Message: init}); err != nil {
		t.Fatalf("HandleMessage(init): %v", err)
	}

	if _, ok := state.ResourceByID(resourceID); !ok {
		t.Fatal("expected resource to be present after init")
	}

	reinit := &protocol.InitMessage{Resources: nil}
	if err := r.HandleMessage(context.Background(), protocol.Envelope{Message: reinit}); err != nil {
		t.Fatalf("HandleMessage(reinit): %v", err)
	}
	if _, ok := state.ResourceByID(resourceID); !ok {
		t.Fatal("reinit must not clear existing resources")
	}
}

func TestHandleConnectionDetails_NewGatewayRequestsOffer(t *testing.T) {
	t.Parallel()

	r, state, snd, _, nd := newTestReducer(t, nil)

	resourceID := mustResourceID(t, "22222222-0000-4000-8000-000000000001")
	gatewayID := mustGatewayID(t, "22222222-0000-4000-8000-000000000002")
	if err := state.ApplyInit(protocol.InterfaceConfig{}, []protocol.ResourceDescription{
		{Kind: protocol.ResourceKindCidr, Id: resourceID, Name: "lan", CidrAddress: netip.MustParsePrefix("10.1.0.0/24")},
	}, nil); err != nil {
		t.Fatalf("ApplyInit: %v", err)
	}

	msg := &protocol.ConnectionDetailsMessage{GatewayId: gatewayID, ResourceId: resourceID}
	if err := r.HandleMessage(context.Background(), protocol.Envelope{Message: msg}); err != nil {
		t.Fatalf("HandleMessage(connection_details): %v", err)
	}

	if len(nd.requestedFor) != 1 || nd.requestedFor[0] != gatewayID {
		t.Fatalf("RequestOffer calls = %v, want one call for %v", nd.requestedFor, gatewayID)
	}
	if snd.count() != 1 {
		t.Fatalf("sent message count = %d, want 1", snd.count())
	}
	if _, ok := snd.last().msg.(protocol.RequestConnectionMessage); !ok {
		t.Fatalf("sent message = %T, want RequestConnectionMessage", snd.last().msg)
	}
	if snd.last().ref != protocol.Reference(resourceID.String()) {
		t.Errorf("ref = %q, want resource id", snd.last().ref)
	}
}

func TestHandleConnectionDetails_ConnectedGatewayReusesConnection(t *testing.T) {
	t.Parallel()

	r, state, snd, _, nd := newTestReducer(t, nil)

	resourceID := mustResourceID(t, "33333333-0000-4000-8000-000000000001")
	gatewayID := mustGatewayID(t, "33333333-0000-4000-8000-000000000002")
	if err := state.ApplyInit(protocol.InterfaceConfig{}, []protocol.ResourceDescription{
		{Kind: protocol.ResourceKindCidr, Id: resourceID, Name: "lan", CidrAddress: netip.MustParsePrefix("10.2.0.0/24")},
	}, nil); err != nil {
		t.Fatalf("ApplyInit: %v", err)
	}
	state.MarkConnected(gatewayID)

	msg := &protocol.ConnectionDetailsMessage{GatewayId: gatewayID, ResourceId: resourceID}
	if err := r.HandleMessage(context.Background(), protocol.Envelope{Message: msg}); err != nil {
		t.Fatalf("HandleMessage(connection_details): %v", err)
	}

	if len(nd.requestedFor) != 0 {
		t.Fatalf("RequestOffer should not be called when already connected, got %v", nd.requestedFor)
	}
	if _, ok := snd.last().msg.(protocol.ReuseConnectionMessage); !ok {
		t.Fatalf("sent message = %T, want ReuseConnectionMessage", snd.last().msg)
	}
}

func TestHandleConnect_CidrResourceAppliesKeyAnswerAndRoute(t *testing.T) {
	t.Parallel()

	r, state, _, _, nd := newTestReducer(t, nil)

	resourceID := mustResourceID(t, "44444444-0000-4000-8000-000000000001")
	gatewayID := mustGatewayID(t, "44444444-0000-4000-8000-000000000002")
	cidr := netip.MustParsePrefix("10.3.0.0/24")
	if err := state.ApplyInit(protocol.InterfaceConfig{}, []protocol.ResourceDescription{
		{Kind: protocol.ResourceKindCidr, Id: resourceID, Name: "lan", CidrAddress: cidr},
	}, nil); err != nil {
		t.Fatalf("ApplyInit: %v", err)
	}

	details := &protocol.ConnectionDetailsMessage{GatewayId: gatewayID, ResourceId: resourceID}
	if err := r.HandleMessage(context.Background(), protocol.Envelope{Message: details}); err != nil {
		t.Fatalf("HandleMessage(connection_details): %v", err)
	}

	var publicKey config.Key
	publicKey[0] = 0x42
	connect := &protocol.ConnectMessage{
		ResourceId:       resourceID,
		GatewayPublicKey: publicKey.String(),
		Kind:             protocol.GatewayPayloadConnectionAccepted,
		AnswerSDP:        "answer-sdp",
	}
	if err := r.HandleMessage(context.Background(), protocol.Envelope{Message: connect}); err != nil {
		t.Fatalf("HandleMessage(connect): %v", err)
	}

	if nd.publicKeys[gatewayID] != publicKey {
		t.Errorf("public key = %v, want %v", nd.publicKeys[gatewayID], publicKey)
	}
	if nd.answers[gatewayID] != "answer-sdp" {
		t.Errorf("answer = %q, want answer-sdp", nd.answers[gatewayID])
	}
	if got := nd.allowedIPs[gatewayID]; len(got) != 1 || got[0] != cidr.String() {
		t.Errorf("allowed ips = %v, want [%s]", got, cidr.String())
	}

	found := false
	for _, g := range state.ConnectedGatewayIds() {
		if g == gatewayID {
			found = true
		}
	}
	if !found {
		t.Error("expected gateway to be marked connected")
	}
}

func TestHandleConnect_DomainResponseAllocatesAndRetries(t *testing.T) {
	t.Parallel()

	r, state, _, inj, nd := newTestReducer(t, nil)

	resourceID := mustResourceID(t, "55555555-0000-4000-8000-000000000001")
	gatewayID := mustGatewayID(t, "55555555-0000-4000-8000-000000000002")
	if err := state.ApplyInit(protocol.InterfaceConfig{}, []protocol.ResourceDescription{
		{Kind: protocol.ResourceKindDns, Id: resourceID, Name: "foo.com", DnsAddress: "foo.com"},
	}, nil); err != nil {
		t.Fatalf("ApplyInit: %v", err)
	}

	details := &protocol.ConnectionDetailsMessage{GatewayId: gatewayID, ResourceId: resourceID}
	if err := r.HandleMessage(context.Background(), protocol.Envelope{Message: details}); err != nil {
		t.Fatalf("HandleMessage(connection_details): %v", err)
	}

	connect := &protocol.ConnectMessage{
		ResourceId:       resourceID,
		GatewayPublicKey: config.Key{}.String(),
		Kind:             protocol.GatewayPayloadConnectionAccepted,
		AnswerSDP:        "answer-sdp",
		DomainResponse:   &protocol.DomainResponse{Domain: "foo.com"},
	}
	if err := r.HandleMessage(context.Background(), protocol.Envelope{Message: connect}); err != nil {
		t.Fatalf("HandleMessage(connect): %v", err)
	}

	if _, ok := state.InternalIPsForName("foo.com"); !ok {
		t.Fatal("expected internal ips to be allocated for foo.com")
	}
	if len(nd.allowedIPs[gatewayID]) != 2 {
		t.Errorf("allowed ips = %v, want 2 entries (v4 + v6 /32,/128)", nd.allowedIPs[gatewayID])
	}
	_ = inj // RetryDeferred is invoked; with no deferred queries it yields nothing to inject.
}

func TestHandleIceCandidates_ForwardsToNode(t *testing.T) {
	t.Parallel()

	r, _, _, _, nd := newTestReducer(t, nil)
	gatewayID := mustGatewayID(t, "66666666-0000-4000-8000-000000000001")

	msg := &protocol.IceCandidatesMessage{GatewayId: gatewayID, Candidates: []string{"candidate-a", "candidate-b"}}
	if err := r.HandleMessage(context.Background(), protocol.Envelope{Message: msg}); err != nil {
		t.Fatalf("HandleMessage(ice_candidates): %v", err)
	}

	if got := nd.candidates[gatewayID]; len(got) != 2 {
		t.Fatalf("candidates = %v, want 2", got)
	}
}

func TestHandleResourceDeleted_RemovesResource(t *testing.T) {
	t.Parallel()

	r, state, _, _, _ := newTestReducer(t, nil)
	resourceID := mustResourceID(t, "77777777-0000-4000-8000-000000000001")
	if err := state.ApplyInit(protocol.InterfaceConfig{}, []protocol.ResourceDescription{
		{Kind: protocol.ResourceKindCidr, Id: resourceID, Name: "lan", CidrAddress: netip.MustParsePrefix("10.4.0.0/24")},
	}, nil); err != nil {
		t.Fatalf("ApplyInit: %v", err)
	}

	msg := &protocol.ResourceDeletedMessage{Id: resourceID}
	if err := r.HandleMessage(context.Background(), protocol.Envelope{Message: msg}); err != nil {
		t.Fatalf("HandleMessage(resource_deleted): %v", err)
	}

	if _, ok := state.ResourceByID(resourceID); ok {
		t.Error("expected resource to be removed")
	}
}

func TestHandleSignedLogUrl_UploadsRolledLogFile(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody = r.Header.Get("Content-Encoding")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tmp := t.TempDir() + "/ztcore.log"
	if err := writeFile(tmp, "log line one\n"); err != nil {
		t.Fatalf("writing temp log file: %v", err)
	}

	state := tunnel.NewClientState(slog.Default())
	nd := newFakeGatewayNode()
	snd := &fakeSender{}
	inj := &fakeInjector{}
	pf := &fakePlatform{rolledPath: tmp}
	r := New(state, nd, snd, inj, pf, srv.Client(), slog.Default())

	msg := &protocol.SignedLogUrlMessage{Url: srv.URL}
	if err := r.HandleMessage(context.Background(), protocol.Envelope{Message: msg}); err != nil {
		t.Fatalf("HandleMessage(signed_log_url): %v", err)
	}

	waitForUpload(t, func() bool { return gotBody != "" })
	if gotBody != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", gotBody)
	}
}

func TestHandleNodeEvent_ConnectionFailedCleansUpState(t *testing.T) {
	t.Parallel()

	r, state, _, _, _ := newTestReducer(t, nil)
	gatewayID := mustGatewayID(t, "88888888-0000-4000-8000-000000000001")
	state.MarkConnected(gatewayID)

	if err := r.HandleNodeEvent(context.Background(), node.ConnectionFailed{Gateway: gatewayID}); err != nil {
		t.Fatalf("HandleNodeEvent: %v", err)
	}

	for _, g := range state.ConnectedGatewayIds() {
		if g == gatewayID {
			t.Fatal("expected gateway to no longer be connected")
		}
	}
}

func TestHandleNodeEvent_SignalIceCandidateBroadcasts(t *testing.T) {
	t.Parallel()

	r, _, snd, _, _ := newTestReducer(t, nil)
	gatewayID := mustGatewayID(t, "99999999-0000-4000-8000-000000000001")

	ev := node.SignalIceCandidate{Gateway: gatewayID, Candidate: "candidate-x"}
	if err := r.HandleNodeEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleNodeEvent: %v", err)
	}

	bcast, ok := snd.last().msg.(protocol.BroadcastIceCandidatesMessage)
	if !ok {
		t.Fatalf("sent message = %T, want BroadcastIceCandidatesMessage", snd.last().msg)
	}
	if len(bcast.Candidates) != 1 || bcast.Candidates[0] != "candidate-x" {
		t.Errorf("candidates = %v, want [candidate-x]", bcast.Candidates)
	}
}

func TestHandleTunnelEvent_ConnectionIntentSendsPrepareConnection(t *testing.T) {
	t.Parallel()

	r, _, snd, _, _ := newTestReducer(t, nil)
	resourceID := mustResourceID(t, "aaaaaaaa-0000-4000-8000-000000000001")
	resource := protocol.ResourceDescription{Id: resourceID, Kind: protocol.ResourceKindCidr, Name: "lan"}

	ev := tunnel.ConnectionIntent{Resource: resource}
	if err := r.HandleTunnelEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleTunnelEvent: %v", err)
	}

	prep, ok := snd.last().msg.(protocol.PrepareConnectionMessage)
	if !ok {
		t.Fatalf("sent message = %T, want PrepareConnectionMessage", snd.last().msg)
	}
	if prep.ResourceId != resourceID {
		t.Errorf("ResourceId = %v, want %v", prep.ResourceId, resourceID)
	}
}

func TestHandleChannelError_Actions(t *testing.T) {
	t.Parallel()

	r, _, _, _, _ := newTestReducer(t, nil)

	cases := []struct {
		name string
		kind protocol.ChannelErrorKind
		want ChannelErrorAction
	}{
		{"offline", protocol.ErrorOffline, ChannelErrorActionNone},
		{"unmatched topic", protocol.ErrorUnmatchedTopic, ChannelErrorActionRejoin},
		{"token expired", protocol.ErrorTokenExpired, ChannelErrorActionFatal},
		{"closed by portal", protocol.ErrorClosedByPortal, ChannelErrorActionFatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := r.HandleChannelError(protocol.ChannelError{Kind: tc.kind})
			if got != tc.want {
				t.Errorf("HandleChannelError(%v) = %v, want %v", tc.kind, got, tc.want)
			}
		})
	}
}

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}

func waitForUpload(t *testing.T, done func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if done() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for async log upload")
}
