package node

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/kuuji/ztcore/internal/config"
	"github.com/kuuji/ztcore/internal/ids"
	rtcpkg "github.com/kuuji/ztcore/internal/webrtc"
	"github.com/kuuji/ztcore/internal/wgdevice"
)

// fakeDevice is a wgPeers stand-in that records AddPeer/RemovePeer calls
// without touching a real WireGuard session.
type fakeDevice struct {
	mu      sync.Mutex
	added   []wgdevice.PeerConfig
	removed []config.Key
	failAdd bool
}

func (f *fakeDevice) AddPeer(p wgdevice.PeerConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd {
		return errAddPeer
	}
	f.added = append(f.added, p)
	return nil
}

func (f *fakeDevice) RemovePeer(k config.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, k)
	return nil
}

func (f *fakeDevice) addedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added)
}

func (f *fakeDevice) removedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed)
}

var errAddPeer = errors.New("add peer failed")

// fakeBind is a dataChannels stand-in — Node only needs the registration
// calls to happen, not any actual packet transport.
type fakeBind struct {
	mu  sync.Mutex
	set []string
	rm  []string
}

func newFakeBind() *fakeBind { return &fakeBind{} }

func (f *fakeBind) SetDataChannel(peerID string, _ *webrtc.DataChannel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set = append(f.set, peerID)
}

func (f *fakeBind) RemoveDataChannel(peerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rm = append(f.rm, peerID)
}

func gwID(n byte) ids.GatewayId {
	var u uuid.UUID
	u[0] = n
	return ids.GatewayId(u)
}

func localICE() rtcpkg.ICEConfig { return rtcpkg.ICEConfig{} }

func newTestNode(t *testing.T, dev wgPeers, bind dataChannels) *Node {
	t.Helper()
	return New(Config{Device: dev, Bind: bind, ICE: localICE()})
}

func TestNode_RequestOfferRejectsDuplicateGateway(t *testing.T) {
	t.Parallel()

	n := newTestNode(t, &fakeDevice{}, newFakeBind())
	gw := gwID(1)

	if _, err := n.RequestOffer(gw, localICE(), config.Key{}, nil); err != nil {
		t.Fatalf("first RequestOffer() error = %v", err)
	}
	defer n.Close()

	if _, err := n.RequestOffer(gw, localICE(), config.Key{}, nil); err == nil {
		t.Error("second RequestOffer() for the same gateway succeeded, want error")
	}
}

func TestNode_StopPeerIsIdempotent(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{}
	n := newTestNode(t, dev, newFakeBind())
	gw := gwID(1)

	if _, err := n.RequestOffer(gw, localICE(), config.Key{}, nil); err != nil {
		t.Fatalf("RequestOffer() error = %v", err)
	}

	n.StopPeer(gw)
	n.StopPeer(gw) // must not panic or double-remove

	if _, err := n.RequestOffer(gw, localICE(), config.Key{}, nil); err != nil {
		t.Fatalf("RequestOffer() after StopPeer() error = %v", err)
	}
	n.Close()
}

func TestNode_EndToEndEstablishesWireGuardPeer(t *testing.T) {
	t.Parallel()

	devA := &fakeDevice{}
	devB := &fakeDevice{}
	nodeA := newTestNode(t, devA, newFakeBind())
	nodeB := newTestNode(t, devB, newFakeBind())
	defer nodeA.Close()
	defer nodeB.Close()

	gwOfA := gwID(1) // how A refers to B
	gwOfB := gwID(2) // how B refers to A

	var keyA, keyB config.Key
	keyA[0] = 0xAA
	keyB[0] = 0xBB

	offer, err := nodeA.RequestOffer(gwOfA, localICE(), keyB, []string{"10.0.0.2/32"})
	if err != nil {
		t.Fatalf("RequestOffer() error = %v", err)
	}

	answer, err := nodeB.AcceptOffer(gwOfB, localICE(), offer, keyA, []string{"10.0.0.1/32"})
	if err != nil {
		t.Fatalf("AcceptOffer() error = %v", err)
	}

	if err := nodeA.SetAnswer(gwOfA, answer); err != nil {
		t.Fatalf("SetAnswer() error = %v", err)
	}

	// Relay trickled ICE candidates between the two nodes until both data
	// channels (and therefore both WireGuard peers) come up.
	deadline := time.After(10 * time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if devA.addedCount() >= 1 && devB.addedCount() >= 1 {
				return
			}
			if ev, ok := nodeA.PollEvent(); ok {
				if sig, ok := ev.(SignalIceCandidate); ok {
					_ = nodeB.AddICECandidate(gwOfB, sig.Candidate)
				}
			}
			if ev, ok := nodeB.PollEvent(); ok {
				if sig, ok := ev.(SignalIceCandidate); ok {
					_ = nodeA.AddICECandidate(gwOfA, sig.Candidate)
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-deadline:
		t.Fatal("timed out waiting for WireGuard peers to be added")
	}

	if devA.addedCount() != 1 {
		t.Errorf("devA AddPeer calls = %d, want 1", devA.addedCount())
	}
	if devB.addedCount() != 1 {
		t.Errorf("devB AddPeer calls = %d, want 1", devB.addedCount())
	}

	nodeA.StopPeer(gwOfA)
	if devA.removedCount() != 1 {
		t.Errorf("devA RemovePeer calls after StopPeer = %d, want 1", devA.removedCount())
	}
}
