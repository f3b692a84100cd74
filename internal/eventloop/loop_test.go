package eventloop

import (
	"log/slog"
	"testing"

	"github.com/kuuji/ztcore/internal/node"
	"github.com/kuuji/ztcore/internal/tunnel"
)

// fakeNodeEvents is a minimal nodeEvents stand-in backed by a queue a test
// pre-loads, so Loop's priority ordering can be exercised without a real
// *node.Node (which needs a live WebRTC peer connection).
type fakeNodeEvents struct {
	queue []node.Event
}

func (f *fakeNodeEvents) PollEvent() (node.Event, bool) {
	if len(f.queue) == 0 {
		return nil, false
	}
	ev := f.queue[0]
	f.queue = f.queue[1:]
	return ev, true
}

func TestLoop_PollEvent_PrefersRoleStateOverConnectionState(t *testing.T) {
	t.Parallel()

	state := tunnel.NewClientState(slog.Default())
	inner := newFakeInner()
	ct := NewClassifyingTUN(inner, state, nil)

	fn := &fakeNodeEvents{queue: []node.Event{node.ConnectionFailed{}}}
	ct.events <- tunnel.ConnectionIntent{}

	l := New(ct, fn, state, nil)

	ev, ok := l.PollEvent()
	if !ok {
		t.Fatal("PollEvent() ok = false, want true (role-state event queued)")
	}
	if _, ok := ev.(tunnel.ConnectionIntent); !ok {
		t.Fatalf("PollEvent() = %T, want tunnel.ConnectionIntent (role state takes priority)", ev)
	}

	ev, ok = l.PollEvent()
	if !ok {
		t.Fatal("PollEvent() ok = false, want true (connection-state event queued)")
	}
	if _, ok := ev.(node.ConnectionFailed); !ok {
		t.Fatalf("PollEvent() = %T, want node.ConnectionFailed", ev)
	}

	if _, ok := l.PollEvent(); ok {
		t.Fatal("PollEvent() returned an event after both queues were drained")
	}
}

func TestLoop_InjectEvents_WritesSendPacketToTun(t *testing.T) {
	t.Parallel()

	state := tunnel.NewClientState(slog.Default())
	inner := newFakeInner()
	ct := NewClassifyingTUN(inner, state, nil)
	fn := &fakeNodeEvents{}

	l := New(ct, fn, state, nil)
	l.InjectEvents([]tunnel.Event{
		tunnel.ConnectionIntent{},
		tunnel.SendPacket{Packet: []byte("reply")},
	})

	if got := inner.writtenCount(); got != 1 {
		t.Fatalf("inner.written count = %d, want 1 (only the SendPacket event injects)", got)
	}
}
