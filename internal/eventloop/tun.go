// Package eventloop adapts spec.md §4.2's single-threaded cooperative
// driver to Go's concurrency model. The classic design reads the tun
// device, runs outbound classification, and hands the result to the node
// or back to the tun, all on one conceptual thread of control; in this
// port that control flow spans more than one actual goroutine (wireguard-
// go's own tun reader, the forwarder's per-query goroutines, and the
// driver's dispatch loop), so tunnel.ClientState itself carries the lock
// that keeps those goroutines from treading on each other's state.
//
// golang.zx2c4.com/wireguard/device already runs that exact read/classify/
// encrypt pipeline internally via its own goroutine reading from whatever
// tun.Device it was constructed with — reimplementing a second tun-reading
// loop alongside it would race the two for the same file descriptor. So
// instead of owning the read loop, ClassifyingTUN *is* the tun.Device
// wireguard-go reads from: every Read() call (made by wireguard-go's own
// tun reader goroutine, running concurrently with the driver's dispatch
// loop below) classifies the packet through tunnel.ClientState.Encapsulate
// before returning it, exactly implementing the "role state" and "tun
// read/encapsulate" steps of the priority order while leaving wireguard-
// go's encryption and the bridge's transport untouched.
package eventloop

import (
	"log/slog"
	"os"
	"sync"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/kuuji/ztcore/internal/tunnel"
)

// ClassifyingTUN wraps a kernel tun.Device, classifying every packet read
// from it through a ClientState before handing it on to wireguard-go.
type ClassifyingTUN struct {
	inner tun.Device
	state *tunnel.ClientState
	log   *slog.Logger

	writeMu sync.Mutex

	// events carries every role-state event that isn't a SendPacket (those
	// are written straight back to inner here and never surface). Consumed
	// by Loop.PollEvent, matching §4.2 priority step 1.
	events chan tunnel.Event
}

// NewClassifyingTUN wraps inner, an already-created kernel tun device, with
// state's classification logic.
func NewClassifyingTUN(inner tun.Device, state *tunnel.ClientState, logger *slog.Logger) *ClassifyingTUN {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClassifyingTUN{
		inner:  inner,
		state:  state,
		log:    logger.With("component", "eventloop"),
		events: make(chan tunnel.Event, 64),
	}
}

// RoleEvents returns the channel of pending role-state events (e.g.
// ConnectionIntent) produced by classification. Named distinctly from
// tun.Device's own Events() method below, which reports OS-level interface
// state changes and is unrelated.
func (c *ClassifyingTUN) RoleEvents() <-chan tunnel.Event { return c.events }

// Read implements tun.Device. It reads a batch of raw packets from the
// kernel device, classifies each one via ClientState.Encapsulate, and
// returns to the caller (wireguard-go) only the packets that are actually
// bound for a peer. Packets that were answered locally, forwarded,
// deferred, or dropped are removed from the batch — wireguard-go never
// sees them. A packet going to a peer is written back as Encapsulate's
// returned transformed bytes, not the original slice, so a future
// client-side transform only has to change Encapsulate's return value to
// take effect here.
func (c *ClassifyingTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	n, err := c.inner.Read(bufs, sizes, offset)
	if err != nil {
		return n, err
	}

	kept := 0
	for i := 0; i < n; i++ {
		packet := bufs[i][offset : offset+sizes[i]]
		_, transformed, toPeer, events := c.state.Encapsulate(packet)

		for _, ev := range events {
			if sp, ok := ev.(tunnel.SendPacket); ok {
				c.inject(sp.Packet)
				continue
			}
			select {
			case c.events <- ev:
			default:
				c.log.Warn("role-state event queue full, dropping event")
			}
		}

		if !toPeer {
			continue
		}
		if kept != i {
			bufs[kept], bufs[i] = bufs[i], bufs[kept]
			sizes[kept] = sizes[i]
		}
		copied := copy(bufs[kept][offset:], transformed)
		if copied != len(transformed) {
			c.log.Warn("transformed packet larger than read buffer, dropping", "size", len(transformed), "capacity", copied)
			continue
		}
		sizes[kept] = copied
		kept++
	}

	return kept, nil
}

// Write implements tun.Device — passes decrypted inbound packets from
// wireguard-go straight through to the kernel device.
func (c *ClassifyingTUN) Write(bufs [][]byte, offset int) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.inner.Write(bufs, offset)
}

// inject writes a fully-formed packet (an already-framed DNS response, or a
// forwarded query's upstream answer) directly to the kernel device, as if
// it had arrived from a peer. Used both for SendPacket events observed
// during Read and by Forwarder once a forwarded query resolves.
func (c *ClassifyingTUN) inject(packet []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.inner.Write([][]byte{packet}, 0); err != nil {
		c.log.Warn("injecting local response into tun", "error", err)
	}
}

func (c *ClassifyingTUN) File() *os.File        { return c.inner.File() }
func (c *ClassifyingTUN) MTU() (int, error)     { return c.inner.MTU() }
func (c *ClassifyingTUN) Name() (string, error) { return c.inner.Name() }
func (c *ClassifyingTUN) Close() error          { return c.inner.Close() }
func (c *ClassifyingTUN) BatchSize() int        { return c.inner.BatchSize() }
func (c *ClassifyingTUN) Events() <-chan tun.Event { return c.inner.Events() }
