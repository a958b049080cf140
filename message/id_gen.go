package message

import (
	"strconv"
	"sync/atomic"
	"time"
)

// IDGenerator creates outbound messages authored by one peer.
//
// Ids have the form "<peer>_M_<n>" where n increases monotonically for the lifetime of the
// generator, so ids stay unique across runs. It is safe for concurrent use.
type IDGenerator struct {
	peer  string
	seq   atomic.Uint64
	clock func() time.Time
}

// NewIDGenerator returns a generator for the given peer name.
func NewIDGenerator(peer string) *IDGenerator {
	return &IDGenerator{peer: peer, clock: time.Now}
}

// Peer returns the peer name used as id prefix.
func (g *IDGenerator) Peer() string { return g.peer }

// NextID returns the next unique message id.
func (g *IDGenerator) NextID() string {
	n := g.seq.Add(1) - 1
	return g.peer + idSeparator + strconv.FormatUint(n, 10)
}

// Issued returns how many ids have been generated.
func (g *IDGenerator) Issued() uint64 { return g.seq.Load() }

func (g *IDGenerator) create(kind Kind, payload string, size int) *Message {
	return New(g.NextID(), g.clock().UnixMilli(), kind, payload, size)
}

// NewRTS creates a Request-To-Send frame.
func (g *IDGenerator) NewRTS() *Message { return g.create(RTS, "", 0) }

// NewCTS creates a Clear-To-Send frame.
func (g *IDGenerator) NewCTS() *Message { return g.create(CTS, "", 0) }

// NewPing creates a PING data frame padded to size bytes.
func (g *IDGenerator) NewPing(size int) *Message { return g.create(Data, PingPayload, size) }

// NewPong creates a PONG data frame padded to size bytes.
func (g *IDGenerator) NewPong(size int) *Message { return g.create(Data, PongPayload, size) }
