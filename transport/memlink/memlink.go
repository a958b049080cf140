// Package memlink is an in-process transport: named endpoints attached to a Hub exchange
// frames through per-endpoint FIFO inboxes.
//
// The hub simulates a lossy link with NetworkCondition and exposes fault hooks (failed sends,
// failed connects, missed discoveries, severed links) so run recovery paths can be exercised
// without radio hardware.
package memlink

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-pingpong/transport"
)

// addrPrefix prefixes the address of every memlink peer handle.
const addrPrefix = "mem://"

// inboxSize bounds the frames waiting for delivery at one endpoint.
const inboxSize = 1 << 16

// discoverPoll is how often Discover rescans while no matching peer is attached.
const discoverPoll = 10 * time.Millisecond

// NetworkCondition configures the simulated link behavior.
type NetworkCondition struct {
	// DropRate is the probability of dropping a frame sent without expectResponse (0.0 - 1.0).
	// Frames sent with expectResponse model acknowledged writes and are never dropped.
	DropRate float64

	// DelayMin is the minimum delay added to each frame.
	DelayMin time.Duration

	// DelayMax is the maximum delay added to each frame.
	// Actual delay is uniformly distributed between DelayMin and DelayMax.
	DelayMax time.Duration
}

// Hub connects the endpoints of one simulated network.
type Hub struct {
	endpoints *xsync.MapOf[string, *Endpoint]

	mu        sync.Mutex
	condition NetworkCondition
	rng       *rand.Rand
}

// NewHub creates an empty hub with a perfect link.
func NewHub() *Hub {
	return &Hub{
		endpoints: xsync.NewMapOf[string, *Endpoint](),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec
	}
}

// SetCondition configures the network condition for frames sent from now on.
func (h *Hub) SetCondition(cond NetworkCondition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.condition = cond
}

// SetSeed makes drops and delays reproducible.
func (h *Hub) SetSeed(seed int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rng = rand.New(rand.NewSource(seed)) //nolint:gosec
}

// Endpoint returns the endpoint with the given name, attaching a new one if needed.
func (h *Hub) Endpoint(name string) *Endpoint {
	ep, _ := h.endpoints.LoadOrCompute(name, func() *Endpoint {
		return newEndpoint(h, name)
	})

	return ep
}

// Inject delivers a raw frame to the named endpoint as if a peer had sent it.
func (h *Hub) Inject(to string, data []byte) error {
	ep, ok := h.endpoints.Load(to)
	if !ok {
		return transport.ErrPeerNotFound
	}

	return ep.deliver(context.Background(), data, 0)
}

// ReadStatus returns the status snapshot of the named endpoint.
func (h *Hub) ReadStatus(name string) ([]byte, error) {
	ep, ok := h.endpoints.Load(name)
	if !ok || ep.isClosed() {
		return nil, transport.ErrPeerNotFound
	}

	return ep.readStatus(), nil
}

// Sever drops every connection between the two named endpoints.
func (h *Hub) Sever(a, b string) {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if ep, ok := h.endpoints.Load(pair[0]); ok {
			ep.severTo(pair[1])
		}
	}
}

// sample decides whether a frame is dropped and how long it is delayed.
func (h *Hub) sample(droppable bool) (drop bool, delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cond := h.condition
	if droppable && cond.DropRate > 0 && h.rng.Float64() < cond.DropRate {
		return true, 0
	}

	delay = cond.DelayMin
	if span := cond.DelayMax - cond.DelayMin; span > 0 {
		delay += time.Duration(h.rng.Int63n(int64(span)))
	}

	return false, delay
}

func (h *Hub) peers(self string, pattern string) []transport.PeerHandle {
	var peers []transport.PeerHandle
	h.endpoints.Range(func(name string, ep *Endpoint) bool {
		if name != self && !ep.isClosed() && ep.discoverable.Load() && transport.Trusted(pattern, name) {
			peers = append(peers, transport.PeerHandle{Name: name, Address: addrPrefix + name})
		}

		return true
	})
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })

	return peers
}

func (h *Hub) detach(ep *Endpoint) {
	h.endpoints.Compute(ep.name, func(cur *Endpoint, loaded bool) (*Endpoint, bool) {
		// keep a newer endpoint attached under the same name
		return cur, !loaded || cur == ep
	})
}

var errSimulatedWrite = errors.New("simulated write failure")
