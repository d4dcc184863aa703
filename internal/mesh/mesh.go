// Package mesh provides the link-local multicast transport the router
// core sends and receives Zombiegrams over. The LoRa PHY/L3 itself is out
// of scope for this system; ZMQMesh fills the "datagram socket with
// link-local multicast and a receive callback" contract the radio stack
// is assumed to provide, using ZeroMQ PUB/SUB so a fleet of nodes can
// run against each other without radio hardware.
package mesh

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
)

// BroadcastTopic is the reserved destination address meaning "all
// neighbors", the mesh-layer analogue of link-local multicast.
const BroadcastTopic = "ALL"

// Frame is an inbound datagram delivered to the receive callback, tagged
// with the mesh-level address of the peer that sent it so the caller can
// unicast an Ack back to rcv_addr.
type Frame struct {
	Data     []byte
	FromAddr string
}

// Mesh is the transport contract the router core depends on.
type Mesh interface {
	// Start opens the transport and begins invoking onReceive for every
	// inbound frame addressed to this node or to BroadcastTopic.
	Start(onReceive func(Frame)) error
	Stop() error
	// Ready reports whether the transport is up and has at least
	// attempted to reach its configured peers.
	Ready() bool
	Multicast(data []byte) error
	Unicast(addr string, data []byte) error
	// Neighbors returns the mesh addresses heard from within the
	// neighbor TTL window.
	Neighbors() []string
	// Poll refreshes connectivity/neighbor state; called periodically
	// by the router's background worker.
	Poll()
}

// Config configures a ZMQMesh.
type Config struct {
	// SelfAddr is this node's own address, used both as the unicast
	// subscription topic and as the sender tag stamped on every frame.
	SelfAddr string
	// ListenEndpoint is the PUB bind address, e.g. "tcp://*:5555".
	ListenEndpoint string
	// Peers lists the dial endpoints of this node's mesh neighbors'
	// PUB sockets, e.g. "tcp://10.0.0.2:5555".
	Peers []string
	// HelloInterval is stored (and defaulted by New) but not consulted:
	// Poll() publishes a keepalive frame on every call, so keepalives go
	// out as often as the caller polls.
	HelloInterval time.Duration
	// NeighborTTL is how long a peer is still counted as a neighbor
	// after last being heard from.
	NeighborTTL time.Duration
}

// DefaultConfig fills in the timing defaults used when a field is zero.
func DefaultConfig() Config {
	return Config{
		HelloInterval: 10 * time.Second,
		NeighborTTL:   30 * time.Second,
	}
}

// ZMQMesh is the ZeroMQ-backed Mesh implementation.
type ZMQMesh struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	pub zmq4.Socket
	sub zmq4.Socket

	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	ready   bool

	onReceive func(Frame)

	neighborsMu sync.Mutex
	neighbors   map[string]time.Time
}

// New constructs a ZMQMesh. Start must be called before it carries traffic.
func New(cfg Config) *ZMQMesh {
	if cfg.HelloInterval == 0 {
		cfg.HelloInterval = 10 * time.Second
	}
	if cfg.NeighborTTL == 0 {
		cfg.NeighborTTL = 30 * time.Second
	}
	return &ZMQMesh{
		cfg:       cfg,
		neighbors: make(map[string]time.Time),
	}
}

// Start binds the publish socket, dials every configured peer, and
// launches the receive loop. Idempotent: a second call is a no-op.
func (m *ZMQMesh) Start(onReceive func(Frame)) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.onReceive = onReceive
	m.mu.Unlock()

	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.pub = zmq4.NewPub(m.ctx)
	if err := m.pub.Listen(m.cfg.ListenEndpoint); err != nil {
		return fmt.Errorf("mesh: failed to bind publish socket: %w", err)
	}

	m.sub = zmq4.NewSub(m.ctx)
	if err := m.sub.SetOption(zmq4.OptionSubscribe, BroadcastTopic); err != nil {
		return fmt.Errorf("mesh: failed to subscribe to broadcast topic: %w", err)
	}
	if err := m.sub.SetOption(zmq4.OptionSubscribe, m.cfg.SelfAddr); err != nil {
		return fmt.Errorf("mesh: failed to subscribe to self address: %w", err)
	}
	for _, peer := range m.cfg.Peers {
		if err := m.sub.Dial(peer); err != nil {
			log.Printf("mesh: failed to dial peer %s: %v", peer, err)
			continue
		}
	}

	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.recvLoop()

	log.Printf("mesh: listening on %s, dialed %d peers", m.cfg.ListenEndpoint, len(m.cfg.Peers))
	return nil
}

// Stop tears down the transport and waits for the receive loop to exit.
func (m *ZMQMesh) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.ready = false
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	if m.pub != nil {
		m.pub.Close()
	}
	if m.sub != nil {
		m.sub.Close()
	}
	return nil
}

// Ready reports whether the transport has bound and dialed its peers.
func (m *ZMQMesh) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *ZMQMesh) send(topic string, data []byte) error {
	m.mu.Lock()
	pub := m.pub
	m.mu.Unlock()
	if pub == nil {
		return fmt.Errorf("mesh: not started")
	}
	msg := zmq4.NewMsgFrom([]byte(topic), []byte(m.cfg.SelfAddr), data)
	return pub.Send(msg)
}

// Multicast publishes data to every neighbor.
func (m *ZMQMesh) Multicast(data []byte) error {
	return m.send(BroadcastTopic, data)
}

// Unicast publishes data addressed only to addr; peers subscribed only to
// BroadcastTopic and their own address will not see it.
func (m *ZMQMesh) Unicast(addr string, data []byte) error {
	return m.send(addr, data)
}

// Poll publishes an empty keepalive frame so neighbors can refresh their
// view of this node, and prunes neighbors not heard from within the TTL.
func (m *ZMQMesh) Poll() {
	if !m.Ready() {
		return
	}
	if err := m.send(BroadcastTopic, nil); err != nil {
		log.Printf("mesh: poll keepalive failed: %v", err)
	}

	cutoff := time.Now().Add(-m.cfg.NeighborTTL)
	m.neighborsMu.Lock()
	for addr, last := range m.neighbors {
		if last.Before(cutoff) {
			delete(m.neighbors, addr)
		}
	}
	m.neighborsMu.Unlock()
}

// Neighbors returns mesh addresses heard from within the TTL window.
func (m *ZMQMesh) Neighbors() []string {
	m.neighborsMu.Lock()
	defer m.neighborsMu.Unlock()
	out := make([]string, 0, len(m.neighbors))
	for addr := range m.neighbors {
		out = append(out, addr)
	}
	return out
}

func (m *ZMQMesh) recvLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		msg, err := m.sub.Recv()
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			continue
		}
		if len(msg.Frames) < 3 {
			continue
		}
		topic := string(msg.Frames[0])
		sender := string(msg.Frames[1])
		payload := msg.Frames[2]

		if sender != "" && sender != m.cfg.SelfAddr {
			m.neighborsMu.Lock()
			m.neighbors[sender] = time.Now()
			m.neighborsMu.Unlock()
		}

		if len(payload) == 0 {
			continue // keepalive-only frame, already recorded as a neighbor sighting
		}
		if topic != BroadcastTopic && topic != m.cfg.SelfAddr {
			continue
		}

		m.mu.Lock()
		cb := m.onReceive
		m.mu.Unlock()
		if cb != nil {
			cb(Frame{Data: payload, FromAddr: sender})
		}
	}
}
