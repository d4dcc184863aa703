// Package router implements the Zombiegram router core: the receive
// pipeline (dedup, acknowledge, forward, gateway-bridge dispatch), the
// outgoing send queue, and the background maintenance loop that flushes
// sends and drains the retransmission cache.
package router

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zombiemesh/zombiemesh/internal/dropqueue"
	"github.com/zombiemesh/zombiemesh/internal/mesh"
	"github.com/zombiemesh/zombiemesh/internal/metrics"
	"github.com/zombiemesh/zombiemesh/internal/retransmit"
	"github.com/zombiemesh/zombiemesh/internal/zombiegram"
)

// ErrNoNeighbors is returned by Forward when the mesh currently has no
// neighbors to transmit to.
var ErrNoNeighbors = errors.New("router: mesh has no neighbors")

// recentCapacity is the per-source dedup window: the last N seq_nums are
// remembered to suppress replays and forwarding loops.
const recentCapacity = 10

// maxResendBatch bounds how many still-pending messages are re-sent on a
// single maintenance tick.
const maxResendBatch = 10

// defaultTickInterval is the spacing between background maintenance ticks.
const defaultTickInterval = 10 * time.Second

// initialMeshPollInterval is how often Start's worker checks for mesh
// readiness before its first maintenance tick.
const initialMeshPollInterval = 2 * time.Second

// Bridge is the gateway fan-out collaborator. It is optional: a
// non-gateway node runs with a nil Bridge and the dispatch calls below
// become no-ops.
type Bridge interface {
	Publish(zg *zombiegram.Zombiegram, trustKey []byte)
}

// ConfigAccessor is the externally-owned node configuration the router
// reads and writes. internal/config.NodeConfig satisfies it.
type ConfigAccessor interface {
	IsGateway() bool
	IsRouter() bool
	Tampered() bool
	SetTampered(bool)
	Maintenance() bool
	SetMaintenance(bool)
	TrustKey() []byte
	SetTrustKey([]byte)
	ClearTrustKey()
	Webhooks() []string
	Position() (lat, lon float32, ok bool)
	SetPosition(lat, lon float32)
}

type queuedSend struct {
	priority zombiegram.Priority
	payloads []zombiegram.Payload
}

// Options configures a new Router.
type Options struct {
	DeviceSourceID uint32
	InitialSeqNum  uint8
	Config         ConfigAccessor
	Mesh           mesh.Mesh
	Bridge         Bridge // optional
	TickInterval   time.Duration
}

// Router is the per-process mesh router core.
type Router struct {
	deviceSourceID uint32
	cfg            ConfigAccessor
	mesh           mesh.Mesh
	bridge         Bridge
	tickInterval   time.Duration

	seqMu   sync.Mutex
	nextSeq uint8

	recentMu       sync.Mutex
	recentBySource map[uint32]*dropqueue.Queue[uint8]

	cache *retransmit.Manager

	queueMu  sync.Mutex
	outgoing []queuedSend

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	active  atomic.Bool
}

// New constructs a Router. Call Start to begin routing traffic.
func New(opts Options) *Router {
	tick := opts.TickInterval
	if tick == 0 {
		tick = defaultTickInterval
	}
	return &Router{
		deviceSourceID: opts.DeviceSourceID,
		nextSeq:        opts.InitialSeqNum,
		cfg:            opts.Config,
		mesh:           opts.Mesh,
		bridge:         opts.Bridge,
		tickInterval:   tick,
		recentBySource: make(map[uint32]*dropqueue.Queue[uint8]),
		cache:          retransmit.NewManager(),
	}
}

// Start opens the mesh, registers the receive callback, and launches the
// background maintenance worker. Idempotent: a second call while already
// running is a no-op.
func (r *Router) Start() error {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.active.Store(true)
	r.runMu.Unlock()

	if err := r.mesh.Start(r.handleFrame); err != nil {
		return fmt.Errorf("router: failed to start mesh: %w", err)
	}

	r.wg.Add(1)
	go r.workerLoop()
	return nil
}

// Stop raises the stop flag, mutes the receive callback, waits for the
// background worker to observe the flag and exit, then tears down the
// mesh and drops any queued-but-unsent outgoing messages along with every
// retransmission cache entry.
func (r *Router) Stop() error {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return nil
	}
	r.running = false
	r.runMu.Unlock()

	r.active.Store(false)
	close(r.stopCh)
	r.wg.Wait()

	if err := r.mesh.Stop(); err != nil {
		log.Printf("router: error stopping mesh: %v", err)
	}

	r.queueMu.Lock()
	r.outgoing = nil
	r.queueMu.Unlock()
	r.cache.Clear()

	return nil
}

// Enqueue appends a (priority, payloads) send request for the background
// worker to flush once the mesh is ready.
func (r *Router) Enqueue(priority zombiegram.Priority, payloads ...zombiegram.Payload) error {
	r.queueMu.Lock()
	r.outgoing = append(r.outgoing, queuedSend{priority: priority, payloads: payloads})
	r.queueMu.Unlock()
	return nil
}

// Forward transmits an already-signed Zombiegram to link-local multicast.
// It fails with ErrNoNeighbors if the mesh currently has none. When
// addToCache is true the message is also inserted into the
// retransmission cache for its source, as a forwarded (not own) entry.
func (r *Router) Forward(zg *zombiegram.Zombiegram, addToCache bool) error {
	if len(r.mesh.Neighbors()) == 0 {
		return ErrNoNeighbors
	}
	err := r.mesh.Multicast(zg.Bytes())
	if err != nil {
		log.Printf("router: forward transmit failed, will retry naturally: %v", err)
	}
	if addToCache {
		if cacheErr := r.cache.CacheFor(zg.SourceID()).Add(zg, false); cacheErr != nil {
			log.Printf("router: retransmission cache collision for source %d seq %d: %v", zg.SourceID(), zg.SeqNum(), cacheErr)
		}
	}
	return err
}

// Send builds a fresh Zombiegram from the router's own identity and
// current flags, signs it with the current trust key, transmits it, and
// inserts it into the retransmission cache as an own entry. A transient
// transmit failure is logged, not returned: the message stays cached for
// the background worker to retry. If this node is a gateway, the sent
// message is also bridged to webhooks.
func (r *Router) Send(priority zombiegram.Priority, payloads ...zombiegram.Payload) (*zombiegram.Zombiegram, error) {
	b := zombiegram.NewBuilder()
	if err := b.SetSourceID(r.deviceSourceID); err != nil {
		return nil, err
	}
	if err := b.SetSeqNum(r.nextSeqNum()); err != nil {
		return nil, err
	}
	if err := b.SetPriority(priority); err != nil {
		return nil, err
	}
	if err := b.SetTampered(r.cfg.Tampered()); err != nil {
		return nil, err
	}
	if err := b.SetMaintenance(r.cfg.Maintenance()); err != nil {
		return nil, err
	}
	for _, p := range payloads {
		if err := b.AddPayload(p); err != nil {
			return nil, err
		}
	}
	zg, err := b.Sign(r.cfg.TrustKey())
	if err != nil {
		return nil, err
	}

	if err := r.mesh.Multicast(zg.Bytes()); err != nil {
		log.Printf("router: send transmit failed, message kept in cache for retry: %v", err)
	}
	if err := r.cache.CacheFor(r.deviceSourceID).Add(zg, true); err != nil {
		log.Printf("router: retransmission cache collision for own seq %d: %v", zg.SeqNum(), err)
	}

	if r.cfg.IsGateway() && r.bridge != nil {
		r.bridge.Publish(zg, r.cfg.TrustKey())
	}
	return zg, nil
}

// Neighbors returns the mesh's current neighbor addresses.
func (r *Router) Neighbors() []string { return r.mesh.Neighbors() }

// RetransmissionPending sums outstanding cache entries across every
// source, used to decide whether this node may enter deep sleep.
func (r *Router) RetransmissionPending() int { return r.cache.TotalPending() }

// QueueDepth returns the number of queued-but-unsent outgoing messages.
func (r *Router) QueueDepth() int {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	return len(r.outgoing)
}

// NextSeq returns the sequence number the next Send will use, for
// persisting the counter across reboots.
func (r *Router) NextSeq() uint8 {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	return r.nextSeq
}

// TrustKey returns the current shared trust key.
func (r *Router) TrustKey() []byte { return r.cfg.TrustKey() }

// ClearTrustKey drops the shared trust key (e.g. on key compromise).
func (r *Router) ClearTrustKey() { r.cfg.ClearTrustKey() }

// SetTampered sets the local tamper flag, embedded in every subsequently sent frame.
func (r *Router) SetTampered(v bool) { r.cfg.SetTampered(v) }

// SetMaintenance sets the local maintenance flag.
func (r *Router) SetMaintenance(v bool) { r.cfg.SetMaintenance(v) }

// SetPosition records the device's last known GPS position.
func (r *Router) SetPosition(lat, lon float32) { r.cfg.SetPosition(lat, lon) }

func (r *Router) nextSeqNum() uint8 {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	seq := r.nextSeq
	r.nextSeq++ // uint8 wraps modulo 256
	return seq
}

func (r *Router) recentQueue(sourceID uint32) *dropqueue.Queue[uint8] {
	r.recentMu.Lock()
	defer r.recentMu.Unlock()
	q, ok := r.recentBySource[sourceID]
	if !ok {
		q = dropqueue.New[uint8](recentCapacity)
		r.recentBySource[sourceID] = q
	}
	return q
}

// handleFrame is the mesh receive callback: decode, dedup, dispatch by
// opcode, forward/bridge, and unicast-ack. It is a firewall: every
// branch logs and returns rather than propagating, so one malformed or
// unexpected frame never stops the receive loop.
func (r *Router) handleFrame(frame mesh.Frame) {
	if !r.active.Load() {
		return
	}
	if len(frame.Data) == 0 {
		return
	}

	metrics.FramesReceived.Inc()

	zg, err := zombiegram.FromBytes(frame.Data)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		log.Printf("router: dropping malformed frame: %v", err)
		return
	}

	if zg.SourceID() == r.deviceSourceID {
		return // loop suppression: never process our own echoed traffic
	}

	recent := r.recentQueue(zg.SourceID())
	alreadySeen := recent.Contains(zg.SeqNum())

	isAck := false
	if !alreadySeen {
		if ack, ok := zg.Payload(zombiegram.OpAck); ok {
			isAck = true
			a := ack.(*zombiegram.AckPayload)
			r.cache.CacheFor(a.SourceID).RecordAck(zg.SourceID(), a.SeqNum)
		} else if _, ok := zg.Payload(zombiegram.OpNetworkChange); ok {
			r.cfg.ClearTrustKey()
		} else {
			if err := r.Forward(zg, true); err != nil && !errors.Is(err, ErrNoNeighbors) {
				log.Printf("router: forward failed: %v", err)
			}
			if r.cfg.IsGateway() && r.bridge != nil {
				r.bridge.Publish(zg, r.cfg.TrustKey())
			}
		}
	} else {
		_, isAck = zg.Payload(zombiegram.OpAck)
	}

	recent.Append(zg.SeqNum())

	if !isAck {
		r.sendAck(frame.FromAddr, zg.SourceID(), zg.SeqNum())
	}
}

// sendAck unicasts an acknowledgement for (sourceID, seq) back to
// toAddr, synchronously, before the receive callback returns.
func (r *Router) sendAck(toAddr string, sourceID uint32, seq uint8) {
	b := zombiegram.NewBuilder()
	_ = b.SetSourceID(r.deviceSourceID)
	_ = b.SetSeqNum(r.nextSeqNum())
	_ = b.SetPriority(zombiegram.PriorityNormal)
	_ = b.SetTampered(r.cfg.Tampered())
	_ = b.SetMaintenance(r.cfg.Maintenance())
	if err := b.AddPayload(&zombiegram.AckPayload{SourceID: sourceID, SeqNum: seq}); err != nil {
		log.Printf("router: failed to build ack payload: %v", err)
		return
	}
	zg, err := b.Sign(r.cfg.TrustKey())
	if err != nil {
		log.Printf("router: failed to sign ack: %v", err)
		return
	}
	if err := r.mesh.Unicast(toAddr, zg.Bytes()); err != nil {
		log.Printf("router: failed to send ack to %s: %v", toAddr, err)
		return
	}
	metrics.AcksSent.Inc()
}

func (r *Router) workerLoop() {
	defer r.wg.Done()

	for !r.mesh.Ready() {
		select {
		case <-r.stopCh:
			return
		case <-time.After(initialMeshPollInterval):
		}
	}

	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Router) tick() {
	r.mesh.Poll()
	r.flushOutgoing()

	neighborCount := len(r.mesh.Neighbors())
	pending, wiped := r.cache.DrainAll(neighborCount)
	if wiped > 0 {
		log.Printf("router: retransmission cache wiped %d satisfied entries", wiped)
	}
	r.resendPending(pending)
}

func (r *Router) flushOutgoing() {
	r.queueMu.Lock()
	batch := r.outgoing
	r.outgoing = nil
	r.queueMu.Unlock()

	for _, item := range batch {
		if _, err := r.Send(item.priority, item.payloads...); err != nil {
			log.Printf("router: failed to send queued message: %v", err)
		}
	}
}

func (r *Router) resendPending(pending []*zombiegram.Zombiegram) {
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Priority() > pending[j].Priority()
	})
	if len(pending) > maxResendBatch {
		pending = pending[:maxResendBatch]
	}
	for _, zg := range pending {
		if err := r.Forward(zg, false); err != nil && !errors.Is(err, ErrNoNeighbors) {
			log.Printf("router: resend failed for source %d seq %d: %v", zg.SourceID(), zg.SeqNum(), err)
		}
	}
}
