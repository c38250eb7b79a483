// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package mesh implements the per agent mesh router: neighbor discovery
// from agent positions, shortest path routing over the neighbor graph,
// loop free forwarding and store-and-forward buffering for destinations
// with no current route.
package mesh

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"gitlab.com/yawning/avl.git"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/fieldrelay/core/clock"
	"github.com/katzenpost/fieldrelay/core/queue"
	"github.com/katzenpost/fieldrelay/core/worker"
	"github.com/katzenpost/fieldrelay/envelope"
	"github.com/katzenpost/fieldrelay/instrument"
	"github.com/katzenpost/fieldrelay/secure"
	"github.com/katzenpost/fieldrelay/transport"
)

const (
	DefaultRadioRange       = 5000.0
	DefaultTopologyInterval = 5 * time.Second
	DefaultMaxBuffered      = 1024
	DefaultSendTimeout      = 2 * time.Second
)

var (
	// ErrExpired is a message whose TTL elapsed.
	ErrExpired = errors.New("mesh: message expired")

	// ErrAlreadyForwarded is a message this node has already forwarded.
	ErrAlreadyForwarded = errors.New("mesh: message already forwarded")

	// ErrBufferFull is a message evicted from a full store-and-forward
	// buffer.
	ErrBufferFull = errors.New("mesh: store-and-forward buffer full")
)

// Options are the Router parameters.
type Options struct {
	// Self is the identity of this agent.
	Self string

	// RadioRange is the maximum link distance in meters.
	RadioRange float64

	// TopologyInterval is the period of the topology update tick.
	TopologyInterval time.Duration

	// MaxBuffered bounds the store-and-forward buffer.
	MaxBuffered int

	SendTimeout time.Duration
	Latency     LatencyModel

	// Positions, if set, supplies the current agent positions on each
	// topology tick.
	Positions func() []Agent

	// Deliver is called with every message addressed to this agent,
	// acknowledgments included.
	Deliver func(*envelope.Envelope)

	// Gateway, if set, takes acknowledgments for messages this agent
	// injected into the mesh whose destination lies outside of it.
	Gateway func(*envelope.Envelope) error

	Clock clock.Clock
}

func (o *Options) applyDefaults() {
	if o.RadioRange <= 0 {
		o.RadioRange = DefaultRadioRange
	}
	if o.TopologyInterval <= 0 {
		o.TopologyInterval = DefaultTopologyInterval
	}
	if o.MaxBuffered <= 0 {
		o.MaxBuffered = DefaultMaxBuffered
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
}

// Stats is a snapshot of the router state.
type Stats struct {
	Neighbors int
	Routes    int
	Buffered  int
	Forwarded uint64
	Delivered uint64
	Dropped   uint64
}

type seenEntry struct {
	id        string
	from      string
	expiresAt time.Time
	node      *avl.Node
}

// Router is a mesh router.
type Router struct {
	worker.Worker
	sync.Mutex

	log   *logging.Logger
	opts  Options
	clock clock.Clock

	transport transport.Transport
	codec     envelope.Codec

	position  Position
	neighbors map[string]float64
	routes    map[string]string

	seen     map[string]*seenEntry
	seenETAs *avl.Tree

	buffered []*envelope.Envelope

	stats Stats
}

// SetPosition sets this agent's position, used when the agent is absent
// from the list passed to Update.
func (r *Router) SetPosition(p Position) {
	r.Lock()
	defer r.Unlock()
	r.position = p
}

// DiscoverNeighbors recomputes the neighbor map from the agent positions.
func (r *Router) DiscoverNeighbors(agents []Agent) map[string]float64 {
	r.Lock()
	defer r.Unlock()

	nodes := r.withSelfLocked(agents)
	self := nodes[0].Position
	r.neighbors = make(map[string]float64)
	for _, a := range nodes[1:] {
		if q, ok := LinkQuality(Distance(self, a.Position), r.opts.RadioRange); ok {
			r.neighbors[a.ID] = q
		}
	}
	return copyQualities(r.neighbors)
}

// BuildRoutingTable recomputes the routing table, mapping every reachable
// destination to the next hop on its shortest path.  Edges join agents in
// radio range of each other and weigh the inverse of their link quality.
func (r *Router) BuildRoutingTable(agents []Agent) map[string]string {
	r.Lock()
	defer r.Unlock()

	nodes := r.withSelfLocked(agents)
	r.routes = shortestPaths(nodes, r.opts.RadioRange)
	return copyRoutes(r.routes)
}

// Update runs neighbor discovery and route computation for a new topology
// snapshot, and retries the store-and-forward buffer.
func (r *Router) Update(agents []Agent) {
	r.DiscoverNeighbors(agents)
	routes := r.BuildRoutingTable(agents)
	r.sweep()
	r.log.Debugf("Topology update: %d agents, %d routes", len(agents), len(routes))
	r.RetryBuffered()
}

// NextHop returns the next hop toward dst.
func (r *Router) NextHop(dst string) (string, bool) {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.neighbors[dst]; ok {
		return dst, true
	}
	hop, ok := r.routes[dst]
	return hop, ok
}

// Neighbors returns the current neighbor map.
func (r *Router) Neighbors() map[string]float64 {
	r.Lock()
	defer r.Unlock()
	return copyQualities(r.neighbors)
}

// Routes returns the current routing table.
func (r *Router) Routes() map[string]string {
	r.Lock()
	defer r.Unlock()
	return copyRoutes(r.routes)
}

// Send delivers e directly if its destination is a neighbor, forwards it to
// the next hop if the destination is routable, and buffers it otherwise.
func (r *Router) Send(e *envelope.Envelope) error {
	return r.send(e, "")
}

// send transmits e, received from the neighbor from or injected locally
// when from is empty.  An acknowledgment with no route to its destination
// retraces the path of the message it acknowledges.
func (r *Router) send(e *envelope.Envelope, from string) error {
	now := r.clock.Now()
	if e.IsExpired(now) {
		r.drop(e, instrument.ReasonExpired)
		return ErrExpired
	}

	r.Lock()
	r.markSeenLocked(e, from)
	hop, quality, ok := r.nextHopLocked(e.Destination)
	exit := false
	if !ok {
		hop, quality, ok, exit = r.reverseHopLocked(e)
	}
	r.Unlock()

	if exit {
		return r.toGateway(e)
	}
	if !ok {
		return r.store(e)
	}

	out := e.Clone()
	out.Source = r.opts.Self
	if err := r.transmit(hop, quality, out); err != nil {
		if secure.IsSecurityError(err) {
			r.log.Warningf("security: failed to protect %v for %v: %v", e.ID, hop, err)
			return err
		}
		r.log.Debugf("Transmission of %v to %v failed, buffering: %v", e.ID, hop, err)
		return r.store(e)
	}
	return nil
}

// Forward relays a message received from a peer, unless this node already
// forwarded it or it expired.
func (r *Router) Forward(e *envelope.Envelope) error {
	if e.IsExpired(r.clock.Now()) {
		r.drop(e, instrument.ReasonExpired)
		return ErrExpired
	}

	r.Lock()
	_, dup := r.seen[e.ID]
	r.Unlock()
	if dup {
		r.drop(e, instrument.ReasonDuplicate)
		return ErrAlreadyForwarded
	}

	if err := r.send(e, e.Source); err != nil {
		return err
	}
	r.Lock()
	r.stats.Forwarded++
	r.Unlock()
	instrument.MeshForwarded()
	return nil
}

// HandleInbound decodes a message received from a peer, delivers it if it
// is addressed to this agent, and forwards it otherwise.
func (r *Router) HandleInbound(b []byte) error {
	e, err := r.codec.Decode(b)
	if err != nil {
		if secure.IsSecurityError(err) {
			r.log.Warningf("security: rejected inbound message: %v", err)
		} else {
			instrument.MessageDropped(instrument.ReasonMalformed)
			r.log.Debugf("Dropping malformed inbound message: %v", err)
		}
		return err
	}
	if e.Destination != r.opts.Self {
		return r.Forward(e)
	}

	if e.IsExpired(r.clock.Now()) {
		r.drop(e, instrument.ReasonExpired)
		return ErrExpired
	}
	r.Lock()
	_, dup := r.seen[e.ID]
	r.markSeenLocked(e, e.Source)
	r.Unlock()

	if e.RequiresAck {
		ack, err := envelope.NewAck(e, r.opts.Self, r.clock.Now())
		if err != nil {
			return err
		}
		if err = r.Send(ack); err != nil {
			r.log.Debugf("Failed to send ack for %v: %v", e.ID, err)
		}
	}
	if dup {
		r.drop(e, instrument.ReasonDuplicate)
		return nil
	}

	r.Lock()
	r.stats.Delivered++
	r.Unlock()
	if r.opts.Deliver != nil {
		r.opts.Deliver(e)
	}
	return nil
}

// RetryBuffered re-attempts every buffered message.
func (r *Router) RetryBuffered() {
	r.Lock()
	pending := r.buffered
	r.buffered = nil
	r.Unlock()
	instrument.MeshBuffered(0)

	for _, e := range pending {
		if err := r.Send(e); err != nil && !errors.Is(err, ErrExpired) {
			r.log.Debugf("Retry of buffered %v: %v", e.ID, err)
		}
	}
}

// Stats returns a snapshot of the router state.
func (r *Router) Stats() Stats {
	r.Lock()
	defer r.Unlock()
	st := r.stats
	st.Neighbors = len(r.neighbors)
	st.Routes = len(r.routes)
	st.Buffered = len(r.buffered)
	return st
}

func (r *Router) nextHopLocked(dst string) (string, float64, bool) {
	if q, ok := r.neighbors[dst]; ok {
		return dst, q, true
	}
	hop, ok := r.routes[dst]
	if !ok {
		return "", 0, false
	}
	return hop, r.neighbors[hop], true
}

// reverseHopLocked returns the hop toward the neighbor an acknowledged
// message arrived from.  exit is set when this agent injected that message
// and a Gateway takes the acknowledgment out of the mesh.
func (r *Router) reverseHopLocked(e *envelope.Envelope) (hop string, quality float64, ok, exit bool) {
	id, isAck := e.IsAck()
	if !isAck {
		return "", 0, false, false
	}
	ent, seen := r.seen[id]
	if !seen {
		return "", 0, false, false
	}
	if ent.from == "" {
		return "", 0, false, r.opts.Gateway != nil
	}
	hop, quality, ok = r.nextHopLocked(ent.from)
	return hop, quality, ok, false
}

func (r *Router) toGateway(e *envelope.Envelope) error {
	if err := r.opts.Gateway(e.Clone()); err != nil {
		r.log.Debugf("Gateway refused %v for %v: %v", e.ID, e.Destination, err)
		return err
	}
	r.log.Debugf("Passed %v for %v to the gateway", e.ID, e.Destination)
	return nil
}

func (r *Router) transmit(peer string, quality float64, e *envelope.Envelope) error {
	if d := r.opts.Latency.HopDelay(quality); d > 0 {
		select {
		case <-time.After(d):
		case <-r.HaltCh():
			return context.Canceled
		}
	}
	b, err := r.codec.Encode(e, peer)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(r.Context(), r.opts.SendTimeout)
	defer cancel()
	return r.transport.Send(ctx, peer, b)
}

func (r *Router) store(e *envelope.Envelope) error {
	r.Lock()
	defer func() {
		n := len(r.buffered)
		r.Unlock()
		instrument.MeshBuffered(n)
	}()

	r.buffered = append(r.buffered, e)
	if len(r.buffered) <= r.opts.MaxBuffered {
		r.log.Debugf("Buffered %v for %v (no route)", e.ID, e.Destination)
		return nil
	}

	// Evict the oldest of the least urgent messages.
	victim := 0
	for i, b := range r.buffered {
		if b.Priority > r.buffered[victim].Priority {
			victim = i
		}
	}
	evicted := r.buffered[victim]
	r.buffered = append(r.buffered[:victim], r.buffered[victim+1:]...)
	r.stats.Dropped++
	instrument.MessageDropped(instrument.ReasonBufferFull)
	r.log.Debugf("Store-and-forward buffer full, evicted %v", evicted.ID)
	if evicted == e {
		return ErrBufferFull
	}
	return nil
}

func (r *Router) drop(e *envelope.Envelope, reason string) {
	r.Lock()
	r.stats.Dropped++
	r.Unlock()
	instrument.MessageDropped(reason)
	r.log.Debugf("Dropping %v for %v: %v", e.ID, e.Destination, reason)
}

func (r *Router) markSeenLocked(e *envelope.Envelope, from string) {
	if _, ok := r.seen[e.ID]; ok {
		return
	}
	ent := &seenEntry{
		id:        e.ID,
		from:      from,
		expiresAt: e.ExpiresAt(),
	}
	ent.node = r.seenETAs.Insert(ent)
	r.seen[e.ID] = ent
}

// sweep forgets the identities of expired messages.  They can no longer be
// forwarded, so they can no longer loop.
func (r *Router) sweep() {
	now := r.clock.Now()

	r.Lock()
	defer r.Unlock()
	iter := r.seenETAs.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		ent := node.Value.(*seenEntry)
		if !ent.expiresAt.Before(now) {
			break
		}
		delete(r.seen, ent.id)
		r.seenETAs.Remove(node)
	}
}

func (r *Router) withSelfLocked(agents []Agent) []Agent {
	nodes := make([]Agent, 0, len(agents)+1)
	nodes = append(nodes, Agent{ID: r.opts.Self, Position: r.position})
	for _, a := range agents {
		if a.ID == r.opts.Self {
			nodes[0].Position = a.Position
			r.position = a.Position
			continue
		}
		nodes = append(nodes, a)
	}
	return nodes
}

// shortestPaths runs Dijkstra from nodes[0], and returns the first hop of
// the shortest path to every reachable node.  Equal cost paths resolve to
// the one discovered first.
func shortestPaths(nodes []Agent, radioRange float64) map[string]string {
	n := len(nodes)
	dist := make([]float64, n)
	first := make([]int, n)
	done := make([]bool, n)
	for i := range dist {
		dist[i] = math.Inf(1)
		first[i] = -1
	}
	dist[0] = 0

	// Non-negative float64s order the same as their bit patterns.
	pq := queue.New()
	pq.Enqueue(math.Float64bits(0), 0)
	for ent := pq.Dequeue(); ent != nil; ent = pq.Dequeue() {
		u := ent.Value.(int)
		if done[u] {
			continue
		}
		done[u] = true
		for v := 0; v < n; v++ {
			if v == u || done[v] {
				continue
			}
			q, ok := LinkQuality(Distance(nodes[u].Position, nodes[v].Position), radioRange)
			if !ok {
				continue
			}
			d := dist[u] + linkWeight(q)
			if d < dist[v] {
				dist[v] = d
				if u == 0 {
					first[v] = v
				} else {
					first[v] = first[u]
				}
				pq.Enqueue(math.Float64bits(d), v)
			}
		}
	}

	routes := make(map[string]string)
	for v := 1; v < n; v++ {
		if done[v] && first[v] >= 0 {
			routes[nodes[v].ID] = nodes[first[v]].ID
		}
	}
	return routes
}

func copyQualities(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyRoutes(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SortedIDs returns the keys of a neighbor or route map in order.
func SortedIDs[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New creates a mesh router.
func New(opts *Options, tr transport.Transport, codec envelope.Codec, log *logging.Logger) (*Router, error) {
	if opts == nil || opts.Self == "" {
		return nil, errors.New("mesh: Self is required")
	}
	if tr == nil {
		return nil, errors.New("mesh: no transport")
	}
	if codec == nil {
		codec = envelope.PlainCodec{}
	}
	o := *opts
	o.applyDefaults()

	return &Router{
		log:       log,
		opts:      o,
		clock:     o.Clock,
		transport: tr,
		codec:     codec,
		neighbors: make(map[string]float64),
		routes:    make(map[string]string),
		seen:      make(map[string]*seenEntry),
		seenETAs: avl.New(func(a, b interface{}) int {
			ea, eb := a.(*seenEntry), b.(*seenEntry)
			switch {
			case ea.expiresAt.Before(eb.expiresAt):
				return -1
			case eb.expiresAt.Before(ea.expiresAt):
				return 1
			case ea.id < eb.id:
				return -1
			case ea.id > eb.id:
				return 1
			default:
				return 0
			}
		}),
	}, nil
}
