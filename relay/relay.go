// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay implements the relay node, which mediates between the
// upstream link toward the command center and the downstream links toward
// the agents.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gitlab.com/yawning/avl.git"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/fieldrelay/buffer"
	"github.com/katzenpost/fieldrelay/core/clock"
	"github.com/katzenpost/fieldrelay/core/worker"
	"github.com/katzenpost/fieldrelay/envelope"
	"github.com/katzenpost/fieldrelay/instrument"
	"github.com/katzenpost/fieldrelay/secure"
	"github.com/katzenpost/fieldrelay/transport"
)

const (
	DefaultAckTimeout             = 5 * time.Second
	DefaultTimeoutCheckInterval   = time.Second
	DefaultSendTimeout            = 2 * time.Second
	DefaultDedupCacheSize         = 4096
	DefaultTelemetryBatchSize     = 10
	DefaultTelemetryFlushInterval = 5 * time.Second

	// ProbeKey is the payload key marking a connectivity probe.
	ProbeKey = "probe"

	// BatchKey is the payload key holding the items of a telemetry batch.
	BatchKey = "batch"

	component = "relay"
)

var (
	// ErrExpired is a message whose TTL elapsed.
	ErrExpired = errors.New("relay: message expired")

	// ErrDuplicate is a message whose identity was already seen.
	ErrDuplicate = errors.New("relay: duplicate message")

	// ErrUnreachable is a message for a destination with no link or route.
	ErrUnreachable = errors.New("relay: destination unreachable")

	// ErrRetriesExhausted is a message that failed at its retry ceiling.
	ErrRetriesExhausted = errors.New("relay: retries exhausted")

	errAckTimeout = errors.New("acknowledgment timed out")
)

// Router accepts messages the relay can not deliver over a direct link.
type Router interface {
	Send(e *envelope.Envelope) error
}

// Options are the Relay parameters.
type Options struct {
	// Self is the identity of this node.
	Self string

	// CommandID is the identity of the command center.  Messages
	// addressed to it are upstream traffic.
	CommandID string

	// Upstream is the peer upstream traffic is transmitted to, the
	// command center itself if empty.
	Upstream string

	AckTimeout             time.Duration
	TimeoutCheckInterval   time.Duration
	SendTimeout            time.Duration
	TelemetryFlushInterval time.Duration
	TelemetryBatchSize     int
	DedupCacheSize         int

	// MaxRetries is the retry ceiling of messages built by the relay.
	MaxRetries int

	// Deliver is called with every message addressed to this node.
	Deliver func(*envelope.Envelope)

	// Fallback, if set, is handed downstream messages that can not be
	// delivered over a direct link.
	Fallback Router

	Clock clock.Clock
}

func (o *Options) applyDefaults() {
	if o.Upstream == "" {
		o.Upstream = o.CommandID
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.TimeoutCheckInterval <= 0 {
		o.TimeoutCheckInterval = DefaultTimeoutCheckInterval
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.TelemetryFlushInterval <= 0 {
		o.TelemetryFlushInterval = DefaultTelemetryFlushInterval
	}
	if o.TelemetryBatchSize <= 0 {
		o.TelemetryBatchSize = DefaultTelemetryBatchSize
	}
	if o.DedupCacheSize <= 0 {
		o.DedupCacheSize = DefaultDedupCacheSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = envelope.DefaultMaxRetries
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
}

// Stats is a snapshot of the relay counters.
type Stats struct {
	Queued             int
	PendingAcks        int
	Transmitted        uint64
	Acknowledged       uint64
	DroppedExpired     uint64
	DroppedDuplicate   uint64
	DroppedUnreachable uint64
	FailedPermanent    uint64
	HandedOver         uint64
	Connected          bool
}

type pendingAck struct {
	env      *envelope.Envelope
	sentAt   time.Time
	seq      uint64
	etaNode  *avl.Node
	upstream bool
}

// Relay is a relay node.
type Relay struct {
	worker.Worker

	log   *logging.Logger
	opts  Options
	clock clock.Clock

	transport transport.Transport
	codec     envelope.Codec
	buffer    *buffer.Buffer

	outq  *outboundQueue
	dedup *dedupCache

	linksLock sync.RWMutex
	links     map[string]struct{}

	pendingLock sync.Mutex
	pending     map[string]*pendingAck
	pendingETAs *avl.Tree
	pendingSeq  uint64

	probeLock sync.Mutex
	probes    map[string]chan struct{}

	telemetryLock sync.Mutex
	telemetry     []*envelope.Envelope

	connected atomic.Bool

	transmitted        atomic.Uint64
	acknowledged       atomic.Uint64
	droppedExpired     atomic.Uint64
	droppedDuplicate   atomic.Uint64
	droppedUnreachable atomic.Uint64
	failedPermanent    atomic.Uint64
	handedOver         atomic.Uint64
}

// AddLink registers a direct downstream link to peer.
func (r *Relay) AddLink(peer string) {
	r.linksLock.Lock()
	defer r.linksLock.Unlock()
	r.links[peer] = struct{}{}
}

// RemoveLink forgets the direct downstream link to peer.
func (r *Relay) RemoveLink(peer string) {
	r.linksLock.Lock()
	defer r.linksLock.Unlock()
	delete(r.links, peer)
}

func (r *Relay) hasLink(peer string) bool {
	r.linksLock.RLock()
	defer r.linksLock.RUnlock()
	_, ok := r.links[peer]
	return ok
}

// SetConnected records the state of the upstream link.
func (r *Relay) SetConnected(up bool) {
	if r.connected.Swap(up) != up {
		r.log.Noticef("Upstream link %v: %v", r.opts.Upstream, upDown(up))
	}
	instrument.UpstreamConnected(up)
}

// Connected returns true iff the upstream link is believed to be up.
func (r *Relay) Connected() bool {
	return r.connected.Load()
}

// RelayDownstream queues a message for an agent.
func (r *Relay) RelayDownstream(e *envelope.Envelope) error {
	if e.IsExpired(r.clock.Now()) {
		r.drop(e, instrument.ReasonExpired)
		return ErrExpired
	}
	if r.dedup.Seen(e.ID) {
		r.drop(e, instrument.ReasonDuplicate)
		return ErrDuplicate
	}
	r.outq.Push(e.Clone())
	return nil
}

// RelayUpstream sends a message toward the command center.  Telemetry is
// aggregated into batches, everything else is transmitted immediately, and
// messages that can not be transmitted are stored in the durable buffer.
// An error is returned iff the message was neither sent nor stored.
func (r *Relay) RelayUpstream(e *envelope.Envelope) error {
	if e.IsExpired(r.clock.Now()) {
		r.drop(e, instrument.ReasonExpired)
		return ErrExpired
	}
	e = e.Clone()
	if e.Kind == envelope.Telemetry {
		return r.aggregate(e)
	}
	return r.transmitUpstream(e)
}

// HandleInbound decodes and dispatches a message received from a peer.
func (r *Relay) HandleInbound(b []byte) error {
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
	return r.HandleEnvelope(e)
}

// HandleEnvelope dispatches a decoded inbound message.  Acknowledgments
// settle the pending map, and are relayed on if addressed elsewhere.
// Messages for this node are delivered, everything else is relayed on.
func (r *Relay) HandleEnvelope(e *envelope.Envelope) error {
	if id, ok := e.IsAck(); ok {
		if r.signalProbe(id) {
			return nil
		}
		r.HandleAck(id)
		if e.Destination == r.opts.Self {
			return nil
		}
	}
	if e.IsExpired(r.clock.Now()) {
		r.drop(e, instrument.ReasonExpired)
		return ErrExpired
	}

	switch {
	case e.Destination == r.opts.Self:
		dup := r.dedup.Seen(e.ID)
		if e.RequiresAck {
			r.sendAck(e)
		}
		if dup {
			r.drop(e, instrument.ReasonDuplicate)
			return ErrDuplicate
		}
		if _, probe := e.Payload[ProbeKey]; probe {
			return nil
		}
		if r.opts.Deliver != nil {
			r.opts.Deliver(e)
		}
		return nil
	case r.isUpstreamBound(e):
		if r.dedup.Seen(e.ID) {
			r.drop(e, instrument.ReasonDuplicate)
			return ErrDuplicate
		}
		e = e.Clone()
		e.Source = r.opts.Self
		return r.RelayUpstream(e)
	default:
		e = e.Clone()
		e.Source = r.opts.Self
		return r.RelayDownstream(e)
	}
}

// HandleReturnedAck takes an acknowledgment that left the mesh at this node,
// settles the matching pending record and routes it on toward its
// destination.  Acknowledgments with neither an upstream path nor a direct
// link to their destination are dropped.
func (r *Relay) HandleReturnedAck(e *envelope.Envelope) error {
	id, ok := e.IsAck()
	if !ok {
		return fmt.Errorf("relay: %v is not an acknowledgment", e.ID)
	}
	r.HandleAck(id)
	if e.Destination == r.opts.Self {
		return nil
	}
	if !r.isUpstreamBound(e) && !r.hasLink(e.Destination) {
		r.drop(e, instrument.ReasonUnreachable)
		return ErrUnreachable
	}
	return r.HandleEnvelope(e)
}

// HandleAck settles the pending acknowledgment for id.  Unknown identities
// are ignored, and false is returned.
func (r *Relay) HandleAck(id string) bool {
	r.pendingLock.Lock()
	p, ok := r.pending[id]
	if ok {
		r.removePendingLocked(p)
	}
	n := len(r.pending)
	r.pendingLock.Unlock()

	if !ok {
		r.log.Debugf("Ignoring ack for unknown message %v", id)
		return false
	}
	latency := r.clock.Now().Sub(p.sentAt)
	instrument.PendingAcks(n)
	instrument.AckLatency(latency)
	r.acknowledged.Add(1)
	r.log.Debugf("Message %v acknowledged after %v", id, latency)
	return true
}

// CheckTimeouts retries, or fails, every message whose acknowledgment is
// overdue, and returns how many were found.
func (r *Relay) CheckTimeouts() int {
	now := r.clock.Now()

	var overdue []*pendingAck
	r.pendingLock.Lock()
	iter := r.pendingETAs.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		p := node.Value.(*pendingAck)
		if now.Sub(p.sentAt) <= r.opts.AckTimeout {
			break
		}
		delete(r.pending, p.env.ID)
		r.pendingETAs.Remove(node)
		p.etaNode = nil
		overdue = append(overdue, p)
	}
	n := len(r.pending)
	r.pendingLock.Unlock()

	instrument.PendingAcks(n)
	for _, p := range overdue {
		if p.upstream {
			r.log.Debugf("Upstream ack timeout for %v (sent %v ago)", p.env.ID, now.Sub(p.sentAt))
		} else {
			r.log.Debugf("Ack timeout for %v (sent %v ago)", p.env.ID, now.Sub(p.sentAt))
		}
		r.retry(p.env, errAckTimeout)
	}
	return len(overdue)
}

// PendingAcks returns the number of messages awaiting acknowledgment.
func (r *Relay) PendingAcks() int {
	r.pendingLock.Lock()
	defer r.pendingLock.Unlock()
	return len(r.pending)
}

// FlushTelemetry transmits the aggregated telemetry, if any.
func (r *Relay) FlushTelemetry() error {
	r.telemetryLock.Lock()
	batch := r.telemetry
	r.telemetry = nil
	r.telemetryLock.Unlock()

	return r.flushTelemetry(batch)
}

// Probe performs a round trip with the upstream peer.
func (r *Relay) Probe(ctx context.Context) error {
	now := r.clock.Now()
	e, err := envelope.New(envelope.Heartbeat, map[string]any{ProbeKey: true}, r.opts.Self, r.opts.Upstream, envelope.Critical,
		envelope.WithCreatedAt(now))
	if err != nil {
		return err
	}
	e.RequiresAck = true

	ch := make(chan struct{})
	r.probeLock.Lock()
	r.probes[e.ID] = ch
	r.probeLock.Unlock()
	defer func() {
		r.probeLock.Lock()
		delete(r.probes, e.ID)
		r.probeLock.Unlock()
	}()

	b, err := r.codec.Encode(e, r.opts.Upstream)
	if err != nil {
		return err
	}
	if err = r.transport.Send(ctx, r.opts.Upstream, b); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendUpstream transmits e to the upstream peer once, without buffering or
// acknowledgment tracking.
func (r *Relay) SendUpstream(ctx context.Context, e *envelope.Envelope) error {
	b, err := r.codec.Encode(e, r.opts.Upstream)
	if err != nil {
		return err
	}
	return r.transport.Send(ctx, r.opts.Upstream, b)
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Queued:             r.outq.Len(),
		PendingAcks:        r.PendingAcks(),
		Transmitted:        r.transmitted.Load(),
		Acknowledged:       r.acknowledged.Load(),
		DroppedExpired:     r.droppedExpired.Load(),
		DroppedDuplicate:   r.droppedDuplicate.Load(),
		DroppedUnreachable: r.droppedUnreachable.Load(),
		FailedPermanent:    r.failedPermanent.Load(),
		HandedOver:         r.handedOver.Load(),
		Connected:          r.Connected(),
	}
}

func (r *Relay) isUpstreamBound(e *envelope.Envelope) bool {
	return e.Destination == r.opts.CommandID && r.opts.Self != r.opts.CommandID
}

func (r *Relay) transmit(e *envelope.Envelope) {
	if e.IsExpired(r.clock.Now()) {
		r.drop(e, instrument.ReasonExpired)
		return
	}
	if r.isUpstreamBound(e) {
		if err := r.transmitUpstream(e); err != nil {
			r.log.Errorf("Lost upstream message %v: %v", e.ID, err)
		}
		return
	}
	r.transmitDownstream(e)
}

func (r *Relay) transmitDownstream(e *envelope.Envelope) {
	if !r.hasLink(e.Destination) {
		if r.opts.Fallback != nil {
			r.handOver(e, ErrUnreachable)
			return
		}
		r.drop(e, instrument.ReasonUnreachable)
		return
	}

	err := r.send(e.Destination, e)
	switch {
	case err == nil:
	case secure.IsSecurityError(err):
		r.log.Warningf("security: failed to protect message %v for %v: %v", e.ID, e.Destination, err)
		r.fail(e, err)
		return
	case r.opts.Fallback != nil:
		r.handOver(e, err)
		return
	default:
		r.log.Debugf("Transmission of %v to %v failed: %v", e.ID, e.Destination, err)
		r.retry(e, err)
		return
	}

	r.transmitted.Add(1)
	if e.RequiresAck {
		r.addPending(e, false)
	}
}

func (r *Relay) transmitUpstream(e *envelope.Envelope) error {
	if r.Connected() {
		err := r.send(r.opts.Upstream, e)
		if err == nil {
			r.transmitted.Add(1)
			if e.RequiresAck {
				r.addPending(e, true)
			}
			return nil
		}
		if secure.IsSecurityError(err) {
			r.log.Warningf("security: failed to protect message %v for %v: %v", e.ID, r.opts.Upstream, err)
		} else {
			r.log.Debugf("Upstream transmission of %v failed: %v", e.ID, err)
			r.SetConnected(false)
		}
	}

	if r.buffer == nil {
		r.drop(e, instrument.ReasonUnreachable)
		return ErrUnreachable
	}
	if err := r.buffer.Put(e); err != nil {
		return err
	}
	r.log.Debugf("Buffered upstream message %v", e.ID)
	return nil
}

func (r *Relay) handOver(e *envelope.Envelope, cause error) {
	// The ack can return before Send does.
	if e.RequiresAck {
		r.addPending(e, false)
	}
	if err := r.opts.Fallback.Send(e.Clone()); err != nil {
		r.log.Debugf("Fallback refused %v (%v): %v", e.ID, cause, err)
		if e.RequiresAck {
			r.forgetPending(e.ID)
		}
		r.retry(e, err)
		return
	}
	r.handedOver.Add(1)
	r.log.Debugf("Handed %v for %v to the mesh: %v", e.ID, e.Destination, cause)
}

func (r *Relay) retry(e *envelope.Envelope, cause error) {
	e = e.Clone()
	e.RetryCount++
	if e.RetryCount >= retryCeiling(e) {
		r.fail(e, fmt.Errorf("%w: %v", ErrRetriesExhausted, cause))
		return
	}
	if e.IsExpired(r.clock.Now()) {
		r.drop(e, instrument.ReasonExpired)
		return
	}
	r.outq.Push(e)
}

func retryCeiling(e *envelope.Envelope) int {
	if e.MaxRetries <= 0 {
		return envelope.DefaultMaxRetries
	}
	return e.MaxRetries
}

func (r *Relay) send(peer string, e *envelope.Envelope) error {
	b, err := r.codec.Encode(e, peer)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(r.Context(), r.opts.SendTimeout)
	defer cancel()
	return r.transport.Send(ctx, peer, b)
}

func (r *Relay) sendAck(e *envelope.Envelope) {
	ack, err := envelope.NewAck(e, r.opts.Self, r.clock.Now())
	if err != nil {
		r.log.Errorf("Failed to build ack for %v: %v", e.ID, err)
		return
	}
	r.outq.Push(ack)
}

func (r *Relay) signalProbe(id string) bool {
	r.probeLock.Lock()
	defer r.probeLock.Unlock()
	ch, ok := r.probes[id]
	if ok {
		close(ch)
		delete(r.probes, id)
	}
	return ok
}

func (r *Relay) addPending(e *envelope.Envelope, upstream bool) {
	r.pendingLock.Lock()
	if old, ok := r.pending[e.ID]; ok {
		r.removePendingLocked(old)
	}
	p := &pendingAck{
		env:      e,
		sentAt:   r.clock.Now(),
		seq:      r.pendingSeq,
		upstream: upstream,
	}
	r.pendingSeq++
	p.etaNode = r.pendingETAs.Insert(p)
	if p.etaNode.Value.(*pendingAck) != p {
		panic("BUG: relay: pending ack ETA conflict")
	}
	r.pending[e.ID] = p
	n := len(r.pending)
	r.pendingLock.Unlock()

	instrument.PendingAcks(n)
}

func (r *Relay) forgetPending(id string) {
	r.pendingLock.Lock()
	if p, ok := r.pending[id]; ok {
		r.removePendingLocked(p)
	}
	n := len(r.pending)
	r.pendingLock.Unlock()

	instrument.PendingAcks(n)
}

func (r *Relay) removePendingLocked(p *pendingAck) {
	delete(r.pending, p.env.ID)
	if p.etaNode != nil {
		r.pendingETAs.Remove(p.etaNode)
		p.etaNode = nil
	}
}

func (r *Relay) aggregate(e *envelope.Envelope) error {
	r.telemetryLock.Lock()
	r.telemetry = append(r.telemetry, e)
	var batch []*envelope.Envelope
	if len(r.telemetry) >= r.opts.TelemetryBatchSize {
		batch = r.telemetry
		r.telemetry = nil
	}
	r.telemetryLock.Unlock()

	return r.flushTelemetry(batch)
}

func (r *Relay) flushTelemetry(batch []*envelope.Envelope) error {
	if len(batch) == 0 {
		return nil
	}

	now := r.clock.Now()
	items := make([]any, 0, len(batch))
	priority := envelope.Low
	for _, e := range batch {
		if e.IsExpired(now) {
			r.drop(e, instrument.ReasonExpired)
			continue
		}
		items = append(items, map[string]any{
			"id":         e.ID,
			"origin":     e.Origin,
			"created_at": float64(e.CreatedAt.UnixMilli()) / 1e3,
			"payload":    e.Payload,
		})
		if e.Priority < priority {
			priority = e.Priority
		}
	}
	if len(items) == 0 {
		return nil
	}

	payload := map[string]any{
		BatchKey: items,
		"count":  int64(len(items)),
	}
	b, err := envelope.New(envelope.Telemetry, payload, r.opts.Self, r.opts.CommandID, priority,
		envelope.WithCreatedAt(now), envelope.WithMaxRetries(r.opts.MaxRetries))
	if err != nil {
		return err
	}
	r.log.Debugf("Flushing telemetry batch %v (%d items)", b.ID, len(items))
	return r.transmitUpstream(b)
}

func (r *Relay) drop(e *envelope.Envelope, reason string) {
	switch reason {
	case instrument.ReasonExpired:
		r.droppedExpired.Add(1)
	case instrument.ReasonDuplicate:
		r.droppedDuplicate.Add(1)
	case instrument.ReasonUnreachable:
		r.droppedUnreachable.Add(1)
	}
	instrument.MessageDropped(reason)
	r.log.Debugf("Dropping %v %v for %v: %v", e.Kind, e.ID, e.Destination, reason)
}

func (r *Relay) fail(e *envelope.Envelope, cause error) {
	r.failedPermanent.Add(1)
	instrument.PermanentFailure(component)
	r.log.Warningf("Message %v for %v failed permanently after %d attempts: %v", e.ID, e.Destination, e.RetryCount, cause)
}

func upDown(up bool) string {
	if up {
		return "up"
	}
	return "down"
}

// New creates a relay.  The buffer may be nil, in which case upstream
// messages that can not be transmitted are dropped.
func New(opts *Options, tr transport.Transport, codec envelope.Codec, buf *buffer.Buffer, log *logging.Logger) (*Relay, error) {
	if opts == nil || opts.Self == "" || opts.CommandID == "" {
		return nil, errors.New("relay: Self and CommandID are required")
	}
	if tr == nil {
		return nil, errors.New("relay: no transport")
	}
	if codec == nil {
		codec = envelope.PlainCodec{}
	}
	o := *opts
	o.applyDefaults()

	r := &Relay{
		log:       log,
		opts:      o,
		clock:     o.Clock,
		transport: tr,
		codec:     codec,
		buffer:    buf,
		outq:      newOutboundQueue(),
		dedup:     newDedupCache(o.DedupCacheSize),
		links:     make(map[string]struct{}),
		pending:   make(map[string]*pendingAck),
		probes:    make(map[string]chan struct{}),
		pendingETAs: avl.New(func(a, b interface{}) int {
			pa, pb := a.(*pendingAck), b.(*pendingAck)
			switch {
			case pa.sentAt.Before(pb.sentAt):
				return -1
			case pb.sentAt.Before(pa.sentAt):
				return 1
			case pa.seq < pb.seq:
				return -1
			case pa.seq > pb.seq:
				return 1
			default:
				return 0
			}
		}),
	}
	return r, nil
}
