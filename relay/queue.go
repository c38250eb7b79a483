// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"sync"

	"github.com/katzenpost/fieldrelay/core/queue"
	"github.com/katzenpost/fieldrelay/envelope"
	"github.com/katzenpost/fieldrelay/instrument"
)

// outboundQueue is the relay's priority ordered outbound queue.  It is the
// only path by which envelopes reach the transmit worker, for new messages
// and retries alike.
type outboundQueue struct {
	sync.Mutex

	q      *queue.PriorityQueue
	signal chan struct{}
}

func (o *outboundQueue) Push(e *envelope.Envelope) {
	o.Lock()
	o.q.Enqueue(uint64(e.Priority), e)
	n := o.q.Len()
	o.Unlock()

	instrument.OutboundQueueLength(n)
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *outboundQueue) Pop() *envelope.Envelope {
	o.Lock()
	ent := o.q.Dequeue()
	n := o.q.Len()
	o.Unlock()

	if ent == nil {
		return nil
	}
	instrument.OutboundQueueLength(n)
	return ent.Value.(*envelope.Envelope)
}

func (o *outboundQueue) Drain() []*envelope.Envelope {
	o.Lock()
	ents := o.q.Drain()
	o.Unlock()

	instrument.OutboundQueueLength(0)
	out := make([]*envelope.Envelope, 0, len(ents))
	for _, ent := range ents {
		out = append(out, ent.Value.(*envelope.Envelope))
	}
	return out
}

func (o *outboundQueue) Len() int {
	o.Lock()
	defer o.Unlock()
	return o.q.Len()
}

func newOutboundQueue() *outboundQueue {
	return &outboundQueue{
		q:      queue.New(),
		signal: make(chan struct{}, 1),
	}
}

// dedupCache remembers the most recent identities seen.
type dedupCache struct {
	sync.Mutex

	seen map[string]struct{}
	ring []string
	next int
}

// Seen records id, and returns true iff it was already present.
func (c *dedupCache) Seen(id string) bool {
	c.Lock()
	defer c.Unlock()

	if _, ok := c.seen[id]; ok {
		return true
	}
	if old := c.ring[c.next]; old != "" {
		delete(c.seen, old)
	}
	c.ring[c.next] = id
	c.next = (c.next + 1) % len(c.ring)
	c.seen[id] = struct{}{}
	return false
}

func newDedupCache(size int) *dedupCache {
	return &dedupCache{
		seen: make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}
