// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"fmt"
	"sync"
)

const inboxSize = 1024

type link struct {
	from, to string
}

// Network is an in-memory network of endpoints, used by the mesh
// simulator and by tests.  Links may be taken down to model partitions.
type Network struct {
	sync.Mutex

	endpoints map[string]*Endpoint
	linkDown  map[link]bool
	nodeDown  map[string]bool
	sent      map[link]int
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[string]*Endpoint),
		linkDown:  make(map[link]bool),
		nodeDown:  make(map[string]bool),
		sent:      make(map[link]int),
	}
}

// Endpoint returns the endpoint for id, creating it if needed.
func (n *Network) Endpoint(id string) *Endpoint {
	n.Lock()
	defer n.Unlock()

	if ep, ok := n.endpoints[id]; ok {
		return ep
	}
	ep := &Endpoint{
		net:    n,
		id:     id,
		inbox:  make(chan *Frame, inboxSize),
		closed: make(chan struct{}),
	}
	n.endpoints[id] = ep
	return ep
}

// SetLinkDown takes the link between a and b down (in both directions), or
// brings it back up.
func (n *Network) SetLinkDown(a, b string, down bool) {
	n.Lock()
	defer n.Unlock()
	n.linkDown[link{a, b}] = down
	n.linkDown[link{b, a}] = down
}

// SetNodeDown makes every link to and from id unusable, or restores them.
func (n *Network) SetNodeDown(id string, down bool) {
	n.Lock()
	defer n.Unlock()
	n.nodeDown[id] = down
}

// Sent returns the number of frames successfully sent from one endpoint to
// another.
func (n *Network) Sent(from, to string) int {
	n.Lock()
	defer n.Unlock()
	return n.sent[link{from, to}]
}

// Endpoint is a node's attachment to a Network.
type Endpoint struct {
	net *Network
	id  string

	inbox     chan *Frame
	closed    chan struct{}
	closeOnce sync.Once
}

// ID returns the endpoint identity.
func (e *Endpoint) ID() string {
	return e.id
}

// Send implements Transport.
func (e *Endpoint) Send(ctx context.Context, peer string, b []byte) error {
	n := e.net
	n.Lock()
	dst, ok := n.endpoints[peer]
	l := link{e.id, peer}
	if !ok || n.linkDown[l] || n.nodeDown[e.id] || n.nodeDown[peer] {
		n.Unlock()
		return fmt.Errorf("%w: %v -> %v", ErrPeerUnreachable, e.id, peer)
	}
	n.Unlock()

	f := &Frame{
		From:    e.id,
		Payload: append([]byte(nil), b...),
	}
	select {
	case <-e.closed:
		return ErrClosed
	case <-dst.closed:
		return fmt.Errorf("%w: %v closed", ErrPeerUnreachable, peer)
	case <-ctx.Done():
		return ctx.Err()
	case dst.inbox <- f:
	}

	n.Lock()
	n.sent[l]++
	n.Unlock()
	return nil
}

// Receive implements Transport.
func (e *Endpoint) Receive(ctx context.Context) (*Frame, error) {
	select {
	case f := <-e.inbox:
		return f, nil
	case <-e.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Transport.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
	})
	return nil
}
