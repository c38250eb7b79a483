// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport provides the byte oriented links between nodes.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrPeerUnreachable is the error returned when a frame could not be
	// handed to the peer.  It is transient.
	ErrPeerUnreachable = errors.New("transport: peer unreachable")

	// ErrClosed is the error returned by operations on a closed transport.
	ErrClosed = errors.New("transport: closed")
)

// Frame is a received frame.
type Frame struct {
	// From is the identity of the sending peer.
	From string

	Payload []byte
}

// Transport sends and receives frames.  Implementations must be safe for
// concurrent use.
type Transport interface {
	// Send delivers b to peer.
	Send(ctx context.Context, peer string, b []byte) error

	// Receive blocks until a frame arrives, the context is done, or the
	// transport is closed.
	Receive(ctx context.Context) (*Frame, error)

	// Close releases the transport's resources.
	Close() error
}
