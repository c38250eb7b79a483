// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"fmt"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/fieldrelay/core/worker"
)

// Channel tags.
const (
	ChannelRelay byte = 0x01
	ChannelMesh  byte = 0x02
)

// Mux multiplexes several logical Transports over one underlying link.
// Each frame carries a one byte channel tag ahead of the payload.
type Mux struct {
	worker.Worker
	sync.Mutex

	log      *logging.Logger
	tr       Transport
	channels map[byte]*MuxChannel
}

// Channel returns the logical transport for tag, creating it if needed.
func (m *Mux) Channel(tag byte) *MuxChannel {
	m.Lock()
	defer m.Unlock()

	if ch, ok := m.channels[tag]; ok {
		return ch
	}
	ch := &MuxChannel{
		mux:   m,
		tag:   tag,
		inbox: make(chan *Frame, inboxSize),
	}
	m.channels[tag] = ch
	return ch
}

// Close halts the demultiplexer and closes the underlying transport.
func (m *Mux) Close() error {
	err := m.tr.Close()
	m.Halt()
	return err
}

func (m *Mux) recvWorker() {
	for {
		f, err := m.tr.Receive(m.Context())
		if err != nil {
			select {
			case <-m.HaltCh():
			default:
				m.log.Errorf("Receive failed: %v", err)
			}
			return
		}
		if len(f.Payload) == 0 {
			m.log.Debugf("Dropping empty frame from %v", f.From)
			continue
		}

		m.Lock()
		ch, ok := m.channels[f.Payload[0]]
		m.Unlock()
		if !ok {
			m.log.Debugf("Dropping frame from %v for unknown channel 0x%02x", f.From, f.Payload[0])
			continue
		}
		select {
		case ch.inbox <- &Frame{From: f.From, Payload: f.Payload[1:]}:
		case <-m.HaltCh():
			return
		}
	}
}

// MuxChannel is a logical Transport carried by a Mux.
type MuxChannel struct {
	mux   *Mux
	tag   byte
	inbox chan *Frame
}

// Send implements Transport.
func (c *MuxChannel) Send(ctx context.Context, peer string, b []byte) error {
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, c.tag)
	buf = append(buf, b...)
	return c.mux.tr.Send(ctx, peer, buf)
}

// Receive implements Transport.
func (c *MuxChannel) Receive(ctx context.Context) (*Frame, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	case <-c.mux.HaltCh():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Transport.  The underlying link is closed by the Mux.
func (c *MuxChannel) Close() error {
	return nil
}

// NewMux starts demultiplexing frames received on tr.
func NewMux(tr Transport, log *logging.Logger) (*Mux, error) {
	if tr == nil {
		return nil, fmt.Errorf("transport: no transport to multiplex")
	}
	m := &Mux{
		log:      log,
		tr:       tr,
		channels: make(map[byte]*MuxChannel),
	}
	m.Go(m.recvWorker)
	return m, nil
}
