// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/fieldrelay/core/retry"
	"github.com/katzenpost/fieldrelay/core/worker"
)

const (
	// MaxFrameSize is the largest frame accepted from the network.
	MaxFrameSize = 16 << 20

	frameHeaderSize = 4
	defaultDialTO   = 5 * time.Second
)

var errFrameTooLarge = errors.New("transport: frame too large")

type wireFrame struct {
	From    string `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint"`
}

func writeFrame(w *bufio.Writer, f *wireFrame) error {
	b, err := cbor.Marshal(f)
	if err != nil {
		return err
	}
	if len(b) > MaxFrameSize {
		return errFrameTooLarge
	}
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err = w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err = w.Write(b); err != nil {
		return err
	}
	return w.Flush()
}

func readFrame(r *bufio.Reader) (*wireFrame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, errFrameTooLarge
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	f := new(wireFrame)
	if err := cbor.Unmarshal(b, f); err != nil {
		return nil, err
	}
	return f, nil
}

type outConn struct {
	sync.Mutex
	conn net.Conn
	bw   *bufio.Writer
}

// TCP is a Transport over TCP, carrying length prefixed CBOR frames.  One
// outgoing connection per peer is dialed lazily and reused.
type TCP struct {
	worker.Worker
	sync.Mutex

	log  *logging.Logger
	self string
	ln   net.Listener

	peers    map[string]string
	outgoing map[string]*outConn
	incoming map[net.Conn]struct{}

	recvCh  chan *Frame
	backoff *retry.Backoff
	closed  bool
}

// AddPeer sets the dial address of peer.
func (t *TCP) AddPeer(peer, addr string) {
	t.Lock()
	defer t.Unlock()
	t.peers[peer] = addr
}

// Addr returns the listener address.
func (t *TCP) Addr() net.Addr {
	return t.ln.Addr()
}

// Send implements Transport.
func (t *TCP) Send(ctx context.Context, peer string, b []byte) error {
	oc, err := t.getConn(ctx, peer)
	if err != nil {
		return err
	}

	oc.Lock()
	defer oc.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		oc.conn.SetWriteDeadline(deadline)
	} else {
		oc.conn.SetWriteDeadline(time.Time{})
	}
	if err = writeFrame(oc.bw, &wireFrame{From: t.self, Payload: b}); err != nil {
		t.dropConn(peer, oc)
		return fmt.Errorf("%w: %v: %v", ErrPeerUnreachable, peer, err)
	}
	return nil
}

func (t *TCP) getConn(ctx context.Context, peer string) (*outConn, error) {
	t.Lock()
	if t.closed {
		t.Unlock()
		return nil, ErrClosed
	}
	if oc, ok := t.outgoing[peer]; ok {
		t.Unlock()
		return oc, nil
	}
	addr, ok := t.peers[peer]
	t.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %v: no known address", ErrPeerUnreachable, peer)
	}
	if !t.backoff.Ready(peer, time.Now()) {
		return nil, fmt.Errorf("%w: %v: backing off", ErrPeerUnreachable, peer)
	}

	dialer := &net.Dialer{Timeout: defaultDialTO}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		d := t.backoff.Failure(peer, time.Now())
		t.log.Debugf("Failed to dial %v (%v), next attempt in %v: %v", peer, addr, d, err)
		return nil, fmt.Errorf("%w: %v: %v", ErrPeerUnreachable, peer, err)
	}
	t.backoff.Success(peer)
	oc := &outConn{
		conn: conn,
		bw:   bufio.NewWriter(conn),
	}

	t.Lock()
	defer t.Unlock()
	if existing, ok := t.outgoing[peer]; ok {
		// Lost a dial race.
		conn.Close()
		return existing, nil
	}
	t.outgoing[peer] = oc
	t.log.Debugf("Connected to %v (%v)", peer, addr)
	return oc, nil
}

func (t *TCP) dropConn(peer string, oc *outConn) {
	oc.conn.Close()
	t.Lock()
	defer t.Unlock()
	if t.outgoing[peer] == oc {
		delete(t.outgoing, peer)
	}
}

// Receive implements Transport.
func (t *TCP) Receive(ctx context.Context) (*Frame, error) {
	select {
	case f := <-t.recvCh:
		return f, nil
	case <-t.HaltCh():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Transport.
func (t *TCP) Close() error {
	err := t.ln.Close()

	t.Lock()
	t.closed = true
	for c := range t.incoming {
		c.Close()
	}
	for peer, oc := range t.outgoing {
		oc.conn.Close()
		delete(t.outgoing, peer)
	}
	t.Unlock()

	t.Halt()
	return err
}

func (t *TCP) acceptWorker() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.log.Errorf("Accept failed: %v", err)
			}
			return
		}

		t.Lock()
		if t.closed {
			t.Unlock()
			conn.Close()
			return
		}
		t.incoming[conn] = struct{}{}
		t.Unlock()

		t.Go(func() {
			t.connWorker(conn)
		})
	}
}

func (t *TCP) connWorker(conn net.Conn) {
	defer func() {
		conn.Close()
		t.Lock()
		delete(t.incoming, conn)
		t.Unlock()
	}()

	br := bufio.NewReader(conn)
	for {
		wf, err := readFrame(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.log.Debugf("Closing connection from %v: %v", conn.RemoteAddr(), err)
			}
			return
		}
		select {
		case t.recvCh <- &Frame{From: wf.From, Payload: wf.Payload}:
		case <-t.HaltCh():
			return
		}
	}
}

// NewTCP listens on listenAddr and returns a TCP transport for the node
// self.  peers maps peer identities to dial addresses.
func NewTCP(self, listenAddr string, peers map[string]string, log *logging.Logger) (*TCP, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to listen on %v: %w", listenAddr, err)
	}
	t := &TCP{
		log:      log,
		self:     self,
		ln:       ln,
		peers:    make(map[string]string),
		outgoing: make(map[string]*outConn),
		incoming: make(map[net.Conn]struct{}),
		recvCh:   make(chan *Frame, inboxSize),
		backoff:  retry.NewBackoff(),
	}
	for k, v := range peers {
		t.peers[k] = v
	}
	t.Go(t.acceptWorker)
	t.log.Noticef("Listening on %v", ln.Addr())
	return t, nil
}
