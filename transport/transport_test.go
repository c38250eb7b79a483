// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"bufio"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/fieldrelay/core/log"
)

func TestNetwork(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()

	n := NewNetwork()
	a, b := n.Endpoint("a"), n.Endpoint("b")
	require.Same(a, n.Endpoint("a"))

	require.NoError(a.Send(ctx, "b", []byte("hello")))
	f, err := b.Receive(ctx)
	require.NoError(err)
	require.Equal("a", f.From)
	require.Equal([]byte("hello"), f.Payload)
	require.Equal(1, n.Sent("a", "b"))

	require.ErrorIs(a.Send(ctx, "nobody", []byte("x")), ErrPeerUnreachable)

	n.SetLinkDown("a", "b", true)
	require.ErrorIs(b.Send(ctx, "a", []byte("x")), ErrPeerUnreachable)
	n.SetLinkDown("a", "b", false)
	n.SetNodeDown("b", true)
	require.ErrorIs(a.Send(ctx, "b", []byte("x")), ErrPeerUnreachable)
	n.SetNodeDown("b", false)
	require.NoError(a.Send(ctx, "b", []byte("x")))
	require.Equal(2, n.Sent("a", "b"))

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = a.Receive(cctx)
	require.ErrorIs(err, context.DeadlineExceeded)

	require.NoError(a.Close())
	_, err = a.Receive(ctx)
	require.ErrorIs(err, ErrClosed)
}

func TestFrameCodec(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(writeFrame(w, &wireFrame{From: "edge-1", Payload: []byte{1, 2, 3}}))
	require.NoError(writeFrame(w, &wireFrame{From: "uav-2", Payload: nil}))

	r := bufio.NewReader(&buf)
	f, err := readFrame(r)
	require.NoError(err)
	require.Equal("edge-1", f.From)
	require.Equal([]byte{1, 2, 3}, f.Payload)
	f, err = readFrame(r)
	require.NoError(err)
	require.Equal("uav-2", f.From)

	// Oversized length prefix.
	r = bufio.NewReader(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))
	_, err = readFrame(r)
	require.ErrorIs(err, errFrameTooLarge)
}

func TestTCP(t *testing.T) {
	require := require.New(t)
	backend := log.NewDiscard()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := NewTCP("a", "127.0.0.1:0", nil, backend.GetLogger("transport/a"))
	require.NoError(err)
	defer a.Close()
	b, err := NewTCP("b", "127.0.0.1:0", nil, backend.GetLogger("transport/b"))
	require.NoError(err)
	defer b.Close()

	require.ErrorIs(a.Send(ctx, "b", []byte("x")), ErrPeerUnreachable)

	a.AddPeer("b", b.Addr().String())
	b.AddPeer("a", a.Addr().String())

	for i := 0; i < 3; i++ {
		require.NoError(a.Send(ctx, "b", []byte{byte(i)}))
	}
	for i := 0; i < 3; i++ {
		f, err := b.Receive(ctx)
		require.NoError(err)
		require.Equal("a", f.From)
		require.Equal([]byte{byte(i)}, f.Payload)
	}

	require.NoError(b.Send(ctx, "a", []byte("reply")))
	f, err := a.Receive(ctx)
	require.NoError(err)
	require.Equal("b", f.From)
	require.Equal([]byte("reply"), f.Payload)
}

func TestMux(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	logBackend := log.NewDiscard()
	n := NewNetwork()
	ma, err := NewMux(n.Endpoint("a"), logBackend.GetLogger("mux-a"))
	require.NoError(err)
	defer ma.Close()
	mb, err := NewMux(n.Endpoint("b"), logBackend.GetLogger("mux-b"))
	require.NoError(err)
	defer mb.Close()

	relayA, meshA := ma.Channel(ChannelRelay), ma.Channel(ChannelMesh)
	require.Same(relayA, ma.Channel(ChannelRelay))
	relayB, meshB := mb.Channel(ChannelRelay), mb.Channel(ChannelMesh)

	require.NoError(meshA.Send(ctx, "b", []byte("mesh")))
	require.NoError(relayA.Send(ctx, "b", []byte("relay")))

	f, err := relayB.Receive(ctx)
	require.NoError(err)
	require.Equal("a", f.From)
	require.Equal([]byte("relay"), f.Payload)

	f, err = meshB.Receive(ctx)
	require.NoError(err)
	require.Equal([]byte("mesh"), f.Payload)

	// Unknown channels and empty frames are dropped.
	require.NoError(n.Endpoint("a").Send(ctx, "b", []byte{0x7f, 1}))
	require.NoError(n.Endpoint("a").Send(ctx, "b", nil))
	require.NoError(meshA.Send(ctx, "b", []byte("after")))
	f, err = meshB.Receive(ctx)
	require.NoError(err)
	require.Equal([]byte("after"), f.Payload)

	require.NoError(mb.Close())
	_, err = relayB.Receive(ctx)
	require.ErrorIs(err, ErrClosed)
}
