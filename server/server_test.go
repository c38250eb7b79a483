// server_test.go - Fieldrelay node tests.
// Copyright (C) 2026  The Fieldrelay Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package server

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/fieldrelay/config"
	"github.com/katzenpost/fieldrelay/envelope"
	"github.com/katzenpost/fieldrelay/mesh"
	"github.com/katzenpost/fieldrelay/secure"
	"github.com/katzenpost/fieldrelay/syncmgr"
	"github.com/katzenpost/fieldrelay/transport"
)

type testNode struct {
	*Server
	delivered chan *envelope.Envelope
}

func newTestConfig(t *testing.T, id string) *config.Config {
	return &config.Config{
		Node: &config.Node{
			Identifier: id,
			CommandID:  "command",
			DataDir:    filepath.Join(t.TempDir(), "data"),
		},
		Logging: &config.Logging{Disable: true},
		Sync: &config.Sync{
			Interval:     60 * 60 * 1000,
			ProbeTimeout: 500,
		},
	}
}

func newTestNode(t *testing.T, net *transport.Network, cfg *config.Config) *testNode {
	require.NoError(t, cfg.FixupAndValidate())
	n := &testNode{
		delivered: make(chan *envelope.Envelope, 16),
	}
	var err error
	n.Server, err = New(cfg,
		WithTransport(net.Endpoint(cfg.Node.Identifier)),
		WithDeliver(func(e *envelope.Envelope) { n.delivered <- e }),
	)
	require.NoError(t, err)
	t.Cleanup(n.Shutdown)
	return n
}

func (n *testNode) waitDelivered(t *testing.T) *envelope.Envelope {
	select {
	case e := <-n.delivered:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return nil
}

func syncNow(t *testing.T, n *testNode) *syncmgr.Result {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := n.SyncNow(ctx)
	require.NoError(t, err)
	return res
}

func TestServerUpstreamSync(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	net := transport.NewNetwork()
	cmd := newTestNode(t, net, newTestConfig(t, "command"))
	edge := newTestNode(t, net, newTestConfig(t, "edge-1"))
	cmd.Relay().AddLink("edge-1")

	e, err := envelope.New(envelope.Detection, map[string]any{"class": "vehicle"}, "edge-1", "command", envelope.High)
	require.NoError(err)
	require.NoError(edge.SubmitOutbound(e))

	st := edge.GetStats()
	require.Equal(1, st.Pending)
	require.False(st.Connected)

	res := syncNow(t, edge)
	require.Equal(1, res.Sent)

	got := cmd.waitDelivered(t)
	require.Equal(e.ID, got.ID)
	require.Equal("vehicle", got.Payload["class"])

	st = edge.GetStats()
	require.Zero(st.Pending)
	require.Equal(1, st.Synced)
	require.Equal(1.0, st.SyncRate)
	require.True(st.Connected)

	_, err = cmd.SyncNow(context.Background())
	require.Error(err)
}

func TestServerDownstreamAck(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	net := transport.NewNetwork()
	cmd := newTestNode(t, net, newTestConfig(t, "command"))
	edge := newTestNode(t, net, newTestConfig(t, "edge-1"))
	cmd.Relay().AddLink("edge-1")
	syncNow(t, edge)

	e, err := envelope.New(envelope.CommandAssign, map[string]any{"task": "survey"}, "command", "edge-1", envelope.Critical)
	require.NoError(err)
	require.NoError(cmd.SubmitOutbound(e))

	require.Equal(e.ID, edge.waitDelivered(t).ID)
	require.Eventually(func() bool {
		return cmd.GetPendingAcks() == 0
	}, 3*time.Second, 10*time.Millisecond)
	require.Zero(cmd.GetStats().FailedPermanent)
}

// newMeshFleet starts edge-1, uav-1 and uav-2 in a line about 3.3 km
// apart, so edge-1 reaches uav-2 only through uav-1.
func newMeshFleet(t *testing.T, net *transport.Network) map[string]*testNode {
	fleet := []*config.Agent{
		{Identifier: "edge-1", Latitude: 0},
		{Identifier: "uav-1", Latitude: 0.03},
		{Identifier: "uav-2", Latitude: 0.06},
	}
	nodes := make(map[string]*testNode)
	for _, self := range fleet {
		cfg := newTestConfig(t, self.Identifier)
		cfg.Mesh = &config.Mesh{
			Enable:           true,
			TopologyInterval: 50,
			Latitude:         self.Latitude,
		}
		for _, a := range fleet {
			if a != self {
				c := *a
				cfg.Agents = append(cfg.Agents, &c)
			}
		}
		nodes[self.Identifier] = newTestNode(t, net, cfg)
	}

	require.Eventually(t, func() bool {
		hop, ok := nodes["edge-1"].Mesh().NextHop("uav-2")
		return ok && hop == "uav-1"
	}, 3*time.Second, 10*time.Millisecond)
	return nodes
}

func TestServerMeshFallback(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	nodes := newMeshFleet(t, transport.NewNetwork())

	e, err := envelope.New(envelope.Retask, map[string]any{"area": "north"}, "edge-1", "uav-2", envelope.High)
	require.NoError(err)
	require.NoError(nodes["edge-1"].SubmitOutbound(e))

	got := nodes["uav-2"].waitDelivered(t)
	require.Equal(e.ID, got.ID)
	require.Equal("edge-1", got.Origin)

	require.Eventually(func() bool {
		return nodes["uav-1"].GetStats().MeshForwarded >= 1 &&
			nodes["edge-1"].Relay().Stats().HandedOver == 1 &&
			nodes["edge-1"].GetPendingAcks() == 0
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(2, nodes["uav-1"].GetStats().MeshNeighbors)
}

func TestServerMeshAckReturnsUpstream(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	net := transport.NewNetwork()
	cmd := newTestNode(t, net, newTestConfig(t, "command"))
	nodes := newMeshFleet(t, net)
	edge := nodes["edge-1"]
	cmd.Relay().AddLink("edge-1")
	syncNow(t, edge)
	upstreamFrames := net.Sent("edge-1", "command")

	// A command for uav-2 reaches edge-1, which has no direct link to it.
	e, err := envelope.New(envelope.CommandAssign, map[string]any{"task": "survey"}, "command", "uav-2", envelope.High)
	require.NoError(err)
	b, err := e.Serialize()
	require.NoError(err)
	require.NoError(edge.Relay().HandleInbound(b))

	require.Equal(e.ID, nodes["uav-2"].waitDelivered(t).ID)

	// The ack retraces the mesh path to edge-1 and continues upstream.
	require.Eventually(func() bool {
		return edge.Relay().Stats().Acknowledged == 1 &&
			edge.GetPendingAcks() == 0 &&
			net.Sent("edge-1", "command") > upstreamFrames
	}, 3*time.Second, 10*time.Millisecond)
	require.EqualValues(1, edge.Relay().Stats().HandedOver)
	require.Zero(edge.GetStats().FailedPermanent)
	require.Zero(edge.GetStats().MeshBuffered)
	require.Zero(edge.GetStats().Pending)
}

func TestServerSecure(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	net := transport.NewNetwork()
	cmdCfg := newTestConfig(t, "command")
	cmdCfg.Security = &config.Security{
		Enable:            true,
		RequireSignatures: true,
		RequireTokens:     true,
	}
	edgeCfg := newTestConfig(t, "edge-1")
	edgeCfg.Security = &config.Security{
		Enable:            true,
		RequireSignatures: true,
	}
	cmd := newTestNode(t, net, cmdCfg)
	edge := newTestNode(t, net, edgeCfg)
	cmd.Relay().AddLink("edge-1")

	require.NoError(cmd.AddPeer("edge-1", edge.Identity().PeerKeys()))
	require.NoError(edge.AddPeer("command", cmd.Identity().PeerKeys()))

	e, err := envelope.New(envelope.Detection, map[string]any{"class": "person"}, "edge-1", "command", envelope.Critical)
	require.NoError(err)
	require.NoError(edge.SubmitOutbound(e))

	// The command node rejects traffic without a token it issued.
	_, err = edge.SyncNow(context.Background())
	require.ErrorIs(err, syncmgr.ErrNotConnected)

	tok, err := cmd.IssueToken("edge-1", secure.OpReport)
	require.NoError(err)
	require.NoError(edge.SetPeerToken("command", tok))

	res := syncNow(t, edge)
	require.Equal(1, res.Sent)

	got := cmd.waitDelivered(t)
	require.Equal(e.ID, got.ID)
	require.True(got.Encrypted)
}

func TestServerSecurityDisabled(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	n := newTestNode(t, transport.NewNetwork(), newTestConfig(t, "edge-1"))
	require.Nil(n.Identity())
	require.Nil(n.Mesh())

	_, err := n.IssueToken("uav-1", secure.OpCommand)
	require.ErrorIs(err, ErrSecurityDisabled)
	require.ErrorIs(n.SetPeerToken("command", []byte("token")), ErrSecurityDisabled)
	require.ErrorIs(n.AddPeer("command", &secure.PeerKeys{}), ErrSecurityDisabled)
}

func TestServerShutdown(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	n := newTestNode(t, transport.NewNetwork(), newTestConfig(t, "edge-1"))
	e, err := envelope.New(envelope.Status, nil, "edge-1", "command", envelope.Low)
	require.NoError(err)
	require.NoError(n.SubmitOutbound(e))

	n.Shutdown()
	n.Shutdown()

	done := make(chan struct{})
	go func() {
		n.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Wait did not return after Shutdown")
	}

	// The buffered message survives a restart.
	cfg := newTestConfig(t, "edge-1")
	cfg.Node.DataDir = n.cfg.Node.DataDir
	restarted := newTestNode(t, transport.NewNetwork(), cfg)
	require.Equal(1, restarted.GetStats().Pending)
}

func TestServerStatsDuringShutdown(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	n := newTestNode(t, transport.NewNetwork(), newTestConfig(t, "edge-1"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			n.GetStats()
		}
	}()
	n.Shutdown()
	wg.Wait()

	require.Equal(1.0, n.GetStats().SyncRate)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := n.SyncNow(ctx)
	require.Error(err)
}

func TestPositionTable(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := newTestConfig(t, "edge-1")
	cfg.Agents = []*config.Agent{{Identifier: "uav-1", Latitude: 1}}
	require.NoError(cfg.FixupAndValidate())
	pt := newPositionTable(cfg)

	agents := pt.Agents()
	require.Len(agents, 2)
	require.Equal("edge-1", agents[0].ID)
	require.Equal(1.0, agents[1].Position.Latitude)

	e, err := envelope.New(envelope.Telemetry, map[string]any{
		LatitudeKey:  2.5,
		LongitudeKey: int64(3),
	}, "uav-1", "command", envelope.Medium)
	require.NoError(err)
	pt.UpdateFromTelemetry(e)
	require.Equal(mesh.Position{Latitude: 2.5, Longitude: 3}, pt.Agents()[1].Position)

	batch, err := envelope.New(envelope.Telemetry, map[string]any{
		"batch": []any{
			map[string]any{
				"origin":  "uav-2",
				"payload": map[string]any{LatitudeKey: 4.0, LongitudeKey: 5.0, AltitudeKey: 120.0},
			},
			map[string]any{"origin": "uav-3", "payload": map[string]any{"battery": 0.5}},
			"garbage",
		},
	}, "edge-1", "command", envelope.Medium)
	require.NoError(err)
	pt.UpdateFromTelemetry(batch)

	agents = pt.Agents()
	require.Len(agents, 3)
	require.Equal(mesh.Position{Latitude: 4, Longitude: 5, Altitude: 120}, agents[2].Position)
}
