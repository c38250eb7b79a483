// server.go - Fieldrelay node.
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

// Package server provides the fieldrelay node: the relay, mesh router and
// sync manager wired to a durable buffer, a transport and an optional
// secure channel.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/fieldrelay/buffer"
	"github.com/katzenpost/fieldrelay/config"
	"github.com/katzenpost/fieldrelay/core/clock"
	"github.com/katzenpost/fieldrelay/core/log"
	"github.com/katzenpost/fieldrelay/core/utils"
	"github.com/katzenpost/fieldrelay/envelope"
	"github.com/katzenpost/fieldrelay/instrument"
	"github.com/katzenpost/fieldrelay/mesh"
	"github.com/katzenpost/fieldrelay/relay"
	"github.com/katzenpost/fieldrelay/secure"
	"github.com/katzenpost/fieldrelay/syncmgr"
	"github.com/katzenpost/fieldrelay/transport"
)

// ErrSecurityDisabled is the error returned by token operations on a node
// without a secure channel.
var ErrSecurityDisabled = errors.New("server: security is not enabled")

// Option is an optional parameter to New.
type Option func(*Server)

// WithTransport makes the node use tr instead of a TCP transport.
func WithTransport(tr transport.Transport) Option {
	return func(s *Server) {
		s.transport = tr
	}
}

// WithClock overrides the time source.
func WithClock(clk clock.Clock) Option {
	return func(s *Server) {
		s.clock = clk
	}
}

// WithDeliver sets the handler for messages addressed to this node.
func WithDeliver(fn func(*envelope.Envelope)) Option {
	return func(s *Server) {
		s.deliverFn = fn
	}
}

// Stats is a snapshot of the node state.
type Stats struct {
	Buffered  int
	Pending   int
	Synced    int
	Discarded int
	SyncRate  float64

	PendingAcks int
	Connected   bool

	DroppedExpired   uint64
	DroppedDuplicate uint64
	FailedPermanent  uint64

	MeshNeighbors int
	MeshBuffered  int
	MeshForwarded uint64
}

// Server is a fieldrelay node.
type Server struct {
	cfg   *config.Config
	clock clock.Clock

	logBackend *log.Backend
	log        *logging.Logger

	identity   *secure.Identity
	channel    *secure.Channel
	authorizer *secure.Authorizer
	codec      *secure.FrameCodec

	transport transport.Transport
	mux       *transport.Mux
	buffer    *buffer.Buffer
	relay     *relay.Relay
	mesh      *mesh.Router
	sync      *syncmgr.Manager
	metrics   *http.Server

	positions *positionTable
	deliverFn func(*envelope.Envelope)

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Node.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

func (s *Server) initSecurity() error {
	sCfg := s.cfg.Security
	kemScheme, signScheme, err := secure.Schemes(sCfg.KEMScheme, sCfg.SignatureScheme)
	if err != nil {
		return err
	}
	var created bool
	s.identity, created, err = secure.LoadOrGenerateIdentity(s.cfg.Node.DataDir, kemScheme, signScheme)
	if err != nil {
		return err
	}
	if created {
		s.log.Noticef("Generated new %v/%v identity keys.", kemScheme.Name(), signScheme.Name())
	}
	if s.channel, err = secure.NewChannel(s.identity, s.logBackend.GetLogger("secure")); err != nil {
		return err
	}
	for _, p := range sCfg.Peers {
		keys, err := secure.LoadPeerKeys(p.KEMPublicKeyFile, p.SignPublicKeyFile, kemScheme, signScheme)
		if err != nil {
			return fmt.Errorf("server: failed to load keys of peer '%v': %w", p.Identifier, err)
		}
		s.channel.Keyring().Add(p.Identifier, keys)
	}
	s.authorizer = secure.NewAuthorizer(s.identity, sCfg.TokenLifetimeDuration(), s.clock, s.logBackend.GetLogger("authz"))
	s.codec = secure.NewFrameCodec(s.cfg.Node.Identifier, s.channel, s.authorizer)
	s.codec.RequireSignatures = sCfg.RequireSignatures
	s.codec.RequireTokens = sCfg.RequireTokens
	return nil
}

func (s *Server) initTransport() error {
	if s.transport == nil {
		nCfg := s.cfg.Node
		if nCfg.ListenAddress == "" {
			return errors.New("server: no ListenAddress configured")
		}
		peers := make(map[string]string)
		if nCfg.UpstreamAddress != "" {
			peers[nCfg.Upstream] = nCfg.UpstreamAddress
		}
		for _, a := range s.cfg.Agents {
			if a.Address != "" {
				peers[a.Identifier] = a.Address
			}
		}
		tcp, err := transport.NewTCP(nCfg.Identifier, nCfg.ListenAddress, peers, s.logBackend.GetLogger("transport"))
		if err != nil {
			return err
		}
		s.transport = tcp
	}

	var err error
	s.mux, err = transport.NewMux(s.transport, s.logBackend.GetLogger("mux"))
	return err
}

func (s *Server) frameCodec() envelope.Codec {
	if s.codec == nil {
		return envelope.PlainCodec{}
	}
	return s.codec
}

func (s *Server) initMesh() error {
	mCfg := s.cfg.Mesh
	var err error
	s.mesh, err = mesh.New(&mesh.Options{
		Self:             s.cfg.Node.Identifier,
		RadioRange:       mCfg.RadioRange,
		TopologyInterval: mCfg.TopologyIntervalDuration(),
		MaxBuffered:      mCfg.MaxBuffered,
		SendTimeout:      s.cfg.Relay.SendTimeoutDuration(),
		Latency: mesh.LatencyModel{
			Base:  mCfg.BaseHopLatencyDuration(),
			Scale: mCfg.HopLatencyScaleDuration(),
		},
		Positions: s.positions.Agents,
		Deliver:   s.meshDeliver,
		Gateway:   s.meshGateway,
		Clock:     s.clock,
	}, s.mux.Channel(transport.ChannelMesh), s.frameCodec(), s.logBackend.GetLogger("mesh"))
	if err != nil {
		return err
	}
	s.mesh.SetPosition(s.positions.Self())
	return nil
}

func (s *Server) initRelay() error {
	rCfg := s.cfg.Relay
	opts := &relay.Options{
		Self:                   s.cfg.Node.Identifier,
		CommandID:              s.cfg.Node.CommandID,
		Upstream:               s.cfg.Node.Upstream,
		AckTimeout:             rCfg.AckTimeoutDuration(),
		TimeoutCheckInterval:   rCfg.TimeoutCheckIntervalDuration(),
		SendTimeout:            rCfg.SendTimeoutDuration(),
		TelemetryFlushInterval: rCfg.TelemetryFlushIntervalDuration(),
		TelemetryBatchSize:     rCfg.TelemetryBatchSize,
		DedupCacheSize:         rCfg.DedupCacheSize,
		MaxRetries:             rCfg.MaxRetries,
		Deliver:                s.deliver,
		Clock:                  s.clock,
	}
	if s.mesh != nil {
		opts.Fallback = s.mesh
	}

	var err error
	s.relay, err = relay.New(opts, s.mux.Channel(transport.ChannelRelay), s.frameCodec(), s.buffer, s.logBackend.GetLogger("relay"))
	if err != nil {
		return err
	}
	for _, a := range s.cfg.Agents {
		if a.Address != "" {
			s.relay.AddLink(a.Identifier)
		}
	}
	return nil
}

func (s *Server) isCommand() bool {
	return s.cfg.Node.Identifier == s.cfg.Node.CommandID
}

// deliver handles messages addressed to this node.
func (s *Server) deliver(e *envelope.Envelope) {
	if e.Kind == envelope.Telemetry {
		s.positions.UpdateFromTelemetry(e)
	}
	s.log.Debugf("Delivered %v %v from %v", e.Kind, e.ID, e.Origin)
	if s.deliverFn != nil {
		s.deliverFn(e)
	}
}

// meshDeliver handles messages the mesh router delivered to this node.
// Acknowledgments settle the relay's pending records.
func (s *Server) meshDeliver(e *envelope.Envelope) {
	if id, ok := e.IsAck(); ok {
		s.relay.HandleAck(id)
		return
	}
	s.deliver(e)
}

// meshGateway takes acknowledgments leaving the mesh at this node back to
// the relay.
func (s *Server) meshGateway(e *envelope.Envelope) error {
	return s.relay.HandleReturnedAck(e)
}

// SubmitOutbound hands a locally produced message to the relay.
func (s *Server) SubmitOutbound(e *envelope.Envelope) error {
	if e.Destination == s.cfg.Node.CommandID && !s.isCommand() {
		return s.relay.RelayUpstream(e)
	}
	return s.relay.RelayDownstream(e)
}

// HandleInbound processes a serialized message received out of band.
func (s *Server) HandleInbound(b []byte) error {
	return s.relay.HandleInbound(b)
}

// GetPendingAcks returns the number of messages awaiting acknowledgment.
func (s *Server) GetPendingAcks() int {
	return s.relay.PendingAcks()
}

// GetStats returns a snapshot of the node state.
func (s *Server) GetStats() *Stats {
	bst := s.buffer.Stats()
	rst := s.relay.Stats()
	st := &Stats{
		Buffered:         bst.Buffered,
		Pending:          bst.Pending,
		Synced:           bst.Synced,
		Discarded:        bst.Discarded,
		PendingAcks:      rst.PendingAcks,
		Connected:        rst.Connected,
		DroppedExpired:   rst.DroppedExpired,
		DroppedDuplicate: rst.DroppedDuplicate,
		FailedPermanent:  rst.FailedPermanent,
	}
	if s.sync != nil {
		st.SyncRate = s.sync.SyncRate()
	}
	if s.mesh != nil {
		mst := s.mesh.Stats()
		st.MeshNeighbors = mst.Neighbors
		st.MeshBuffered = mst.Buffered
		st.MeshForwarded = mst.Forwarded
	}
	return st
}

// SyncNow runs a sync cycle immediately.
func (s *Server) SyncNow(ctx context.Context) (*syncmgr.Result, error) {
	if s.sync == nil {
		return nil, errors.New("server: the command node does not sync")
	}
	return s.sync.SyncOnce(ctx)
}

// UpdatePosition records the position of an agent, used by the next mesh
// topology update.
func (s *Server) UpdatePosition(id string, p mesh.Position) {
	s.positions.Set(id, p)
}

// IssueToken issues an authorization token for subject.
func (s *Server) IssueToken(subject string, ops ...secure.Operation) ([]byte, error) {
	if s.authorizer == nil {
		return nil, ErrSecurityDisabled
	}
	return s.authorizer.Issue(subject, ops...)
}

// SetPeerToken sets the token presented to peer, as issued by peer.
func (s *Server) SetPeerToken(peer string, token []byte) error {
	if s.codec == nil {
		return ErrSecurityDisabled
	}
	s.codec.SetPeerToken(peer, token)
	return nil
}

// AddPeer registers the public keys of peer with the secure channel.
func (s *Server) AddPeer(peer string, keys *secure.PeerKeys) error {
	if s.channel == nil {
		return ErrSecurityDisabled
	}
	s.channel.Keyring().Add(peer, keys)
	return nil
}

// Identity returns the node identity keys, or nil if security is disabled.
func (s *Server) Identity() *secure.Identity {
	return s.identity
}

// Relay returns the relay node.
func (s *Server) Relay() *relay.Relay {
	return s.relay
}

// Mesh returns the mesh router, or nil if the mesh is disabled.
func (s *Server) Mesh() *mesh.Router {
	return s.mesh
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the Server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	s.log.Noticef("Starting graceful shutdown.")

	if s.sync != nil {
		s.sync.Halt()
	}
	if s.mesh != nil {
		s.mesh.Shutdown()
	}
	if s.relay != nil {
		s.relay.Shutdown()
	}
	if s.mux != nil {
		s.mux.Close()
	} else if s.transport != nil {
		s.transport.Close()
	}
	if s.authorizer != nil {
		s.authorizer.Close()
	}
	if s.channel != nil {
		s.channel.Close()
	}
	if s.buffer != nil {
		if err := s.buffer.Close(); err != nil {
			s.log.Errorf("Failed to close buffer: %v", err)
		}
	}
	if s.metrics != nil {
		s.metrics.Close()
	}

	close(s.fatalErrCh)

	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	err := s.logBackend.Rotate()
	if err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
	}
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		fatalErrCh: make(chan error),
		haltedCh:   make(chan interface{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	s.positions = newPositionTable(cfg)

	if err := utils.MkDataDir(cfg.Node.DataDir); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Noticef("Fieldrelay node %v (command: %v, upstream: %v)", cfg.Node.Identifier, cfg.Node.CommandID, cfg.Node.Upstream)
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Debug logging is enabled.")
	}

	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	if cfg.Node.MetricsAddress != "" {
		s.metrics = instrument.StartListener(cfg.Node.MetricsAddress, func(err error) {
			s.log.Errorf("Metrics listener failed: %v", err)
		})
	} else {
		instrument.Init()
	}

	var err error
	if cfg.Security.Enable {
		if err = s.initSecurity(); err != nil {
			s.log.Errorf("Failed to initialize the secure channel: %v", err)
			return nil, err
		}
	}
	s.buffer, err = buffer.New(cfg.Buffer.Path(cfg.Node.DataDir), &buffer.Options{
		CacheSize:   cfg.Buffer.CacheSize,
		MaxAttempts: cfg.Buffer.MaxAttempts,
		Clock:       s.clock,
	}, s.logBackend.GetLogger("buffer"))
	if err != nil {
		s.log.Errorf("Failed to open buffer: %v", err)
		return nil, err
	}
	if err = s.initTransport(); err != nil {
		s.log.Errorf("Failed to initialize transport: %v", err)
		return nil, err
	}
	if cfg.Mesh.Enable {
		if err = s.initMesh(); err != nil {
			return nil, err
		}
	}
	if err = s.initRelay(); err != nil {
		return nil, err
	}
	if !s.isCommand() {
		s.sync, err = syncmgr.New(&syncmgr.Options{
			Interval:     cfg.Sync.IntervalDuration(),
			ProbeTimeout: cfg.Sync.ProbeTimeoutDuration(),
			BatchSize:    cfg.Sync.BatchSize,
			SendTimeout:  cfg.Relay.SendTimeoutDuration(),
			Retention:    cfg.Buffer.RetentionDuration(),
			Clock:        s.clock,
		}, s.buffer, s.relay, s.logBackend.GetLogger("sync"))
		if err != nil {
			return nil, err
		}
	}

	if s.mesh != nil {
		s.mesh.Start()
	}
	s.relay.Start()
	if s.sync != nil {
		s.sync.Start()
	}

	isOk = true
	return s, nil
}
