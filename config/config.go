// config.go - Fieldrelay node configuration.
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

// Package config provides the fieldrelay node configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"

	kemschemes "github.com/katzenpost/hpqc/kem/schemes"
	signschemes "github.com/katzenpost/hpqc/sign/schemes"
)

const (
	defaultLogLevel  = "NOTICE"
	defaultCommandID = "command"

	defaultAckTimeout             = 5000  // 5 sec.
	defaultTimeoutCheckInterval   = 1000  // 1 sec.
	defaultMaxRetries             = 3
	defaultDedupCacheSize         = 4096
	defaultTelemetryBatchSize     = 10
	defaultTelemetryFlushInterval = 5000 // 5 sec.
	defaultSendTimeout            = 2000 // 2 sec.

	defaultBufferFile  = "buffer.db"
	defaultCacheSize   = 1024
	defaultMaxAttempts = 10
	defaultRetention   = 24 * 60 * 60 * 1000 // 1 day.

	defaultSyncInterval = 10 * 1000 // 10 sec.
	defaultProbeTimeout = 2000      // 2 sec.
	defaultBatchSize    = 50

	defaultRadioRange       = 5000.0 // 5 km.
	defaultTopologyInterval = 5000   // 5 sec.
	defaultMaxBuffered      = 1024

	defaultKEMScheme       = "X25519"
	defaultSignatureScheme = "Ed25519"
	defaultTokenLifetime   = 60 * 60 * 1000 // 1 hour.
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Node is the node identity and network configuration.
type Node struct {
	// Identifier is the node identity on the network.
	Identifier string

	// CommandID is the identity of the command center that upstream
	// traffic is addressed to.
	CommandID string

	// Upstream is the identity of the peer upstream traffic is handed to,
	// CommandID if unset.
	Upstream string

	// UpstreamAddress is the TCP address of the upstream peer.
	UpstreamAddress string

	// ListenAddress is the TCP address to accept peer connections on.
	ListenAddress string

	// DataDir is the absolute path to the node's state files.
	DataDir string

	// MetricsAddress is the address/port to serve Prometheus metrics on,
	// disabled if unset.
	MetricsAddress string
}

func (nCfg *Node) applyDefaults() {
	if nCfg.CommandID == "" {
		nCfg.CommandID = defaultCommandID
	}
	if nCfg.Upstream == "" {
		nCfg.Upstream = nCfg.CommandID
	}
}

func (nCfg *Node) validate() error {
	if nCfg.Identifier == "" {
		return errors.New("config: Node: Identifier is not set")
	}
	if !filepath.IsAbs(nCfg.DataDir) {
		return fmt.Errorf("config: Node: DataDir '%v' is not an absolute path", nCfg.DataDir)
	}
	for _, v := range []string{nCfg.ListenAddress, nCfg.UpstreamAddress} {
		if v == "" {
			continue
		}
		if _, port, err := net.SplitHostPort(v); err != nil {
			return fmt.Errorf("config: Node: Address '%v' is invalid: %v", v, err)
		} else if port == "" {
			return fmt.Errorf("config: Node: Address '%v' is invalid: Must contain Port", v)
		}
	}
	if nCfg.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(nCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Node: MetricsAddress '%v' is invalid: %v", nCfg.MetricsAddress, err)
		}
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Relay is the relay node configuration.  Intervals are in milliseconds.
type Relay struct {
	// AckTimeout is the time to wait for an acknowledgment before a
	// transmission is retried.
	AckTimeout int

	// TimeoutCheckInterval is the period of the acknowledgment timeout
	// sweep.
	TimeoutCheckInterval int

	// MaxRetries is the transmission attempt ceiling.
	MaxRetries int

	// DedupCacheSize bounds the recently seen identity cache.
	DedupCacheSize int

	// TelemetryBatchSize is the number of telemetry messages aggregated
	// into one batch.
	TelemetryBatchSize int

	// TelemetryFlushInterval is the maximum time telemetry waits for a
	// batch to fill.
	TelemetryFlushInterval int

	// SendTimeout bounds each transport send.
	SendTimeout int
}

func (rCfg *Relay) applyDefaults() {
	if rCfg.AckTimeout <= 0 {
		rCfg.AckTimeout = defaultAckTimeout
	}
	if rCfg.TimeoutCheckInterval <= 0 {
		rCfg.TimeoutCheckInterval = defaultTimeoutCheckInterval
	}
	if rCfg.MaxRetries <= 0 {
		rCfg.MaxRetries = defaultMaxRetries
	}
	if rCfg.DedupCacheSize <= 0 {
		rCfg.DedupCacheSize = defaultDedupCacheSize
	}
	if rCfg.TelemetryBatchSize <= 0 {
		rCfg.TelemetryBatchSize = defaultTelemetryBatchSize
	}
	if rCfg.TelemetryFlushInterval <= 0 {
		rCfg.TelemetryFlushInterval = defaultTelemetryFlushInterval
	}
	if rCfg.SendTimeout <= 0 {
		rCfg.SendTimeout = defaultSendTimeout
	}
}

func (rCfg *Relay) AckTimeoutDuration() time.Duration { return ms(rCfg.AckTimeout) }

func (rCfg *Relay) TimeoutCheckIntervalDuration() time.Duration {
	return ms(rCfg.TimeoutCheckInterval)
}

func (rCfg *Relay) TelemetryFlushIntervalDuration() time.Duration {
	return ms(rCfg.TelemetryFlushInterval)
}

func (rCfg *Relay) SendTimeoutDuration() time.Duration { return ms(rCfg.SendTimeout) }

// Buffer is the durable buffer configuration.
type Buffer struct {
	// File is the database file, relative to the DataDir unless absolute.
	File string

	// CacheSize bounds the records mirrored in memory.
	CacheSize int

	// MaxAttempts is the failed sync attempt count at which a record is
	// discarded.
	MaxAttempts int

	// Retention is how long synced records are kept, in milliseconds.
	Retention int
}

func (bCfg *Buffer) applyDefaults() {
	if bCfg.File == "" {
		bCfg.File = defaultBufferFile
	}
	if bCfg.CacheSize <= 0 {
		bCfg.CacheSize = defaultCacheSize
	}
	if bCfg.MaxAttempts <= 0 {
		bCfg.MaxAttempts = defaultMaxAttempts
	}
	if bCfg.Retention <= 0 {
		bCfg.Retention = defaultRetention
	}
}

// Path returns the database path for a node with the given data directory.
func (bCfg *Buffer) Path(dataDir string) string {
	if filepath.IsAbs(bCfg.File) {
		return bCfg.File
	}
	return filepath.Join(dataDir, bCfg.File)
}

func (bCfg *Buffer) RetentionDuration() time.Duration { return ms(bCfg.Retention) }

// Sync is the sync manager configuration.  Intervals are in milliseconds.
type Sync struct {
	// Interval is the period of the sync loop.
	Interval int

	// ProbeTimeout bounds the connectivity probe.
	ProbeTimeout int

	// BatchSize is the maximum number of records drained per cycle.
	BatchSize int
}

func (sCfg *Sync) applyDefaults() {
	if sCfg.Interval <= 0 {
		sCfg.Interval = defaultSyncInterval
	}
	if sCfg.ProbeTimeout <= 0 {
		sCfg.ProbeTimeout = defaultProbeTimeout
	}
	if sCfg.BatchSize <= 0 {
		sCfg.BatchSize = defaultBatchSize
	}
}

func (sCfg *Sync) IntervalDuration() time.Duration     { return ms(sCfg.Interval) }
func (sCfg *Sync) ProbeTimeoutDuration() time.Duration { return ms(sCfg.ProbeTimeout) }

// Mesh is the mesh router configuration.
type Mesh struct {
	// Enable enables the mesh router.
	Enable bool

	// RadioRange is the maximum link distance in meters.
	RadioRange float64

	// TopologyInterval is the topology update period in milliseconds.
	TopologyInterval int

	// MaxBuffered bounds the store-and-forward buffer.
	MaxBuffered int

	// BaseHopLatency and HopLatencyScale configure the simulated per hop
	// latency, in milliseconds.
	BaseHopLatency  int
	HopLatencyScale int

	// Latitude, Longitude and Altitude are this node's position.
	Latitude  float64
	Longitude float64
	Altitude  float64
}

func (mCfg *Mesh) applyDefaults() {
	if mCfg.RadioRange <= 0 {
		mCfg.RadioRange = defaultRadioRange
	}
	if mCfg.TopologyInterval <= 0 {
		mCfg.TopologyInterval = defaultTopologyInterval
	}
	if mCfg.MaxBuffered <= 0 {
		mCfg.MaxBuffered = defaultMaxBuffered
	}
}

func (mCfg *Mesh) validate() error {
	if err := validatePosition(mCfg.Latitude, mCfg.Longitude); err != nil {
		return fmt.Errorf("config: Mesh: %v", err)
	}
	if mCfg.BaseHopLatency < 0 || mCfg.HopLatencyScale < 0 {
		return errors.New("config: Mesh: hop latency must not be negative")
	}
	return nil
}

func (mCfg *Mesh) TopologyIntervalDuration() time.Duration { return ms(mCfg.TopologyInterval) }
func (mCfg *Mesh) BaseHopLatencyDuration() time.Duration   { return ms(mCfg.BaseHopLatency) }
func (mCfg *Mesh) HopLatencyScaleDuration() time.Duration  { return ms(mCfg.HopLatencyScale) }

// Peer is the public key material of a peer.
type Peer struct {
	// Identifier is the peer identity.
	Identifier string

	// KEMPublicKeyFile and SignPublicKeyFile are PEM files.  Either may be
	// omitted.
	KEMPublicKeyFile  string
	SignPublicKeyFile string
}

// Security is the secure channel configuration.
type Security struct {
	// Enable enables encryption, signing and authorization of traffic.
	Enable bool

	// KEMScheme is the KEM used to wrap message keys.
	KEMScheme string

	// SignatureScheme is the message signature scheme.
	SignatureScheme string

	// RequireSignatures rejects unsigned inbound messages.
	RequireSignatures bool

	// RequireTokens rejects inbound messages without a valid token for
	// the message's operation.
	RequireTokens bool

	// TokenLifetime is the lifetime of issued tokens in milliseconds.
	TokenLifetime int

	// Peers are the known peer keys.
	Peers []*Peer
}

func (sCfg *Security) applyDefaults() {
	if sCfg.KEMScheme == "" {
		sCfg.KEMScheme = defaultKEMScheme
	}
	if sCfg.SignatureScheme == "" {
		sCfg.SignatureScheme = defaultSignatureScheme
	}
	if sCfg.TokenLifetime <= 0 {
		sCfg.TokenLifetime = defaultTokenLifetime
	}
}

func (sCfg *Security) validate() error {
	if kemschemes.ByName(sCfg.KEMScheme) == nil {
		return fmt.Errorf("config: Security: KEMScheme '%v' is invalid", sCfg.KEMScheme)
	}
	if signschemes.ByName(sCfg.SignatureScheme) == nil {
		return fmt.Errorf("config: Security: SignatureScheme '%v' is invalid", sCfg.SignatureScheme)
	}
	seen := make(map[string]bool)
	for _, p := range sCfg.Peers {
		if p.Identifier == "" {
			return errors.New("config: Security: Peer Identifier is not set")
		}
		if seen[p.Identifier] {
			return fmt.Errorf("config: Security: Peer '%v' is defined more than once", p.Identifier)
		}
		seen[p.Identifier] = true
	}
	return nil
}

func (sCfg *Security) TokenLifetimeDuration() time.Duration { return ms(sCfg.TokenLifetime) }

// Agent is a fleet member known to this node.
type Agent struct {
	// Identifier is the agent identity.
	Identifier string

	// Address is the agent's TCP address, if it is directly linked.
	Address string

	// Latitude, Longitude and Altitude are the agent's last known
	// position.
	Latitude  float64
	Longitude float64
	Altitude  float64
}

func (aCfg *Agent) validate() error {
	if aCfg.Identifier == "" {
		return errors.New("config: Agent: Identifier is not set")
	}
	if aCfg.Address != "" {
		if _, _, err := net.SplitHostPort(aCfg.Address); err != nil {
			return fmt.Errorf("config: Agent '%v': Address '%v' is invalid: %v", aCfg.Identifier, aCfg.Address, err)
		}
	}
	if err := validatePosition(aCfg.Latitude, aCfg.Longitude); err != nil {
		return fmt.Errorf("config: Agent '%v': %v", aCfg.Identifier, err)
	}
	return nil
}

func validatePosition(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("Latitude %v is out of range", lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("Longitude %v is out of range", lon)
	}
	return nil
}

// Config is the top level fieldrelay configuration.
type Config struct {
	Node     *Node
	Logging  *Logging
	Relay    *Relay
	Buffer   *Buffer
	Sync     *Sync
	Mesh     *Mesh
	Security *Security
	Agents   []*Agent
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Node section is mandatory, everything else is optional.
	if cfg.Node == nil {
		return errors.New("config: No Node block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Relay == nil {
		cfg.Relay = &Relay{}
	}
	if cfg.Buffer == nil {
		cfg.Buffer = &Buffer{}
	}
	if cfg.Sync == nil {
		cfg.Sync = &Sync{}
	}
	if cfg.Mesh == nil {
		cfg.Mesh = &Mesh{}
	}
	if cfg.Security == nil {
		cfg.Security = &Security{}
	}
	cfg.Node.applyDefaults()
	cfg.Relay.applyDefaults()
	cfg.Buffer.applyDefaults()
	cfg.Sync.applyDefaults()
	cfg.Mesh.applyDefaults()
	cfg.Security.applyDefaults()

	if err := cfg.Node.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Mesh.validate(); err != nil {
		return err
	}

	if err := normalizeIdentifier("Identifier", &cfg.Node.Identifier); err != nil {
		return err
	}
	if err := normalizeIdentifier("CommandID", &cfg.Node.CommandID); err != nil {
		return err
	}
	if err := normalizeIdentifier("Upstream", &cfg.Node.Upstream); err != nil {
		return err
	}
	for _, p := range cfg.Security.Peers {
		if p.Identifier == "" {
			continue
		}
		if err := normalizeIdentifier("Peer Identifier", &p.Identifier); err != nil {
			return err
		}
	}
	if err := cfg.Security.validate(); err != nil {
		return err
	}

	var err error
	seen := map[string]bool{cfg.Node.Identifier: true}
	for _, a := range cfg.Agents {
		if err := a.validate(); err != nil {
			return err
		}
		if err = normalizeIdentifier("Agent Identifier", &a.Identifier); err != nil {
			return err
		}
		if seen[a.Identifier] {
			return fmt.Errorf("config: Agent '%v' is defined more than once", a.Identifier)
		}
		seen[a.Identifier] = true
	}
	return nil
}

func normalizeIdentifier(what string, id *string) error {
	v, err := idna.Lookup.ToASCII(*id)
	if err != nil {
		return fmt.Errorf("config: Failed to normalize %v: %v", what, err)
	}
	*id = v
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
