// config_test.go - Node configuration tests.
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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "no Load() with nil config")
	require.EqualError(err, "No nil buffer as config file")

	dataDir := t.TempDir()
	basicConfig := `# A basic configuration example.
[Node]
Identifier = "edge-1"
DataDir = "%s"
ListenAddress = "127.0.0.1:29483"
UpstreamAddress = "command.example.com:29483"
MetricsAddress = "127.0.0.1:6543"

[Logging]
Level = "debug"

[Relay]
AckTimeout = 250

[Mesh]
Enable = true
BaseHopLatency = 5
Latitude = 48.85
Longitude = 2.35

[Security]
Enable = true
RequireTokens = true
  [[Security.Peers]]
  Identifier = "uav-1"
  KEMPublicKeyFile = "/etc/fieldrelay/uav-1.kem.pem"

[[Agents]]
Identifier = "uav-1"
Address = "10.0.0.2:29483"
Latitude = 48.86
Longitude = 2.35

[[Agents]]
Identifier = "UAV-2"
Latitude = 48.87
Longitude = 2.36
`
	cfg, err := Load([]byte(fmt.Sprintf(basicConfig, dataDir)))
	require.NoError(err, "Load() with basic config")

	require.Equal("edge-1", cfg.Node.Identifier)
	require.Equal("command", cfg.Node.CommandID)
	require.Equal("command", cfg.Node.Upstream)
	require.Equal("DEBUG", cfg.Logging.Level)

	require.Equal(250*time.Millisecond, cfg.Relay.AckTimeoutDuration())
	require.Equal(time.Second, cfg.Relay.TimeoutCheckIntervalDuration())
	require.Equal(3, cfg.Relay.MaxRetries)
	require.Equal(10, cfg.Relay.TelemetryBatchSize)
	require.Equal(5*time.Second, cfg.Relay.TelemetryFlushIntervalDuration())
	require.Equal(2*time.Second, cfg.Relay.SendTimeoutDuration())

	require.Equal(filepath.Join(dataDir, "buffer.db"), cfg.Buffer.Path(cfg.Node.DataDir))
	require.Equal(10, cfg.Buffer.MaxAttempts)
	require.Equal(24*time.Hour, cfg.Buffer.RetentionDuration())

	require.Equal(10*time.Second, cfg.Sync.IntervalDuration())
	require.Equal(2*time.Second, cfg.Sync.ProbeTimeoutDuration())
	require.Equal(50, cfg.Sync.BatchSize)

	require.True(cfg.Mesh.Enable)
	require.Equal(5000.0, cfg.Mesh.RadioRange)
	require.Equal(5*time.Second, cfg.Mesh.TopologyIntervalDuration())
	require.Equal(5*time.Millisecond, cfg.Mesh.BaseHopLatencyDuration())
	require.Zero(cfg.Mesh.HopLatencyScaleDuration())

	require.Equal("X25519", cfg.Security.KEMScheme)
	require.Equal("Ed25519", cfg.Security.SignatureScheme)
	require.Equal(time.Hour, cfg.Security.TokenLifetimeDuration())
	require.Len(cfg.Security.Peers, 1)

	require.Len(cfg.Agents, 2)
	require.Equal("uav-2", cfg.Agents[1].Identifier, "identifiers are normalized")
}

func TestConfigInvalid(t *testing.T) {
	dataDir := t.TempDir()
	node := fmt.Sprintf("[Node]\nIdentifier = \"edge-1\"\nDataDir = %q\n", dataDir)

	for _, tc := range []struct {
		name string
		body string
	}{
		{"no node", "[Logging]\nLevel = \"DEBUG\"\n"},
		{"no identifier", fmt.Sprintf("[Node]\nDataDir = %q\n", dataDir)},
		{"relative datadir", "[Node]\nIdentifier = \"edge-1\"\nDataDir = \"state\"\n"},
		{"bad metrics address", node + "MetricsAddress = \"localhost\"\n"},
		{"bad listen address", node + "ListenAddress = \"no-port\"\n"},
		{"bad log level", node + "[Logging]\nLevel = \"LOUD\"\n"},
		{"bad kem", node + "[Security]\nKEMScheme = \"rot13\"\n"},
		{"bad signature scheme", node + "[Security]\nSignatureScheme = \"crc32\"\n"},
		{"duplicate peer", node + "[[Security.Peers]]\nIdentifier = \"a\"\n[[Security.Peers]]\nIdentifier = \"a\"\n"},
		{"duplicate peer after normalization", node + "[[Security.Peers]]\nIdentifier = \"uav-1\"\n[[Security.Peers]]\nIdentifier = \"UAV-1\"\n"},
		{"bad latitude", node + "[Mesh]\nLatitude = 91.0\n"},
		{"negative latency", node + "[Mesh]\nBaseHopLatency = -1\n"},
		{"agent without identifier", node + "[[Agents]]\nLatitude = 1.0\n"},
		{"agent out of range", node + "[[Agents]]\nIdentifier = \"uav-1\"\nLongitude = 181.0\n"},
		{"duplicate agent", node + "[[Agents]]\nIdentifier = \"uav-1\"\n[[Agents]]\nIdentifier = \"UAV-1\"\n"},
		{"agent shadows node", node + "[[Agents]]\nIdentifier = \"edge-1\"\n"},
		{"undecoded key", node + "Colour = \"blue\"\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load([]byte(tc.body))
			require.Error(t, err)
		})
	}
}

func TestConfigNormalizesIdentifiers(t *testing.T) {
	require := require.New(t)

	body := fmt.Sprintf(`[Node]
Identifier = "Edge-1"
CommandID = "Command"
DataDir = %q

[[Security.Peers]]
Identifier = "UAV-1"
`, t.TempDir())
	cfg, err := Load([]byte(body))
	require.NoError(err)
	require.Equal("edge-1", cfg.Node.Identifier)
	require.Equal("command", cfg.Node.CommandID)
	require.Equal("command", cfg.Node.Upstream)
	require.Equal("uav-1", cfg.Security.Peers[0].Identifier)

	body = fmt.Sprintf("[Node]\nIdentifier = \"edge-1\"\nUpstream = \"Edge-GW\"\nDataDir = %q\n", t.TempDir())
	cfg, err = Load([]byte(body))
	require.NoError(err)
	require.Equal("edge-gw", cfg.Node.Upstream)
	require.Equal("command", cfg.Node.CommandID)
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	f := filepath.Join(dir, "fieldrelay.toml")
	body := fmt.Sprintf("[Node]\nIdentifier = \"command\"\nCommandID = \"command\"\nDataDir = %q\n", dir)
	require.NoError(os.WriteFile(f, []byte(body), 0600))

	cfg, err := LoadFile(f)
	require.NoError(err)
	require.Equal("command", cfg.Node.Identifier)
	require.Equal(defaultLogLevel, cfg.Logging.Level)
	require.False(cfg.Mesh.Enable)
	require.False(cfg.Security.Enable)

	_, err = LoadFile(filepath.Join(dir, "missing.toml"))
	require.Error(err)
}
