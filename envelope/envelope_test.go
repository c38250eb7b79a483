// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSerializeRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	payload := map[string]any{
		"target":   "grid-7",
		"altitude": 120.5,
		"count":    int64(3),
		"nested": map[string]any{
			"waypoints": []any{"a", "b", int64(-4)},
		},
	}
	e, err := New(CommandAssign, payload, "command", "uav-1", High)
	require.NoError(err)
	e.RetryCount = 2
	e.Source = "edge-1"
	e.Encrypted = true

	b, err := e.Serialize()
	require.NoError(err)

	d, err := Deserialize(b)
	require.NoError(err)
	require.Equal(e, d)
	require.Equal("command", d.Origin)
	require.Equal("edge-1", d.Source)
}

func TestTransientFieldsAreCarried(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e, err := New(Status, nil, "uav-1", "command", Medium)
	require.NoError(err)
	require.False(e.RequiresAck)

	// Escalated in flight: the flag must survive even though the kind
	// does not call for it.
	e.RequiresAck = true
	e.RetryCount = 1

	b, err := e.Serialize()
	require.NoError(err)
	d, err := Deserialize(b)
	require.NoError(err)
	require.True(d.RequiresAck)
	require.Equal(1, d.RetryCount)
}

func TestCompression(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	big := strings.Repeat("sensor reading nominal; ", 200)

	logEnv, err := New(Log, map[string]any{"text": big}, "uav-2", "command", Low)
	require.NoError(err)
	require.True(logEnv.Compressible)
	compressed, err := logEnv.Serialize()
	require.NoError(err)

	dataEnv := logEnv.Clone()
	dataEnv.Compressible = false
	uncompressed, err := dataEnv.Serialize()
	require.NoError(err)
	require.Less(len(compressed), len(uncompressed))

	d, err := Deserialize(compressed)
	require.NoError(err)
	require.Equal(big, d.Payload["text"])

	small, err := New(Log, map[string]any{"text": "short"}, "uav-2", "command", Low)
	require.NoError(err)
	b, err := small.Serialize()
	require.NoError(err)
	d, err = Deserialize(b)
	require.NoError(err)
	require.Equal("short", d.Payload["text"])
}

func TestDeserializeMalformed(t *testing.T) {
	t.Parallel()

	for _, b := range [][]byte{
		nil,
		[]byte("not cbor at all"),
		{0xa1, 0x62, 0x69, 0x64, 0x60}, // {"id": ""}
	} {
		_, err := Deserialize(b)
		require.ErrorIs(t, err, ErrMalformed)
	}
}

func TestRequiresAckByKind(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	acked := map[Kind]bool{
		CommandAssign: true,
		CommandAbort:  true,
		Retask:        true,
		Detection:     true,
	}
	for _, k := range Kinds() {
		e, err := New(k, nil, "a", "b", Medium)
		require.NoError(err)
		require.Equal(acked[k], e.RequiresAck, "kind %v", k)

		parsed, err := ParseKind(k.String())
		require.NoError(err)
		require.Equal(k, parsed)
	}
	require.True(Image.Compressible())
	require.False(Detection.Compressible())
}

func TestExpiry(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e, err := New(Telemetry, nil, "uav-1", "command", Critical, WithCreatedAt(now))
	require.NoError(err)
	require.Equal(time.Minute, e.TTL)

	require.False(e.IsExpired(now))
	require.False(e.IsExpired(now.Add(time.Minute)))
	require.True(e.IsExpired(now.Add(time.Minute + time.Millisecond)))
	require.True(e.IsExpired(now.Add(time.Hour)))

	e, err = New(Data, nil, "uav-1", "command", Low, WithCreatedAt(now), WithTTL(10*time.Second))
	require.NoError(err)
	require.True(e.IsExpired(now.Add(11 * time.Second)))

	_, err = New(Data, nil, "uav-1", "command", Low, WithTTL(time.Millisecond))
	require.Error(err)
}

func TestIdentity(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		e, err := New(Heartbeat, nil, "a", "b", Low)
		require.NoError(err)
		require.Len(e.ID, 32)
		require.False(seen[e.ID])
		seen[e.ID] = true
	}
}

func TestCloneAndSigningBytes(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	e, err := New(Detection, map[string]any{"boxes": []any{"car"}}, "uav-3", "command", High)
	require.NoError(err)
	sb, err := e.SigningBytes()
	require.NoError(err)

	c := e.Clone()
	c.Source = "uav-4"
	c.RetryCount = 2
	c.Payload["boxes"].([]any)[0] = "truck"
	require.Equal("car", e.Payload["boxes"].([]any)[0])

	c = e.Clone()
	c.Source = "uav-4"
	c.RetryCount = 2
	csb, err := c.SigningBytes()
	require.NoError(err)
	require.Equal(sb, csb)

	c.Destination = "elsewhere"
	csb, err = c.SigningBytes()
	require.NoError(err)
	require.NotEqual(sb, csb)
}

func TestAck(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	orig, err := New(Retask, nil, "command", "uav-2", Critical)
	require.NoError(err)
	orig.Source = "uav-1"

	ack, err := NewAck(orig, "uav-2", time.Now())
	require.NoError(err)
	require.Equal(Heartbeat, ack.Kind)
	require.Equal("command", ack.Destination)
	require.False(ack.RequiresAck)

	id, ok := ack.IsAck()
	require.True(ok)
	require.Equal(orig.ID, id)

	_, ok = orig.IsAck()
	require.False(ok)
}
