// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package secure

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/fieldrelay/core/clock"
	"github.com/katzenpost/fieldrelay/core/log"
	"github.com/katzenpost/fieldrelay/envelope"
)

var testEpoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestIdentity(t *testing.T) *Identity {
	kemScheme, signScheme, err := Schemes("X25519", "Ed25519")
	require.NoError(t, err)
	id, err := GenerateIdentity(kemScheme, signScheme)
	require.NoError(t, err)
	return id
}

func newTestChannel(t *testing.T, id *Identity) *Channel {
	c, err := NewChannel(id, log.NewDiscard().GetLogger("secure"))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func newTestEnvelope(t *testing.T, kind envelope.Kind) *envelope.Envelope {
	e, err := envelope.New(kind, map[string]any{"lat": 52.52, "seq": int64(7)}, "uav-1", "edge-1", envelope.High)
	require.NoError(t, err)
	return e
}

func TestSchemes(t *testing.T) {
	t.Parallel()

	_, _, err := Schemes("NOPE", "Ed25519")
	require.Error(t, err)
	_, _, err = Schemes("X25519", "NOPE")
	require.Error(t, err)
}

func TestEncryptDecrypt(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	alice := newTestIdentity(t)
	mallory := newTestIdentity(t)
	e := newTestEnvelope(t, envelope.Detection)

	pkg, err := Encrypt(e, alice.KEMPublicKey)
	require.NoError(err)

	d, err := Decrypt(pkg, alice.KEMPrivateKey)
	require.NoError(err)
	require.Equal(e, d)

	t.Run("mismatched key", func(t *testing.T) {
		d, err := Decrypt(pkg, mallory.KEMPrivateKey)
		require.Nil(d)
		require.True(IsSecurityError(err))
		require.ErrorIs(err, ErrDecrypt)
	})

	t.Run("tampered", func(t *testing.T) {
		var p sealedPackage
		require.NoError(envelope.Unmarshal(pkg, &p))
		p.Ciphertext[0] ^= 0xff
		b, err := envelope.Marshal(&p)
		require.NoError(err)

		_, err = Decrypt(b, alice.KEMPrivateKey)
		require.True(IsSecurityError(err))
		require.ErrorIs(err, ErrDecrypt)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := Decrypt([]byte("not a package"), alice.KEMPrivateKey)
		require.True(IsSecurityError(err))
		require.ErrorIs(err, ErrMalformedPackage)
	})
}

func TestSignVerify(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	alice := newTestIdentity(t)
	bob := newTestIdentity(t)
	e := newTestEnvelope(t, envelope.CommandAssign)

	sig, err := Sign(e, alice.SignPrivateKey)
	require.NoError(err)
	require.True(Verify(e, sig, alice.SignPublicKey))
	require.False(Verify(e, sig, bob.SignPublicKey))
	require.False(Verify(e, sig[:10], alice.SignPublicKey))

	// Hop rewrites and retries do not invalidate the signature.
	hop := e.Clone()
	hop.Source = "uav-2"
	hop.RetryCount = 2
	require.True(Verify(hop, sig, alice.SignPublicKey))

	tampered := e.Clone()
	tampered.Payload["lat"] = 0.0
	require.False(Verify(tampered, sig, alice.SignPublicKey))
}

func TestChannel(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	alice := newTestChannel(t, newTestIdentity(t))
	bob := newTestChannel(t, newTestIdentity(t))
	e := newTestEnvelope(t, envelope.Status)

	_, err := alice.Seal(e, "bob")
	require.ErrorIs(err, ErrUnknownPeer)

	alice.Keyring().Add("bob", bob.Identity().PeerKeys())
	bob.Keyring().Add("alice", alice.Identity().PeerKeys())
	require.Equal([]string{"bob"}, alice.Keyring().Peers())

	pkg, err := alice.Seal(e, "bob")
	require.NoError(err)
	d, err := bob.Open(pkg)
	require.NoError(err)
	require.Equal(e, d)

	sig, err := alice.Sign(e)
	require.NoError(err)
	require.NoError(bob.VerifyFrom(e, sig, "alice"))
	require.ErrorIs(bob.VerifyFrom(e, sig, "carol"), ErrUnknownPeer)

	bobSig, err := bob.Sign(e)
	require.NoError(err)
	err = bob.VerifyFrom(e, bobSig, "alice")
	require.True(IsSecurityError(err))
	require.ErrorIs(err, ErrBadSignature)

	bob.Close()
	_, ok := bob.Keyring().Lookup("alice")
	require.False(ok)
}

func TestLoadOrGenerateIdentity(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	dir := t.TempDir()
	kemScheme, signScheme, err := Schemes("X25519", "Ed25519")
	require.NoError(err)

	id, created, err := LoadOrGenerateIdentity(dir, kemScheme, signScheme)
	require.NoError(err)
	require.True(created)

	loaded, created, err := LoadOrGenerateIdentity(dir, kemScheme, signScheme)
	require.NoError(err)
	require.False(created)
	require.Equal(id.Fingerprint(), loaded.Fingerprint())

	want, err := id.KEMPublicKey.MarshalBinary()
	require.NoError(err)
	got, err := loaded.KEMPublicKey.MarshalBinary()
	require.NoError(err)
	require.Equal(want, got)

	peer, err := LoadPeerKeys(filepath.Join(dir, kemPublicKeyFile), filepath.Join(dir, signPublicKeyFile), kemScheme, signScheme)
	require.NoError(err)
	require.True(peer.Sign.Equal(id.SignPublicKey))

	require.NoError(os.Remove(filepath.Join(dir, signPrivateKeyFile)))
	_, _, err = LoadOrGenerateIdentity(dir, kemScheme, signScheme)
	require.Error(err)
}

func TestOperationFor(t *testing.T) {
	t.Parallel()

	for _, k := range envelope.Kinds() {
		require.NotPanics(t, func() { OperationFor(k) }, k.String())
	}
	require.Equal(t, OpCommand, OperationFor(envelope.Retask))
	require.Equal(t, OpReport, OperationFor(envelope.Heartbeat))
	require.Equal(t, OpData, OperationFor(envelope.Image))
}

func TestAuthorizer(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	clk := clock.NewFake(testEpoch)
	logger := log.NewDiscard().GetLogger("authz")
	a := NewAuthorizer(newTestIdentity(t), time.Hour, clk, logger)
	other := NewAuthorizer(newTestIdentity(t), time.Hour, clk, logger)

	tok, err := a.Issue("uav-1", OpReport, OpData)
	require.NoError(err)

	require.NoError(a.Authorize(tok, "uav-1", OpReport))

	checks := []struct {
		name    string
		token   []byte
		subject string
		op      Operation
		want    error
	}{
		{"missing", nil, "uav-1", OpReport, ErrTokenMissing},
		{"wrong operation", tok, "uav-1", OpCommand, ErrPermissionDenied},
		{"wrong subject", tok, "uav-2", OpReport, ErrPermissionDenied},
		{"truncated", tok[:8], "uav-1", OpReport, ErrBadSignature},
	}
	for _, c := range checks {
		err := a.Authorize(c.token, c.subject, c.op)
		require.True(IsSecurityError(err), c.name)
		require.ErrorIs(err, c.want, c.name)
	}

	forged, err := other.Issue("uav-1", OpAdmin)
	require.NoError(err)
	require.ErrorIs(a.Authorize(forged, "uav-1", OpReport), ErrBadSignature)

	admin, err := a.Issue("command", OpAdmin)
	require.NoError(err)
	require.NoError(a.Authorize(admin, "command", OpCommand))
	require.NoError(a.Authorize(admin, "command", OpSync))

	parsed, err := a.Verify(admin)
	require.NoError(err)
	a.Revoke(parsed.ID)
	require.ErrorIs(a.Authorize(admin, "command", OpCommand), ErrTokenUnknown)

	clk.Advance(time.Hour)
	require.ErrorIs(a.Authorize(tok, "uav-1", OpReport), ErrTokenExpired)
	require.Equal(1, a.Prune())
	require.ErrorIs(a.Authorize(tok, "uav-1", OpReport), ErrTokenUnknown)

	fresh, err := a.Issue("uav-1", OpReport)
	require.NoError(err)
	a.Close()
	require.ErrorIs(a.Authorize(fresh, "uav-1", OpReport), ErrTokenUnknown)
}

func TestFrameCodec(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	logger := log.NewDiscard().GetLogger("codec")
	uav := newTestChannel(t, newTestIdentity(t))
	edge := newTestChannel(t, newTestIdentity(t))
	uav.Keyring().Add("edge-1", edge.Identity().PeerKeys())
	edge.Keyring().Add("uav-1", uav.Identity().PeerKeys())

	edgeAuthz := NewAuthorizer(edge.Identity(), time.Hour, nil, logger)
	t.Cleanup(edgeAuthz.Close)

	uavCodec := NewFrameCodec("uav-1", uav, NewAuthorizer(uav.Identity(), time.Hour, nil, logger))
	edgeCodec := NewFrameCodec("edge-1", edge, edgeAuthz)
	edgeCodec.RequireSignatures = true
	edgeCodec.RequireTokens = true

	tok, err := edgeAuthz.Issue("uav-1", OpReport)
	require.NoError(err)

	e := newTestEnvelope(t, envelope.Detection)
	b, err := uavCodec.Encode(e, "edge-1")
	require.NoError(err)
	_, err = edgeCodec.Decode(b)
	require.ErrorIs(err, ErrTokenMissing)

	uavCodec.SetPeerToken("edge-1", tok)
	b, err = uavCodec.Encode(e, "edge-1")
	require.NoError(err)
	d, err := edgeCodec.Decode(b)
	require.NoError(err)
	require.True(d.Encrypted)
	d.Encrypted = false
	require.Equal(e, d)

	cmd := newTestEnvelope(t, envelope.CommandAbort)
	b, err = uavCodec.Encode(cmd, "edge-1")
	require.NoError(err)
	_, err = edgeCodec.Decode(b)
	require.ErrorIs(err, ErrPermissionDenied)

	// A peer without a KEM key gets a signed cleartext frame.
	b, err = uavCodec.Encode(e, "uav-2")
	require.NoError(err)
	var f frame
	require.NoError(envelope.Unmarshal(b, &f))
	require.False(f.Sealed)

	stranger := NewFrameCodec("uav-9", newTestChannel(t, newTestIdentity(t)), edgeAuthz)
	b, err = stranger.Encode(e, "edge-1")
	require.NoError(err)
	_, err = edgeCodec.Decode(b)
	require.True(IsSecurityError(err))
	require.True(errors.Is(err, ErrUnknownPeer))

	_, err = edgeCodec.Decode([]byte{0x01})
	require.ErrorIs(err, ErrMalformedPackage)
}
