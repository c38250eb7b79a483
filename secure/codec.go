// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package secure

import (
	"fmt"
	"sync"

	"github.com/katzenpost/fieldrelay/envelope"
)

// FrameVersion is the version of the frame format produced by FrameCodec.
const FrameVersion = 1

type frame struct {
	Version   uint8  `cbor:"1,keyasint"`
	Sender    string `cbor:"2,keyasint"`
	Sealed    bool   `cbor:"3,keyasint"`
	Body      []byte `cbor:"4,keyasint"`
	Signature []byte `cbor:"5,keyasint,omitempty"`
	Token     []byte `cbor:"6,keyasint,omitempty"`
}

// FrameCodec is an envelope.Codec that protects envelopes on the wire.
// Outgoing envelopes are sealed to the next hop when its KEM key is known,
// signed with the node key and carry the token the next hop issued to this
// node.  Incoming frames are opened, verified and authorized.
type FrameCodec struct {
	sync.RWMutex

	self       string
	channel    *Channel
	authorizer *Authorizer

	// RequireSignatures rejects unsigned frames.
	RequireSignatures bool

	// RequireTokens rejects frames whose token does not authorize the
	// sender to invoke the operation of the message kind.
	RequireTokens bool

	peerTokens map[string][]byte
}

// SetPeerToken sets the token to present to peer.
func (c *FrameCodec) SetPeerToken(peer string, token []byte) {
	c.Lock()
	defer c.Unlock()
	c.peerTokens[peer] = token
}

// Encode implements envelope.Codec.
func (c *FrameCodec) Encode(e *envelope.Envelope, peer string) ([]byte, error) {
	f := &frame{
		Version: FrameVersion,
		Sender:  c.self,
	}

	var err error
	if keys, ok := c.channel.Keyring().Lookup(peer); ok && keys.KEM != nil {
		f.Sealed = true
		f.Body, err = Encrypt(e, keys.KEM)
	} else {
		f.Body, err = e.Serialize()
	}
	if err != nil {
		return nil, err
	}
	if f.Signature, err = c.channel.Sign(e); err != nil {
		return nil, err
	}

	c.RLock()
	f.Token = c.peerTokens[peer]
	c.RUnlock()

	return envelope.Marshal(f)
}

// Decode implements envelope.Codec.
func (c *FrameCodec) Decode(b []byte) (*envelope.Envelope, error) {
	var f frame
	if err := envelope.Unmarshal(b, &f); err != nil {
		return nil, newError("decode", fmt.Errorf("%w: %v", ErrMalformedPackage, err))
	}
	if f.Version != FrameVersion {
		return nil, newError("decode", fmt.Errorf("%w: unsupported frame version %d", ErrMalformedPackage, f.Version))
	}

	var (
		e   *envelope.Envelope
		err error
	)
	if f.Sealed {
		if e, err = c.channel.Open(f.Body); err != nil {
			return nil, err
		}
		e.Encrypted = true
	} else if e, err = envelope.Deserialize(f.Body); err != nil {
		return nil, err
	}

	switch {
	case len(f.Signature) > 0:
		if err = c.channel.VerifyFrom(e, f.Signature, f.Sender); err != nil {
			return nil, err
		}
	case c.RequireSignatures:
		return nil, newError("verify", fmt.Errorf("%w: unsigned message %v from %v", ErrBadSignature, e.ID, f.Sender))
	}

	if c.RequireTokens {
		if err = c.authorizer.Authorize(f.Token, f.Sender, OperationFor(e.Kind)); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// NewFrameCodec creates a FrameCodec for the node self.
func NewFrameCodec(self string, channel *Channel, authorizer *Authorizer) *FrameCodec {
	return &FrameCodec{
		self:       self,
		channel:    channel,
		authorizer: authorizer,
		peerTokens: make(map[string][]byte),
	}
}
