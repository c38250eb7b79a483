// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package secure

import (
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/fieldrelay/core/clock"
	"github.com/katzenpost/fieldrelay/envelope"
)

// Operation is a class of requests gated by the Authorizer.
type Operation string

const (
	OpCommand Operation = "command"
	OpReport  Operation = "report"
	OpData    Operation = "data"
	OpSync    Operation = "sync"

	// OpAdmin grants every operation.
	OpAdmin Operation = "admin"
)

// OperationFor returns the operation a message of kind k invokes.
func OperationFor(k envelope.Kind) Operation {
	switch k {
	case envelope.Command, envelope.CommandAssign, envelope.CommandAbort, envelope.Retask:
		return OpCommand
	case envelope.Telemetry, envelope.Detection, envelope.Status, envelope.Heartbeat:
		return OpReport
	case envelope.Data, envelope.Log, envelope.Image, envelope.VideoStream:
		return OpData
	default:
		panic(fmt.Sprintf("BUG: secure: unhandled kind: %d", k))
	}
}

// Token is an authorization token.
type Token struct {
	ID          string      `cbor:"1,keyasint"`
	Subject     string      `cbor:"2,keyasint"`
	Permissions []Operation `cbor:"3,keyasint"`

	// IssuedAt and ExpiresAt are Unix timestamps in seconds.
	IssuedAt  int64 `cbor:"4,keyasint"`
	ExpiresAt int64 `cbor:"5,keyasint"`
}

// Allows returns true iff the token grants op.
func (t *Token) Allows(op Operation) bool {
	for _, p := range t.Permissions {
		if p == op || p == OpAdmin {
			return true
		}
	}
	return false
}

// Authorizer issues and checks tokens.  The set of live tokens is owned by
// the Authorizer and is cleared by Close.
type Authorizer struct {
	sync.Mutex

	log   *logging.Logger
	clock clock.Clock

	signer   sign.PrivateKey
	verifier sign.PublicKey
	lifetime time.Duration

	tokens map[string]*Token
}

// Issue mints a token for subject granting perms, valid for the
// configured lifetime.
func (a *Authorizer) Issue(subject string, perms ...Operation) ([]byte, error) {
	var id [16]byte
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return nil, fmt.Errorf("secure: failed to generate token id: %w", err)
	}
	now := a.clock.Now()
	t := &Token{
		ID:          hex.EncodeToString(id[:]),
		Subject:     subject,
		Permissions: perms,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(a.lifetime).Unix(),
	}
	payload, err := envelope.Marshal(t)
	if err != nil {
		return nil, err
	}
	sig := a.signer.Scheme().Sign(a.signer, payload, nil)

	a.Lock()
	a.tokens[t.ID] = t
	a.Unlock()

	a.log.Debugf("Issued token %v to %v: %v", t.ID, subject, perms)
	return append(payload, sig...), nil
}

// Verify checks a token at the current time.
func (a *Authorizer) Verify(b []byte) (*Token, error) {
	return a.VerifyAt(b, a.clock.Now())
}

// VerifyAt checks a token's signature, registration and expiry at now.
func (a *Authorizer) VerifyAt(b []byte, now time.Time) (*Token, error) {
	if len(b) == 0 {
		return nil, newError("authorize", ErrTokenMissing)
	}
	sigLen := a.verifier.Scheme().SignatureSize()
	if len(b) <= sigLen {
		return nil, newError("authorize", fmt.Errorf("%w: token too short", ErrBadSignature))
	}
	payload, sig := b[:len(b)-sigLen], b[len(b)-sigLen:]
	if !a.verifier.Scheme().Verify(a.verifier, payload, sig, nil) {
		return nil, newError("authorize", ErrBadSignature)
	}

	var t Token
	if err := envelope.Unmarshal(payload, &t); err != nil {
		return nil, newError("authorize", fmt.Errorf("%w: %v", ErrMalformedPackage, err))
	}

	a.Lock()
	_, ok := a.tokens[t.ID]
	a.Unlock()
	if !ok {
		return nil, newError("authorize", ErrTokenUnknown)
	}
	if now.Unix() >= t.ExpiresAt {
		return nil, newError("authorize", ErrTokenExpired)
	}
	return &t, nil
}

// Authorize checks that the token permits subject to invoke op.
func (a *Authorizer) Authorize(b []byte, subject string, op Operation) error {
	t, err := a.Verify(b)
	if err != nil {
		return err
	}
	if t.Subject != subject {
		return newError("authorize", fmt.Errorf("%w: token subject %v is not %v", ErrPermissionDenied, t.Subject, subject))
	}
	if !t.Allows(op) {
		return newError("authorize", fmt.Errorf("%w: %v may not %v", ErrPermissionDenied, subject, op))
	}
	return nil
}

// Revoke invalidates the token with the given id.
func (a *Authorizer) Revoke(id string) {
	a.Lock()
	defer a.Unlock()
	delete(a.tokens, id)
}

// Prune forgets every expired token, and returns how many were removed.
func (a *Authorizer) Prune() int {
	now := a.clock.Now().Unix()

	a.Lock()
	defer a.Unlock()
	n := 0
	for id, t := range a.tokens {
		if now >= t.ExpiresAt {
			delete(a.tokens, id)
			n++
		}
	}
	return n
}

// Close revokes every token.
func (a *Authorizer) Close() {
	a.Lock()
	defer a.Unlock()
	a.tokens = make(map[string]*Token)
}

// NewAuthorizer creates an Authorizer that signs tokens with the
// identity's signing key.
func NewAuthorizer(identity *Identity, lifetime time.Duration, clk clock.Clock, log *logging.Logger) *Authorizer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Authorizer{
		log:      log,
		clock:    clk,
		signer:   identity.SignPrivateKey,
		verifier: identity.SignPublicKey,
		lifetime: lifetime,
		tokens:   make(map[string]*Token),
	}
}
