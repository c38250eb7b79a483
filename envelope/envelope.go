// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package envelope implements the message envelope, the unit of
// communication between the command center, relay nodes and agents.
package envelope

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultMaxRetries is the retry ceiling assigned to new messages.
	DefaultMaxRetries = 3

	// AckForKey is the payload key of an acknowledgment that names the
	// identity being acknowledged.
	AckForKey = "ack_for"

	idEntropyLen = 8
)

// ErrMalformed is the error returned when a serialized envelope can not be
// parsed.
var ErrMalformed = errors.New("envelope: malformed envelope")

// Envelope is a message in transit.
//
// An Envelope is never mutated once it has been handed to another
// component.  Components that need to change the hop fields or the retry
// count work on a Clone.
type Envelope struct {
	// ID is the message identity, derived from the creation time and
	// random entropy.  It never changes.
	ID string

	Kind     Kind
	Priority Priority
	Payload  map[string]any

	// Source is the sender of the current hop, Destination is the final
	// recipient.  Origin is the producer of the message and is never
	// rewritten.
	Source      string
	Origin      string
	Destination string

	CreatedAt time.Time
	TTL       time.Duration

	RetryCount   int
	MaxRetries   int
	RequiresAck  bool
	Compressible bool
	Encrypted    bool
}

// Option is an optional parameter to New.
type Option func(*Envelope)

// WithCreatedAt overrides the creation time (defaults to time.Now).
func WithCreatedAt(t time.Time) Option {
	return func(e *Envelope) {
		e.CreatedAt = t
	}
}

// WithTTL overrides the priority derived time-to-live.  The TTL is carried
// on the wire with one second granularity.
func WithTTL(d time.Duration) Option {
	return func(e *Envelope) {
		e.TTL = d
	}
}

// WithMaxRetries overrides the retry ceiling.
func WithMaxRetries(n int) Option {
	return func(e *Envelope) {
		e.MaxRetries = n
	}
}

// New constructs a new envelope.
func New(kind Kind, payload map[string]any, source, destination string, priority Priority, opts ...Option) (*Envelope, error) {
	if !priority.Valid() {
		return nil, fmt.Errorf("envelope: invalid priority: %d", priority)
	}
	if kind > kindMax {
		return nil, fmt.Errorf("envelope: invalid kind: %d", kind)
	}
	if payload == nil {
		payload = make(map[string]any)
	}

	e := &Envelope{
		Kind:         kind,
		Priority:     priority,
		Payload:      payload,
		Source:       source,
		Origin:       source,
		Destination:  destination,
		CreatedAt:    time.Now(),
		TTL:          priority.DefaultTTL(),
		MaxRetries:   DefaultMaxRetries,
		RequiresAck:  kind.RequiresAck(),
		Compressible: kind.Compressible(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Millisecond)
	e.TTL = e.TTL.Truncate(time.Second)
	if e.TTL <= 0 {
		return nil, fmt.Errorf("envelope: TTL must be at least one second")
	}

	var err error
	if e.ID, err = newID(rand.Reader, e.CreatedAt); err != nil {
		return nil, err
	}
	return e, nil
}

func newID(r io.Reader, createdAt time.Time) (string, error) {
	var b [8 + idEntropyLen]byte
	binary.BigEndian.PutUint64(b[:8], uint64(createdAt.UnixNano()))
	if _, err := io.ReadFull(r, b[8:]); err != nil {
		return "", fmt.Errorf("envelope: failed to generate identity: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// ExpiresAt returns the time after which the message is expired.
func (e *Envelope) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// IsExpired returns true iff now is past the creation time plus the TTL.
func (e *Envelope) IsExpired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Payload = clonePayload(e.Payload)
	return &c
}

// IsAck returns the acknowledged identity iff e is an acknowledgment.
func (e *Envelope) IsAck() (string, bool) {
	if e.Kind != Heartbeat {
		return "", false
	}
	id, ok := e.Payload[AckForKey].(string)
	return id, ok && id != ""
}

// NewAck builds the acknowledgment for orig, sent by self back to the
// producer of orig.
func NewAck(orig *Envelope, self string, now time.Time) (*Envelope, error) {
	payload := map[string]any{
		AckForKey: orig.ID,
	}
	return New(Heartbeat, payload, self, orig.Origin, orig.Priority, WithCreatedAt(now))
}

func clonePayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return clonePayload(vv)
	case []any:
		out := make([]any, len(vv))
		for i := range vv {
			out[i] = cloneValue(vv[i])
		}
		return out
	case []byte:
		return append([]byte(nil), vv...)
	default:
		return v
	}
}
