// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// CompressThreshold is the encoded payload size above which compressible
// payloads are compressed.
const CompressThreshold = 1024

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic("envelope: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("envelope: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("envelope: zstd decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with the deterministic CBOR encoding used for every
// structure that leaves the process.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

type wireEnvelope struct {
	ID           string  `cbor:"id"`
	Kind         string  `cbor:"kind"`
	Payload      []byte  `cbor:"payload"`
	Source       string  `cbor:"source"`
	Origin       string  `cbor:"origin"`
	Destination  string  `cbor:"destination"`
	Priority     uint8   `cbor:"priority"`
	CreatedAt    float64 `cbor:"created_at"`
	TTLSeconds   int64   `cbor:"ttl_seconds"`
	RequiresAck  bool    `cbor:"requires_ack"`
	RetryCount   int     `cbor:"retry_count"`
	MaxRetries   int     `cbor:"max_retries"`
	Compressible bool    `cbor:"compressible"`
	Encrypted    bool    `cbor:"encrypted"`
}

// Serialize encodes the envelope.  The payload is compressed if the
// envelope is compressible and the encoded payload is larger than
// CompressThreshold.
func (e *Envelope) Serialize() ([]byte, error) {
	payload, err := encMode.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to encode payload: %w", err)
	}
	if e.Compressible && len(payload) > CompressThreshold {
		payload = zstdEncoder.EncodeAll(payload, nil)
	}

	w := &wireEnvelope{
		ID:           e.ID,
		Kind:         e.Kind.String(),
		Payload:      payload,
		Source:       e.Source,
		Origin:       e.Origin,
		Destination:  e.Destination,
		Priority:     uint8(e.Priority),
		CreatedAt:    float64(e.CreatedAt.UnixMilli()) / 1e3,
		TTLSeconds:   int64(e.TTL / time.Second),
		RequiresAck:  e.RequiresAck,
		RetryCount:   e.RetryCount,
		MaxRetries:   e.MaxRetries,
		Compressible: e.Compressible,
		Encrypted:    e.Encrypted,
	}
	return encMode.Marshal(w)
}

// Deserialize decodes a serialized envelope.  The payload is decompressed
// if possible, and parsed directly otherwise.
func Deserialize(b []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := decMode.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.ID == "" {
		return nil, fmt.Errorf("%w: missing identity", ErrMalformed)
	}
	kind, err := ParseKind(w.Kind)
	if err != nil {
		return nil, err
	}
	priority := Priority(w.Priority)
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %d", ErrMalformed, w.Priority)
	}
	if w.TTLSeconds <= 0 {
		return nil, fmt.Errorf("%w: invalid TTL %d", ErrMalformed, w.TTLSeconds)
	}

	payloadBytes := w.Payload
	if raw, err := zstdDecoder.DecodeAll(w.Payload, nil); err == nil {
		payloadBytes = raw
	}
	var payload map[string]any
	if err := decMode.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	if payload == nil {
		payload = make(map[string]any)
	}

	return &Envelope{
		ID:           w.ID,
		Kind:         kind,
		Priority:     priority,
		Payload:      payload,
		Source:       w.Source,
		Origin:       w.Origin,
		Destination:  w.Destination,
		CreatedAt:    time.UnixMilli(int64(math.Round(w.CreatedAt * 1e3))).UTC(),
		TTL:          time.Duration(w.TTLSeconds) * time.Second,
		RetryCount:   w.RetryCount,
		MaxRetries:   w.MaxRetries,
		RequiresAck:  w.RequiresAck,
		Compressible: w.Compressible,
		Encrypted:    w.Encrypted,
	}, nil
}

type signedFields struct {
	ID          string         `cbor:"1,keyasint"`
	Kind        uint8          `cbor:"2,keyasint"`
	Payload     map[string]any `cbor:"3,keyasint"`
	Origin      string         `cbor:"4,keyasint"`
	Destination string         `cbor:"5,keyasint"`
	Priority    uint8          `cbor:"6,keyasint"`
	CreatedAt   int64          `cbor:"7,keyasint"`
	TTLSeconds  int64          `cbor:"8,keyasint"`
}

// SigningBytes returns the canonical encoding of the fields that do not
// change between hops or retries.
func (e *Envelope) SigningBytes() ([]byte, error) {
	return encMode.Marshal(&signedFields{
		ID:          e.ID,
		Kind:        uint8(e.Kind),
		Payload:     e.Payload,
		Origin:      e.Origin,
		Destination: e.Destination,
		Priority:    uint8(e.Priority),
		CreatedAt:   e.CreatedAt.UnixMilli(),
		TTLSeconds:  int64(e.TTL / time.Second),
	})
}

// Codec converts envelopes to and from the bytes carried by a transport.
type Codec interface {
	// Encode encodes e for delivery to the next hop peer.
	Encode(e *Envelope, peer string) ([]byte, error)

	// Decode decodes bytes received from a transport.
	Decode(b []byte) (*Envelope, error)
}

// PlainCodec is a Codec that applies no protection.
type PlainCodec struct{}

// Encode implements Codec.
func (PlainCodec) Encode(e *Envelope, _ string) ([]byte, error) {
	return e.Serialize()
}

// Decode implements Codec.
func (PlainCodec) Decode(b []byte) (*Envelope, error) {
	return Deserialize(b)
}
