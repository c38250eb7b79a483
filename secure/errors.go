// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package secure

import (
	"errors"

	"github.com/katzenpost/fieldrelay/instrument"
)

var (
	// ErrMalformedPackage is a package or frame that can not be parsed.
	ErrMalformedPackage = errors.New("malformed package")

	// ErrDecrypt is a package that failed to decrypt, usually because it
	// was sealed to a different key.
	ErrDecrypt = errors.New("decryption failed")

	// ErrBadSignature is a missing or invalid signature.
	ErrBadSignature = errors.New("bad signature")

	// ErrUnknownPeer is a peer with no registered keys.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrTokenMissing is a request without an authorization token.
	ErrTokenMissing = errors.New("authorization token missing")

	// ErrTokenExpired is an expired authorization token.
	ErrTokenExpired = errors.New("authorization token expired")

	// ErrTokenUnknown is a token that was never issued, or was revoked.
	ErrTokenUnknown = errors.New("authorization token unknown")

	// ErrPermissionDenied is a valid token that does not grant the
	// requested operation.
	ErrPermissionDenied = errors.New("permission denied")
)

// Error is a security failure.  It is always fatal to the message it
// concerns.
type Error struct {
	// Op is the operation that failed (eg: "decrypt", "verify").
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "security: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsSecurityError returns true iff err is, or wraps, a security failure.
func IsSecurityError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}

func newError(op string, err error) error {
	instrument.SecurityFailure(op)
	return &Error{Op: op, Err: err}
}
