// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package secure implements the secure channel: hybrid encryption of
// envelopes to a recipient's KEM public key, envelope signatures, the peer
// keyring and the authorization gate.
package secure

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/fieldrelay/envelope"
)

const (
	// PackageVersion is the version of the sealed package format.
	PackageVersion = 1

	keySize = chacha20poly1305.KeySize
)

var hkdfInfoKeyWrap = []byte("fieldrelay.secure.keywrap.v1")

type sealedPackage struct {
	Version       uint8  `cbor:"1,keyasint"`
	KEM           string `cbor:"2,keyasint"`
	KEMCiphertext []byte `cbor:"3,keyasint"`
	KeyNonce      []byte `cbor:"4,keyasint"`
	WrappedKey    []byte `cbor:"5,keyasint"`
	Nonce         []byte `cbor:"6,keyasint"`
	Ciphertext    []byte `cbor:"7,keyasint"`
}

func (p *sealedPackage) aad() []byte {
	aad := make([]byte, 0, 1+len(p.KEM)+len(p.KEMCiphertext))
	aad = append(aad, p.Version)
	aad = append(aad, p.KEM...)
	return append(aad, p.KEMCiphertext...)
}

// Encrypt seals e to the recipient.  A fresh data key encrypts the
// serialized envelope, and is itself wrapped under a key encapsulated to
// the recipient's KEM public key.
func Encrypt(e *envelope.Envelope, recipient kem.PublicKey) ([]byte, error) {
	plaintext, err := e.Serialize()
	if err != nil {
		return nil, err
	}

	scheme := recipient.Scheme()
	kemCt, ss, err := scheme.Encapsulate(recipient)
	if err != nil {
		return nil, newError("encrypt", fmt.Errorf("%w: encapsulation failed: %v", ErrMalformedPackage, err))
	}
	kek, err := deriveKEK(ss, kemCt)
	if err != nil {
		return nil, err
	}

	dek := make([]byte, keySize)
	if _, err = io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("secure: failed to generate data key: %w", err)
	}

	pkg := &sealedPackage{
		Version:       PackageVersion,
		KEM:           scheme.Name(),
		KEMCiphertext: kemCt,
	}
	aad := pkg.aad()
	if pkg.KeyNonce, pkg.WrappedKey, err = seal(kek, dek, aad); err != nil {
		return nil, err
	}
	if pkg.Nonce, pkg.Ciphertext, err = seal(dek, plaintext, aad); err != nil {
		return nil, err
	}
	return envelope.Marshal(pkg)
}

// Decrypt opens a package produced by Encrypt.  Every failure is returned
// as a security error.
func Decrypt(b []byte, privateKey kem.PrivateKey) (*envelope.Envelope, error) {
	var pkg sealedPackage
	if err := envelope.Unmarshal(b, &pkg); err != nil {
		return nil, newError("decrypt", fmt.Errorf("%w: %v", ErrMalformedPackage, err))
	}
	if pkg.Version != PackageVersion {
		return nil, newError("decrypt", fmt.Errorf("%w: unsupported version %d", ErrMalformedPackage, pkg.Version))
	}
	scheme := privateKey.Scheme()
	if pkg.KEM != scheme.Name() {
		return nil, newError("decrypt", fmt.Errorf("%w: KEM '%v' does not match key", ErrDecrypt, pkg.KEM))
	}
	if len(pkg.KEMCiphertext) != scheme.CiphertextSize() {
		return nil, newError("decrypt", fmt.Errorf("%w: bad KEM ciphertext size", ErrMalformedPackage))
	}

	ss, err := scheme.Decapsulate(privateKey, pkg.KEMCiphertext)
	if err != nil {
		return nil, newError("decrypt", fmt.Errorf("%w: %v", ErrDecrypt, err))
	}
	kek, err := deriveKEK(ss, pkg.KEMCiphertext)
	if err != nil {
		return nil, err
	}
	aad := pkg.aad()
	dek, err := open(kek, pkg.KeyNonce, pkg.WrappedKey, aad)
	if err != nil {
		return nil, newError("decrypt", err)
	}
	plaintext, err := open(dek, pkg.Nonce, pkg.Ciphertext, aad)
	if err != nil {
		return nil, newError("decrypt", err)
	}
	e, err := envelope.Deserialize(plaintext)
	if err != nil {
		return nil, newError("decrypt", fmt.Errorf("%w: %v", ErrMalformedPackage, err))
	}
	return e, nil
}

// Sign signs the immutable fields of e.
func Sign(e *envelope.Envelope, privateKey sign.PrivateKey) ([]byte, error) {
	msg, err := e.SigningBytes()
	if err != nil {
		return nil, err
	}
	return privateKey.Scheme().Sign(privateKey, msg, nil), nil
}

// Verify returns true iff sig is a valid signature of e by publicKey.
func Verify(e *envelope.Envelope, sig []byte, publicKey sign.PublicKey) bool {
	scheme := publicKey.Scheme()
	if len(sig) != scheme.SignatureSize() {
		return false
	}
	msg, err := e.SigningBytes()
	if err != nil {
		return false
	}
	return scheme.Verify(publicKey, msg, sig, nil)
}

func deriveKEK(ss, salt []byte) ([]byte, error) {
	kek := make([]byte, keySize)
	r := hkdf.New(sha256.New, ss, salt, hkdfInfoKeyWrap)
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("secure: key derivation failed: %w", err)
	}
	return kek, nil
}

func seal(key, plaintext, aad []byte) ([]byte, []byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("secure: failed to generate nonce: %w", err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

func open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(key) != keySize || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: bad key or nonce size", ErrMalformedPackage)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPackage, err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Channel is a node's secure channel.  It owns the node identity and the
// keyring of its peers, and is torn down with Close.
type Channel struct {
	log *logging.Logger

	identity *Identity
	keyring  *Keyring
}

// Identity returns the node identity.
func (c *Channel) Identity() *Identity {
	return c.identity
}

// Keyring returns the peer keyring.
func (c *Channel) Keyring() *Keyring {
	return c.keyring
}

// Seal encrypts e to peer.
func (c *Channel) Seal(e *envelope.Envelope, peer string) ([]byte, error) {
	keys, ok := c.keyring.Lookup(peer)
	if !ok || keys.KEM == nil {
		return nil, newError("encrypt", fmt.Errorf("%w: %v", ErrUnknownPeer, peer))
	}
	return Encrypt(e, keys.KEM)
}

// Open decrypts a package sealed to this node.
func (c *Channel) Open(b []byte) (*envelope.Envelope, error) {
	return Decrypt(b, c.identity.KEMPrivateKey)
}

// Sign signs e with the node's signing key.
func (c *Channel) Sign(e *envelope.Envelope) ([]byte, error) {
	return Sign(e, c.identity.SignPrivateKey)
}

// VerifyFrom checks that sig is peer's signature of e.
func (c *Channel) VerifyFrom(e *envelope.Envelope, sig []byte, peer string) error {
	keys, ok := c.keyring.Lookup(peer)
	if !ok || keys.Sign == nil {
		return newError("verify", fmt.Errorf("%w: %v", ErrUnknownPeer, peer))
	}
	if !Verify(e, sig, keys.Sign) {
		return newError("verify", fmt.Errorf("%w: message %v from %v", ErrBadSignature, e.ID, peer))
	}
	return nil
}

// Close forgets every registered peer.
func (c *Channel) Close() {
	c.keyring.reset()
	c.log.Debugf("Secure channel torn down.")
}

// NewChannel creates a secure channel for identity.
func NewChannel(identity *Identity, log *logging.Logger) (*Channel, error) {
	if identity == nil || identity.KEMPrivateKey == nil || identity.SignPrivateKey == nil {
		return nil, errors.New("secure: identity is missing private keys")
	}
	c := &Channel{
		log:      log,
		identity: identity,
		keyring:  newKeyring(),
	}
	c.log.Noticef("Node identity: %v (%v/%v)", identity.Fingerprint(), identity.KEMScheme.Name(), identity.SignScheme.Name())
	return c, nil
}
