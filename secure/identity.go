// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package secure

import (
	"fmt"
	"path/filepath"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/kem"
	kempem "github.com/katzenpost/hpqc/kem/pem"
	kemschemes "github.com/katzenpost/hpqc/kem/schemes"
	"github.com/katzenpost/hpqc/sign"
	signpem "github.com/katzenpost/hpqc/sign/pem"
	signschemes "github.com/katzenpost/hpqc/sign/schemes"

	"github.com/katzenpost/fieldrelay/core/utils"
)

const (
	kemPrivateKeyFile  = "kem.private.pem"
	kemPublicKeyFile   = "kem.public.pem"
	signPrivateKeyFile = "sign.private.pem"
	signPublicKeyFile  = "sign.public.pem"
)

// Identity is a node's long term key material.
type Identity struct {
	KEMScheme  kem.Scheme
	SignScheme sign.Scheme

	KEMPublicKey   kem.PublicKey
	KEMPrivateKey  kem.PrivateKey
	SignPublicKey  sign.PublicKey
	SignPrivateKey sign.PrivateKey
}

// PeerKeys returns the public half of the identity.
func (id *Identity) PeerKeys() *PeerKeys {
	return &PeerKeys{
		KEM:  id.KEMPublicKey,
		Sign: id.SignPublicKey,
	}
}

// Fingerprint returns the hash of the signing public key, for logging.
func (id *Identity) Fingerprint() string {
	h := hash.Sum256From(id.SignPublicKey)
	return fmt.Sprintf("%x", h[:8])
}

// Schemes resolves KEM and signature scheme names.
func Schemes(kemName, signName string) (kem.Scheme, sign.Scheme, error) {
	kemScheme := kemschemes.ByName(kemName)
	if kemScheme == nil {
		return nil, nil, fmt.Errorf("secure: unknown KEM scheme: '%v'", kemName)
	}
	signScheme := signschemes.ByName(signName)
	if signScheme == nil {
		return nil, nil, fmt.Errorf("secure: unknown signature scheme: '%v'", signName)
	}
	return kemScheme, signScheme, nil
}

// GenerateIdentity generates a new identity.
func GenerateIdentity(kemScheme kem.Scheme, signScheme sign.Scheme) (*Identity, error) {
	id := &Identity{
		KEMScheme:  kemScheme,
		SignScheme: signScheme,
	}
	var err error
	if id.KEMPublicKey, id.KEMPrivateKey, err = kemScheme.GenerateKeyPair(); err != nil {
		return nil, fmt.Errorf("secure: failed to generate KEM key pair: %w", err)
	}
	if id.SignPublicKey, id.SignPrivateKey, err = signScheme.GenerateKey(); err != nil {
		return nil, fmt.Errorf("secure: failed to generate signing key pair: %w", err)
	}
	return id, nil
}

// WriteIdentity writes the identity's keys as PEM files into dir.
func WriteIdentity(dir string, id *Identity) error {
	if err := kempem.PrivateKeyToFile(filepath.Join(dir, kemPrivateKeyFile), id.KEMPrivateKey); err != nil {
		return err
	}
	if err := kempem.PublicKeyToFile(filepath.Join(dir, kemPublicKeyFile), id.KEMPublicKey); err != nil {
		return err
	}
	if err := signpem.PrivateKeyToFile(filepath.Join(dir, signPrivateKeyFile), id.SignPrivateKey); err != nil {
		return err
	}
	return signpem.PublicKeyToFile(filepath.Join(dir, signPublicKeyFile), id.SignPublicKey)
}

// LoadOrGenerateIdentity loads the identity PEM files from dir, generating
// and writing a new identity iff none of them exist.
func LoadOrGenerateIdentity(dir string, kemScheme kem.Scheme, signScheme sign.Scheme) (*Identity, bool, error) {
	files := []string{
		filepath.Join(dir, kemPrivateKeyFile),
		filepath.Join(dir, kemPublicKeyFile),
		filepath.Join(dir, signPrivateKeyFile),
		filepath.Join(dir, signPublicKeyFile),
	}
	n, err := utils.CountExisting(files...)
	if err != nil {
		return nil, false, err
	}

	switch n {
	case 0:
		id, err := GenerateIdentity(kemScheme, signScheme)
		if err != nil {
			return nil, false, err
		}
		if err = WriteIdentity(dir, id); err != nil {
			return nil, false, err
		}
		return id, true, nil
	case len(files):
	default:
		return nil, false, fmt.Errorf("secure: identity key files in %v must either all exist or not exist", dir)
	}

	id := &Identity{
		KEMScheme:  kemScheme,
		SignScheme: signScheme,
	}
	if id.KEMPrivateKey, err = kempem.FromPrivatePEMFile(files[0], kemScheme); err != nil {
		return nil, false, err
	}
	if id.KEMPublicKey, err = kempem.FromPublicPEMFile(files[1], kemScheme); err != nil {
		return nil, false, err
	}
	if id.SignPrivateKey, err = signpem.FromPrivatePEMFile(files[2], signScheme); err != nil {
		return nil, false, err
	}
	if id.SignPublicKey, err = signpem.FromPublicPEMFile(files[3], signScheme); err != nil {
		return nil, false, err
	}
	return id, false, nil
}

// LoadPeerKeys loads a peer's public keys from the PEM files written by
// WriteIdentity.  Either file name may be empty.
func LoadPeerKeys(kemFile, signFile string, kemScheme kem.Scheme, signScheme sign.Scheme) (*PeerKeys, error) {
	keys := new(PeerKeys)
	var err error
	if kemFile != "" {
		if keys.KEM, err = kempem.FromPublicPEMFile(kemFile, kemScheme); err != nil {
			return nil, err
		}
	}
	if signFile != "" {
		if keys.Sign, err = signpem.FromPublicPEMFile(signFile, signScheme); err != nil {
			return nil, err
		}
	}
	return keys, nil
}
