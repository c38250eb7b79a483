// SPDX-FileCopyrightText: © 2026 The Fieldrelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

package secure

import (
	"sort"
	"sync"

	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/sign"
)

// PeerKeys are the public keys of a peer.  Either may be nil.
type PeerKeys struct {
	KEM  kem.PublicKey
	Sign sign.PublicKey
}

// Keyring maps peer identities to their public keys.  A Keyring is owned by
// a single Channel and lives as long as it does.
type Keyring struct {
	sync.RWMutex

	peers map[string]*PeerKeys
}

// Add registers (or replaces) the keys of peer.
func (k *Keyring) Add(peer string, keys *PeerKeys) {
	k.Lock()
	defer k.Unlock()
	k.peers[peer] = keys
}

// Remove forgets peer.
func (k *Keyring) Remove(peer string) {
	k.Lock()
	defer k.Unlock()
	delete(k.peers, peer)
}

// Lookup returns the keys of peer.
func (k *Keyring) Lookup(peer string) (*PeerKeys, bool) {
	k.RLock()
	defer k.RUnlock()
	keys, ok := k.peers[peer]
	return keys, ok
}

// Peers returns the sorted identities of all registered peers.
func (k *Keyring) Peers() []string {
	k.RLock()
	defer k.RUnlock()
	out := make([]string, 0, len(k.peers))
	for p := range k.peers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (k *Keyring) reset() {
	k.Lock()
	defer k.Unlock()
	k.peers = make(map[string]*PeerKeys)
}

func newKeyring() *Keyring {
	return &Keyring{
		peers: make(map[string]*PeerKeys),
	}
}
