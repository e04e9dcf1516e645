// keystore.go - SURB key-digest lookup for reply-vs-forward discrimination.
// Copyright (C) 2018  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package surb

import (
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/katzenpost/mixclient/constants"
)

// KeyDigest is the blake2b-256 digest of a ReplySURB's decryption keys.
// A minter embeds it ahead of the ciphertext it sends over that SURB,
// so recvbuffer can recognize and decrypt an inbound reply without
// first attempting, and failing, a forward-fragment decrypt.
type KeyDigest [constants.SURBKeyDigestLength]byte

// DigestKeys computes the KeyDigest a minter embeds next to a SURB it
// hands to a peer. The receiver recomputes the same digest over each
// registered surbKeys to recognize a match.
func DigestKeys(surbKeys []byte) KeyDigest {
	return blake2b.Sum256(surbKeys)
}

// KeyStore records the surbKeys minted for every ReplySURB given away to
// a peer, indexed by KeyDigest, so the receive path can tell a SURB
// reply apart from an ordinary forward fragment. Entries are single
// use: Take removes what it returns, since a SURB decrypts correctly
// only once.
type KeyStore struct {
	mu      sync.Mutex
	entries map[KeyDigest][]byte
}

// NewKeyStore constructs an empty KeyStore.
func NewKeyStore() *KeyStore {
	return &KeyStore{entries: make(map[KeyDigest][]byte)}
}

// Register records surbKeys under its digest and returns the digest,
// for the minter to embed alongside whatever it sends over that SURB.
func (k *KeyStore) Register(surbKeys []byte) KeyDigest {
	digest := DigestKeys(surbKeys)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries[digest] = surbKeys
	return digest
}

// Take looks up and removes the surbKeys registered under digest, if
// any are still outstanding.
func (k *KeyStore) Take(digest KeyDigest) ([]byte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	keys, ok := k.entries[digest]
	if ok {
		delete(k.entries, digest)
	}
	return keys, ok
}
