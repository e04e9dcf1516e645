// ackcodec.go - ack bearer token sealing/opening.
// Copyright (C) 2018  masala, David Stainton.
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

package ackctrl

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"

	sConstants "github.com/katzenpost/core/sphinx/constants"
)

const nonceSize = 24

// AckKey is the client's symmetric ack_key: every outbound fragment's
// ack SURB carries its fragment_id sealed under this key, and only the
// client holding it can recover which fragment an incoming ack names.
type AckKey [32]byte

// SealFragmentID builds the bearer token carried by an outbound
// fragment's ack SURB, the same NaCl SecretBox construction
// crypto/vault uses for on-disk key material, applied here to the
// ack payload instead.
func SealFragmentID(key *AckKey, surbID [sConstants.SURBIDLength]byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	sealed := secretbox.Seal(nonce[:], surbID[:], &nonce, (*[32]byte)(key))
	return sealed, nil
}

// OpenFragmentID recovers the surbID sealed by SealFragmentID. An
// unauthenticated or truncated ciphertext is reported as an error so
// the caller logs and drops it rather than crediting a forged ack.
func OpenFragmentID(key *AckKey, ciphertext []byte) (surbID [sConstants.SURBIDLength]byte, err error) {
	if len(ciphertext) < nonceSize {
		return surbID, errors.New("ackctrl: ack ciphertext shorter than nonce")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, (*[32]byte)(key))
	if !ok {
		return surbID, errors.New("ackctrl: ack failed authentication")
	}
	if len(plaintext) != sConstants.SURBIDLength {
		return surbID, errors.New("ackctrl: unexpected ack plaintext length")
	}
	copy(surbID[:], plaintext)
	return surbID, nil
}
