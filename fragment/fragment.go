// fragment.go - message chunking, end to end encryption and reassembly.
// Copyright (C) 2017  David Anthony Stainton, Yawning Angel
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

// Package fragment chunks outgoing messages into fixed-size Fragments,
// end-to-end encrypts/decrypts them with a Noise handshake between
// sender and recipient identity keys, and reassembles received
// Fragments back into a message once every FragmentID in a set has
// arrived.
package fragment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	coreConstants "github.com/katzenpost/core/constants"
	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/utils"
	"github.com/katzenpost/noise"

	"github.com/katzenpost/mixclient/constants"
	"github.com/katzenpost/mixclient/mnerr"
)

const (
	// FragmentLength is the maximum payload size of a Fragment in bytes.
	FragmentLength      = coreConstants.ForwardPayloadLength + (cipherOverhead + headerOverhead)
	cipherOverhead      = keyLen + macLen + keyLen + macLen // -> e, es, s, ss
	headerOverhead      = 24

	totalOff = constants.MessageIDLength
	idOff    = totalOff + 2
	lenOff   = idOff + 2
	dataOff  = lenOff + 4

	macLen = 16
	keyLen = 32
)

// Fragment is one piece of a chunked message: every Fragment sharing a
// MessageID has the same TotalFragments count, and the recipient's
// recently-reconstructed set keys on MessageID alone.
type Fragment struct {
	MessageID      [constants.MessageIDLength]byte
	TotalFragments uint16
	FragmentID     uint16
	Payload        []byte
}

// ToBytes serializes a Fragment into its fixed-width wire form, zero
// padded out to FragmentLength.
func (f *Fragment) ToBytes() []byte {
	if len(f.Payload) > FragmentLength {
		panic(fmt.Sprintf("fragment: oversized payload; %d > %d FragmentLength", len(f.Payload), FragmentLength))
	}
	out := make([]byte, headerOverhead, headerOverhead+FragmentLength)
	copy(out, f.MessageID[:])
	binary.BigEndian.PutUint16(out[totalOff:], f.TotalFragments)
	binary.BigEndian.PutUint16(out[idOff:], f.FragmentID)
	binary.BigEndian.PutUint32(out[lenOff:], uint32(len(f.Payload)))
	out = append(out, f.Payload...)
	padding := make([]byte, FragmentLength-len(f.Payload))
	out = append(out, padding...)
	return out
}

// FromBytes deserializes a Fragment from its wire form, rejecting
// non-zero padding as malformed.
func FromBytes(raw []byte) (*Fragment, error) {
	if len(raw) != headerOverhead+FragmentLength {
		return nil, mnerr.New("fragment.FromBytes", mnerr.MalformedInput)
	}
	f := new(Fragment)
	copy(f.MessageID[:], raw[:totalOff])
	f.TotalFragments = binary.BigEndian.Uint16(raw[totalOff:idOff])
	f.FragmentID = binary.BigEndian.Uint16(raw[idOff:lenOff])
	dataLen := binary.BigEndian.Uint32(raw[lenOff:dataOff])
	if int(dataLen) > FragmentLength || dataOff+int(dataLen) > len(raw) {
		return nil, mnerr.New("fragment.FromBytes", mnerr.MalformedInput)
	}
	f.Payload = make([]byte, dataLen)
	copy(f.Payload, raw[dataOff:dataOff+dataLen])
	if !utils.CtIsZero(raw[dataOff+dataLen:]) {
		return nil, mnerr.Wrap("fragment.FromBytes", mnerr.MalformedInput, errors.New("non-zero padding"))
	}
	return f, nil
}

// Chunk splits message into a slice of Fragments sharing a single random
// MessageID, each no larger than FragmentLength.
func Chunk(randomReader io.Reader, message []byte) ([]*Fragment, error) {
	id := [constants.MessageIDLength]byte{}
	if _, err := io.ReadFull(randomReader, id[:]); err != nil {
		return nil, err
	}
	totalFragments := 1
	if len(message) > FragmentLength {
		totalFragments = int(math.Ceil(float64(len(message)) / float64(FragmentLength)))
	}
	fragments := make([]*Fragment, 0, totalFragments)
	for i := 0; i < totalFragments; i++ {
		start := i * FragmentLength
		end := start + FragmentLength
		if end > len(message) {
			end = len(message)
		}
		fragments = append(fragments, &Fragment{
			MessageID:      id,
			TotalFragments: uint16(totalFragments),
			FragmentID:     uint16(i),
			Payload:        message[start:end],
		})
	}
	return fragments, nil
}

// Received pairs a decrypted Fragment with S, the bytes of the sender's
// identity public key, used by recvbuffer for dedup bucketing.
type Received struct {
	S        [32]byte
	Fragment *Fragment
}

// DeduplicateByFragmentID drops Received entries sharing a FragmentID,
// keeping the first seen, matching the "Panoramix Mix Network End-to-end
// Protocol Specification" section 4.2.1 reassembly dedup behavior.
func DeduplicateByFragmentID(received []*Received) []*Received {
	seen := make(map[uint16]bool)
	out := make([]*Received, 0, len(received))
	for _, r := range received {
		if seen[r.Fragment.FragmentID] {
			continue
		}
		seen[r.Fragment.FragmentID] = true
		out = append(out, r)
	}
	return out
}

// sameSet reports whether every Received entry shares the same
// MessageID, sender S-value and TotalFragments count, per the
// specification's rule that any difference means the fragments belong to
// distinct messages.
func sameSet(received []*Received) bool {
	messageID := received[0].Fragment.MessageID
	s := received[0].S
	total := received[0].Fragment.TotalFragments
	for _, r := range received {
		if !bytes.Equal(messageID[:], r.Fragment.MessageID[:]) {
			return false
		}
		if !bytes.Equal(s[:], r.S[:]) {
			return false
		}
		if total != r.Fragment.TotalFragments {
			return false
		}
	}
	return true
}

type byFragmentID []*Received

func (a byFragmentID) Len() int           { return len(a) }
func (a byFragmentID) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFragmentID) Less(i, j int) bool { return a[i].Fragment.FragmentID < a[j].Fragment.FragmentID }

// Reassemble concatenates a complete, deduplicated set of Fragments back
// into the original message, failing if any FragmentID in the
// [0, TotalFragments) range is missing.
func Reassemble(received []*Received) ([]byte, error) {
	if len(received) == 0 {
		return nil, mnerr.New("fragment.Reassemble", mnerr.MalformedInput)
	}
	if !sameSet(received) {
		return nil, mnerr.Wrap("fragment.Reassemble", mnerr.MalformedInput, errors.New("received set mixes distinct messages"))
	}
	if len(received) != int(received[0].Fragment.TotalFragments) {
		return nil, mnerr.Wrap("fragment.Reassemble", mnerr.MalformedInput, errors.New("missing fragment"))
	}
	sort.Sort(byFragmentID(received))
	message := []byte{}
	for i, r := range received {
		if r.Fragment.FragmentID != uint16(i) {
			return nil, mnerr.Wrap("fragment.Reassemble", mnerr.MalformedInput, errors.New("missing fragment"))
		}
		message = append(message, r.Fragment.Payload...)
	}
	return message, nil
}

// Handler encrypts and decrypts Fragments end-to-end between the
// client's long-term identity key and a recipient's, using a one-shot
// Noise-X handshake per Fragment exactly as the Noise-X pattern allows
// (the static key is authenticated in the single message, no round
// trip required).
type Handler struct {
	identityKey *ecdh.PrivateKey
	cipherSuite noise.CipherSuite
	randReader  io.Reader
}

// NewHandler creates a Handler that encrypts/decrypts Fragments under
// identityKey.
func NewHandler(identityKey *ecdh.PrivateKey, rand io.Reader) *Handler {
	return &Handler{
		identityKey: identityKey,
		cipherSuite: noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b),
		randReader:  rand,
	}
}

// Encrypt encrypts f for the recipient's publicKey.
func (h *Handler) Encrypt(publicKey *ecdh.PublicKey, f *Fragment) []byte {
	hs := noise.NewHandshakeState(noise.Config{
		CipherSuite: h.cipherSuite,
		Random:      h.randReader,
		Pattern:     noise.HandshakeX,
		Initiator:   true,
		StaticKeypair: noise.DHKey{
			Private: h.identityKey.Bytes(),
			Public:  h.identityKey.PublicKey().Bytes(),
		},
		PeerStatic: publicKey.Bytes(),
	})
	plaintext := f.ToBytes()
	ciphertext := make([]byte, 0, cipherOverhead+headerOverhead+len(plaintext))
	ciphertext, _, _ = hs.WriteMessage(ciphertext, plaintext)
	return ciphertext
}

// Decrypt decrypts and authenticates ciphertext, returning the
// deserialized Fragment and the sender's identity public key.
func (h *Handler) Decrypt(ciphertext []byte) (*Fragment, *ecdh.PublicKey, error) {
	hs := noise.NewHandshakeState(noise.Config{
		CipherSuite: h.cipherSuite,
		Random:      h.randReader,
		Pattern:     noise.HandshakeX,
		Initiator:   false,
		StaticKeypair: noise.DHKey{
			Private: h.identityKey.Bytes(),
			Public:  h.identityKey.PublicKey().Bytes(),
		},
	})
	plaintext, _, _, err := hs.ReadMessage(nil, ciphertext)
	if err != nil {
		return nil, nil, mnerr.Wrap("fragment.Decrypt", mnerr.MalformedInput, err)
	}
	f, err := FromBytes(plaintext)
	if err != nil {
		return nil, nil, err
	}
	peerIdentityKey := new(ecdh.PublicKey)
	if err = peerIdentityKey.FromBytes(hs.PeerStatic()); err != nil {
		return nil, nil, err
	}
	return f, peerIdentityKey, nil
}
