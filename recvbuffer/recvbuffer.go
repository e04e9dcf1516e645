// recvbuffer.go - Received Buffer and fragment reassembler.
// Copyright (C) 2018  David Stainton.
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

// Package recvbuffer implements the Received Buffer: it discriminates
// inbound ciphertext between a SURB reply and an ordinary forward
// fragment, decrypts whichever it is, buckets forward Fragments by
// MessageID, and once a full, valid set has arrived, reassembles and
// delivers the message exactly once, tracking delivered MessageIDs in a
// recently-reconstructed set to reject later duplicate fragments
// (spec's open question: this set grows for the life of the process and
// is only cleared by restart, per the open-question decision recorded
// in DESIGN.md). A reassembled message that opens with surb.BundleMarker
// is a SendWithReply give-away bundle rather than application data: its
// embedded ReplySURBs are stored against the sender's tag before the
// remaining payload is delivered.
package recvbuffer

import (
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/log"
	"github.com/katzenpost/core/sphinx"

	"github.com/katzenpost/mixclient/constants"
	"github.com/katzenpost/mixclient/fragment"
	"github.com/katzenpost/mixclient/mnerr"
	"github.com/katzenpost/mixclient/surb"
)

// Sink receives a fully reassembled message, with the AnonymousSenderTag
// it should be attributed to if the message carried embedded give-away
// SURBs (nil otherwise, including for a plain SURB reply per §8
// Scenario 3, which carries no tag of its own).
type Sink interface {
	Deliver(messageID [constants.MessageIDLength]byte, message []byte, tag *surb.SenderTag)
}

// SURBStorer accepts a give-away ReplySURB embedded in a SendWithReply
// message, so a later ReplyViaSURB call for tag has something to
// dispense. surb.Dispenser implements it.
type SURBStorer interface {
	Store(tag surb.SenderTag, s *surb.ReplySURB) (atCapacity bool)
}

// Buffer is the Received Buffer.
type Buffer struct {
	sync.Mutex

	log         *logging.Logger
	fragHandler *fragment.Handler
	keyStore    *surb.KeyStore
	storer      SURBStorer
	sink        Sink
	clock       clockwork.Clock

	pending               map[[constants.MessageIDLength]byte][]*fragment.Received
	recentlyReconstructed map[[constants.MessageIDLength]byte]bool
}

// New constructs a Buffer that decrypts with fragHandler, recognizes
// SURB replies against keyStore, stores give-away SURBs into storer,
// and delivers completed messages to sink.
func New(logBackend *log.Backend, fragHandler *fragment.Handler, keyStore *surb.KeyStore, storer SURBStorer, sink Sink) *Buffer {
	return &Buffer{
		log:                   logBackend.GetLogger("recvbuffer"),
		fragHandler:           fragHandler,
		keyStore:              keyStore,
		storer:                storer,
		sink:                  sink,
		clock:                 clockwork.NewRealClock(),
		pending:               make(map[[constants.MessageIDLength]byte][]*fragment.Received),
		recentlyReconstructed: make(map[[constants.MessageIDLength]byte]bool),
	}
}

// Ingest implements the reply-vs-forward discrimination of §4.3: the
// leading SURBKeyDigestLength bytes of ciphertext are tried as a
// ReplySURB key digest before anything else is attempted. A hit means
// ciphertext is a SURB reply, decrypted directly and delivered with no
// MessageID/tag of its own; a miss means it's an ordinary forward
// fragment, handled as before by Noise-decrypting, bucketing by
// MessageID, and reassembling once complete.
func (b *Buffer) Ingest(ciphertext []byte) error {
	if len(ciphertext) >= constants.SURBKeyDigestLength {
		var digest surb.KeyDigest
		copy(digest[:], ciphertext[:constants.SURBKeyDigestLength])
		if surbKeys, ok := b.keyStore.Take(digest); ok {
			plaintext, err := sphinx.DecryptSURBPayload(ciphertext[constants.SURBKeyDigestLength:], surbKeys)
			if err != nil {
				return mnerr.Wrap("recvbuffer.Ingest", mnerr.MalformedInput, err)
			}
			b.sink.Deliver([constants.MessageIDLength]byte{}, plaintext, nil)
			return nil
		}
	}

	f, senderKey, err := b.fragHandler.Decrypt(ciphertext)
	if err != nil {
		return mnerr.Wrap("recvbuffer.Ingest", mnerr.MalformedInput, err)
	}

	b.Lock()
	defer b.Unlock()

	if b.recentlyReconstructed[f.MessageID] {
		b.log.Debugf("dropping fragment for already-reconstructed message %x", f.MessageID)
		return nil
	}

	s := [32]byte{}
	copy(s[:], senderKey.Bytes())
	received := append(b.pending[f.MessageID], &fragment.Received{S: s, Fragment: f})
	received = fragment.DeduplicateByFragmentID(received)
	b.pending[f.MessageID] = received

	if len(received) < int(f.TotalFragments) {
		return nil
	}

	message, err := fragment.Reassemble(received)
	delete(b.pending, f.MessageID)
	b.recentlyReconstructed[f.MessageID] = true
	if err != nil {
		// Malformed set: still marked reconstructed above, per the
		// ack-for-malformed-fragment open-question decision.
		return mnerr.Wrap("recvbuffer.Ingest", mnerr.MalformedInput, err)
	}

	tag, giveaways, rest, hasBundle, err := surb.DecodeBundle(message)
	if err != nil {
		return mnerr.Wrap("recvbuffer.Ingest", mnerr.MalformedInput, err)
	}
	if !hasBundle {
		b.sink.Deliver(f.MessageID, message, nil)
		return nil
	}
	now := b.clock.Now()
	for _, g := range giveaways {
		b.storer.Store(tag, &surb.ReplySURB{
			ID:      g.ID,
			Wire:    g.Wire,
			Digest:  g.Digest,
			StaleAt: now.Add(constants.GiveawaySURBStaleAfter),
			Expiry:  now.Add(constants.GiveawaySURBExpiry),
		})
	}
	b.sink.Deliver(f.MessageID, rest, &tag)
	return nil
}
