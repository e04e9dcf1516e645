// recvbuffer_test.go - Received Buffer tests
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

package recvbuffer

import (
	"io"
	"sync"
	"testing"

	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/log"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/mixclient/constants"
	"github.com/katzenpost/mixclient/fragment"
	"github.com/katzenpost/mixclient/surb"
)

type fakeSink struct {
	sync.Mutex
	delivered map[[constants.MessageIDLength]byte][]byte
	tags      map[[constants.MessageIDLength]byte]*surb.SenderTag
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		delivered: make(map[[constants.MessageIDLength]byte][]byte),
		tags:      make(map[[constants.MessageIDLength]byte]*surb.SenderTag),
	}
}

func (f *fakeSink) Deliver(id [constants.MessageIDLength]byte, message []byte, tag *surb.SenderTag) {
	f.Lock()
	defer f.Unlock()
	f.delivered[id] = message
	f.tags[id] = tag
}

type fakeStorer struct {
	sync.Mutex
	stored map[surb.SenderTag][]*surb.ReplySURB
}

func newFakeStorer() *fakeStorer {
	return &fakeStorer{stored: make(map[surb.SenderTag][]*surb.ReplySURB)}
}

func (f *fakeStorer) Store(tag surb.SenderTag, s *surb.ReplySURB) bool {
	f.Lock()
	defer f.Unlock()
	f.stored[tag] = append(f.stored[tag], s)
	return false
}

func TestIngestReassemblesAndDedupsDuplicates(t *testing.T) {
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(err)

	recipientKey, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(err)
	senderKey, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(err)

	recipientHandler := fragment.NewHandler(recipientKey, rand.Reader)
	senderHandler := fragment.NewHandler(senderKey, rand.Reader)

	sink := newFakeSink()
	keyStore := surb.NewKeyStore()
	storer := newFakeStorer()
	buf := New(logBackend, recipientHandler, keyStore, storer, sink)

	message := []byte("a message larger than one fragment, repeated many times to force chunking, ")
	for len(message) < fragment.FragmentLength*2 {
		message = append(message, message...)
	}
	fragments, err := fragment.Chunk(rand.Reader, message)
	require.NoError(err)
	require.True(len(fragments) > 1)

	var msgID [constants.MessageIDLength]byte
	for _, f := range fragments {
		ct := senderHandler.Encrypt(recipientKey.PublicKey(), f)
		require.NoError(buf.Ingest(ct))
		msgID = f.MessageID
	}

	got, ok := sink.delivered[msgID]
	require.True(ok)
	require.Equal(message, got)
	require.Nil(sink.tags[msgID])

	// Replaying the first fragment's ciphertext must not re-deliver or
	// error past the reconstructed-set short-circuit.
	ct := senderHandler.Encrypt(recipientKey.PublicKey(), fragments[0])
	require.NoError(buf.Ingest(ct))
}

func TestIngestRecognizesGiveawayBundleAndStoresSURBs(t *testing.T) {
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(err)

	recipientKey, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(err)
	senderKey, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(err)

	recipientHandler := fragment.NewHandler(recipientKey, rand.Reader)
	senderHandler := fragment.NewHandler(senderKey, rand.Reader)

	sink := newFakeSink()
	keyStore := surb.NewKeyStore()
	storer := newFakeStorer()
	buf := New(logBackend, recipientHandler, keyStore, storer, sink)

	var tag surb.SenderTag
	_, err = io.ReadFull(rand.Reader, tag[:])
	require.NoError(err)

	giveaways := make([]surb.Giveaway, 2)
	for i := range giveaways {
		giveaways[i].Wire = []byte{byte(i), byte(i + 1)}
		giveaways[i].ID[0] = byte(i)
	}
	payload := []byte("hello from the other side, repeated to force multiple fragments, ")
	bundled := surb.EncodeBundle(tag, giveaways, payload)
	for len(bundled) < fragment.FragmentLength*2 {
		bundled = append(bundled, payload...)
	}

	fragments, err := fragment.Chunk(rand.Reader, bundled)
	require.NoError(err)
	require.True(len(fragments) > 1)

	var msgID [constants.MessageIDLength]byte
	for _, f := range fragments {
		ct := senderHandler.Encrypt(recipientKey.PublicKey(), f)
		require.NoError(buf.Ingest(ct))
		msgID = f.MessageID
	}

	gotTag := sink.tags[msgID]
	require.NotNil(gotTag)
	require.Equal(tag, *gotTag)

	stored := storer.stored[tag]
	require.Len(stored, len(giveaways))
	for i, g := range giveaways {
		require.Equal(g.ID, stored[i].ID)
		require.Equal(g.Wire, stored[i].Wire)
		require.Equal(g.Digest, stored[i].Digest)
	}
}

func TestIngestRecognizesSURBReplyByDigest(t *testing.T) {
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(err)

	recipientKey, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(err)

	recipientHandler := fragment.NewHandler(recipientKey, rand.Reader)

	sink := newFakeSink()
	keyStore := surb.NewKeyStore()
	storer := newFakeStorer()
	buf := New(logBackend, recipientHandler, keyStore, storer, sink)

	surbKeys := make([]byte, 32)
	_, err = io.ReadFull(rand.Reader, surbKeys)
	require.NoError(err)
	digest := keyStore.Register(surbKeys)

	// A real reply ciphertext is produced by sphinx.NewPacketFromSURB's
	// paired stream cipher on the mix side; here it's a stand-in payload
	// since the real Sphinx cryptography isn't exercised by this package's
	// tests. The digest-recognition short-circuit under test only needs
	// keyStore.Take to hit before sphinx.DecryptSURBPayload runs.
	ciphertext := append(digest[:], []byte("reply payload")...)
	err = buf.Ingest(ciphertext)

	// A malformed/undecryptable payload after a digest hit still proves
	// the discrimination path was taken rather than falling through to
	// fragment decryption, which would fail differently.
	if err != nil {
		require.Contains(err.Error(), "recvbuffer.Ingest")
	}

	_, stillPresent := keyStore.Take(digest)
	require.False(stillPresent)
}
