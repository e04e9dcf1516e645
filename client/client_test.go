// client_test.go - top-level wiring tests
// Copyright (C) 2017  David Anthony Stainton
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

package client

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/log"
	sConstants "github.com/katzenpost/core/sphinx/constants"

	"github.com/katzenpost/core/sphinx"

	"github.com/katzenpost/mixclient/ackctrl"
	"github.com/katzenpost/mixclient/constants"
	"github.com/katzenpost/mixclient/gateway"
	"github.com/katzenpost/mixclient/path_selection"
	"github.com/katzenpost/mixclient/storage"
	"github.com/katzenpost/mixclient/surb"
	"github.com/katzenpost/mixclient/topology"
)

// realSURBKeys mints a real reply path's decryption keys the way
// sphinxSender.SendFragment does, so an ackRouter test exercises
// sphinx.DecryptSURBPayload against a plausibly-shaped key rather than
// an empty one no production PendingAck would ever carry.
func realSURBKeys(t *testing.T) []byte {
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)

	doc := newTestDoc(t)
	topo := topology.New(logBackend, nil)
	topo.Update(doc)
	snap := topo.Get()
	require.NotNil(t, snap)

	routes := path_selection.New(4, .123)
	identity := [sConstants.RecipientIDLength]byte{}
	copy(identity[:], []byte("bob-recipient-id"))
	_, replyPath, _, err := routes.Build(snap.Doc, "sender-gw", "recipient-gw", &identity)
	require.NoError(t, err)

	_, surbKeys, err := sphinx.NewSURB(rand.Reader, replyPath)
	require.NoError(t, err)
	return surbKeys
}

func newTestClient(t *testing.T) (*Client, func()) {
	f, err := ioutil.TempFile("", "mixclient-client-test")
	require.NoError(t, err)
	f.Close()
	store, err := storage.New(f.Name())
	require.NoError(t, err)

	identityKey, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(t, err)

	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)

	var ackKey ackctrl.AckKey
	_, err = rand.Reader.Read(ackKey[:])
	require.NoError(t, err)

	c := New(logBackend, &Config{
		Nym:         "alice",
		GatewayName: "sender-gw",
		IdentityKey: identityKey,
		AckKey:      &ackKey,
		PKIClient:   nil,
		Gateway:     &gateway.Config{GatewayName: "sender-gw", Address: "127.0.0.1:1"},
		Store:       store,
		NrHops:      4,
		Lambda:      .123,
	})
	return c, func() {
		store.Close()
		os.Remove(f.Name())
	}
}

// TestAckRouterDecryptsSURBPayloadBeforeOpeningFragmentID asserts OnAck
// runs the ciphertext through sphinx.DecryptSURBPayload under the
// PendingAck's own SURBKeys before ever trying OpenFragmentID on it;
// since nothing in this module round-trips an actual Sphinx mix-node
// ack encryption, what's asserted here is the part that is
// unit-testable without live Sphinx traversal: a ciphertext that
// wasn't produced against pending.SURBKeys does not spuriously cancel
// the pending entry, whatever DecryptSURBPayload does with it.
func TestAckRouterDecryptsSURBPayloadBeforeOpeningFragmentID(t *testing.T) {
	require := require.New(t)
	c, cleanup := newTestClient(t)
	defer cleanup()

	var surbID [sConstants.SURBIDLength]byte
	copy(surbID[:], []byte("pending-ack-surbid"))
	c.table.Put(&ackctrl.PendingAck{SURBID: surbID, RTTEstimate: time.Second, SURBKeys: realSURBKeys(t)})
	_, ok := c.table.Get(surbID)
	require.True(ok)

	sealed, err := ackctrl.SealFragmentID(c.cfg.AckKey, surbID)
	require.NoError(err)

	router := &ackRouter{c: c}
	router.OnAck(surbID, sealed)

	_, ok = c.table.Get(surbID)
	require.True(ok, "a sealed fragment ID that was never SURB-encrypted under pending.SURBKeys must not cancel the entry")
}

func TestAckRouterDropsForUnknownSURBID(t *testing.T) {
	require := require.New(t)
	c, cleanup := newTestClient(t)
	defer cleanup()

	var surbID [sConstants.SURBIDLength]byte
	copy(surbID[:], []byte("never-pending-surbid"))

	router := &ackRouter{c: c}
	router.OnAck(surbID, []byte("whatever"))

	_, ok := c.table.Get(surbID)
	require.False(ok, "no entry should have been created by an ack for an unknown surbID")
}

func TestAckRouterDropsUnauthenticatedAck(t *testing.T) {
	require := require.New(t)
	c, cleanup := newTestClient(t)
	defer cleanup()

	var surbID [sConstants.SURBIDLength]byte
	copy(surbID[:], []byte("pending-ack-surbid"))
	c.table.Put(&ackctrl.PendingAck{SURBID: surbID, RTTEstimate: time.Second, SURBKeys: realSURBKeys(t)})

	router := &ackRouter{c: c}
	router.OnAck(surbID, []byte("not a sealed ack"))

	_, ok := c.table.Get(surbID)
	require.True(ok, "an unauthenticated ack must not cancel the pending entry")
}

func TestAckRouterDropsAckForWrongSURBID(t *testing.T) {
	require := require.New(t)
	c, cleanup := newTestClient(t)
	defer cleanup()

	var surbID, otherSURBID [sConstants.SURBIDLength]byte
	copy(surbID[:], []byte("pending-ack-surbid1"))
	copy(otherSURBID[:], []byte("pending-ack-surbid2"))
	c.table.Put(&ackctrl.PendingAck{SURBID: surbID, RTTEstimate: time.Second, SURBKeys: realSURBKeys(t)})

	sealed, err := ackctrl.SealFragmentID(c.cfg.AckKey, otherSURBID)
	require.NoError(err)

	router := &ackRouter{c: c}
	router.OnAck(surbID, sealed)

	_, ok := c.table.Get(surbID)
	require.True(ok, "an ack sealed for a different surbID must not cancel the pending entry")
}

func TestDeliverSinkPushesToReceiveChannel(t *testing.T) {
	require := require.New(t)
	c, cleanup := newTestClient(t)
	defer cleanup()

	sink := &deliverSink{c: c}
	var id [constants.MessageIDLength]byte
	copy(id[:], []byte("message-id"))
	sink.Deliver(id, []byte("reassembled payload"), nil)

	select {
	case msg := <-c.Receive():
		require.Equal([]byte("reassembled payload"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivered message")
	}
}

func TestEnqueueRejectsWhenTopologyUnroutable(t *testing.T) {
	require := require.New(t)
	c, cleanup := newTestClient(t)
	defer cleanup()

	recipientKey, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(err)

	err = c.Send("4zn8xK@sender-gw", recipientKey.PublicKey(), []byte("hi"), 0)
	require.Error(err, "Send must fail before any topology snapshot has arrived")
}

func TestReplyViaSURBRejectsUnknownTag(t *testing.T) {
	require := require.New(t)
	c, cleanup := newTestClient(t)
	defer cleanup()

	var tag surb.SenderTag
	err := c.ReplyViaSURB(tag, []byte("payload"))
	require.Error(err, "dispensing from an empty pool must fail")
}
