// sphinxsender.go - Sphinx Assembler: wraps fragment ciphertexts into
// onion-encrypted packets carrying a pre-packaged ack SURB.
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
	"encoding/binary"
	"time"

	coreconstants "github.com/katzenpost/core/constants"
	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/log"
	"github.com/katzenpost/core/sphinx"
	sConstants "github.com/katzenpost/core/sphinx/constants"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/ackctrl"
	"github.com/katzenpost/mixclient/mnerr"
	"github.com/katzenpost/mixclient/path_selection"
	"github.com/katzenpost/mixclient/surb"
	"github.com/katzenpost/mixclient/topology"
	"github.com/katzenpost/mixclient/wireproto"
)

const (
	flagsPadding = 0
	flagsSURB    = 1
	reserved     = 0
	hdrLength    = coreconstants.SphinxPlaintextHeaderLength + sphinx.SURBLength
)

// fragmentSender is the narrow handle the Transport exposes for
// dispatching an already onion-wrapped packet; gateway.Transport
// implements it directly.
type fragmentSender interface {
	SendFragment(recipient, gatewayName string, surbID [sConstants.SURBIDLength]byte, sphinxPacket []byte) ([]byte, time.Duration, error)
}

// sphinxSender implements inputmanager.PacketSender: it builds a
// forward route plus a reply route for the ack SURB, embeds the SURB
// in the Sphinx plaintext block per the BlockSphinxPlaintext framing,
// and hands the wrapped packet to the Gateway Client Transport, the
// same way composeSphinxPacket assembles a stored EgressBlock,
// generalized to this module's Fragment ciphertext and AckKey-sealed
// bearer token instead of a stored block.
type sphinxSender struct {
	log         *logging.Logger
	topo        *topology.Accessor
	routes      *path_selection.RouteFactory
	transport   fragmentSender
	gatewayName string
	ackKey      *ackctrl.AckKey
	keyStore    *surb.KeyStore
}

func newSphinxSender(logBackend *log.Backend, topo *topology.Accessor, routes *path_selection.RouteFactory, transport fragmentSender, gatewayName string, ackKey *ackctrl.AckKey, keyStore *surb.KeyStore) *sphinxSender {
	return &sphinxSender{
		log:         logBackend.GetLogger("client.sphinxSender"),
		topo:        topo,
		routes:      routes,
		transport:   transport,
		gatewayName: gatewayName,
		ackKey:      ackKey,
		keyStore:    keyStore,
	}
}

// recipientIDFromAddress derives the mix-side recipient inbox id a
// Sphinx path's terminal hop addresses, from the wire identity bytes
// in recipient. Mailbox registration is delegated to the directory
// (out of scope per the purpose and scope notes), so this module
// treats the inbox id as directly derived from the address rather
// than separately registered.
func recipientIDFromAddress(recipient string) (*[sConstants.RecipientIDLength]byte, string, error) {
	identity, gatewayName, err := wireproto.ParseRecipient(recipient)
	if err != nil {
		return nil, "", err
	}
	id := [sConstants.RecipientIDLength]byte{}
	copy(id[:], identity[:])
	return &id, gatewayName, nil
}

// SendFragment implements inputmanager.PacketSender.
func (s *sphinxSender) SendFragment(recipient, gatewayName string, surbID [sConstants.SURBIDLength]byte, ciphertext []byte) ([]byte, time.Duration, error) {
	snap := s.topo.Get()
	if snap == nil {
		return nil, 0, mnerr.New("client.SendFragment", mnerr.TopologyUnroutable)
	}

	recipientID, recipientGateway, err := recipientIDFromAddress(recipient)
	if err != nil {
		return nil, 0, err
	}

	forwardPath, replyPath, mintedSURBID, err := s.routes.BuildWithSURBID(snap.Doc, s.gatewayName, recipientGateway, recipientID, &surbID)
	if err != nil {
		return nil, 0, err
	}

	sphinxSURB, surbKeys, err := sphinx.NewSURB(rand.Reader, replyPath)
	if err != nil {
		return nil, 0, err
	}

	plaintext := [coreconstants.ForwardPayloadLength]byte{}
	plaintext[0] = flagsSURB
	plaintext[1] = reserved
	binary.BigEndian.PutUint16(plaintext[coreconstants.SphinxPlaintextHeaderLength:], uint16(len(sphinxSURB)))
	copy(plaintext[coreconstants.SphinxPlaintextHeaderLength:], sphinxSURB)
	copy(plaintext[hdrLength:], ciphertext)

	sphinxPacket, err := sphinx.NewPacket(rand.Reader, forwardPath, plaintext[:])
	if err != nil {
		return nil, 0, err
	}

	eta := estimatedRoundTrip(len(forwardPath))
	if _, _, err := s.transport.SendFragment(recipient, gatewayName, *mintedSURBID, sphinxPacket); err != nil {
		return nil, 0, err
	}
	return surbKeys, eta, nil
}

// sendOverSURB addresses payload through an already-received ReplySURB
// instead of building a fresh forward route, for reply_via_surb and
// for SURB-replenishment requests. The digest replySURB was handed out
// under is prefixed onto payload so the minter's Received Buffer can
// recognize and decrypt the reply via its SURB key store.
func (s *sphinxSender) sendOverSURB(replySURB *surb.ReplySURB, payload []byte) error {
	framed := make([]byte, 0, len(replySURB.Digest)+len(payload))
	framed = append(framed, replySURB.Digest[:]...)
	framed = append(framed, payload...)
	sphinxPacket, _, err := sphinx.NewPacketFromSURB(replySURB.Wire, framed)
	if err != nil {
		return err
	}
	_, _, err = s.transport.SendFragment("", s.gatewayName, replySURB.ID, sphinxPacket)
	return err
}

// mintGiveawaySURBs builds n fresh ReplySURBs addressed back to this
// sender through recipient's gateway, registers each one's decryption
// keys in the SURB key store under its digest, and returns the
// wire-encodable Giveaway records for embedding in a SendWithReply
// message, the way SendFragment mints the single per-fragment ack SURB
// but repeated to hand the recipient a standing pool instead of one
// reply route good for a single ack.
func (s *sphinxSender) mintGiveawaySURBs(recipient string, n int) ([]surb.Giveaway, error) {
	snap := s.topo.Get()
	if snap == nil {
		return nil, mnerr.New("client.mintGiveawaySURBs", mnerr.TopologyUnroutable)
	}
	recipientID, recipientGateway, err := recipientIDFromAddress(recipient)
	if err != nil {
		return nil, err
	}
	giveaways := make([]surb.Giveaway, 0, n)
	for i := 0; i < n; i++ {
		_, replyPath, mintedSURBID, err := s.routes.Build(snap.Doc, s.gatewayName, recipientGateway, recipientID)
		if err != nil {
			return nil, err
		}
		sphinxSURB, surbKeys, err := sphinx.NewSURB(rand.Reader, replyPath)
		if err != nil {
			return nil, err
		}
		digest := s.keyStore.Register(surbKeys)
		giveaways = append(giveaways, surb.Giveaway{ID: *mintedSURBID, Wire: sphinxSURB, Digest: digest})
	}
	return giveaways, nil
}

// estimatedRoundTrip approximates the retransmission timer's
// expected_delay input from hop count alone; the exact per-hop delays
// sampled inside path_selection aren't threaded back out to the
// caller, so the ARQ's timeout is sized off a fixed 100ms per-hop
// constant (2*nrHops*100ms); neither the configured delay nor the
// realized sample is used (see DESIGN.md).
func estimatedRoundTrip(nrHops int) time.Duration {
	const perHopMean = 100 * time.Millisecond
	return time.Duration(2*nrHops) * perHopMean
}
