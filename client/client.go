// client.go - top-level client daemon: wires every component together.
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

// Package client assembles the Input Manager, Sphinx Assembler, Ack
// Controller, Received Buffer, SURB Storage and Gateway Client
// Transport into one per-identity daemon, the way session.New wires up
// a single running session's components, generalized from a pool of
// per-Identity sessions to one Client owning all of them directly,
// since this module's Transport already multiplexes every Identity
// over a single gateway connection.
package client

import (
	"context"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/epochtime"
	"github.com/katzenpost/core/log"
	"github.com/katzenpost/core/pki"
	"github.com/katzenpost/core/sphinx"
	sConstants "github.com/katzenpost/core/sphinx/constants"
	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/ackctrl"
	"github.com/katzenpost/mixclient/constants"
	"github.com/katzenpost/mixclient/fragment"
	"github.com/katzenpost/mixclient/gateway"
	"github.com/katzenpost/mixclient/inputmanager"
	"github.com/katzenpost/mixclient/path_selection"
	"github.com/katzenpost/mixclient/recvbuffer"
	"github.com/katzenpost/mixclient/storage"
	"github.com/katzenpost/mixclient/surb"
	"github.com/katzenpost/mixclient/topology"
)

// topologyRefreshRate is how often the client polls the directory for a
// fresh PKI document, per the Topology Accessor's writer task.
const topologyRefreshRate = 3 * time.Minute

// Config bundles everything one Client needs: its own identity,
// anchor gateway, keys and wiring dependencies supplied by the caller
// (the caller owns the pki.Client and storage.Store lifetimes).
type Config struct {
	Nym            string
	GatewayName    string
	IdentityKey    *ecdh.PrivateKey
	AckKey         *ackctrl.AckKey
	PKIClient      pki.Client
	Gateway        *gateway.Config
	Store          *storage.Store
	NrHops         int
	Lambda         float64
	CoverTraffic   bool
	LoopCoverDelay time.Duration
	MessageDelay   time.Duration
}

// Client is a single identity's running instance of every cooperating
// component named in the system overview, minus the mix-node and
// signer side components (cmd/mixforward and the blindsign/dkg
// authority daemon own those separately).
type Client struct {
	worker.Worker

	log *logging.Logger
	cfg *Config

	topo        *topology.Accessor
	routes      *path_selection.RouteFactory
	fragHandler *fragment.Handler
	table       *ackctrl.Table
	arq         *ackctrl.ARQ
	transport   *gateway.Transport
	sender      *sphinxSender
	manager     *inputmanager.Manager
	surbs       *surb.Dispenser
	keyStore    *surb.KeyStore
	recvBuf     *recvbuffer.Buffer

	deliverCh chan ReconstructedMessage
}

// ReconstructedMessage is one fully reassembled inbound message, with
// its AnonymousSenderTag if it arrived with reply SURBs attached.
type ReconstructedMessage struct {
	Payload   []byte
	SenderTag *surb.SenderTag
}

// resendProxy breaks the construction cycle between ackctrl.ARQ (which
// needs a Resender up front) and inputmanager.Manager (which needs the
// ARQ up front): the ARQ is built first against this proxy, and
// manager is assigned into it once constructed.
type resendProxy struct {
	manager *inputmanager.Manager
}

func (r *resendProxy) Resend(p *ackctrl.PendingAck) {
	if r.manager != nil {
		r.manager.Resend(p)
	}
}

// New wires every component together over cfg, but does not yet dial
// the gateway or start any background worker; call Start for that.
func New(logBackend *log.Backend, cfg *Config) *Client {
	c := &Client{
		log:       logBackend.GetLogger("client"),
		cfg:       cfg,
		deliverCh: make(chan ReconstructedMessage, 256),
	}

	c.topo = topology.New(logBackend, cfg.PKIClient)
	c.routes = path_selection.New(cfg.NrHops, cfg.Lambda)
	c.fragHandler = fragment.NewHandler(cfg.IdentityKey, rand.Reader)
	c.table = ackctrl.NewPersistentTable(cfg.Store)

	c.keyStore = surb.NewKeyStore()
	c.surbs = surb.New(logBackend, &replenisher{c: c}, clockwork.NewRealClock())

	c.recvBuf = recvbuffer.New(logBackend, c.fragHandler, c.keyStore, c.surbs, &deliverSink{c: c})
	c.transport = gateway.New(logBackend, cfg.Gateway, c.recvBuf, &ackRouter{c: c}, clockwork.NewRealClock())
	c.sender = newSphinxSender(logBackend, c.topo, c.routes, c.transport, cfg.GatewayName, cfg.AckKey, c.keyStore)

	proxy := &resendProxy{}
	c.arq = ackctrl.New(logBackend, c.table, proxy, clockwork.NewRealClock())
	c.manager = inputmanager.New(logBackend, c.fragHandler, c.sender, c.arq, c.table, clockwork.NewRealClock(), cfg.CoverTraffic, cfg.LoopCoverDelay, cfg.MessageDelay)
	proxy.manager = c.manager

	if pending, err := ackctrl.LoadPending(cfg.Store); err != nil {
		c.log.Warningf("failed to reload pending acks from storage: %v", err)
	} else {
		for _, p := range pending {
			c.arq.Enqueue(p)
		}
	}

	return c
}

// Start begins the topology refresh loop and the gateway transport.
func (c *Client) Start() {
	c.transport.Start()
	c.Go(c.topologyWorker)
}

// Close halts every background worker and the gateway transport.
func (c *Client) Close() {
	c.Halt()
	c.transport.Close()
}

func (c *Client) topologyWorker() {
	c.refreshTopology()
	ticker := time.NewTicker(topologyRefreshRate)
	defer ticker.Stop()
	for {
		select {
		case <-c.HaltCh():
			return
		case <-ticker.C:
			c.refreshTopology()
		}
	}
}

func (c *Client) refreshTopology() {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DatabaseConnectTimeout)
	defer cancel()
	epoch, _, _ := epochtime.Now()
	doc, err := c.cfg.PKIClient.Get(ctx, epoch)
	if err != nil {
		c.log.Warningf("topology refresh failed: %v", err)
		return
	}
	c.topo.Update(doc)
}

// Send implements send(recipient, payload, lane): fire-and-forget,
// at-most-once delivery.
func (c *Client) Send(recipient string, recipientKey *ecdh.PublicKey, payload []byte, lane inputmanager.Lane) error {
	return c.enqueue(recipient, recipientKey, payload, lane, false)
}

// SendWithReply implements send_with_reply: the fragment's ack SURB
// lets this Client recover its own delivery acknowledgement, and a
// fresh pool of give-away ReplySURBs is minted and embedded ahead of
// payload under a new AnonymousSenderTag, so the recipient can later
// address a follow-up back through the Sphinx Assembler-minted routes
// without learning this Client's Recipient (§4.4's SURB Storage
// ingestion, fed by whatever the recipient's Received Buffer unwraps
// the bundle into).
func (c *Client) SendWithReply(recipient string, recipientKey *ecdh.PublicKey, payload []byte) error {
	var tag surb.SenderTag
	if _, err := io.ReadFull(rand.Reader, tag[:]); err != nil {
		return err
	}
	giveaways, err := c.sender.mintGiveawaySURBs(recipient, constants.GiveawaySURBsPerMessage)
	if err != nil {
		return err
	}
	bundled := surb.EncodeBundle(tag, giveaways, payload)
	return c.enqueue(recipient, recipientKey, bundled, inputmanager.LaneGeneral, true)
}

func (c *Client) enqueue(recipient string, recipientKey *ecdh.PublicKey, payload []byte, lane inputmanager.Lane, wantAck bool) error {
	if err := c.topo.CanConstructPathThrough(c.cfg.GatewayName); err != nil {
		return err
	}
	id := [constants.MessageIDLength]byte{}
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return err
	}
	return c.manager.Enqueue(&inputmanager.OutgoingMessage{
		ID:              id,
		Recipient:       recipient,
		GatewayName:     c.cfg.GatewayName,
		RecipientKey:    recipientKey,
		Payload:         payload,
		Lane:            lane,
		WantDeliveryAck: wantAck,
	})
}

// ReplyViaSURB implements reply_via_surb(sender_tag, payload): pop a
// stored ReplySURB for tag and send payload over it instead of
// building a fresh forward route.
func (c *Client) ReplyViaSURB(tag surb.SenderTag, payload []byte) error {
	s, err := c.surbs.Dispense(tag)
	if err != nil {
		return err
	}
	return c.sender.sendOverSURB(s, payload)
}

// Receive returns the channel reconstructed inbound messages are
// delivered on, matching the Received Buffer's single-live-consumer
// handoff: there is exactly one Client per identity, so exactly one
// reader is ever expected.
func (c *Client) Receive() <-chan ReconstructedMessage {
	return c.deliverCh
}

// deliverSink adapts Client to recvbuffer.Sink.
type deliverSink struct {
	c *Client
}

func (d *deliverSink) Deliver(messageID [constants.MessageIDLength]byte, message []byte, tag *surb.SenderTag) {
	select {
	case d.c.deliverCh <- ReconstructedMessage{Payload: message, SenderTag: tag}:
	case <-d.c.HaltCh():
	}
}

// ackRouter adapts Client to gateway.AckReceiver: it decrypts the
// SURB-onion ciphertext under the keys minted for the matching
// PendingAck, recovers the surbID sealed in the resulting ack bearer
// token, and cancels the matching PendingAck, per the Ack Controller's
// ack-ingress protocol.
type ackRouter struct {
	c *Client
}

func (a *ackRouter) OnAck(surbID [sConstants.SURBIDLength]byte, ciphertext []byte) {
	pending, ok := a.c.table.Get(surbID)
	if !ok {
		a.c.log.Warningf("dropping ack for unknown surbID")
		return
	}
	plaintext, err := sphinx.DecryptSURBPayload(ciphertext, pending.SURBKeys)
	if err != nil {
		a.c.log.Warningf("dropping ack: SURB payload decrypt failed: %v", err)
		return
	}
	recovered, err := ackctrl.OpenFragmentID(a.c.cfg.AckKey, plaintext)
	if err != nil {
		a.c.log.Warningf("dropping unauthenticated ack: %v", err)
		return
	}
	if recovered != surbID {
		a.c.log.Warningf("ack surbID mismatch, dropping")
		return
	}
	a.c.arq.Cancel(surbID)
}

// replenisher adapts Client to surb.Replenisher: a replenishment
// request is itself sent over an existing SURB for tag, per the SURB
// Storage replenishment policy.
type replenisher struct {
	c *Client
}

func (r *replenisher) RequestReplenishment(tag surb.SenderTag) error {
	return r.c.ReplyViaSURB(tag, []byte("surb-request"))
}
