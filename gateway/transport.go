// transport.go - Gateway Client Transport: the single authenticated
// bidirectional wire.Session to a client's anchor gateway.
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

// Package gateway is the Gateway Client Transport: it authenticates and
// maintains the single long-lived session to a client's anchor gateway,
// batches outbound Sphinx packets, and fans inbound messages and SURB
// acks out to subscribers. Built directly on
// github.com/katzenpost/core/wire.SessionInterface the way
// session_pool.New and proxy/{send,fetch}.go drive it, generalized from
// one wire.Session per configured Identity to one long-lived Transport
// per gateway with its own reconnect-with-backoff worker instead of a
// dial-once session pool.
package gateway

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/log"
	sConstants "github.com/katzenpost/core/sphinx/constants"
	"github.com/katzenpost/core/wire"
	"github.com/katzenpost/core/wire/commands"
	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/mnerr"
)

// Dialer opens the underlying network connection to a gateway,
// abstracted so tests can substitute a net.Pipe or bufconn without the
// Transport caring about "tcp"/"tor+tcp"/etc.
type Dialer func(network, address string) (net.Conn, error)

// Credential is an ecash bandwidth token offered to the gateway; its
// wire encoding is produced by the blindsign package once a client has
// aggregated threshold partial signatures into a spendable token.
type Credential struct {
	Ticket []byte
}

// MixnetReceiver is handed every inbound retrieved-message payload, one
// call per frame, matching recvbuffer.Buffer.Ingest's signature so the
// client wires Transport directly to a Buffer.
type MixnetReceiver interface {
	Ingest(ciphertext []byte) error
}

// AckReceiver is handed every inbound SURB-ACK payload (the surbID it
// was addressed to plus the payload as received, still SURB-encrypted;
// the receiver decrypts it).
type AckReceiver interface {
	OnAck(surbID [sConstants.SURBIDLength]byte, ciphertext []byte)
}

// Config bundles the static parameters Transport needs to authenticate
// and reconnect to one gateway.
type Config struct {
	GatewayName    string
	Address        string // "host:port", dialed over "tcp"
	LinkKey        *ecdh.PrivateKey
	Authenticator  wire.PeerAuthenticator
	Dial           Dialer
	ResponseTimeout time.Duration
	MaxBackoff      time.Duration

	// newSession constructs and initializes a wire.SessionInterface over
	// conn; overridable in tests so dialOnce doesn't have to perform a
	// real Noise-authenticated handshake.
	newSession func(conn net.Conn) (wire.SessionInterface, error)
}

// Transport is the Gateway Client Transport.
type Transport struct {
	worker.Worker

	log    *logging.Logger
	cfg    *Config
	clock  clockwork.Clock

	mixnetSink MixnetReceiver
	ackSink    AckReceiver

	mu      sync.Mutex
	session wire.SessionInterface
	conn    net.Conn
	ready   bool

	sendCh   chan sendRequest
	sequence uint32
}

type sendRequest struct {
	cmd    commands.Command
	result chan error
}

// New constructs a Transport for the gateway named by cfg.GatewayName.
// The connection is not dialed until Start is called.
func New(logBackend *log.Backend, cfg *Config, mixnetSink MixnetReceiver, ackSink AckReceiver, clock clockwork.Clock) *Transport {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Dial == nil {
		cfg.Dial = net.Dial
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = 30 * time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.newSession == nil {
		cfg.newSession = func(conn net.Conn) (wire.SessionInterface, error) {
			sessionCfg := wire.SessionConfig{
				Authenticator:     cfg.Authenticator,
				AdditionalData:    []byte(cfg.GatewayName),
				AuthenticationKey: cfg.LinkKey,
				RandomReader:      rand.Reader,
			}
			session, err := wire.NewSession(&sessionCfg, true)
			if err != nil {
				return nil, err
			}
			if err := session.Initialize(conn); err != nil {
				return nil, err
			}
			return session, nil
		}
	}
	t := &Transport{
		log:        logBackend.GetLogger(fmt.Sprintf("gateway.Transport-%s", cfg.GatewayName)),
		cfg:        cfg,
		clock:      clock,
		mixnetSink: mixnetSink,
		ackSink:    ackSink,
		sendCh:     make(chan sendRequest, 256),
	}
	return t
}

// Start implements authenticate_and_start: it begins the connect/retry
// worker and the send-dispatch worker.
func (t *Transport) Start() {
	t.Go(t.connectWorker)
	t.Go(t.sendWorker)
}

// IsReady reports whether the transport currently holds an established,
// authenticated session.
func (t *Transport) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

func (t *Transport) dialOnce() (wire.SessionInterface, net.Conn, error) {
	conn, err := t.cfg.Dial("tcp", t.cfg.Address)
	if err != nil {
		return nil, nil, mnerr.Wrap("gateway.dialOnce", mnerr.GatewayTransportError, err)
	}
	session, err := t.cfg.newSession(conn)
	if err != nil {
		conn.Close()
		return nil, nil, mnerr.Wrap("gateway.dialOnce", mnerr.GatewayTransportError, err)
	}
	return session, conn, nil
}

// connectWorker holds the authenticated session up, reconnecting with
// exponential backoff whenever it drops, and pumps every inbound
// command to the mixnet/ack receivers (subscribe_mixnet/subscribe_acks).
func (t *Transport) connectWorker() {
	backoff := time.Second
	for {
		select {
		case <-t.HaltCh():
			return
		default:
		}
		session, conn, err := t.dialOnce()
		if err != nil {
			t.log.Warningf("connect failed: %v, retrying in %v", err, backoff)
			select {
			case <-t.HaltCh():
				return
			case <-t.clock.After(backoff):
			}
			backoff *= 2
			if backoff > t.cfg.MaxBackoff {
				backoff = t.cfg.MaxBackoff
			}
			continue
		}
		backoff = time.Second
		t.mu.Lock()
		t.session = session
		t.conn = conn
		t.ready = true
		t.mu.Unlock()
		t.log.Noticef("connected to gateway %s", t.cfg.GatewayName)

		t.readLoop(session)

		t.mu.Lock()
		t.ready = false
		t.session = nil
		t.mu.Unlock()
		conn.Close()

		select {
		case <-t.HaltCh():
			return
		default:
		}
	}
}

// readLoop implements subscribe_mixnet/subscribe_acks: it blocks on
// RecvCommand, type-switching on recvCmd.(type) and dispatching each
// received frame to the right sink, run as a continuous pump instead of
// one poll per RetrieveMessage.
func (t *Transport) readLoop(session wire.SessionInterface) {
	for {
		select {
		case <-t.HaltCh():
			return
		default:
		}
		cmd, err := session.RecvCommand()
		if err != nil {
			t.log.Warningf("RecvCommand failed: %v", err)
			return
		}
		switch c := cmd.(type) {
		case *commands.Message:
			if t.mixnetSink != nil {
				if err := t.mixnetSink.Ingest(c.Payload); err != nil {
					t.log.Debugf("mixnet sink rejected payload: %v", err)
				}
			}
		case *commands.MessageACK:
			if t.ackSink != nil {
				t.ackSink.OnAck(c.ID, c.Payload)
			}
		case *commands.MessageEmpty:
			// Nothing pending at the gateway; not an error.
		default:
			t.log.Debugf("ignoring unexpected command type %T", c)
		}
	}
}

// sendWorker serializes every outbound SendCommand through the single
// wire.Session, since wire.SessionInterface is not safe for concurrent
// writers.
func (t *Transport) sendWorker() {
	for {
		select {
		case <-t.HaltCh():
			return
		case req := <-t.sendCh:
			t.mu.Lock()
			session := t.session
			t.mu.Unlock()
			if session == nil {
				req.result <- mnerr.New("gateway.sendWorker", mnerr.GatewayTransportError)
				continue
			}
			req.result <- session.SendCommand(req.cmd)
		}
	}
}

func (t *Transport) dispatch(cmd commands.Command) error {
	result := make(chan error, 1)
	select {
	case t.sendCh <- sendRequest{cmd: cmd, result: result}:
	case <-t.HaltCh():
		return mnerr.New("gateway.dispatch", mnerr.GatewayTransportError)
	}
	select {
	case err := <-result:
		if err != nil {
			return mnerr.Wrap("gateway.dispatch", mnerr.GatewayTransportError, err)
		}
		return nil
	case <-t.clock.After(t.cfg.ResponseTimeout):
		return mnerr.New("gateway.dispatch", mnerr.GatewayTransportError)
	}
}

// SendFragment implements inputmanager.PacketSender: it wraps the
// fragment ciphertext in a commands.SendPacket and hands it to the
// sendWorker. recipient/gatewayName select the route; this Transport
// itself only speaks to its own configured gateway, so those
// parameters are accepted for interface compatibility with future
// multi-gateway clients and otherwise ignored here.
func (t *Transport) SendFragment(recipient, gatewayName string, surbID [sConstants.SURBIDLength]byte, sphinxPacket []byte) ([]byte, time.Duration, error) {
	cmd := &commands.SendPacket{SphinxPacket: sphinxPacket}
	if err := t.dispatch(cmd); err != nil {
		return nil, 0, err
	}
	return nil, 0, nil
}

// BatchSend implements batch_send: it dispatches every packet in order,
// returning the first error encountered (if any) along with how many
// packets were confirmed sent, so the caller's lane bookkeeping knows
// where to resume.
func (t *Transport) BatchSend(sphinxPackets [][]byte) (sent int, err error) {
	for _, pkt := range sphinxPackets {
		cmd := &commands.SendPacket{SphinxPacket: pkt}
		if err = t.dispatch(cmd); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// ClaimBandwidth offers an ecash credential to the gateway. The wire
// session's pinned commands.Command enum has no bandwidth-credential
// variant, so the credential's Ticket bytes are sent as the
// SphinxPacket of an ordinary commands.SendPacket. Nothing in that
// command addresses it to a credential-accounting recipient or
// otherwise distinguishes it from a packet bound for the mix. See
// DESIGN.md for why this wasn't modeled as a new commands.Command.
func (t *Transport) ClaimBandwidth(cred *Credential) error {
	cmd := &commands.SendPacket{SphinxPacket: cred.Ticket}
	return t.dispatch(cmd)
}

// Close halts the transport's workers and closes the underlying
// connection.
func (t *Transport) Close() {
	t.Halt()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		t.conn.Close()
	}
}
