// inputmanager.go - lane-queued, Poisson-paced fragment dispatch.
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

// Package inputmanager is the Input Manager: it chunks outgoing
// messages into Fragments, end-to-end encrypts them, and paces their
// dispatch to the Gateway Client Transport on a Poisson schedule,
// interleaved with Poisson loop-cover traffic. Fragments needing a
// delivery guarantee are registered with ackctrl so a missing
// acknowledgement triggers retransmission.
package inputmanager

import (
	"io"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/crypto/ecdh"
	coreRand "github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/log"
	sConstants "github.com/katzenpost/core/sphinx/constants"
	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/ackctrl"
	"github.com/katzenpost/mixclient/constants"
	"github.com/katzenpost/mixclient/fragment"
	"github.com/katzenpost/mixclient/mnerr"
)

// Lane names one of the bounded transmission queues the Input Manager
// multiplexes onto the pacer. General traffic drops the oldest entry
// when its queue is full; ReplySurbRequest traffic (surb-replenishment
// requests) is never dropped, per the supplemented lane-based
// transmission queue feature.
type Lane int

const (
	LaneGeneral Lane = iota
	LaneReplySurbRequest
)

const (
	generalLaneDepth  = 256
	replenishLaneDepth = 64
)

// PacketSender is the narrow handle the Input Manager uses to hand a
// fragment ciphertext on for Sphinx wrapping and delivery to the Gateway
// Client Transport. The client package's sphinxSender implements this,
// keeping sphinx.NewPacket/path construction out of inputmanager.
type PacketSender interface {
	SendFragment(recipient, gatewayName string, surbID [sConstants.SURBIDLength]byte, ciphertext []byte) (surbKeys []byte, eta time.Duration, err error)
}

// OutgoingMessage is one caller-submitted send request, prior to
// chunking.
type OutgoingMessage struct {
	ID            [constants.MessageIDLength]byte
	Recipient     string
	GatewayName   string
	RecipientKey  *ecdh.PublicKey
	Payload       []byte
	Lane          Lane
	WantDeliveryAck bool
}

type queuedFragment struct {
	msgID       [constants.MessageIDLength]byte
	recipient   string
	gatewayName string
	ciphertext  []byte
	wantAck     bool
}

// Manager is the Input Manager.
type Manager struct {
	worker.Worker

	log   *logging.Logger
	clock clockwork.Clock

	lanesLock sync.Mutex
	lanes     map[Lane]chan *queuedFragment

	fragHandler *fragment.Handler
	sender      PacketSender
	arq         *ackctrl.ARQ
	table       *ackctrl.Table

	coverTrafficEnabled bool
	loopCoverDelay      time.Duration
	messageDelay        time.Duration
}

// New constructs a Manager. fragHandler encrypts outgoing Fragments
// under the caller's long-term identity key; sender hands the resulting
// ciphertext to the Gateway Client Transport; arq/table track
// acknowledgement-bearing sends.
func New(logBackend *log.Backend, fragHandler *fragment.Handler, sender PacketSender, arq *ackctrl.ARQ, table *ackctrl.Table, clock clockwork.Clock, coverTrafficEnabled bool, loopCoverDelay, messageDelay time.Duration) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := &Manager{
		log:                 logBackend.GetLogger("inputmanager"),
		clock:               clock,
		lanes:               map[Lane]chan *queuedFragment{
			LaneGeneral:          make(chan *queuedFragment, generalLaneDepth),
			LaneReplySurbRequest: make(chan *queuedFragment, replenishLaneDepth),
		},
		fragHandler:         fragHandler,
		sender:              sender,
		arq:                 arq,
		table:               table,
		coverTrafficEnabled: coverTrafficEnabled,
		loopCoverDelay:      loopCoverDelay,
		messageDelay:        messageDelay,
	}
	m.Go(m.pacerWorker)
	if coverTrafficEnabled {
		m.Go(m.loopCoverWorker)
	}
	return m
}

// Enqueue chunks msg.Payload into Fragments, encrypts each under
// msg.RecipientKey, and pushes them onto the lane named by msg.Lane.
func (m *Manager) Enqueue(msg *OutgoingMessage) error {
	fragments, err := fragment.Chunk(coreRand.Reader, msg.Payload)
	if err != nil {
		return err
	}
	for _, f := range fragments {
		f.MessageID = msg.ID
		ciphertext := m.fragHandler.Encrypt(msg.RecipientKey, f)
		qf := &queuedFragment{
			msgID:       msg.ID,
			recipient:   msg.Recipient,
			gatewayName: msg.GatewayName,
			ciphertext:  ciphertext,
			wantAck:     msg.WantDeliveryAck,
		}
		if err := m.pushLane(msg.Lane, qf); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) pushLane(lane Lane, qf *queuedFragment) error {
	m.lanesLock.Lock()
	ch, ok := m.lanes[lane]
	m.lanesLock.Unlock()
	if !ok {
		return mnerr.New("inputmanager.pushLane", mnerr.MalformedInput)
	}
	if lane == LaneReplySurbRequest {
		ch <- qf // never dropped, bounded only to apply backpressure
		return nil
	}
	select {
	case ch <- qf:
	default:
		// Drop-oldest: make room and retry once.
		select {
		case <-ch:
			m.log.Warning("general lane full, dropped oldest queued fragment")
		default:
		}
		select {
		case ch <- qf:
		default:
			return mnerr.New("inputmanager.pushLane", mnerr.GatewayTransportError)
		}
	}
	return nil
}

// Resend implements ackctrl.Resender: a retransmission mints a fresh
// SURB identifier (SURBs are single-use) and resends the stored
// ciphertext.
func (m *Manager) Resend(p *ackctrl.PendingAck) {
	surbID := [sConstants.SURBIDLength]byte{}
	io.ReadFull(coreRand.Reader, surbID[:])
	p.SURBID = surbID
	m.table.Put(p)
	if _, _, err := m.sender.SendFragment("", "", surbID, p.Payload); err != nil {
		m.log.Errorf("retransmission failed: %v", err)
	}
}

// poissonDelay samples an exponentially distributed delay with the
// given mean, for Poisson-paced packet scheduling.
func poissonDelay(mean time.Duration) time.Duration {
	if mean <= 0 {
		return 0
	}
	lambda := 1.0 / float64(mean)
	return time.Duration(-math.Log(1-rand.Float64()) / lambda)
}

func (m *Manager) nextFragment() *queuedFragment {
	select {
	case qf := <-m.lanes[LaneReplySurbRequest]:
		return qf
	default:
	}
	select {
	case qf := <-m.lanes[LaneReplySurbRequest]:
		return qf
	case qf := <-m.lanes[LaneGeneral]:
		return qf
	case <-m.clock.After(m.messageDelay):
		return nil
	}
}

func (m *Manager) pacerWorker() {
	for {
		select {
		case <-m.HaltCh():
			return
		default:
		}
		qf := m.nextFragment()
		if qf == nil {
			continue
		}
		surbID := [sConstants.SURBIDLength]byte{}
		io.ReadFull(coreRand.Reader, surbID[:])
		surbKeys, eta, err := m.sender.SendFragment(qf.recipient, qf.gatewayName, surbID, qf.ciphertext)
		if err != nil {
			m.log.Errorf("send failed: %v", err)
			continue
		}
		if qf.wantAck {
			m.arq.Enqueue(&ackctrl.PendingAck{
				ID:          qf.msgID,
				SURBID:      surbID,
				Payload:     qf.ciphertext,
				SURBKeys:    surbKeys,
				SendAt:      m.clock.Now(),
				RTTEstimate: eta,
			})
		}
		select {
		case <-m.clock.After(poissonDelay(m.messageDelay)):
		case <-m.HaltCh():
			return
		}
	}
}

func (m *Manager) loopCoverWorker() {
	for {
		select {
		case <-m.HaltCh():
			return
		case <-m.clock.After(poissonDelay(m.loopCoverDelay)):
			m.sendLoopDecoy()
		}
	}
}

func (m *Manager) sendLoopDecoy() {
	payload := make([]byte, fragment.FragmentLength)
	surbID := [sConstants.SURBIDLength]byte{}
	io.ReadFull(coreRand.Reader, surbID[:])
	if _, _, err := m.sender.SendFragment("loop", "", surbID, payload); err != nil {
		m.log.Debugf("loop decoy send failed: %v", err)
	}
}
