// ackctrl.go - ARQ retransmission scheduler and PendingAck table.
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

// Package ackctrl implements the Ack Controller and its PendingAck table:
// every Sphinx-wrapped fragment sent with a SURB-backed acknowledgement
// is tracked here until either the ack arrives or the retransmission
// deadline, computed from the Poisson round trip estimate plus
// RoundTripTimeSlop, elapses.
package ackctrl

import (
	"bytes"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/log"
	"github.com/katzenpost/core/queue"
	sConstants "github.com/katzenpost/core/sphinx/constants"
	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/constants"
	"github.com/katzenpost/mixclient/storage"
)

// PendingAck is one fragment awaiting acknowledgement.
type PendingAck struct {
	ID          [constants.MessageIDLength]byte
	SURBID      [sConstants.SURBIDLength]byte
	Payload     []byte
	SURBKeys    []byte
	SendAt      time.Time
	RTTEstimate time.Duration
	Retries     int
	Acked       bool
}

func (p *PendingAck) expiry() uint64 {
	return uint64(p.SendAt.Add(p.RTTEstimate).Add(constants.RoundTripTimeSlop).UnixNano())
}

func (p *PendingAck) timeLeft(clock clockwork.Clock) time.Duration {
	deadline := p.SendAt.Add(p.RTTEstimate).Add(constants.RoundTripTimeSlop)
	return deadline.Sub(clock.Now())
}

// Resender is the narrow interface ackctrl uses to push a fragment back
// onto the sending path when a retransmission fires. inputmanager
// implements it.
type Resender interface {
	Resend(p *PendingAck)
}

// Table is the PendingAck table: a concurrent map guarded by an
// RWMutex, since the gateway-reader worker looks entries up on every
// received ack while the sphinx-sender-pacer only writes on send. When
// built with NewPersistentTable, every Put/Remove also mirrors into
// storage.Store so LoadPending can repopulate the ARQ's schedule after
// a restart.
type Table struct {
	sync.RWMutex
	entries map[[sConstants.SURBIDLength]byte]*PendingAck
	store   *storage.Store
}

// NewTable returns an empty, purely in-memory PendingAck table.
func NewTable() *Table {
	return &Table{entries: make(map[[sConstants.SURBIDLength]byte]*PendingAck)}
}

// NewPersistentTable returns an empty PendingAck table that durably
// mirrors every entry into store.
func NewPersistentTable(store *storage.Store) *Table {
	return &Table{entries: make(map[[sConstants.SURBIDLength]byte]*PendingAck), store: store}
}

// Put records a newly sent fragment awaiting acknowledgement.
func (t *Table) Put(p *PendingAck) {
	t.Lock()
	t.entries[p.SURBID] = p
	t.Unlock()
	if t.store != nil {
		_ = t.store.PutPendingAck(toPendingAckRecord(p))
	}
}

// Get returns the PendingAck for surbID, if any.
func (t *Table) Get(surbID [sConstants.SURBIDLength]byte) (*PendingAck, bool) {
	t.RLock()
	defer t.RUnlock()
	p, ok := t.entries[surbID]
	return p, ok
}

// Remove deletes the entry for surbID, returning it if present.
func (t *Table) Remove(surbID [sConstants.SURBIDLength]byte) (*PendingAck, bool) {
	t.Lock()
	p, ok := t.entries[surbID]
	if ok {
		delete(t.entries, surbID)
	}
	t.Unlock()
	if ok && t.store != nil {
		_ = t.store.RemovePendingAck(surbID)
	}
	return p, ok
}

func toPendingAckRecord(p *PendingAck) *storage.PendingAckRecord {
	return &storage.PendingAckRecord{
		ID:          p.ID,
		SURBID:      p.SURBID,
		Payload:     p.Payload,
		SURBKeys:    p.SURBKeys,
		SendAt:      p.SendAt,
		RTTEstimate: p.RTTEstimate,
		Retries:     p.Retries,
	}
}

func fromPendingAckRecord(r *storage.PendingAckRecord) *PendingAck {
	return &PendingAck{
		ID:          r.ID,
		SURBID:      r.SURBID,
		Payload:     r.Payload,
		SURBKeys:    r.SURBKeys,
		SendAt:      r.SendAt,
		RTTEstimate: r.RTTEstimate,
		Retries:     r.Retries,
	}
}

// LoadPending returns every PendingAck persisted in store, for the ARQ
// to re-enqueue after a restart so an in-flight send isn't silently
// abandoned.
func LoadPending(store *storage.Store) ([]*PendingAck, error) {
	records, err := store.AllPendingAcks()
	if err != nil {
		return nil, err
	}
	acks := make([]*PendingAck, len(records))
	for i, r := range records {
		acks[i] = fromPendingAckRecord(r)
	}
	return acks, nil
}

// ARQ is the retransmission scheduler: a clockwork-driven priority queue
// of PendingAcks ordered by deadline, using a sync.Cond wakeup idiom
// generalized to operate over a Resender instead of a concrete Session.
type ARQ struct {
	sync.Mutex
	sync.Cond
	worker.Worker

	log      *logging.Logger
	priq     *queue.PriorityQueue
	table    *Table
	resender Resender
	wakech   chan struct{}
	clock    clockwork.Clock
}

// New creates an ARQ bound to table and resender, and starts its
// background worker.
func New(logBackend *log.Backend, table *Table, resender Resender, clock clockwork.Clock) *ARQ {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	a := &ARQ{
		log:      logBackend.GetLogger("ackctrl"),
		priq:     queue.New(),
		table:    table,
		resender: resender,
		clock:    clock,
	}
	a.L = new(sync.Mutex)
	a.Go(a.worker)
	return a
}

// Enqueue schedules p for a retransmission check at its deadline.
func (a *ARQ) Enqueue(p *PendingAck) {
	a.log.Debugf("Enqueue msg[%x]", p.ID)
	a.table.Put(p)
	a.Lock()
	a.priq.Enqueue(p.expiry(), p)
	a.Unlock()
	a.Signal()
}

// Cancel removes the pending entry for surbID from both the table and
// the retransmission schedule, used when an acknowledgement arrives.
func (a *ARQ) Cancel(surbID [sConstants.SURBIDLength]byte) {
	if _, ok := a.table.Remove(surbID); !ok {
		return
	}
	filter := func(value interface{}) bool {
		v := value.(*PendingAck)
		return bytes.Equal(v.SURBID[:], surbID[:])
	}
	a.priq.FilterOnce(filter)
}

func (a *ARQ) wakeupCh() chan struct{} {
	if a.wakech != nil {
		return a.wakech
	}
	c := make(chan struct{})
	go func() {
		defer close(c)
		var v struct{}
		for {
			a.L.Lock()
			a.Wait()
			a.L.Unlock()
			select {
			case <-a.HaltCh():
				return
			case c <- v:
			}
		}
	}()
	a.wakech = c
	return c
}

func (a *ARQ) reschedule() {
	a.Lock()
	entry := a.priq.Pop()
	a.Unlock()
	if entry == nil {
		return
	}
	p := entry.Value.(*PendingAck)
	if p.Acked {
		return
	}
	if _, ok := a.table.Get(p.SURBID); !ok {
		// Cancelled since it was scheduled.
		return
	}
	if p.Retries >= constants.DefaultMaxRetransmissions {
		a.log.Noticef("giving up on msg[%x] after %d retries", p.ID, p.Retries)
		a.table.Remove(p.SURBID)
		return
	}
	p.Retries++
	a.log.Debugf("rescheduling msg[%x], retry %d", p.ID, p.Retries)
	a.resender.Resend(p)
}

func (a *ARQ) worker() {
	for {
		var c <-chan time.Time
		a.Lock()
		if entry := a.priq.Peek(); entry != nil {
			p := entry.Value.(*PendingAck)
			tl := p.timeLeft(a.clock)
			if tl < 0 {
				a.Unlock()
				a.reschedule()
				continue
			}
			c = a.clock.After(tl)
		}
		a.Unlock()
		select {
		case <-a.HaltCh():
			return
		case <-c:
			a.reschedule()
		case <-a.wakeupCh():
		}
	}
}
