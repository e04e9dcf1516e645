// replay.go - mix-node replay protection: a rotating three-slot bloom
// filter over Sphinx packet replay tags.
// Copyright (C) 2018  Yawning Angel.
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

// Package replay implements the mix-node Replay Filter: every unwrapped
// Sphinx packet carries a per-hop replay tag derived from its group
// element, and a tag seen twice within the filter's retention window
// marks the second packet as a replay to be dropped rather than
// forwarded. Three bloom filter slots rotate on a fixed interval so the
// filter's false-positive rate doesn't grow without bound over the
// mix-node's lifetime: a tag is checked against all three slots (it may
// have been marked in the slot that has since rolled from current to
// aging) but is only ever added to the current slot. Rotation retires
// the oldest slot by replacing it with an empty filter, using a single
// mutex spanning all three slots rather than one lock per slot.
//
// Every slot is bound to a monotonically increasing RotationID, assigned
// by a single counter owned by the Filter: tags aren't just checked
// against "the bloom filters that happen to be loaded" but against a
// specific, identifiable rotation, and BatchCheckAndSet/TryBatchCheckAndSet
// let a caller process a whole batch of same-rotation tags (as arrive
// together off one mix-forwarder connection) under one lock acquisition.
package replay

import (
	"fmt"
	"time"

	"git.schwanenlied.me/yawning/bloom.git"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/log"
	"github.com/katzenpost/core/worker"

	"github.com/katzenpost/mixclient/constants"
	"github.com/katzenpost/mixclient/storage"
)

// Prometheus metrics, mirroring a mix-forwarder's usual
// packets-processed/packets-dropped counters.
var (
	packetsTested = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mixclient",
		Subsystem: "replay",
		Name:      "packets_tested_total",
		Help:      "Number of Sphinx packets checked against the replay filter",
	})
	packetsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mixclient",
		Subsystem: "replay",
		Name:      "packets_dropped_total",
		Help:      "Number of Sphinx packets dropped as replays",
	})
	filterRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mixclient",
		Subsystem: "replay",
		Name:      "filter_rotations_total",
		Help:      "Number of times the replay filter's bloom slots have rotated",
	})
)

func init() {
	prometheus.MustRegister(packetsTested)
	prometheus.MustRegister(packetsDropped)
	prometheus.MustRegister(filterRotations)
}

// Tag is a replay tag, derived by the caller from the Sphinx packet's
// per-hop group element.
type Tag [32]byte

// RotationID identifies one generation of the replay filter's rotating
// slots, assigned by a single counter owned by the Filter so a tag bound
// to one rotation can never be confused with a tag bound to another, even
// after a slot is retired and its array index reused.
type RotationID uint32

const (
	numSlots = 3

	// falsePositiveRate bounds the probability that Test reports a replay
	// for a tag that was never actually marked.
	falsePositiveRate = 1e-6

	// estimatedTagsPerSlot sizes each slot's bloom filter for one
	// rotation interval's worth of forwarded packets.
	estimatedTagsPerSlot = 1 << 20
)

// mutex is a non-blocking-try-lock-capable mutex built on a
// capacity-1 buffered channel, since this module's go.mod predates
// sync.Mutex.TryLock (added in Go 1.18). Lock/Unlock match sync.Mutex's
// signatures so embedding this instead doesn't change Filter's exported
// surface.
type mutex struct {
	sem chan struct{}
}

func newMutex() mutex {
	return mutex{sem: make(chan struct{}, 1)}
}

func (m *mutex) Lock() {
	m.sem <- struct{}{}
}

func (m *mutex) Unlock() {
	select {
	case <-m.sem:
	default:
		panic("replay: Unlock of unlocked mutex")
	}
}

// TryLock acquires the lock without blocking, reporting whether it
// succeeded.
func (m *mutex) TryLock() bool {
	select {
	case m.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

type slot struct {
	filter *bloom.Filter

	createdAt                 time.Time
	rotationID                RotationID
	packetsReceivedAtCreation uint64
}

func newSlot(createdAt time.Time, rotationID RotationID, packetsReceivedAtCreation uint64) *slot {
	return &slot{
		filter:                    bloom.New(rand.NewMath(), falsePositiveRate, estimatedTagsPerSlot),
		createdAt:                 createdAt,
		rotationID:                rotationID,
		packetsReceivedAtCreation: packetsReceivedAtCreation,
	}
}

// Filter is the rotating three-slot replay filter.
type Filter struct {
	worker.Worker
	mutex

	log   *logging.Logger
	store *storage.Store
	clock clockwork.Clock

	slots   [numSlots]*slot
	current int

	nextRotationID  RotationID
	packetsObserved uint64
}

// New constructs a Filter, restoring any slots previously checkpointed
// in store, and starts the rotation worker.
func New(logBackend *log.Backend, store *storage.Store, clock clockwork.Clock) *Filter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	f := &Filter{
		mutex: newMutex(),
		log:   logBackend.GetLogger("replay"),
		store: store,
		clock: clock,
	}
	now := clock.Now()
	var maxRotation RotationID
	haveAny := false
	for i := 0; i < numSlots; i++ {
		raw, meta, err := store.GetReplayBloomSlot(i)
		if err != nil || raw == nil {
			f.slots[i] = newSlot(now, RotationID(i), 0)
			continue
		}
		s := newSlot(meta.CreatedAt, RotationID(meta.RotationID), meta.PacketsReceivedAtCreation)
		if err := s.filter.Unmarshal(raw); err != nil {
			f.log.Warningf("discarding corrupt checkpointed slot %d: %v", i, err)
			s = newSlot(now, RotationID(i), 0)
		} else {
			haveAny = true
			if s.rotationID > maxRotation {
				maxRotation = s.rotationID
			}
		}
		f.slots[i] = s
	}
	if haveAny {
		f.nextRotationID = maxRotation + 1
	} else {
		f.nextRotationID = numSlots
	}
	f.assertRotationIDsUniqueLocked()
	f.Go(f.worker)
	return f
}

// CurrentRotationID returns the rotation id of the currently active slot,
// the id a caller should stamp onto a BatchCheckAndSet/TryBatchCheckAndSet
// call covering tags observed right now.
func (f *Filter) CurrentRotationID() RotationID {
	f.Lock()
	defer f.Unlock()
	return f.slots[f.current].rotationID
}

// Test reports whether tag has already been marked in any of the three
// slots, meaning the packet carrying it is a replay.
func (f *Filter) Test(tag Tag) bool {
	f.Lock()
	defer f.Unlock()
	packetsTested.Inc()
	f.packetsObserved++
	for _, s := range f.slots {
		if s.filter.Test(tag[:]) {
			packetsDropped.Inc()
			return true
		}
	}
	return false
}

// Mark records tag as seen in the current slot, and reports whether it
// was already present (in which case the caller should treat the packet
// as a replay and the mark as a no-op). This makes the common
// check-then-mark sequence atomic under the filter's lock.
func (f *Filter) Mark(tag Tag) bool {
	f.Lock()
	defer f.Unlock()
	packetsTested.Inc()
	f.packetsObserved++
	for _, s := range f.slots {
		if s.filter.Test(tag[:]) {
			packetsDropped.Inc()
			return true
		}
	}
	f.slots[f.current].filter.Add(tag[:])
	return false
}

// BatchCheckAndSet runs the check-then-mark sequence over every tag in
// tags under a single lock acquisition, reporting which were already
// present (and thus replays, left unmarked) in the same order as tags.
// rotationID is informational: a mismatch against the filter's current
// rotation is logged but never blocks the check, since a batch arriving
// just as the filter rotates is still meaningful against the slots that
// exist now.
func (f *Filter) BatchCheckAndSet(rotationID RotationID, tags []Tag) []bool {
	f.Lock()
	defer f.Unlock()
	return f.batchCheckAndSetLocked(rotationID, tags)
}

// TryBatchCheckAndSet behaves like BatchCheckAndSet, except it never
// blocks: if the filter is already locked (most likely mid-rotation) it
// returns ok=false instead of waiting for the rotation to finish.
func (f *Filter) TryBatchCheckAndSet(rotationID RotationID, tags []Tag) (replays []bool, ok bool) {
	if !f.TryLock() {
		return nil, false
	}
	defer f.Unlock()
	return f.batchCheckAndSetLocked(rotationID, tags), true
}

func (f *Filter) batchCheckAndSetLocked(rotationID RotationID, tags []Tag) []bool {
	f.assertRotationIDsUniqueLocked()
	if current := f.slots[f.current].rotationID; rotationID != current {
		f.log.Debugf("batch_check_and_set: caller's rotation id %d does not match current slot rotation %d", rotationID, current)
	}
	replays := make([]bool, len(tags))
	for i, tag := range tags {
		packetsTested.Inc()
		f.packetsObserved++
		replay := false
		for _, s := range f.slots {
			if s.filter.Test(tag[:]) {
				replay = true
				break
			}
		}
		if replay {
			packetsDropped.Inc()
		} else {
			f.slots[f.current].filter.Add(tag[:])
		}
		replays[i] = replay
	}
	return replays
}

// assertRotationIDsUniqueLocked panics if two slots ever carry the same
// rotation id, which would let a tag bound to one rotation collide with
// a stale slot it was never actually checked against. The check is O(1)
// for numSlots == 3, so it's left compiled in rather than gated behind a
// build tag.
func (f *Filter) assertRotationIDsUniqueLocked() {
	seen := make(map[RotationID]bool, numSlots)
	for _, s := range f.slots {
		if s == nil {
			continue
		}
		if seen[s.rotationID] {
			panic(fmt.Sprintf("replay: duplicate rotation id %d across slots", s.rotationID))
		}
		seen[s.rotationID] = true
	}
}

func (f *Filter) persistLocked(i int) {
	raw := f.slots[i].filter.Marshal()
	meta := storage.ReplayBloomSlotMeta{
		CreatedAt:                 f.slots[i].createdAt,
		PacketsReceivedAtCreation: f.slots[i].packetsReceivedAtCreation,
		RotationID:                uint32(f.slots[i].rotationID),
	}
	if err := f.store.PutReplayBloomSlot(i, raw, meta); err != nil {
		f.log.Errorf("failed to checkpoint replay slot %d: %v", i, err)
	}
}

// rotate retires the oldest slot (which becomes the new current slot,
// now empty, under a freshly minted rotation id) once the active slot
// has aged past ReplayFilterRotationInterval.
func (f *Filter) rotate() {
	f.Lock()
	defer f.Unlock()
	next := (f.current + 1) % numSlots
	rotationID := f.nextRotationID
	f.nextRotationID++
	f.slots[next] = newSlot(f.clock.Now(), rotationID, f.packetsObserved)
	f.current = next
	f.assertRotationIDsUniqueLocked()
	f.persistLocked(next)
	filterRotations.Inc()
	f.log.Debugf("rotated replay filter, current slot now %d at rotation id %d", f.current, rotationID)
}

func (f *Filter) worker() {
	for {
		f.Lock()
		age := f.clock.Now().Sub(f.slots[f.current].createdAt)
		f.Unlock()
		wait := constants.ReplayFilterRotationInterval - age
		if wait < 0 {
			wait = 0
		}
		select {
		case <-f.HaltCh():
			return
		case <-f.clock.After(wait):
			f.rotate()
		}
	}
}
