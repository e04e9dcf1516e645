// surb.go - SURB Storage and Reply Demultiplexer.
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

// Package surb implements SURB Storage and the reply demultiplexer: a
// per-sender-tag pool of single-use reply blocks, kept topped up between
// MinSURBsPerTag and MaxSURBsPerTag, in the style of a decoy source's
// pool of outstanding SURB contexts indexed by ID, generalized here to
// be keyed per AnonymousSenderTag instead of per decoy instance and
// swept on SURB age rather than packet round trip. Dispense enforces
// MinSURBsPerTag as a floor below which ordinary traffic may not drain
// the pool further; DispenseIgnoringThreshold bypasses that floor for
// the replenishment path itself.
package surb

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/log"
	sConstants "github.com/katzenpost/core/sphinx/constants"
	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/constants"
	"github.com/katzenpost/mixclient/mnerr"
)

// SenderTag names the correspondent a pool of ReplySURBs was minted for.
type SenderTag [constants.SenderTagLength]byte

// ReplySURB is one single-use reply block. Wire is the Sphinx-encoded
// SURB bytes a holder packs a payload into via sphinx.NewPacketFromSURB
// to actually send over it; Digest is the key digest the holder must
// prefix onto that payload so the minter's receive path recognizes and
// decrypts the reply (see surb.KeyStore). Keys holds the SURB's own
// decryption keys only on the minting side, which never dispenses its
// own mint and uses Keys purely to register the digest; a holder that
// received this SURB from a peer's give-away bundle leaves Keys nil.
type ReplySURB struct {
	ID      [sConstants.SURBIDLength]byte
	Keys    []byte
	Wire    []byte
	Digest  KeyDigest
	StaleAt time.Time
	Expiry  time.Time
}

// Replenisher requests a fresh batch of SURBs for tag, by pushing a
// reply-surb-request fragment onto inputmanager's never-drop lane.
type Replenisher interface {
	RequestReplenishment(tag SenderTag) error
}

type pool struct {
	fresh []*ReplySURB
	stale []*ReplySURB
}

// Dispenser is SURB Storage: a fresh/possibly-stale deque pair per
// SenderTag, dispensing atomically and triggering replenishment once a
// tag's total count (fresh plus possibly-stale) is at or below
// MinSURBsPerTag. Possibly-stale entries count toward that total, so a
// tag holding few fresh SURBs does not trigger a request while its
// total stays above the minimum.
type Dispenser struct {
	worker.Worker
	sync.Mutex

	log            *logging.Logger
	clock          clockwork.Clock
	pools          map[SenderTag]*pool
	pendingReceipt map[SenderTag]bool
	replenisher    Replenisher
}

// New constructs an empty Dispenser and starts its staleness-sweep
// worker.
func New(logBackend *log.Backend, replenisher Replenisher, clock clockwork.Clock) *Dispenser {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	d := &Dispenser{
		log:            logBackend.GetLogger("surb"),
		clock:          clock,
		pools:          make(map[SenderTag]*pool),
		pendingReceipt: make(map[SenderTag]bool),
		replenisher:    replenisher,
	}
	d.Go(d.sweepWorker)
	return d
}

func (d *Dispenser) poolFor(tag SenderTag) *pool {
	p, ok := d.pools[tag]
	if !ok {
		p = &pool{}
		d.pools[tag] = p
	}
	return p
}

// Store adds a freshly minted ReplySURB to tag's fresh deque, clearing
// any outstanding replenishment request recorded for tag. Storage never
// drops entries past MaxSURBsPerTag silently for General traffic;
// instead Store reports the overflow so the caller can skip issuing the
// replenishment request that produced it.
func (d *Dispenser) Store(tag SenderTag, s *ReplySURB) (atCapacity bool) {
	d.Lock()
	defer d.Unlock()
	p := d.poolFor(tag)
	p.fresh = append(p.fresh, s)
	delete(d.pendingReceipt, tag)
	return len(p.fresh)+len(p.stale) >= constants.MaxSURBsPerTag
}

// Return reinserts surbs at the front of tag's fresh deque. It is for a
// caller that dispensed or minted SURBs but did not end up spending
// them, e.g. a send that aborted before the SURB left the host; giving
// them back in FIFO order keeps them from starving behind freshly
// stored ones.
func (d *Dispenser) Return(tag SenderTag, surbs []*ReplySURB) {
	if len(surbs) == 0 {
		return
	}
	d.Lock()
	defer d.Unlock()
	p := d.poolFor(tag)
	p.fresh = append(append(make([]*ReplySURB, 0, len(surbs)+len(p.fresh)), surbs...), p.fresh...)
}

// Dispense pops the oldest available ReplySURB for tag, preferring a
// fresh one over a possibly-stale one. Per the min_storage floor, it
// refuses to dispense when doing so would leave tag below
// MinSURBsPerTag, reporting SURBExhausted instead; a caller that needs
// a SURB anyway (replenishment requests themselves, ARQ retransmission)
// should call DispenseIgnoringThreshold. Either path triggers a
// replenishment request, deduplicated via pendingReceipt, once the
// remaining count is at or below the minimum.
func (d *Dispenser) Dispense(tag SenderTag) (*ReplySURB, error) {
	return d.dispense(tag, false)
}

// DispenseIgnoringThreshold pops the oldest available ReplySURB for tag
// without enforcing the min_storage floor, succeeding whenever tag has
// any SURB at all. It exists so the replenishment machinery itself, and
// retransmissions that must go out regardless of pool health, are never
// blocked by the same floor that throttles ordinary traffic.
func (d *Dispenser) DispenseIgnoringThreshold(tag SenderTag) (*ReplySURB, error) {
	return d.dispense(tag, true)
}

func (d *Dispenser) dispense(tag SenderTag, ignoreThreshold bool) (*ReplySURB, error) {
	d.Lock()
	p, ok := d.pools[tag]
	if !ok {
		d.Unlock()
		return nil, mnerr.New("surb.Dispense", mnerr.SURBExhausted)
	}
	total := len(p.fresh) + len(p.stale)
	if total == 0 || (!ignoreThreshold && total <= constants.MinSURBsPerTag) {
		d.Unlock()
		d.requestReplenishment(tag)
		return nil, mnerr.New("surb.Dispense", mnerr.SURBExhausted)
	}
	var s *ReplySURB
	if len(p.fresh) > 0 {
		s, p.fresh = p.fresh[0], p.fresh[1:]
	} else {
		s, p.stale = p.stale[0], p.stale[1:]
	}
	needsReplenish := len(p.fresh)+len(p.stale) <= constants.MinSURBsPerTag
	d.Unlock()

	if needsReplenish {
		d.requestReplenishment(tag)
	}
	return s, nil
}

// requestReplenishment asks the replenisher for more SURBs for tag,
// unless a request is already outstanding. pendingReceipt is cleared by
// Store when the replenishment actually arrives, or immediately if the
// request itself fails to send.
func (d *Dispenser) requestReplenishment(tag SenderTag) {
	if d.replenisher == nil {
		return
	}
	d.Lock()
	if d.pendingReceipt[tag] {
		d.Unlock()
		return
	}
	d.pendingReceipt[tag] = true
	d.Unlock()

	if err := d.replenisher.RequestReplenishment(tag); err != nil {
		d.log.Errorf("replenishment request failed for tag: %v", err)
		d.Lock()
		delete(d.pendingReceipt, tag)
		d.Unlock()
	}
}

// Count returns the number of fresh and possibly-stale SURBs currently
// held for tag.
func (d *Dispenser) Count(tag SenderTag) (fresh, stale int) {
	d.Lock()
	defer d.Unlock()
	p, ok := d.pools[tag]
	if !ok {
		return 0, 0
	}
	return len(p.fresh), len(p.stale)
}

// sweep downgrades fresh SURBs past their StaleAt deadline into the
// possibly-stale deque, and purges stale SURBs past their Expiry, the
// key-rotation downgrade behavior named in the supplemented SURB storage
// policy.
func (d *Dispenser) sweep() {
	now := d.clock.Now()
	d.Lock()
	defer d.Unlock()
	for tag, p := range d.pools {
		keepFresh := p.fresh[:0]
		for _, s := range p.fresh {
			if now.After(s.StaleAt) {
				p.stale = append(p.stale, s)
			} else {
				keepFresh = append(keepFresh, s)
			}
		}
		p.fresh = keepFresh

		keepStale := p.stale[:0]
		for _, s := range p.stale {
			if !now.After(s.Expiry) {
				keepStale = append(keepStale, s)
			}
		}
		p.stale = keepStale

		if len(p.fresh) == 0 && len(p.stale) == 0 {
			delete(d.pools, tag)
		}
	}
}

func (d *Dispenser) sweepWorker() {
	const sweepInterval = 30 * time.Second
	for {
		select {
		case <-d.HaltCh():
			return
		case <-d.clock.After(sweepInterval):
			d.sweep()
		}
	}
}
