// surb_test.go - SURB Storage tests
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

package surb

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/log"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/mixclient/constants"
)

type fakeReplenisher struct {
	sync.Mutex
	requests []SenderTag
}

func (f *fakeReplenisher) RequestReplenishment(tag SenderTag) error {
	f.Lock()
	defer f.Unlock()
	f.requests = append(f.requests, tag)
	return nil
}

func (f *fakeReplenisher) count() int {
	f.Lock()
	defer f.Unlock()
	return len(f.requests)
}

func storeN(d *Dispenser, tag SenderTag, clock clockwork.Clock, n int, idOffset byte) []*ReplySURB {
	surbs := make([]*ReplySURB, 0, n)
	for i := 0; i < n; i++ {
		s := &ReplySURB{ID: [16]byte{idOffset + byte(i)}, StaleAt: clock.Now().Add(time.Hour), Expiry: clock.Now().Add(2 * time.Hour)}
		d.Store(tag, s)
		surbs = append(surbs, s)
	}
	return surbs
}

func TestDispenseFIFOAndExhaustion(t *testing.T) {
	require := require.New(t)
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(err)
	rep := &fakeReplenisher{}
	clock := clockwork.NewFakeClock()
	d := New(logBackend, rep, clock)
	defer d.Halt()

	var tag SenderTag
	tag[0] = 1

	// MinSURBsPerTag+2 stored so the first two Dispense calls leave the
	// pool exactly at the floor; the third would cross it and must fall
	// back to DispenseIgnoringThreshold.
	surbs := storeN(d, tag, clock, constants.MinSURBsPerTag+2, 1)

	got, err := d.Dispense(tag)
	require.NoError(err)
	require.Equal(surbs[0].ID, got.ID)

	got, err = d.Dispense(tag)
	require.NoError(err)
	require.Equal(surbs[1].ID, got.ID)

	fresh, stale := d.Count(tag)
	require.Equal(constants.MinSURBsPerTag, fresh+stale)

	_, err = d.Dispense(tag)
	require.Error(err)

	got, err = d.DispenseIgnoringThreshold(tag)
	require.NoError(err)
	require.Equal(surbs[2].ID, got.ID)
}

func TestDispenseTriggersReplenishmentAtMinimum(t *testing.T) {
	require := require.New(t)
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(err)
	rep := &fakeReplenisher{}
	clock := clockwork.NewFakeClock()
	d := New(logBackend, rep, clock)
	defer d.Halt()

	var tag SenderTag
	tag[0] = 7
	storeN(d, tag, clock, constants.MinSURBsPerTag+1, 1)

	_, err = d.DispenseIgnoringThreshold(tag)
	require.NoError(err)
	require.True(rep.count() > 0)
}

func TestDispenseAtExactlyMinimumRequiresIgnoringThreshold(t *testing.T) {
	require := require.New(t)
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(err)
	rep := &fakeReplenisher{}
	clock := clockwork.NewFakeClock()
	d := New(logBackend, rep, clock)
	defer d.Halt()

	var tag SenderTag
	tag[0] = 9
	storeN(d, tag, clock, constants.MinSURBsPerTag, 1)

	_, err = d.Dispense(tag)
	require.Error(err)

	got, err := d.DispenseIgnoringThreshold(tag)
	require.NoError(err)
	require.NotNil(got)
}

func TestReplenishmentRequestIsDeduplicatedUntilStore(t *testing.T) {
	require := require.New(t)
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(err)
	rep := &fakeReplenisher{}
	clock := clockwork.NewFakeClock()
	d := New(logBackend, rep, clock)
	defer d.Halt()

	var tag SenderTag
	tag[0] = 11
	storeN(d, tag, clock, constants.MinSURBsPerTag, 1)

	_, err = d.DispenseIgnoringThreshold(tag)
	require.NoError(err)
	_, err = d.DispenseIgnoringThreshold(tag)
	require.NoError(err)

	require.Equal(1, rep.count())

	d.Store(tag, &ReplySURB{ID: [16]byte{99}, StaleAt: clock.Now().Add(time.Hour), Expiry: clock.Now().Add(2 * time.Hour)})
	_, err = d.Dispense(tag)
	require.Error(err)
	_, err = d.DispenseIgnoringThreshold(tag)
	require.NoError(err)
	require.Equal(2, rep.count())
}

func TestReturnReinsertsAtFront(t *testing.T) {
	require := require.New(t)
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(err)
	rep := &fakeReplenisher{}
	clock := clockwork.NewFakeClock()
	d := New(logBackend, rep, clock)
	defer d.Halt()

	var tag SenderTag
	tag[0] = 13
	surbs := storeN(d, tag, clock, constants.MinSURBsPerTag+1, 1)

	got, err := d.Dispense(tag)
	require.NoError(err)
	require.Equal(surbs[0].ID, got.ID)

	d.Return(tag, []*ReplySURB{got})

	got, err = d.Dispense(tag)
	require.NoError(err)
	require.Equal(surbs[0].ID, got.ID)
}

func TestSweepDowngradesStaleEntries(t *testing.T) {
	require := require.New(t)
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(err)
	rep := &fakeReplenisher{}
	clock := clockwork.NewFakeClock()
	d := New(logBackend, rep, clock)
	defer d.Halt()

	var tag SenderTag
	tag[0] = 3
	d.Store(tag, &ReplySURB{ID: [16]byte{9}, StaleAt: clock.Now().Add(time.Minute), Expiry: clock.Now().Add(time.Hour)})

	clock.Advance(2 * time.Minute)
	d.sweep()

	fresh, stale := d.Count(tag)
	require.Equal(0, fresh)
	require.Equal(1, stale)
}
