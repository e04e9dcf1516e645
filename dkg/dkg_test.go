// dkg_test.go - multi-party epoch completion tests
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

package dkg

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	dkgpedersen "go.dedis.ch/kyber/v3/share/dkg/pedersen"

	"github.com/katzenpost/core/log"

	"github.com/katzenpost/mixclient/constants"
	"github.com/katzenpost/mixclient/storage"
)

// relayNetwork dispatches deals/responses directly to sibling Handlers,
// standing in for an authenticated authority-to-authority transport.
type relayNetwork struct {
	from     int
	handlers []*Handler
}

func (n *relayNetwork) SendDeal(to int, deal *dkgpedersen.Deal) error {
	return n.handlers[to].ProcessDeal(n.from, deal)
}

func (n *relayNetwork) SendResponse(to int, resp *dkgpedersen.Response) error {
	return n.handlers[to].ProcessResponse(resp)
}

func newTestGroup(t *testing.T, n, threshold int) ([]*Handler, []*storage.Store, func()) {
	suite := edwards25519.NewBlakeSHA256Ed25519()
	longterms := make([]kyber.Scalar, n)
	pubs := make([]kyber.Point, n)
	for i := 0; i < n; i++ {
		longterms[i] = suite.Scalar().Pick(suite.RandomStream())
		pubs[i] = suite.Point().Mul(longterms[i], nil)
	}

	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)

	handlers := make([]*Handler, n)
	stores := make([]*storage.Store, n)
	var cleanups []func()
	for i := 0; i < n; i++ {
		f, err := ioutil.TempFile("", "dkg-epoch-test")
		require.NoError(t, err)
		f.Close()
		store, err := storage.New(f.Name())
		require.NoError(t, err)
		stores[i] = store
		cleanups = append(cleanups, func() {
			store.Close()
			os.Remove(f.Name())
		})

		cfg := &Config{
			Suite:         suite,
			EpochID:       1,
			Longterm:      longterms[i],
			NewNodes:      pubs,
			Threshold:     threshold,
			PhaseDeadline: time.Minute,
			Store:         store,
			Network:       &relayNetwork{from: i, handlers: handlers},
		}
		h, err := NewHandler(logBackend, clockwork.NewRealClock(), cfg)
		require.NoError(t, err)
		handlers[i] = h
	}
	return handlers, stores, func() {
		for _, c := range cleanups {
			c()
		}
	}
}

func TestEpochReachesInProgress(t *testing.T) {
	require := require.New(t)
	handlers, _, cleanup := newTestGroup(t, 4, 3)
	defer cleanup()
	defer func() {
		for _, h := range handlers {
			h.Shutdown()
		}
	}()

	for _, h := range handlers {
		h.Start()
	}

	var masterKeys []kyber.Point
	for _, h := range handlers {
		select {
		case share := <-h.WaitShare():
			require.NotNil(share)
			require.Equal(constants.DKGPhaseInProgress, h.Phase())
			masterKeys = append(masterKeys, share.Commits[0])
		case err := <-h.WaitError():
			t.Fatalf("epoch failed: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("epoch did not complete in time")
		}
	}

	for i := 1; i < len(masterKeys); i++ {
		require.True(masterKeys[0].Equal(masterKeys[i]), "all participants must agree on the master verification key")
	}
}

func TestEpochCheckpointsPhaseProgress(t *testing.T) {
	require := require.New(t)
	handlers, stores, cleanup := newTestGroup(t, 4, 3)
	defer cleanup()
	defer func() {
		for _, h := range handlers {
			h.Shutdown()
		}
	}()

	for _, h := range handlers {
		h.Start()
	}
	for _, h := range handlers {
		<-h.WaitShare()
	}

	encoded, ok, err := stores[0].GetDKGEpochState(1)
	require.NoError(err)
	require.True(ok)
	require.Contains(string(encoded), constants.DKGPhaseInProgress)
}

func TestResumeSkipsCompletedPhases(t *testing.T) {
	require := require.New(t)
	handlers, _, cleanup := newTestGroup(t, 4, 3)
	defer cleanup()
	defer func() {
		for _, h := range handlers {
			h.Shutdown()
		}
	}()

	for _, h := range handlers {
		h.Start()
	}
	for _, h := range handlers {
		<-h.WaitShare()
	}

	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(err)
	resumed, err := Resume(logBackend, clockwork.NewRealClock(), handlers[0].cfg)
	require.NoError(err)
	require.Equal(constants.DKGPhaseInProgress, resumed.Phase())
	require.True(resumed.completedPhases[constants.DKGPhaseDealingExchange])
}
