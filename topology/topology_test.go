// topology_test.go - Topology Accessor tests
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

package topology

import (
	"context"
	"testing"
	"time"

	"github.com/katzenpost/core/log"
	"github.com/katzenpost/core/pki"
	"github.com/stretchr/testify/require"
)

func TestGetNilBeforeFirstUpdate(t *testing.T) {
	require := require.New(t)
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(err)
	a := New(logBackend, nil)
	require.Nil(a.Get())
}

func TestAwaitFirstUnblocksOnUpdate(t *testing.T) {
	require := require.New(t)
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(err)
	a := New(logBackend, nil)

	doneCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		doneCh <- a.AwaitFirst(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	a.Update(&pki.Document{Epoch: 1})

	require.NoError(<-doneCh)
	snap := a.Get()
	require.NotNil(snap)
	require.Equal(uint64(1), snap.Doc.Epoch)
}

func TestCanConstructPathThroughRequiresSnapshot(t *testing.T) {
	require := require.New(t)
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(err)
	a := New(logBackend, nil)
	require.Error(a.CanConstructPathThrough("gateway1"))
}
