// topology.go - Topology Accessor: cached, non-blocking PKI snapshots.
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

// Package topology is the Topology Accessor: it holds the most recent
// PKI document behind an atomic RCU-style pointer swap, so lookups
// never block on network I/O. A blocking wait for the first document
// is kept for startup only; all subsequent reads are lock-free.
package topology

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/katzenpost/core/pki"
	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/core/log"

	"github.com/katzenpost/mixclient/constants"
	"github.com/katzenpost/mixclient/mnerr"
)

// Snapshot is one immutable PKI document, published atomically.
type Snapshot struct {
	Doc *pki.Document
}

// Accessor is the Topology Accessor.
type Accessor struct {
	worker.Worker

	log      *logging.Logger
	pkiClient pki.Client
	current  atomic.Value // *Snapshot

	firstDocCh chan struct{}
}

// New constructs an Accessor over pkiClient. The returned Accessor has
// no snapshot until the first document is published through Update.
func New(logBackend *log.Backend, pkiClient pki.Client) *Accessor {
	return &Accessor{
		log:        logBackend.GetLogger("topology"),
		pkiClient:  pkiClient,
		firstDocCh: make(chan struct{}),
	}
}

// AwaitFirst blocks until the first PKI snapshot has been fetched, or
// ctx is done.
func (a *Accessor) AwaitFirst(ctx context.Context) error {
	select {
	case <-a.firstDocCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.HaltCh():
		return errors.New("topology: terminating gracefully")
	}
}

// Get returns the most recently fetched snapshot, or nil if none has
// arrived yet.
func (a *Accessor) Get() *Snapshot {
	v := a.current.Load()
	if v == nil {
		return nil
	}
	return v.(*Snapshot)
}

// Update publishes a freshly fetched PKI document as the current
// snapshot for readers of Get to observe.
func (a *Accessor) Update(doc *pki.Document) {
	a.log.Debugf("Update(): epoch %v", doc.Epoch)
	wasNil := a.current.Load() == nil
	a.current.Store(&Snapshot{Doc: doc})
	if wasNil {
		close(a.firstDocCh)
	}
}

// CanConstructPathThrough reports whether the current snapshot has
// enough mix descriptors to build a HopsPerPath-length route, the
// Topology Accessor's routability check backing path selection.
func (a *Accessor) CanConstructPathThrough(gatewayName string) error {
	snap := a.Get()
	if snap == nil {
		return mnerr.New("topology.CanConstructPathThrough", mnerr.TopologyUnroutable)
	}
	if len(snap.Doc.Topology) < constants.HopsPerPath {
		return mnerr.New("topology.CanConstructPathThrough", mnerr.TopologyUnroutable)
	}
	for _, gw := range snap.Doc.Providers {
		if gw.Name == gatewayName {
			return nil
		}
	}
	return mnerr.New("topology.CanConstructPathThrough", mnerr.TopologyUnroutable)
}
