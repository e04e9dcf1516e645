// forwarder.go - mix-node packet forwarding pipeline: Sphinx unwrap,
// replay rejection, delay-queue scheduling, next-hop dispatch.
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

package main

import (
	"fmt"
	"net"
	"time"

	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/log"
	"github.com/katzenpost/core/pki"
	"github.com/katzenpost/core/sphinx"
	"github.com/katzenpost/core/sphinx/commands"
	sConstants "github.com/katzenpost/core/sphinx/constants"
	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/constants"
	"github.com/katzenpost/mixclient/mnerr"
	"github.com/katzenpost/mixclient/replay"
	"github.com/katzenpost/mixclient/scheduler"
	"github.com/katzenpost/mixclient/topology"
	"github.com/katzenpost/mixclient/wireproto"
)

// mixKeySlotOrder is the order Forwarder tries its three rotation-slot
// private keys against an incoming packet, since it has no direct way
// to learn which slot the sender picked (path_selection.getHopEpochKeys
// makes that choice unilaterally based on estimated in-flight delay).
var mixKeySlotOrder = [3]string{"current", "next", "prev"}

// forwardTask is what Forwarder hands to its scheduler: an unwrapped
// Sphinx packet already bound for a specific next-hop node ID, sitting
// in the delay queue until its per-hop Poisson delay elapses.
type forwardTask struct {
	nextHopID [sConstants.NodeIDLength]byte
	packet    []byte
}

// Forwarder is the mix-node side of the system: it accepts inbound
// Sphinx packets over plain TCP connections (link-layer authentication
// and transport security are named interfaces this module treats as
// externally supplied, per spec.md's scope notes), unwraps each with
// whichever of its rotation-slot keys succeeds, rejects replays, and
// re-dispatches surviving packets to their next hop once the
// sender-chosen per-hop delay has elapsed.
type Forwarder struct {
	worker.Worker

	log      *logging.Logger
	keys     map[string]*ecdh.PrivateKey
	filter   *replay.Filter
	topo     *topology.Accessor
	sched    *scheduler.PriorityScheduler
	listener net.Listener
}

// NewForwarder constructs a Forwarder. Call Start to begin accepting
// connections.
func NewForwarder(logBackend *log.Backend, keys map[string]*ecdh.PrivateKey, filter *replay.Filter, topo *topology.Accessor) *Forwarder {
	f := &Forwarder{
		log:    logBackend.GetLogger("mixforward.Forwarder"),
		keys:   keys,
		filter: filter,
		topo:   topo,
	}
	f.sched = scheduler.New(f.runForwardTask, logBackend, "delayqueue")
	return f
}

// Start begins accepting connections on address.
func (f *Forwarder) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return mnerr.Wrap("mixforward.Start", mnerr.GatewayTransportError, err)
	}
	f.listener = listener
	f.Go(f.acceptLoop)
	return nil
}

// Close stops accepting new connections and halts the delay queue.
func (f *Forwarder) Close() {
	if f.listener != nil {
		f.listener.Close()
	}
	f.sched.Shutdown()
	f.Halt()
}

func (f *Forwarder) acceptLoop() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			select {
			case <-f.HaltCh():
				return
			default:
			}
			f.log.Warningf("accept failed: %v", err)
			continue
		}
		go f.handleConn(conn)
	}
}

// handleConn reads frame after frame off a single inbound connection,
// processing each as an independent Sphinx packet, until the peer
// closes the connection or a read fails.
func (f *Forwarder) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		pkt, err := wireproto.ReadFrame(conn)
		if err != nil {
			return
		}
		f.processPacket(pkt)
	}
}

// unwrap tries every rotation-slot private key in turn, returning the
// first one that successfully decrypts pkt. Trying multiple keys lets
// the node accept packets addressed under either its current epoch key
// or the immediately adjacent ones, covering the overlap window around
// a Sphinx key rotation.
func (f *Forwarder) unwrap(pkt []byte) (payload []byte, tag []byte, cmds []commands.RoutingCommand, err error) {
	for _, slot := range mixKeySlotOrder {
		key := f.keys[slot]
		if key == nil {
			continue
		}
		payload, tag, cmds, err = sphinx.Unwrap(key, pkt)
		if err == nil {
			return payload, tag, cmds, nil
		}
	}
	return nil, nil, nil, err
}

// processPacket implements the mix-node side of §4.5: unwrap, reject
// replays, and either schedule the surviving packet for forwarding
// after its delay or drop it if this node is the path's terminal hop
// (final-hop delivery to a gateway mailbox is out of this module's
// scope, per spec.md §1).
func (f *Forwarder) processPacket(pkt []byte) {
	_, tagBytes, cmds, err := f.unwrap(pkt)
	if err != nil {
		f.log.Debugf("dropping packet: unwrap failed: %v", err)
		return
	}

	var tag replay.Tag
	copy(tag[:], tagBytes)
	if f.filter.Mark(tag) {
		f.log.Debugf("dropping replayed packet")
		return
	}

	var delay time.Duration
	var nextHopID *[sConstants.NodeIDLength]byte
	terminal := false
	for _, cmd := range cmds {
		switch c := cmd.(type) {
		case *commands.NextNodeHop:
			id := c.ID
			nextHopID = &id
		case *commands.NodeDelay:
			delay = time.Duration(c.Delay) * time.Millisecond
		case *commands.Recipient, *commands.SURBReply:
			terminal = true
		}
	}

	if terminal || nextHopID == nil {
		f.log.Debugf("packet terminates at this node; mailbox delivery is out of scope, dropping")
		return
	}

	task := forwardTask{nextHopID: *nextHopID, packet: pkt}
	if delay <= 0 {
		f.sched.Add(0, task)
		return
	}
	f.sched.Add(delay, task)
}

// runForwardTask is the scheduler's taskHandler: it fires once a
// queued packet's delay has elapsed, dialing the resolved next hop and
// writing the packet as a single wireproto frame.
func (f *Forwarder) runForwardTask(raw interface{}) {
	task, ok := raw.(forwardTask)
	if !ok {
		f.log.Errorf("delay queue produced unexpected task type %T", raw)
		return
	}
	snap := f.topo.Get()
	if snap == nil {
		f.log.Warningf("dropping packet: no topology snapshot yet")
		return
	}
	desc, err := lookupDescriptor(snap.Doc, task.nextHopID)
	if err != nil {
		f.log.Warningf("dropping packet: next hop not in current topology: %v", err)
		return
	}
	address := fmt.Sprintf("%s:%d", desc.Ipv4Address, desc.TcpPort)
	conn, err := net.DialTimeout("tcp", address, constants.MixForwardDialTimeout)
	if err != nil {
		f.log.Warningf("failed to dial next hop %s: %v", address, err)
		return
	}
	defer conn.Close()
	if err := wireproto.WriteFrame(conn, task.packet); err != nil {
		f.log.Warningf("failed to forward packet to %s: %v", address, err)
	}
}

// lookupDescriptor finds the MixDescriptor for id among doc's providers
// and every topology layer.
func lookupDescriptor(doc *pki.Document, id [sConstants.NodeIDLength]byte) (*pki.MixDescriptor, error) {
	for _, p := range doc.Providers {
		if p.ID == id {
			return p, nil
		}
	}
	for _, layer := range doc.Topology {
		for _, m := range layer {
			if m.ID == id {
				return m, nil
			}
		}
	}
	return nil, mnerr.New("mixforward.lookupDescriptor", mnerr.TopologyUnroutable)
}
