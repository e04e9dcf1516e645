// transport_test.go - Gateway Client Transport tests.
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

package gateway

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/log"
	sConstants "github.com/katzenpost/core/sphinx/constants"
	"github.com/katzenpost/core/wire"
	"github.com/katzenpost/core/wire/commands"
	"github.com/stretchr/testify/require"
)

// mockSession implements wire.SessionInterface entirely in memory, with
// a recv queue a test can push onto concurrently.
type mockSession struct {
	sync.Mutex
	sent []commands.Command
	recv chan commands.Command
}

func newMockSession() *mockSession {
	return &mockSession{recv: make(chan commands.Command, 16)}
}

func (m *mockSession) Initialize(conn net.Conn) error { return nil }

func (m *mockSession) SendCommand(cmd commands.Command) error {
	m.Lock()
	defer m.Unlock()
	m.sent = append(m.sent, cmd)
	return nil
}

func (m *mockSession) RecvCommand() (commands.Command, error) {
	return <-m.recv, nil
}

func (m *mockSession) Close() {}

func (m *mockSession) PeerCredentials() *wire.PeerCredentials { return nil }

type fakeMixnetSink struct {
	sync.Mutex
	payloads [][]byte
}

func (f *fakeMixnetSink) Ingest(ciphertext []byte) error {
	f.Lock()
	defer f.Unlock()
	f.payloads = append(f.payloads, ciphertext)
	return nil
}

type fakeAckSink struct {
	sync.Mutex
	acks []([sConstants.SURBIDLength]byte)
}

func (f *fakeAckSink) OnAck(surbID [sConstants.SURBIDLength]byte, ciphertext []byte) {
	f.Lock()
	defer f.Unlock()
	f.acks = append(f.acks, surbID)
}

func newTestTransport(t *testing.T, session *mockSession, mixnetSink MixnetReceiver, ackSink AckReceiver) *Transport {
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })
	cfg := &Config{
		GatewayName: "gateway1",
		Address:     "unused:1",
		Dial: func(network, address string) (net.Conn, error) {
			return c1, nil
		},
		newSession: func(conn net.Conn) (wire.SessionInterface, error) {
			return session, nil
		},
	}
	tr := New(logBackend, cfg, mixnetSink, ackSink, clockwork.NewFakeClock())
	tr.Start()
	t.Cleanup(tr.Close)
	return tr
}

func TestTransportBecomesReady(t *testing.T) {
	session := newMockSession()
	tr := newTestTransport(t, session, nil, nil)
	require.Eventually(t, tr.IsReady, time.Second, time.Millisecond)
}

func TestTransportSendFragmentDispatchesSendPacket(t *testing.T) {
	session := newMockSession()
	tr := newTestTransport(t, session, nil, nil)
	require.Eventually(t, tr.IsReady, time.Second, time.Millisecond)

	var surbID [sConstants.SURBIDLength]byte
	_, _, err := tr.SendFragment("alice@gw", "gw", surbID, []byte("sphinx-packet-bytes"))
	require.NoError(t, err)

	session.Lock()
	defer session.Unlock()
	require.Len(t, session.sent, 1)
	sp, ok := session.sent[0].(*commands.SendPacket)
	require.True(t, ok)
	require.Equal(t, []byte("sphinx-packet-bytes"), sp.SphinxPacket)
}

func TestTransportBatchSend(t *testing.T) {
	session := newMockSession()
	tr := newTestTransport(t, session, nil, nil)
	require.Eventually(t, tr.IsReady, time.Second, time.Millisecond)

	n, err := tr.BatchSend([][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestTransportRoutesInboundMessageToMixnetSink(t *testing.T) {
	session := newMockSession()
	sink := &fakeMixnetSink{}
	tr := newTestTransport(t, session, sink, nil)
	require.Eventually(t, tr.IsReady, time.Second, time.Millisecond)

	session.recv <- &commands.Message{Payload: []byte("hello")}

	require.Eventually(t, func() bool {
		sink.Lock()
		defer sink.Unlock()
		return len(sink.payloads) == 1
	}, time.Second, time.Millisecond)
}

func TestTransportRoutesInboundAckToAckSink(t *testing.T) {
	session := newMockSession()
	sink := &fakeAckSink{}
	tr := newTestTransport(t, session, nil, sink)
	require.Eventually(t, tr.IsReady, time.Second, time.Millisecond)

	var id [sConstants.SURBIDLength]byte
	id[0] = 0x42
	session.recv <- &commands.MessageACK{ID: id, Payload: []byte("ack-payload")}

	require.Eventually(t, func() bool {
		sink.Lock()
		defer sink.Unlock()
		return len(sink.acks) == 1
	}, time.Second, time.Millisecond)
}

func TestTransportClaimBandwidth(t *testing.T) {
	session := newMockSession()
	tr := newTestTransport(t, session, nil, nil)
	require.Eventually(t, tr.IsReady, time.Second, time.Millisecond)

	require.NoError(t, tr.ClaimBandwidth(&Credential{Ticket: []byte("ticket-bytes")}))
}
