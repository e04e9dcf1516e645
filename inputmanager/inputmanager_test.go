// inputmanager_test.go - Input Manager tests
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

package inputmanager

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/log"
	sConstants "github.com/katzenpost/core/sphinx/constants"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/mixclient/ackctrl"
	"github.com/katzenpost/mixclient/fragment"
)

type fakeSender struct {
	sync.Mutex
	sent int
}

func (f *fakeSender) SendFragment(recipient, gatewayName string, surbID [sConstants.SURBIDLength]byte, ciphertext []byte) ([]byte, time.Duration, error) {
	f.Lock()
	defer f.Unlock()
	f.sent++
	return []byte("surbkeys"), 50 * time.Millisecond, nil
}

func (f *fakeSender) count() int {
	f.Lock()
	defer f.Unlock()
	return f.sent
}

func TestEnqueueDispatchesAllFragments(t *testing.T) {
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(err)

	recipientKey, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(err)
	senderKey, err := ecdh.NewKeypair(rand.Reader)
	require.NoError(err)
	fh := fragment.NewHandler(senderKey, rand.Reader)

	sender := &fakeSender{}
	table := ackctrl.NewTable()
	fakeClock := clockwork.NewFakeClock()
	arq := ackctrl.New(logBackend, table, &noopResender{}, fakeClock)
	defer arq.Halt()

	m := New(logBackend, fh, sender, arq, table, fakeClock, false, 0, time.Millisecond)
	defer m.Halt()

	msg := &OutgoingMessage{
		Recipient:    "bob",
		GatewayName:  "gateway1",
		RecipientKey: recipientKey.PublicKey(),
		Payload:      make([]byte, fragment.FragmentLength*2+10),
		Lane:         LaneGeneral,
	}
	require.NoError(m.Enqueue(msg))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fakeClock.Advance(10 * time.Millisecond)
		if sender.count() == 3 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(3, sender.count())
}

type noopResender struct{}

func (n *noopResender) Resend(p *ackctrl.PendingAck) {}
