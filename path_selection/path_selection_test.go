// path_selection_test.go - path selection tests
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

package path_selection

import (
	"testing"

	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/pki"
	"github.com/katzenpost/core/sphinx/constants"
	"github.com/stretchr/testify/require"
)

func newMixDescriptor(isProvider bool, name string, layer int, publicKey *ecdh.PublicKey, ip string, port int) *pki.MixDescriptor {
	id := [constants.NodeIDLength]byte{}
	_, err := rand.Reader.Read(id[:])
	if err != nil {
		panic(err)
	}
	d := pki.MixDescriptor{
		Name:            name,
		ID:              id,
		IsProvider:      isProvider,
		LoadWeight:      3,
		TopologyLayer:   uint8(layer),
		EpochAPublicKey: publicKey,
		Ipv4Address:     ip,
		TcpPort:         port,
	}
	return &d
}

// newTestDocument builds a *pki.Document with two providers and two
// mix layers, enough for a 4-hop route (provider, mix, mix, provider).
func newTestDocument(require *require.Assertions) *pki.Document {
	type testDesc struct {
		Name  string
		Layer int
		IP    string
		Port  int
	}

	testProviders := []testDesc{
		{Name: "acme.com", IP: "127.0.0.1", Port: 11240},
		{Name: "nsa.gov", IP: "127.0.0.1", Port: 11241},
	}
	testMixes := []testDesc{
		{Name: "nsamix101", Layer: 1, IP: "127.0.0.1", Port: 11234},
		{Name: "nsamix102", Layer: 2, IP: "127.0.0.1", Port: 11235},
	}

	doc := &pki.Document{Epoch: 1}
	for _, p := range testProviders {
		privKey, err := ecdh.NewKeypair(rand.Reader)
		require.NoError(err, "ecdh NewKeypair error")
		doc.Providers = append(doc.Providers, newMixDescriptor(true, p.Name, 0, privKey.PublicKey(), p.IP, p.Port))
	}
	doc.Topology = make([][]*pki.MixDescriptor, 2)
	for _, m := range testMixes {
		privKey, err := ecdh.NewKeypair(rand.Reader)
		require.NoError(err, "ecdh NewKeypair error")
		descriptor := newMixDescriptor(false, m.Name, m.Layer, privKey.PublicKey(), m.IP, m.Port)
		doc.Topology[m.Layer-1] = append(doc.Topology[m.Layer-1], descriptor)
	}
	return doc
}

func TestBuildWithSURBID(t *testing.T) {
	require := require.New(t)
	doc := newTestDocument(require)
	factory := New(4, .123)

	recipientID := [constants.RecipientIDLength]byte{}
	copy(recipientID[:], []byte("alice"))
	var pinned [constants.SURBIDLength]byte
	copy(pinned[:], []byte("pinned-surb-id"))

	forwardPath, replyPath, surbID, err := factory.BuildWithSURBID(doc, "acme.com", "nsa.gov", &recipientID, &pinned)
	require.NoError(err, "BuildWithSURBID error")
	require.Len(forwardPath, 4)
	require.Len(replyPath, 4)
	require.Equal(pinned, *surbID)
}

func TestBuildMintsRandomSURBID(t *testing.T) {
	require := require.New(t)
	doc := newTestDocument(require)
	factory := New(4, .123)

	recipientID := [constants.RecipientIDLength]byte{}
	copy(recipientID[:], []byte("alice"))

	_, _, surbID, err := factory.Build(doc, "acme.com", "nsa.gov", &recipientID)
	require.NoError(err, "Build error")
	require.NotNil(surbID)
}

func TestBuildUnknownProviderErrors(t *testing.T) {
	require := require.New(t)
	doc := newTestDocument(require)
	factory := New(4, .123)

	recipientID := [constants.RecipientIDLength]byte{}
	_, _, _, err := factory.Build(doc, "acme.com", "no-such-provider.example", &recipientID)
	require.Error(err, "Build should fail for an unknown recipient provider")
}
