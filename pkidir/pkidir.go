// pkidir.go - file-backed directory document client.
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

// Package pkidir implements a pki.Client backed by one JSON document per
// epoch in a directory, rather than a live directory authority network
// connection: running the consensus voting protocol between authorities
// is out of scope here, so cmd/mixclient and cmd/mixforward instead
// read whatever document an operator has fetched out-of-band and
// dropped into this directory. JsonMixDescriptor's base64-wrapped
// key encoding follows the same shape.
package pkidir

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"sync"

	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/pki"
	"github.com/katzenpost/core/sphinx/constants"

	"github.com/katzenpost/mixclient/mnerr"
)

// jsonMixDescriptor is the on-disk form of a pki.MixDescriptor: public
// keys and the node ID are base64-wrapped since they don't round-trip
// through encoding/json on their own.
type jsonMixDescriptor struct {
	Name            string
	ID              string
	IsProvider      bool
	LoadWeight      int
	TopologyLayer   int
	LinkKey         string
	EpochAPublicKey string
	EpochBPublicKey string
	EpochCPublicKey string
	Ipv4Address     string
	TcpPort         int
}

func toJSONDescriptor(m *pki.MixDescriptor) jsonMixDescriptor {
	j := jsonMixDescriptor{
		Name:          m.Name,
		ID:            base64.StdEncoding.EncodeToString(m.ID[:]),
		IsProvider:    m.IsProvider,
		LoadWeight:    int(m.LoadWeight),
		TopologyLayer: int(m.TopologyLayer),
		Ipv4Address:   m.Ipv4Address,
		TcpPort:       m.TcpPort,
	}
	if m.LinkKey != nil {
		j.LinkKey = base64.StdEncoding.EncodeToString(m.LinkKey.Bytes())
	}
	if m.EpochAPublicKey != nil {
		j.EpochAPublicKey = base64.StdEncoding.EncodeToString(m.EpochAPublicKey.Bytes())
	}
	if m.EpochBPublicKey != nil {
		j.EpochBPublicKey = base64.StdEncoding.EncodeToString(m.EpochBPublicKey.Bytes())
	}
	if m.EpochCPublicKey != nil {
		j.EpochCPublicKey = base64.StdEncoding.EncodeToString(m.EpochCPublicKey.Bytes())
	}
	return j
}

func (j *jsonMixDescriptor) toMixDescriptor() (*pki.MixDescriptor, error) {
	idBytes, err := base64.StdEncoding.DecodeString(j.ID)
	if err != nil {
		return nil, err
	}
	var id [constants.NodeIDLength]byte
	copy(id[:], idBytes)
	d := &pki.MixDescriptor{
		Name:          strings.ToLower(j.Name),
		ID:            id,
		IsProvider:    j.IsProvider,
		LoadWeight:    uint8(j.LoadWeight),
		TopologyLayer: uint8(j.TopologyLayer),
		Ipv4Address:   j.Ipv4Address,
		TcpPort:       j.TcpPort,
	}
	var decodeErr error
	d.LinkKey, decodeErr = decodeKey(j.LinkKey)
	if decodeErr != nil {
		return nil, decodeErr
	}
	d.EpochAPublicKey, decodeErr = decodeKey(j.EpochAPublicKey)
	if decodeErr != nil {
		return nil, decodeErr
	}
	d.EpochBPublicKey, decodeErr = decodeKey(j.EpochBPublicKey)
	if decodeErr != nil {
		return nil, decodeErr
	}
	d.EpochCPublicKey, decodeErr = decodeKey(j.EpochCPublicKey)
	if decodeErr != nil {
		return nil, decodeErr
	}
	return d, nil
}

func decodeKey(encoded string) (*ecdh.PublicKey, error) {
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	key := new(ecdh.PublicKey)
	if err := key.FromBytes(raw); err != nil {
		return nil, err
	}
	return key, nil
}

// jsonDocument is the on-disk form of a pki.Document.
type jsonDocument struct {
	Epoch     uint64
	Providers []jsonMixDescriptor
	Topology  [][]jsonMixDescriptor
}

func toJSONDocument(doc *pki.Document) *jsonDocument {
	j := &jsonDocument{Epoch: doc.Epoch}
	for _, p := range doc.Providers {
		j.Providers = append(j.Providers, toJSONDescriptor(p))
	}
	for _, layer := range doc.Topology {
		jLayer := make([]jsonMixDescriptor, 0, len(layer))
		for _, m := range layer {
			jLayer = append(jLayer, toJSONDescriptor(m))
		}
		j.Topology = append(j.Topology, jLayer)
	}
	return j
}

func (j *jsonDocument) toDocument() (*pki.Document, error) {
	doc := &pki.Document{Epoch: j.Epoch}
	for i := range j.Providers {
		d, err := j.Providers[i].toMixDescriptor()
		if err != nil {
			return nil, err
		}
		doc.Providers = append(doc.Providers, d)
	}
	for _, jLayer := range j.Topology {
		layer := make([]*pki.MixDescriptor, 0, len(jLayer))
		for i := range jLayer {
			d, err := jLayer[i].toMixDescriptor()
			if err != nil {
				return nil, err
			}
			layer = append(layer, d)
		}
		doc.Topology = append(doc.Topology, layer)
	}
	return doc, nil
}

// Client is a pki.Client reading one JSON document per epoch from a
// directory, with an in-memory cache so repeated Get calls for the same
// epoch don't re-read and re-parse the file.
type Client struct {
	sync.Mutex
	dir   string
	cache map[uint64]*pki.Document
}

// New returns a Client serving documents out of dir.
func New(dir string) *Client {
	return &Client{dir: dir, cache: make(map[uint64]*pki.Document)}
}

func (c *Client) docPath(epoch uint64) string {
	return fmt.Sprintf("%s/%020d.json", c.dir, epoch)
}

// Get implements pki.Client, reading and parsing the document named
// after epoch, or returning an error if none has been fetched yet.
func (c *Client) Get(ctx context.Context, epoch uint64) (*pki.Document, error) {
	c.Lock()
	if doc, ok := c.cache[epoch]; ok {
		c.Unlock()
		return doc, nil
	}
	c.Unlock()

	raw, err := ioutil.ReadFile(c.docPath(epoch))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, mnerr.New("pkidir.Get", mnerr.TopologyUnroutable)
		}
		return nil, mnerr.Wrap("pkidir.Get", mnerr.GatewayTransportError, err)
	}
	j := &jsonDocument{}
	if err := json.Unmarshal(raw, j); err != nil {
		return nil, mnerr.Wrap("pkidir.Get", mnerr.MalformedInput, err)
	}
	doc, err := j.toDocument()
	if err != nil {
		return nil, mnerr.Wrap("pkidir.Get", mnerr.MalformedInput, err)
	}

	c.Lock()
	c.cache[epoch] = doc
	c.Unlock()
	return doc, nil
}

// WriteDocument writes doc to dir, named after its Epoch, for an
// operator's fetch-and-drop tooling or for tests to seed a Client.
func WriteDocument(dir string, doc *pki.Document) error {
	raw, err := json.MarshalIndent(toJSONDocument(doc), "", "  ")
	if err != nil {
		return err
	}
	path := fmt.Sprintf("%s/%020d.json", dir, doc.Epoch)
	return ioutil.WriteFile(path, raw, 0600)
}
