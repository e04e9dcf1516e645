// bundle.go - give-away ReplySURB bundle framing for SendWithReply.
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
	"encoding/binary"

	sConstants "github.com/katzenpost/core/sphinx/constants"

	"github.com/katzenpost/mixclient/mnerr"
)

// BundleMarker opens a reassembled message that carries an embedded
// give-away SURB bundle ahead of its actual payload, the way
// sphinxsender's flagsSURB byte flags a Sphinx plaintext block as
// carrying an ack SURB, generalized here to the fragment-reassembler
// layer instead of the per-packet Sphinx plaintext layer.
const BundleMarker = 0xFE

// Giveaway is one ReplySURB handed to a peer via a SendWithReply
// message: Wire is what the peer packs a reply payload into, Digest is
// what the peer must prefix onto that payload for the minter's receive
// path to recognize it.
type Giveaway struct {
	ID     [sConstants.SURBIDLength]byte
	Wire   []byte
	Digest KeyDigest
}

// EncodeBundle frames tag and surbs ahead of payload:
//
//	marker(1) || tag || count(1) || (id || u16-len || wire || digest)*count || payload
func EncodeBundle(tag SenderTag, surbs []Giveaway, payload []byte) []byte {
	size := 1 + len(tag) + 1 + len(payload)
	for _, g := range surbs {
		size += len(g.ID) + 2 + len(g.Wire) + len(g.Digest)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, BundleMarker)
	buf = append(buf, tag[:]...)
	buf = append(buf, byte(len(surbs)))
	for _, g := range surbs {
		buf = append(buf, g.ID[:]...)
		lenBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(lenBuf, uint16(len(g.Wire)))
		buf = append(buf, lenBuf...)
		buf = append(buf, g.Wire...)
		buf = append(buf, g.Digest[:]...)
	}
	buf = append(buf, payload...)
	return buf
}

// DecodeBundle reverses EncodeBundle. ok is false when message doesn't
// open with BundleMarker, meaning it carries no embedded SURBs and
// should be delivered as-is.
func DecodeBundle(message []byte) (tag SenderTag, surbs []Giveaway, rest []byte, ok bool, err error) {
	if len(message) == 0 || message[0] != BundleMarker {
		return tag, nil, message, false, nil
	}
	pos := 1
	if len(message) < pos+len(tag)+1 {
		return tag, nil, nil, false, mnerr.New("surb.DecodeBundle", mnerr.MalformedInput)
	}
	copy(tag[:], message[pos:pos+len(tag)])
	pos += len(tag)
	count := int(message[pos])
	pos++

	surbs = make([]Giveaway, 0, count)
	for i := 0; i < count; i++ {
		g := Giveaway{}
		if len(message) < pos+len(g.ID)+2 {
			return tag, nil, nil, false, mnerr.New("surb.DecodeBundle", mnerr.MalformedInput)
		}
		copy(g.ID[:], message[pos:pos+len(g.ID)])
		pos += len(g.ID)
		wireLen := int(binary.BigEndian.Uint16(message[pos : pos+2]))
		pos += 2
		if len(message) < pos+wireLen+len(g.Digest) {
			return tag, nil, nil, false, mnerr.New("surb.DecodeBundle", mnerr.MalformedInput)
		}
		g.Wire = append([]byte{}, message[pos:pos+wireLen]...)
		pos += wireLen
		copy(g.Digest[:], message[pos:pos+len(g.Digest)])
		pos += len(g.Digest)
		surbs = append(surbs, g)
	}
	return tag, surbs, message[pos:], true, nil
}
