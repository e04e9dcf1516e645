// wireproto.go - address rendering and mix-forwarder wire framing.
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

// Package wireproto implements the external wire surfaces outside the
// gateway-to-client session itself: human-facing address rendering for
// Recipient and AnonymousSenderTag, the native request/response framing
// spoken on the local application socket, and the fixed big-endian
// length-prefixed framing spoken between mix-forwarder nodes. The
// gateway-to-client link itself rides the existing
// github.com/katzenpost/core/wire session, authenticated by
// gateway.Authenticator; this package only covers the surfaces that
// session doesn't: the address strings users type and the mix-to-mix
// command framing used by cmd/mixforward.
package wireproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/katzenpost/mixclient/constants"
	"github.com/katzenpost/mixclient/mnerr"
)

// FormatRecipient renders identity/gateway as the address a user types,
// the base58 encoding of the 16-byte identity, "@", then the gateway
// name, e.g. "4zn8...@gateway1", following the usual
// Account.Name@Account.Provider convention generalized to a mix-network
// Recipient. The address carries no encryption-key component.
func FormatRecipient(identity [constants.SenderTagLength]byte, gateway string) string {
	return fmt.Sprintf("%s@%s", base58.Encode(identity[:]), gateway)
}

// ParseRecipient parses an address produced by FormatRecipient.
func ParseRecipient(addr string) (identity [constants.SenderTagLength]byte, gateway string, err error) {
	parts := strings.SplitN(addr, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return identity, "", mnerr.New("wireproto.ParseRecipient", mnerr.MalformedInput)
	}
	raw, err := base58.Decode(parts[0])
	if err != nil {
		return identity, "", mnerr.Wrap("wireproto.ParseRecipient", mnerr.MalformedInput, err)
	}
	if len(raw) != constants.SenderTagLength {
		return identity, "", mnerr.New("wireproto.ParseRecipient", mnerr.MalformedInput)
	}
	copy(identity[:], raw)
	return identity, parts[1], nil
}

// FormatSenderTag renders an AnonymousSenderTag as base58, for logging
// and for the reply-surb-request lane's debug output.
func FormatSenderTag(tag [constants.SenderTagLength]byte) string {
	return base58.Encode(tag[:])
}

// ParseSenderTag is the inverse of FormatSenderTag.
func ParseSenderTag(s string) (tag [constants.SenderTagLength]byte, err error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return tag, mnerr.Wrap("wireproto.ParseSenderTag", mnerr.MalformedInput, err)
	}
	if len(raw) != constants.SenderTagLength {
		return tag, mnerr.New("wireproto.ParseSenderTag", mnerr.MalformedInput)
	}
	copy(tag[:], raw)
	return tag, nil
}

// Native client <-> application framing: every Request read from the
// app socket is a tag byte followed by tag-specific fields, every
// variable-length field prefixed by a big-endian u64 length. This is
// hand-rolled with encoding/binary rather than a cbor tag-byte command
// dispatch because the wire format here is fixed big-endian
// length-prefixed, not CBOR; the tag-byte-then-fields shape is kept the
// same.
const (
	RequestTagSend             byte = 0x00
	RequestTagReply             byte = 0x01
	RequestTagSelfAddress        byte = 0x02
	RequestTagClosedConnection   byte = 0x03
	RequestTagGetLaneQueue       byte = 0x04
)

const (
	ResponseTagError        byte = 0x00
	ResponseTagReceived     byte = 0x01
	ResponseTagSelfAddress  byte = 0x02
	ResponseTagLaneQueueLen byte = 0x03
)

// RecipientLength is the wire width of a Recipient: the 96-byte triple
// (client_identity_pub, client_encryption_pub, gateway_identity_pub).
const RecipientLength = 96

// Request is one frame read from the application socket.
type Request struct {
	Tag             byte
	Recipient       [RecipientLength]byte
	SURBsRequested  uint8
	SenderTag       [constants.SenderTagLength]byte
	Message         []byte
	Lane            uint64
}

// Response is one frame written back to the application socket.
type Response struct {
	Tag          byte
	ErrCode      uint8
	Message      []byte
	HasSenderTag bool
	SenderTag    [constants.SenderTagLength]byte
	Recipient    [RecipientLength]byte
	Lane         uint64
	QueueLength  uint64
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	hdr := [8]byte{}
	binary.BigEndian.PutUint64(hdr[:], uint64(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	hdr := [8]byte{}
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint64(hdr[:])
	if n > maxFrameLength {
		return nil, mnerr.New("wireproto.readLenPrefixed", mnerr.MalformedInput)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeRequest serializes req using the tag-then-fields Request framing.
func EncodeRequest(w io.Writer, req *Request) error {
	if _, err := w.Write([]byte{req.Tag}); err != nil {
		return mnerr.Wrap("wireproto.EncodeRequest", mnerr.GatewayTransportError, err)
	}
	switch req.Tag {
	case RequestTagSend:
		if _, err := w.Write(req.Recipient[:]); err != nil {
			return mnerr.Wrap("wireproto.EncodeRequest", mnerr.GatewayTransportError, err)
		}
		if _, err := w.Write([]byte{req.SURBsRequested}); err != nil {
			return mnerr.Wrap("wireproto.EncodeRequest", mnerr.GatewayTransportError, err)
		}
		if err := writeLenPrefixed(w, req.Message); err != nil {
			return mnerr.Wrap("wireproto.EncodeRequest", mnerr.GatewayTransportError, err)
		}
	case RequestTagReply:
		if _, err := w.Write(req.SenderTag[:]); err != nil {
			return mnerr.Wrap("wireproto.EncodeRequest", mnerr.GatewayTransportError, err)
		}
		if err := writeLenPrefixed(w, req.Message); err != nil {
			return mnerr.Wrap("wireproto.EncodeRequest", mnerr.GatewayTransportError, err)
		}
	case RequestTagSelfAddress, RequestTagClosedConnection:
		// Empty body.
	case RequestTagGetLaneQueue:
		laneBuf := [8]byte{}
		binary.BigEndian.PutUint64(laneBuf[:], req.Lane)
		if _, err := w.Write(laneBuf[:]); err != nil {
			return mnerr.Wrap("wireproto.EncodeRequest", mnerr.GatewayTransportError, err)
		}
	default:
		return mnerr.New("wireproto.EncodeRequest", mnerr.MalformedInput)
	}
	return nil
}

// DecodeRequest deserializes a Request written by EncodeRequest.
func DecodeRequest(r io.Reader) (*Request, error) {
	tagBuf := [1]byte{}
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return nil, mnerr.Wrap("wireproto.DecodeRequest", mnerr.GatewayTransportError, err)
	}
	req := &Request{Tag: tagBuf[0]}
	switch req.Tag {
	case RequestTagSend:
		if _, err := io.ReadFull(r, req.Recipient[:]); err != nil {
			return nil, mnerr.Wrap("wireproto.DecodeRequest", mnerr.MalformedInput, err)
		}
		surbBuf := [1]byte{}
		if _, err := io.ReadFull(r, surbBuf[:]); err != nil {
			return nil, mnerr.Wrap("wireproto.DecodeRequest", mnerr.MalformedInput, err)
		}
		req.SURBsRequested = surbBuf[0]
		msg, err := readLenPrefixed(r)
		if err != nil {
			return nil, mnerr.Wrap("wireproto.DecodeRequest", mnerr.MalformedInput, err)
		}
		req.Message = msg
	case RequestTagReply:
		if _, err := io.ReadFull(r, req.SenderTag[:]); err != nil {
			return nil, mnerr.Wrap("wireproto.DecodeRequest", mnerr.MalformedInput, err)
		}
		msg, err := readLenPrefixed(r)
		if err != nil {
			return nil, mnerr.Wrap("wireproto.DecodeRequest", mnerr.MalformedInput, err)
		}
		req.Message = msg
	case RequestTagSelfAddress, RequestTagClosedConnection:
		// Empty body.
	case RequestTagGetLaneQueue:
		laneBuf := [8]byte{}
		if _, err := io.ReadFull(r, laneBuf[:]); err != nil {
			return nil, mnerr.Wrap("wireproto.DecodeRequest", mnerr.MalformedInput, err)
		}
		req.Lane = binary.BigEndian.Uint64(laneBuf[:])
	default:
		return nil, mnerr.New("wireproto.DecodeRequest", mnerr.MalformedInput)
	}
	return req, nil
}

// EncodeResponse serializes resp using the tag-then-fields Response framing.
func EncodeResponse(w io.Writer, resp *Response) error {
	if _, err := w.Write([]byte{resp.Tag}); err != nil {
		return mnerr.Wrap("wireproto.EncodeResponse", mnerr.GatewayTransportError, err)
	}
	switch resp.Tag {
	case ResponseTagError:
		if _, err := w.Write([]byte{resp.ErrCode}); err != nil {
			return mnerr.Wrap("wireproto.EncodeResponse", mnerr.GatewayTransportError, err)
		}
		if err := writeLenPrefixed(w, resp.Message); err != nil {
			return mnerr.Wrap("wireproto.EncodeResponse", mnerr.GatewayTransportError, err)
		}
	case ResponseTagReceived:
		hasTag := byte(0)
		if resp.HasSenderTag {
			hasTag = 1
		}
		if _, err := w.Write([]byte{hasTag}); err != nil {
			return mnerr.Wrap("wireproto.EncodeResponse", mnerr.GatewayTransportError, err)
		}
		if resp.HasSenderTag {
			if _, err := w.Write(resp.SenderTag[:]); err != nil {
				return mnerr.Wrap("wireproto.EncodeResponse", mnerr.GatewayTransportError, err)
			}
		}
		if err := writeLenPrefixed(w, resp.Message); err != nil {
			return mnerr.Wrap("wireproto.EncodeResponse", mnerr.GatewayTransportError, err)
		}
	case ResponseTagSelfAddress:
		if _, err := w.Write(resp.Recipient[:]); err != nil {
			return mnerr.Wrap("wireproto.EncodeResponse", mnerr.GatewayTransportError, err)
		}
	case ResponseTagLaneQueueLen:
		buf := [16]byte{}
		binary.BigEndian.PutUint64(buf[:8], resp.Lane)
		binary.BigEndian.PutUint64(buf[8:], resp.QueueLength)
		if _, err := w.Write(buf[:]); err != nil {
			return mnerr.Wrap("wireproto.EncodeResponse", mnerr.GatewayTransportError, err)
		}
	default:
		return mnerr.New("wireproto.EncodeResponse", mnerr.MalformedInput)
	}
	return nil
}

// DecodeResponse deserializes a Response written by EncodeResponse.
func DecodeResponse(r io.Reader) (*Response, error) {
	tagBuf := [1]byte{}
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return nil, mnerr.Wrap("wireproto.DecodeResponse", mnerr.GatewayTransportError, err)
	}
	resp := &Response{Tag: tagBuf[0]}
	switch resp.Tag {
	case ResponseTagError:
		codeBuf := [1]byte{}
		if _, err := io.ReadFull(r, codeBuf[:]); err != nil {
			return nil, mnerr.Wrap("wireproto.DecodeResponse", mnerr.MalformedInput, err)
		}
		resp.ErrCode = codeBuf[0]
		msg, err := readLenPrefixed(r)
		if err != nil {
			return nil, mnerr.Wrap("wireproto.DecodeResponse", mnerr.MalformedInput, err)
		}
		resp.Message = msg
	case ResponseTagReceived:
		hasBuf := [1]byte{}
		if _, err := io.ReadFull(r, hasBuf[:]); err != nil {
			return nil, mnerr.Wrap("wireproto.DecodeResponse", mnerr.MalformedInput, err)
		}
		resp.HasSenderTag = hasBuf[0] != 0
		if resp.HasSenderTag {
			if _, err := io.ReadFull(r, resp.SenderTag[:]); err != nil {
				return nil, mnerr.Wrap("wireproto.DecodeResponse", mnerr.MalformedInput, err)
			}
		}
		msg, err := readLenPrefixed(r)
		if err != nil {
			return nil, mnerr.Wrap("wireproto.DecodeResponse", mnerr.MalformedInput, err)
		}
		resp.Message = msg
	case ResponseTagSelfAddress:
		if _, err := io.ReadFull(r, resp.Recipient[:]); err != nil {
			return nil, mnerr.Wrap("wireproto.DecodeResponse", mnerr.MalformedInput, err)
		}
	case ResponseTagLaneQueueLen:
		buf := [16]byte{}
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, mnerr.Wrap("wireproto.DecodeResponse", mnerr.MalformedInput, err)
		}
		resp.Lane = binary.BigEndian.Uint64(buf[:8])
		resp.QueueLength = binary.BigEndian.Uint64(buf[8:])
	default:
		return nil, mnerr.New("wireproto.DecodeResponse", mnerr.MalformedInput)
	}
	return resp, nil
}

// maxFrameLength bounds a single mix-forwarder frame so a misbehaving
// peer can't make ReadFrame allocate without limit.
const maxFrameLength = 1 << 20

// WriteFrame writes payload as a 4-byte big-endian length prefix
// followed by payload, the framing cmd/mixforward speaks node-to-node,
// hand-rolled to a fixed-width wire format rather than a CBOR framing
// (see DESIGN.md).
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameLength {
		return mnerr.New("wireproto.WriteFrame", mnerr.MalformedInput)
	}
	hdr := [4]byte{}
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return mnerr.Wrap("wireproto.WriteFrame", mnerr.GatewayTransportError, err)
	}
	if _, err := w.Write(payload); err != nil {
		return mnerr.Wrap("wireproto.WriteFrame", mnerr.GatewayTransportError, err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame. A zero-length
// frame, which WriteFrame accepts, is rejected with an error.
func ReadFrame(r io.Reader) ([]byte, error) {
	hdr := [4]byte{}
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, mnerr.Wrap("wireproto.ReadFrame", mnerr.GatewayTransportError, err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameLength {
		return nil, mnerr.New("wireproto.ReadFrame", mnerr.MalformedInput)
	}
	if n == 0 {
		return nil, errors.New("wireproto: zero-length frame")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, mnerr.Wrap("wireproto.ReadFrame", mnerr.GatewayTransportError, err)
	}
	return buf, nil
}
