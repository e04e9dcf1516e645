// wireproto_test.go - address rendering and framing tests
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

package wireproto

import (
	"bytes"
	"testing"

	"github.com/katzenpost/core/crypto/rand"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/mixclient/constants"
)

func TestRecipientRoundTrip(t *testing.T) {
	require := require.New(t)
	var id [constants.SenderTagLength]byte
	_, err := rand.Reader.Read(id[:])
	require.NoError(err)

	addr := FormatRecipient(id, "gateway1")
	gotID, gotGateway, err := ParseRecipient(addr)
	require.NoError(err)
	require.Equal(id, gotID)
	require.Equal("gateway1", gotGateway)
}

func TestParseRecipientRejectsMalformed(t *testing.T) {
	require := require.New(t)
	_, _, err := ParseRecipient("no-at-sign-here")
	require.Error(err)
}

func TestSenderTagRoundTrip(t *testing.T) {
	require := require.New(t)
	var tag [constants.SenderTagLength]byte
	_, err := rand.Reader.Read(tag[:])
	require.NoError(err)

	got, err := ParseSenderTag(FormatSenderTag(tag))
	require.NoError(err)
	require.Equal(tag, got)
}

func TestFrameRoundTrip(t *testing.T) {
	require := require.New(t)
	var buf bytes.Buffer
	payload := []byte("a mix-forwarder frame")
	require.NoError(WriteFrame(&buf, payload))
	got, err := ReadFrame(&buf)
	require.NoError(err)
	require.Equal(payload, got)
}

func TestReadFrameRejectsOversized(t *testing.T) {
	require := require.New(t)
	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff})
	_, err := ReadFrame(&buf)
	require.Error(err)
}

func TestRequestSendRoundTrip(t *testing.T) {
	require := require.New(t)
	req := &Request{
		Tag:            RequestTagSend,
		SURBsRequested: 10,
		Message:        []byte("ping"),
	}
	_, err := rand.Reader.Read(req.Recipient[:])
	require.NoError(err)

	var buf bytes.Buffer
	require.NoError(EncodeRequest(&buf, req))
	got, err := DecodeRequest(&buf)
	require.NoError(err)
	require.Equal(req, got)
}

func TestRequestReplyRoundTrip(t *testing.T) {
	require := require.New(t)
	req := &Request{Tag: RequestTagReply, Message: []byte("pong")}
	_, err := rand.Reader.Read(req.SenderTag[:])
	require.NoError(err)

	var buf bytes.Buffer
	require.NoError(EncodeRequest(&buf, req))
	got, err := DecodeRequest(&buf)
	require.NoError(err)
	require.Equal(req, got)
}

func TestRequestSelfAddressRoundTrip(t *testing.T) {
	require := require.New(t)
	req := &Request{Tag: RequestTagSelfAddress}
	var buf bytes.Buffer
	require.NoError(EncodeRequest(&buf, req))
	got, err := DecodeRequest(&buf)
	require.NoError(err)
	require.Equal(req, got)
}

func TestRequestGetLaneQueueRoundTrip(t *testing.T) {
	require := require.New(t)
	req := &Request{Tag: RequestTagGetLaneQueue, Lane: 7}
	var buf bytes.Buffer
	require.NoError(EncodeRequest(&buf, req))
	got, err := DecodeRequest(&buf)
	require.NoError(err)
	require.Equal(req, got)
}

func TestResponseReceivedWithSenderTagRoundTrip(t *testing.T) {
	require := require.New(t)
	resp := &Response{Tag: ResponseTagReceived, HasSenderTag: true, Message: []byte("pong")}
	_, err := rand.Reader.Read(resp.SenderTag[:])
	require.NoError(err)

	var buf bytes.Buffer
	require.NoError(EncodeResponse(&buf, resp))
	got, err := DecodeResponse(&buf)
	require.NoError(err)
	require.Equal(resp, got)
}

func TestResponseReceivedWithoutSenderTagRoundTrip(t *testing.T) {
	require := require.New(t)
	resp := &Response{Tag: ResponseTagReceived, Message: []byte("hello")}

	var buf bytes.Buffer
	require.NoError(EncodeResponse(&buf, resp))
	got, err := DecodeResponse(&buf)
	require.NoError(err)
	require.Equal(resp, got)
}

func TestResponseErrorRoundTrip(t *testing.T) {
	require := require.New(t)
	resp := &Response{Tag: ResponseTagError, ErrCode: 3, Message: []byte("topology unroutable")}

	var buf bytes.Buffer
	require.NoError(EncodeResponse(&buf, resp))
	got, err := DecodeResponse(&buf)
	require.NoError(err)
	require.Equal(resp, got)
}

func TestResponseSelfAddressRoundTrip(t *testing.T) {
	require := require.New(t)
	resp := &Response{Tag: ResponseTagSelfAddress}
	_, err := rand.Reader.Read(resp.Recipient[:])
	require.NoError(err)

	var buf bytes.Buffer
	require.NoError(EncodeResponse(&buf, resp))
	got, err := DecodeResponse(&buf)
	require.NoError(err)
	require.Equal(resp, got)
}

func TestResponseLaneQueueLenRoundTrip(t *testing.T) {
	require := require.New(t)
	resp := &Response{Tag: ResponseTagLaneQueueLen, Lane: 1, QueueLength: 42}

	var buf bytes.Buffer
	require.NoError(EncodeResponse(&buf, resp))
	got, err := DecodeResponse(&buf)
	require.NoError(err)
	require.Equal(resp, got)
}

func TestDecodeRequestRejectsUnknownTag(t *testing.T) {
	require := require.New(t)
	var buf bytes.Buffer
	buf.WriteByte(0xff)
	_, err := DecodeRequest(&buf)
	require.Error(err)
}
