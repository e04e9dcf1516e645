// ackcodec_test.go - ack bearer token round trip tests
// Copyright (C) 2018  masala, David Stainton.
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

package ackctrl

import (
	"testing"

	"github.com/stretchr/testify/require"

	sConstants "github.com/katzenpost/core/sphinx/constants"
)

func TestSealOpenFragmentIDRoundTrip(t *testing.T) {
	require := require.New(t)
	var key AckKey
	for i := range key {
		key[i] = byte(i)
	}
	var surbID [sConstants.SURBIDLength]byte
	for i := range surbID {
		surbID[i] = byte(0xaa)
	}

	sealed, err := SealFragmentID(&key, surbID)
	require.NoError(err)

	got, err := OpenFragmentID(&key, sealed)
	require.NoError(err)
	require.Equal(surbID, got)
}

func TestOpenFragmentIDRejectsTamperedCiphertext(t *testing.T) {
	require := require.New(t)
	var key AckKey
	var surbID [sConstants.SURBIDLength]byte
	sealed, err := SealFragmentID(&key, surbID)
	require.NoError(err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = OpenFragmentID(&key, sealed)
	require.Error(err)
}

func TestOpenFragmentIDRejectsWrongKey(t *testing.T) {
	require := require.New(t)
	var key, otherKey AckKey
	otherKey[0] = 1
	var surbID [sConstants.SURBIDLength]byte
	sealed, err := SealFragmentID(&key, surbID)
	require.NoError(err)

	_, err = OpenFragmentID(&otherKey, sealed)
	require.Error(err)
}
