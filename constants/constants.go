// constants.go - mix-network client/node tunables.
// Copyright (C) 2017  Yawning Angel.
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

// Package constants contains the tunables shared across the client,
// mix-forwarder and signer components.
package constants

import (
	"time"
)

const (
	// RoundTripTimeSlop is added to the Poisson-estimated round trip delay
	// for a forward fragment and its acknowledgement before the ARQ
	// schedules a retransmission.
	RoundTripTimeSlop = 3 * time.Minute

	// DatabaseConnectTimeout bounds how long local bbolt stores are given
	// to open before the caller gives up.
	DatabaseConnectTimeout = 3 * time.Second

	// HopsPerPath is the number of mix hops a Sphinx path traverses,
	// excluding the gateway.
	HopsPerPath = 3

	// MessageIDLength is the length in bytes of a reassembled message's
	// identifier.
	MessageIDLength = 16

	// SURBIDLength is the length in bytes of a SURB/ack identifier.
	SURBIDLength = 16

	// SenderTagLength is the length in bytes of an AnonymousSenderTag.
	SenderTagLength = 16

	// SURBKeyDigestLength is the length in bytes of the key_digest prefix
	// a ReplySURB minter embeds ahead of a SURB-reply ciphertext, letting
	// the receiver recognize and decrypt a reply without first attempting
	// (and failing) a forward-fragment decrypt.
	SURBKeyDigestLength = 32

	// KeyStatusPrivate and KeyStatusPublic name the two halves of a key
	// file naming convention: "<type>.<status>.pem".
	KeyStatusPrivate = "private"
	KeyStatusPublic  = "public"

	// EndToEndKeyType names the client's long-term encryption key.
	EndToEndKeyType = "e2e"

	// LinkLayerKeyType names the wire-protocol / gateway-transport key.
	LinkLayerKeyType = "wire"

	// AckKeyType names the 32-byte NaCl SecretBox key (ackctrl.AckKey)
	// used to symmetrically encrypt acknowledgement payloads, distinct
	// from the Noise-based end-to-end fragment encryption. It is not an
	// AES-128 key.
	AckKeyType = "ack"

	// EcashKeyType names a credential signer's threshold-share key file.
	EcashKeyType = "ecash"

	// MixKeyType names one of a forwarder node's rotating Sphinx
	// decryption keypairs (suffixed "-prev"/"-current"/"-next" per
	// rotation slot).
	MixKeyType = "mixkey"

	// MixForwardQueueCapacity is not read by any package; the
	// forwarder's delay queue has no capacity bound.
	MixForwardQueueCapacity = 1 << 16

	// MixForwardDialTimeout bounds how long a forwarder waits to
	// establish the TCP connection to a packet's next hop.
	MixForwardDialTimeout = 10 * time.Second

	// DefaultMessageSendingAverageDelay is lambda_payload^-1: the mean of
	// the Poisson-distributed interval between real-traffic fragment
	// sends paced by the Input Manager.
	DefaultMessageSendingAverageDelay = 100 * time.Millisecond

	// DefaultLoopCoverAverageDelay is lambda_loop^-1: the mean interval
	// between self-addressed loop-cover packets, kept distinct from the
	// payload rate per the loop-cover traffic economics supplement.
	DefaultLoopCoverAverageDelay = 2 * time.Second

	// DefaultMaxRetransmissions bounds the ARQ: after this many
	// retransmissions it logs the failure and drops the pending entry;
	// the caller is not notified.
	DefaultMaxRetransmissions = 5

	// DefaultPathHops is the total Sphinx path length path_selection
	// builds by default: a sending gateway, HopsPerPath interior mixes,
	// and a receiving gateway.
	DefaultPathHops = HopsPerPath + 2

	// DefaultPathDelayLambda is the default per-hop Poisson delay rate
	// path_selection draws forward/reply hop delays from.
	DefaultPathDelayLambda = 0.00025

	// MinSURBsPerTag and MaxSURBsPerTag bound the fresh-SURB deque
	// maintained per AnonymousSenderTag; falling to the minimum triggers
	// a replenishment request, reaching the maximum halts it.
	MinSURBsPerTag = 4
	MaxSURBsPerTag = 32

	// GiveawaySURBsPerMessage is how many fresh ReplySURBs a
	// SendWithReply message embeds for its recipient on top of the
	// message's own per-fragment ack SURBs.
	GiveawaySURBsPerMessage = MinSURBsPerTag

	// GiveawaySURBStaleAfter and GiveawaySURBExpiry bound a give-away
	// ReplySURB's lifetime once stored by the recipient, mirroring the
	// Sphinx key-rotation window a reply path must still resolve within.
	GiveawaySURBStaleAfter = 1 * time.Hour
	GiveawaySURBExpiry     = 4 * time.Hour

	// ReplayFilterRotationInterval is the lifetime of a single bloom-filter
	// slot in the mix node's three-slot rotation.
	ReplayFilterRotationInterval = 1 * time.Hour

	// DKG phase identifiers, in the order the epoch state machine
	// transitions through them.
	DKGPhaseWaitingInitialisation   = "WaitingInitialisation"
	DKGPhasePublicKeySubmission     = "PublicKeySubmission"
	DKGPhaseDealingExchange         = "DealingExchange"
	DKGPhaseVerificationKeySubmission = "VerificationKeySubmission"
	DKGPhaseVerificationKeyValidation = "VerificationKeyValidation"
	DKGPhaseVerificationKeyFinalization = "VerificationKeyFinalization"
	DKGPhaseInProgress              = "InProgress"
)
