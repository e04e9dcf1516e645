// mnerr.go - error kinds shared across client, forwarder and signer.
// Copyright (C) 2017  David Anthony Stainton.
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

// Package mnerr enumerates the error kinds propagated between mix-network
// components, so callers can type-switch on Kind instead of matching
// strings.
package mnerr

import (
	"errors"
	"fmt"
)

// Kind identifies the class of failure behind an Error, matching the
// propagation table in the error handling design: each Kind implies
// whether a caller should return-to-caller, log-and-drop, or
// reconnect-with-backoff.
type Kind int

const (
	// MalformedInput marks a fragment, ack or wire command that failed
	// structural validation before any stateful processing began.
	MalformedInput Kind = iota

	// TopologyUnroutable marks a path-selection failure because the
	// current PKI snapshot cannot satisfy the requested hop count.
	TopologyUnroutable

	// CredentialExhausted marks a request that consumed the last
	// available ecash credential share without reaching threshold.
	CredentialExhausted

	// GatewayTransportError marks a failure of the underlying transport
	// to the gateway, not of any mixnet protocol state.
	GatewayTransportError

	// DuplicateFragment marks a fragment already present in the
	// recently-reconstructed set.
	DuplicateFragment

	// ReplayDetected marks a Sphinx packet whose replay tag was already
	// seen by the rotating bloom filter.
	ReplayDetected

	// BloomfilterUnavailable marks a replay filter that could not load
	// or persist its rotation state.
	BloomfilterUnavailable

	// DkgPhaseFailed marks a DKG epoch that could not reach quorum before
	// its phase deadline.
	DkgPhaseFailed

	// BlindSignProofInvalid marks a blinded credential request whose
	// zero-knowledge proof failed verification.
	BlindSignProofInvalid

	// SURBExhausted marks a reply to an AnonymousSenderTag for which no
	// fresh or possibly-stale SURB remains to carry the reply.
	SURBExhausted
)

func (k Kind) String() string {
	switch k {
	case MalformedInput:
		return "malformed input"
	case TopologyUnroutable:
		return "topology unroutable"
	case CredentialExhausted:
		return "credential exhausted"
	case GatewayTransportError:
		return "gateway transport error"
	case DuplicateFragment:
		return "duplicate fragment"
	case ReplayDetected:
		return "replay detected"
	case BloomfilterUnavailable:
		return "bloom filter unavailable"
	case DkgPhaseFailed:
		return "dkg phase failed"
	case BlindSignProofInvalid:
		return "blind sign proof invalid"
	case SURBExhausted:
		return "surb exhausted"
	default:
		return "unknown error kind"
	}
}

// Error wraps an underlying cause with a Kind so callers further up the
// stack can decide how to react without parsing strings.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error for the given op/kind with no wrapped cause.
func New(op string, kind Kind) error {
	return &Error{Op: op, Kind: kind, Err: errors.New(kind.String())}
}

// Wrap returns an *Error for the given op/kind wrapping err.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
