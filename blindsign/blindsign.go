// blindsign.go - threshold blind-signature credential issuance.
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

// Package blindsign implements one signer's side of threshold ecash
// credential issuance: a client presents a blinded commitment and a
// proof that it was well-formed, the signer verifies the proof and
// returns its partial BLS share of that commitment, and a later
// aggregator combines threshold-many shares into a spendable ticket.
//
// A signer's share comes from the same epoch keypair produced by
// package dkg: the pairing-friendly analogue of dkg's
// dkgpedersen.DistKeyShare, signed here with
// go.dedis.ch/kyber/v3/sign/tbls rather than plain Schnorr, since
// ecash tickets must aggregate across threshold-many signers without
// a second interactive round.
package blindsign

import (
	"go.dedis.ch/kyber/v3/pairing"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/sign/tbls"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/core/log"

	"github.com/katzenpost/mixclient/mnerr"
	"github.com/katzenpost/mixclient/storage"
)

// Verifier checks that a blinded commitment was produced honestly,
// without learning the committed attributes themselves. The default
// Verifier treats the client's accompanying proof as a Schnorr
// signature over the commitment bytes under a proof key the client
// reveals, the simplest proof-of-knowledge kyber offers out of the
// box; a deployment wanting attribute-range proofs or a full Coconut
// credential scheme would substitute its own Verifier here.
type Verifier interface {
	VerifyProof(commitment, proofPublicKey, proof []byte) error
}

// SchnorrCommitmentVerifier is the default Verifier: it requires that
// proof verify as a Schnorr signature by proofPublicKey over
// commitment, under suite.
type SchnorrCommitmentVerifier struct {
	Suite pairing.Suite
}

// VerifyProof implements Verifier.
func (v *SchnorrCommitmentVerifier) VerifyProof(commitment, proofPublicKeyBytes, proof []byte) error {
	pub := v.Suite.G1().Point()
	if err := pub.UnmarshalBinary(proofPublicKeyBytes); err != nil {
		return mnerr.Wrap("blindsign.VerifyProof", mnerr.BlindSignProofInvalid, err)
	}
	if err := schnorr.Verify(v.Suite.G1(), pub, commitment, proof); err != nil {
		return mnerr.Wrap("blindsign.VerifyProof", mnerr.BlindSignProofInvalid, err)
	}
	return nil
}

// Request is one client's blind-signing request for a single ecash
// credential, keyed on a deposit id drawn from the shared replay
// ledger so the same request can be retried idempotently.
type Request struct {
	DepositID      []byte
	EpochID        uint64
	Commitment     []byte
	ProofPublicKey []byte
	Proof          []byte
}

// Config configures a signer's blind-sign Handler for one DKG epoch.
type Config struct {
	Suite    pairing.Suite
	Share    *share.PriShare
	Verifier Verifier
	Store    *storage.Store
}

// Handler issues partial BLS shares for one signer in one epoch.
type Handler struct {
	log *logging.Logger
	cfg *Config
}

// New constructs a Handler. If cfg.Verifier is nil, a
// SchnorrCommitmentVerifier over cfg.Suite is used.
func New(logBackend *log.Backend, cfg *Config) *Handler {
	if cfg.Verifier == nil {
		cfg.Verifier = &SchnorrCommitmentVerifier{Suite: cfg.Suite}
	}
	return &Handler{
		log: logBackend.GetLogger("blindsign"),
		cfg: cfg,
	}
}

// depositKey derives the idempotence key a request is stored under:
// deposit id scoped to the epoch, so the same deposit id reused in a
// later epoch (after a reshare) is treated as a fresh request.
func depositKey(epochID uint64, depositID []byte) []byte {
	key := make([]byte, 8+len(depositID))
	for i := 0; i < 8; i++ {
		key[i] = byte(epochID >> (8 * (7 - i)))
	}
	copy(key[8:], depositID)
	return key
}

// Issue verifies req's proof and returns this signer's partial share
// of req.Commitment. Resubmitting the same DepositID returns the
// identical share already issued rather than signing again, matching
// the at-least-once delivery the deposit ledger is meant to provide.
func (h *Handler) Issue(req *Request) ([]byte, error) {
	key := depositKey(req.EpochID, req.DepositID)

	if existing, found, err := h.cfg.Store.WasEcashShareIssued(key); err != nil {
		return nil, err
	} else if found {
		h.log.Debugf("deposit %x already issued, returning stored share", req.DepositID)
		return existing, nil
	}

	if err := h.cfg.Verifier.VerifyProof(req.Commitment, req.ProofPublicKey, req.Proof); err != nil {
		if ferr := h.cfg.Store.PutBlindSignFailure(key, err.Error()); ferr != nil {
			h.log.Errorf("failed to persist blind-sign failure for deposit %x: %v", req.DepositID, ferr)
		}
		return nil, err
	}

	partial, err := tbls.Sign(h.cfg.Suite, h.cfg.Share, req.Commitment)
	if err != nil {
		wrapped := mnerr.Wrap("blindsign.Issue", mnerr.BlindSignProofInvalid, err)
		if ferr := h.cfg.Store.PutBlindSignFailure(key, wrapped.Error()); ferr != nil {
			h.log.Errorf("failed to persist blind-sign failure for deposit %x: %v", req.DepositID, ferr)
		}
		return nil, wrapped
	}

	if err := h.cfg.Store.PutEcashShareIssued(key, partial); err != nil {
		return nil, err
	}
	h.log.Noticef("issued partial share for deposit %x epoch %d", req.DepositID, req.EpochID)
	return partial, nil
}

// Recover aggregates threshold-many partial shares over commitment
// into the final ecash ticket signature, which the client then
// unblinds. It is run client-side once enough signers have answered,
// not by a Handler, since no single signer sees more than one share.
func Recover(suite pairing.Suite, public *share.PubPoly, commitment []byte, shares [][]byte, threshold, n int) ([]byte, error) {
	sig, err := tbls.Recover(suite, public, commitment, shares, threshold, n)
	if err != nil {
		return nil, mnerr.Wrap("blindsign.Recover", mnerr.CredentialExhausted, err)
	}
	return sig, nil
}
