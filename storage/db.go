// db.go - durable storage for PendingAcks, SURB keys, replay state and
// blind-sign credential shares.
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

// Package storage is the durable backing store shared by the client,
// the mix-forwarder and a credential signer: PendingAcks and their SURB
// decryption keys survive a restart, the replay filter's rotation state
// is checkpointed between bloom-slot rotations, a DKG epoch's per-phase
// completion state is checkpointed so a resumed signer can detect which
// submissions are already on-chain, and a credential signer's issued
// partial shares are recorded so a crash can't silently double-issue.
// Bucket-per-concern boltdb layout and cbor-encoded records follow the
// same persistence shape as other bolt-backed egress/ingress stores.
package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/coreos/bbolt"
	"github.com/ugorji/go/codec"

	sphinxconstants "github.com/katzenpost/core/sphinx/constants"

	"github.com/katzenpost/mixclient/constants"
	"github.com/katzenpost/mixclient/mnerr"
)

// cborHandle serializes PendingAckRecords, the only CBOR-encoded
// records in this store.
var cborHandle = new(codec.CborHandle)

const (
	pendingAckBucketName   = "pending_acks"
	replayBloomBucketName  = "replay_bloom"
	ecashShareBucketName   = "ecash_shares"
	dkgEpochBucketName     = "dkg_epochs"
	blindSignFailureBucket = "blindsign_failures"
)

// PendingAckRecord is the durable form of an ackctrl.PendingAck: kept as
// its own type here (rather than importing ackctrl) so storage has no
// dependency on the retransmission scheduler.
type PendingAckRecord struct {
	ID          [constants.MessageIDLength]byte
	SURBID      [sphinxconstants.SURBIDLength]byte
	Payload     []byte
	SURBKeys    []byte
	SendAt      time.Time
	RTTEstimate time.Duration
	Retries     int
}

// cborPendingAckRecord mirrors PendingAckRecord with plain slices in
// place of fixed-size arrays and a wire-friendly timestamp, since codec's
// cbor handle round-trips those more predictably than [N]byte arrays.
type cborPendingAckRecord struct {
	ID          []byte
	SURBID      []byte
	Payload     []byte
	SURBKeys    []byte
	SendAt      int64
	RTTEstimate int64
	Retries     int
}

func (p *PendingAckRecord) toBytes() ([]byte, error) {
	c := cborPendingAckRecord{
		ID:          p.ID[:],
		SURBID:      p.SURBID[:],
		Payload:     p.Payload,
		SURBKeys:    p.SURBKeys,
		SendAt:      p.SendAt.UnixNano(),
		RTTEstimate: int64(p.RTTEstimate),
		Retries:     p.Retries,
	}
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, cborHandle)
	if err := enc.Encode(&c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func pendingAckRecordFromBytes(raw []byte) (*PendingAckRecord, error) {
	c := cborPendingAckRecord{}
	dec := codec.NewDecoder(bytes.NewReader(raw), cborHandle)
	if err := dec.Decode(&c); err != nil {
		return nil, err
	}
	p := &PendingAckRecord{
		Payload:     c.Payload,
		SURBKeys:    c.SURBKeys,
		SendAt:      time.Unix(0, c.SendAt),
		RTTEstimate: time.Duration(c.RTTEstimate),
		Retries:     c.Retries,
	}
	copy(p.ID[:], c.ID)
	copy(p.SURBID[:], c.SURBID)
	return p, nil
}

// Store is the boltdb-backed persistence layer.
type Store struct {
	db *bolt.DB
}

// New opens (creating if necessary) the boltdb file at dbFile.
func New(dbFile string) (*Store, error) {
	db, err := bolt.Open(dbFile, 0600, &bolt.Options{Timeout: constants.DatabaseConnectTimeout})
	if err != nil {
		return nil, mnerr.Wrap("storage.New", mnerr.GatewayTransportError, err)
	}
	s := &Store{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{pendingAckBucketName, replayBloomBucketName, ecashShareBucketName, dkgEpochBucketName, blindSignFailureBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, mnerr.Wrap("storage.New", mnerr.GatewayTransportError, err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutPendingAck persists p, keyed by its SURB ID, surviving a restart
// until RemovePendingAck or the ARQ's retry ceiling removes it.
func (s *Store) PutPendingAck(p *PendingAckRecord) error {
	value, err := p.toBytes()
	if err != nil {
		return mnerr.Wrap("storage.PutPendingAck", mnerr.MalformedInput, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pendingAckBucketName)).Put(p.SURBID[:], value)
	})
	if err != nil {
		return mnerr.Wrap("storage.PutPendingAck", mnerr.GatewayTransportError, err)
	}
	return nil
}

// GetPendingAck returns the persisted record for surbID, if any.
func (s *Store) GetPendingAck(surbID [sphinxconstants.SURBIDLength]byte) (*PendingAckRecord, error) {
	var record *PendingAckRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(pendingAckBucketName)).Get(surbID[:])
		if v == nil {
			return nil
		}
		r, err := pendingAckRecordFromBytes(v)
		if err != nil {
			return err
		}
		record = r
		return nil
	})
	if err != nil {
		return nil, mnerr.Wrap("storage.GetPendingAck", mnerr.MalformedInput, err)
	}
	return record, nil
}

// RemovePendingAck deletes the persisted record for surbID, called once
// an acknowledgement cancels the retransmission or the ARQ gives up.
func (s *Store) RemovePendingAck(surbID [sphinxconstants.SURBIDLength]byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pendingAckBucketName)).Delete(surbID[:])
	})
	if err != nil {
		return mnerr.Wrap("storage.RemovePendingAck", mnerr.GatewayTransportError, err)
	}
	return nil
}

// AllPendingAcks returns every persisted PendingAckRecord, used to
// repopulate ackctrl.Table and the ARQ priority queue on startup.
func (s *Store) AllPendingAcks() ([]*PendingAckRecord, error) {
	var records []*PendingAckRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(pendingAckBucketName)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			r, err := pendingAckRecordFromBytes(v)
			if err != nil {
				return err
			}
			records = append(records, r)
		}
		return nil
	})
	if err != nil {
		return nil, mnerr.Wrap("storage.AllPendingAcks", mnerr.MalformedInput, err)
	}
	return records, nil
}

// replayBloomKey identifies one of the replay filter's three rotating
// bloom-filter slots.
func replayBloomKey(slot int) []byte {
	return []byte(fmt.Sprintf("slot_%d", slot))
}

// replayBloomTrailerLength is unix_seconds:i64 || packets_received_at_creation:u64 || rotation_id:u32.
const replayBloomTrailerLength = 8 + 8 + 4

// ReplayBloomSlotMeta is the non-filter state checkpointed alongside a
// replay filter slot's serialized bloom bytes: when the slot was created,
// how many packets the node had observed through the filter by then, and
// which RotationID the slot was minted under.
type ReplayBloomSlotMeta struct {
	CreatedAt                 time.Time
	PacketsReceivedAtCreation uint64
	RotationID                uint32
}

// PutReplayBloomSlot checkpoints one rotation slot's serialized bloom
// filter bytes, trailered with meta as raw big-endian fields rather than
// a JSON envelope: this record is rewritten on every rotation, not just
// read back occasionally, so the lighter format matters.
func (s *Store) PutReplayBloomSlot(slot int, filterBytes []byte, meta ReplayBloomSlotMeta) error {
	trailer := make([]byte, replayBloomTrailerLength)
	binary.BigEndian.PutUint64(trailer[0:8], uint64(meta.CreatedAt.Unix()))
	binary.BigEndian.PutUint64(trailer[8:16], meta.PacketsReceivedAtCreation)
	binary.BigEndian.PutUint32(trailer[16:20], meta.RotationID)
	value := append(append([]byte{}, filterBytes...), trailer...)
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(replayBloomBucketName)).Put(replayBloomKey(slot), value)
	})
	if err != nil {
		return mnerr.Wrap("storage.PutReplayBloomSlot", mnerr.BloomfilterUnavailable, err)
	}
	return nil
}

// GetReplayBloomSlot returns the serialized bloom filter bytes and
// checkpointed metadata for slot, or (nil, zero-value, nil) if nothing
// has been checkpointed yet.
func (s *Store) GetReplayBloomSlot(slot int) ([]byte, ReplayBloomSlotMeta, error) {
	var filterBytes []byte
	var meta ReplayBloomSlotMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(replayBloomBucketName)).Get(replayBloomKey(slot))
		if v == nil || len(v) < replayBloomTrailerLength {
			return nil
		}
		trailer := v[len(v)-replayBloomTrailerLength:]
		meta = ReplayBloomSlotMeta{
			CreatedAt:                 time.Unix(int64(binary.BigEndian.Uint64(trailer[0:8])), 0),
			PacketsReceivedAtCreation: binary.BigEndian.Uint64(trailer[8:16]),
			RotationID:                binary.BigEndian.Uint32(trailer[16:20]),
		}
		filterBytes = make([]byte, len(v)-replayBloomTrailerLength)
		copy(filterBytes, v[:len(v)-replayBloomTrailerLength])
		return nil
	})
	if err != nil {
		return nil, ReplayBloomSlotMeta{}, mnerr.Wrap("storage.GetReplayBloomSlot", mnerr.BloomfilterUnavailable, err)
	}
	return filterBytes, meta, nil
}

// PutEcashShareIssued records that requestID has already been issued a
// blind signature share, so a crash and restart can't double-issue
// against the same request.
func (s *Store) PutEcashShareIssued(requestID []byte, share []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ecashShareBucketName)).Put(requestID, share)
	})
	if err != nil {
		return mnerr.Wrap("storage.PutEcashShareIssued", mnerr.GatewayTransportError, err)
	}
	return nil
}

// WasEcashShareIssued reports whether requestID has already been issued
// a share, and if so, returns the previously issued bytes so the signer
// can return an idempotent response instead of re-signing.
func (s *Store) WasEcashShareIssued(requestID []byte) ([]byte, bool, error) {
	var share []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(ecashShareBucketName)).Get(requestID)
		if v == nil {
			return nil
		}
		share = make([]byte, len(v))
		copy(share, v)
		return nil
	})
	if err != nil {
		return nil, false, mnerr.Wrap("storage.WasEcashShareIssued", mnerr.MalformedInput, err)
	}
	return share, share != nil, nil
}

// epochKey identifies the persisted checkpoint for one DKG epoch.
func epochKey(epochID uint64) []byte {
	return []byte(fmt.Sprintf("epoch_%020d", epochID))
}

// PutDKGEpochState checkpoints a DKG epoch's serialized progress
// (phase, completed-phase flags, validation votes) so a resumed
// participant can tell which submissions are already on-chain instead
// of resubmitting them.
func (s *Store) PutDKGEpochState(epochID uint64, encoded []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(dkgEpochBucketName)).Put(epochKey(epochID), encoded)
	})
	if err != nil {
		return mnerr.Wrap("storage.PutDKGEpochState", mnerr.GatewayTransportError, err)
	}
	return nil
}

// GetDKGEpochState returns the last checkpoint written by
// PutDKGEpochState, or ok=false if epochID has no checkpoint yet.
func (s *Store) GetDKGEpochState(epochID uint64) (encoded []byte, ok bool, err error) {
	getErr := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(dkgEpochBucketName)).Get(epochKey(epochID))
		if v == nil {
			return nil
		}
		encoded = make([]byte, len(v))
		copy(encoded, v)
		return nil
	})
	if getErr != nil {
		return nil, false, mnerr.Wrap("storage.GetDKGEpochState", mnerr.MalformedInput, getErr)
	}
	return encoded, encoded != nil, nil
}

// PutBlindSignFailure records that a signer declined or failed to
// issue a partial share for requestID, so a client re-requesting from
// another signer can be told why this one refused instead of retrying
// it blindly.
func (s *Store) PutBlindSignFailure(requestID []byte, reason string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(blindSignFailureBucket)).Put(requestID, []byte(reason))
	})
	if err != nil {
		return mnerr.Wrap("storage.PutBlindSignFailure", mnerr.GatewayTransportError, err)
	}
	return nil
}

// GetBlindSignFailure returns the reason recorded by PutBlindSignFailure
// for requestID, if any.
func (s *Store) GetBlindSignFailure(requestID []byte) (reason string, ok bool, err error) {
	getErr := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(blindSignFailureBucket)).Get(requestID)
		if v == nil {
			return nil
		}
		reason = string(v)
		return nil
	})
	if getErr != nil {
		return "", false, mnerr.Wrap("storage.GetBlindSignFailure", mnerr.MalformedInput, getErr)
	}
	return reason, reason != "", nil
}
