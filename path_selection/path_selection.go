// path_selection.go - mixnet client path selection
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

// Package path_selection implements mixnet client path selection.
package path_selection

import (
	"errors"
	"fmt"
	mathrand "math/rand"
	"time"

	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/epochtime"
	"github.com/katzenpost/core/pki"
	"github.com/katzenpost/core/sphinx"
	"github.com/katzenpost/core/sphinx/commands"
	"github.com/katzenpost/core/sphinx/constants"
)

// durationFromFloat returns millisecond time.Duration given a float64
func durationFromFloat(delay float64) (time.Duration, error) {
	d, err := time.ParseDuration(fmt.Sprintf("%fms", delay))
	return d, err
}

// getDelays returns a list of delays from
// the Poisson distribution with a given
// lambda argument. As per section
// "5.1 Choosing Delays: for single Block messages and for multi Block messages"
// of the "Panoramix Mix Network End-to-end Protocol Specification"
// the delay for the egress provider, the last hop is always zero,
// see https://github.com/Katzenpost/docs/blob/master/specs/end_to_end.txt
func getDelays(lambda float64, count int) []float64 {
	cryptRand := rand.NewMath()
	delays := make([]float64, count)
	for i := 0; i < count-1; i++ {
		delays[i] = rand.Exp(cryptRand, lambda)
	}
	delays[count-1] = float64(0)
	return delays
}

// sum adds a slice of float64.
// this is used to get the sum of delays
// which are represented as float64s
func sum(input []float64) float64 {
	total := float64(0)
	for _, n := range input {
		total += n
	}
	return total
}

// RouteFactory builds routes given a PKI document supplied by the
// caller at each Build call (the topology Accessor's current snapshot),
// rather than holding a pki.Client of its own, since
// github.com/katzenpost/core/pki.Client's Get(ctx, epoch) interface
// doesn't expose per-layer descriptor lookups directly. Taking the
// already-fetched *pki.Document avoids that mismatch and matches how
// topology.Accessor already hands out snapshots. This factory is used
// to create routes for a mix network
// which uses the Poisson mix strategy, where the client selects a delay
// for each hop in the route, the mean of this distribution tuneable
// using the lambda parameter.
type RouteFactory struct {
	nrHops int
	lambda float64
}

// New creates a new RouteFactory for creating routes.
func New(nrHops int, lambda float64) *RouteFactory {
	return &RouteFactory{
		nrHops: nrHops,
		lambda: lambda,
	}
}

func findProvider(doc *pki.Document, name string) (*pki.MixDescriptor, error) {
	for _, p := range doc.Providers {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("path_selection: unknown provider %q", name)
}

// getRouteDescriptors returns a slice of mix descriptors,
// one for each hop in the route where each mix descriptor
// was selected from the set of descriptors for that layer
func (r *RouteFactory) getRouteDescriptors(doc *pki.Document, senderProviderName, recipientProviderName string) ([]*pki.MixDescriptor, error) {
	var err error
	descriptors := make([]*pki.MixDescriptor, r.nrHops)
	descriptors[0], err = findProvider(doc, senderProviderName)
	if err != nil {
		return nil, err
	}
	descriptors[r.nrHops-1], err = findProvider(doc, recipientProviderName)
	if err != nil {
		return nil, err
	}
	for i := 1; i < r.nrHops-1; i++ {
		layer := i - 1
		if layer >= len(doc.Topology) || len(doc.Topology[layer]) == 0 {
			return nil, fmt.Errorf("path_selection: no mixes published for layer %d", layer)
		}
		layerMixes := doc.Topology[layer]
		c := mathrand.Intn(len(layerMixes))
		descriptors[i] = layerMixes[c]
	}
	return descriptors, nil
}

// getHopEpochKeys is a helper function which ultimately selects
// appropriate mix routing keys for each hop in the route. This function is
// given a 'till' argument which specifies the mount of time until the
// next Key Rotation Epoch. The 'delays' argument specifies the delay for
// each hop in the route and the 'descriptors' is a list of MixDescriptor
// for each hop. For detailed information about the mix key rotation
// schedule, refer to section "4.2 Sphinx Mix and Provider Key Rotation"
// of the "Panoramix Mix Network Specification"
// https://github.com/Katzenpost/docs/blob/master/specs/mixnet.txt
func (r *RouteFactory) getHopEpochKeys(till time.Duration, delays []float64, descriptors []*pki.MixDescriptor) ([]*ecdh.PublicKey, error) {
	hopDelay := delays[0]
	keys := make([]*ecdh.PublicKey, r.nrHops)
	for i := 0; i < len(descriptors); i++ {
		hopDelay += delays[i]
		hopDuration, err := durationFromFloat(hopDelay)
		if err != nil {
			return nil, err
		}
		if hopDuration < till {
			keys[i] = descriptors[i].EpochAPublicKey
		} else if hopDuration > till && hopDuration < till+epochtime.Period {
			keys[i] = descriptors[i].EpochBPublicKey
		} else if hopDuration > till && hopDuration < till+(2*epochtime.Period) {
			keys[i] = descriptors[i].EpochCPublicKey
		} else {
			return nil, errors.New("error: inappropriate delays")
		}
	}
	return keys, nil
}

// newPathVector returns a slice of PathHops and, for a reply path, its
// SURB ID.
// The PathHop struct has three attributes: ID, PublicKey and Commands.
// The ID and PublicKey are found in the mix descriptors while the
// Commands are specified by this function. newPathVector builds a reply
// path carrying a SURBReply command when pinnedSURBID is non-nil or
// recipientID is nil; otherwise it builds a forward path whose last hop
// carries a Recipient command for recipientID. Pinning
// lets a caller correlate the reply leg with an identifier it already
// chose (the ARQ's PendingAck key) instead of accepting whatever this
// function would otherwise mint, generalizing an always-mint-a-random-ID
// reply path construction to allow a caller-supplied identifier.
func (r *RouteFactory) newPathVector(till time.Duration,
	delays []float64,
	descriptors []*pki.MixDescriptor,
	recipientID *[constants.RecipientIDLength]byte,
	pinnedSURBID *[constants.SURBIDLength]byte) ([]*sphinx.PathHop, *[constants.SURBIDLength]byte, error) {

	isSURB := pinnedSURBID != nil || recipientID == nil
	path := make([]*sphinx.PathHop, r.nrHops)
	var surbID *[constants.SURBIDLength]byte
	keys, err := r.getHopEpochKeys(till, delays, descriptors)
	if err != nil {
		return nil, nil, err
	}
	for i := range path {
		path[i] = new(sphinx.PathHop)
		copy(path[i].ID[:], descriptors[i].ID[:])
		path[i].PublicKey = keys[i]
		if i < r.nrHops-1 {
			// Non-terminal hop, add the delay.
			delay := new(commands.NodeDelay)
			delay.Delay = uint32(delays[i])
			path[i].Commands = append(path[i].Commands, delay)
		} else {
			if isSURB {
				surbReply := new(commands.SURBReply)
				if pinnedSURBID != nil {
					id := *pinnedSURBID
					surbID = &id
				} else {
					id := [constants.SURBIDLength]byte{}
					surbID = &id
					if _, err := rand.Reader.Read(surbID[:]); err != nil {
						return nil, nil, err
					}
				}
				surbReply.ID = *surbID
				path[i].Commands = append(path[i].Commands, surbReply)
			} else {
				// Terminal hop, add the recipient.
				recipient := new(commands.Recipient)
				copy(recipient.ID[:], recipientID[:])
				path[i].Commands = append(path[i].Commands, recipient)
			}
		}
	}
	return path, surbID, nil
}

// next returns a new forward path, reply path, SURB_ID and error.
// This implements section 5.2 Path selection algorithm of the
// Panoramix Mix Network End-to-end Protocol Specification
// see https://github.com/Katzenpost/docs/blob/master/specs/end_to_end.txt
// The generated forward and reply paths are intended to be used
// with the Poisson Stop and Wait ARQ, an end to end reliable transmission
// protocol for mix network using the Poisson mix strategy.
func (r *RouteFactory) next(doc *pki.Document,
	senderProviderName,
	recipientProviderName string,
	recipientID *[constants.RecipientIDLength]byte,
	pinnedSURBID *[constants.SURBIDLength]byte) ([]*sphinx.PathHop, []*sphinx.PathHop, *[constants.SURBIDLength]byte, error) {

	// 1. Sample all forward and SURB delays.
	forwardDelays := getDelays(r.lambda, r.nrHops)
	replyDelays := getDelays(r.lambda, r.nrHops)
	// 2. Ensure total delays doesn't exceed (time_till next_epoch) +
	//    2 * epoch_duration, as keys are only published 3 epochs in
	//    advance.
	_, _, till := epochtime.Now()
	forwardDuration, err := durationFromFloat(sum(forwardDelays))
	if err != nil {
		return nil, nil, nil, err
	}
	replyDuration, err := durationFromFloat(sum(replyDelays))
	if err != nil {
		return nil, nil, nil, err
	}
	if forwardDuration+replyDuration > till+(2*epochtime.Period) {
		return nil, nil, nil, errors.New("selected delays exceed permitted epochtime range")
	}
	// 3. Pick forward and SURB mixes (Section 5.2.1).
	forwardDescriptors, err := r.getRouteDescriptors(doc, senderProviderName, recipientProviderName)
	if err != nil {
		return nil, nil, nil, err
	}
	replyDescriptors, err := r.getRouteDescriptors(doc, recipientProviderName, senderProviderName)
	if err != nil {
		return nil, nil, nil, err
	}
	// 4. Ensure that the forward and SURB mixes have a published key that
	//    will allow them to decrypt the packet at the time of it's expected
	//    arrival.
	forwardPath, _, err := r.newPathVector(till, forwardDelays, forwardDescriptors, recipientID, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	replyPath, surbID, err := r.newPathVector(till, replyDelays, replyDescriptors, nil, pinnedSURBID)
	if err != nil {
		return nil, nil, nil, err
	}
	return forwardPath, replyPath, surbID, nil
}

// Build constructs a forward path terminating at recipientID and a
// reply path carrying a SURB, retrying path selection up to 4 times if
// the sampled delays don't fit within the permitted epoch-key window.
func (r *RouteFactory) Build(doc *pki.Document, senderProviderName,
	recipientProviderName string,
	recipientID *[constants.RecipientIDLength]byte) ([]*sphinx.PathHop, []*sphinx.PathHop, *[constants.SURBIDLength]byte, error) {
	return r.build(doc, senderProviderName, recipientProviderName, recipientID, nil)
}

// BuildWithSURBID behaves like Build, except the reply path's
// SURBReply.ID is pinned to surbID instead of minted at random, so a
// caller can correlate the eventual SURB-ACK with a PendingAck it
// already keyed by that ID.
func (r *RouteFactory) BuildWithSURBID(doc *pki.Document, senderProviderName,
	recipientProviderName string,
	recipientID *[constants.RecipientIDLength]byte,
	surbID *[constants.SURBIDLength]byte) ([]*sphinx.PathHop, []*sphinx.PathHop, *[constants.SURBIDLength]byte, error) {
	return r.build(doc, senderProviderName, recipientProviderName, recipientID, surbID)
}

func (r *RouteFactory) build(doc *pki.Document, senderProviderName,
	recipientProviderName string,
	recipientID *[constants.RecipientIDLength]byte,
	pinnedSURBID *[constants.SURBIDLength]byte) ([]*sphinx.PathHop, []*sphinx.PathHop, *[constants.SURBIDLength]byte, error) {

	var err error = nil
	var forwardPath []*sphinx.PathHop
	var replyPath []*sphinx.PathHop
	var surbID *[constants.SURBIDLength]byte

	for i := 0; i < 4; i++ {
		forwardPath, replyPath, surbID, err = r.next(doc, senderProviderName, recipientProviderName, recipientID, pinnedSURBID)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("RouteFactory.Build failed: %s", err)
	}
	return forwardPath, replyPath, surbID, nil
}