// auth.go - gateway wire authentication for the client transport.
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

package gateway

import (
	"context"
	"crypto/subtle"

	"github.com/katzenpost/core/epochtime"
	"github.com/katzenpost/core/log"
	"github.com/katzenpost/core/pki"
	"github.com/katzenpost/core/wire"
	"gopkg.in/op/go-logging.v1"
)

// Authenticator implements wire.PeerAuthenticator, authenticating the
// gateway's link-layer key exchange against the current PKI snapshot:
// this is the authenticate_and_start step of the Gateway Client
// Transport component.
type Authenticator struct {
	mixPKI pki.Client
	log    *logging.Logger
}

// IsPeerValid authenticates the remote gateway's credentials, returning
// true iff the peer's link key matches the PKI document's pinned key for
// the named gateway.
func (a *Authenticator) IsPeerValid(peer *wire.PeerCredentials) bool {
	a.log.Debugf("IsPeerValid: %s", string(peer.AdditionalData))
	ctx := context.TODO()
	epoch, _, _ := epochtime.Now()
	doc, err := a.mixPKI.Get(ctx, epoch)
	if err != nil {
		a.log.Errorf("failed to retrieve PKI document: %v", err)
		return false
	}
	gatewayName := string(peer.AdditionalData)
	for _, gw := range doc.Providers {
		if gatewayName != gw.Name {
			continue
		}
		return subtle.ConstantTimeCompare(gw.LinkKey.Bytes(), peer.PublicKey.Bytes()) == 1
	}
	return false
}

// NewAuthenticator returns a new Authenticator bound to mixPKI.
func NewAuthenticator(logBackend *log.Backend, mixPKI pki.Client) *Authenticator {
	return &Authenticator{
		mixPKI: mixPKI,
		log:    logBackend.GetLogger("gateway.Authenticator"),
	}
}
