// config.go - mix-network client configuration
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

// Package config loads TOML client/gateway-forwarder/signer configuration
// and manages the on-disk key material it names.
package config

import (
	"encoding/pem"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/crypto/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixclient/ackctrl"
	"github.com/katzenpost/mixclient/constants"
	"github.com/katzenpost/mixclient/crypto/vault"
)

var log = logging.MustGetLogger("config")

// Identity names a single client persona: its gateway-facing nym and the
// gateway it registers with.
type Identity struct {
	Nym     string
	Gateway string
}

// GatewayPinning pins a gateway's link-layer public key, read from a PEM
// file named in the TOML config rather than embedded in it.
type GatewayPinning struct {
	Name          string
	PublicKeyFile string
}

// Config is the top-level client configuration.
type Config struct {
	Identity         []Identity
	GatewayPinning   []GatewayPinning
	PKIAddress       string
	CoverTraffic     bool
	LoopCoverDelayMS int64
	MessageDelayMS   int64
}

// CoverTrafficEnabled reports whether the Poisson loop-cover pacer should
// run, per the loop-cover traffic economics supplement.
func (c *Config) CoverTrafficEnabled() bool {
	return c.CoverTraffic
}

// LoopCoverAverageDelay returns lambda_loop^-1, falling back to the
// constants package default when unset.
func (c *Config) LoopCoverAverageDelay() time.Duration {
	if c.LoopCoverDelayMS <= 0 {
		return constants.DefaultLoopCoverAverageDelay
	}
	return time.Duration(c.LoopCoverDelayMS) * time.Millisecond
}

// MessageSendingAverageDelay returns lambda_payload^-1.
func (c *Config) MessageSendingAverageDelay() time.Duration {
	if c.MessageDelayMS <= 0 {
		return constants.DefaultMessageSendingAverageDelay
	}
	return time.Duration(c.MessageDelayMS) * time.Millisecond
}

// IdentitiesMap maps an identity's "nym@gateway" label to its private
// key of the keyType passed to Config.IdentitiesMap.
type IdentitiesMap map[string]*ecdh.PrivateKey

func (a *IdentitiesMap) HasIdentity(nym string) bool {
	_, ok := (*a)[nym]
	return ok
}

func (a *IdentitiesMap) GetIdentityKey(nym string) (*ecdh.PrivateKey, error) {
	key, ok := (*a)[nym]
	if ok {
		return key, nil
	}
	return nil, errors.New("identity key not found")
}

// CreateKeyFileName follows the "<keyType>_<nym>@<gateway>.<status>.pem"
// naming convention for on-disk key files.
func CreateKeyFileName(keysDir, keyType, nym, gateway, status string) string {
	return fmt.Sprintf("%s/%s_%s@%s.%s.pem", keysDir, keyType, nym, gateway, status)
}

// keyRoleFor maps one of this module's constants.*KeyType file-naming
// strings to the vault.KeyRole recorded in the sealed file's PEM header.
func keyRoleFor(keyType string) vault.KeyRole {
	switch {
	case keyType == constants.EndToEndKeyType:
		return vault.RoleEndToEnd
	case keyType == constants.LinkLayerKeyType:
		return vault.RoleLinkLayer
	case keyType == constants.AckKeyType:
		return vault.RoleAck
	case keyType == constants.EcashKeyType:
		return vault.RoleEcash
	case strings.HasPrefix(keyType, constants.MixKeyType):
		return vault.RoleMix
	default:
		return ""
	}
}

func (c *Config) GetIdentityKey(keyType string, id Identity, keysDir, passphrase string) (*ecdh.PrivateKey, error) {
	privateKeyFile := CreateKeyFileName(keysDir, keyType, id.Nym, id.Gateway, constants.KeyStatusPrivate)
	label := fmt.Sprintf("%s@%s", id.Nym, id.Gateway)
	v := vault.Vault{
		Type:       constants.KeyStatusPrivate,
		Role:       keyRoleFor(keyType),
		Label:      label,
		Passphrase: passphrase,
		Path:       privateKeyFile,
	}
	plaintext, err := v.Open()
	if err != nil {
		return nil, err
	}
	key := ecdh.PrivateKey{}
	key.FromBytes(plaintext)
	return &key, nil
}

// GetAckKey loads id's symmetric ack_key, generating and sealing a
// fresh one on first use the same way GenerateKeys does for the
// end-to-end and link-layer keys.
func (c *Config) GetAckKey(id Identity, keysDir, passphrase string) (*ackctrl.AckKey, error) {
	keyFile := CreateKeyFileName(keysDir, constants.AckKeyType, id.Nym, id.Gateway, constants.KeyStatusPrivate)
	label := fmt.Sprintf("%s@%s", id.Nym, id.Gateway)
	v := vault.Vault{
		Type:       constants.KeyStatusPrivate,
		Role:       vault.RoleAck,
		Label:      label,
		Passphrase: passphrase,
		Path:       keyFile,
	}
	if _, err := os.Stat(keyFile); os.IsNotExist(err) {
		raw := make([]byte, 32)
		if _, err := rand.Reader.Read(raw); err != nil {
			return nil, err
		}
		if err := v.Seal(raw); err != nil {
			return nil, err
		}
	}
	plaintext, err := v.Open()
	if err != nil {
		return nil, err
	}
	if len(plaintext) != 32 {
		return nil, errors.New("config: ack key has unexpected length")
	}
	key := &ackctrl.AckKey{}
	copy(key[:], plaintext)
	return key, nil
}

// IdentitiesMap returns the end-to-end private key for every configured
// Identity, keyed by its nym@gateway address.
func (c *Config) IdentitiesMap(keyType, keysDir, passphrase string) (*IdentitiesMap, error) {
	ids := make(IdentitiesMap)
	for _, id := range c.Identity {
		label := fmt.Sprintf("%s@%s", id.Nym, id.Gateway)
		privateKey, err := c.GetIdentityKey(keyType, id, keysDir, passphrase)
		if err != nil {
			return nil, err
		}
		ids[label] = privateKey
	}
	return &ids, nil
}

// IdentityAddresses returns the nym@gateway addresses the user has
// configured.
func (c *Config) IdentityAddresses() []string {
	out := []string{}
	for _, id := range c.Identity {
		out = append(out, fmt.Sprintf("%s@%s", id.Nym, id.Gateway))
	}
	return out
}

func writeKey(keysDir, keyType, nym, gateway, passphrase string) error {
	privateKeyFile := CreateKeyFileName(keysDir, keyType, nym, gateway, constants.KeyStatusPrivate)
	_, err := os.Stat(privateKeyFile)
	if os.IsNotExist(err) {
		privateKey, err := ecdh.NewKeypair(rand.Reader)
		if err != nil {
			return err
		}
		label := fmt.Sprintf("%s@%s", nym, gateway)
		v := vault.Vault{
			Type:       constants.KeyStatusPrivate,
			Role:       keyRoleFor(keyType),
			Label:      label,
			Passphrase: passphrase,
			Path:       privateKeyFile,
		}
		log.Notice("performing key stretching computation")
		return v.Seal(privateKey.Bytes())
	}
	return errors.New("key file already exists, aborting")
}

// FromFile parses a TOML configuration file.
func FromFile(fileName string) (*Config, error) {
	config := Config{}
	fileData, err := ioutil.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(fileData, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// GenerateKeys creates the link-layer and end-to-end key files every
// configured Identity needs.
func (c *Config) GenerateKeys(keysDir, passphrase string) error {
	for _, id := range c.Identity {
		if id.Nym == "" || id.Gateway == "" {
			return errors.New("received empty Identity nym or gateway")
		}
		if err := writeKey(keysDir, constants.LinkLayerKeyType, id.Nym, id.Gateway, passphrase); err != nil {
			return err
		}
		if err := writeKey(keysDir, constants.EndToEndKeyType, id.Nym, id.Gateway, passphrase); err != nil {
			return err
		}
	}
	return nil
}

// GetGatewayPinnedKeys returns a mapping of gateway name to its pinned
// link-layer public key.
func (c *Config) GetGatewayPinnedKeys() (map[[255]byte]*ecdh.PublicKey, error) {
	keysMap := make(map[[255]byte]*ecdh.PublicKey)
	for _, pin := range c.GatewayPinning {
		pemPayload, err := ioutil.ReadFile(pin.PublicKeyFile)
		if err != nil {
			return nil, err
		}
		block, _ := pem.Decode(pemPayload)
		if block == nil {
			return nil, errors.New("failed to decode gateway pinning pem file")
		}
		publicKey := new(ecdh.PublicKey)
		if err := publicKey.FromBytes(block.Bytes); err != nil {
			return nil, err
		}
		nameField := [255]byte{}
		copy(nameField[:], pin.Name)
		keysMap[nameField] = publicKey
	}
	return keysMap, nil
}

// mixKeySlots are the rotation slots a forwarder node keeps a Sphinx
// decryption keypair under at once: the previous, current and next
// epoch's key, mirroring the three EpochA/EpochB/EpochC keys
// path_selection.getHopEpochKeys already expects every descriptor to
// publish.
var mixKeySlots = [3]string{"prev", "current", "next"}

// ForwarderConfig is cmd/mixforward's TOML configuration: one mix
// node's listen address, its directory-polling address, and the name
// indexing its on-disk key files.
type ForwarderConfig struct {
	Name          string
	ListenAddress string
	PKIAddress    string
}

// ForwarderFromFile parses a mix-forwarder TOML configuration file.
func ForwarderFromFile(fileName string) (*ForwarderConfig, error) {
	cfg := ForwarderConfig{}
	fileData, err := ioutil.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(fileData, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetLinkKey loads (generating on first use) the node's link-layer
// keypair, the same lazily-generated vault-backed pattern GetAckKey
// uses for the client's symmetric ack key.
func (c *ForwarderConfig) GetLinkKey(keysDir, passphrase string) (*ecdh.PrivateKey, error) {
	keyFile := CreateKeyFileName(keysDir, constants.LinkLayerKeyType, c.Name, "mix", constants.KeyStatusPrivate)
	return loadOrGenerateECDHKey(keyFile, vault.RoleLinkLayer, c.Name, passphrase)
}

// GetSphinxKeys loads (generating on first use) the node's three
// rotation-slot Sphinx decryption keypairs, keyed "prev", "current"
// and "next".
func (c *ForwarderConfig) GetSphinxKeys(keysDir, passphrase string) (map[string]*ecdh.PrivateKey, error) {
	keys := make(map[string]*ecdh.PrivateKey, len(mixKeySlots))
	for _, slot := range mixKeySlots {
		keyFile := CreateKeyFileName(keysDir, constants.MixKeyType+"-"+slot, c.Name, "mix", constants.KeyStatusPrivate)
		label := fmt.Sprintf("%s@%s", c.Name, slot)
		key, err := loadOrGenerateECDHKey(keyFile, vault.RoleMix, label, passphrase)
		if err != nil {
			return nil, err
		}
		keys[slot] = key
	}
	return keys, nil
}

// loadOrGenerateECDHKey opens the vault-sealed ECDH private key at
// keyFile, generating and sealing a fresh keypair first if none
// exists yet.
func loadOrGenerateECDHKey(keyFile string, role vault.KeyRole, label, passphrase string) (*ecdh.PrivateKey, error) {
	v := vault.Vault{
		Type:       constants.KeyStatusPrivate,
		Role:       role,
		Label:      label,
		Passphrase: passphrase,
		Path:       keyFile,
	}
	if _, err := os.Stat(keyFile); os.IsNotExist(err) {
		key, err := ecdh.NewKeypair(rand.Reader)
		if err != nil {
			return nil, err
		}
		log.Notice("performing key stretching computation")
		if err := v.Seal(key.Bytes()); err != nil {
			return nil, err
		}
	}
	plaintext, err := v.Open()
	if err != nil {
		return nil, err
	}
	key := ecdh.PrivateKey{}
	key.FromBytes(plaintext)
	return &key, nil
}
