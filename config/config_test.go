// config_test.go - mixnet client configuration tests
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

package config

import (
	"io/ioutil"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	require := require.New(t)

	tomlConfigStr := `
PKIAddress = "pki.example.org:443"
CoverTraffic = true
LoopCoverDelayMS = 1500
MessageDelayMS = 50

[[Identity]]
  Nym = "alice"
  Gateway = "acme"

[[Identity]]
  Nym = "carol"
  Gateway = "providerofnet"

[[GatewayPinning]]
  PublicKeyFile = "/blah/blah/certs/acme.pem"
  Name = "acme"
`
	tmpConfigFile, err := ioutil.TempFile("", "configTomlTest")
	require.NoError(err, "TempFile failed")
	_, err = tmpConfigFile.Write([]byte(tomlConfigStr))
	require.NoError(err, "Write failed")

	config, err := FromFile(tmpConfigFile.Name())
	require.NoError(err, "FromFile failed")
	require.Len(config.Identity, 2)
	require.Equal("alice", config.Identity[0].Nym)
	require.Equal([]string{"alice@acme", "carol@providerofnet"}, config.IdentityAddresses())
	require.True(config.CoverTrafficEnabled())
	require.Equal(1500*time.Millisecond, config.LoopCoverAverageDelay())
	require.Equal(50*time.Millisecond, config.MessageSendingAverageDelay())
}

func TestConfigDefaults(t *testing.T) {
	require := require.New(t)
	c := &Config{}
	require.False(c.CoverTrafficEnabled())
	require.True(c.LoopCoverAverageDelay() > 0)
	require.True(c.MessageSendingAverageDelay() > 0)
}

func TestForwarderConfigAndKeys(t *testing.T) {
	require := require.New(t)

	tomlConfigStr := `
Name = "mix1"
ListenAddress = "0.0.0.0:30001"
PKIAddress = "pki.example.org:443"
`
	tmpConfigFile, err := ioutil.TempFile("", "forwarderConfigTomlTest")
	require.NoError(err, "TempFile failed")
	_, err = tmpConfigFile.Write([]byte(tomlConfigStr))
	require.NoError(err, "Write failed")

	cfg, err := ForwarderFromFile(tmpConfigFile.Name())
	require.NoError(err, "ForwarderFromFile failed")
	require.Equal("mix1", cfg.Name)
	require.Equal("0.0.0.0:30001", cfg.ListenAddress)

	keysDir, err := ioutil.TempDir("", "forwarderKeysTest")
	require.NoError(err, "TempDir failed")

	linkKey, err := cfg.GetLinkKey(keysDir, "passphrase")
	require.NoError(err, "GetLinkKey failed")
	require.NotNil(linkKey)

	reloaded, err := cfg.GetLinkKey(keysDir, "passphrase")
	require.NoError(err, "GetLinkKey reload failed")
	require.Equal(linkKey.Bytes(), reloaded.Bytes())

	sphinxKeys, err := cfg.GetSphinxKeys(keysDir, "passphrase")
	require.NoError(err, "GetSphinxKeys failed")
	require.Len(sphinxKeys, 3)
	require.NotNil(sphinxKeys["current"])
	require.NotEqual(sphinxKeys["current"].Bytes(), sphinxKeys["next"].Bytes())

	reloadedSphinxKeys, err := cfg.GetSphinxKeys(keysDir, "passphrase")
	require.NoError(err, "GetSphinxKeys reload failed")
	require.Equal(sphinxKeys["current"].Bytes(), reloadedSphinxKeys["current"].Bytes())
}
