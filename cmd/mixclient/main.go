// main.go - mixnet client daemon.
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

// Command mixclient runs one Client per configured Identity, each
// multiplexed over its own Gateway Client Transport connection.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/katzenpost/core/epochtime"
	"github.com/katzenpost/core/log"

	"github.com/katzenpost/mixclient/client"
	"github.com/katzenpost/mixclient/config"
	"github.com/katzenpost/mixclient/constants"
	"github.com/katzenpost/mixclient/gateway"
	"github.com/katzenpost/mixclient/pkidir"
	"github.com/katzenpost/mixclient/storage"
)

func main() {
	var configFilePath, keysDir, pkiDirPath, storeDir, passphrase, logLevel string
	flag.StringVar(&configFilePath, "config", "", "configuration file")
	flag.StringVar(&keysDir, "keys-dir", "", "directory holding sealed key files")
	flag.StringVar(&pkiDirPath, "pki-dir", "", "directory of fetched PKI consensus documents")
	flag.StringVar(&storeDir, "store-dir", "", "directory for per-identity boltdb stores")
	flag.StringVar(&passphrase, "passphrase", "", "key vault passphrase")
	flag.StringVar(&logLevel, "log-level", "INFO", "DEBUG, INFO, NOTICE, WARNING, ERROR or CRITICAL")
	flag.Parse()

	if configFilePath == "" || keysDir == "" || pkiDirPath == "" || storeDir == "" {
		fmt.Fprintln(os.Stderr, "mixclient: -config, -keys-dir, -pki-dir and -store-dir are required")
		flag.Usage()
		os.Exit(1)
	}

	logBackend, err := log.New("", logLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mixclient: invalid log level: %v\n", err)
		os.Exit(1)
	}
	mainLog := logBackend.GetLogger("mixclient")

	cfg, err := config.FromFile(configFilePath)
	if err != nil {
		mainLog.Errorf("failed to load configuration: %v", err)
		os.Exit(1)
	}

	pkiClient := pkidir.New(pkiDirPath)
	epoch, _, _ := epochtime.Now()
	doc, err := pkiClient.Get(context.Background(), epoch)
	if err != nil {
		mainLog.Errorf("failed to load current PKI document: %v", err)
		os.Exit(1)
	}
	gatewayAddr := make(map[string]string)
	for _, p := range doc.Providers {
		gatewayAddr[p.Name] = fmt.Sprintf("%s:%d", p.Ipv4Address, p.TcpPort)
	}

	clients := make([]*client.Client, 0, len(cfg.Identity))
	for _, id := range cfg.Identity {
		addr, ok := gatewayAddr[id.Gateway]
		if !ok {
			mainLog.Errorf("gateway %s not found in current PKI document, skipping identity %s", id.Gateway, id.Nym)
			continue
		}
		identityKey, err := cfg.GetIdentityKey(constants.EndToEndKeyType, id, keysDir, passphrase)
		if err != nil {
			mainLog.Errorf("failed to load end-to-end key for %s@%s: %v", id.Nym, id.Gateway, err)
			os.Exit(1)
		}
		linkKey, err := cfg.GetIdentityKey(constants.LinkLayerKeyType, id, keysDir, passphrase)
		if err != nil {
			mainLog.Errorf("failed to load link-layer key for %s@%s: %v", id.Nym, id.Gateway, err)
			os.Exit(1)
		}
		ackKey, err := cfg.GetAckKey(id, keysDir, passphrase)
		if err != nil {
			mainLog.Errorf("failed to load ack key for %s@%s: %v", id.Nym, id.Gateway, err)
			os.Exit(1)
		}
		store, err := storage.New(fmt.Sprintf("%s/%s@%s.db", storeDir, id.Nym, id.Gateway))
		if err != nil {
			mainLog.Errorf("failed to open store for %s@%s: %v", id.Nym, id.Gateway, err)
			os.Exit(1)
		}

		c := client.New(logBackend, &client.Config{
			Nym:         id.Nym,
			GatewayName: id.Gateway,
			IdentityKey: identityKey,
			AckKey:      ackKey,
			PKIClient:   pkiClient,
			Gateway: &gateway.Config{
				GatewayName:   id.Gateway,
				Address:       addr,
				LinkKey:       linkKey,
				Authenticator: gateway.NewAuthenticator(logBackend, pkiClient),
			},
			Store:          store,
			NrHops:         constants.DefaultPathHops,
			Lambda:         constants.DefaultPathDelayLambda,
			CoverTraffic:   cfg.CoverTrafficEnabled(),
			LoopCoverDelay: cfg.LoopCoverAverageDelay(),
			MessageDelay:   cfg.MessageSendingAverageDelay(),
		})
		c.Start()
		clients = append(clients, c)
		mainLog.Noticef("started identity %s@%s via gateway %s", id.Nym, id.Gateway, addr)
	}

	if len(clients) == 0 {
		mainLog.Error("no identity could be started, exiting")
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	mainLog.Notice("mixclient shutdown")
	for _, c := range clients {
		c.Close()
	}
}
