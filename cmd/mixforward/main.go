// main.go - mixnet mix-node forwarding daemon.
// Copyright (C) 2018  Yawning Angel.
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

// Command mixforward runs the mix-node side of the system: Sphinx
// unwrap, replay rejection against a rotating bloom filter, and
// delayed re-dispatch to the next hop. It is an independent process
// from cmd/mixclient, run by mix operators rather than end users.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/epochtime"
	"github.com/katzenpost/core/log"

	"github.com/katzenpost/mixclient/config"
	"github.com/katzenpost/mixclient/constants"
	"github.com/katzenpost/mixclient/pkidir"
	"github.com/katzenpost/mixclient/replay"
	"github.com/katzenpost/mixclient/storage"
	"github.com/katzenpost/mixclient/topology"
)

// topologyRefreshRate mirrors client.go's own polling interval; a
// forwarder's next-hop lookups are just as sensitive to a stale
// topology snapshot as a client's route selection is.
const topologyRefreshRate = 3 * time.Minute

func main() {
	var configFilePath, keysDir, pkiDirPath, storeDir, passphrase, logLevel string
	flag.StringVar(&configFilePath, "config", "", "configuration file")
	flag.StringVar(&keysDir, "keys-dir", "", "directory holding sealed key files")
	flag.StringVar(&pkiDirPath, "pki-dir", "", "directory of fetched PKI consensus documents")
	flag.StringVar(&storeDir, "store-dir", "", "directory for the node's boltdb store")
	flag.StringVar(&passphrase, "passphrase", "", "key vault passphrase")
	flag.StringVar(&logLevel, "log-level", "INFO", "DEBUG, INFO, NOTICE, WARNING, ERROR or CRITICAL")
	flag.Parse()

	if configFilePath == "" || keysDir == "" || pkiDirPath == "" || storeDir == "" {
		fmt.Fprintln(os.Stderr, "mixforward: -config, -keys-dir, -pki-dir and -store-dir are required")
		flag.Usage()
		os.Exit(1)
	}

	logBackend, err := log.New("", logLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mixforward: invalid log level: %v\n", err)
		os.Exit(1)
	}
	mainLog := logBackend.GetLogger("mixforward")

	cfg, err := config.ForwarderFromFile(configFilePath)
	if err != nil {
		mainLog.Errorf("failed to load configuration: %v", err)
		os.Exit(1)
	}
	if cfg.Name == "" || cfg.ListenAddress == "" {
		mainLog.Error("configuration is missing Name or ListenAddress")
		os.Exit(1)
	}

	sphinxKeys, err := cfg.GetSphinxKeys(keysDir, passphrase)
	if err != nil {
		mainLog.Errorf("failed to load Sphinx rotation keys: %v", err)
		os.Exit(1)
	}

	store, err := storage.New(fmt.Sprintf("%s/%s.db", storeDir, cfg.Name))
	if err != nil {
		mainLog.Errorf("failed to open store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	filter := replay.New(logBackend, store, clockwork.NewRealClock())

	pkiClient := pkidir.New(pkiDirPath)
	topo := topology.New(logBackend, pkiClient)

	refresh := func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DatabaseConnectTimeout)
		defer cancel()
		epoch, _, _ := epochtime.Now()
		doc, err := pkiClient.Get(ctx, epoch)
		if err != nil {
			mainLog.Warningf("topology refresh failed: %v", err)
			return
		}
		topo.Update(doc)
	}
	refresh()
	if topo.Get() == nil {
		mainLog.Error("no PKI document available at startup, exiting")
		os.Exit(1)
	}
	stopRefresh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(topologyRefreshRate)
		defer ticker.Stop()
		for {
			select {
			case <-stopRefresh:
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()

	fwd := NewForwarder(logBackend, sphinxKeys, filter, topo)
	if err := fwd.Start(cfg.ListenAddress); err != nil {
		mainLog.Errorf("failed to start listener: %v", err)
		os.Exit(1)
	}
	mainLog.Noticef("mixforward %s listening on %s", cfg.Name, cfg.ListenAddress)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	mainLog.Notice("mixforward shutdown")
	close(stopRefresh)
	fwd.Close()
}
