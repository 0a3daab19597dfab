// Copyright 2025 Exonum Core Contributors
//
// exonumd is the node binary: it loads node/genesis YAML, opens storage,
// wires consensus, pool, transport, catch-up, and the external API
// together, then runs until SIGINT/SIGTERM. No application services are
// registered here — exonumd is the bare core; services are a separate
// concern spec.md places out of scope.
//
// Wiring order and graceful-shutdown idiom grounded on the teacher's
// main.go (flag-parsed config path, context.WithCancel background
// goroutines, signal.Notify + timed Shutdown); logrus replaces the
// teacher's stdlib log for consistency with the rest of this module.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/exonumcore/exonum/pkg/api"
	"github.com/exonumcore/exonum/pkg/config"
	"github.com/exonumcore/exonum/pkg/consensus"
	"github.com/exonumcore/exonum/pkg/crypto"
	"github.com/exonumcore/exonum/pkg/execution"
	"github.com/exonumcore/exonum/pkg/metrics"
	"github.com/exonumcore/exonum/pkg/node"
	"github.com/exonumcore/exonum/pkg/p2p"
	"github.com/exonumcore/exonum/pkg/pool"
	"github.com/exonumcore/exonum/pkg/requester"
	"github.com/exonumcore/exonum/pkg/schema"
	"github.com/exonumcore/exonum/pkg/storage"
)

func main() {
	nodeConfigPath := flag.String("config", "node.yaml", "path to node config")
	backend := flag.String("backend", "goleveldb", "storage backend: goleveldb or memdb")
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())

	cfg, err := config.LoadNodeConfig(*nodeConfigPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load node config")
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	genesis, err := config.LoadGenesisConfig(cfg.GenesisPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load genesis config")
	}
	key, err := config.LoadKeyPair(cfg.Ed25519KeyPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load signing key")
	}

	dbBackend, err := storage.OpenBackend(storage.BackendType(*backend), "exonum", cfg.DataDir)
	if err != nil {
		log.WithError(err).Fatal("failed to open storage backend")
	}
	db := storage.Open(dbBackend)

	activeCfg, committedHeight, prevHash, err := bootstrap(db, genesis, log)
	if err != nil {
		log.WithError(err).Fatal("failed to bootstrap chain state")
	}

	dispatcher := execution.NewDispatcher(log)

	host := p2p.NewHost(key, cfg.ListenAddr, activeCfg.Params.MaxMessageLen, log)
	if err := host.Listen(); err != nil {
		log.WithError(err).Fatal("failed to listen")
	}
	defer host.Close()

	for _, peer := range cfg.Peers {
		if err := host.Connect(peer.Address); err != nil {
			log.WithError(err).WithField("peer", peer.Address).Warn("failed to dial bootstrap peer")
		}
	}

	p := pool.New(0, host, log)

	nodeMetrics := metrics.New()
	host.SetMetrics(nodeMetrics)

	hub := api.NewHub(log)
	engine := consensus.NewEngine(db, dispatcher, activeCfg, key, cfg.ValidatorID, committedHeight, prevHash, p, host, log, hub.Publish)
	engine.SetMetrics(nodeMetrics)

	statusTimeout := time.Duration(activeCfg.Params.StatusTimeoutMS) * time.Millisecond
	roundTimeout := time.Duration(activeCfg.Params.RoundTimeoutMS) * time.Millisecond
	req := requester.New(db, key, host, statusTimeout, log)

	n := node.New(db, p, engine, host, req, key, node.Timeouts{
		Round:     roundTimeout,
		Status:    statusTimeout,
		Requester: statusTimeout,
	}, log)

	server := api.NewServer(db, p, hub, log)
	server.SetMetrics(nodeMetrics)
	httpServer := &http.Server{Addr: cfg.APIAddr, Handler: server.Routes()}

	ctx, cancel := context.WithCancel(context.Background())
	go n.Run(ctx)
	go func() {
		log.WithField("addr", cfg.APIAddr).Info("api server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("api server failed")
		}
	}()

	log.WithFields(logrus.Fields{
		"listen_addr":  cfg.ListenAddr,
		"validator_id": cfg.ValidatorID,
	}).Info("exonumd ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("api server shutdown error")
	}
}

// bootstrap ensures height 0's genesis block and configuration exist,
// persisting them on first run, and reports the chain's current tip.
func bootstrap(db *storage.Database, genesis *config.GenesisConfig, log *logrus.Entry) (*schema.Configuration, uint64, crypto.Hash, error) {
	snap := db.Snapshot()
	s, err := schema.New(snap)
	if err != nil {
		return nil, 0, crypto.Hash{}, err
	}
	defer s.Close()
	height, err := s.Height()
	if err != nil {
		return nil, 0, crypto.Hash{}, err
	}

	if height == 0 {
		log.Info("no committed blocks found, bootstrapping genesis")
		fork := db.Fork()
		fs, err := schema.New(fork)
		if err != nil {
			return nil, 0, crypto.Hash{}, err
		}
		genesisBlock := &schema.Block{Height: 0, PrevHash: crypto.ZeroHash}
		if err := fs.PutBlock(genesisBlock); err != nil {
			fs.Close()
			return nil, 0, crypto.Hash{}, err
		}
		if err := fs.PutConfig(genesis.Build()); err != nil {
			fs.Close()
			return nil, 0, crypto.Hash{}, err
		}
		fs.Close()
		if err := db.Merge(fork.IntoPatch()); err != nil {
			return nil, 0, crypto.Hash{}, err
		}
		s.Close()
		snap = db.Snapshot()
		s, err = schema.New(snap)
		if err != nil {
			return nil, 0, crypto.Hash{}, err
		}
		height, err = s.Height()
		if err != nil {
			return nil, 0, crypto.Hash{}, err
		}
	}

	tipHeight := height - 1
	tip, err := s.BlockAt(tipHeight)
	if err != nil {
		return nil, 0, crypto.Hash{}, fmt.Errorf("read tip block at height %d: %w", tipHeight, err)
	}
	activeCfg, err := s.ActiveConfigAt(tipHeight)
	if err != nil {
		return nil, 0, crypto.Hash{}, fmt.Errorf("read active configuration at height %d: %w", tipHeight, err)
	}
	return activeCfg, tipHeight, tip.Hash(), nil
}
