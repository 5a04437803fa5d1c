// Command shieldedd runs the shielded node's ABCI application behind a
// CometBFT socket server, matching the reference validator's main.go wiring
// pattern: load config, open the state store, construct the application,
// serve, and shut down gracefully on signal.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	abciserver "github.com/cometbft/cometbft/abci/server"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/certen/shielded-node/pkg/abciapp"
	"github.com/certen/shielded-node/pkg/config"
	"github.com/certen/shielded-node/pkg/state/kvstore"
	"github.com/certen/shielded-node/pkg/verify"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("starting shielded-node")

	var showHelp = flag.Bool("help", false, "Show help message")
	flag.Parse()
	if *showHelp {
		printHelp()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration: ", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration: ", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		log.Fatalf("create data directory %s: %v", cfg.DataDir, err)
	}

	db, err := dbm.NewGoLevelDB("shielded-node", cfg.DataDir)
	if err != nil {
		log.Fatal("failed to open state database: ", err)
	}
	store := kvstore.New(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := abciapp.New(ctx, store, verify.DefaultProofVerifier{},
		log.New(log.Writer(), "[abciapp] ", log.LstdFlags))
	if err != nil {
		log.Fatal("failed to construct application: ", err)
	}

	registry := prometheus.NewRegistry()
	for _, c := range app.Collectors() {
		if err := registry.Register(c); err != nil {
			log.Fatal("failed to register metrics collector: ", err)
		}
	}

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("metrics server failed: ", err)
		}
	}()

	abciSrv := abciserver.NewSocketServer(cfg.ListenAddr, app)
	abciSrv.SetLogger(cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout)))
	if err := abciSrv.Start(); err != nil {
		log.Fatal("failed to start ABCI server: ", err)
	}
	log.Printf("ABCI server listening on %s (chain_id=%s)", cfg.ListenAddr, cfg.ChainID)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down shielded-node")
	cancel()

	if err := abciSrv.Stop(); err != nil {
		log.Printf("ABCI server shutdown error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	log.Printf("shielded-node stopped")
}

func printHelp() {
	log.Printf("shieldedd runs the shielded-value ABCI application.")
	log.Printf("Configuration is read from environment variables; see pkg/config.")
	log.Printf("data directory defaults to %s", filepath.Join(".", "data"))
}
