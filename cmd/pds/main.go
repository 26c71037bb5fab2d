// pds is a single-actor AT Protocol Personal Data Server.
//
// It reads configuration from db.json in the working directory, connects
// to PostgreSQL, bootstraps the schema, loads (or generates) the node's
// signing key and session secret, and starts an HTTP server exposing the
// standard AT Protocol repository, sync, and identity endpoints for the
// one repository it hosts.
//
// Usage:
//
//	./pds              # reads ./db.json, starts server
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/harborlight/pds/internal/auth"
	"github.com/harborlight/pds/internal/blob"
	"github.com/harborlight/pds/internal/config"
	"github.com/harborlight/pds/internal/contentsrc"
	"github.com/harborlight/pds/internal/dispatcher"
	"github.com/harborlight/pds/internal/firehose"
	"github.com/harborlight/pds/internal/identity"
	"github.com/harborlight/pds/internal/keystore"
	"github.com/harborlight/pds/internal/relaypoller"
	"github.com/harborlight/pds/internal/repo"
	"github.com/harborlight/pds/internal/server"
	"github.com/harborlight/pds/internal/storage"
	"github.com/harborlight/pds/internal/tid"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("pds starting...")

	cfg, err := config.Load("db.json")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (listen=%s db=%s/%s)", cfg.ListenAddr, cfg.DBConn, cfg.DBName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down...", sig)
		cancel()
	}()

	db, err := storage.Open(ctx, cfg.ConnString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected, schema bootstrapped")

	did, err := identity.DIDFromOrigin(cfg.Origin)
	if err != nil {
		log.Fatalf("Failed to derive did:web from origin: %v", err)
	}
	log.Printf("Node identity: %s", did)

	keys, err := keystore.Load(ctx, db.Pool)
	if err != nil {
		log.Fatalf("Failed to load signing key: %v", err)
	}

	clock, err := tid.NewClock()
	if err != nil {
		log.Fatalf("Failed to start TID clock: %v", err)
	}

	repos := repo.New(db.Pool, did, keys, clock)
	if err := repos.Init(ctx); err != nil {
		log.Fatalf("Failed to initialize repository: %v", err)
	}

	if pw := os.Getenv("PDS_INITIAL_PASSWORD"); pw != "" {
		if err := auth.ProvisionActor(ctx, db.Pool, pw); err != nil {
			log.Fatalf("Failed to provision actor: %v", err)
		}
		log.Println("Actor credentials provisioned from PDS_INITIAL_PASSWORD")
	}

	jwtSecret, err := auth.LoadOrCreateSecret(ctx, db.Pool)
	if err != nil {
		log.Fatalf("Failed to load JWT secret: %v", err)
	}
	jwtManager := auth.NewJWTManager(jwtSecret, cfg.Origin)
	verifier := auth.NewSession(db.Pool, jwtManager, did)

	blobs := blob.NewStore(db.Pool, cfg.BlobMaxSize)
	fh := firehose.NewManager(db.Pool, cfg.FirehoseRingSize)
	defer fh.Shutdown()

	// No host content store is wired in by default — an embedder owning
	// app.bsky interactions and follow bookkeeping supplies one. A nil
	// sinks value makes the Dispatcher a no-op router: routing decisions
	// still happen, but nothing is recorded downstream.
	var sinks contentsrc.Sinks
	disp := dispatcher.New(did, sinks)

	poller := relaypoller.New(db.Pool, disp, cfg.RelayPollInterval(), cfg.RelayWorkerPoolSize)
	go poller.Run(ctx)

	srv := server.New(cfg, did, repos, keys, fh, blobs, disp, verifier)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("pds stopped")
}
