// firehose-subscriber is a standalone sidecar that connects to a PDS's
// com.atproto.sync.subscribeRepos WebSocket stream and logs each event
// as it arrives. It exists to let an operator watch a node's firehose
// independently of whatever consumes it in production — a relay, an
// indexer, or a debugging session.
//
// Usage:
//
//	./firehose-subscriber --url=https://pds.example.com --port=8081
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/bluesky-social/indigo/events"
	"github.com/bluesky-social/indigo/events/schedulers/sequential"
	"github.com/gorilla/websocket"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	var (
		origin = flag.String("url", "", "origin of the PDS to subscribe to, e.g. https://pds.example.com")
		port   = flag.Int("port", 0, "local port to serve health status on")
		cursor = flag.String("cursor", "", "replay cursor (seq) to resume from")
	)
	flag.Parse()

	if *origin == "" || *port == 0 {
		fmt.Fprintln(os.Stderr, "firehose-subscriber: --url and --port are required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down...", sig)
		cancel()
	}()

	go serveHealth(*port)

	if err := subscribe(ctx, *origin, *cursor); err != nil && ctx.Err() == nil {
		log.Fatalf("firehose-subscriber: %v", err)
	}
	log.Println("firehose-subscriber stopped")
}

func serveHealth(port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	addr := fmt.Sprintf(":%d", port)
	log.Printf("Health endpoint listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("firehose-subscriber: health server: %v", err)
	}
}

func subscribe(ctx context.Context, origin, cursor string) error {
	wsURL, err := streamURL(origin, cursor)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	log.Printf("Connected to %s", wsURL)

	handler := func(ctx context.Context, xev *events.XRPCStreamEvent) error {
		switch {
		case xev.RepoCommit != nil:
			c := xev.RepoCommit
			log.Printf("#commit seq=%d did=%s rev=%s ops=%d", c.Seq, c.Repo, c.Rev, len(c.Ops))
		case xev.RepoIdentity != nil:
			id := xev.RepoIdentity
			log.Printf("#identity seq=%d did=%s", id.Seq, id.Did)
		case xev.RepoAccount != nil:
			acc := xev.RepoAccount
			log.Printf("#account seq=%d did=%s active=%v", acc.Seq, acc.Did, acc.Active)
		}
		return nil
	}

	sched := sequential.NewScheduler("firehose-subscriber", handler)
	err = events.HandleRepoStream(ctx, conn, sched)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func streamURL(origin, cursor string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "wss", "ws":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/xrpc/com.atproto.sync.subscribeRepos"
	if cursor != "" {
		q := u.Query()
		q.Set("cursor", cursor)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
