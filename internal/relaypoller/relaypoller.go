// Package relaypoller periodically fetches new records from subscribed
// remote repositories and hands them to the Dispatcher, so federated
// likes/reposts/follows/replies reach the local content store without a
// live firehose connection to every followed DID.
package relaypoller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/atproto/repo/mst"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/harborlight/pds/internal/contentsrc"
	"github.com/harborlight/pds/internal/dispatcher"
	"github.com/harborlight/pds/internal/repo"
)

// collections is the fixed set of collections polled for each subscribed
// DID — the lexicons the Dispatcher knows how to route.
var collections = []string{
	"app.bsky.feed.post",
	"app.bsky.feed.like",
	"app.bsky.feed.repost",
	"app.bsky.graph.follow",
}

const defaultPLCDirectory = "https://plc.directory"

// Poller runs the periodic subscription sweep.
type Poller struct {
	pool       *pgxpool.Pool
	dispatcher *dispatcher.Dispatcher
	client     *http.Client
	interval   time.Duration
	workers    int

	snapshotsMu sync.Mutex
	snapshots   map[string]mst.Tree // did -> last-seen MST snapshot, for Diff-based skips
}

// New builds a Poller. interval is the sweep period; workers bounds the
// number of DIDs fetched concurrently within one sweep.
func New(pool *pgxpool.Pool, d *dispatcher.Dispatcher, interval time.Duration, workers int) *Poller {
	if workers <= 0 {
		workers = 4
	}
	return &Poller{
		pool:       pool,
		dispatcher: d,
		client:     &http.Client{Timeout: 30 * time.Second},
		interval:   interval,
		workers:    workers,
		snapshots:  make(map[string]mst.Tree),
	}
}

// Run blocks, sweeping subscriptions on a timer until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.sweep(ctx); err != nil {
				log.Printf("relaypoller: sweep error: %v", err)
			}
		}
	}
}

// sweep polls every subscribed DID once, bounded by p.workers concurrent
// fetches. A failure on one DID never prevents the others from running.
func (p *Poller) sweep(ctx context.Context) error {
	dids, err := p.listSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("relaypoller: list subscriptions: %w", err)
	}

	g, gctx := errgroup.WithContext(context.Background())
	g.SetLimit(p.workers)

	for _, did := range dids {
		did := did
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if err := p.pollOne(gctx, did); err != nil {
				log.Printf("relaypoller: %s: %v", did, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Poller) listSubscriptions(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT did FROM subscriptions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dids []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, err
		}
		dids = append(dids, did)
	}
	return dids, rows.Err()
}

// pollOne resolves did's PDS endpoint, skips the sweep entirely when a
// full-repo snapshot diff shows nothing changed since the last poll,
// and otherwise fetches each fixed collection, dispatches every
// record, and advances last_sync on success.
func (p *Poller) pollOne(ctx context.Context, did string) error {
	endpoint, err := p.resolveEndpoint(ctx, did)
	if err != nil {
		return fmt.Errorf("resolve endpoint: %w", err)
	}

	if unchanged, err := p.unchangedSinceLastSnapshot(ctx, endpoint, did); err != nil {
		// A snapshot fetch/decode failure shouldn't block the sweep —
		// fall through to the unconditional per-collection fetch below.
		log.Printf("relaypoller: %s: snapshot diff unavailable, polling anyway: %v", did, err)
	} else if unchanged {
		_, err := p.pool.Exec(ctx,
			`INSERT INTO subscriptions (did, last_sync) VALUES ($1, NOW())
			 ON CONFLICT (did) DO UPDATE SET last_sync = NOW()`, did)
		return err
	}

	handle, err := p.describeRepo(ctx, endpoint, did)
	if err != nil {
		return fmt.Errorf("describe repo: %w", err)
	}
	actor := contentsrc.Actor{DID: did, Handle: handle}

	for _, collection := range collections {
		records, err := p.listRecords(ctx, endpoint, did, collection)
		if err != nil {
			return fmt.Errorf("list records %s: %w", collection, err)
		}
		for _, rec := range records {
			var value map[string]any
			if err := json.Unmarshal(rec.Value, &value); err != nil {
				log.Printf("relaypoller: %s: malformed record %s: %v", did, rec.URI, err)
				continue
			}
			if err := p.dispatcher.Dispatch(ctx, actor, rec.URI, value); err != nil {
				log.Printf("relaypoller: %s: dispatch %s: %v", did, rec.URI, err)
			}
		}
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO subscriptions (did, last_sync) VALUES ($1, NOW())
		 ON CONFLICT (did) DO UPDATE SET last_sync = NOW()`, did)
	if err != nil {
		return fmt.Errorf("update last_sync: %w", err)
	}
	return nil
}

// unchangedSinceLastSnapshot fetches did's full repository CAR via
// sync.getRepo and diffs it against the snapshot cached from the
// previous sweep. It reports true only when a prior snapshot exists
// and the diff is empty, letting the caller skip the per-collection
// fetch for a repository that hasn't changed. The newly fetched
// snapshot always replaces the cached one, whether or not it changed.
func (p *Poller) unchangedSinceLastSnapshot(ctx context.Context, endpoint, did string) (bool, error) {
	carBytes, err := p.fetchRepoCAR(ctx, endpoint, did)
	if err != nil {
		return false, fmt.Errorf("fetch repo car: %w", err)
	}
	tree, err := repo.LoadSnapshot(ctx, carBytes)
	if err != nil {
		return false, fmt.Errorf("decode repo car: %w", err)
	}

	p.snapshotsMu.Lock()
	prev, hadPrev := p.snapshots[did]
	p.snapshots[did] = tree
	p.snapshotsMu.Unlock()

	if !hadPrev {
		return false, nil
	}
	diff, err := repo.Diff(prev, tree)
	if err != nil {
		return false, fmt.Errorf("diff snapshots: %w", err)
	}
	return len(diff) == 0, nil
}

func (p *Poller) fetchRepoCAR(ctx context.Context, endpoint, did string) ([]byte, error) {
	u := endpoint + "/xrpc/com.atproto.sync.getRepo?did=" + url.QueryEscape(did)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s: status %d: %s", u, resp.StatusCode, string(body))
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}

// resolveEndpoint finds a repository's PDS service endpoint from its DID
// document — did:web via its own domain's well-known document, did:plc
// via the public PLC directory. Any other method is unsupported.
func (p *Poller) resolveEndpoint(ctx context.Context, did string) (string, error) {
	var docURL string
	switch {
	case strings.HasPrefix(did, "did:web:"):
		host := strings.TrimPrefix(did, "did:web:")
		host = strings.ReplaceAll(host, "%3A", ":")
		docURL = "https://" + host + "/.well-known/did.json"
	case strings.HasPrefix(did, "did:plc:"):
		docURL = defaultPLCDirectory + "/" + did
	default:
		return "", fmt.Errorf("unsupported did method: %s", did)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch did doc: status %d", resp.StatusCode)
	}

	var doc struct {
		Service []struct {
			ID              string `json:"id"`
			Type            string `json:"type"`
			ServiceEndpoint string `json:"serviceEndpoint"`
		} `json:"service"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode did doc: %w", err)
	}
	for _, svc := range doc.Service {
		if svc.ID == "#atproto_pds" {
			return strings.TrimRight(svc.ServiceEndpoint, "/"), nil
		}
	}
	return "", fmt.Errorf("did doc has no #atproto_pds service")
}

func (p *Poller) describeRepo(ctx context.Context, endpoint, did string) (string, error) {
	u := endpoint + "/xrpc/com.atproto.repo.describeRepo?repo=" + url.QueryEscape(did)
	var desc struct {
		Handle string `json:"handle"`
	}
	if err := p.getJSON(ctx, u, &desc); err != nil {
		return "", err
	}
	return desc.Handle, nil
}

type remoteRecord struct {
	URI   string          `json:"uri"`
	Value json.RawMessage `json:"value"`
}

// listRecords pages through a single collection on a remote repository.
// Grounded on the teacher's import-pds listRecords pagination loop,
// adapted to fetch into the Dispatcher's input shape instead of writing
// to a target management API.
func (p *Poller) listRecords(ctx context.Context, endpoint, did, collection string) ([]remoteRecord, error) {
	var all []remoteRecord
	cursor := ""

	for {
		u := fmt.Sprintf("%s/xrpc/com.atproto.repo.listRecords?repo=%s&collection=%s&limit=100",
			endpoint, url.QueryEscape(did), url.QueryEscape(collection))
		if cursor != "" {
			u += "&cursor=" + url.QueryEscape(cursor)
		}

		var result struct {
			Records []remoteRecord `json:"records"`
			Cursor  string         `json:"cursor"`
		}
		if err := p.getJSON(ctx, u, &result); err != nil {
			return nil, err
		}

		all = append(all, result.Records...)
		cursor = result.Cursor
		if cursor == "" || len(result.Records) == 0 {
			break
		}
	}
	return all, nil
}

func (p *Poller) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: status %d: %s", u, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Subscribe adds did to the Subscriptions set; idempotent.
func Subscribe(ctx context.Context, pool *pgxpool.Pool, did string) error {
	_, err := pool.Exec(ctx,
		`INSERT INTO subscriptions (did) VALUES ($1) ON CONFLICT (did) DO NOTHING`, did)
	return err
}

// Unsubscribe removes did from the Subscriptions set.
func Unsubscribe(ctx context.Context, pool *pgxpool.Pool, did string) error {
	_, err := pool.Exec(ctx, `DELETE FROM subscriptions WHERE did = $1`, did)
	return err
}

// LastSync returns the most recent successful poll time for did, or the
// zero time if did has never synced.
func LastSync(ctx context.Context, pool *pgxpool.Pool, did string) (time.Time, error) {
	var t *time.Time
	err := pool.QueryRow(ctx, `SELECT last_sync FROM subscriptions WHERE did = $1`, did).Scan(&t)
	if err == pgx.ErrNoRows || t == nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return *t, nil
}
