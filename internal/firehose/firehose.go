// Package firehose sequences repository mutations and identity/account
// changes into the AT Protocol com.atproto.sync.subscribeRepos event
// stream: a monotonically numbered, framed commit log delivered over a
// long-lived push channel to any number of subscribers.
package firehose

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	atproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	gocid "github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborlight/pds/internal/metrics"
)

// CommitInfo carries everything needed to build a #commit event.
type CommitInfo struct {
	DID       string
	Rev       string
	PrevRev   string
	CommitCID string
	PrevData  *gocid.Cid
	DiffCAR   []byte
	Ops       []OpInfo
	Time      time.Time
}

// OpInfo describes a single record mutation.
type OpInfo struct {
	Action string
	Path   string
	CID    *gocid.Cid
	Prev   *gocid.Cid
}

// subscriber represents a connected firehose consumer.
type subscriber struct {
	ch   chan []byte
	done chan struct{}
}

// Manager sequences events, persists them, bounds the backlog to a ring
// of the most recent ringSize entries, and fans out live frames to
// subscribers. There is exactly one Manager per process, backing the
// single repository's single event stream.
type Manager struct {
	pool     *pgxpool.Pool
	ringSize int64

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewManager creates a Manager backed by pool, bounding the persisted
// backlog to ringSize entries (<=0 selects 1000).
func NewManager(pool *pgxpool.Pool, ringSize int) *Manager {
	if ringSize <= 0 {
		ringSize = 1000
	}
	return &Manager{
		pool:     pool,
		ringSize: int64(ringSize),
		subs:     make(map[*subscriber]struct{}),
	}
}

// EmitCommit persists a #commit event and broadcasts its wire frame.
func (m *Manager) EmitCommit(ctx context.Context, info *CommitInfo) error {
	commitCID, err := gocid.Decode(info.CommitCID)
	if err != nil {
		return fmt.Errorf("firehose: decode commit cid: %w", err)
	}

	ops := make([]*atproto.SyncSubscribeRepos_RepoOp, len(info.Ops))
	for i, op := range info.Ops {
		repoOp := &atproto.SyncSubscribeRepos_RepoOp{
			Action: op.Action,
			Path:   op.Path,
		}
		if op.CID != nil {
			ll := lexutil.LexLink(*op.CID)
			repoOp.Cid = &ll
		}
		if op.Prev != nil {
			ll := lexutil.LexLink(*op.Prev)
			repoOp.Prev = &ll
		}
		ops[i] = repoOp
	}

	var since *string
	if info.PrevRev != "" {
		since = &info.PrevRev
	}
	var prevData *lexutil.LexLink
	if info.PrevData != nil {
		ll := lexutil.LexLink(*info.PrevData)
		prevData = &ll
	}

	commit := &atproto.SyncSubscribeRepos_Commit{
		Repo:     info.DID,
		Rev:      info.Rev,
		Commit:   lexutil.LexLink(commitCID),
		Blocks:   lexutil.LexBytes(info.DiffCAR),
		Ops:      ops,
		Blobs:    []lexutil.LexLink{},
		Since:    since,
		PrevData: prevData,
		Time:     info.Time.UTC().Format(time.RFC3339),
		Rebase:   false,
		TooBig:   false,
	}

	var buf bytes.Buffer
	if err := commit.MarshalCBOR(&buf); err != nil {
		return fmt.Errorf("firehose: marshal commit: %w", err)
	}

	seq, err := m.persist(ctx, buf.Bytes())
	if err != nil {
		return fmt.Errorf("firehose: persist: %w", err)
	}
	commit.Seq = seq

	frame, err := encodeFrame("#commit", commit)
	if err != nil {
		return fmt.Errorf("firehose: encode frame: %w", err)
	}
	m.broadcast(frame)
	return nil
}

// EmitIdentity persists and broadcasts a #identity event, sent when the
// repository's handle changes.
func (m *Manager) EmitIdentity(ctx context.Context, did, handle string, t time.Time) error {
	evt := &atproto.SyncSubscribeRepos_Identity{
		Did:    did,
		Handle: &handle,
		Time:   t.UTC().Format(time.RFC3339),
	}

	var buf bytes.Buffer
	if err := evt.MarshalCBOR(&buf); err != nil {
		return fmt.Errorf("firehose: marshal identity: %w", err)
	}
	seq, err := m.persist(ctx, buf.Bytes())
	if err != nil {
		return fmt.Errorf("firehose: persist identity: %w", err)
	}
	evt.Seq = seq

	frame, err := encodeFrame("#identity", evt)
	if err != nil {
		return fmt.Errorf("firehose: encode identity frame: %w", err)
	}
	m.broadcast(frame)
	return nil
}

// EmitAccount persists and broadcasts a #account event, sent when the
// repository's active/status state changes.
func (m *Manager) EmitAccount(ctx context.Context, did string, active bool, status string, t time.Time) error {
	evt := &atproto.SyncSubscribeRepos_Account{
		Did:    did,
		Active: active,
		Time:   t.UTC().Format(time.RFC3339),
	}
	if status != "" {
		evt.Status = &status
	}

	var buf bytes.Buffer
	if err := evt.MarshalCBOR(&buf); err != nil {
		return fmt.Errorf("firehose: marshal account: %w", err)
	}
	seq, err := m.persist(ctx, buf.Bytes())
	if err != nil {
		return fmt.Errorf("firehose: persist account: %w", err)
	}
	evt.Seq = seq

	frame, err := encodeFrame("#account", evt)
	if err != nil {
		return fmt.Errorf("firehose: encode account frame: %w", err)
	}
	m.broadcast(frame)
	return nil
}

// persist assigns the next seq via the firehose_seq counter, inserts the
// payload, and trims the backlog to the most recent ringSize rows.
func (m *Manager) persist(ctx context.Context, payload []byte) (int64, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq int64
	err = tx.QueryRow(ctx,
		`UPDATE firehose_seq SET seq = seq + 1 WHERE id = TRUE RETURNING seq`,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("advance seq: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO firehose_events (seq, kind, payload) VALUES ($1, 'event', $2)`,
		seq, payload,
	); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM firehose_events WHERE seq <= $1`, seq-m.ringSize,
	); err != nil {
		return 0, fmt.Errorf("trim ring: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return seq, nil
}

// Subscribe returns a channel of pre-serialized wire frames. If since is
// non-nil, buffered events with seq > *since are replayed before live
// frames; a cursor older than the ring's oldest retained seq replays
// whatever remains (the subscriber cannot recover events already
// evicted — callers needing full history should use getRepo instead).
// The returned cancel function must be called when the subscriber is done.
func (m *Manager) Subscribe(ctx context.Context, since *int64) (<-chan []byte, func(), error) {
	sub := &subscriber{
		ch:   make(chan []byte, 256),
		done: make(chan struct{}),
	}

	// Register before replay so no event is missed between replay end
	// and live start.
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()
	metrics.FirehoseSubscribers.Inc()

	cancel := func() {
		m.mu.Lock()
		_, present := m.subs[sub]
		delete(m.subs, sub)
		m.mu.Unlock()
		if present {
			metrics.FirehoseSubscribers.Dec()
		}
		close(sub.done)
	}

	if since != nil {
		go func() {
			if err := m.replay(ctx, *since, sub); err != nil {
				log.Printf("firehose: replay error: %v", err)
			}
		}()
	}

	return sub.ch, cancel, nil
}

func (m *Manager) replay(ctx context.Context, since int64, sub *subscriber) error {
	rows, err := m.pool.Query(ctx,
		`SELECT payload FROM firehose_events WHERE seq > $1 ORDER BY seq ASC`, since)
	if err != nil {
		return fmt.Errorf("replay query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("replay scan: %w", err)
		}
		select {
		case sub.ch <- payload:
		case <-sub.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return rows.Err()
}

// Shutdown closes every subscriber channel.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subs {
		close(sub.ch)
		delete(m.subs, sub)
	}
}

// broadcast sends a frame to all subscribers. A subscriber whose buffer
// is full is dropped rather than allowed to block the others.
func (m *Manager) broadcast(frame []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for sub := range m.subs {
		select {
		case sub.ch <- frame:
		default:
			close(sub.ch)
			go func(s *subscriber) {
				m.mu.Lock()
				_, present := m.subs[s]
				delete(m.subs, s)
				m.mu.Unlock()
				if present {
					metrics.FirehoseSubscribers.Dec()
				}
			}(sub)
		}
	}
	metrics.FirehoseEvents.Inc()
}

// encodeFrame serializes an event as the AT Protocol firehose wire
// format: CBOR(EventHeader) + CBOR(payload).
func encodeFrame(msgType string, payload interface {
	MarshalCBOR(w *cbg.CborWriter) error
}) ([]byte, error) {
	var buf bytes.Buffer
	w := cbg.NewCborWriter(&buf)

	header := events.EventHeader{
		Op:      events.EvtKindMessage,
		MsgType: msgType,
	}
	if err := header.MarshalCBOR(w); err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if err := payload.MarshalCBOR(w); err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return buf.Bytes(), nil
}
