package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	indigorepo "github.com/bluesky-social/indigo/atproto/repo"
	"github.com/bluesky-social/indigo/atproto/repo/mst"

	blocks "github.com/ipfs/go-block-format"
	gocid "github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborlight/pds/internal/codec"
	"github.com/harborlight/pds/internal/keystore"
	"github.com/harborlight/pds/internal/tid"
)

// Sentinel errors for repository operations.
var (
	// ErrNotFound is returned when the repository has no commit yet
	// (Init has not run, or has not completed).
	ErrNotFound = errors.New("repo: repository not initialized")
	// ErrRecordNotFound is returned when a record lookup misses.
	ErrRecordNotFound = errors.New("repo: record not found")
	// ErrInvalidSwap is returned when a swapRecord/swapCommit
	// precondition does not match the repository's current state.
	ErrInvalidSwap = errors.New("repo: swap precondition failed")
)

// Repository is the single AT Protocol repository hosted by this
// node: one did:web identity, one Merkle Search Tree, one signed
// commit chain. Unlike the teacher's per-call tenant pool plumbing,
// a Repository is constructed once at startup and holds its identity
// and signing key for the process lifetime.
type Repository struct {
	pool  *pgxpool.Pool
	did   string
	keys  *keystore.KeyStore
	clock *tid.Clock

	// mu serializes mutations: exactly one writer advances repository
	// state at a time, held by the caller from swap-check through
	// firehose event emission (the Repository's write methods don't
	// take it themselves, since emission happens outside this package).
	// Readers take the read side and may run in parallel with each
	// other, but wait for an in-progress write to publish.
	mu sync.RWMutex
}

// New creates a Repository for the given DID, backed by pool and
// signing with keys. clock supplies TIDs for rkeys and commit revs.
func New(pool *pgxpool.Pool, did string, keys *keystore.KeyStore, clock *tid.Clock) *Repository {
	return &Repository{pool: pool, did: did, keys: keys, clock: clock}
}

// DID returns the repository's identity.
func (r *Repository) DID() string { return r.did }

// Lock acquires the repository's write lock. Callers must hold it for
// the full span of a mutation — from the swap-check inside
// CreateRecord/PutRecord/DeleteRecord through the firehose event emitted
// for its result — and must call Unlock when done.
func (r *Repository) Lock() { r.mu.Lock() }

// Unlock releases the write lock acquired by Lock.
func (r *Repository) Unlock() { r.mu.Unlock() }

// RecordEntry represents a single record in a list response.
type RecordEntry struct {
	URI string         `json:"uri"`
	CID string         `json:"cid"`
	Val map[string]any `json:"value"`
}

// repoRoot holds the current commit state for the repository.
type repoRoot struct {
	CommitCID string
	Rev       string
}

// CommitResult captures everything about a commit that downstream
// consumers (the firehose) need to build event payloads.
type CommitResult struct {
	CommitCID string
	Rev       string
	PrevRev   string
	PrevData  *gocid.Cid
	Ops       []RepoOp
	DiffCAR   []byte // CAR v1 with only new blocks
}

// RepoOp describes a single record mutation within a commit.
type RepoOp struct {
	Action string     // "create", "update", or "delete"
	Path   string     // collection/rkey
	CID    *gocid.Cid // new record CID (nil for delete)
	Prev   *gocid.Cid // previous record CID (nil for create)
}

// Init creates the empty repository if one does not already exist.
// Safe to call on every startup — a no-op once a root is persisted.
func (r *Repository) Init(ctx context.Context) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM repo_state WHERE id = TRUE)`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("repo: init check: %w", err)
	}
	if exists {
		return nil
	}

	bs := NewMemBlockstore()
	tree := mst.NewEmptyTree()

	mstRoot, err := tree.WriteDiffBlocks(ctx, bs)
	if err != nil {
		return fmt.Errorf("repo: init write mst: %w", err)
	}

	rev := r.clock.Next()
	commit := indigorepo.Commit{
		DID:     r.did,
		Version: indigorepo.ATPROTO_REPO_VERSION,
		Prev:    nil,
		Data:    *mstRoot,
		Rev:     rev,
	}
	if err := commit.Sign(r.keys.PrivateKey()); err != nil {
		return fmt.Errorf("repo: init sign: %w", err)
	}

	commitCID, err := storeCommitBlock(bs, &commit)
	if err != nil {
		return fmt.Errorf("repo: init commit block: %w", err)
	}

	if err := bs.PersistAll(ctx, r.pool); err != nil {
		return fmt.Errorf("repo: init persist: %w", err)
	}
	if err := setRoot(ctx, r.pool, commitCID.String(), mstRoot.String(), rev); err != nil {
		return fmt.Errorf("repo: init root: %w", err)
	}
	return nil
}

// CreateRecord adds a record under a fresh TID rkey. swapCommit, if
// non-nil, must match the repository's current commit CID or the
// write is rejected with ErrInvalidSwap — createRecord has no
// equivalent per-record precondition (there is no prior record to
// swap against), so it only ever checks the repository-wide swap.
func (r *Repository) CreateRecord(ctx context.Context, collection string, record map[string]any, swapCommit *string) (uri string, result *CommitResult, err error) {
	rkey := r.clock.Next()
	return r.putRecord(ctx, collection, rkey, record, swapCommit, nil)
}

// PutRecord creates or updates a record at a specific rkey. swapRecord,
// if non-nil, must match the CID of the record currently at that path
// (or be the empty string if no record is expected to exist yet).
func (r *Repository) PutRecord(ctx context.Context, collection, rkey string, record map[string]any, swapRecord *string) (uri string, result *CommitResult, err error) {
	return r.putRecord(ctx, collection, rkey, record, nil, swapRecord)
}

func (r *Repository) putRecord(ctx context.Context, collection, rkey string, record map[string]any, swapCommit, swapRecord *string) (string, *CommitResult, error) {
	parsed, err := codec.FromValue(record)
	if err != nil {
		return "", nil, fmt.Errorf("repo: put parse record: %w", err)
	}

	cborBytes, err := EncodeRecord(parsed)
	if err != nil {
		return "", nil, fmt.Errorf("repo: put encode: %w", err)
	}

	recordCID, err := ComputeCID(cborBytes)
	if err != nil {
		return "", nil, fmt.Errorf("repo: put cid: %w", err)
	}

	tbs, tree, root, err := r.open(ctx)
	if err != nil {
		return "", nil, err
	}

	if swapCommit != nil {
		if root == nil || *swapCommit != root.CommitCID {
			return "", nil, fmt.Errorf("%w: commit", ErrInvalidSwap)
		}
	}

	path := collection + "/" + rkey
	if swapRecord != nil {
		existing, gerr := tree.Get([]byte(path))
		if gerr != nil {
			return "", nil, fmt.Errorf("repo: put swap lookup: %w", gerr)
		}
		want := *swapRecord
		got := ""
		if existing != nil {
			got = existing.String()
		}
		if want != got {
			return "", nil, fmt.Errorf("%w: record", ErrInvalidSwap)
		}
	}

	blk, err := blocks.NewBlockWithCid(cborBytes, recordCID)
	if err != nil {
		return "", nil, fmt.Errorf("repo: put create block: %w", err)
	}
	if err := tbs.Put(ctx, blk); err != nil {
		return "", nil, fmt.Errorf("repo: put store block: %w", err)
	}

	prev, err := tree.Insert([]byte(path), recordCID)
	if err != nil {
		return "", nil, fmt.Errorf("repo: put mst insert: %w", err)
	}

	action := "create"
	if prev != nil {
		action = "update"
	}
	ops := []RepoOp{{Action: action, Path: path, CID: &recordCID, Prev: prev}}

	result, err := r.commit(ctx, tbs, &tree, root, ops)
	if err != nil {
		return "", nil, err
	}

	return "at://" + r.did + "/" + path, result, nil
}

// GetRecord reads a record by collection + rkey.
func (r *Repository) GetRecord(ctx context.Context, collection, rkey string) (cidStr string, record map[string]any, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bs, tree, _, err := r.open(ctx)
	if err != nil {
		return "", nil, err
	}

	path := collection + "/" + rkey
	recordCID, err := tree.Get([]byte(path))
	if err != nil {
		return "", nil, fmt.Errorf("repo: get record mst: %w", err)
	}
	if recordCID == nil {
		return "", nil, fmt.Errorf("%w: %s", ErrRecordNotFound, path)
	}

	blk, err := bs.Get(ctx, *recordCID)
	if err != nil {
		return "", nil, fmt.Errorf("repo: get record block: %w", err)
	}

	rec, err := DecodeRecord(blk.RawData())
	if err != nil {
		return "", nil, fmt.Errorf("repo: decode record: %w", err)
	}

	return recordCID.String(), rec, nil
}

// DeleteRecord removes a record. swapRecord, if non-nil, must match
// the CID of the record currently at that path.
func (r *Repository) DeleteRecord(ctx context.Context, collection, rkey string, swapRecord *string) (*CommitResult, error) {
	tbs, tree, root, err := r.open(ctx)
	if err != nil {
		return nil, err
	}

	path := collection + "/" + rkey
	if swapRecord != nil {
		existing, gerr := tree.Get([]byte(path))
		if gerr != nil {
			return nil, fmt.Errorf("repo: delete swap lookup: %w", gerr)
		}
		want := *swapRecord
		got := ""
		if existing != nil {
			got = existing.String()
		}
		if want != got {
			return nil, fmt.Errorf("%w: record", ErrInvalidSwap)
		}
	}

	prev, err := tree.Remove([]byte(path))
	if err != nil {
		return nil, fmt.Errorf("repo: delete mst remove: %w", err)
	}
	if prev == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, path)
	}

	ops := []RepoOp{{Action: "delete", Path: path, CID: nil, Prev: prev}}
	return r.commit(ctx, tbs, &tree, root, ops)
}

// ListRecords returns records in a collection with cursor pagination.
func (r *Repository) ListRecords(ctx context.Context, collection string, limit int, cursor string, reverse bool) ([]RecordEntry, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bs, tree, _, err := r.open(ctx)
	if err != nil {
		return nil, "", err
	}

	prefix := collection + "/"
	var entries []struct {
		key string
		val gocid.Cid
	}

	err = tree.Walk(func(key []byte, val gocid.Cid) error {
		k := string(key)
		if !strings.HasPrefix(k, prefix) {
			return nil
		}
		entries = append(entries, struct {
			key string
			val gocid.Cid
		}{k, val})
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("repo: list walk: %w", err)
	}

	if reverse {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}

	startIdx := 0
	if cursor != "" {
		cursorPath := prefix + cursor
		for i, e := range entries {
			if e.key == cursorPath {
				startIdx = i + 1
				break
			}
		}
	}

	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var records []RecordEntry
	var nextCursor string
	for i := startIdx; i < len(entries) && len(records) < limit; i++ {
		e := entries[i]
		rkey := strings.TrimPrefix(e.key, prefix)

		blk, err := bs.Get(ctx, e.val)
		if err != nil {
			return nil, "", fmt.Errorf("repo: list get block %s: %w", e.val.String(), err)
		}
		rec, err := DecodeRecord(blk.RawData())
		if err != nil {
			return nil, "", fmt.Errorf("repo: list decode: %w", err)
		}

		records = append(records, RecordEntry{
			URI: "at://" + r.did + "/" + e.key,
			CID: e.val.String(),
			Val: rec,
		})

		if len(records) == limit && i+1 < len(entries) {
			nextCursor = rkey
		}
	}

	return records, nextCursor, nil
}

// DescribeRepo returns the distinct collection NSIDs present in the repo.
func (r *Repository) DescribeRepo(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, tree, _, err := r.open(ctx)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	err = tree.Walk(func(key []byte, _ gocid.Cid) error {
		k := string(key)
		if idx := strings.Index(k, "/"); idx > 0 {
			seen[k[:idx]] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repo: describe walk: %w", err)
	}

	collections := make([]string, 0, len(seen))
	for c := range seen {
		collections = append(collections, c)
	}
	return collections, nil
}

// GetRoot returns the current commit CID and rev.
func (r *Repository) GetRoot(ctx context.Context) (commitCID, rev string, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	root, err := loadRoot(ctx, r.pool)
	if err != nil {
		return "", "", err
	}
	return root.CommitCID, root.Rev, nil
}

// ExportRepo writes the full repository as a CAR v1 archive to w.
func (r *Repository) ExportRepo(ctx context.Context, w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	root, err := loadRoot(ctx, r.pool)
	if err != nil {
		return fmt.Errorf("repo: export: %w", err)
	}

	bs, err := LoadBlocks(ctx, r.pool)
	if err != nil {
		return fmt.Errorf("repo: export load blocks: %w", err)
	}

	commitCID, err := gocid.Decode(root.CommitCID)
	if err != nil {
		return fmt.Errorf("repo: export decode commit cid: %w", err)
	}

	return bs.ExportCAR(w, commitCID)
}

// open loads blocks from Postgres, rebuilds the MST tree, and returns
// a TrackingBlockstore that can distinguish new blocks from preloaded
// ones.
func (r *Repository) open(ctx context.Context) (*TrackingBlockstore, mst.Tree, *repoRoot, error) {
	root, err := loadRoot(ctx, r.pool)
	if err != nil {
		return nil, mst.Tree{}, nil, fmt.Errorf("repo: open load root: %w", err)
	}

	bs, err := LoadBlocks(ctx, r.pool)
	if err != nil {
		return nil, mst.Tree{}, nil, fmt.Errorf("repo: open load blocks: %w", err)
	}

	commitCID, err := gocid.Decode(root.CommitCID)
	if err != nil {
		return nil, mst.Tree{}, nil, fmt.Errorf("repo: open decode commit cid: %w", err)
	}

	commitBlk, err := bs.Get(ctx, commitCID)
	if err != nil {
		return nil, mst.Tree{}, nil, fmt.Errorf("repo: open get commit block: %w", err)
	}

	var commit indigorepo.Commit
	if err := commit.UnmarshalCBOR(bytes.NewReader(commitBlk.RawData())); err != nil {
		return nil, mst.Tree{}, nil, fmt.Errorf("repo: open unmarshal commit: %w", err)
	}

	tbs := NewTrackingBlockstore(bs)

	tree, err := mst.LoadTreeFromStore(ctx, tbs, commit.Data)
	if err != nil {
		return nil, mst.Tree{}, nil, fmt.Errorf("repo: open load mst: %w", err)
	}

	return tbs, *tree, root, nil
}

// commit signs a new commit, writes MST blocks, generates a diff CAR
// from the tracking blockstore, and persists to Postgres.
func (r *Repository) commit(ctx context.Context, tbs *TrackingBlockstore, tree *mst.Tree, prevRoot *repoRoot, ops []RepoOp) (*CommitResult, error) {
	mstRoot, err := tree.WriteDiffBlocks(ctx, tbs)
	if err != nil {
		return nil, fmt.Errorf("repo: commit write mst: %w", err)
	}

	var prevCID *gocid.Cid
	var prevData *gocid.Cid
	var prevRev string
	if prevRoot != nil {
		c, err := gocid.Decode(prevRoot.CommitCID)
		if err != nil {
			return nil, fmt.Errorf("repo: commit decode prev: %w", err)
		}
		prevCID = &c
		prevRev = prevRoot.Rev

		if oldBlk, err := tbs.Get(ctx, c); err == nil {
			var oldCommit indigorepo.Commit
			if err := oldCommit.UnmarshalCBOR(bytes.NewReader(oldBlk.RawData())); err == nil {
				prevData = &oldCommit.Data
			}
		}
	}

	rev := r.clock.Next()
	commit := indigorepo.Commit{
		DID:     r.did,
		Version: indigorepo.ATPROTO_REPO_VERSION,
		Prev:    prevCID,
		Data:    *mstRoot,
		Rev:     rev,
	}
	if err := commit.Sign(r.keys.PrivateKey()); err != nil {
		return nil, fmt.Errorf("repo: commit sign: %w", err)
	}

	commitCID, err := storeCommitBlock(tbs.MemBlockstore, &commit)
	if err != nil {
		return nil, fmt.Errorf("repo: commit store: %w", err)
	}

	var diffBuf bytes.Buffer
	if err := tbs.ExportDiffCAR(&diffBuf, commitCID); err != nil {
		return nil, fmt.Errorf("repo: commit diff car: %w", err)
	}

	if err := tbs.MemBlockstore.PersistAll(ctx, r.pool); err != nil {
		return nil, fmt.Errorf("repo: commit persist: %w", err)
	}
	if err := setRoot(ctx, r.pool, commitCID.String(), mstRoot.String(), rev); err != nil {
		return nil, fmt.Errorf("repo: commit root: %w", err)
	}

	return &CommitResult{
		CommitCID: commitCID.String(),
		Rev:       rev,
		PrevRev:   prevRev,
		PrevData:  prevData,
		Ops:       ops,
		DiffCAR:   diffBuf.Bytes(),
	}, nil
}

// VerifyCommit checks a commit's signature against the given public
// key, by stripping Sig, re-marshalling, and verifying over the
// unsigned bytes — the inverse of Commit.Sign.
func VerifyCommit(commitBytes []byte, pub atcrypto.PublicKey) error {
	var commit indigorepo.Commit
	if err := commit.UnmarshalCBOR(bytes.NewReader(commitBytes)); err != nil {
		return fmt.Errorf("repo: verify: unmarshal commit: %w", err)
	}
	sig := commit.Sig
	commit.Sig = nil

	var buf bytes.Buffer
	if err := commit.MarshalCBOR(&buf); err != nil {
		return fmt.Errorf("repo: verify: remarshal commit: %w", err)
	}

	if err := pub.HashAndVerify(buf.Bytes(), sig); err != nil {
		return fmt.Errorf("repo: verify: %w", err)
	}
	return nil
}

// storeCommitBlock encodes a commit as CBOR and stores it in the blockstore.
func storeCommitBlock(bs *MemBlockstore, commit *indigorepo.Commit) (gocid.Cid, error) {
	var buf bytes.Buffer
	if err := commit.MarshalCBOR(&buf); err != nil {
		return gocid.Undef, fmt.Errorf("marshal commit cbor: %w", err)
	}
	commitBytes := buf.Bytes()

	commitCID, err := ComputeCID(commitBytes)
	if err != nil {
		return gocid.Undef, fmt.Errorf("compute commit cid: %w", err)
	}

	blk, err := blocks.NewBlockWithCid(commitBytes, commitCID)
	if err != nil {
		return gocid.Undef, fmt.Errorf("create commit block: %w", err)
	}
	bs.blocks[commitCID.KeyString()] = blk

	return commitCID, nil
}

// loadRoot loads the repo root from Postgres.
func loadRoot(ctx context.Context, pool *pgxpool.Pool) (*repoRoot, error) {
	var root repoRoot
	err := pool.QueryRow(ctx,
		`SELECT commit_cid, rev FROM repo_state WHERE id = TRUE`,
	).Scan(&root.CommitCID, &root.Rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repo: load root: %w", err)
	}
	return &root, nil
}

// setRoot inserts or updates the repo root in Postgres.
func setRoot(ctx context.Context, pool *pgxpool.Pool, commitCID, rootCID, rev string) error {
	_, err := pool.Exec(ctx,
		`INSERT INTO repo_state (id, commit_cid, root_cid, rev) VALUES (TRUE, $1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET commit_cid = $1, root_cid = $2, rev = $3, updated_at = NOW()`,
		commitCID, rootCID, rev)
	if err != nil {
		return fmt.Errorf("repo: set root: %w", err)
	}
	return nil
}
