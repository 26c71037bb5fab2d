// Package blob provides content-addressed blob storage for AT Protocol
// media (images, etc.). Blobs belong to the node's single repository
// and are stored keyed by CID alone, with a configurable size limit.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	gocid "github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	atcid "github.com/harborlight/pds/internal/cid"
)

// DefaultMaxBlobSize is used when a config does not override it.
const DefaultMaxBlobSize = 1_000_000

// ErrNotFound is returned when a blob lookup misses.
var ErrNotFound = errors.New("blob: not found")

// ErrTooLarge is returned when an upload exceeds the store's MaxSize.
var ErrTooLarge = errors.New("blob: exceeds maximum size")

// Ref is returned after a successful upload and from List.
type Ref struct {
	CID      string `json:"cid"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// Store handles blob uploads and retrieval against the blob_index table.
type Store struct {
	pool    *pgxpool.Pool
	maxSize int64
}

// NewStore creates a blob Store. maxSize <= 0 selects DefaultMaxBlobSize.
func NewStore(pool *pgxpool.Pool, maxSize int64) *Store {
	if maxSize <= 0 {
		maxSize = DefaultMaxBlobSize
	}
	return &Store{pool: pool, maxSize: maxSize}
}

// Put reads data from r, computes its raw-codec CID, and stores it.
// Content-addressed storage makes this idempotent: re-uploading the
// same bytes returns the same Ref without rewriting the row.
func (s *Store) Put(ctx context.Context, mimeType string, r io.Reader) (*Ref, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("blob: read: %w", err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), s.maxSize)
	}

	c, err := atcid.OfRaw(data)
	if err != nil {
		return nil, fmt.Errorf("blob: cid: %w", err)
	}
	cidStr := c.String()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO blob_index (cid, mime_type, size, data) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (cid) DO NOTHING`,
		cidStr, mimeType, len(data), data,
	)
	if err != nil {
		return nil, fmt.Errorf("blob: store: %w", err)
	}

	return &Ref{CID: cidStr, MimeType: mimeType, Size: int64(len(data))}, nil
}

// Get retrieves a blob's bytes and MIME type by CID.
func (s *Store) Get(ctx context.Context, cidStr string) ([]byte, string, error) {
	var data []byte
	var mimeType string
	err := s.pool.QueryRow(ctx,
		`SELECT data, mime_type FROM blob_index WHERE cid = $1`, cidStr,
	).Scan(&data, &mimeType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("blob: get: %w", err)
	}
	return data, mimeType, nil
}

// Exists reports whether a blob with the given CID is stored.
func (s *Store) Exists(ctx context.Context, cidStr string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM blob_index WHERE cid = $1)`, cidStr,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("blob: exists: %w", err)
	}
	return exists, nil
}

// Delete removes a blob by CID. Returns false if no row matched.
func (s *Store) Delete(ctx context.Context, cidStr string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM blob_index WHERE cid = $1`, cidStr)
	if err != nil {
		return false, fmt.Errorf("blob: delete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// List returns blob refs sorted by CID with cursor pagination.
func (s *Store) List(ctx context.Context, limit int, cursor string) ([]Ref, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT cid, mime_type, size FROM blob_index WHERE cid > $1 ORDER BY cid ASC LIMIT $2`,
		cursor, limit,
	)
	if err != nil {
		return nil, "", fmt.Errorf("blob: list: %w", err)
	}
	defer rows.Close()

	var refs []Ref
	for rows.Next() {
		var ref Ref
		if err := rows.Scan(&ref.CID, &ref.MimeType, &ref.Size); err != nil {
			return nil, "", fmt.Errorf("blob: list scan: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("blob: list rows: %w", err)
	}

	var next string
	if len(refs) == limit {
		next = refs[len(refs)-1].CID
	}
	return refs, next, nil
}

// CidOf returns the raw-codec CID that Put would compute for data,
// without storing it. Useful for callers validating a blob reference
// embedded in a record before it is dereferenced.
func CidOf(data []byte) (gocid.Cid, error) {
	return atcid.OfRaw(data)
}
