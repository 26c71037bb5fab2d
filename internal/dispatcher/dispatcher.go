// Package dispatcher routes federated records — writes that named a
// non-local repo and records discovered by the relay poller — into the
// host application's content store. It recognizes a fixed, small set of
// app.bsky lexicon types; anything else is silently ignored, since an
// unrecognized $type is not an error, just nothing this node acts on.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/harborlight/pds/internal/contentsrc"
)

const (
	typeLike    = "app.bsky.feed.like"
	typeRepost  = "app.bsky.feed.repost"
	typeFollow  = "app.bsky.graph.follow"
	typePost    = "app.bsky.feed.post"
	fieldType   = "$type"
	fieldSubj   = "subject"
	fieldReply  = "reply"
	fieldText   = "text"
	fieldCreate = "createdAt"
)

// Dispatcher routes recognized records into an embedding application's
// content store. It holds no storage of its own.
type Dispatcher struct {
	localDID string
	sinks    contentsrc.Sinks
}

// New builds a Dispatcher for localDID, forwarding recognized records to sinks.
func New(localDID string, sinks contentsrc.Sinks) *Dispatcher {
	return &Dispatcher{localDID: localDID, sinks: sinks}
}

// Dispatch inspects record's $type and forwards it to the matching sink
// if one applies to this node, identified by recordURI (the federated
// record's own at:// URI). Returns nil for any record this node doesn't
// act on — an unrecognized or inapplicable record is not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, actor contentsrc.Actor, recordURI string, record map[string]any) error {
	typ, _ := record[fieldType].(string)
	switch typ {
	case typeLike:
		return d.dispatchLike(ctx, actor, recordURI, record)
	case typeRepost:
		return d.dispatchRepost(ctx, actor, recordURI, record)
	case typeFollow:
		return d.dispatchFollow(ctx, actor, recordURI, record)
	case typePost:
		return d.dispatchPost(ctx, actor, recordURI, record)
	default:
		return nil
	}
}

// DispatchDelete handles a record's removal — recordURI is the deleted
// record's own at:// URI, typ is its last-known $type (the XRPC delete
// path passes the collection, which it knows even without the record
// body).
func (d *Dispatcher) DispatchDelete(ctx context.Context, typ, recordURI string) error {
	switch typ {
	case typeLike:
		if d.sinks.Interactions == nil {
			return nil
		}
		return d.sinks.Interactions.Unlike(ctx, recordURI)
	case typeRepost:
		if d.sinks.Interactions == nil {
			return nil
		}
		return d.sinks.Interactions.Unrepost(ctx, recordURI)
	case typeFollow:
		if d.sinks.Followers == nil {
			return nil
		}
		return d.sinks.Followers.Remove(ctx, recordURI)
	default:
		return nil
	}
}

func (d *Dispatcher) dispatchLike(ctx context.Context, actor contentsrc.Actor, recordURI string, record map[string]any) error {
	if d.sinks.Interactions == nil {
		return nil
	}
	targetURI, ok := subjectURI(record)
	if !ok {
		return fmt.Errorf("dispatcher: like %s: missing subject uri", recordURI)
	}
	target, err := parseATURI(targetURI)
	if err != nil || target.DID != d.localDID {
		// Liking a record this repository doesn't own — not ours to record.
		return nil
	}
	if err := d.sinks.Interactions.Like(ctx, actor, recordURI, targetURI); err != nil {
		return fmt.Errorf("dispatcher: like %s: %w", recordURI, err)
	}
	return nil
}

func (d *Dispatcher) dispatchRepost(ctx context.Context, actor contentsrc.Actor, recordURI string, record map[string]any) error {
	if d.sinks.Interactions == nil {
		return nil
	}
	targetURI, ok := subjectURI(record)
	if !ok {
		return fmt.Errorf("dispatcher: repost %s: missing subject uri", recordURI)
	}
	target, err := parseATURI(targetURI)
	if err != nil || target.DID != d.localDID {
		// Reposting a record this repository doesn't own — not ours to record.
		return nil
	}
	if err := d.sinks.Interactions.Repost(ctx, actor, recordURI, targetURI); err != nil {
		return fmt.Errorf("dispatcher: repost %s: %w", recordURI, err)
	}
	return nil
}

func (d *Dispatcher) dispatchFollow(ctx context.Context, actor contentsrc.Actor, recordURI string, record map[string]any) error {
	if d.sinks.Followers == nil {
		return nil
	}
	subject, _ := record[fieldSubj].(string)
	if subject == "" {
		return fmt.Errorf("dispatcher: follow %s: missing subject", recordURI)
	}
	// Only a follow whose subject is this repository's own DID is ours to
	// record — follows between two other accounts are none of this
	// node's business.
	if subject != d.localDID {
		return nil
	}
	if err := d.sinks.Followers.Add(ctx, actor, recordURI); err != nil {
		return fmt.Errorf("dispatcher: follow %s: %w", recordURI, err)
	}
	return nil
}

func (d *Dispatcher) dispatchPost(ctx context.Context, actor contentsrc.Actor, recordURI string, record map[string]any) error {
	if d.sinks.Replies == nil {
		return nil
	}
	replyField, ok := record[fieldReply].(map[string]any)
	if !ok {
		// Not a reply — nothing for this sink to do.
		return nil
	}
	rootURI, ok := nestedURI(replyField, "root")
	if !ok {
		return fmt.Errorf("dispatcher: post %s: reply missing root uri", recordURI)
	}
	root, err := parseATURI(rootURI)
	if err != nil || root.DID != d.localDID {
		// Replying to a thread this repository doesn't own — not ours
		// to store.
		return nil
	}
	parentURI, _ := nestedURI(replyField, "parent")
	if parentURI == "" {
		parentURI = rootURI
	}
	text, _ := record[fieldText].(string)
	createdAt := parseCreatedAt(record)

	if err := d.sinks.Replies.Store(ctx, actor, rootURI, parentURI, text, createdAt); err != nil {
		return fmt.Errorf("dispatcher: post %s: %w", recordURI, err)
	}
	return nil
}

func subjectURI(record map[string]any) (string, bool) {
	subj, ok := record[fieldSubj].(map[string]any)
	if !ok {
		return "", false
	}
	uri, ok := subj["uri"].(string)
	return uri, ok
}

func nestedURI(m map[string]any, key string) (string, bool) {
	inner, ok := m[key].(map[string]any)
	if !ok {
		return "", false
	}
	uri, ok := inner["uri"].(string)
	return uri, ok
}

func parseCreatedAt(record map[string]any) time.Time {
	raw, _ := record[fieldCreate].(string)
	if raw == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		log.Printf("dispatcher: unparseable createdAt %q, using now", raw)
		return time.Now().UTC()
	}
	return t
}
