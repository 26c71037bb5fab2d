// Package contentsrc defines the boundary between the repository/firehose
// core and the host application's content store. The host app owns likes,
// reposts, follows, and replies as application records layered on top of
// AT Protocol repositories; this module never interprets that data itself.
// It only recognizes a handful of well-known record types on federated
// writes and forwards them through these interfaces, which an embedding
// application implements against its own storage.
package contentsrc

import (
	"context"
	"time"
)

// Actor identifies the author of a federated record the Dispatcher is
// routing, by DID and best-effort handle (the handle may be stale or
// unresolved; callers should treat it as a display hint, not an identity).
type Actor struct {
	DID    string
	Handle string
}

// Interactions records and removes app.bsky.feed.like / app.bsky.feed.repost
// activity directed at local content.
type Interactions interface {
	// Like records actor liking targetURI (an at:// URI of a local record),
	// identified by the like record's own URI for later Unlike lookups.
	Like(ctx context.Context, actor Actor, likeURI, targetURI string) error
	// Unlike removes a previously recorded like by its own URI.
	Unlike(ctx context.Context, likeURI string) error
	// Repost records actor reposting targetURI.
	Repost(ctx context.Context, actor Actor, repostURI, targetURI string) error
	// Unrepost removes a previously recorded repost by its own URI.
	Unrepost(ctx context.Context, repostURI string) error
}

// Followers records and removes app.bsky.graph.follow edges whose subject
// is the local repository's DID.
type Followers interface {
	Add(ctx context.Context, actor Actor, followURI string) error
	Remove(ctx context.Context, followURI string) error
}

// Replies records app.bsky.feed.post records replying to a local post.
type Replies interface {
	// Store records a reply. rootURI and parentURI are the thread root and
	// immediate parent the reply record named; parentURI may equal rootURI
	// for a direct reply. Only called when rootURI resolves to a local
	// record — replies to threads the repository doesn't own are ignored
	// upstream, in the Dispatcher.
	Store(ctx context.Context, actor Actor, rootURI, parentURI, text string, createdAt time.Time) error
}

// Sinks bundles the content-source interfaces a Dispatcher routes into.
// An embedding application supplies one implementation per deployment;
// this module ships no default since the content store itself is always
// out of scope here.
type Sinks struct {
	Interactions Interactions
	Followers    Followers
	Replies      Replies
}
