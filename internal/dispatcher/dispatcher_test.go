package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harborlight/pds/internal/contentsrc"
)

type fakeInteractions struct {
	liked, unliked, reposted, unreposted []string
}

func (f *fakeInteractions) Like(ctx context.Context, actor contentsrc.Actor, likeURI, targetURI string) error {
	f.liked = append(f.liked, likeURI+"->"+targetURI)
	return nil
}
func (f *fakeInteractions) Unlike(ctx context.Context, likeURI string) error {
	f.unliked = append(f.unliked, likeURI)
	return nil
}
func (f *fakeInteractions) Repost(ctx context.Context, actor contentsrc.Actor, repostURI, targetURI string) error {
	f.reposted = append(f.reposted, repostURI+"->"+targetURI)
	return nil
}
func (f *fakeInteractions) Unrepost(ctx context.Context, repostURI string) error {
	f.unreposted = append(f.unreposted, repostURI)
	return nil
}

type fakeFollowers struct {
	added, removed []string
}

func (f *fakeFollowers) Add(ctx context.Context, actor contentsrc.Actor, followURI string) error {
	f.added = append(f.added, followURI)
	return nil
}
func (f *fakeFollowers) Remove(ctx context.Context, followURI string) error {
	f.removed = append(f.removed, followURI)
	return nil
}

type fakeReplies struct {
	stored []string
}

func (f *fakeReplies) Store(ctx context.Context, actor contentsrc.Actor, rootURI, parentURI, text string, createdAt time.Time) error {
	f.stored = append(f.stored, rootURI+"|"+parentURI+"|"+text)
	return nil
}

const localDID = "did:web:pds.example.com"

func TestDispatchLikeRoutesToInteractions(t *testing.T) {
	fi := &fakeInteractions{}
	d := New(localDID, contentsrc.Sinks{Interactions: fi})

	record := map[string]any{
		"$type":   "app.bsky.feed.like",
		"subject": map[string]any{"uri": "at://" + localDID + "/app.bsky.feed.post/abc"},
	}
	err := d.Dispatch(context.Background(), contentsrc.Actor{DID: "did:web:bob.example"}, "at://did:web:bob.example/app.bsky.feed.like/xyz", record)
	require.NoError(t, err)
	require.Len(t, fi.liked, 1)
}

func TestDispatchLikeOnlyWhenTargetIsLocal(t *testing.T) {
	fi := &fakeInteractions{}
	d := New(localDID, contentsrc.Sinks{Interactions: fi})

	record := map[string]any{
		"$type":   "app.bsky.feed.like",
		"subject": map[string]any{"uri": "at://did:web:other.example/app.bsky.feed.post/abc"},
	}
	err := d.Dispatch(context.Background(), contentsrc.Actor{DID: "did:web:bob.example"}, "at://did:web:bob.example/app.bsky.feed.like/xyz", record)
	require.NoError(t, err)
	require.Len(t, fi.liked, 0, "a like of a record this repo doesn't own must not be recorded")
}

func TestDispatchRepostOnlyWhenTargetIsLocal(t *testing.T) {
	fi := &fakeInteractions{}
	d := New(localDID, contentsrc.Sinks{Interactions: fi})

	local := map[string]any{
		"$type":   "app.bsky.feed.repost",
		"subject": map[string]any{"uri": "at://" + localDID + "/app.bsky.feed.post/abc"},
	}
	err := d.Dispatch(context.Background(), contentsrc.Actor{DID: "did:web:bob.example"}, "at://did:web:bob.example/app.bsky.feed.repost/1", local)
	require.NoError(t, err)
	require.Len(t, fi.reposted, 1)

	foreign := map[string]any{
		"$type":   "app.bsky.feed.repost",
		"subject": map[string]any{"uri": "at://did:web:other.example/app.bsky.feed.post/abc"},
	}
	err = d.Dispatch(context.Background(), contentsrc.Actor{DID: "did:web:bob.example"}, "at://did:web:bob.example/app.bsky.feed.repost/2", foreign)
	require.NoError(t, err)
	require.Len(t, fi.reposted, 1, "a repost of a record this repo doesn't own must not be recorded")
}

func TestDispatchFollowOnlyWhenSubjectIsLocal(t *testing.T) {
	ff := &fakeFollowers{}
	d := New(localDID, contentsrc.Sinks{Followers: ff})

	local := map[string]any{"$type": "app.bsky.graph.follow", "subject": localDID}
	err := d.Dispatch(context.Background(), contentsrc.Actor{DID: "did:web:bob.example"}, "at://did:web:bob.example/app.bsky.graph.follow/1", local)
	require.NoError(t, err)
	require.Len(t, ff.added, 1)

	other := map[string]any{"$type": "app.bsky.graph.follow", "subject": "did:web:someone-else.example"}
	err = d.Dispatch(context.Background(), contentsrc.Actor{DID: "did:web:bob.example"}, "at://did:web:bob.example/app.bsky.graph.follow/2", other)
	require.NoError(t, err)
	require.Len(t, ff.added, 1, "follow not aimed at the local DID must not be recorded")
}

func TestDispatchPostOnlyStoresRepliesToLocalRoot(t *testing.T) {
	fr := &fakeReplies{}
	d := New(localDID, contentsrc.Sinks{Replies: fr})

	localReply := map[string]any{
		"$type": "app.bsky.feed.post",
		"text":  "nice post",
		"reply": map[string]any{
			"root":   map[string]any{"uri": "at://" + localDID + "/app.bsky.feed.post/root1"},
			"parent": map[string]any{"uri": "at://" + localDID + "/app.bsky.feed.post/root1"},
		},
	}
	err := d.Dispatch(context.Background(), contentsrc.Actor{DID: "did:web:bob.example"}, "at://did:web:bob.example/app.bsky.feed.post/r1", localReply)
	require.NoError(t, err)
	require.Len(t, fr.stored, 1)

	foreignReply := map[string]any{
		"$type": "app.bsky.feed.post",
		"text":  "unrelated",
		"reply": map[string]any{
			"root":   map[string]any{"uri": "at://did:web:someone-else.example/app.bsky.feed.post/root2"},
			"parent": map[string]any{"uri": "at://did:web:someone-else.example/app.bsky.feed.post/root2"},
		},
	}
	err = d.Dispatch(context.Background(), contentsrc.Actor{DID: "did:web:bob.example"}, "at://did:web:bob.example/app.bsky.feed.post/r2", foreignReply)
	require.NoError(t, err)
	require.Len(t, fr.stored, 1, "reply to a thread this repo doesn't own must not be stored")
}

func TestDispatchUnrecognizedTypeIsNotAnError(t *testing.T) {
	d := New(localDID, contentsrc.Sinks{})
	record := map[string]any{"$type": "app.bsky.actor.profile"}
	err := d.Dispatch(context.Background(), contentsrc.Actor{}, "at://"+localDID+"/app.bsky.actor.profile/self", record)
	require.NoError(t, err)
}

func TestDispatchDeleteRoutesByType(t *testing.T) {
	fi := &fakeInteractions{}
	ff := &fakeFollowers{}
	d := New(localDID, contentsrc.Sinks{Interactions: fi, Followers: ff})

	require.NoError(t, d.DispatchDelete(context.Background(), "app.bsky.feed.like", "at://did:web:bob.example/app.bsky.feed.like/1"))
	require.Len(t, fi.unliked, 1)

	require.NoError(t, d.DispatchDelete(context.Background(), "app.bsky.feed.repost", "at://did:web:bob.example/app.bsky.feed.repost/1"))
	require.Len(t, fi.unreposted, 1)

	require.NoError(t, d.DispatchDelete(context.Background(), "app.bsky.graph.follow", "at://did:web:bob.example/app.bsky.graph.follow/1"))
	require.Len(t, ff.removed, 1)
}

func TestDispatchLikeMissingSubjectIsAnError(t *testing.T) {
	d := New(localDID, contentsrc.Sinks{Interactions: &fakeInteractions{}})
	record := map[string]any{"$type": "app.bsky.feed.like"}
	err := d.Dispatch(context.Background(), contentsrc.Actor{}, "at://"+localDID+"/app.bsky.feed.like/1", record)
	require.Error(t, err)
}
