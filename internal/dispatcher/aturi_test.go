package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseATURIValid(t *testing.T) {
	u, err := parseATURI("at://did:web:pds.example.com/app.bsky.feed.post/abc123")
	require.NoError(t, err)
	require.Equal(t, "did:web:pds.example.com", u.DID)
	require.Equal(t, "app.bsky.feed.post", u.Collection)
	require.Equal(t, "abc123", u.RKey)
}

func TestParseATURIRejectsMissingScheme(t *testing.T) {
	_, err := parseATURI("did:web:pds.example.com/app.bsky.feed.post/abc123")
	require.Error(t, err)
}

func TestParseATURIRejectsWrongSegmentCount(t *testing.T) {
	_, err := parseATURI("at://did:web:pds.example.com/app.bsky.feed.post")
	require.Error(t, err)

	_, err = parseATURI("at://did:web:pds.example.com/app.bsky.feed.post/abc/extra")
	require.Error(t, err)
}

func TestParseATURIRejectsNonDIDFirstSegment(t *testing.T) {
	_, err := parseATURI("at://pds.example.com/app.bsky.feed.post/abc123")
	require.Error(t, err)
}

func TestParseATURIRejectsEmptySegment(t *testing.T) {
	_, err := parseATURI("at://did:web:pds.example.com//abc123")
	require.Error(t, err)
}
