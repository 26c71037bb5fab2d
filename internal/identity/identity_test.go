package identity

import (
	"testing"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/stretchr/testify/require"
)

func TestDIDFromOriginPlainHost(t *testing.T) {
	did, err := DIDFromOrigin("https://pds.example.com")
	require.NoError(t, err)
	require.Equal(t, "did:web:pds.example.com", did)
}

func TestDIDFromOriginEncodesPort(t *testing.T) {
	did, err := DIDFromOrigin("https://localhost:8080")
	require.NoError(t, err)
	require.Equal(t, "did:web:localhost%3A8080", did)
}

func TestDIDFromOriginRejectsMissingHost(t *testing.T) {
	_, err := DIDFromOrigin("/not-a-url")
	require.Error(t, err)
}

func TestBuildDIDDocumentShape(t *testing.T) {
	priv, err := atcrypto.GeneratePrivateKeyP256()
	require.NoError(t, err)
	pub, err := priv.PublicKey()
	require.NoError(t, err)

	doc := BuildDIDDocument("did:web:pds.example.com", "alice.example.com", pub, "https://pds.example.com")

	require.Equal(t, "did:web:pds.example.com", doc.ID)
	require.Equal(t, []string{"at://alice.example.com"}, doc.AlsoKnownAs)
	require.Len(t, doc.VerificationMethod, 1)
	require.Equal(t, "did:web:pds.example.com#atproto", doc.VerificationMethod[0].ID)
	require.Equal(t, pub.Multibase(), doc.VerificationMethod[0].PublicKeyMultibase)
	require.Len(t, doc.Service, 1)
	require.Equal(t, "https://pds.example.com", doc.Service[0].ServiceEndpoint)
}

func TestWellKnownDIDReturnsDIDVerbatim(t *testing.T) {
	require.Equal(t, "did:web:pds.example.com", WellKnownDID("did:web:pds.example.com"))
}
