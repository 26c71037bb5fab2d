// Package identity derives the node's did:web identity, builds its DID
// document, resolves its handle, and announces the repository to relays.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
)

// DIDFromOrigin derives a did:web identifier from a node's public origin
// URL. Per the did:web spec, the domain (and percent-encoded port, if
// the origin names one) becomes the DID's method-specific identifier; there is no
// path component since the repository is served from the domain root.
func DIDFromOrigin(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("identity: parse origin: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("identity: origin %q has no host", origin)
	}
	host := strings.ReplaceAll(u.Host, ":", "%3A")
	return "did:web:" + host, nil
}

// DIDDocument represents a W3C DID document for the node's identity.
type DIDDocument struct {
	Context            []string             `json:"@context"`
	ID                 string               `json:"id"`
	AlsoKnownAs        []string             `json:"alsoKnownAs"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	Service            []Service            `json:"service"`
}

// VerificationMethod describes a cryptographic key in a DID document.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// Service describes a service endpoint in a DID document.
type Service struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// BuildDIDDocument constructs the node's DID document: one Multikey
// verification method over the repository's P-256 signing key, one
// atproto_pds service endpoint at origin.
func BuildDIDDocument(did, handle string, pub atcrypto.PublicKey, origin string) *DIDDocument {
	return &DIDDocument{
		Context: []string{
			"https://www.w3.org/ns/did/v1",
			"https://w3id.org/security/multikey/v1",
		},
		ID:          did,
		AlsoKnownAs: []string{"at://" + handle},
		VerificationMethod: []VerificationMethod{
			{
				ID:                 did + "#atproto",
				Type:               "Multikey",
				Controller:         did,
				PublicKeyMultibase: pub.Multibase(),
			},
		},
		Service: []Service{
			{
				ID:              "#atproto_pds",
				Type:            "AtprotoPersonalDataServer",
				ServiceEndpoint: origin,
			},
		},
	}
}

// WellKnownDID returns the plaintext body for /.well-known/atproto-did,
// the handle-resolution fallback a client uses when DNS TXT lookup fails.
func WellKnownDID(did string) string {
	return did
}

// AnnounceToRelay sends a requestCrawl to a relay so it discovers this PDS.
func AnnounceToRelay(ctx context.Context, relayURL, serviceURL string) error {
	payload, _ := json.Marshal(map[string]string{
		"hostname": serviceURL,
	})

	reqURL := relayURL + "/xrpc/com.atproto.sync.requestCrawl"
	req, err := http.NewRequestWithContext(ctx, "POST", reqURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("identity: create relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("identity: announce to relay %s: %w", relayURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		log.Printf("relay announcement accepted: %s -> %s", serviceURL, relayURL)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	log.Printf("relay announcement to %s returned %d: %s", relayURL, resp.StatusCode, string(respBody))
	return nil
}
