package dispatcher

import (
	"fmt"
	"strings"
)

// atURI is a parsed at://<did>/<collection>/<rkey> reference.
type atURI struct {
	DID        string
	Collection string
	RKey       string
}

// parseATURI strictly parses an AT-URI into its three segments, rejecting
// anything that doesn't match exactly did/collection/rkey. The teacher's
// import tool (extractRkey) only ever pulled the trailing segment off by
// splitting on "/"; this module additionally validates shape and the did:
// scheme since the Dispatcher uses the DID segment to decide local vs.
// federated routing.
func parseATURI(uri string) (*atURI, error) {
	const prefix = "at://"
	if !strings.HasPrefix(uri, prefix) {
		return nil, fmt.Errorf("dispatcher: %q is not an at:// uri", uri)
	}
	rest := strings.TrimPrefix(uri, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return nil, fmt.Errorf("dispatcher: %q does not have exactly 3 segments", uri)
	}
	did, collection, rkey := parts[0], parts[1], parts[2]
	if !strings.HasPrefix(did, "did:") {
		return nil, fmt.Errorf("dispatcher: %q segment is not a did", did)
	}
	if collection == "" || rkey == "" {
		return nil, fmt.Errorf("dispatcher: %q has an empty segment", uri)
	}
	return &atURI{DID: did, Collection: collection, RKey: rkey}, nil
}
