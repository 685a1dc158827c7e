package keyset

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ggoodman/adfs-auth-go/internal/autherr"
)

// maxDocumentSize caps discovery, JWKS and federation metadata responses.
const maxDocumentSize = 4 << 20

// JWKSSource fetches a standard JWKS document (the discovery jwks_uri).
type JWKSSource struct {
	URL    string
	Client *http.Client
}

// Location implements Source.
func (s *JWKSSource) Location() string { return s.URL }

// Fetch implements Source.
func (s *JWKSSource) Fetch(ctx context.Context) (json.RawMessage, error) {
	body, err := Get(ctx, s.Client, s.URL, "application/json")
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: %s returned invalid JSON", autherr.ErrProviderUnavailable, s.URL)
	}
	return json.RawMessage(body), nil
}

// Get performs a GET against an identity provider endpoint and returns the
// body. Any transport failure, timeout or non-200 status wraps
// autherr.ErrProviderUnavailable.
func Get(ctx context.Context, client *http.Client, url string, accept string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request for %s: %v", autherr.ErrProviderUnavailable, url, err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", autherr.ErrProviderUnavailable, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", autherr.ErrProviderUnavailable, url, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: GET %s returned %d", autherr.ErrProviderUnavailable, url, resp.StatusCode)
	}
	return body, nil
}
