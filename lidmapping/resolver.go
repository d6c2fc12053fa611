package lidmapping

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Resolver is the external directory collaborator: given a batch of
// normalized PN users, it returns whatever pairs it can resolve. Unresolved
// entries are simply absent from the result; the resolver is assumed to
// handle its own rate limiting and retries, so the mapping store never
// retries a resolver call itself.
type Resolver interface {
	ResolvePNUsers(ctx context.Context, pnUsers []string) ([]Pair, error)
}

// StaticResolver is a test double: a fixed pn_user -> lid_user table.
type StaticResolver map[string]string

func (r StaticResolver) ResolvePNUsers(ctx context.Context, pnUsers []string) ([]Pair, error) {
	pairs := make([]Pair, 0, len(pnUsers))
	for _, pn := range pnUsers {
		if lid, ok := r[pn]; ok {
			pairs = append(pairs, Pair{PNUser: pn, LIDUser: lid})
		}
	}
	return pairs, nil
}

const httpResolveTimeout = 15 * time.Second

// HTTPResolver is a minimal REST-backed resolver: a single POST carrying the
// pn_user batch, expecting a JSON array of {pn_user, lid_user} back.
type HTTPResolver struct {
	URL    string
	Client *http.Client
}

// NewHTTPResolver builds an HTTPResolver with a bounded-timeout client.
func NewHTTPResolver(url string) *HTTPResolver {
	return &HTTPResolver{
		URL:    url,
		Client: &http.Client{Timeout: httpResolveTimeout},
	}
}

type httpResolveRequest struct {
	PNUsers []string `json:"pn_users"`
}

type httpResolvePair struct {
	PNUser  string `json:"pn_user"`
	LIDUser string `json:"lid_user"`
}

func (r *HTTPResolver) ResolvePNUsers(ctx context.Context, pnUsers []string) ([]Pair, error) {
	body, err := json.Marshal(httpResolveRequest{PNUsers: pnUsers})
	if err != nil {
		return nil, fmt.Errorf("lidmapping: marshal resolve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("lidmapping: build resolve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lidmapping: resolve request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lidmapping: resolver returned status %d", resp.StatusCode)
	}

	var raw []httpResolvePair
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("lidmapping: decode resolve response: %w", err)
	}

	pairs := make([]Pair, len(raw))
	for i, p := range raw {
		pairs[i] = Pair{PNUser: p.PNUser, LIDUser: p.LIDUser}
	}
	return pairs, nil
}
