// Package identity resolves client auth codes to player identities via the
// login service's HTTP API.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// -------------------------------------------------------------------------
// Resolver Interface
// -------------------------------------------------------------------------

// Identity is a resolved player identity.
type Identity struct {
	// PlayerID is the player's unique 64-bit id.
	PlayerID uint64

	// Name is the player's display name.
	Name string

	// AvatarHash identifies the player's avatar image.
	AvatarHash string
}

// Resolver maps an auth code to a player identity. The acceptor holds the
// client connection open while Resolve runs; implementations own their
// timeout.
type Resolver interface {
	Resolve(ctx context.Context, authCode string) (Identity, error)
}

// -------------------------------------------------------------------------
// HTTP Resolver — login service client
// -------------------------------------------------------------------------

// Sentinel errors for identity resolution.
var (
	// ErrAuthRejected indicates the login service refused the auth code.
	ErrAuthRejected = errors.New("authentication rejected by login service")

	// ErrBadResponse indicates the login service returned an unparseable body.
	ErrBadResponse = errors.New("malformed login service response")
)

// defaultTimeout bounds one resolution round trip for the resolver's default
// HTTP client; a client passed with WithHTTPClient brings its own timeout.
// The acceptor imposes no timeout of its own.
const defaultTimeout = 10 * time.Second

// maxResponseSize caps the login service response body read.
const maxResponseSize = 64 << 10

// HTTPResolver resolves auth codes against the login service:
//
//	GET <base>/login_auth/<auth_code>
//	-> {"auth": "...", "steam_id": 123, "user": {"name": "...", "avatar_hash": "..."}}
type HTTPResolver struct {
	base   string
	client *http.Client
	logger *slog.Logger
}

// ResolverOption configures optional HTTPResolver parameters.
type ResolverOption func(*HTTPResolver)

// WithHTTPClient overrides the HTTP client, e.g. for tests.
func WithHTTPClient(c *http.Client) ResolverOption {
	return func(r *HTTPResolver) {
		if c != nil {
			r.client = c
		}
	}
}

// NewHTTPResolver creates a resolver against the login service at base
// (scheme://host:port, no trailing slash required).
func NewHTTPResolver(base string, logger *slog.Logger, opts ...ResolverOption) *HTTPResolver {
	r := &HTTPResolver{
		base:   base,
		client: &http.Client{Timeout: defaultTimeout},
		logger: logger.With(slog.String("component", "identity.resolver")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// loginAuthResponse is the login service's wire schema.
type loginAuthResponse struct {
	Auth    string `json:"auth"`
	SteamID uint64 `json:"steam_id"`
	User    struct {
		Name       string `json:"name"`
		AvatarHash string `json:"avatar_hash"`
	} `json:"user"`
}

// Resolve implements Resolver.
func (r *HTTPResolver) Resolve(ctx context.Context, authCode string) (Identity, error) {
	endpoint := r.base + "/login_auth/" + url.PathEscape(authCode)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build login request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("login request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Warn("close login response body",
				slog.String("error", cerr.Error()),
			)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("login service status %d: %w",
			resp.StatusCode, ErrAuthRejected)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return Identity{}, fmt.Errorf("read login response: %w", err)
	}

	var parsed loginAuthResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}

	if parsed.SteamID == 0 || parsed.User.Name == "" {
		return Identity{}, fmt.Errorf("missing steam_id or user name: %w", ErrBadResponse)
	}

	return Identity{
		PlayerID:   parsed.SteamID,
		Name:       parsed.User.Name,
		AvatarHash: parsed.User.AvatarHash,
	}, nil
}
