package identity_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"

	"github.com/openrally/gorally/internal/identity"
)

const loginBase = "http://login.test:11281"

// newMockedResolver returns a resolver whose HTTP client is intercepted
// by httpmock, plus the transport for registering responders.
func newMockedResolver(t *testing.T) (*identity.HTTPResolver, *httpmock.MockTransport) {
	t.Helper()

	transport := httpmock.NewMockTransport()
	client := &http.Client{Transport: transport}
	t.Cleanup(transport.Reset)

	r := identity.NewHTTPResolver(loginBase, slog.Default(),
		identity.WithHTTPClient(client),
	)
	return r, transport
}

func TestResolveSuccess(t *testing.T) {
	r, mockTransport := newMockedResolver(t)

	mockTransport.RegisterResponder(http.MethodGet, loginBase+"/login_auth/c0ffee",
		httpmock.NewStringResponder(http.StatusOK, `{
			"auth": "c0ffee",
			"steam_id": 76561198000000001,
			"user": {"name": "ayu", "avatar_hash": "ab12cd"}
		}`),
	)

	ident, err := r.Resolve(context.Background(), "c0ffee")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ident.PlayerID != 76561198000000001 {
		t.Errorf("player id %d", ident.PlayerID)
	}
	if ident.Name != "ayu" || ident.AvatarHash != "ab12cd" {
		t.Errorf("identity %+v", ident)
	}
}

func TestResolveRejected(t *testing.T) {
	r, mockTransport := newMockedResolver(t)

	mockTransport.RegisterResponder(http.MethodGet, loginBase+"/login_auth/bogus",
		httpmock.NewStringResponder(http.StatusForbidden, `{"error":"unknown code"}`),
	)

	_, err := r.Resolve(context.Background(), "bogus")
	if !errors.Is(err, identity.ErrAuthRejected) {
		t.Errorf("got %v, want ErrAuthRejected", err)
	}
}

func TestResolveMalformedBody(t *testing.T) {
	r, mockTransport := newMockedResolver(t)

	mockTransport.RegisterResponder(http.MethodGet, loginBase+"/login_auth/c0ffee",
		httpmock.NewStringResponder(http.StatusOK, `{"steam_id": "not a number"`),
	)

	_, err := r.Resolve(context.Background(), "c0ffee")
	if !errors.Is(err, identity.ErrBadResponse) {
		t.Errorf("got %v, want ErrBadResponse", err)
	}
}

func TestResolveMissingIdentityFields(t *testing.T) {
	r, mockTransport := newMockedResolver(t)

	mockTransport.RegisterResponder(http.MethodGet, loginBase+"/login_auth/c0ffee",
		httpmock.NewStringResponder(http.StatusOK, `{"auth":"c0ffee","steam_id":0,"user":{"name":""}}`),
	)

	_, err := r.Resolve(context.Background(), "c0ffee")
	if !errors.Is(err, identity.ErrBadResponse) {
		t.Errorf("got %v, want ErrBadResponse", err)
	}
}

func TestResolveEscapesAuthCode(t *testing.T) {
	r, mockTransport := newMockedResolver(t)

	// A code with a path separator must not reshape the URL.
	mockTransport.RegisterResponder(http.MethodGet, loginBase+"/login_auth/a%2Fb",
		httpmock.NewStringResponder(http.StatusOK, `{
			"auth": "a/b",
			"steam_id": 42,
			"user": {"name": "x", "avatar_hash": ""}
		}`),
	)

	ident, err := r.Resolve(context.Background(), "a/b")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ident.PlayerID != 42 {
		t.Errorf("player id %d", ident.PlayerID)
	}
}
