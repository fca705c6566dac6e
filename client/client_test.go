package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/openshelf/oauth"
	"github.com/openshelf/oauth/client/tokenstore"
	"github.com/openshelf/oauth/security"
)

// fakeServer is a minimal authorization server: it serves metadata and a
// token endpoint that records the exchange request.
type fakeServer struct {
	ts *httptest.Server

	mu           sync.Mutex
	lastExchange url.Values
}

func newFakeServer(t *testing.T, mutateMeta func(*oauth.AuthorizationServerMetadata)) *fakeServer {
	t.Helper()
	f := &fakeServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		meta := &oauth.AuthorizationServerMetadata{
			Issuer:                f.ts.URL,
			AuthorizationEndpoint: f.ts.URL + "/authorize",
			TokenEndpoint:         f.ts.URL + "/token",
			ResponseTypesSupported: []string{"code"},
			AuthorizationResponseIssParameterSupported: true,
		}
		if mutateMeta != nil {
			mutateMeta(meta)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(meta); err != nil {
			t.Errorf("encode metadata: %v", err)
		}
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.lastExchange = r.PostForm
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "issued-access",
			"refresh_token": "issued-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "read",
		})
	})

	f.ts = httptest.NewServer(mux)
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fakeServer) exchangeForm() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastExchange
}

func newTestClient(t *testing.T, f *fakeServer, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		ClientID:    "cli-app",
		RedirectURI: "http://127.0.0.1:9999/callback",
		Scopes:      []string{"read"},
		Issuer:      f.ts.URL,
		Tokens:      tokenstore.NewMemoryStore(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestDiscover(t *testing.T) {
	f := newFakeServer(t, nil)

	meta, err := Discover(context.Background(), f.ts.URL, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if meta.TokenEndpoint != f.ts.URL+"/token" {
		t.Errorf("token endpoint = %q", meta.TokenEndpoint)
	}

	// A trailing slash on the requested issuer still matches
	if _, err := Discover(context.Background(), f.ts.URL+"/", nil); err != nil {
		t.Errorf("trailing slash issuer rejected: %v", err)
	}
}

func TestDiscoverIssuerMismatch(t *testing.T) {
	f := newFakeServer(t, func(meta *oauth.AuthorizationServerMetadata) {
		meta.Issuer = "https://impostor.example.com"
	})

	_, err := Discover(context.Background(), f.ts.URL, nil)
	var mismatch *IssuerMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected IssuerMismatchError, got %v", err)
	}
	if mismatch.Got != "https://impostor.example.com" {
		t.Errorf("Got = %q", mismatch.Got)
	}
}

func TestDiscoverTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	t.Cleanup(slow.Close)

	_, err := Discover(context.Background(), slow.URL, &http.Client{Timeout: 50 * time.Millisecond})
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestCreateAuthorizationURL(t *testing.T) {
	f := newFakeServer(t, nil)
	c := newTestClient(t, f, nil)

	auth, err := c.CreateAuthorizationURL(context.Background())
	if err != nil {
		t.Fatalf("CreateAuthorizationURL: %v", err)
	}

	u, err := url.Parse(auth.URL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()
	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %q", q.Get("response_type"))
	}
	if q.Get("client_id") != "cli-app" {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("state") != auth.State || auth.State == "" {
		t.Errorf("state = %q, want %q", q.Get("state"), auth.State)
	}
	if q.Has("nonce") {
		t.Errorf("nonce sent without openid scope: %q", q.Get("nonce"))
	}
	if q.Get("code_challenge") == "" {
		t.Error("missing code_challenge")
	}
	if q.Get("code_challenge_method") != security.PKCEMethodS256 {
		t.Errorf("code_challenge_method = %q", q.Get("code_challenge_method"))
	}
}

func TestCreateAuthorizationURLOpenIDNonce(t *testing.T) {
	f := newFakeServer(t, nil)
	c := newTestClient(t, f, func(cfg *Config) {
		cfg.Scopes = []string{"openid", "read"}
	})

	auth, err := c.CreateAuthorizationURL(context.Background())
	if err != nil {
		t.Fatalf("CreateAuthorizationURL: %v", err)
	}
	u, err := url.Parse(auth.URL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	if u.Query().Get("nonce") == "" {
		t.Error("missing nonce for openid scope")
	}
}

func TestCreateAuthorizationURLCallerSuppliedValues(t *testing.T) {
	f := newFakeServer(t, nil)
	c := newTestClient(t, f, nil)

	auth, err := c.CreateAuthorizationURL(context.Background(),
		WithState("session-abc123"), WithNonce("nonce-xyz789"))
	if err != nil {
		t.Fatalf("CreateAuthorizationURL: %v", err)
	}
	if auth.State != "session-abc123" {
		t.Errorf("state = %q", auth.State)
	}
	u, err := url.Parse(auth.URL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	if got := u.Query().Get("nonce"); got != "nonce-xyz789" {
		t.Errorf("nonce = %q", got)
	}

	// the same state cannot back two in-flight authorizations
	if _, err := c.CreateAuthorizationURL(context.Background(), WithState("session-abc123")); err == nil {
		t.Error("reused in-flight state accepted")
	}
}

func TestConcurrentAuthorizationsAreIndependent(t *testing.T) {
	f := newFakeServer(t, nil)
	c := newTestClient(t, f, nil)

	const flows = 1000
	states := make(chan string, flows)
	var wg sync.WaitGroup
	wg.Add(flows)
	for i := 0; i < flows; i++ {
		go func() {
			defer wg.Done()
			auth, err := c.CreateAuthorizationURL(context.Background())
			if err != nil {
				t.Errorf("CreateAuthorizationURL: %v", err)
				return
			}
			states <- auth.State
		}()
	}
	wg.Wait()
	close(states)

	seen := make(map[string]bool, flows)
	for state := range states {
		if seen[state] {
			t.Fatalf("duplicate state %q", state)
		}
		seen[state] = true
	}
	if len(seen) != flows {
		t.Errorf("expected %d unique states, got %d", flows, len(seen))
	}
}

func TestValidateCallback(t *testing.T) {
	f := newFakeServer(t, nil)

	t.Run("valid", func(t *testing.T) {
		c := newTestClient(t, f, nil)
		auth, err := c.CreateAuthorizationURL(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		code, err := c.ValidateCallback(url.Values{
			"code":  {"abc"},
			"state": {auth.State},
			"iss":   {f.ts.URL},
		})
		if err != nil {
			t.Fatalf("ValidateCallback: %v", err)
		}
		if code != "abc" {
			t.Errorf("code = %q", code)
		}
	})

	t.Run("state is single use", func(t *testing.T) {
		c := newTestClient(t, f, nil)
		auth, err := c.CreateAuthorizationURL(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		query := url.Values{"code": {"abc"}, "state": {auth.State}}
		if _, err := c.ValidateCallback(query); err != nil {
			t.Fatalf("first validate: %v", err)
		}
		_, err = c.ValidateCallback(query)
		var mismatch *StateMismatchError
		if !errors.As(err, &mismatch) {
			t.Errorf("expected StateMismatchError on replay, got %v", err)
		}
	})

	t.Run("unknown state", func(t *testing.T) {
		c := newTestClient(t, f, nil)
		_, err := c.ValidateCallback(url.Values{"code": {"abc"}, "state": {"forged"}})
		var mismatch *StateMismatchError
		if !errors.As(err, &mismatch) {
			t.Errorf("expected StateMismatchError, got %v", err)
		}
	})

	t.Run("server error reported before state", func(t *testing.T) {
		c := newTestClient(t, f, nil)
		_, err := c.ValidateCallback(url.Values{
			"error":             {"access_denied"},
			"error_description": {"user said no"},
			"state":             {"whatever"},
		})
		var authErr *AuthorizationError
		if !errors.As(err, &authErr) {
			t.Fatalf("expected AuthorizationError, got %v", err)
		}
		if authErr.Code != "access_denied" {
			t.Errorf("code = %q", authErr.Code)
		}
	})

	t.Run("issuer mismatch", func(t *testing.T) {
		c := newTestClient(t, f, nil)
		auth, err := c.CreateAuthorizationURL(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		_, err = c.ValidateCallback(url.Values{
			"code":  {"abc"},
			"state": {auth.State},
			"iss":   {"https://impostor.example.com"},
		})
		var mismatch *IssuerMismatchError
		if !errors.As(err, &mismatch) {
			t.Errorf("expected IssuerMismatchError, got %v", err)
		}
	})

	t.Run("trailing slash issuer accepted", func(t *testing.T) {
		c := newTestClient(t, f, nil)
		auth, err := c.CreateAuthorizationURL(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c.ValidateCallback(url.Values{
			"code":  {"abc"},
			"state": {auth.State},
			"iss":   {f.ts.URL + "/"},
		}); err != nil {
			t.Errorf("trailing slash iss rejected: %v", err)
		}
	})

	t.Run("missing iss tolerated by default", func(t *testing.T) {
		c := newTestClient(t, f, nil)
		auth, err := c.CreateAuthorizationURL(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c.ValidateCallback(url.Values{
			"code":  {"abc"},
			"state": {auth.State},
		}); err != nil {
			t.Errorf("missing iss rejected without RequireIssuerParameter: %v", err)
		}
	})

	t.Run("missing iss rejected when required", func(t *testing.T) {
		c := newTestClient(t, f, func(cfg *Config) {
			cfg.RequireIssuerParameter = true
		})
		auth, err := c.CreateAuthorizationURL(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		_, err = c.ValidateCallback(url.Values{
			"code":  {"abc"},
			"state": {auth.State},
		})
		var mismatch *IssuerMismatchError
		if !errors.As(err, &mismatch) {
			t.Errorf("expected IssuerMismatchError, got %v", err)
		}
	})

	t.Run("expired pending state", func(t *testing.T) {
		c := newTestClient(t, f, func(cfg *Config) {
			cfg.PendingTTL = time.Nanosecond
		})
		auth, err := c.CreateAuthorizationURL(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
		_, err = c.ValidateCallback(url.Values{"code": {"abc"}, "state": {auth.State}})
		var mismatch *StateMismatchError
		if !errors.As(err, &mismatch) {
			t.Errorf("expected StateMismatchError for expired state, got %v", err)
		}
	})
}

func TestHandleCallback(t *testing.T) {
	f := newFakeServer(t, nil)
	store := tokenstore.NewMemoryStore()
	c := newTestClient(t, f, func(cfg *Config) {
		cfg.Tokens = store
	})
	ctx := context.Background()

	auth, err := c.CreateAuthorizationURL(ctx)
	if err != nil {
		t.Fatal(err)
	}
	authURL, err := url.Parse(auth.URL)
	if err != nil {
		t.Fatal(err)
	}
	challenge := authURL.Query().Get("code_challenge")

	tokens, err := c.HandleCallback(ctx, url.Values{
		"code":  {"issued-code"},
		"state": {auth.State},
		"iss":   {f.ts.URL},
	})
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if tokens.AccessToken != "issued-access" || tokens.RefreshToken != "issued-refresh" {
		t.Errorf("unexpected tokens: %+v", tokens)
	}
	if tokens.Scope != "read" {
		t.Errorf("scope = %q", tokens.Scope)
	}
	if tokens.ExpiresAt.IsZero() {
		t.Error("missing expiry")
	}

	// The exchange carried the verifier matching the challenge
	form := f.exchangeForm()
	verifier := form.Get("code_verifier")
	if verifier == "" {
		t.Fatal("exchange missing code_verifier")
	}
	if security.ChallengeS256(verifier) != challenge {
		t.Error("verifier does not match the challenge sent to the authorization endpoint")
	}
	if form.Get("code") != "issued-code" {
		t.Errorf("code = %q", form.Get("code"))
	}

	// Tokens were persisted
	stored, err := c.StoredTokens(ctx)
	if err != nil {
		t.Fatalf("StoredTokens: %v", err)
	}
	if stored.AccessToken != "issued-access" {
		t.Errorf("stored access token = %q", stored.AccessToken)
	}

	if err := c.ClearTokens(ctx); err != nil {
		t.Fatalf("ClearTokens: %v", err)
	}
	if _, err := c.StoredTokens(ctx); !errors.Is(err, tokenstore.ErrNotFound) {
		t.Errorf("tokens not cleared: %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing client id", Config{RedirectURI: "http://127.0.0.1/cb", Issuer: "https://auth.example.com"}},
		{"missing redirect", Config{ClientID: "x", Issuer: "https://auth.example.com"}},
		{"missing issuer and metadata", Config{ClientID: "x", RedirectURI: "http://127.0.0.1/cb"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			var cerr *oauth.ConfigurationError
			if !errors.As(err, &cerr) {
				t.Errorf("expected ConfigurationError, got %v", err)
			}
		})
	}
}
