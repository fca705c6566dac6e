package grant

import (
	"context"
	"log/slog"
	"strings"

	"github.com/openshelf/oauth"
	"github.com/openshelf/oauth/security"
	"github.com/openshelf/oauth/storage"
)

// ClientCredentials implements the client_credentials grant (RFC 6749
// Section 4.4): machine-to-machine tokens scoped to the client's own granted
// scopes, with no user and no refresh token. A client that can authenticate
// can simply request a new access token.
type ClientCredentials struct {
	core
}

// ClientCredentialsConfig configures the client_credentials grant
type ClientCredentialsConfig struct {
	Tokens  storage.TokenStore
	Options Options
	Auditor *security.Auditor
	Logger  *slog.Logger
}

// NewClientCredentials creates the client_credentials grant handler
func NewClientCredentials(cfg ClientCredentialsConfig) *ClientCredentials {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientCredentials{
		core: core{
			tokens:  cfg.Tokens,
			opts:    cfg.Options,
			auditor: cfg.Auditor,
			logger:  logger,
		},
	}
}

// Name returns the grant_type tag
func (g *ClientCredentials) Name() string { return TypeClientCredentials }

// Validate checks that the client is confidential and that any requested
// scope stays within the client's grant. Client authentication itself has
// already happened at the token endpoint.
func (g *ClientCredentials) Validate(_ context.Context, req *TokenRequest) (*Context, error) {
	if !req.Client.Confidential {
		if g.auditor != nil {
			g.auditor.LogAuthFailure("", req.Client.ID, "", "public_client_credentials_grant")
		}
		return nil, oauth.ErrUnauthorizedClient("client_credentials grant requires a confidential client")
	}

	scope := req.Scope
	if scope == "" {
		// Default to everything the client was granted
		scope = strings.Join(req.Client.Scopes, " ")
	} else if !scopesWithin(scopeList(scope), req.Client.Scopes) {
		return nil, oauth.ErrInvalidScope("requested scope exceeds the client's granted scopes")
	}

	return &Context{
		Client: req.Client,
		Scope:  scope,
	}, nil
}

// Issue mints an access token only
func (g *ClientCredentials) Issue(ctx context.Context, gc *Context) (*oauth.TokenResponse, error) {
	resp, err := g.issueTokens(ctx, gc)
	if err != nil {
		return nil, err
	}
	if g.auditor != nil {
		g.auditor.LogTokenIssued("", gc.Client.ID, TypeClientCredentials, gc.Scope)
	}
	return resp, nil
}

// compile-time interface check
var _ Type = (*ClientCredentials)(nil)
