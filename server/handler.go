package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/openshelf/oauth"
	"github.com/openshelf/oauth/security"
)

// UserAuthenticator resolves the authenticated end user for a browser
// request at the authorization and device verification endpoints. Returning
// an empty user ID means the user is not logged in; the implementation is
// expected to have redirected to its own login flow in that case.
type UserAuthenticator func(w http.ResponseWriter, r *http.Request) (userID string, err error)

// HandlerOptions configures the HTTP transport
type HandlerOptions struct {
	// AuthenticateUser is required for the authorization and device
	// verification endpoints. Endpoints that only authenticate clients work
	// without it.
	AuthenticateUser UserAuthenticator
}

// Handler adapts an AuthorizationServer to net/http. All protocol endpoints
// are registered relative to the issuer path.
type Handler struct {
	srv    *AuthorizationServer
	opts   HandlerOptions
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewHandler creates the HTTP transport for the server
func NewHandler(srv *AuthorizationServer, opts HandlerOptions) *Handler {
	h := &Handler{
		srv:    srv,
		opts:   opts,
		mux:    http.NewServeMux(),
		logger: srv.logger,
	}

	h.mux.HandleFunc("GET "+MetadataPath, h.handleMetadata)
	h.mux.HandleFunc("GET "+AuthorizePath, h.handleAuthorize)
	h.mux.HandleFunc("POST "+TokenPath, h.handleToken)

	if srv.cfg.Features.Revocation {
		h.mux.HandleFunc("POST "+RevokePath, h.handleRevoke)
	}
	if srv.cfg.Features.Introspection {
		h.mux.HandleFunc("POST "+IntrospectPath, h.handleIntrospect)
	}
	if srv.cfg.Features.DeviceFlow {
		h.mux.HandleFunc("POST "+DeviceAuthPath, h.handleDeviceAuthorization)
		h.mux.HandleFunc("GET "+DeviceVerifyPath, h.handleDeviceLookup)
		h.mux.HandleFunc("POST "+DeviceVerifyPath, h.handleDeviceDecision)
	}
	if srv.cfg.Features.PushedAuthorizationRequests {
		h.mux.HandleFunc("POST "+PushedRequestPath, h.handlePushedRequest)
	}
	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	security.SetSecurityHeaders(w, h.srv.cfg.Issuer)
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.srv.Metadata())
}

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if h.opts.AuthenticateUser == nil {
		h.writeError(w, oauth.ErrServerError("no user authenticator configured"))
		return
	}
	userID, err := h.opts.AuthenticateUser(w, r)
	if err != nil {
		h.writeError(w, oauth.ErrAccessDenied("user authentication failed"))
		return
	}
	if userID == "" {
		// The authenticator has taken over the response (login redirect)
		return
	}

	q := r.URL.Query()
	req := &AuthorizationRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		RequestURI:          q.Get("request_uri"),
	}

	result, err := h.srv.HandleAuthorizationRequest(r.Context(), req, userID)
	if result != nil {
		// Success or a redirect-safe protocol error
		http.Redirect(w, r, result.RedirectURI, http.StatusFound)
		return
	}
	h.writeError(w, err)
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, oauth.ErrInvalidRequest("malformed request body"))
		return
	}
	clientID, clientSecret, authMethod := h.clientCredentials(r)

	resp, err := h.srv.HandleTokenRequest(r.Context(), &TokenEndpointRequest{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthMethod:   authMethod,
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		DeviceCode:   r.PostFormValue("device_code"),
		Scope:        r.PostFormValue("scope"),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, oauth.ErrInvalidRequest("malformed request body"))
		return
	}
	clientID, clientSecret, authMethod := h.clientCredentials(r)

	err := h.srv.HandleRevocationRequest(r.Context(), &RevocationRequest{
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		AuthMethod:    authMethod,
		Token:         r.PostFormValue("token"),
		TokenTypeHint: r.PostFormValue("token_type_hint"),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, oauth.ErrInvalidRequest("malformed request body"))
		return
	}
	clientID, clientSecret, authMethod := h.clientCredentials(r)

	resp, err := h.srv.HandleIntrospectionRequest(r.Context(), &IntrospectionRequest{
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		AuthMethod:    authMethod,
		Token:         r.PostFormValue("token"),
		TokenTypeHint: r.PostFormValue("token_type_hint"),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, oauth.ErrInvalidRequest("malformed request body"))
		return
	}
	clientID, clientSecret, authMethod := h.clientCredentials(r)

	resp, err := h.srv.HandleDeviceAuthorizationRequest(r.Context(), &DeviceAuthorizationRequest{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		AuthMethod:   authMethod,
		Scope:        r.PostFormValue("scope"),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handleDeviceLookup returns the pending authorization for a user code so a
// verification page can show what is being approved
func (h *Handler) handleDeviceLookup(w http.ResponseWriter, r *http.Request) {
	auth, err := h.srv.GetDeviceAuthorizationByUserCode(r.Context(), r.URL.Query().Get("user_code"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"client_id": auth.ClientID,
		"scope":     auth.Scope,
		"status":    auth.Status,
	})
}

// handleDeviceDecision records the user's approve or deny decision
func (h *Handler) handleDeviceDecision(w http.ResponseWriter, r *http.Request) {
	if h.opts.AuthenticateUser == nil {
		h.writeError(w, oauth.ErrServerError("no user authenticator configured"))
		return
	}
	userID, err := h.opts.AuthenticateUser(w, r)
	if err != nil {
		h.writeError(w, oauth.ErrAccessDenied("user authentication failed"))
		return
	}
	if userID == "" {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, oauth.ErrInvalidRequest("malformed request body"))
		return
	}

	userCode := r.PostFormValue("user_code")
	switch r.PostFormValue("action") {
	case "approve":
		err = h.srv.ApproveDeviceAuthorization(r.Context(), userCode, userID)
	case "deny":
		err = h.srv.DenyDeviceAuthorization(r.Context(), userCode)
	default:
		err = oauth.ErrInvalidRequest("action must be approve or deny")
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handlePushedRequest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, oauth.ErrInvalidRequest("malformed request body"))
		return
	}
	clientID, clientSecret, authMethod := h.clientCredentials(r)

	resp, err := h.srv.HandlePushedAuthorizationRequest(r.Context(), &PushedAuthorizationRequest{
		ClientID:            clientID,
		ClientSecret:        clientSecret,
		AuthMethod:          authMethod,
		RedirectURI:         r.PostFormValue("redirect_uri"),
		Scope:               r.PostFormValue("scope"),
		State:               r.PostFormValue("state"),
		Nonce:               r.PostFormValue("nonce"),
		CodeChallenge:       r.PostFormValue("code_challenge"),
		CodeChallengeMethod: r.PostFormValue("code_challenge_method"),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// clientCredentials extracts client credentials from HTTP Basic auth or the
// request body, recording which method was used
func (h *Handler) clientCredentials(r *http.Request) (clientID, clientSecret, authMethod string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret, AuthMethodBasic
	}
	clientID = r.PostFormValue("client_id")
	clientSecret = r.PostFormValue("client_secret")
	if clientSecret != "" {
		return clientID, clientSecret, AuthMethodPost
	}
	return clientID, "", AuthMethodNone
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError maps an error to an OAuth error response
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var oerr *oauth.OAuthError
	if !errors.As(err, &oerr) {
		h.logger.Error("Unexpected handler error", "error", err)
		oerr = oauth.ErrServerError("internal error")
	}
	if oerr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth", charset="UTF-8"`)
	}
	h.writeJSON(w, oerr.Status, &oauth.ErrorResponse{
		Error:            oerr.Code,
		ErrorDescription: oerr.Description,
	})
}
