package server

import (
	"strings"

	"github.com/openshelf/oauth"
	"github.com/openshelf/oauth/security"
)

// Well-known endpoint paths relative to the issuer
const (
	MetadataPath      = "/.well-known/oauth-authorization-server"
	AuthorizePath     = "/authorize"
	TokenPath         = "/token"
	RevokePath        = "/revoke"
	IntrospectPath    = "/introspect"
	DeviceAuthPath    = "/device_authorization"
	DeviceVerifyPath  = "/device"
	PushedRequestPath = "/par"
)

// Metadata returns the server's RFC 8414 metadata document. Endpoints for
// disabled features are omitted entirely rather than advertised as
// unavailable.
func (s *AuthorizationServer) Metadata() *oauth.AuthorizationServerMetadata {
	base := strings.TrimSuffix(s.cfg.Issuer, "/")

	meta := &oauth.AuthorizationServerMetadata{
		Issuer:                            s.cfg.Issuer,
		AuthorizationEndpoint:             base + AuthorizePath,
		TokenEndpoint:                     base + TokenPath,
		ScopesSupported:                   s.cfg.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               s.registry.Names(),
		TokenEndpointAuthMethodsSupported: s.cfg.TokenEndpointAuthMethods,
		CodeChallengeMethodsSupported:     []string{security.PKCEMethodS256},
		AuthorizationResponseIssParameterSupported: true,
	}

	if s.cfg.Security.AllowPKCEPlain {
		meta.CodeChallengeMethodsSupported = append(meta.CodeChallengeMethodsSupported, security.PKCEMethodPlain)
	}
	if s.cfg.Features.Revocation {
		meta.RevocationEndpoint = base + RevokePath
	}
	if s.cfg.Features.Introspection {
		meta.IntrospectionEndpoint = base + IntrospectPath
	}
	if s.cfg.Features.DeviceFlow {
		meta.DeviceAuthorizationEndpoint = base + DeviceAuthPath
	}
	if s.cfg.Features.PushedAuthorizationRequests {
		meta.PushedAuthorizationRequestEndpoint = base + PushedRequestPath
		meta.RequirePushedAuthorizationRequests = s.cfg.Features.RequirePushedAuthorizationRequests
	}
	return meta
}
