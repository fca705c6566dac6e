package server

import (
	"errors"
	"testing"
	"time"

	"github.com/openshelf/oauth"
	"github.com/openshelf/oauth/storage/memory"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)
	return Config{
		Issuer:  "https://auth.example.com",
		Clients: store,
		Flows:   store,
		Devices: store,
		Tokens:  store,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing issuer",
			mutate:  func(c *Config) { c.Issuer = "" },
			wantErr: true,
		},
		{
			name:    "relative issuer",
			mutate:  func(c *Config) { c.Issuer = "/auth" },
			wantErr: true,
		},
		{
			name:    "issuer with query",
			mutate:  func(c *Config) { c.Issuer = "https://auth.example.com?x=1" },
			wantErr: true,
		},
		{
			name:    "issuer with fragment",
			mutate:  func(c *Config) { c.Issuer = "https://auth.example.com#frag" },
			wantErr: true,
		},
		{
			name:    "http issuer",
			mutate:  func(c *Config) { c.Issuer = "http://auth.example.com" },
			wantErr: true,
		},
		{
			name:   "http localhost issuer",
			mutate: func(c *Config) { c.Issuer = "http://localhost:8080" },
		},
		{
			name:    "missing client store",
			mutate:  func(c *Config) { c.Clients = nil },
			wantErr: true,
		},
		{
			name:    "missing flow store",
			mutate:  func(c *Config) { c.Flows = nil },
			wantErr: true,
		},
		{
			name:    "missing token store",
			mutate:  func(c *Config) { c.Tokens = nil },
			wantErr: true,
		},
		{
			name: "device flow without device store",
			mutate: func(c *Config) {
				c.Features.DeviceFlow = true
				c.Devices = nil
			},
			wantErr: true,
		},
		{
			name: "require PAR without PAR",
			mutate: func(c *Config) {
				c.Features.RequirePushedAuthorizationRequests = true
			},
			wantErr: true,
		},
		{
			name: "explicit auth methods",
			mutate: func(c *Config) {
				c.TokenEndpointAuthMethods = []string{AuthMethodBasic}
			},
		},
		{
			name: "unknown token endpoint auth method",
			mutate: func(c *Config) {
				c.TokenEndpointAuthMethods = []string{"private_key_jwt"}
			},
			wantErr: true,
		},
		{
			name: "short encryption key",
			mutate: func(c *Config) {
				c.Security.EncryptionKey = []byte("too short")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				var cerr *oauth.ConfigurationError
				if !errors.As(err, &cerr) {
					t.Errorf("expected ConfigurationError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestApplySecureDefaults(t *testing.T) {
	cfg := validConfig(t)
	cfg.applySecureDefaults()

	if cfg.Lifetimes.AuthorizationCodeTTL != 5*time.Minute {
		t.Errorf("AuthorizationCodeTTL = %v", cfg.Lifetimes.AuthorizationCodeTTL)
	}
	if cfg.Lifetimes.DeviceCodeTTL != 15*time.Minute {
		t.Errorf("DeviceCodeTTL = %v", cfg.Lifetimes.DeviceCodeTTL)
	}
	if cfg.Lifetimes.DevicePollInterval != 5 {
		t.Errorf("DevicePollInterval = %d", cfg.Lifetimes.DevicePollInterval)
	}
	if cfg.Lifetimes.PushedRequestTTL != 60*time.Second {
		t.Errorf("PushedRequestTTL = %v", cfg.Lifetimes.PushedRequestTTL)
	}
	if cfg.Logger == nil {
		t.Error("Logger should default")
	}
	if len(cfg.TokenEndpointAuthMethods) != 3 {
		t.Errorf("TokenEndpointAuthMethods = %v", cfg.TokenEndpointAuthMethods)
	}
}
