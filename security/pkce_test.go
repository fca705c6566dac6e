package security

import (
	"strings"
	"testing"
)

func TestGenerateVerifier(t *testing.T) {
	v := GenerateVerifier()
	if len(v) != MinVerifierLength {
		t.Errorf("verifier length = %d, want %d", len(v), MinVerifierLength)
	}
	if err := ValidateVerifier(v); err != nil {
		t.Errorf("generated verifier invalid: %v", err)
	}
	if v == GenerateVerifier() {
		t.Error("two verifiers should not collide")
	}
}

func TestChallengeS256(t *testing.T) {
	// RFC 7636 Appendix B test vector
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got := ChallengeS256(verifier); got != want {
		t.Errorf("ChallengeS256 = %q, want %q", got, want)
	}
}

func TestValidateVerifier(t *testing.T) {
	tests := []struct {
		name     string
		verifier string
		wantErr  bool
	}{
		{"minimum length", strings.Repeat("a", 43), false},
		{"maximum length", strings.Repeat("a", 128), false},
		{"all allowed characters", strings.Repeat("Az0-._~", 7), false},
		{"too short", strings.Repeat("a", 42), true},
		{"too long", strings.Repeat("a", 129), true},
		{"invalid character", strings.Repeat("a", 42) + "!", true},
		{"space", strings.Repeat("a", 42) + " ", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVerifier(tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateVerifier(%q) error = %v, wantErr %v", tt.verifier, err, tt.wantErr)
			}
		})
	}
}

func TestVerifyChallenge(t *testing.T) {
	verifier := GenerateVerifier()
	challenge := ChallengeS256(verifier)

	tests := []struct {
		name       string
		challenge  string
		method     string
		verifier   string
		allowPlain bool
		wantErr    bool
	}{
		{"S256 match", challenge, PKCEMethodS256, verifier, false, false},
		{"S256 mismatch", challenge, PKCEMethodS256, GenerateVerifier(), false, true},
		{"missing verifier", challenge, PKCEMethodS256, "", false, true},
		{"no challenge recorded", "", PKCEMethodS256, "", false, false},
		{"plain allowed", verifier, PKCEMethodPlain, verifier, true, false},
		{"plain refused", verifier, PKCEMethodPlain, verifier, false, true},
		{"plain mismatch", verifier, PKCEMethodPlain, GenerateVerifier(), true, true},
		{"unknown method", challenge, "S512", verifier, false, true},
		{"malformed verifier", challenge, PKCEMethodS256, "short", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyChallenge(tt.challenge, tt.method, tt.verifier, tt.allowPlain)
			if (err != nil) != tt.wantErr {
				t.Errorf("VerifyChallenge error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
