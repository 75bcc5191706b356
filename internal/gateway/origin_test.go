package gateway

import (
	"strings"
	"testing"
)

func TestOriginPolicyCheck(t *testing.T) {
	tests := []struct {
		name    string
		self    string
		dev     bool
		origin  string
		allowed bool
	}{
		{"self origin", "app://marksync", false, "app://marksync", true},
		{"file origin", "app://marksync", false, "file://", true},
		{"null origin from sandboxed surface", "app://marksync", false, "null", true},
		{"evil origin", "app://marksync", false, "https://evil.example", false},
		{"empty origin", "app://marksync", false, "", false},
		{"loopback without dev mode", "app://marksync", false, "http://localhost:3000", false},
		{"loopback with dev mode", "app://marksync", true, "http://localhost:3000", true},
		{"loopback ip with dev mode", "app://marksync", true, "http://127.0.0.1:8080", true},
		{"loopback bare host dev mode", "app://marksync", true, "http://localhost", true},
		{"lookalike host dev mode", "app://marksync", true, "http://localhost.evil.example", false},
		{"remote with dev mode", "app://marksync", true, "https://evil.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewOriginPolicy(tt.self, tt.dev)
			if got := p.Check(tt.origin); got != tt.allowed {
				t.Errorf("Check(%q) = %v, want %v", tt.origin, got, tt.allowed)
			}
		})
	}
}

func TestNonceEntropyAndUniqueness(t *testing.T) {
	seen := make(map[Nonce]bool)
	for i := 0; i < 100; i++ {
		n, err := NewNonce()
		if err != nil {
			t.Fatalf("NewNonce() error = %v", err)
		}
		// 16 raw bytes encode to 22 base64 characters.
		if len(n) != 22 {
			t.Fatalf("nonce length = %d, want 22", len(n))
		}
		if seen[n] {
			t.Fatalf("nonce %q repeated", n)
		}
		seen[n] = true
	}
}

func TestContentPolicyEmbedsNonce(t *testing.T) {
	policy := ContentPolicy("abc123")
	want := "script-src 'nonce-abc123'"
	if !strings.Contains(policy, want) {
		t.Errorf("ContentPolicy() = %q, missing %q", policy, want)
	}
	for _, forbidden := range []string{"unsafe-eval", "script-src *", "connect-src 'self'"} {
		if strings.Contains(policy, forbidden) {
			t.Errorf("ContentPolicy() contains %q", forbidden)
		}
	}
}
