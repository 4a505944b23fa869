package token

import (
	"testing"
	"time"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	chain := NewSecretChain([]string{"newest-secret", "older-secret"})
	iss := NewIssuer(chain, 300)

	payload := Payload{
		UID:     42,
		Node:    "https://node1.example.com",
		FxaUID:  "abc123",
		Expires: time.Now().Add(5 * time.Minute).Unix(),
	}

	tok, err := iss.Issue(payload)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	got, err := iss.Verify(tok)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.UID != payload.UID || got.FxaUID != payload.FxaUID {
		t.Errorf("got payload = %+v, want %+v", got, payload)
	}
}

func TestVerifyTriesOldSecretsAfterRotation(t *testing.T) {
	oldChain := NewSecretChain([]string{"secret-v1"})
	tok, err := NewIssuer(oldChain, 300).Issue(Payload{
		UID:     1,
		Expires: time.Now().Add(time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	rotatedChain := NewSecretChain([]string{"secret-v2", "secret-v1"})
	if _, err := NewIssuer(rotatedChain, 300).Verify(tok); err != nil {
		t.Fatalf("Verify() with rotated chain should still accept old secret: %v", err)
	}
}

func TestVerifyRejectsUnknownSecret(t *testing.T) {
	tok, _ := NewIssuer(NewSecretChain([]string{"secret-a"}), 300).Issue(Payload{
		Expires: time.Now().Add(time.Minute).Unix(),
	})

	_, err := NewIssuer(NewSecretChain([]string{"secret-b"}), 300).Verify(tok)
	if err != ErrInvalidSignature {
		t.Fatalf("Verify() error = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	chain := NewSecretChain([]string{"secret"})
	iss := NewIssuer(chain, 300)

	tok, _ := iss.Issue(Payload{Expires: time.Now().Add(-time.Minute).Unix()})
	if _, err := iss.Verify(tok); err == nil {
		t.Fatal("Verify() should reject an expired token")
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	iss := NewIssuer(NewSecretChain([]string{"secret"}), 300)

	cases := []string{"", "not-valid-base64!!!", "dG9vc2hvcnQ"}
	for _, c := range cases {
		if _, err := iss.Verify(c); err != ErrMalformed {
			t.Errorf("Verify(%q) error = %v, want ErrMalformed", c, err)
		}
	}
}

func TestClampDuration(t *testing.T) {
	iss := NewIssuer(NewSecretChain([]string{"secret"}), 300)

	tests := []struct {
		requested int
		want      int
	}{
		{0, 300},
		{-5, 300},
		{100, 100},
		{300, 300},
		{301, 300},
		{10000, 300},
	}

	for _, tt := range tests {
		if got := iss.ClampDuration(tt.requested); got != tt.want {
			t.Errorf("ClampDuration(%d) = %d, want %d", tt.requested, got, tt.want)
		}
	}
}

func TestDeriveNodeSecretDeterministic(t *testing.T) {
	s1, err := DeriveNodeSecret("master", "token-id-1", "https://node1")
	if err != nil {
		t.Fatalf("DeriveNodeSecret() error = %v", err)
	}
	s2, _ := DeriveNodeSecret("master", "token-id-1", "https://node1")
	if string(s1) != string(s2) {
		t.Error("DeriveNodeSecret() should be deterministic for the same inputs")
	}

	s3, _ := DeriveNodeSecret("master", "token-id-2", "https://node1")
	if string(s1) == string(s3) {
		t.Error("DeriveNodeSecret() should differ across token IDs")
	}

	s4, _ := DeriveNodeSecret("master", "token-id-1", "https://node2")
	if string(s1) == string(s4) {
		t.Error("DeriveNodeSecret() should differ across nodes")
	}
}

func TestSplitChainConfigReversesToNewestFirst(t *testing.T) {
	chain := SplitChainConfig("oldest, middle, newest")
	all := chain.All()
	if len(all) != 3 {
		t.Fatalf("len(All()) = %d, want 3", len(all))
	}
	if all[0] != "newest" || all[2] != "oldest" {
		t.Errorf("chain order = %v, want newest first", all)
	}
	if chain.Newest() != "newest" {
		t.Errorf("Newest() = %q, want %q", chain.Newest(), "newest")
	}
}
