package keystore

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestGenerateAPIKey(t *testing.T) {
	id, raw, hash, err := generateAPIKey()
	if err != nil {
		t.Fatalf("generateAPIKey: %v", err)
	}
	if id == "" || raw == "" || len(hash) == 0 {
		t.Fatal("expected non-empty id, raw key, and hash")
	}
	if !strings.HasPrefix(raw, "tg_"+id+"_") {
		t.Errorf("raw key %q does not carry id %q as prefix", raw, id)
	}

	parsedID, secret, ok := parseAPIKey(raw)
	if !ok {
		t.Fatal("expected parseAPIKey to succeed")
	}
	if parsedID != id {
		t.Errorf("expected parsed id %s, got %s", id, parsedID)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(secret)); err != nil {
		t.Errorf("expected secret to match stored hash: %v", err)
	}
}

func TestParseAPIKey_Malformed(t *testing.T) {
	cases := []string{"", "nosep", "wrongprefix_id_secret", "tg_onlyid"}
	for _, c := range cases {
		if _, _, ok := parseAPIKey(c); ok {
			t.Errorf("expected parseAPIKey(%q) to fail", c)
		}
	}
}

func TestGenerateAPIKey_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id, raw, _, err := generateAPIKey()
		if err != nil {
			t.Fatalf("generateAPIKey: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
		if seen[raw] {
			t.Fatalf("duplicate raw key generated: %s", raw)
		}
	}
}
