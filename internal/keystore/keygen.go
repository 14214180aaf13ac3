package keystore

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Key format: tg_{id}_{secret}
//   - id: 16 url-safe chars with no '_' (so the first two separators are
//     unambiguous), used as the lookup key (never secret on its
//     own; the bcrypt-hashed secret is what authenticates the bearer)
//   - secret: 32 url-safe chars, bcrypt-hashed at rest
func generateAPIKey() (id string, rawKey string, secretHash []byte, err error) {
	id = strings.ReplaceAll(randomToken(16), "_", "-")
	secret := randomToken(32)
	if id == "" || secret == "" {
		return "", "", nil, fmt.Errorf("failed to generate key material")
	}
	rawKey = fmt.Sprintf("tg_%s_%s", id, secret)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", nil, err
	}
	return id, rawKey, hash, nil
}

// parseAPIKey splits a bearer string into its lookup id and secret.
func parseAPIKey(raw string) (id string, secret string, ok bool) {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) != 3 || parts[0] != "tg" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	s := base64.RawURLEncoding.EncodeToString(b)
	if len(s) > n {
		return s[:n]
	}
	return s
}
