package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

const tokenKey = "server.api_token"

// APIToken returns the bearer token protecting the HTTP API, generating and
// persisting one on first use. The CASEMILL_API_TOKEN environment variable
// overrides the stored value.
func APIToken() (string, error) {
	if env := os.Getenv("CASEMILL_API_TOKEN"); env != "" {
		return env, nil
	}
	return apiTokenWith(newFileBackend())
}

func apiTokenWith(b Backend) (string, error) {
	if tok, ok, err := b.GetString(tokenKey); err == nil && ok && tok != "" {
		return tok, nil
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(raw)
	if err := b.SetString(tokenKey, tok); err != nil {
		return "", fmt.Errorf("persisting API token: %w", err)
	}
	return tok, nil
}
