package rpc

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
)

// resolveToken returns the configured token. "auto" generates a fresh token
// per start and writes it to tokenFile so local tooling can pick it up.
func resolveToken(token, tokenFile string) (string, error) {
	token = strings.TrimSpace(token)
	if !strings.EqualFold(token, "auto") {
		return token, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token = "zapd_" + hex.EncodeToString(buf)
	if err := persistToken(token, tokenFile); err != nil {
		return "", err
	}
	return token, nil
}

func persistToken(token, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(token), 0o600)
}
