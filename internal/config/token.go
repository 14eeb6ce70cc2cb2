package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GetAPIToken returns the token guarding the HTTP API. The token is read
// from a secrets file in the data directory and generated on first use, so a
// fresh install is locked down without any manual step.
func GetAPIToken(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "secrets.json")

	if token, err := readToken(path); err == nil && token != "" {
		return token, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	token := hex.EncodeToString(buf)

	if err := writeToken(path, token); err != nil {
		return "", err
	}
	return token, nil
}

func readToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return "", fmt.Errorf("parsing secrets file: %w", err)
	}
	return strings.TrimSpace(secrets["api_token"]), nil
}

func writeToken(path, token string) error {
	var secrets map[string]string
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &secrets)
	}
	if secrets == nil {
		secrets = make(map[string]string)
	}
	secrets["api_token"] = token

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}
