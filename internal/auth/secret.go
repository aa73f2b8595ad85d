// Package auth manages the shared secret that guards a tab's control API.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const secretFileName = "api.secret"

// ErrNoSecret is returned by ReadSecret when no secret has been generated.
var ErrNoSecret = errors.New("no control API secret")

// SecretPath returns where the secret of configDir is stored.
func SecretPath(configDir string) string {
	return filepath.Join(configDir, secretFileName)
}

// ReadSecret returns the existing secret without creating one. Clients such
// as `tabcast status` use it to talk to a running tab.
func ReadSecret(configDir string) (string, error) {
	data, err := os.ReadFile(SecretPath(configDir))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoSecret
	}
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", ErrNoSecret
	}
	return secret, nil
}

// LoadOrCreateSecret returns the secret of configDir, generating and
// persisting a 256-bit hex secret when the file is missing or blank.
// Every tab of a user shares it.
func LoadOrCreateSecret(configDir string) (string, error) {
	secret, err := ReadSecret(configDir)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, ErrNoSecret) {
		return "", err
	}
	return RotateSecret(configDir)
}

// RotateSecret replaces the secret. Running tabs keep the old one until
// restarted.
func RotateSecret(configDir string) (string, error) {
	secret, err := generateSecret()
	if err != nil {
		return "", err
	}
	if err := writeSecret(configDir, secret); err != nil {
		return "", err
	}
	return secret, nil
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// writeSecret replaces the file atomically so a concurrently starting tab
// never reads a partial secret.
func writeSecret(configDir, secret string) error {
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(configDir, secretFileName+".*")
	if err != nil {
		return fmt.Errorf("write secret: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.WriteString(secret); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write secret: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write secret: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write secret: %w", err)
	}
	if err := os.Rename(tmp.Name(), SecretPath(configDir)); err != nil {
		return fmt.Errorf("write secret: %w", err)
	}
	return nil
}
