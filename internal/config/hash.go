package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// Integrity sidecar: `<config>.b3` holds the hex BLAKE3 hash of the config
// file. If the sidecar exists, a mismatch is fatal at load time; if it does
// not exist, integrity checking is simply off. `valet config seal` writes it.

// ComputeHash computes the BLAKE3 hash of a file.
func ComputeHash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyIntegrity checks configPath against its sidecar hash, if one exists.
func VerifyIntegrity(configPath string) error {
	sidecar := configPath + ".b3"
	expected, err := os.ReadFile(sidecar)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read integrity sidecar %s: %w", sidecar, err)
	}

	actual, err := ComputeHash(configPath)
	if err != nil {
		return fmt.Errorf("failed to hash config: %w", err)
	}

	want := strings.TrimSpace(string(expected))
	if actual != want {
		return fmt.Errorf("config integrity check failed for %s: expected %s, got %s\n"+
			"Hint: if the edit was intentional, re-run `valet config seal`", configPath, want, actual)
	}
	return nil
}

// Seal writes (or rewrites) the integrity sidecar for configPath.
func Seal(configPath string) (string, error) {
	hash, err := ComputeHash(configPath)
	if err != nil {
		return "", err
	}
	sidecar := configPath + ".b3"
	if err := os.WriteFile(sidecar, []byte(hash+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("failed to write integrity sidecar: %w", err)
	}
	return sidecar, nil
}
