//go:build !darwin

package config

import (
	"os"
	"path/filepath"
)

// xdgDir resolves an XDG base directory, falling back to fallback under the
// home directory.
func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, "paygate")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, fallback, "paygate")
	}
	return "paygate-data"
}

func defaultDataDir() string { return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")) }

func configDir() string { return xdgDir("XDG_CONFIG_HOME", ".config") }

func secretsFilePath() string { return filepath.Join(configDir(), "secrets.yaml") }

func apiKeyHint() string {
	return " or the secrets file " + secretsFilePath()
}
