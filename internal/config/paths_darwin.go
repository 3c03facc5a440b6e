//go:build darwin

package config

import (
	"os"
	"path/filepath"
)

func appSupportDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Library", "Application Support", "paygate")
	}
	return "paygate-data"
}

func defaultDataDir() string { return appSupportDir() }

func configDir() string { return appSupportDir() }

func apiKeyHint() string {
	return " or macOS Keychain (service: paygate, account: api_key)"
}
