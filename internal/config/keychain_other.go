//go:build !darwin

package config

import "fmt"

// Secrets live in a 0600 YAML file keyed by service then account.
func secretsFile() yamlFile {
	return yamlFile{path: secretsFilePath(), perm: 0o600}
}

func keychainGet(service, account string) ([]byte, error) {
	v, ok, err := secretsFile().Get(service + "." + account)
	if err != nil {
		return nil, fmt.Errorf("secret store not available: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("no secret %s/%s", service, account)
	}
	return []byte(v), nil
}

func keychainSet(service, account, value string) error {
	return secretsFile().Set(service+"."+account, value)
}
