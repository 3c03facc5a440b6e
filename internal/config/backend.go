package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigBackend stores raw config values under dotted keys such as
// "server.port". Parsing is left to the key table.
type ConfigBackend interface {
	Get(key string) (val string, ok bool, err error)
	Set(key, val string) error
	Delete(key string) error
}

func newPlatformBackend() ConfigBackend {
	return yamlFile{path: filepath.Join(configDir(), "config.yaml"), perm: 0o644}
}

// yamlFile is a YAML document on disk. Each dot in a key descends one
// mapping, so "server.port" is the port entry of the server section.
type yamlFile struct {
	path string
	perm fs.FileMode
}

func (f yamlFile) load() (map[string]any, error) {
	doc := make(map[string]any)
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.path, err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.path, err)
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	return doc, nil
}

// store replaces the file atomically.
func (f yamlFile) store(doc map[string]any) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".paygate-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), f.perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

func (f yamlFile) Get(key string) (string, bool, error) {
	doc, err := f.load()
	if err != nil {
		return "", false, err
	}

	var cur any = doc
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false, nil
		}
		if cur, ok = m[part]; !ok {
			return "", false, nil
		}
	}

	switch v := cur.(type) {
	case nil:
		return "", false, nil
	case map[string]any, []any:
		return "", false, fmt.Errorf("%s is a section, not a value", key)
	default:
		return fmt.Sprint(v), true, nil
	}
}

func (f yamlFile) Set(key, val string) error {
	doc, err := f.load()
	if err != nil {
		return err
	}

	parts := strings.Split(key, ".")
	m := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = scalar(val)
	return f.store(doc)
}

func (f yamlFile) Delete(key string) error {
	doc, err := f.load()
	if err != nil {
		return err
	}

	parts := strings.Split(key, ".")
	m := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			return nil
		}
		m = next
	}
	delete(m, parts[len(parts)-1])
	return f.store(doc)
}

// scalar keeps integers and booleans unquoted in the written document.
func scalar(s string) any {
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if s == "true" || s == "false" {
		return s == "true"
	}
	return s
}
