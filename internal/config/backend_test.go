package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func newTestFile(t *testing.T) yamlFile {
	t.Helper()
	return yamlFile{path: filepath.Join(t.TempDir(), "nested", "config.yaml"), perm: 0o600}
}

func TestYAMLFile_MissingFileIsEmpty(t *testing.T) {
	f := newTestFile(t)
	v, ok, err := f.Get("server.port")
	if err != nil || ok || v != "" {
		t.Errorf("Get on missing file = %q, %v, %v; want empty, false, nil", v, ok, err)
	}
}

func TestYAMLFile_SetGetNested(t *testing.T) {
	f := newTestFile(t)

	if err := f.Set("server.port", "4200"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := f.Set("network.base_url", "http://localhost:9999"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := f.Set("content.debug_mode", "true"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	for key, want := range map[string]string{
		"server.port":        "4200",
		"network.base_url":   "http://localhost:9999",
		"content.debug_mode": "true",
	} {
		got, ok, err := f.Get(key)
		if err != nil || !ok || got != want {
			t.Errorf("Get(%s) = %q, %v, %v; want %q", key, got, ok, err, want)
		}
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("written file is not YAML: %v", err)
	}
	server, ok := doc["server"].(map[string]any)
	if !ok {
		t.Fatalf("server section missing in %s", data)
	}
	if server["port"] != 4200 {
		t.Errorf("server.port = %#v, want unquoted int", server["port"])
	}
	if content := doc["content"].(map[string]any); content["debug_mode"] != true {
		t.Errorf("content.debug_mode = %#v, want bool", content["debug_mode"])
	}
}

func TestYAMLFile_Permissions(t *testing.T) {
	f := newTestFile(t)
	if err := f.Set("paygate.api_key", "secret"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	info, err := os.Stat(f.path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %o, want 600", perm)
	}
}

func TestYAMLFile_Delete(t *testing.T) {
	f := newTestFile(t)
	f.Set("server.port", "4200")
	f.Set("log.level", "debug")

	if err := f.Delete("server.port"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := f.Get("server.port"); ok {
		t.Error("server.port still present after Delete")
	}
	if v, ok, _ := f.Get("log.level"); !ok || v != "debug" {
		t.Errorf("log.level = %q, %v; want debug", v, ok)
	}
	if err := f.Delete("missing.key"); err != nil {
		t.Errorf("Delete of missing key: %v", err)
	}
}

func TestYAMLFile_SectionIsNotAValue(t *testing.T) {
	f := newTestFile(t)
	f.Set("server.port", "4200")

	if _, _, err := f.Get("server"); err == nil {
		t.Error("expected error reading a section as a value")
	}
}

func TestYAMLFile_HandWrittenDocument(t *testing.T) {
	f := newTestFile(t)
	os.MkdirAll(filepath.Dir(f.path), 0o700)
	doc := "server:\n  port: 5100\ntelemetry:\n  environment: sandbox\n  flush_interval: 3s\n"
	if err := os.WriteFile(f.path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PAYGATE_API_KEY", "k")
	cfg, err := loadWith(f, &mockKeychain{})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 5100 {
		t.Errorf("Server.Port = %d, want 5100", cfg.Server.Port)
	}
	if cfg.Telemetry.Environment != "sandbox" {
		t.Errorf("Environment = %q, want sandbox", cfg.Telemetry.Environment)
	}
	if cfg.Telemetry.FlushInterval.String() != "3s" {
		t.Errorf("FlushInterval = %s, want 3s", cfg.Telemetry.FlushInterval)
	}
}

func TestYAMLFile_Malformed(t *testing.T) {
	f := newTestFile(t)
	os.MkdirAll(filepath.Dir(f.path), 0o700)
	os.WriteFile(f.path, []byte("server: [\n"), 0o600)

	_, _, err := f.Get("server.port")
	if err == nil || !strings.Contains(err.Error(), "parsing") {
		t.Errorf("err = %v, want parse error", err)
	}
}
