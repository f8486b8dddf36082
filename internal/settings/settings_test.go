package settings

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Host != "127.0.0.1" || s.Port != 8094 {
		t.Errorf("unexpected default bind %s:%d", s.Host, s.Port)
	}
	if s.DBPath != "relay.db" {
		t.Errorf("unexpected default db path %q", s.DBPath)
	}
	if s.LogLevel != "info" {
		t.Errorf("unexpected default log level %q", s.LogLevel)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	data := "host: 192.168.1.5\nport: 9000\ndb_path: /var/lib/relay/relay.db\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Host != "192.168.1.5" || s.Port != 9000 {
		t.Errorf("yaml values not applied: %s:%d", s.Host, s.Port)
	}
	if s.DBPath != "/var/lib/relay/relay.db" {
		t.Errorf("yaml db path not applied: %q", s.DBPath)
	}
	// Keys absent from the file keep their defaults.
	if s.LogLevel != "info" {
		t.Errorf("default log level lost: %q", s.LogLevel)
	}
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("port: 9000\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("RELAY_PORT", "9500")
	t.Setenv("RELAY_LOG_LEVEL", "debug")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Port != 9500 {
		t.Errorf("env should win over yaml, got port %d", s.Port)
	}
	if s.LogLevel != "debug" {
		t.Errorf("env log level not applied: %q", s.LogLevel)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("an explicitly named missing file is an error")
	}
}

func TestBindAddr(t *testing.T) {
	s := Default()
	if got := s.BindAddr(); got != "127.0.0.1:8094" {
		t.Errorf("expected loopback bind, got %q", got)
	}

	s.AllowLANAccess = true
	if got := s.BindAddr(); got != "0.0.0.0:8094" {
		t.Errorf("LAN access should bind all interfaces, got %q", got)
	}
}
