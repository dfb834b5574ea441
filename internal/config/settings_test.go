package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", s.Server.Port)
	}
	if !s.Pipeline.TrimEnabled || s.Pipeline.TrimMaxMessages != 50 {
		t.Errorf("unexpected trim defaults: %+v", s.Pipeline)
	}
	if s.Scheduler.FailureThreshold != 3 || s.Scheduler.CooldownSecs != 300 {
		t.Errorf("unexpected scheduler defaults: %+v", s.Scheduler)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"server": {"host": "0.0.0.0", "port": 9090}, "logging": {"level": "debug", "json": false}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Server.Host != "0.0.0.0" || s.Server.Port != 9090 {
		t.Errorf("server = %+v", s.Server)
	}
	if s.Logging.Level != "debug" || s.Logging.JSON {
		t.Errorf("logging = %+v", s.Logging)
	}
	// Untouched sections keep their defaults.
	if s.Selector.Strategy != "round_robin" {
		t.Errorf("selector strategy = %q", s.Selector.Strategy)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"serverz": {}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test123")
	t.Setenv("PROXYCAST_PORT", "7070")

	s, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Providers.AnthropicAPIKey != "sk-ant-test123" {
		t.Errorf("anthropic key = %q", s.Providers.AnthropicAPIKey)
	}
	if s.Server.Port != 7070 {
		t.Errorf("port = %d, want 7070", s.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"defaults ok", func(*Settings) {}, false},
		{"port zero", func(s *Settings) { s.Server.Port = 0 }, true},
		{"port too high", func(s *Settings) { s.Server.Port = 70000 }, true},
		{"bad trim strategy", func(s *Settings) { s.Pipeline.TrimStrategy = "oldest" }, true},
		{"bad fallback policy", func(s *Settings) { s.Selector.FallbackPolicy = "retry" }, true},
		{"sidecar without command", func(s *Settings) { s.Sidecar.Enabled = true }, true},
		{"sidecar with command", func(s *Settings) { s.Sidecar.Enabled = true; s.Sidecar.Command = "kiro" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Defaults()
			tt.mutate(s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	s := Defaults()
	s.Server.APIKey = "pc-secret"
	if err := s.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Server.APIKey != "pc-secret" {
		t.Errorf("api key = %q", loaded.Server.APIKey)
	}
}
