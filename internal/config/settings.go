package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/proxycast/proxycast/internal/hooks"
)

// Settings is the persisted gateway configuration, stored as JSON at
// ~/.proxycast/config.json.
type Settings struct {
	Server    ServerSettings         `json:"server"`
	Pipeline  PipelineSettings       `json:"pipeline"`
	Selector  SelectorSettings       `json:"selector"`
	Scheduler SchedulerSettings      `json:"scheduler"`
	Heartbeat HeartbeatSettings      `json:"heartbeat"`
	Sidecar   SidecarSettings        `json:"sidecar"`
	Logging   LoggingSettings        `json:"logging"`
	Providers ProviderSettings       `json:"providers"`
	Hooks     []hooks.HookDefinition `json:"hooks,omitempty"`
}

type ServerSettings struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	APIKey string `json:"api_key"`
}

type PipelineSettings struct {
	TrimEnabled          bool   `json:"trim_enabled"`
	TrimMaxMessages      int    `json:"trim_max_messages"`
	TrimStrategy         string `json:"trim_strategy"`
	PreserveSystemPrompt bool   `json:"preserve_system_prompt"`
	SummaryEnabled       bool   `json:"summary_enabled"`
	SummaryThreshold     int    `json:"summary_threshold"`
	SummaryKeepRecent    int    `json:"summary_keep_recent"`
}

type SelectorSettings struct {
	Strategy        string `json:"strategy"`
	FallbackPolicy  string `json:"fallback_policy"`
	MaxAttempts     int    `json:"max_attempts"`
	SyncIntervalSec int    `json:"sync_interval_secs"`
}

type SchedulerSettings struct {
	Enabled          bool `json:"enabled"`
	FailureThreshold int  `json:"failure_threshold"`
	CooldownSecs     int  `json:"cooldown_secs"`
}

type HeartbeatSettings struct {
	Enabled      bool   `json:"enabled"`
	TaskFile     string `json:"task_file"`
	IntervalSecs int    `json:"interval_secs"`
	BestEffort   bool   `json:"best_effort"`
}

type SidecarSettings struct {
	Enabled     bool     `json:"enabled"`
	Command     string   `json:"command,omitempty"`
	Args        []string `json:"args,omitempty"`
	Port        int      `json:"port"`
	TimeoutSecs int      `json:"timeout_secs"`
}

type LoggingSettings struct {
	Level string `json:"level"`
	File  string `json:"file,omitempty"`
	JSON  bool   `json:"json"`
}

type ProviderSettings struct {
	AnthropicAPIKey string `json:"anthropic_api_key,omitempty"`
	OpenAIAPIKey    string `json:"openai_api_key,omitempty"`
	GeminiAPIKey    string `json:"gemini_api_key,omitempty"`
	CWProfileArn    string `json:"cw_profile_arn,omitempty"`
}

// Dir returns the proxycast home directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".proxycast"
	}
	return filepath.Join(home, ".proxycast")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.json")
}

// Defaults returns the baseline configuration.
func Defaults() *Settings {
	return &Settings{
		Server: ServerSettings{Host: "127.0.0.1", Port: 8080},
		Pipeline: PipelineSettings{
			TrimEnabled:          true,
			TrimMaxMessages:      50,
			TrimStrategy:         "sliding_window",
			PreserveSystemPrompt: true,
			SummaryEnabled:       false,
			SummaryThreshold:     30,
			SummaryKeepRecent:    10,
		},
		Selector: SelectorSettings{
			Strategy:        "round_robin",
			FallbackPolicy:  "next_tier",
			MaxAttempts:     3,
			SyncIntervalSec: 30,
		},
		Scheduler: SchedulerSettings{Enabled: true, FailureThreshold: 3, CooldownSecs: 300},
		Heartbeat: HeartbeatSettings{
			TaskFile:     filepath.Join(Dir(), "heartbeat.yaml"),
			IntervalSecs: 60,
			BestEffort:   true,
		},
		Sidecar: SidecarSettings{Port: 8787, TimeoutSecs: 60},
		Logging: LoggingSettings{Level: "info", JSON: true},
	}
}

// Load reads path over the defaults. A missing file yields the
// defaults unchanged. Environment overrides are applied last.
func Load(path string) (*Settings, error) {
	s := Defaults()

	data, err := os.ReadFile(path)
	if err == nil {
		dec := json.NewDecoder(strings.NewReader(string(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(s); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	s.applyEnv()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// applyEnv maps process environment onto settings. ANTHROPIC_API_KEY
// passes through to the anthropic provider, including the sidecar's
// placeholder value.
func (s *Settings) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		s.Providers.AnthropicAPIKey = v
	}
	if v := os.Getenv("PROXYCAST_API_KEY"); v != "" {
		s.Server.APIKey = v
	}
	if v := os.Getenv("PROXYCAST_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			s.Server.Port = port
		}
	}
}

// Validate rejects configurations the gateway cannot start with.
func (s *Settings) Validate() error {
	if s.Server.Port <= 0 || s.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", s.Server.Port)
	}
	switch s.Pipeline.TrimStrategy {
	case "sliding_window", "drop_oldest":
	default:
		return fmt.Errorf("unknown trim strategy %q", s.Pipeline.TrimStrategy)
	}
	switch s.Selector.FallbackPolicy {
	case "none", "next_tier", "any_available", "specific":
	default:
		return fmt.Errorf("unknown fallback policy %q", s.Selector.FallbackPolicy)
	}
	if s.Sidecar.Enabled && s.Sidecar.Command == "" {
		return fmt.Errorf("sidecar enabled without a command")
	}
	return nil
}

// Save writes the settings as indented JSON, creating the directory
// if needed.
func (s *Settings) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
