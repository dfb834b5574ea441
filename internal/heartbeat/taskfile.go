// Package heartbeat runs a file-driven task list on a fixed cycle.
// The task file is the DAO: a flat YAML or JSON array reloaded on
// every cycle, so edits take effect without a restart.
package heartbeat

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ExecutionMode selects how a heartbeat task runs.
type ExecutionMode string

const (
	// ModeIntelligent dispatches the task prompt to the agent runtime.
	ModeIntelligent ExecutionMode = "intelligent"
	// ModeSkill runs a named skill locally.
	ModeSkill ExecutionMode = "skill"
	// ModeLogOnly records that the task fired and does nothing else.
	ModeLogOnly ExecutionMode = "log_only"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Task is one entry in the heartbeat file.
type Task struct {
	Name          string        `json:"name" yaml:"name"`
	ExecutionMode ExecutionMode `json:"execution_mode" yaml:"execution_mode"`
	Prompt        string        `json:"prompt,omitempty" yaml:"prompt"`
	Skill         string        `json:"skill,omitempty" yaml:"skill"`
	EverySecs     int64         `json:"every_secs,omitempty" yaml:"every_secs"`
	Cron          string        `json:"cron,omitempty" yaml:"cron"`
	TimeoutSecs   int           `json:"timeout_secs,omitempty" yaml:"timeout_secs"`
	Disabled      bool          `json:"disabled,omitempty" yaml:"disabled"`
}

// Validate checks one task entry.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("task has no name")
	}
	switch t.ExecutionMode {
	case ModeIntelligent, ModeSkill, ModeLogOnly, "":
	default:
		return fmt.Errorf("task %q: unknown execution mode %q", t.Name, t.ExecutionMode)
	}
	if t.ExecutionMode == ModeSkill && t.Skill == "" {
		return fmt.Errorf("task %q: skill mode needs a skill name", t.Name)
	}
	if t.EverySecs <= 0 && t.Cron == "" {
		return fmt.Errorf("task %q: needs every_secs or cron", t.Name)
	}
	if t.Cron != "" {
		if _, err := cronParser.Parse(t.Cron); err != nil {
			return fmt.Errorf("task %q: invalid cron: %w", t.Name, err)
		}
	}
	return nil
}

// Mode returns the task's execution mode, defaulting to log_only.
func (t Task) Mode() ExecutionMode {
	if t.ExecutionMode == "" {
		return ModeLogOnly
	}
	return t.ExecutionMode
}

// LoadTasks reads and validates the task file. A missing file is an
// empty list, so the heartbeat can start before the user writes one.
func LoadTasks(path string) ([]Task, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}

	var tasks []Task
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &tasks)
	} else {
		err = yaml.Unmarshal(data, &tasks)
	}
	if err != nil {
		return nil, fmt.Errorf("parse task file %s: %w", path, err)
	}

	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}
