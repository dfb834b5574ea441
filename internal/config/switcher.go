package config

import (
	"fmt"
	"os"
	"sync"
)

// Switcher serialises live config switches. At most one mutation runs
// at a time; the flow snapshots the current file, validates the mutated
// settings, commits, and restores the snapshot when the commit fails.
type Switcher struct {
	mu   sync.Mutex
	path string
}

// NewSwitcher guards the config file at path.
func NewSwitcher(path string) *Switcher {
	return &Switcher{path: path}
}

// Switch applies mutate to the persisted settings under the process-wide
// lock and returns the committed result. A validation failure leaves the
// file untouched; a commit failure restores the prior contents.
func (sw *Switcher) Switch(mutate func(*Settings)) (*Settings, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	snapshot, snapErr := os.ReadFile(sw.path)
	hadFile := snapErr == nil

	cur, err := Load(sw.path)
	if err != nil {
		return nil, fmt.Errorf("load current config: %w", err)
	}

	mutate(cur)
	if err := cur.Validate(); err != nil {
		return nil, fmt.Errorf("validate new config: %w", err)
	}

	if err := cur.Save(sw.path); err != nil {
		if hadFile {
			if rerr := os.WriteFile(sw.path, snapshot, 0o600); rerr != nil {
				return nil, fmt.Errorf("commit failed (%v), restore failed: %w", err, rerr)
			}
		}
		return nil, fmt.Errorf("commit config: %w", err)
	}
	return cur, nil
}
