package git

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// TrustStore edits the agent CLI's local config file so worktree directories
// created by the daemon are pre-approved and the agent does not stop at a
// directory-trust prompt on first launch.
//
// The file is a JSON object; trusted directories live under the "projects"
// key as {path: {"hasTrustDialogAccepted": true}}. All other keys are
// preserved untouched.
type TrustStore struct {
	path string
	mu   sync.Mutex
}

// NewTrustStore creates a trust store editing the given config file.
func NewTrustStore(path string) *TrustStore {
	return &TrustStore{path: path}
}

// Add marks dir as trusted.
func (t *TrustStore) Add(dir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cfg, err := t.load()
	if err != nil {
		return err
	}

	projects, ok := cfg["projects"].(map[string]interface{})
	if !ok {
		projects = make(map[string]interface{})
		cfg["projects"] = projects
	}

	entry, ok := projects[dir].(map[string]interface{})
	if !ok {
		entry = make(map[string]interface{})
	}
	entry["hasTrustDialogAccepted"] = true
	projects[dir] = entry

	return t.save(cfg)
}

// Remove drops the trust entry for dir. A missing entry is not an error.
func (t *TrustStore) Remove(dir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cfg, err := t.load()
	if err != nil {
		return err
	}

	projects, ok := cfg["projects"].(map[string]interface{})
	if !ok {
		return nil
	}
	if _, exists := projects[dir]; !exists {
		return nil
	}
	delete(projects, dir)

	return t.save(cfg)
}

// IsTrusted reports whether dir has an accepted trust entry.
func (t *TrustStore) IsTrusted(dir string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cfg, err := t.load()
	if err != nil {
		return false
	}
	projects, ok := cfg["projects"].(map[string]interface{})
	if !ok {
		return false
	}
	entry, ok := projects[dir].(map[string]interface{})
	if !ok {
		return false
	}
	accepted, _ := entry["hasTrustDialogAccepted"].(bool)
	return accepted
}

func (t *TrustStore) load() (map[string]interface{}, error) {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]interface{}), nil
		}
		return nil, fmt.Errorf("read trust config: %w", err)
	}

	var cfg map[string]interface{}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse trust config %s: %w", t.path, err)
	}
	if cfg == nil {
		cfg = make(map[string]interface{})
	}
	return cfg, nil
}

func (t *TrustStore) save(cfg map[string]interface{}) error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("create trust config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trust config: %w", err)
	}

	// Write-then-rename so a crash mid-write never corrupts the agent config.
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write trust config: %w", err)
	}
	return os.Rename(tmp, t.path)
}
