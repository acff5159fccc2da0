package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// SecretStore holds per-actor env_private values outside the ledger and
// outside group.yaml. Files are mode 0600 JSON maps; only key names ever
// appear anywhere else.
type SecretStore struct {
	dir string
}

// NewSecretStore returns a store rooted at the group's secrets directory.
func NewSecretStore(dir string) *SecretStore {
	return &SecretStore{dir: dir}
}

func (s *SecretStore) path(actorID string) string {
	return filepath.Join(s.dir, actorID+".json")
}

// Load returns the actor's private env map; missing file means empty.
func (s *SecretStore) Load(actorID string) (map[string]string, error) {
	data, err := os.ReadFile(s.path(actorID))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read secrets: %w", err)
	}
	out := make(map[string]string)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse secrets: %w", err)
	}
	return out, nil
}

// Keys returns the sorted key names without exposing values.
func (s *SecretStore) Keys(actorID string) ([]string, error) {
	m, err := s.Load(actorID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Update applies clear first, then set, then unset, and persists. Clear
// plus set therefore replaces the map wholesale. Returns the resulting key
// names.
func (s *SecretStore) Update(actorID string, set map[string]string, unset []string, clear bool) ([]string, error) {
	m, err := s.Load(actorID)
	if err != nil {
		return nil, err
	}
	if clear {
		m = map[string]string{}
	}
	for k, v := range set {
		m[k] = v
	}
	for _, k := range unset {
		delete(m, k)
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create secrets dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal secrets: %w", err)
	}
	tmp := s.path(actorID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return nil, fmt.Errorf("write secrets: %w", err)
	}
	if err := os.Rename(tmp, s.path(actorID)); err != nil {
		return nil, fmt.Errorf("commit secrets: %w", err)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Remove deletes an actor's secrets file.
func (s *SecretStore) Remove(actorID string) {
	_ = os.Remove(s.path(actorID))
}
