// Package daemon assembles the kernel: per-group runtimes around the ledger,
// the shared event bus, the recovery and compaction coordinator, and the IPC
// op catalog.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RegistryEntry is one group in the index.
type RegistryEntry struct {
	GroupID   string    `json:"group_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry is the group index at registry.json. The CLI fallback writer may
// add groups while the daemon runs, so the daemon watches the file.
type Registry struct {
	path string

	mu      sync.Mutex
	entries map[string]RegistryEntry
}

// OpenRegistry loads the index; a missing file means no groups yet.
func OpenRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, entries: make(map[string]RegistryEntry)}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read registry: %w", err)
	}
	var entries []RegistryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse registry %s: %w", r.path, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]RegistryEntry, len(entries))
	for _, e := range entries {
		r.entries[e.GroupID] = e
	}
	return nil
}

// List returns all entries sorted by group id.
func (r *Registry) List() []RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

// Get returns one entry.
func (r *Registry) Get(groupID string) (RegistryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[groupID]
	return e, ok
}

// Put upserts an entry and persists the index.
func (r *Registry) Put(e RegistryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.entries[e.GroupID]; ok && !prev.CreatedAt.IsZero() {
		e.CreatedAt = prev.CreatedAt
	} else if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	r.entries[e.GroupID] = e
	return r.saveLocked()
}

// Remove deletes an entry and persists the index.
func (r *Registry) Remove(groupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, groupID)
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	entries := make([]RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].GroupID < entries[j].GroupID })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return os.Rename(tmp, r.path)
}

// Watch reloads the index when the file changes on disk and invokes
// onChange for every reload. Returns a stop function.
func (r *Registry) Watch(ctx context.Context, onChange func()) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create registry watcher: %w", err)
	}
	// Watch the directory: atomic rename replaces the inode.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch registry dir: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if err := r.reload(); err != nil {
					slog.Warn("Registry reload failed", "error", err)
					continue
				}
				if onChange != nil {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Registry watcher error", "error", err)
			}
		}
	}()
	return func() {
		watcher.Close()
		<-done
	}, nil
}
