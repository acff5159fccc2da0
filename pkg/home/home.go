// Package home resolves the runtime home layout (~/.cccc by default).
// All on-disk paths used by the kernel are derived here so the layout is
// defined in exactly one place.
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvHome overrides the runtime home directory when set.
const EnvHome = "CCCC_HOME"

// Home is the root of the daemon's runtime state.
type Home struct {
	root string
}

// Resolve returns the runtime home, creating the root directory if needed.
// Priority: explicit path > $CCCC_HOME > ~/.cccc.
func Resolve(explicit string) (*Home, error) {
	root := explicit
	if root == "" {
		root = os.Getenv(EnvHome)
	}
	if root == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve user home: %w", err)
		}
		root = filepath.Join(dir, ".cccc")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create runtime home: %w", err)
	}
	return &Home{root: root}, nil
}

// Root returns the runtime home root directory.
func (h *Home) Root() string { return h.root }

// RegistryFile is the group index.
func (h *Home) RegistryFile() string { return filepath.Join(h.root, "registry.json") }

// DaemonDir holds daemon-scoped files (addr.json, pid, log).
func (h *Home) DaemonDir() string { return filepath.Join(h.root, "daemon") }

// AddrFile is the IPC endpoint descriptor.
func (h *Home) AddrFile() string { return filepath.Join(h.DaemonDir(), "addr.json") }

// PidFile is the daemon's own pidfile.
func (h *Home) PidFile() string { return filepath.Join(h.DaemonDir(), "pid") }

// LogFile is the daemon log (rotated).
func (h *Home) LogFile() string { return filepath.Join(h.DaemonDir(), "log") }

// SocketFile is the default unix socket path.
func (h *Home) SocketFile() string { return filepath.Join(h.DaemonDir(), "ccccd.sock") }

// GroupDir is the root of one group's state.
func (h *Home) GroupDir(groupID string) string {
	return filepath.Join(h.root, "groups", groupID)
}

// GroupConfigFile is the group metadata file.
func (h *Home) GroupConfigFile(groupID string) string {
	return filepath.Join(h.GroupDir(groupID), "group.yaml")
}

// LedgerFile is the group's active event log.
func (h *Home) LedgerFile(groupID string) string {
	return filepath.Join(h.GroupDir(groupID), "ledger.jsonl")
}

// StateDir holds derived per-group state.
func (h *Home) StateDir(groupID string) string {
	return filepath.Join(h.GroupDir(groupID), "state")
}

// CursorsFile holds per-actor read watermarks.
func (h *Home) CursorsFile(groupID string) string {
	return filepath.Join(h.StateDir(groupID), "cursors.json")
}

// AttentionFile is the rebuildable attention-set snapshot.
func (h *Home) AttentionFile(groupID string) string {
	return filepath.Join(h.StateDir(groupID), "attention.json")
}

// BridgesFile holds per-group IM bridge subscription state.
func (h *Home) BridgesFile(groupID string) string {
	return filepath.Join(h.StateDir(groupID), "bridges.json")
}

// BlobDir holds spilled event blobs, sha256-addressed.
func (h *Home) BlobDir(groupID string) string {
	return filepath.Join(h.StateDir(groupID), "ledger", "blobs")
}

// SnapshotDir holds ledger snapshots.
func (h *Home) SnapshotDir(groupID string) string {
	return filepath.Join(h.StateDir(groupID), "ledger", "snapshots")
}

// ArchiveDir holds compacted ledger prefix files.
func (h *Home) ArchiveDir(groupID string) string {
	return filepath.Join(h.StateDir(groupID), "ledger", "archive")
}

// CompactionFile is the compaction metadata file.
func (h *Home) CompactionFile(groupID string) string {
	return filepath.Join(h.StateDir(groupID), "ledger", "compact.json")
}

// PidfileDir holds actor pidfiles for crash cleanup.
func (h *Home) PidfileDir(groupID string) string {
	return filepath.Join(h.StateDir(groupID), "pidfiles")
}

// ActorPidfile is the pidfile for one actor.
func (h *Home) ActorPidfile(groupID, actorID string) string {
	return filepath.Join(h.PidfileDir(groupID), actorID)
}

// SecretsDir holds env_private values, outside the ledger.
func (h *Home) SecretsDir(groupID string) string {
	return filepath.Join(h.StateDir(groupID), "secrets")
}

// ActorSecretsFile holds one actor's private env values (mode 0600).
func (h *Home) ActorSecretsFile(groupID, actorID string) string {
	return filepath.Join(h.SecretsDir(groupID), actorID+".json")
}

// WorkDir holds transient delivery spill files.
func (h *Home) WorkDir(groupID string) string {
	return filepath.Join(h.StateDir(groupID), "work")
}
