package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cccc-dev/cccc/pkg/models"
)

// snapshotLatest is the stable name recovery reads first.
const snapshotLatest = "snapshot.latest.json"

// WriteSnapshot persists a point-in-time summary: snapshot.latest.json plus
// a timestamped copy. Called before every compaction and on demand via the
// ledger_snapshot op.
func (s *Store) WriteSnapshot(group *models.Group, cursors map[string]models.ReadCursor) (*models.Snapshot, error) {
	s.mu.Lock()
	snap := &models.Snapshot{
		GroupID:     s.opts.GroupID,
		TakenAt:     time.Now().UTC(),
		LastEventID: s.lastID,
		LastSeq:     s.lastSeq,
		Group:       group,
		Cursors:     cursors,
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	latest := filepath.Join(s.opts.SnapshotDir, snapshotLatest)
	tmp := latest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, latest); err != nil {
		return nil, fmt.Errorf("commit snapshot: %w", err)
	}

	stamped := filepath.Join(s.opts.SnapshotDir,
		fmt.Sprintf("snapshot.%s.json", snap.TakenAt.Format("20060102T150405Z")))
	if err := os.WriteFile(stamped, data, 0o644); err != nil {
		return nil, fmt.Errorf("write timestamped snapshot: %w", err)
	}
	return snap, nil
}

// LatestSnapshot reads snapshot.latest.json; ok is false when none exists.
func (s *Store) LatestSnapshot() (*models.Snapshot, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.opts.SnapshotDir, snapshotLatest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read snapshot: %w", err)
	}
	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("parse snapshot: %w", err)
	}
	return &snap, true, nil
}
