package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/cccc-dev/cccc/pkg/kernel"
	"github.com/cccc-dev/cccc/pkg/models"
)

// ArchiveFile describes one closed ledger prefix moved out of the active file.
type ArchiveFile struct {
	Name     string `json:"name"`
	FirstID  string `json:"first_id"`
	LastID   string `json:"last_id"`
	FirstSeq int64  `json:"first_seq"`
	LastSeq  int64  `json:"last_seq"`
	Count    int    `json:"count"`
}

// CompactionMeta stitches archived prefixes to the active ledger.
type CompactionMeta struct {
	LastCompactedEventID string        `json:"last_compacted_event_id,omitempty"`
	LastCompactedAt      time.Time     `json:"last_compacted_at,omitempty"`
	Archives             []ArchiveFile `json:"archived_files,omitempty"`
}

func loadCompactionMeta(path string) (*CompactionMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &CompactionMeta{}, nil
		}
		return nil, fmt.Errorf("read compaction metadata: %w", err)
	}
	var meta CompactionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse compaction metadata: %w", err)
	}
	sort.Slice(meta.Archives, func(i, j int) bool {
		return meta.Archives[i].FirstSeq < meta.Archives[j].FirstSeq
	})
	return &meta, nil
}

func (s *Store) saveCompactionMeta() error {
	data, err := json.MarshalIndent(s.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal compaction metadata: %w", err)
	}
	tmp := s.opts.MetaPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write compaction metadata: %w", err)
	}
	return os.Rename(tmp, s.opts.MetaPath)
}

// Meta returns a copy of the compaction metadata.
func (s *Store) Meta() CompactionMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.meta
	cp.Archives = append([]ArchiveFile(nil), s.meta.Archives...)
	return cp
}

// CompactResult reports what a compaction pass archived.
type CompactResult struct {
	Archived    int
	ArchiveFile string
	FirstKeptID string
}

// Compact moves all events strictly before safeWatermarkID into a new
// archive file, always retaining at least tailKeep lines in the active
// ledger. The caller is responsible for choosing a safe watermark (the
// minimum read cursor across the group) and for writing a snapshot first.
func (s *Store) Compact(safeWatermarkID string, tailKeep int) (*CompactResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil, kernel.New(kernel.CodeResourceError, "ledger store is closed")
	}
	pos, ok := s.index[safeWatermarkID]
	if !ok {
		return nil, kernel.Newf(kernel.CodeEventNotFound,
			"compaction watermark %s is not in the active ledger", safeWatermarkID)
	}

	// Archive only the prefix that is both fully read and more than tailKeep
	// lines behind the watermark, so the active ledger keeps context for UIs.
	cut := pos - tailKeep
	if cut <= 0 {
		return &CompactResult{Archived: 0}, nil
	}

	archived := s.events[:cut]
	retained := s.events[cut:]

	name := fmt.Sprintf("archive-%012d-%012d.jsonl", archived[0].Seq, archived[cut-1].Seq)
	archPath := filepath.Join(s.opts.ArchiveDir, name)
	if err := writeEventFile(archPath, archived); err != nil {
		return nil, kernel.Newf(kernel.CodeResourceError, "write archive: %v", err)
	}

	// Rewrite the active ledger to the retained suffix, then swap. The swap
	// is the commit point; a crash before it leaves the old ledger intact
	// (the archive file is then simply re-created on the next pass).
	activeTmp := s.opts.LedgerPath + ".compact"
	if err := writeEventFile(activeTmp, retained); err != nil {
		return nil, kernel.Newf(kernel.CodeResourceError, "rewrite active ledger: %v", err)
	}
	if err := s.f.Close(); err != nil {
		return nil, fmt.Errorf("close ledger before swap: %w", err)
	}
	s.f = nil
	if err := os.Rename(activeTmp, s.opts.LedgerPath); err != nil {
		return nil, kernel.Newf(kernel.CodeResourceError, "swap active ledger: %v", err)
	}
	f, err := os.OpenFile(s.opts.LedgerPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("reopen ledger after compaction: %w", err)
	}
	s.f = f

	s.meta.Archives = append(s.meta.Archives, ArchiveFile{
		Name:     name,
		FirstID:  archived[0].ID,
		LastID:   archived[cut-1].ID,
		FirstSeq: archived[0].Seq,
		LastSeq:  archived[cut-1].Seq,
		Count:    cut,
	})
	s.meta.LastCompactedEventID = archived[cut-1].ID
	s.meta.LastCompactedAt = time.Now().UTC()
	if err := s.saveCompactionMeta(); err != nil {
		return nil, err
	}

	s.events = append([]*models.Event(nil), retained...)
	s.index = make(map[string]int, len(s.events))
	for i, ev := range s.events {
		s.index[ev.ID] = i
	}
	var size int64
	if info, err := os.Stat(s.opts.LedgerPath); err == nil {
		size = info.Size()
	}
	s.size = size

	res := &CompactResult{Archived: cut, ArchiveFile: name}
	if len(s.events) > 0 {
		res.FirstKeptID = s.events[0].ID
	}
	slog.Info("Ledger compacted",
		"group_id", s.opts.GroupID,
		"archived", cut,
		"archive", name,
		"active_events", len(s.events))
	return res, nil
}

// LastCompactedAt returns when the last compaction ran (zero when never).
func (s *Store) LastCompactedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.LastCompactedAt
}

func writeEventFile(path string, events []*models.Event) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// scanArchive streams one archive file through fn in append order; fn
// returns false to stop. The returned bool reports whether fn stopped.
func (s *Store) scanArchive(arch ArchiveFile, fn func(*models.Event) bool) (bool, error) {
	f, err := os.Open(filepath.Join(s.opts.ArchiveDir, arch.Name))
	if err != nil {
		return false, fmt.Errorf("open archive %s: %w", arch.Name, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		var ev models.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			slog.Warn("Skipping unparseable archive line", "archive", arch.Name, "error", err)
			continue
		}
		if !fn(&ev) {
			return true, nil
		}
	}
	return false, sc.Err()
}

func (s *Store) scanArchiveFor(arch ArchiveFile, id string) (*models.Event, bool) {
	var found *models.Event
	_, err := s.scanArchive(arch, func(ev *models.Event) bool {
		if ev.ID == id {
			found = ev
			return false
		}
		return true
	})
	if err != nil {
		slog.Warn("Archive scan failed", "archive", arch.Name, "error", err)
	}
	return found, found != nil
}

var sha256RefPattern = regexp.MustCompile(`sha256:([0-9a-f]{64})`)

// CollectBlobs removes blobs no longer referenced by any event in the
// active ledger or the retained archives. Reference identity is the sha256,
// so blobs shared by several events survive until the last reference is
// archived away and its archive file deleted.
func (s *Store) CollectBlobs() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[string]bool)
	note := func(ev *models.Event) bool {
		for _, m := range sha256RefPattern.FindAllStringSubmatch(string(ev.Data), -1) {
			live[m[1]] = true
		}
		return true
	}
	for _, ev := range s.events {
		note(ev)
	}
	for _, arch := range s.meta.Archives {
		if _, err := s.scanArchive(arch, note); err != nil {
			return 0, err
		}
	}

	removed := 0
	err := filepath.WalkDir(s.opts.BlobDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !live[d.Name()] {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("walk blob dir: %w", err)
	}
	return removed, nil
}
