// Package ledger implements the per-group append-only event log: appends
// under a single-writer lock, oversized-row spill to the blob store, tail /
// window / search reads, and snapshot + archive compaction.
package ledger

import (
	"bufio"
	crand "crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cccc-dev/cccc/pkg/kernel"
	"github.com/cccc-dev/cccc/pkg/models"
)

// MaxEventBytes is the hard limit for one serialized ledger row. Rows that
// would exceed it have their text spilled to the blob store.
const MaxEventBytes = 64 * 1024

// maxLineBytes bounds the scanner buffer when reading the ledger back.
// Rows are capped at MaxEventBytes on the write path; the slack tolerates
// files written by older builds.
const maxLineBytes = 4 * MaxEventBytes

// Options configures a Store.
type Options struct {
	GroupID     string
	LedgerPath  string
	BlobDir     string
	ArchiveDir  string
	SnapshotDir string
	MetaPath    string
}

// Store owns one group's event log. Writes are serialized through the
// store's mutex; the OS-level advisory lock keeps other processes (the CLI
// fallback writer) out while the daemon holds the file. Read methods are
// not internally locked: the owning group runtime serializes reads against
// writes with its per-group lock, which also covers derived state.
type Store struct {
	opts  Options
	blobs *BlobStore

	mu      sync.Mutex
	f       *os.File
	lockF   *os.File
	size    int64
	lastSeq int64
	lastTS  time.Time
	lastID  string

	// Active ledger kept in memory: bounded by compaction.
	events []*models.Event
	index  map[string]int // id → position in events

	meta    *CompactionMeta
	entropy *ulid.MonotonicEntropy
}

// Open loads the active ledger, takes the advisory lock, and restores the
// append position. A trailing unterminated line (torn write from a crash)
// is ignored; the next append overwrites it.
func Open(opts Options) (*Store, error) {
	if opts.GroupID == "" {
		return nil, kernel.New(kernel.CodeMissingGroupID, "ledger store requires a group id")
	}
	for _, dir := range []string{filepath.Dir(opts.LedgerPath), opts.BlobDir, opts.ArchiveDir, opts.SnapshotDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	lockF, err := os.OpenFile(opts.LedgerPath+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger lock: %w", err)
	}
	if err := syscall.Flock(int(lockF.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lockF.Close()
		return nil, kernel.Newf(kernel.CodeResourceError,
			"ledger %s is locked by another process", opts.LedgerPath)
	}

	s := &Store{
		opts:    opts,
		blobs:   NewBlobStore(opts.BlobDir),
		lockF:   lockF,
		index:   make(map[string]int),
		entropy: ulid.Monotonic(crand.Reader, 0),
	}

	meta, err := loadCompactionMeta(opts.MetaPath)
	if err != nil {
		lockF.Close()
		return nil, err
	}
	s.meta = meta

	if err := s.load(); err != nil {
		lockF.Close()
		return nil, err
	}

	f, err := os.OpenFile(opts.LedgerPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		lockF.Close()
		return nil, fmt.Errorf("open ledger for append: %w", err)
	}
	s.f = f

	slog.Info("Ledger opened",
		"group_id", opts.GroupID,
		"events", len(s.events),
		"last_seq", s.lastSeq,
		"archives", len(meta.Archives))
	return s, nil
}

// load reads the active ledger into memory.
func (s *Store) load() error {
	f, err := os.Open(s.opts.LedgerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	var consumed int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	var raw []byte
	for sc.Scan() {
		line := sc.Bytes()
		raw = append(raw[:0], line...)
		var ev models.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			slog.Warn("Skipping unparseable ledger line",
				"group_id", s.opts.GroupID, "offset", consumed, "error", err)
			consumed += int64(len(line)) + 1
			continue
		}
		consumed += int64(len(line)) + 1
		s.track(&ev)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan ledger: %w", err)
	}

	// A trailing segment without '\n' is a torn write: not yet readable.
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat ledger: %w", err)
	}
	if info.Size() > consumed {
		slog.Warn("Truncating torn trailing ledger write",
			"group_id", s.opts.GroupID, "kept", consumed, "size", info.Size())
		if err := os.Truncate(s.opts.LedgerPath, consumed); err != nil {
			return fmt.Errorf("truncate torn write: %w", err)
		}
	}
	s.size = consumed
	return nil
}

func (s *Store) track(ev *models.Event) {
	s.index[ev.ID] = len(s.events)
	s.events = append(s.events, ev)
	if ev.Seq > s.lastSeq {
		s.lastSeq = ev.Seq
	}
	if ev.TS.After(s.lastTS) {
		s.lastTS = ev.TS
	}
	s.lastID = ev.ID
}

// Close releases the append handle and the advisory lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	if s.f != nil {
		if err := s.f.Close(); err != nil {
			first = err
		}
		s.f = nil
	}
	if s.lockF != nil {
		syscall.Flock(int(s.lockF.Fd()), syscall.LOCK_UN)
		if err := s.lockF.Close(); err != nil && first == nil {
			first = err
		}
		s.lockF = nil
	}
	return first
}

// Append validates the partial event, assigns id/ts/seq, spills oversized
// text to the blob store, and durably writes one line. The returned event
// is the stored form.
func (s *Store) Append(partial models.Event) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(partial, true)
}

// AppendBatch appends several events with a single fsync at the end.
// Used by bulk imports; normal traffic goes through Append.
func (s *Store) AppendBatch(partials []models.Event) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Event, 0, len(partials))
	for _, p := range partials {
		ev, err := s.appendLocked(p, false)
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	if err := s.f.Sync(); err != nil {
		return out, fmt.Errorf("sync ledger: %w", err)
	}
	return out, nil
}

func (s *Store) appendLocked(partial models.Event, sync bool) (*models.Event, error) {
	if s.f == nil {
		return nil, kernel.New(kernel.CodeResourceError, "ledger store is closed")
	}
	ev := partial
	if err := s.validate(&ev); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if now.Before(s.lastTS) {
		now = s.lastTS // ts never regresses across appends
	}
	ev.V = models.EnvelopeVersion
	ev.TS = now
	ev.Seq = s.lastSeq + 1
	if ev.ID == "" {
		ev.ID = ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
	}

	line, err := json.Marshal(&ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	if len(line) > MaxEventBytes {
		line, err = s.spill(&ev, line)
		if err != nil {
			return nil, err
		}
	}

	n, err := s.f.Write(append(line, '\n'))
	if err != nil {
		// A partial line may be on disk; the torn-write truncation on the
		// next open discards it. State is not mutated.
		return nil, kernel.Newf(kernel.CodeResourceError, "append event: %v", err)
	}
	if sync {
		if err := s.f.Sync(); err != nil {
			return nil, kernel.Newf(kernel.CodeResourceError, "sync ledger: %v", err)
		}
	}
	s.size += int64(n)
	s.track(&ev)
	return &ev, nil
}

// spill moves data.text into a blob and re-marshals the row. Blob writes
// that become orphaned by a subsequent failure are removed.
func (s *Store) spill(ev *models.Event, line []byte) ([]byte, error) {
	var payload map[string]any
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return nil, kernel.Newf(kernel.CodeResourceError,
			"event %s exceeds %d bytes and its payload is not spillable", ev.ID, MaxEventBytes)
	}

	// Spill the largest string field; in practice that is data.text.
	field, largest := "", ""
	for k, v := range payload {
		if str, ok := v.(string); ok && len(str) > len(largest) {
			field, largest = k, str
		}
	}
	if field == "" {
		return nil, kernel.Newf(kernel.CodeResourceError,
			"event %s exceeds %d bytes with no spillable field", ev.ID, MaxEventBytes)
	}

	ref, err := s.blobs.Put([]byte(largest))
	if err != nil {
		return nil, kernel.Newf(kernel.CodeResourceError, "spill blob: %v", err)
	}
	payload[field] = ref.String()

	data, err := json.Marshal(payload)
	if err != nil {
		s.blobs.Remove(ref)
		return nil, fmt.Errorf("re-marshal spilled payload: %w", err)
	}
	ev.Data = data

	line, err = json.Marshal(ev)
	if err != nil {
		s.blobs.Remove(ref)
		return nil, fmt.Errorf("marshal spilled event: %w", err)
	}
	if len(line) > MaxEventBytes {
		s.blobs.Remove(ref)
		return nil, kernel.Newf(kernel.CodeResourceError,
			"event %s still exceeds %d bytes after spill", ev.ID, MaxEventBytes)
	}
	slog.Debug("Spilled oversized event text",
		"group_id", s.opts.GroupID, "event_id", ev.ID, "bytes", ref.Bytes)
	return line, nil
}

// validate enforces the envelope shape and the per-kind invariants that
// depend on prior ledger contents.
func (s *Store) validate(ev *models.Event) error {
	if ev.GroupID == "" {
		ev.GroupID = s.opts.GroupID
	}
	if ev.GroupID != s.opts.GroupID {
		return kernel.Newf(kernel.CodeInvalidRequest,
			"event group %q does not match ledger group %q", ev.GroupID, s.opts.GroupID)
	}
	if ev.Kind == "" {
		return kernel.New(kernel.CodeInvalidRequest, "event kind is required")
	}
	if ev.By == "" {
		return kernel.New(kernel.CodeInvalidRequest, "event principal (by) is required")
	}
	if ev.ID != "" {
		if _, dup := s.index[ev.ID]; dup {
			return kernel.Newf(kernel.CodeInvalidRequest, "duplicate event id %s", ev.ID)
		}
	}

	switch ev.Kind {
	case models.KindChatMessage:
		msg, err := ev.ChatMessage()
		if err != nil {
			return kernel.Newf(kernel.CodeInvalidRequest, "bad chat.message payload: %v", err)
		}
		if (msg.SrcGroupID == "") != (msg.SrcEventID == "") {
			return kernel.New(kernel.CodeInvalidRequest,
				"relay provenance requires both src_group_id and src_event_id or neither")
		}
		if msg.ReplyTo != "" {
			if _, ok := s.Get(msg.ReplyTo); !ok {
				return kernel.Newf(kernel.CodeInvalidRequest, "reply_to %s is not in the ledger", msg.ReplyTo)
			}
		}

	case models.KindChatAck:
		ack, err := ev.ChatAck()
		if err != nil {
			return kernel.Newf(kernel.CodeInvalidRequest, "bad chat.ack payload: %v", err)
		}
		if ev.By != ack.ActorID {
			return kernel.Newf(kernel.CodePermissionDenied,
				"chat.ack is self-only: by=%s actor_id=%s", ev.By, ack.ActorID)
		}
		target, ok := s.Get(ack.EventID)
		if !ok {
			return kernel.Newf(kernel.CodeEventNotFound, "acked event %s is not in the ledger", ack.EventID)
		}
		msg, err := target.ChatMessage()
		if err != nil {
			return kernel.Newf(kernel.CodeInvalidRequest, "acked event %s is not a chat.message", ack.EventID)
		}
		if msg.Priority != models.PriorityAttention {
			return kernel.New(kernel.CodeInvalidRequest,
				"only attention-priority messages can be acked").
				WithDetails(map[string]string{"event_id": ack.EventID, "priority": msg.Priority})
		}

	case models.KindChatRead:
		rd, err := ev.ChatRead()
		if err != nil {
			return kernel.Newf(kernel.CodeInvalidRequest, "bad chat.read payload: %v", err)
		}
		if _, ok := s.Get(rd.EventID); !ok {
			return kernel.Newf(kernel.CodeEventNotFound, "read event %s is not in the ledger", rd.EventID)
		}
	}
	return nil
}

// Get returns an event by id, consulting archives for compacted history.
func (s *Store) Get(id string) (*models.Event, bool) {
	if pos, ok := s.index[id]; ok {
		return s.events[pos], true
	}
	for _, arch := range s.meta.Archives {
		if id >= arch.FirstID && id <= arch.LastID {
			ev, ok := s.scanArchiveFor(arch, id)
			if ok {
				return ev, true
			}
		}
	}
	return nil, false
}

// Lookup is Get with a coded error for IPC callers.
func (s *Store) Lookup(id string) (*models.Event, error) {
	ev, ok := s.Get(id)
	if !ok {
		return nil, kernel.Newf(kernel.CodeEventNotFound, "event %s not found", id)
	}
	return ev, nil
}

// TailQuery selects a forward slice of the ledger. The cursor fields are
// alternatives; the first set one wins (event id, then seq, then ts).
type TailQuery struct {
	SinceEventID string
	SinceSeq     int64
	SinceTS      time.Time
	Limit        int
	Kinds        []string
}

// Tail returns events after the cursor in append order. With no cursor it
// returns the active ledger from its first retained event; with a cursor
// older than the active head it stitches from the archives.
func (s *Store) Tail(q TailQuery) ([]*models.Event, error) {
	match := kindFilter(q.Kinds)
	var out []*models.Event
	emit := func(ev *models.Event) bool {
		if !match(ev) {
			return true
		}
		out = append(out, ev)
		return q.Limit <= 0 || len(out) < q.Limit
	}

	after := func(ev *models.Event) bool {
		switch {
		case q.SinceEventID != "":
			return ev.ID > q.SinceEventID
		case q.SinceSeq > 0:
			return ev.Seq > q.SinceSeq
		case !q.SinceTS.IsZero():
			return ev.TS.After(q.SinceTS)
		default:
			return true
		}
	}

	// Stitch archived prefixes when the cursor points before the active head.
	hasCursor := q.SinceEventID != "" || q.SinceSeq > 0 || !q.SinceTS.IsZero()
	if hasCursor && len(s.meta.Archives) > 0 {
		activeFirstSeq := int64(0)
		if len(s.events) > 0 {
			activeFirstSeq = s.events[0].Seq
		}
		for _, arch := range s.meta.Archives {
			if arch.LastSeq < activeFirstSeq {
				done, err := s.scanArchive(arch, func(ev *models.Event) bool {
					if !after(ev) {
						return true
					}
					return emit(ev)
				})
				if err != nil {
					return nil, err
				}
				if done {
					return out, nil
				}
			}
		}
	}

	for _, ev := range s.events {
		if !after(ev) {
			continue
		}
		if !emit(ev) {
			break
		}
	}
	return out, nil
}

// Window returns a bounded bidirectional slice around a pivot event.
func (s *Store) Window(centerID string, before, after int, kinds []string) ([]*models.Event, bool, bool, error) {
	pos, ok := s.index[centerID]
	if !ok {
		return nil, false, false, kernel.Newf(kernel.CodeEventNotFound,
			"window pivot %s is not in the active ledger", centerID)
	}
	match := kindFilter(kinds)

	var back []*models.Event
	i := pos - 1
	for ; i >= 0 && len(back) < before; i-- {
		if match(s.events[i]) {
			back = append(back, s.events[i])
		}
	}
	hasBefore := i >= 0 || len(s.meta.Archives) > 0

	out := make([]*models.Event, 0, len(back)+after+1)
	for j := len(back) - 1; j >= 0; j-- {
		out = append(out, back[j])
	}
	out = append(out, s.events[pos])

	j := pos + 1
	added := 0
	for ; j < len(s.events) && added < after; j++ {
		if match(s.events[j]) {
			out = append(out, s.events[j])
			added++
		}
	}
	return out, hasBefore, j < len(s.events), nil
}

// Search returns recent-first events whose text fields contain the query.
func (s *Store) Search(query string, kinds []string, limit int) []*models.Event {
	if limit <= 0 {
		limit = 50
	}
	match := kindFilter(kinds)
	needle := strings.ToLower(query)
	var out []*models.Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.events[i]
		if !match(ev) {
			continue
		}
		if strings.Contains(strings.ToLower(string(ev.Data)), needle) {
			out = append(out, ev)
		}
	}
	return out
}

// LastID returns the id of the most recent event (empty when none).
func (s *Store) LastID() string { return s.lastID }

// LastSeq returns the most recent sequence number.
func (s *Store) LastSeq() int64 { return s.lastSeq }

// ActiveSize returns the active ledger size in bytes.
func (s *Store) ActiveSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// ActiveCount returns the number of events in the active ledger.
func (s *Store) ActiveCount() int { return len(s.events) }

// Blobs exposes the blob store for attachment handling and spill reads.
func (s *Store) Blobs() *BlobStore { return s.blobs }

func kindFilter(kinds []string) func(*models.Event) bool {
	if len(kinds) == 0 {
		return func(*models.Event) bool { return true }
	}
	set := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return func(ev *models.Event) bool { return set[ev.Kind] }
}
