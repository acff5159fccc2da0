package supervisor

import (
	"bytes"
	"sync"
)

// DefaultReplaySize bounds each actor's terminal replay buffer.
const DefaultReplaySize = 2 * 1024 * 1024

// Escape sequences treated as safe cut points when trimming, so a replay
// never starts mid-frame for TUI agents.
var (
	syncFrameEnd = []byte("\x1b[?2026l")
	eraseLine    = []byte("\x1b[2K\x1b[G")
)

// ReplayBuffer is a bounded append-only log of terminal output. Readers use
// absolute-offset cursors, so every byte a reader sees arrives in exact PTY
// order; a reader that falls behind a trim just loses the trimmed prefix.
type ReplayBuffer struct {
	max int

	mu      sync.Mutex
	buf     []byte
	trimmed int64 // bytes ever cut from the front
	notify  chan struct{}
}

// Cursor is one reader's absolute position in the stream.
type Cursor struct {
	offset int64
}

// NewReplayBuffer returns a buffer that retains up to max bytes.
func NewReplayBuffer(max int) *ReplayBuffer {
	if max <= 0 {
		max = DefaultReplaySize
	}
	return &ReplayBuffer{
		max:    max,
		buf:    make([]byte, 0, 64*1024),
		notify: make(chan struct{}),
	}
}

// Write appends terminal output, trimming the front at a safe cut point
// when over capacity, and wakes waiting readers.
func (r *ReplayBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	r.buf = append(r.buf, p...)
	if len(r.buf) > r.max {
		cut := findSafeCut(r.buf, len(r.buf)-r.max)
		r.buf = append(r.buf[:0], r.buf[cut:]...)
		r.trimmed += int64(cut)
	}
	ch := r.notify
	r.notify = make(chan struct{})
	r.mu.Unlock()
	close(ch)
	return len(p), nil
}

// Snapshot returns a copy of the retained output and the absolute end
// offset, the natural starting point for a new attach.
func (r *ReplayBuffer) Snapshot() ([]byte, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.buf...), r.trimmed + int64(len(r.buf))
}

// Tail returns up to n trailing bytes of retained output.
func (r *ReplayBuffer) Tail(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.buf) {
		n = len(r.buf)
	}
	return append([]byte(nil), r.buf[len(r.buf)-n:]...)
}

// Clear drops all retained output. The absolute offset keeps advancing so
// existing cursors stay valid.
func (r *ReplayBuffer) Clear() {
	r.mu.Lock()
	r.trimmed += int64(len(r.buf))
	r.buf = r.buf[:0]
	r.mu.Unlock()
}

// NewCursor returns a cursor positioned at an absolute offset.
func (r *ReplayBuffer) NewCursor(offset int64) *Cursor {
	return &Cursor{offset: offset}
}

// ReadAfter returns output past the cursor and advances it. When nothing is
// pending it returns a nil slice and a channel that closes on the next
// write, for use in a select against session exit.
func (r *ReplayBuffer) ReadAfter(c *Cursor) ([]byte, <-chan struct{}) {
	r.mu.Lock()
	rel := c.offset - r.trimmed
	if rel < 0 {
		rel = 0 // the reader fell behind a trim; skip the lost prefix
	}
	if int(rel) >= len(r.buf) {
		ch := r.notify
		r.mu.Unlock()
		return nil, ch
	}
	out := append([]byte(nil), r.buf[rel:]...)
	c.offset = r.trimmed + int64(len(r.buf))
	r.mu.Unlock()
	return out, nil
}

// Size returns the number of retained bytes.
func (r *ReplayBuffer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// findSafeCut picks a trim offset at or after min that does not split a
// terminal frame: end of a synchronized-update frame first, then an
// erase-line reset, then a CRLF, then min itself.
func findSafeCut(buf []byte, min int) int {
	end := min + 64*1024
	if end > len(buf) {
		end = len(buf)
	}
	window := buf[min:end]
	if i := bytes.Index(window, syncFrameEnd); i >= 0 {
		return min + i + len(syncFrameEnd)
	}
	if i := bytes.Index(window, eraseLine); i >= 0 {
		return min + i
	}
	if i := bytes.Index(window, []byte("\r\n")); i >= 0 {
		return min + i + 2
	}
	return min
}
