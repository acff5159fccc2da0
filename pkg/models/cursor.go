package models

import "time"

// ReadCursor is one actor's read watermark within a group. LastReadEventID
// compares lexicographically in append order (event ids are ULIDs), so the
// monotonicity check is a plain string comparison.
type ReadCursor struct {
	LastReadEventID string    `json:"last_read_event_id"`
	LastReadTS      time.Time `json:"last_read_ts"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Snapshot is a point-in-time JSON summary written before compaction and
// used for recovery.
type Snapshot struct {
	GroupID     string       `json:"group_id"`
	TakenAt     time.Time    `json:"taken_at"`
	LastEventID string       `json:"last_event_id"`
	LastSeq     int64        `json:"last_seq"`
	Group       *Group       `json:"group,omitempty"`
	Cursors     map[string]ReadCursor `json:"cursors,omitempty"`
}
