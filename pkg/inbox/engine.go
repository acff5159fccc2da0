// Package inbox tracks the two per-actor state machines derived from the
// ledger: the cumulative read watermark and the open attention set. Both are
// advanced exclusively by observing appended events, so replaying the ledger
// always reproduces them.
package inbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cccc-dev/cccc/pkg/models"
	"github.com/cccc-dev/cccc/pkg/recipient"
)

// AttentionItem is one open attention-priority message or ack-requiring
// notification addressed to an actor.
type AttentionItem struct {
	EventID string    `json:"event_id"`
	Kind    string    `json:"kind"`
	By      string    `json:"by"`
	Since   time.Time `json:"since"`
}

// Engine holds one group's read cursors and attention set. State changes are
// persisted write-through: cursors.json is authoritative across restarts,
// attention.json is a cache rebuildable from the ledger.
type Engine struct {
	groupID       string
	cursorsPath   string
	attentionPath string

	mu        sync.Mutex
	cursors   map[string]models.ReadCursor
	attention map[string]map[string]AttentionItem // actor id -> event id -> item
}

// Open loads the persisted cursor and attention files. A missing or corrupt
// attention file starts empty (the daemon rebuilds it from the active
// ledger); a corrupt cursors file starts empty and is restored from the
// latest snapshot by the recovery path.
func Open(groupID, cursorsPath, attentionPath string) (*Engine, error) {
	e := &Engine{
		groupID:       groupID,
		cursorsPath:   cursorsPath,
		attentionPath: attentionPath,
		cursors:       make(map[string]models.ReadCursor),
		attention:     make(map[string]map[string]AttentionItem),
	}

	if data, err := os.ReadFile(cursorsPath); err == nil {
		if err := json.Unmarshal(data, &e.cursors); err != nil {
			slog.Warn("Discarding corrupt cursors file",
				"group_id", groupID, "path", cursorsPath, "error", err)
			e.cursors = make(map[string]models.ReadCursor)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read cursors: %w", err)
	}

	if data, err := os.ReadFile(attentionPath); err == nil {
		var flat map[string][]AttentionItem
		if err := json.Unmarshal(data, &flat); err != nil {
			slog.Warn("Discarding corrupt attention file",
				"group_id", groupID, "path", attentionPath, "error", err)
		} else {
			for actorID, items := range flat {
				set := make(map[string]AttentionItem, len(items))
				for _, it := range items {
					set[it.EventID] = it
				}
				e.attention[actorID] = set
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read attention: %w", err)
	}
	return e, nil
}

// Observe folds one appended event into the derived state. res must be the
// recipient resolution for the event (ignored for ack/read kinds). Called
// under the group runtime's lock, in append order.
func (e *Engine) Observe(ev *models.Event, res recipient.Resolution) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev.Kind {
	case models.KindChatMessage:
		msg, err := ev.ChatMessage()
		if err != nil || msg.Priority != models.PriorityAttention {
			return
		}
		e.openLocked(ev, res.ActorIDs)

	case models.KindSystemNotify:
		n, err := ev.Notify()
		if err != nil || !n.RequiresAck {
			return
		}
		e.openLocked(ev, res.ActorIDs)

	case models.KindChatAck:
		if ack, err := ev.ChatAck(); err == nil {
			e.closeLocked(ack.ActorID, ack.EventID)
		}

	case models.KindSystemNotifyAck:
		if ack, err := ev.NotifyAck(); err == nil {
			e.closeLocked(ack.ActorID, ack.EventID)
		}

	case models.KindChatRead:
		if rd, err := ev.ChatRead(); err == nil {
			e.advanceLocked(rd.ActorID, rd.EventID, ev.TS)
		}

	case models.KindActorRemove:
		// A removed actor's cursor and open attention stop gating compaction.
		var d struct {
			ActorID string `json:"actor_id"`
		}
		if err := json.Unmarshal(ev.Data, &d); err == nil && d.ActorID != "" {
			delete(e.cursors, d.ActorID)
			delete(e.attention, d.ActorID)
			e.saveCursorsLocked()
			e.saveAttentionLocked()
		}
	}
}

func (e *Engine) openLocked(ev *models.Event, actorIDs []string) {
	if len(actorIDs) == 0 {
		return
	}
	for _, id := range actorIDs {
		set := e.attention[id]
		if set == nil {
			set = make(map[string]AttentionItem)
			e.attention[id] = set
		}
		set[ev.ID] = AttentionItem{EventID: ev.ID, Kind: ev.Kind, By: ev.By, Since: ev.TS}
	}
	e.saveAttentionLocked()
}

func (e *Engine) closeLocked(actorID, eventID string) {
	set := e.attention[actorID]
	if _, open := set[eventID]; !open {
		return
	}
	delete(set, eventID)
	if len(set) == 0 {
		delete(e.attention, actorID)
	}
	e.saveAttentionLocked()
}

// advanceLocked moves the watermark forward only. Event ids are ULIDs, so
// string order is append order.
func (e *Engine) advanceLocked(actorID, eventID string, ts time.Time) {
	cur := e.cursors[actorID]
	if eventID <= cur.LastReadEventID {
		return
	}
	e.cursors[actorID] = models.ReadCursor{
		LastReadEventID: eventID,
		LastReadTS:      ts,
		UpdatedAt:       time.Now().UTC(),
	}
	e.saveCursorsLocked()
}

// Cursor returns an actor's read cursor; ok is false when none is set.
func (e *Engine) Cursor(actorID string) (models.ReadCursor, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cursors[actorID]
	return c, ok
}

// Cursors returns a copy of all read cursors, keyed by principal.
func (e *Engine) Cursors() map[string]models.ReadCursor {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]models.ReadCursor, len(e.cursors))
	for k, v := range e.cursors {
		out[k] = v
	}
	return out
}

// RestoreCursors merges snapshot cursors under existing ones, keeping
// whichever is further ahead. Used when the cursors file was lost.
func (e *Engine) RestoreCursors(cursors map[string]models.ReadCursor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	changed := false
	for id, c := range cursors {
		if cur := e.cursors[id]; c.LastReadEventID > cur.LastReadEventID {
			e.cursors[id] = c
			changed = true
		}
	}
	if changed {
		e.saveCursorsLocked()
	}
}

// IsRead reports whether the actor's watermark already covers eventID.
// Used to make mark-read idempotent without appending a redundant event.
func (e *Engine) IsRead(actorID, eventID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return eventID <= e.cursors[actorID].LastReadEventID && e.cursors[actorID].LastReadEventID != ""
}

// IsAttentionOpen reports whether eventID is still awaiting an ack from the
// actor. A false result for a past attention message means a duplicate ack.
func (e *Engine) IsAttentionOpen(actorID, eventID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, open := e.attention[actorID][eventID]
	return open
}

// OpenAttention lists the actor's open attention items in append order.
func (e *Engine) OpenAttention(actorID string) []AttentionItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := e.attention[actorID]
	out := make([]AttentionItem, 0, len(set))
	for _, it := range set {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

// SafeWatermark returns the minimum read cursor across the given principals,
// the compaction gate. ok is false when any principal has no cursor yet.
func (e *Engine) SafeWatermark(principals []string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	min := ""
	for _, id := range principals {
		c, ok := e.cursors[id]
		if !ok || c.LastReadEventID == "" {
			return "", false
		}
		if min == "" || c.LastReadEventID < min {
			min = c.LastReadEventID
		}
	}
	return min, min != ""
}

// AddressedTo reports whether a chat message or notification is delivered to
// the given principal (an actor id or "user") under recipient resolution.
func AddressedTo(ev *models.Event, principal string, actors []models.ActorView) bool {
	var to []string
	switch ev.Kind {
	case models.KindChatMessage:
		msg, err := ev.ChatMessage()
		if err != nil {
			return false
		}
		to = msg.To
	case models.KindSystemNotify:
		n, err := ev.Notify()
		if err != nil {
			return false
		}
		to = n.To
	default:
		return false
	}
	res := recipient.Resolve(to, actors, ev.By)
	if principal == models.ByUser {
		return res.ToUser
	}
	for _, id := range res.ActorIDs {
		if id == principal {
			return true
		}
	}
	return false
}

// Unread filters tail (events after the actor's cursor, in append order)
// down to the messages addressed to the principal.
func Unread(tail []*models.Event, principal string, actors []models.ActorView) []*models.Event {
	var out []*models.Event
	for _, ev := range tail {
		if AddressedTo(ev, principal, actors) {
			out = append(out, ev)
		}
	}
	return out
}

// RebuildAttention replays active ledger events into a fresh attention set.
// resolve maps an event to its recipient resolution against the registry as
// it stands now; historical membership changes are accepted as lost.
func (e *Engine) RebuildAttention(events []*models.Event, actors []models.ActorView) {
	e.mu.Lock()
	e.attention = make(map[string]map[string]AttentionItem)
	e.mu.Unlock()
	for _, ev := range events {
		switch ev.Kind {
		case models.KindChatMessage, models.KindSystemNotify:
			var to []string
			if msg, err := ev.ChatMessage(); err == nil {
				if msg.Priority != models.PriorityAttention {
					continue
				}
				to = msg.To
			} else if n, err := ev.Notify(); err == nil {
				if !n.RequiresAck {
					continue
				}
				to = n.To
			} else {
				continue
			}
			e.Observe(ev, recipient.Resolve(to, actors, ev.By))
		case models.KindChatAck, models.KindSystemNotifyAck:
			e.Observe(ev, recipient.Resolution{})
		}
	}
}

func (e *Engine) saveCursorsLocked() {
	writeJSON(e.cursorsPath, e.cursors, e.groupID)
}

func (e *Engine) saveAttentionLocked() {
	flat := make(map[string][]AttentionItem, len(e.attention))
	for actorID, set := range e.attention {
		items := make([]AttentionItem, 0, len(set))
		for _, it := range set {
			items = append(items, it)
		}
		sort.Slice(items, func(i, j int) bool { return items[i].EventID < items[j].EventID })
		flat[actorID] = items
	}
	writeJSON(e.attentionPath, flat, e.groupID)
}

// writeJSON persists state atomically. Persistence failures are logged, not
// surfaced: the in-memory state stays correct and both files are
// reconstructable (cursors from snapshot, attention from the ledger).
func writeJSON(path string, v any, groupID string) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error("Marshal inbox state failed", "group_id", groupID, "path", path, "error", err)
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Error("Write inbox state failed", "group_id", groupID, "path", path, "error", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		slog.Error("Commit inbox state failed", "group_id", groupID, "path", path, "error", err)
	}
}
