package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cccc-dev/cccc/pkg/automation"
	"github.com/cccc-dev/cccc/pkg/bridge"
	"github.com/cccc-dev/cccc/pkg/bus"
	"github.com/cccc-dev/cccc/pkg/config"
	"github.com/cccc-dev/cccc/pkg/delivery"
	"github.com/cccc-dev/cccc/pkg/home"
	"github.com/cccc-dev/cccc/pkg/inbox"
	"github.com/cccc-dev/cccc/pkg/kernel"
	"github.com/cccc-dev/cccc/pkg/ledger"
	"github.com/cccc-dev/cccc/pkg/models"
	"github.com/cccc-dev/cccc/pkg/recipient"
	"github.com/cccc-dev/cccc/pkg/supervisor"
)

// groupRuntime owns one group's subsystems. The runtime mutex serializes
// writes and the derived-state updates that follow them; the ledger and
// inbox engine have their own finer locks for concurrent readers.
type groupRuntime struct {
	home *home.Home
	bus  *bus.Bus

	groupID string

	mu       sync.Mutex
	group    *models.Group
	settings config.Settings

	store    *ledger.Store
	engine   *inbox.Engine
	secrets  *supervisor.SecretStore
	sup      *supervisor.Supervisor
	injector *delivery.Injector
	pipeline *delivery.Pipeline
	loop     *automation.Loop
	fanout   *bridge.Fanout
	subs     *bridge.SubscriptionStore
}

// openRuntime assembles a group's subsystems around its on-disk state.
func openRuntime(h *home.Home, b *bus.Bus, g *models.Group) (*groupRuntime, error) {
	id := g.GroupID
	settings, err := config.Resolve(g.Settings)
	if err != nil {
		return nil, err
	}

	store, err := ledger.Open(ledger.Options{
		GroupID:     id,
		LedgerPath:  h.LedgerFile(id),
		BlobDir:     h.BlobDir(id),
		ArchiveDir:  h.ArchiveDir(id),
		SnapshotDir: h.SnapshotDir(id),
		MetaPath:    h.CompactionFile(id),
	})
	if err != nil {
		return nil, err
	}

	attentionPath := h.AttentionFile(id)
	_, attentionErr := os.Stat(attentionPath)
	engine, err := inbox.Open(id, h.CursorsFile(id), attentionPath)
	if err != nil {
		store.Close()
		return nil, err
	}

	rt := &groupRuntime{
		home:     h,
		bus:      b,
		groupID:  id,
		group:    g,
		settings: settings,
		store:    store,
		engine:   engine,
		secrets:  supervisor.NewSecretStore(h.SecretsDir(id)),
	}

	rt.sup = supervisor.New(supervisor.Options{
		GroupID:    id,
		PidfileDir: h.PidfileDir(id),
		Secrets:    rt.secrets,
		Append:     rt.appendEvent,
		OnStart:    rt.startPreamble,
	})

	if err := os.MkdirAll(h.WorkDir(id), 0o755); err != nil {
		store.Close()
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	rt.injector = delivery.NewInjector(delivery.InjectorOptions{
		GroupID:     id,
		Sink:        rt.sup,
		WorkDir:     h.WorkDir(id),
		MinInterval: settings.Delivery.MinInterval,
		QueueCap:    settings.Delivery.QueueCapacity,
		Runner:      rt.runnerTag,
		OnDrop:      rt.reportDropped,
	})

	rt.pipeline = delivery.NewPipeline(delivery.PipelineOptions{
		GroupID:           id,
		Append:            rt.appendEvent,
		Lookup:            store.Lookup,
		Actors:            rt.views,
		ScopeKey:          rt.scopeKey,
		IdempotencyWindow: config.IdempotencyWindow,
	})

	rt.loop = automation.New(automation.Options{
		GroupID:      id,
		Settings:     func() config.AutomationSettings { return rt.currentSettings().Automation },
		GroupState:   rt.state,
		Actors:       rt.views,
		Engine:       engine,
		Tail:         store.Tail,
		Notify:       rt.pipeline.Notify,
		LastOutputAt: rt.sup.LastOutputAt,
	})

	subs, err := bridge.OpenSubscriptions(h.BridgesFile(id))
	if err != nil {
		store.Close()
		return nil, err
	}
	rt.subs = subs
	rt.fanout = bridge.NewFanout(id, b, subs)

	// Derived state recovery: an empty cursor file with a snapshot on disk
	// means the state dir was lost; the snapshot carries the watermarks.
	if len(engine.Cursors()) == 0 {
		if snap, ok, err := store.LatestSnapshot(); err == nil && ok && len(snap.Cursors) > 0 {
			engine.RestoreCursors(snap.Cursors)
			slog.Info("Restored read cursors from snapshot",
				"group_id", id, "cursors", len(snap.Cursors))
		}
	}
	if os.IsNotExist(attentionErr) {
		if tail, err := store.Tail(ledger.TailQuery{}); err == nil {
			engine.RebuildAttention(tail, rt.views())
		}
	}
	return rt, nil
}

func (rt *groupRuntime) close() {
	rt.loop.Stop()
	rt.fanout.Close()
	rt.injector.Close()
	if err := rt.store.Close(); err != nil {
		slog.Warn("Ledger close failed", "group_id", rt.groupID, "error", err)
	}
}

// views snapshots the actor registry with live run state.
func (rt *groupRuntime) views() []models.ActorView {
	rt.mu.Lock()
	g := rt.group
	rt.mu.Unlock()
	return rt.sup.Views(g)
}

func (rt *groupRuntime) state() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.group.State
}

func (rt *groupRuntime) currentSettings() config.Settings {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.settings
}

func (rt *groupRuntime) snapshotGroup() *models.Group {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.group
}

// principals is every actor id plus the user, the population whose cursors
// gate the compaction watermark.
func (rt *groupRuntime) principals() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]string, 0, len(rt.group.Actors)+1)
	for _, a := range rt.group.Actors {
		out = append(out, a.ActorID)
	}
	return append(out, recipient.TokenUser)
}

func (rt *groupRuntime) runnerTag(actorID string) string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if a := rt.group.ActorByID(actorID); a != nil {
		return a.Runner
	}
	return models.RunnerHeadless
}

// scopeKey attributes an event to a scope. Empty path means the active
// scope; a path matching a registered scope root resolves to its key;
// anything else is recorded as an ad-hoc path key.
func (rt *groupRuntime) scopeKey(path string) (string, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if path == "" {
		if rt.group.ActiveScopeKey != "" {
			return rt.group.ActiveScopeKey, nil
		}
		return "main", nil
	}
	for i := range rt.group.Scopes {
		if rt.group.Scopes[i].Root == path {
			return rt.group.Scopes[i].ScopeKey, nil
		}
	}
	return "path:" + path, nil
}

// appendEvent is the single ordered write path: ledger append, inbox
// observation, bus publish, automation bookkeeping, then injection fan-out.
// Everything downstream of the append is derived from the durable event.
func (rt *groupRuntime) appendEvent(partial models.Event) (*models.Event, error) {
	rt.mu.Lock()
	ev, err := rt.store.Append(partial)
	if err != nil {
		rt.mu.Unlock()
		return nil, err
	}
	actors := rt.sup.Views(rt.group)
	res := resolutionFor(ev, actors)
	rt.engine.Observe(ev, res)
	paused := rt.group.State == models.GroupPaused
	rt.mu.Unlock()

	rt.bus.Publish(ev)
	rt.loop.ObserveEvent(ev)
	if !paused {
		rt.deliver(ev, res)
	}
	return ev, nil
}

// resolutionFor expands the recipient set of deliverable events.
func resolutionFor(ev *models.Event, actors []models.ActorView) recipient.Resolution {
	switch ev.Kind {
	case models.KindChatMessage:
		if msg, err := ev.ChatMessage(); err == nil {
			return recipient.Resolve(msg.To, actors, ev.By)
		}
	case models.KindSystemNotify:
		if data, err := ev.Notify(); err == nil {
			return recipient.Resolve(data.To, actors, ev.By)
		}
	}
	return recipient.Resolution{}
}

// deliver formats the event once and queues it for every resolved running
// recipient.
func (rt *groupRuntime) deliver(ev *models.Event, res recipient.Resolution) {
	if len(res.ActorIDs) == 0 {
		return
	}
	line, ok := delivery.FormatEvent(ev, rt.store.Blobs())
	if !ok {
		return
	}
	for _, actorID := range res.ActorIDs {
		if rt.sup.Running(actorID) {
			rt.injector.Enqueue(actorID, []byte(line))
		}
	}
}

// startPreamble replays unread context into a freshly started actor.
func (rt *groupRuntime) startPreamble(actorID string) {
	cur, _ := rt.engine.Cursor(actorID)
	tail, err := rt.store.Tail(ledger.TailQuery{
		SinceEventID: cur.LastReadEventID,
		Kinds:        []string{models.KindChatMessage},
	})
	if err != nil {
		slog.Warn("Preamble tail failed", "group_id", rt.groupID, "actor_id", actorID, "error", err)
		return
	}
	actors := rt.views()
	unread := inbox.Unread(tail, actorID, actors)
	open := rt.engine.OpenAttention(actorID)
	preamble := delivery.BuildPreamble(actorID, unread, open,
		rt.currentSettings().Delivery.PreambleTail, rt.store.Blobs())
	if preamble != "" {
		rt.injector.Enqueue(actorID, []byte(preamble))
	}
}

// reportDropped records queue overflow for the user. Addressed to the user
// only, so the notification never re-enters the overflowing queue.
func (rt *groupRuntime) reportDropped(actorID string, dropped int) {
	go func() {
		_, err := rt.pipeline.Notify(models.NotifyData{
			NotifyKind: models.NotifyDeliveryDropped,
			Text: fmt.Sprintf("dropped %d queued injection(s) for %s: queue overflow",
				dropped, actorID),
			To: []string{recipient.TokenUser},
		})
		if err != nil {
			slog.Warn("Delivery-drop notification failed",
				"group_id", rt.groupID, "actor_id", actorID, "error", err)
		}
	}()
}

// saveGroup persists group.yaml after a mutation made under the runtime
// lock.
func (rt *groupRuntime) saveGroup() error {
	rt.mu.Lock()
	rt.group.UpdatedAt = time.Now().UTC()
	g := rt.group
	path := rt.home.GroupConfigFile(rt.groupID)
	rt.mu.Unlock()
	return config.SaveGroup(path, g)
}

// setState transitions the group lifecycle state and records it.
func (rt *groupRuntime) setState(state string) error {
	switch state {
	case models.GroupActive, models.GroupIdle, models.GroupPaused:
	default:
		return kernel.Newf(kernel.CodeInvalidRequest, "unknown group state %q", state)
	}
	rt.mu.Lock()
	rt.group.State = state
	rt.mu.Unlock()
	if err := rt.saveGroup(); err != nil {
		return err
	}
	_, err := rt.appendEvent(models.Event{
		Kind:    models.KindGroupState,
		GroupID: rt.groupID,
		By:      models.ByUser,
		Data:    models.MustEncodeData(models.GroupStateData{State: state}),
	})
	return err
}

// AckResult reports an acknowledgement, including the idempotent case.
type AckResult struct {
	Event   *models.Event `json:"event,omitempty"`
	Already bool          `json:"already,omitempty"`
}

// chatAck clears one attention item. Duplicate acks succeed without a new
// event.
func (rt *groupRuntime) chatAck(actorID, eventID string) (*AckResult, error) {
	if !rt.engine.IsAttentionOpen(actorID, eventID) {
		if err := rt.checkAckable(actorID, eventID); err != nil {
			return nil, err
		}
		return &AckResult{Already: true}, nil
	}
	ev, err := rt.appendEvent(models.Event{
		Kind:    models.KindChatAck,
		GroupID: rt.groupID,
		By:      actorID,
		Data:    models.MustEncodeData(models.ChatAckData{ActorID: actorID, EventID: eventID}),
	})
	if err != nil {
		return nil, err
	}
	return &AckResult{Event: ev}, nil
}

// checkAckable distinguishes a duplicate ack from an invalid one: the
// target must exist and must have been ackable by this actor in the first
// place.
func (rt *groupRuntime) checkAckable(actorID, eventID string) error {
	target, err := rt.store.Lookup(eventID)
	if err != nil {
		return err
	}
	switch target.Kind {
	case models.KindChatMessage:
		msg, err := target.ChatMessage()
		if err != nil {
			return kernel.Newf(kernel.CodeInvalidRequest, "event %s payload is unreadable", eventID)
		}
		if msg.Priority != models.PriorityAttention {
			return kernel.New(kernel.CodeInvalidRequest,
				"only attention-priority messages take an ack").WithDetails(map[string]string{
				"priority": msg.Priority,
			})
		}
	case models.KindSystemNotify:
		data, err := target.Notify()
		if err != nil || !data.RequiresAck {
			return kernel.Newf(kernel.CodeInvalidRequest,
				"notification %s does not require an ack", eventID)
		}
	default:
		return kernel.Newf(kernel.CodeInvalidRequest, "event %s is not ackable", eventID)
	}
	if !inbox.AddressedTo(target, actorID, rt.views()) {
		return kernel.Newf(kernel.CodePermissionDenied,
			"event %s is not addressed to %s", eventID, actorID)
	}
	return nil
}

// notifyAck clears a requires_ack notification.
func (rt *groupRuntime) notifyAck(actorID, eventID string) (*AckResult, error) {
	if !rt.engine.IsAttentionOpen(actorID, eventID) {
		if err := rt.checkAckable(actorID, eventID); err != nil {
			return nil, err
		}
		return &AckResult{Already: true}, nil
	}
	ev, err := rt.appendEvent(models.Event{
		Kind:    models.KindSystemNotifyAck,
		GroupID: rt.groupID,
		By:      actorID,
		Data:    models.MustEncodeData(models.NotifyAckData{ActorID: actorID, EventID: eventID}),
	})
	if err != nil {
		return nil, err
	}
	return &AckResult{Event: ev}, nil
}

// markRead advances an actor's watermark to eventID. Events not addressed
// to the actor are rejected; re-reads are idempotent successes.
func (rt *groupRuntime) markRead(actorID, eventID string) (*AckResult, error) {
	target, err := rt.store.Lookup(eventID)
	if err != nil {
		return nil, err
	}
	if rt.engine.IsRead(actorID, eventID) {
		return &AckResult{Already: true}, nil
	}
	if target.Kind == models.KindChatMessage && !inbox.AddressedTo(target, actorID, rt.views()) {
		return nil, kernel.Newf(kernel.CodeInvalidRequest,
			"event %s is not addressed to %s", eventID, actorID)
	}
	ev, err := rt.appendEvent(models.Event{
		Kind:    models.KindChatRead,
		GroupID: rt.groupID,
		By:      actorID,
		Data:    models.MustEncodeData(models.ChatReadData{ActorID: actorID, EventID: eventID}),
	})
	if err != nil {
		return nil, err
	}
	return &AckResult{Event: ev}, nil
}

// markAllRead advances the watermark to the ledger head.
func (rt *groupRuntime) markAllRead(actorID string) (*AckResult, error) {
	last := rt.store.LastID()
	if last == "" || rt.engine.IsRead(actorID, last) {
		return &AckResult{Already: true}, nil
	}
	ev, err := rt.appendEvent(models.Event{
		Kind:    models.KindChatRead,
		GroupID: rt.groupID,
		By:      actorID,
		Data:    models.MustEncodeData(models.ChatReadData{ActorID: actorID, EventID: last}),
	})
	if err != nil {
		return nil, err
	}
	return &AckResult{Event: ev}, nil
}

// InboxView is the inbox_list result.
type InboxView struct {
	Unread          []*models.Event       `json:"unread"`
	Attention       []inbox.AttentionItem `json:"attention"`
	LastReadEventID string                `json:"last_read_event_id,omitempty"`
}

// inboxList returns unread addressed messages and open attention items for
// one principal.
func (rt *groupRuntime) inboxList(actorID string, limit int) (*InboxView, error) {
	cur, _ := rt.engine.Cursor(actorID)
	tail, err := rt.store.Tail(ledger.TailQuery{
		SinceEventID: cur.LastReadEventID,
		Kinds:        []string{models.KindChatMessage},
	})
	if err != nil {
		return nil, err
	}
	unread := inbox.Unread(tail, actorID, rt.views())
	if limit > 0 && len(unread) > limit {
		unread = unread[len(unread)-limit:]
	}
	return &InboxView{
		Unread:          unread,
		Attention:       rt.engine.OpenAttention(actorID),
		LastReadEventID: cur.LastReadEventID,
	}, nil
}

// CompactOutcome is the ledger_compact result.
type CompactOutcome struct {
	Compacted   bool   `json:"compacted"`
	Reason      string `json:"reason,omitempty"`
	Archived    int    `json:"archived,omitempty"`
	ArchiveFile string `json:"archive_file,omitempty"`
	BlobsFreed  int    `json:"blobs_freed,omitempty"`
}

// maybeCompact runs one eligibility pass. force skips the size and interval
// gates but never the safe-watermark requirement.
func (rt *groupRuntime) maybeCompact(force bool) (*CompactOutcome, error) {
	set := rt.currentSettings().Compaction
	if !force {
		if rt.store.ActiveSize() <= set.MaxActiveBytes {
			return &CompactOutcome{Reason: "active ledger under size threshold"}, nil
		}
		if last := rt.store.LastCompactedAt(); !last.IsZero() && time.Since(last) < set.MinInterval {
			return &CompactOutcome{Reason: "compacted too recently"}, nil
		}
	}
	watermark, ok := rt.engine.SafeWatermark(rt.principals())
	if !ok {
		if force {
			return nil, kernel.New(kernel.CodeInvalidRequest,
				"no safe watermark: at least one principal has no read cursor")
		}
		return &CompactOutcome{Reason: "no safe watermark"}, nil
	}

	if _, err := rt.store.WriteSnapshot(rt.snapshotGroup(), rt.engine.Cursors()); err != nil {
		return nil, err
	}
	res, err := rt.store.Compact(watermark, set.TailKeep)
	if err != nil {
		return nil, err
	}
	freed, err := rt.store.CollectBlobs()
	if err != nil {
		slog.Warn("Blob collection failed", "group_id", rt.groupID, "error", err)
	}
	if res.Archived > 0 {
		slog.Info("Compacted ledger", "group_id", rt.groupID,
			"archived", res.Archived, "archive", res.ArchiveFile, "blobs_freed", freed)
	}
	return &CompactOutcome{
		Compacted:   res.Archived > 0,
		Archived:    res.Archived,
		ArchiveFile: res.ArchiveFile,
		BlobsFreed:  freed,
	}, nil
}
