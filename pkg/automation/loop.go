// Package automation is the per-group notification loop: a single ticker
// that derives nudge, actor-idle, silence-check, self-check, and help-nudge
// notifications from ledger state under quantitative policies.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cccc-dev/cccc/pkg/config"
	"github.com/cccc-dev/cccc/pkg/inbox"
	"github.com/cccc-dev/cccc/pkg/ledger"
	"github.com/cccc-dev/cccc/pkg/models"
	"github.com/cccc-dev/cccc/pkg/recipient"
)

// DefaultTick is how often the loop re-evaluates policies.
const DefaultTick = time.Second

// Options wires the loop to its group runtime.
type Options struct {
	GroupID string

	Settings   func() config.AutomationSettings
	GroupState func() string
	Actors     func() []models.ActorView
	Engine     *inbox.Engine

	// Tail reads group events after a cursor, stitching archives.
	Tail func(q ledger.TailQuery) ([]*models.Event, error)

	// Notify appends a system.notify through the ordered append path;
	// delivery to running actors follows from the append.
	Notify func(data models.NotifyData) (*models.Event, error)

	// LastOutputAt is the actor's most recent terminal output (zero when
	// not running).
	LastOutputAt func(actorID string) time.Time

	Tick time.Duration
}

// Loop runs one group's automation policies.
type Loop struct {
	opts Options

	cancel context.CancelFunc
	done   chan struct{}

	mu             sync.Mutex
	lastChatAt     time.Time
	lastSilenceAt  time.Time
	lastNudgeAt    map[string]time.Time
	lastIdlePingAt map[string]time.Time

	// Self-check bookkeeping: non-nudge handoffs per actor, and how many
	// self-checks each actor has received.
	handoffs   map[string]int
	selfChecks map[string]int

	// Help-nudge bookkeeping: messages authored per actor since the last
	// ack of one of its attention messages, and who authored each open
	// attention message.
	msgsSinceAck    map[string]int
	attentionAuthor map[string]string

	// Keepalive caps: notifications sent per actor since it last spoke.
	notifySent   map[string]int
	lastNotifyAt map[string]time.Time
}

// New returns a stopped loop.
func New(opts Options) *Loop {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	return &Loop{
		opts:            opts,
		lastChatAt:      time.Now(),
		lastNudgeAt:     make(map[string]time.Time),
		lastIdlePingAt:  make(map[string]time.Time),
		handoffs:        make(map[string]int),
		selfChecks:      make(map[string]int),
		msgsSinceAck:    make(map[string]int),
		attentionAuthor: make(map[string]string),
		notifySent:      make(map[string]int),
		lastNotifyAt:    make(map[string]time.Time),
	}
}

// Start launches the ticker loop.
func (l *Loop) Start(ctx context.Context) {
	if l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx)
	slog.Info("Automation loop started", "group_id", l.opts.GroupID, "tick", l.opts.Tick)
}

// Stop signals the loop to exit and waits for it to finish.
func (l *Loop) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	l.cancel = nil
	slog.Info("Automation loop stopped", "group_id", l.opts.GroupID)
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

// ObserveEvent folds one appended event into the loop's counters. Called by
// the group runtime for every append, in order.
func (l *Loop) ObserveEvent(ev *models.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch ev.Kind {
	case models.KindChatMessage:
		l.lastChatAt = ev.TS
		msg, err := ev.ChatMessage()
		if err != nil {
			return
		}
		// An actor that speaks resets its keepalive budget.
		if ev.By != models.ByUser && ev.By != models.BySystem {
			l.notifySent[ev.By] = 0
			l.msgsSinceAck[ev.By]++
		}
		if msg.Priority == models.PriorityAttention {
			l.attentionAuthor[ev.ID] = ev.By
		}
		// Every delivered message counts as a handoff toward self-checks.
		res := recipient.Resolve(msg.To, l.opts.Actors(), ev.By)
		for _, id := range res.ActorIDs {
			l.handoffs[id]++
		}

	case models.KindChatAck:
		ack, err := ev.ChatAck()
		if err != nil {
			return
		}
		if author, ok := l.attentionAuthor[ack.EventID]; ok {
			delete(l.attentionAuthor, ack.EventID)
			l.msgsSinceAck[author] = 0
		}
	}
}

func (l *Loop) tick() {
	// Paused groups get nothing; idle groups keep user chat flowing but
	// suppress automation.
	if l.opts.GroupState() != models.GroupActive {
		return
	}
	set := l.opts.Settings()
	now := time.Now()
	actors := l.opts.Actors()

	l.checkNudges(now, set, actors)
	l.checkActorIdle(now, set, actors)
	l.checkSilence(now, set)
	l.checkSelfChecks(set, actors)
	l.checkHelpNudges(set, actors)
}

func (l *Loop) checkNudges(now time.Time, set config.AutomationSettings, actors []models.ActorView) {
	if set.NudgeAfter <= 0 {
		return
	}
	for _, a := range actors {
		if !a.Enabled {
			continue
		}
		l.mu.Lock()
		last := l.lastNudgeAt[a.ID]
		l.mu.Unlock()
		if now.Sub(last) < set.NudgeAfter {
			continue
		}
		oldest, ok := l.oldestUnread(a.ID, actors)
		if !ok || now.Sub(oldest.TS) < set.NudgeAfter {
			continue
		}
		if l.emit(a.ID, models.NotifyData{
			NotifyKind: models.NotifyNudge,
			Text:       fmt.Sprintf("you have unread messages waiting since %s", oldest.TS.Format("15:04:05")),
			To:         []string{a.ID},
		}, set) {
			l.mu.Lock()
			l.lastNudgeAt[a.ID] = now
			l.mu.Unlock()
		}
	}
}

func (l *Loop) checkActorIdle(now time.Time, set config.AutomationSettings, actors []models.ActorView) {
	if set.ActorIdleTimeout <= 0 {
		return
	}
	var foreman string
	for _, a := range actors {
		if a.Enabled && a.Role == models.RoleForeman {
			foreman = a.ID
		}
	}
	if foreman == "" {
		return
	}
	for _, a := range actors {
		if !a.Running || a.ID == foreman {
			continue
		}
		lastOut := l.opts.LastOutputAt(a.ID)
		if lastOut.IsZero() || now.Sub(lastOut) < set.ActorIdleTimeout {
			continue
		}
		if _, hasUnread := l.oldestUnread(a.ID, actors); !hasUnread {
			continue
		}
		l.mu.Lock()
		last := l.lastIdlePingAt[a.ID]
		l.mu.Unlock()
		if now.Sub(last) < set.ActorIdleTimeout {
			continue
		}
		if l.emit(foreman, models.NotifyData{
			NotifyKind: models.NotifyActorIdle,
			Text:       fmt.Sprintf("%s has been silent for %s with unread messages", a.ID, now.Sub(lastOut).Round(time.Second)),
			To:         []string{foreman},
		}, set) {
			l.mu.Lock()
			l.lastIdlePingAt[a.ID] = now
			l.mu.Unlock()
		}
	}
}

func (l *Loop) checkSilence(now time.Time, set config.AutomationSettings) {
	if set.SilenceTimeout <= 0 {
		return
	}
	l.mu.Lock()
	lastChat, lastCheck := l.lastChatAt, l.lastSilenceAt
	l.mu.Unlock()
	if now.Sub(lastChat) < set.SilenceTimeout || now.Sub(lastCheck) < set.SilenceTimeout {
		return
	}
	if _, err := l.opts.Notify(models.NotifyData{
		NotifyKind: models.NotifySilenceCheck,
		Text:       fmt.Sprintf("no chat activity for %s, is anyone blocked?", now.Sub(lastChat).Round(time.Minute)),
		To:         []string{recipient.SelAll},
	}); err != nil {
		slog.Error("Silence check failed", "group_id", l.opts.GroupID, "error", err)
		return
	}
	l.mu.Lock()
	l.lastSilenceAt = now
	l.mu.Unlock()
}

func (l *Loop) checkSelfChecks(set config.AutomationSettings, actors []models.ActorView) {
	if set.SelfCheckEveryHandoffs <= 0 {
		return
	}
	for _, a := range actors {
		if !a.Enabled {
			continue
		}
		l.mu.Lock()
		due := l.handoffs[a.ID] >= set.SelfCheckEveryHandoffs
		l.mu.Unlock()
		if !due {
			continue
		}
		refresh := false
		l.mu.Lock()
		nextCheck := l.selfChecks[a.ID] + 1
		if set.SystemRefreshEverySelfChecks > 0 && nextCheck%set.SystemRefreshEverySelfChecks == 0 {
			refresh = true
		}
		l.mu.Unlock()

		kind, text := models.NotifySelfCheck, "pause and review: are you still on the group's current objective?"
		if refresh {
			kind, text = models.NotifySystemRefresh, "re-read your SYSTEM prompt and restate your role before continuing"
		}
		if l.emit(a.ID, models.NotifyData{
			NotifyKind: kind, Text: text, To: []string{a.ID}, RequiresAck: true,
		}, set) {
			l.mu.Lock()
			l.handoffs[a.ID] = 0
			l.selfChecks[a.ID] = nextCheck
			l.mu.Unlock()
		}
	}
}

func (l *Loop) checkHelpNudges(set config.AutomationSettings, actors []models.ActorView) {
	if set.HelpNudgeMinMessages <= 0 {
		return
	}
	for _, a := range actors {
		if !a.Enabled {
			continue
		}
		l.mu.Lock()
		due := l.msgsSinceAck[a.ID] >= set.HelpNudgeMinMessages && l.authoredOpenAttention(a.ID)
		l.mu.Unlock()
		if !due {
			continue
		}
		if l.emit(a.ID, models.NotifyData{
			NotifyKind: models.NotifyHelpNudge,
			Text:       "your attention requests are going unacknowledged, consider escalating to the user",
			To:         []string{a.ID},
		}, set) {
			l.mu.Lock()
			l.msgsSinceAck[a.ID] = 0
			l.mu.Unlock()
		}
	}
}

// authoredOpenAttention reports whether the actor has any unacked attention
// message outstanding. Caller holds l.mu.
func (l *Loop) authoredOpenAttention(actorID string) bool {
	for _, author := range l.attentionAuthor {
		if author == actorID {
			return true
		}
	}
	return false
}

// emit appends one notification under the per-actor keepalive cap. Returns
// whether it was sent.
func (l *Loop) emit(actorID string, data models.NotifyData, set config.AutomationSettings) bool {
	l.mu.Lock()
	if set.KeepaliveMaxPerActor > 0 && l.notifySent[actorID] >= set.KeepaliveMaxPerActor {
		l.mu.Unlock()
		return false
	}
	if set.KeepaliveDelay > 0 && time.Since(l.lastNotifyAt[actorID]) < set.KeepaliveDelay {
		l.mu.Unlock()
		return false
	}
	l.mu.Unlock()

	if _, err := l.opts.Notify(data); err != nil {
		slog.Error("Automation notify failed",
			"group_id", l.opts.GroupID, "kind", data.NotifyKind, "actor_id", actorID, "error", err)
		return false
	}
	l.mu.Lock()
	l.notifySent[actorID]++
	l.lastNotifyAt[actorID] = time.Now()
	l.mu.Unlock()
	return true
}

// oldestUnread returns the oldest unread chat.message addressed to the
// actor, if any.
func (l *Loop) oldestUnread(actorID string, actors []models.ActorView) (*models.Event, bool) {
	var since string
	if cur, ok := l.opts.Engine.Cursor(actorID); ok {
		since = cur.LastReadEventID
	}
	tail, err := l.opts.Tail(ledger.TailQuery{
		SinceEventID: since,
		Kinds:        []string{models.KindChatMessage},
	})
	if err != nil {
		slog.Error("Unread scan failed", "group_id", l.opts.GroupID, "actor_id", actorID, "error", err)
		return nil, false
	}
	for _, ev := range tail {
		if inbox.AddressedTo(ev, actorID, actors) {
			return ev, true
		}
	}
	return nil, false
}
