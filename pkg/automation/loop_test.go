package automation

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cccc-dev/cccc/pkg/config"
	"github.com/cccc-dev/cccc/pkg/inbox"
	"github.com/cccc-dev/cccc/pkg/ledger"
	"github.com/cccc-dev/cccc/pkg/models"
	"github.com/cccc-dev/cccc/pkg/recipient"
)

type notifyLog struct {
	mu      sync.Mutex
	notices []models.NotifyData
}

func (n *notifyLog) notify(data models.NotifyData) (*models.Event, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, data)
	return &models.Event{ID: "01N", Kind: models.KindSystemNotify}, nil
}

func (n *notifyLog) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.notices))
	for i, d := range n.notices {
		out[i] = d.NotifyKind
	}
	return out
}

type loopFixture struct {
	loop     *Loop
	notices  *notifyLog
	events   []*models.Event
	state    string
	settings config.AutomationSettings
	output   map[string]time.Time
}

var loopActors = []models.ActorView{
	{ID: "fox", Role: models.RoleForeman, Enabled: true, Running: true},
	{ID: "owl", Role: models.RolePeer, Enabled: true, Running: true},
}

func newFixture(t *testing.T) *loopFixture {
	t.Helper()
	dir := t.TempDir()
	engine, err := inbox.Open("g1",
		filepath.Join(dir, "cursors.json"), filepath.Join(dir, "attention.json"))
	require.NoError(t, err)

	f := &loopFixture{
		notices: &notifyLog{},
		state:   models.GroupActive,
		output:  make(map[string]time.Time),
		settings: config.AutomationSettings{
			NudgeAfter:                   10 * time.Second,
			ActorIdleTimeout:             30 * time.Second,
			SilenceTimeout:               time.Minute,
			SelfCheckEveryHandoffs:       3,
			SystemRefreshEverySelfChecks: 2,
			HelpNudgeMinMessages:         2,
			KeepaliveMaxPerActor:         5,
		},
	}
	f.loop = New(Options{
		GroupID:    "g1",
		Settings:   func() config.AutomationSettings { return f.settings },
		GroupState: func() string { return f.state },
		Actors:     func() []models.ActorView { return loopActors },
		Engine:     engine,
		Tail: func(q ledger.TailQuery) ([]*models.Event, error) {
			var out []*models.Event
			for _, ev := range f.events {
				if q.SinceEventID != "" && ev.ID <= q.SinceEventID {
					continue
				}
				if len(q.Kinds) > 0 && ev.Kind != q.Kinds[0] {
					continue
				}
				out = append(out, ev)
			}
			return out, nil
		},
		Notify: f.notices.notify,
		LastOutputAt: func(actorID string) time.Time {
			return f.output[actorID]
		},
	})
	return f
}

func (f *loopFixture) addChat(id, by string, age time.Duration, to ...string) {
	ev := &models.Event{
		ID: id, TS: time.Now().Add(-age), Kind: models.KindChatMessage, GroupID: "g1", By: by,
		Data: models.MustEncodeData(models.ChatMessageData{Text: "m", To: to}),
	}
	f.events = append(f.events, ev)
	f.loop.ObserveEvent(ev)
}

func TestNudgeOnStaleUnread(t *testing.T) {
	f := newFixture(t)
	f.addChat("01M", "user", 30*time.Second, "owl")

	f.loop.tick()
	kinds := f.notices.kinds()
	require.Contains(t, kinds, models.NotifyNudge)

	// The nudge is suppressed while the previous one is fresh.
	before := len(f.notices.kinds())
	f.loop.tick()
	assert.Equal(t, before, len(f.notices.kinds()))
}

func TestNoNudgeForFreshMessages(t *testing.T) {
	f := newFixture(t)
	f.addChat("01M", "user", time.Second, "owl")
	f.loop.tick()
	assert.NotContains(t, f.notices.kinds(), models.NotifyNudge)
}

func TestPausedAndIdleSuppressAutomation(t *testing.T) {
	f := newFixture(t)
	f.addChat("01M", "user", 30*time.Second, "owl")

	f.state = models.GroupPaused
	f.loop.tick()
	assert.Empty(t, f.notices.kinds())

	f.state = models.GroupIdle
	f.loop.tick()
	assert.Empty(t, f.notices.kinds())
}

func TestActorIdleNotifiesForeman(t *testing.T) {
	f := newFixture(t)
	f.addChat("01M", "user", 5*time.Second, "owl")
	f.output["owl"] = time.Now().Add(-time.Minute)
	f.output["fox"] = time.Now()

	f.loop.tick()

	var idle *models.NotifyData
	f.notices.mu.Lock()
	for i := range f.notices.notices {
		if f.notices.notices[i].NotifyKind == models.NotifyActorIdle {
			idle = &f.notices.notices[i]
		}
	}
	f.notices.mu.Unlock()
	require.NotNil(t, idle)
	assert.Equal(t, []string{"fox"}, idle.To)
}

func TestSilenceCheck(t *testing.T) {
	f := newFixture(t)
	f.loop.mu.Lock()
	f.loop.lastChatAt = time.Now().Add(-2 * time.Minute)
	f.loop.mu.Unlock()

	f.loop.tick()
	require.Contains(t, f.notices.kinds(), models.NotifySilenceCheck)

	var silence models.NotifyData
	f.notices.mu.Lock()
	for _, d := range f.notices.notices {
		if d.NotifyKind == models.NotifySilenceCheck {
			silence = d
		}
	}
	f.notices.mu.Unlock()
	assert.Equal(t, []string{recipient.SelAll}, silence.To)

	// Only one silence check per timeout window.
	before := len(f.notices.kinds())
	f.loop.tick()
	assert.Equal(t, before, len(f.notices.kinds()))
}

func TestSelfCheckEveryNHandoffs(t *testing.T) {
	f := newFixture(t)
	for i, id := range []string{"01M", "02M", "03M"} {
		f.addChat(id, "user", time.Duration(i)*time.Millisecond, "owl")
	}

	f.loop.tick()
	kinds := f.notices.kinds()
	assert.Contains(t, kinds, models.NotifySelfCheck)

	// Handoff counter reset: three more messages, second self-check becomes
	// a system refresh (every 2nd).
	for _, id := range []string{"04M", "05M", "06M"} {
		f.addChat(id, "user", 0, "owl")
	}
	f.loop.tick()
	assert.Contains(t, f.notices.kinds(), models.NotifySystemRefresh)
}

func TestHelpNudgeForUnackedAttention(t *testing.T) {
	f := newFixture(t)

	// owl raises attention, then keeps talking with no ack from anyone.
	att := &models.Event{
		ID: "01A", TS: time.Now(), Kind: models.KindChatMessage, GroupID: "g1", By: "owl",
		Data: models.MustEncodeData(models.ChatMessageData{
			Text: "blocked on review", To: []string{"fox"}, Priority: models.PriorityAttention,
		}),
	}
	f.events = append(f.events, att)
	f.loop.ObserveEvent(att)
	f.addChat("02M", "owl", 0, "fox")

	f.loop.tick()
	assert.Contains(t, f.notices.kinds(), models.NotifyHelpNudge)

	// An ack resets the counter and closes the authored-attention gate.
	ack := &models.Event{
		ID: "03K", TS: time.Now(), Kind: models.KindChatAck, GroupID: "g1", By: "fox",
		Data: models.MustEncodeData(models.ChatAckData{ActorID: "fox", EventID: "01A"}),
	}
	f.loop.ObserveEvent(ack)
	f.addChat("04M", "owl", 0, "fox")
	f.addChat("05M", "owl", 0, "fox")

	before := countKind(f.notices.kinds(), models.NotifyHelpNudge)
	f.loop.tick()
	assert.Equal(t, before, countKind(f.notices.kinds(), models.NotifyHelpNudge))
}

func TestKeepaliveCap(t *testing.T) {
	f := newFixture(t)
	f.settings.KeepaliveMaxPerActor = 1
	f.addChat("01M", "user", 30*time.Second, "owl")

	f.loop.tick()
	require.Contains(t, f.notices.kinds(), models.NotifyNudge)

	// Force another nudge opportunity; the cap blocks it.
	f.loop.mu.Lock()
	f.loop.lastNudgeAt = make(map[string]time.Time)
	f.loop.mu.Unlock()
	before := len(f.notices.kinds())
	f.loop.tick()
	assert.Equal(t, before, len(f.notices.kinds()))

	// The actor speaking resets its budget.
	f.addChat("02M", "owl", 0, "fox")
	f.loop.mu.Lock()
	f.loop.lastNudgeAt = make(map[string]time.Time)
	f.loop.mu.Unlock()
	f.loop.tick()
	assert.Greater(t, len(f.notices.kinds()), before)
}

func countKind(kinds []string, kind string) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}
