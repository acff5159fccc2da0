package bridge

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cccc-dev/cccc/pkg/bus"
	"github.com/cccc-dev/cccc/pkg/models"
)

func TestSubscriptionStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridges.json")
	s, err := OpenSubscriptions(path)
	require.NoError(t, err)
	assert.Empty(t, s.List())

	require.NoError(t, s.Subscribe(Subscription{Bridge: "telegram", ChatID: "42"}))
	require.NoError(t, s.Subscribe(Subscription{Bridge: "slack", ChatID: "C1"}))

	// Re-subscribing updates in place.
	require.NoError(t, s.Subscribe(Subscription{
		Bridge: "telegram", ChatID: "42", Kinds: []string{models.KindChatMessage},
	}))

	s2, err := OpenSubscriptions(path)
	require.NoError(t, err)
	subs := s2.List()
	require.Len(t, subs, 2)
	assert.Equal(t, []string{models.KindChatMessage}, subs[0].Kinds)

	require.NoError(t, s2.Unsubscribe("telegram", "42"))
	assert.Len(t, s2.List(), 1)
}

func TestSubscriptionMatch(t *testing.T) {
	s, err := OpenSubscriptions(filepath.Join(t.TempDir(), "bridges.json"))
	require.NoError(t, err)
	require.NoError(t, s.Subscribe(Subscription{Bridge: "telegram", ChatID: "42"}))
	require.NoError(t, s.Subscribe(Subscription{
		Bridge: "telegram", ChatID: "99", Kinds: []string{models.KindSystemNotify},
	}))

	// An empty kinds list matches everything; a filter matches only its kinds.
	chats := s.Match("telegram", models.KindChatMessage)
	require.Len(t, chats, 1)
	assert.Equal(t, "42", chats[0].ChatID)

	assert.Len(t, s.Match("telegram", models.KindSystemNotify), 2)
	assert.Empty(t, s.Match("slack", models.KindChatMessage))
}

type published struct {
	chatID string
	event  *models.Event
}

type fakeBridge struct {
	mu        sync.Mutex
	published []published
	stopped   bool
}

func (f *fakeBridge) Name() string                    { return "fake" }
func (f *fakeBridge) Start(ctx context.Context) error { return nil }

func (f *fakeBridge) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeBridge) Publish(chatID string, ev *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{chatID: chatID, event: ev})
	return nil
}

func (f *fakeBridge) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func TestFanoutForwardsSubscribedChatEvents(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	subs, err := OpenSubscriptions(filepath.Join(t.TempDir(), "bridges.json"))
	require.NoError(t, err)
	require.NoError(t, subs.Subscribe(Subscription{
		Bridge: "fake", ChatID: "42", Kinds: []string{models.KindChatMessage},
	}))

	f := NewFanout("g1", b, subs)
	defer f.Close()
	br := &fakeBridge{}
	require.NoError(t, f.Register(context.Background(), br))

	b.Publish(&models.Event{ID: "01M", Kind: models.KindChatMessage, GroupID: "g1", By: "user"})
	b.Publish(&models.Event{ID: "02N", Kind: models.KindSystemNotify, GroupID: "g1", By: "system"})
	b.Publish(&models.Event{ID: "03M", Kind: models.KindChatMessage, GroupID: "g2", By: "user"})

	deadline := time.Now().Add(2 * time.Second)
	for br.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, br.count(), "only the subscribed kind in the fanout's group is forwarded")
	br.mu.Lock()
	assert.Equal(t, "42", br.published[0].chatID)
	assert.Equal(t, "01M", br.published[0].event.ID)
	br.mu.Unlock()

	f.Unregister("fake")
	br.mu.Lock()
	assert.True(t, br.stopped)
	br.mu.Unlock()
}
