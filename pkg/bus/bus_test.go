package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cccc-dev/cccc/pkg/models"
)

func event(groupID, kind string) *models.Event {
	return &models.Event{V: 1, ID: "01X", Kind: kind, GroupID: groupID, By: "user"}
}

func TestPublishRespectsFilters(t *testing.T) {
	b := New(8)
	defer b.Close()

	all := b.Subscribe("all", Filter{})
	g1 := b.Subscribe("g1", Filter{GroupID: "g1"})
	chats := b.Subscribe("chats", Filter{GroupID: "g1", Kinds: []string{models.KindChatMessage}})

	b.Publish(event("g1", models.KindChatMessage))
	b.Publish(event("g2", models.KindChatMessage))
	b.Publish(event("g1", models.KindSystemNotify))

	assert.Len(t, all.Events(), 3)
	assert.Len(t, g1.Events(), 2)
	require.Len(t, chats.Events(), 1)
	ev := <-chats.Events()
	assert.Equal(t, models.KindChatMessage, ev.Kind)
}

func TestSlowSubscriberDropped(t *testing.T) {
	b := New(2)
	defer b.Close()

	slow := b.Subscribe("slow", Filter{})
	fast := b.Subscribe("fast", Filter{})

	// Publish is synchronous, so each event is in fast's queue before the
	// drain; slow never drains and overflows on the third publish.
	for i := 0; i < 5; i++ {
		b.Publish(event("g1", models.KindChatMessage))
		<-fast.Events()
	}

	// The third publish overflows the buffer of 2 and closes the channel.
	n := 0
	for range slow.Events() {
		n++
	}
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New(4)
	defer b.Close()

	sub := b.Subscribe("s", Filter{})
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	_, open := <-sub.Events()
	assert.False(t, open)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestSubscribeAfterClose(t *testing.T) {
	b := New(4)
	b.Close()
	sub := b.Subscribe("late", Filter{})
	_, open := <-sub.Events()
	assert.False(t, open)
	b.Publish(event("g1", models.KindChatMessage))
}
