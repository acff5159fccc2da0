package inbox

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cccc-dev/cccc/pkg/models"
	"github.com/cccc-dev/cccc/pkg/recipient"
)

func testEngine(t *testing.T) (*Engine, string, string) {
	t.Helper()
	dir := t.TempDir()
	cursors := filepath.Join(dir, "cursors.json")
	attention := filepath.Join(dir, "attention.json")
	e, err := Open("g1", cursors, attention)
	require.NoError(t, err)
	return e, cursors, attention
}

var testActors = []models.ActorView{
	{ID: "fox", Role: models.RoleForeman, Enabled: true, Running: true},
	{ID: "owl", Role: models.RolePeer, Enabled: true, Running: true},
}

func attentionMessage(id, by string, to ...string) *models.Event {
	return &models.Event{
		ID: id, TS: time.Now().UTC(), Kind: models.KindChatMessage, GroupID: "g1", By: by,
		Data: models.MustEncodeData(models.ChatMessageData{
			Text: "look", To: to, Priority: models.PriorityAttention,
		}),
	}
}

func readEvent(id, actorID, eventID string) *models.Event {
	return &models.Event{
		ID: id, TS: time.Now().UTC(), Kind: models.KindChatRead, GroupID: "g1", By: actorID,
		Data: models.MustEncodeData(models.ChatReadData{ActorID: actorID, EventID: eventID}),
	}
}

func TestWatermarkMonotonic(t *testing.T) {
	e, _, _ := testEngine(t)

	e.Observe(readEvent("03R", "fox", "02M"), recipient.Resolution{})
	cur, ok := e.Cursor("fox")
	require.True(t, ok)
	assert.Equal(t, "02M", cur.LastReadEventID)

	// Reading an older event never regresses the cursor.
	e.Observe(readEvent("04R", "fox", "01M"), recipient.Resolution{})
	cur, _ = e.Cursor("fox")
	assert.Equal(t, "02M", cur.LastReadEventID)

	assert.True(t, e.IsRead("fox", "01M"))
	assert.True(t, e.IsRead("fox", "02M"))
	assert.False(t, e.IsRead("fox", "03M"))
	assert.False(t, e.IsRead("owl", "01M"))
}

func TestAttentionOpenAndAck(t *testing.T) {
	e, _, _ := testEngine(t)

	msg := attentionMessage("01A", "user", "@foreman")
	e.Observe(msg, recipient.Resolve([]string{"@foreman"}, testActors, "user"))
	assert.True(t, e.IsAttentionOpen("fox", "01A"))
	assert.False(t, e.IsAttentionOpen("owl", "01A"))

	// Reading does not clear attention.
	e.Observe(readEvent("02R", "fox", "01A"), recipient.Resolution{})
	assert.True(t, e.IsAttentionOpen("fox", "01A"))

	ack := &models.Event{
		ID: "03K", TS: time.Now().UTC(), Kind: models.KindChatAck, GroupID: "g1", By: "fox",
		Data: models.MustEncodeData(models.ChatAckData{ActorID: "fox", EventID: "01A"}),
	}
	e.Observe(ack, recipient.Resolution{})
	assert.False(t, e.IsAttentionOpen("fox", "01A"))
	assert.Empty(t, e.OpenAttention("fox"))
}

func TestAttentionWithNoRecipientsCreatesNoState(t *testing.T) {
	e, _, _ := testEngine(t)
	// Attention addressed only to the user: nothing for any actor to ack.
	msg := attentionMessage("01A", "fox", "user")
	e.Observe(msg, recipient.Resolve([]string{"user"}, testActors, "fox"))
	assert.Empty(t, e.OpenAttention("fox"))
	assert.Empty(t, e.OpenAttention("owl"))
}

func TestNotifyRequiresAck(t *testing.T) {
	e, _, _ := testEngine(t)
	notify := &models.Event{
		ID: "01N", TS: time.Now().UTC(), Kind: models.KindSystemNotify, GroupID: "g1", By: "system",
		Data: models.MustEncodeData(models.NotifyData{
			NotifyKind: models.NotifySelfCheck, Text: "check", To: []string{"owl"}, RequiresAck: true,
		}),
	}
	e.Observe(notify, recipient.Resolve([]string{"owl"}, testActors, "system"))
	require.True(t, e.IsAttentionOpen("owl", "01N"))

	ack := &models.Event{
		ID: "02K", TS: time.Now().UTC(), Kind: models.KindSystemNotifyAck, GroupID: "g1", By: "owl",
		Data: models.MustEncodeData(models.NotifyAckData{ActorID: "owl", EventID: "01N"}),
	}
	e.Observe(ack, recipient.Resolution{})
	assert.False(t, e.IsAttentionOpen("owl", "01N"))
}

func TestStateSurvivesReopen(t *testing.T) {
	e, cursors, attention := testEngine(t)
	e.Observe(attentionMessage("01A", "user", "owl"),
		recipient.Resolve([]string{"owl"}, testActors, "user"))
	e.Observe(readEvent("02R", "fox", "01A"), recipient.Resolution{})

	e2, err := Open("g1", cursors, attention)
	require.NoError(t, err)
	assert.True(t, e2.IsAttentionOpen("owl", "01A"))
	cur, ok := e2.Cursor("fox")
	require.True(t, ok)
	assert.Equal(t, "01A", cur.LastReadEventID)
}

func TestSafeWatermark(t *testing.T) {
	e, _, _ := testEngine(t)
	e.Observe(readEvent("10R", "fox", "07M"), recipient.Resolution{})

	// Any principal without a cursor blocks the watermark.
	_, ok := e.SafeWatermark([]string{"fox", "owl"})
	assert.False(t, ok)

	e.Observe(readEvent("11R", "owl", "05M"), recipient.Resolution{})
	wm, ok := e.SafeWatermark([]string{"fox", "owl"})
	require.True(t, ok)
	assert.Equal(t, "05M", wm)
}

func TestActorRemoveDropsState(t *testing.T) {
	e, _, _ := testEngine(t)
	e.Observe(attentionMessage("01A", "user", "owl"),
		recipient.Resolve([]string{"owl"}, testActors, "user"))
	e.Observe(readEvent("02R", "owl", "01A"), recipient.Resolution{})

	remove := &models.Event{
		ID: "03X", TS: time.Now().UTC(), Kind: models.KindActorRemove, GroupID: "g1", By: "user",
		Data: models.MustEncodeData(map[string]string{"actor_id": "owl"}),
	}
	e.Observe(remove, recipient.Resolution{})
	assert.Empty(t, e.OpenAttention("owl"))
	_, ok := e.Cursor("owl")
	assert.False(t, ok)
}

func TestAddressedTo(t *testing.T) {
	tests := []struct {
		name      string
		to        []string
		by        string
		principal string
		want      bool
	}{
		{"direct actor", []string{"owl"}, "user", "owl", true},
		{"not addressed", []string{"owl"}, "user", "fox", false},
		{"foreman selector", []string{"@foreman"}, "user", "fox", true},
		{"broadcast includes actor", nil, "user", "owl", true},
		{"broadcast excludes sender", nil, "owl", "owl", false},
		{"broadcast from actor reaches user", nil, "owl", "user", true},
		{"broadcast from user skips user", nil, "user", "user", false},
		{"explicit user token", []string{"user"}, "owl", "user", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &models.Event{
				ID: "01M", Kind: models.KindChatMessage, GroupID: "g1", By: tt.by,
				Data: models.MustEncodeData(models.ChatMessageData{Text: "hi", To: tt.to}),
			}
			assert.Equal(t, tt.want, AddressedTo(ev, tt.principal, testActors))
		})
	}
}

func TestRebuildAttention(t *testing.T) {
	e, _, _ := testEngine(t)
	events := []*models.Event{
		attentionMessage("01A", "user", "owl"),
		attentionMessage("02A", "user", "fox"),
		{
			ID: "03K", Kind: models.KindChatAck, GroupID: "g1", By: "owl",
			Data: models.MustEncodeData(models.ChatAckData{ActorID: "owl", EventID: "01A"}),
		},
	}
	e.RebuildAttention(events, testActors)
	assert.False(t, e.IsAttentionOpen("owl", "01A"))
	assert.True(t, e.IsAttentionOpen("fox", "02A"))
}
