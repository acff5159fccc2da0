package daemon

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cccc-dev/cccc/pkg/home"
	"github.com/cccc-dev/cccc/pkg/ipc"
	"github.com/cccc-dev/cccc/pkg/kernel"
	"github.com/cccc-dev/cccc/pkg/models"
)

// opsFixture runs the full daemon behind a real socket.
func opsFixture(t *testing.T) *ipc.Client {
	cl, _ := opsFixtureAddr(t)
	return cl
}

func opsFixtureAddr(t *testing.T) (*ipc.Client, string) {
	t.Helper()
	root := t.TempDir()
	h, err := home.Resolve(root)
	require.NoError(t, err)

	d := New(h, "test")
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)

	s := ipc.NewServer(ipc.Options{
		SocketPath: filepath.Join(root, "d.sock"),
		AddrFile:   h.AddrFile(),
		Version:    d.Version(),
	})
	d.RegisterOps(s)
	require.NoError(t, s.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		s.Close()
	})

	cl, err := ipc.DialFile(h.AddrFile())
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl, h.AddrFile()
}

func call(t *testing.T, cl *ipc.Client, op string, args any, out any) {
	t.Helper()
	require.NoError(t, cl.Call(context.Background(), op, args, out))
}

func TestOpsPingAndGroupLifecycle(t *testing.T) {
	cl := opsFixture(t)

	var pong map[string]any
	call(t, cl, "ping", nil, &pong)
	assert.Equal(t, true, pong["pong"])
	assert.Equal(t, "test", pong["version"])

	call(t, cl, "group_create", map[string]string{"group_id": "g1", "title": "wired"}, nil)

	var show GroupView
	call(t, cl, "group_show", map[string]string{"group_id": "g1"}, &show)
	assert.Equal(t, "wired", show.Group.Title)
	assert.Equal(t, models.GroupActive, show.Group.State)

	var groups struct {
		Groups []map[string]any `json:"groups"`
	}
	call(t, cl, "groups", nil, &groups)
	require.Len(t, groups.Groups, 1)

	err := cl.Call(context.Background(), "group_show", map[string]string{"group_id": "nope"}, nil)
	assert.Equal(t, kernel.CodeGroupNotFound, kernel.CodeOf(err))

	err = cl.Call(context.Background(), "group_show", nil, nil)
	assert.Equal(t, kernel.CodeMissingGroupID, kernel.CodeOf(err))
}

func TestOpsActorAndSendFlow(t *testing.T) {
	cl := opsFixture(t)
	call(t, cl, "group_create", map[string]string{"group_id": "g1", "title": "wired"}, nil)
	call(t, cl, "actor_add", map[string]any{
		"group_id": "g1",
		"actor": map[string]any{
			"actor_id": "fox", "title": "Fox", "role": models.RoleForeman,
			"runner": models.RunnerHeadless, "command": []string{"cat"},
		},
	}, nil)

	var actors struct {
		Actors []map[string]any `json:"actors"`
	}
	call(t, cl, "actor_list", map[string]string{"group_id": "g1"}, &actors)
	require.Len(t, actors.Actors, 1)

	var sent struct {
		Event     *models.Event `json:"event"`
		Duplicate bool          `json:"duplicate"`
	}
	call(t, cl, "send", map[string]any{
		"group_id": "g1", "text": "hi fox", "to": []string{"fox"},
		"priority": models.PriorityAttention, "client_id": "c1",
	}, &sent)
	require.NotNil(t, sent.Event)

	// Same client_id dedupes.
	var again struct {
		Event     *models.Event `json:"event"`
		Duplicate bool          `json:"duplicate"`
	}
	call(t, cl, "send", map[string]any{
		"group_id": "g1", "text": "hi fox", "to": []string{"fox"},
		"priority": models.PriorityAttention, "client_id": "c1",
	}, &again)
	assert.True(t, again.Duplicate)
	assert.Equal(t, sent.Event.ID, again.Event.ID)

	var inboxView InboxView
	call(t, cl, "inbox_list", map[string]string{"group_id": "g1", "actor_id": "fox"}, &inboxView)
	require.Len(t, inboxView.Unread, 1)
	require.Len(t, inboxView.Attention, 1)

	var ack AckResult
	call(t, cl, "chat_ack", map[string]string{
		"group_id": "g1", "actor_id": "fox", "event_id": sent.Event.ID,
	}, &ack)
	assert.False(t, ack.Already)

	// Acking by someone the message was not addressed to is denied.
	err := cl.Call(context.Background(), "chat_ack", map[string]string{
		"group_id": "g1", "actor_id": "stranger", "event_id": sent.Event.ID,
	}, nil)
	assert.Error(t, err)

	call(t, cl, "inbox_mark_all_read", map[string]string{"group_id": "g1", "actor_id": "fox"}, nil)
	call(t, cl, "inbox_list", map[string]string{"group_id": "g1", "actor_id": "fox"}, &inboxView)
	assert.Empty(t, inboxView.Unread)
}

func TestOpsEventsStream(t *testing.T) {
	cl, addrFile := opsFixtureAddr(t)
	call(t, cl, "group_create", map[string]string{"group_id": "g1", "title": "wired"}, nil)

	fr, err := cl.Stream(context.Background(), "events_stream", map[string]any{
		"group_id": "g1",
		"kinds":    []string{models.KindChatMessage},
	})
	require.NoError(t, err)

	// A second connection submits while the first streams.
	cl2, err := ipc.DialFile(addrFile)
	require.NoError(t, err)
	defer cl2.Close()
	call(t, cl2, "send", map[string]any{"group_id": "g1", "text": "streamed"}, nil)

	f, err := fr.Next()
	require.NoError(t, err)
	for f.T == ipc.FrameHeartbeat {
		f, err = fr.Next()
		require.NoError(t, err)
	}
	require.Equal(t, ipc.FrameEvent, f.T)
	assert.Equal(t, models.KindChatMessage, f.Event.Kind)

	msg, err := f.Event.ChatMessage()
	require.NoError(t, err)
	assert.Equal(t, "streamed", msg.Text)
}

func TestOpsSystemNotifyAndAck(t *testing.T) {
	cl := opsFixture(t)
	call(t, cl, "group_create", map[string]string{"group_id": "g1", "title": "wired"}, nil)
	call(t, cl, "actor_add", map[string]any{
		"group_id": "g1",
		"actor": map[string]any{
			"actor_id": "fox", "role": models.RoleForeman,
			"runner": models.RunnerHeadless, "command": []string{"cat"},
		},
	}, nil)

	var notified struct {
		Event *models.Event `json:"event"`
	}
	call(t, cl, "system_notify", map[string]any{
		"group_id": "g1", "kind": "info", "text": "heads up",
		"to": []string{"fox"}, "requires_ack": true,
	}, &notified)
	require.NotNil(t, notified.Event)

	var ack AckResult
	call(t, cl, "notify_ack", map[string]string{
		"group_id": "g1", "actor_id": "fox", "event_id": notified.Event.ID,
	}, &ack)
	assert.False(t, ack.Already)

	call(t, cl, "notify_ack", map[string]string{
		"group_id": "g1", "actor_id": "fox", "event_id": notified.Event.ID,
	}, &ack)
	assert.True(t, ack.Already)
}

func TestOpsBridgeSubscriptions(t *testing.T) {
	cl := opsFixture(t)
	call(t, cl, "group_create", map[string]string{"group_id": "g1", "title": "wired"}, nil)

	call(t, cl, "bridge_subscribe", map[string]any{
		"group_id": "g1", "bridge": "telegram", "chat_id": "42",
		"kinds": []string{models.KindChatMessage},
	}, nil)

	var listed struct {
		Subscriptions []map[string]any `json:"subscriptions"`
	}
	call(t, cl, "bridge_subscriptions", map[string]string{"group_id": "g1"}, &listed)
	require.Len(t, listed.Subscriptions, 1)
	assert.Equal(t, "telegram", listed.Subscriptions[0]["bridge"])
	assert.Equal(t, "42", listed.Subscriptions[0]["chat_id"])

	err := cl.Call(context.Background(), "bridge_subscribe",
		map[string]string{"group_id": "g1"}, nil)
	assert.Equal(t, kernel.CodeInvalidRequest, kernel.CodeOf(err))

	call(t, cl, "bridge_unsubscribe", map[string]string{
		"group_id": "g1", "bridge": "telegram", "chat_id": "42",
	}, nil)
	call(t, cl, "bridge_subscriptions", map[string]string{"group_id": "g1"}, &listed)
	assert.Empty(t, listed.Subscriptions)
}

func TestOpsEnvPrivate(t *testing.T) {
	cl := opsFixture(t)
	call(t, cl, "group_create", map[string]string{"group_id": "g1", "title": "wired"}, nil)
	call(t, cl, "actor_add", map[string]any{
		"group_id": "g1",
		"actor": map[string]any{
			"actor_id": "fox", "role": models.RoleForeman,
			"runner": models.RunnerHeadless, "command": []string{"cat"},
		},
	}, nil)

	var res struct {
		Keys []string `json:"keys"`
	}
	call(t, cl, "actor_env_private_update", map[string]any{
		"group_id": "g1", "actor_id": "fox",
		"set": map[string]string{"API_KEY": "sekret", "TOKEN": "t"},
	}, &res)
	assert.Equal(t, []string{"API_KEY", "TOKEN"}, res.Keys)

	// Only key names come back, never values.
	call(t, cl, "actor_env_private_get_keys", map[string]string{
		"group_id": "g1", "actor_id": "fox",
	}, &res)
	assert.Equal(t, []string{"API_KEY", "TOKEN"}, res.Keys)

	call(t, cl, "actor_env_private_update", map[string]any{
		"group_id": "g1", "actor_id": "fox", "unset": []string{"API_KEY"},
	}, &res)
	assert.Equal(t, []string{"TOKEN"}, res.Keys)
}
