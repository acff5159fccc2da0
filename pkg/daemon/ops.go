package daemon

import (
	"context"
	"time"

	"github.com/cccc-dev/cccc/pkg/bridge"
	"github.com/cccc-dev/cccc/pkg/delivery"
	"github.com/cccc-dev/cccc/pkg/ipc"
	"github.com/cccc-dev/cccc/pkg/kernel"
	"github.com/cccc-dev/cccc/pkg/models"
)

// groupArgs carries the fields shared by most ops.
type groupArgs struct {
	GroupID string `json:"group_id"`
	ActorID string `json:"actor_id,omitempty"`
	By      string `json:"by,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// GroupView is the external projection of one group.
type GroupView struct {
	Group       *models.Group `json:"group"`
	Running     []string      `json:"running"`
	LastEventID string        `json:"last_event_id,omitempty"`
	ActiveCount int           `json:"active_count"`
}

func (rt *groupRuntime) view() *GroupView {
	return &GroupView{
		Group:       rt.snapshotGroup(),
		Running:     rt.sup.RunningIDs(),
		LastEventID: rt.store.LastID(),
		ActiveCount: rt.store.ActiveCount(),
	}
}

// RegisterOps installs the full operation catalog on the IPC server.
func (d *Daemon) RegisterOps(s *ipc.Server) {
	// Core.
	s.Register("ping", d.opPing)
	s.Register("shutdown", d.opShutdown)

	// Groups.
	s.Register("groups", d.opGroups)
	s.Register("group_show", d.opGroupShow)
	s.Register("group_create", d.opGroupCreate)
	s.Register("group_update", d.opGroupUpdate)
	s.Register("group_delete", d.opGroupDelete)
	s.Register("group_use", d.opGroupUse)
	s.Register("group_start", d.opGroupStart)
	s.Register("group_stop", d.opGroupStop)
	s.Register("group_set_state", d.opGroupSetState)
	s.Register("attach", d.opGroupShow)

	// Actors.
	s.Register("actor_list", d.opActorList)
	s.Register("actor_add", d.opActorAdd)
	s.Register("actor_update", d.opActorUpdate)
	s.Register("actor_remove", d.opActorRemove)
	s.Register("actor_start", d.opActorLifecycle("actor_start"))
	s.Register("actor_stop", d.opActorLifecycle("actor_stop"))
	s.Register("actor_restart", d.opActorLifecycle("actor_restart"))
	s.Register("actor_env_private_get_keys", d.opEnvPrivateKeys)
	s.Register("actor_env_private_update", d.opEnvPrivateUpdate)

	// Chat.
	s.Register("send", d.opSend)
	s.Register("reply", d.opReply)
	s.Register("send_cross_group", d.opSendCrossGroup)
	s.Register("chat_ack", d.opChatAck)

	// Inbox.
	s.Register("inbox_list", d.opInboxList)
	s.Register("inbox_mark_read", d.opInboxMarkRead)
	s.Register("inbox_mark_all_read", d.opInboxMarkAllRead)

	// System notifications.
	s.Register("system_notify", d.opSystemNotify)
	s.Register("notify_ack", d.opNotifyAck)

	// Streams and terminal control.
	s.RegisterStream("events_stream", d.opEventsStream)
	s.RegisterStream("term_attach", d.opTermAttach)
	s.Register("term_resize", d.opTermResize)
	s.Register("terminal_tail", d.opTerminalTail)
	s.Register("terminal_clear", d.opTerminalClear)

	// Ledger ops.
	s.Register("ledger_snapshot", d.opLedgerSnapshot)
	s.Register("ledger_compact", d.opLedgerCompact)

	// Bridge subscriptions.
	s.Register("bridge_subscriptions", d.opBridgeSubscriptions)
	s.Register("bridge_subscribe", d.opBridgeSubscribe)
	s.Register("bridge_unsubscribe", d.opBridgeUnsubscribe)
}

func (d *Daemon) opPing(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	return map[string]any{"pong": true, "version": d.version, "ts": time.Now().UTC()}, nil
}

func (d *Daemon) opShutdown(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	d.RequestShutdown()
	return map[string]bool{"stopping": true}, nil
}

func (d *Daemon) opGroups(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	type row struct {
		RegistryEntry
		State   string `json:"state"`
		Running bool   `json:"running"`
		Actors  int    `json:"actors"`
	}
	var out []row
	for _, entry := range d.registry.List() {
		r := row{RegistryEntry: entry}
		if rt, err := d.Group(entry.GroupID); err == nil {
			g := rt.snapshotGroup()
			r.State = g.State
			r.Running = g.Running
			r.Actors = len(g.Actors)
			r.Title = g.Title
		}
		out = append(out, r)
	}
	return map[string]any{"groups": out}, nil
}

func (d *Daemon) opGroupShow(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args groupArgs
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	return rt.view(), nil
}

func (d *Daemon) opGroupCreate(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args struct {
		GroupID string `json:"group_id,omitempty"`
		Title   string `json:"title"`
	}
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	g, err := d.CreateGroup(ctx, args.GroupID, args.Title)
	if err != nil {
		return nil, err
	}
	return map[string]any{"group": g}, nil
}

func (d *Daemon) opGroupUpdate(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args struct {
		GroupID  string                `json:"group_id"`
		Title    string                `json:"title,omitempty"`
		Topic    string                `json:"topic,omitempty"`
		Settings *models.GroupSettings `json:"settings,omitempty"`
	}
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	if err := rt.updateGroup(args.Title, args.Topic, args.Settings); err != nil {
		return nil, err
	}
	if args.Title != "" {
		if entry, ok := d.registry.Get(args.GroupID); ok {
			entry.Title = args.Title
			if err := d.registry.Put(entry); err != nil {
				return nil, err
			}
		}
	}
	return rt.view(), nil
}

func (d *Daemon) opGroupDelete(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args struct {
		GroupID string `json:"group_id"`
		Confirm string `json:"confirm"`
	}
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if err := d.DeleteGroup(args.GroupID, args.Confirm); err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": true}, nil
}

func (d *Daemon) opGroupUse(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args struct {
		GroupID  string `json:"group_id"`
		Path     string `json:"path"`
		ScopeKey string `json:"scope_key,omitempty"`
		Label    string `json:"label,omitempty"`
	}
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	scope, err := rt.useScope(args.Path, args.ScopeKey, args.Label)
	if err != nil {
		return nil, err
	}
	return map[string]any{"scope": scope}, nil
}

func (d *Daemon) opGroupStart(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args groupArgs
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if err := d.StartGroup(ctx, args.GroupID); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	return rt.view(), nil
}

func (d *Daemon) opGroupStop(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args groupArgs
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if err := d.StopGroup(args.GroupID); err != nil {
		return nil, err
	}
	return map[string]bool{"stopped": true}, nil
}

func (d *Daemon) opGroupSetState(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args struct {
		GroupID string `json:"group_id"`
		State   string `json:"state"`
	}
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	if err := rt.setState(args.State); err != nil {
		return nil, err
	}
	return map[string]string{"state": args.State}, nil
}

func (d *Daemon) opActorList(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args groupArgs
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	g := rt.snapshotGroup()
	type row struct {
		*models.Actor
		Running bool `json:"running"`
	}
	out := make([]row, 0, len(g.Actors))
	for _, a := range g.Actors {
		out = append(out, row{Actor: a, Running: rt.sup.Running(a.ActorID)})
	}
	return map[string]any{"actors": out}, nil
}

func (d *Daemon) opActorAdd(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args struct {
		GroupID string       `json:"group_id"`
		By      string       `json:"by,omitempty"`
		Actor   models.Actor `json:"actor"`
	}
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	if err := rt.addActor(orUser(args.By), &args.Actor); err != nil {
		return nil, err
	}
	return map[string]any{"actor": &args.Actor}, nil
}

func (d *Daemon) opActorUpdate(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args struct {
		GroupID string     `json:"group_id"`
		By      string     `json:"by,omitempty"`
		ActorID string     `json:"actor_id"`
		Patch   ActorPatch `json:"patch"`
	}
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	actor, err := rt.updateActor(orUser(args.By), args.ActorID, args.Patch)
	if err != nil {
		return nil, err
	}
	return map[string]any{"actor": actor}, nil
}

func (d *Daemon) opActorRemove(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args groupArgs
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	if err := rt.removeActor(orUser(args.By), args.ActorID); err != nil {
		return nil, err
	}
	return map[string]bool{"removed": true}, nil
}

func (d *Daemon) opActorLifecycle(op string) ipc.Handler {
	return func(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
		var args groupArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		if err := d.ActorLifecycle(op, args.GroupID, args.ActorID, args.By); err != nil {
			return nil, err
		}
		rt, err := d.Group(args.GroupID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"running": rt.sup.Running(args.ActorID)}, nil
	}
}

func (d *Daemon) opEnvPrivateKeys(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args groupArgs
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	if args.ActorID == "" {
		return nil, kernel.New(kernel.CodeMissingActorID, "actor_id is required")
	}
	keys, err := rt.secrets.Keys(args.ActorID)
	if err != nil {
		return nil, kernel.Newf(kernel.CodeResourceError, "read private env: %v", err)
	}
	return map[string]any{"keys": keys}, nil
}

func (d *Daemon) opEnvPrivateUpdate(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args struct {
		GroupID string            `json:"group_id"`
		By      string            `json:"by,omitempty"`
		ActorID string            `json:"actor_id"`
		Set     map[string]string `json:"set,omitempty"`
		Unset   []string          `json:"unset,omitempty"`
		Clear   bool              `json:"clear,omitempty"`
	}
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	keys, err := rt.updatePrivateEnv(orUser(args.By), args.ActorID, args.Set, args.Unset, args.Clear)
	if err != nil {
		return nil, err
	}
	return map[string]any{"keys": keys}, nil
}

// sendArgs is the wire shape of send/reply.
type sendArgs struct {
	GroupID     string              `json:"group_id"`
	By          string              `json:"by,omitempty"`
	Text        string              `json:"text"`
	Format      string              `json:"format,omitempty"`
	To          []string            `json:"to,omitempty"`
	ReplyTo     string              `json:"reply_to,omitempty"`
	Priority    string              `json:"priority,omitempty"`
	Path        string              `json:"path,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	ClientID    string              `json:"client_id,omitempty"`
}

func (a *sendArgs) toPipeline() delivery.SendArgs {
	return delivery.SendArgs{
		By:          orUser(a.By),
		Text:        a.Text,
		Format:      a.Format,
		To:          a.To,
		ReplyTo:     a.ReplyTo,
		Priority:    a.Priority,
		Path:        a.Path,
		Attachments: a.Attachments,
		ClientID:    a.ClientID,
	}
}

func (d *Daemon) opSend(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args sendArgs
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	res, err := rt.pipeline.Send(args.toPipeline())
	if err != nil {
		return nil, err
	}
	return map[string]any{"event": res.Event, "duplicate": res.Duplicate}, nil
}

func (d *Daemon) opReply(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args sendArgs
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	res, err := rt.pipeline.Reply(args.toPipeline())
	if err != nil {
		return nil, err
	}
	return map[string]any{"event": res.Event, "duplicate": res.Duplicate}, nil
}

func (d *Daemon) opSendCrossGroup(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args struct {
		GroupID    string   `json:"group_id"`
		DstGroupID string   `json:"dst_group_id"`
		By         string   `json:"by,omitempty"`
		Text       string   `json:"text"`
		DstTo      []string `json:"dst_to,omitempty"`
	}
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if args.DstGroupID == "" {
		return nil, kernel.New(kernel.CodeInvalidRequest, "dst_group_id is required")
	}
	return d.Relay(args.GroupID, args.DstGroupID, args.By, args.Text, args.DstTo)
}

func (d *Daemon) opChatAck(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args groupArgs
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	if args.ActorID == "" || args.EventID == "" {
		return nil, kernel.New(kernel.CodeInvalidRequest, "actor_id and event_id are required")
	}
	return rt.chatAck(args.ActorID, args.EventID)
}

func (d *Daemon) opInboxList(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args struct {
		groupArgs
		Limit int `json:"limit,omitempty"`
	}
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	if args.ActorID == "" {
		return nil, kernel.New(kernel.CodeMissingActorID, "actor_id is required")
	}
	return rt.inboxList(args.ActorID, args.Limit)
}

func (d *Daemon) opInboxMarkRead(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args groupArgs
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	if args.ActorID == "" || args.EventID == "" {
		return nil, kernel.New(kernel.CodeInvalidRequest, "actor_id and event_id are required")
	}
	return rt.markRead(args.ActorID, args.EventID)
}

func (d *Daemon) opInboxMarkAllRead(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args groupArgs
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	if args.ActorID == "" {
		return nil, kernel.New(kernel.CodeMissingActorID, "actor_id is required")
	}
	return rt.markAllRead(args.ActorID)
}

func (d *Daemon) opSystemNotify(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args struct {
		GroupID     string   `json:"group_id"`
		Kind        string   `json:"kind"`
		Text        string   `json:"text"`
		To          []string `json:"to,omitempty"`
		RequiresAck bool     `json:"requires_ack,omitempty"`
	}
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	if args.Kind == "" {
		args.Kind = models.NotifyInfo
	}
	ev, err := rt.pipeline.Notify(models.NotifyData{
		NotifyKind:  args.Kind,
		Text:        args.Text,
		To:          args.To,
		RequiresAck: args.RequiresAck,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"event": ev}, nil
}

func (d *Daemon) opNotifyAck(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args groupArgs
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	if args.ActorID == "" || args.EventID == "" {
		return nil, kernel.New(kernel.CodeInvalidRequest, "actor_id and event_id are required")
	}
	return rt.notifyAck(args.ActorID, args.EventID)
}

func (d *Daemon) opTermResize(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args struct {
		groupArgs
		Rows uint16 `json:"rows"`
		Cols uint16 `json:"cols"`
	}
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	if err := rt.sup.Resize(args.ActorID, args.Rows, args.Cols); err != nil {
		return nil, err
	}
	return map[string]bool{"resized": true}, nil
}

func (d *Daemon) opTerminalTail(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args struct {
		groupArgs
		Bytes int `json:"bytes,omitempty"`
	}
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	replay, err := rt.sup.Replay(args.ActorID)
	if err != nil {
		return nil, err
	}
	n := args.Bytes
	if n <= 0 {
		n = 64 * 1024
	}
	return map[string]string{"data": string(replay.Tail(n))}, nil
}

func (d *Daemon) opTerminalClear(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args groupArgs
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	replay, err := rt.sup.Replay(args.ActorID)
	if err != nil {
		return nil, err
	}
	replay.Clear()
	return map[string]bool{"cleared": true}, nil
}

func (d *Daemon) opLedgerSnapshot(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args groupArgs
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	snap, err := rt.store.WriteSnapshot(rt.snapshotGroup(), rt.engine.Cursors())
	if err != nil {
		return nil, err
	}
	return map[string]any{"snapshot": snap}, nil
}

func (d *Daemon) opLedgerCompact(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args struct {
		GroupID string `json:"group_id"`
		Force   bool   `json:"force,omitempty"`
	}
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	return rt.maybeCompact(args.Force)
}

// bridgeArgs addresses one adapter chat's subscription.
type bridgeArgs struct {
	GroupID string   `json:"group_id"`
	Bridge  string   `json:"bridge"`
	ChatID  string   `json:"chat_id"`
	Kinds   []string `json:"kinds,omitempty"`
}

func (d *Daemon) opBridgeSubscriptions(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args groupArgs
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"subscriptions": rt.subs.List()}, nil
}

func (d *Daemon) opBridgeSubscribe(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args bridgeArgs
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	if args.Bridge == "" || args.ChatID == "" {
		return nil, kernel.New(kernel.CodeInvalidRequest, "bridge and chat_id are required")
	}
	if err := rt.subs.Subscribe(bridge.Subscription{
		Bridge: args.Bridge, ChatID: args.ChatID, Kinds: args.Kinds,
	}); err != nil {
		return nil, kernel.Newf(kernel.CodeResourceError, "save bridge subscriptions: %v", err)
	}
	return map[string]bool{"subscribed": true}, nil
}

func (d *Daemon) opBridgeUnsubscribe(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args bridgeArgs
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}
	if err := rt.subs.Unsubscribe(args.Bridge, args.ChatID); err != nil {
		return nil, kernel.Newf(kernel.CodeResourceError, "save bridge subscriptions: %v", err)
	}
	return map[string]bool{"unsubscribed": true}, nil
}

func orUser(by string) string {
	if by == "" {
		return models.ByUser
	}
	return by
}
