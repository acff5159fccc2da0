package daemon

import (
	"context"
	"time"

	"github.com/cccc-dev/cccc/pkg/bus"
	"github.com/cccc-dev/cccc/pkg/ipc"
	"github.com/cccc-dev/cccc/pkg/kernel"
	"github.com/cccc-dev/cccc/pkg/ledger"
)

// opEventsStream upgrades the connection to a push stream of ledger
// events. Resume via since_event_id is best-effort: the subscription opens
// first, the tail replays second, and anything at or before the last
// replayed id is skipped from the live feed.
func (d *Daemon) opEventsStream(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
	var args struct {
		GroupID      string   `json:"group_id"`
		Kinds        []string `json:"kinds,omitempty"`
		SinceEventID string   `json:"since_event_id,omitempty"`
	}
	if err := req.DecodeArgs(&args); err != nil {
		return nil, err
	}
	rt, err := d.Group(args.GroupID)
	if err != nil {
		return nil, err
	}

	c.Hijack()
	sub := d.bus.Subscribe("stream:"+args.GroupID, bus.Filter{
		GroupID: args.GroupID,
		Kinds:   args.Kinds,
	})
	defer d.bus.Unsubscribe(sub)

	if err := c.Reply(map[string]any{
		"streaming":     true,
		"last_event_id": rt.store.LastID(),
	}); err != nil {
		return nil, nil
	}

	lastSent := ""
	if args.SinceEventID != "" {
		tail, err := rt.store.Tail(ledger.TailQuery{
			SinceEventID: args.SinceEventID,
			Kinds:        args.Kinds,
		})
		if err != nil {
			return nil, nil
		}
		for _, ev := range tail {
			if err := c.WriteFrame(ipc.StreamFrame{T: ipc.FrameEvent, Event: ev}); err != nil {
				return nil, nil
			}
			lastSent = ev.ID
		}
	}

	heartbeat := time.NewTicker(ipc.HeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case <-heartbeat.C:
			if err := c.WriteFrame(ipc.StreamFrame{T: ipc.FrameHeartbeat}); err != nil {
				return nil, nil
			}
		case ev, ok := <-sub.Events():
			if !ok {
				// Dropped as a slow subscriber; the client reconnects and
				// reconciles from the ledger tail.
				return nil, nil
			}
			if lastSent != "" && ev.ID <= lastSent {
				continue
			}
			if err := c.WriteFrame(ipc.StreamFrame{T: ipc.FrameEvent, Event: ev}); err != nil {
				return nil, nil
			}
		}
	}
}

// opTermAttach upgrades the connection to a raw bidirectional terminal
// stream: replay buffer contents first, then live output, with client
// bytes written straight into the session.
func (d *Daemon) opTermAttach(ctx context.Context, req *ipc.Request, c *ipc.Conn) (any, error) {
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
	replay, err := rt.sup.Replay(args.ActorID)
	if err != nil {
		return nil, err
	}
	done, err := rt.sup.SessionDone(args.ActorID)
	if err != nil {
		return nil, err
	}

	c.Hijack()
	if err := c.Reply(map[string]bool{"attached": true}); err != nil {
		return nil, nil
	}

	snapshot, offset := replay.Snapshot()
	if len(snapshot) > 0 {
		if _, err := c.Raw().Write(snapshot); err != nil {
			return nil, nil
		}
	}

	// Client keystrokes go straight to the session. The goroutine exits
	// when the server closes the connection after this handler returns.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := c.Reader().Read(buf)
			if n > 0 {
				if err := rt.sup.Inject(args.ActorID, buf[:n]); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	cur := replay.NewCursor(offset)
	for {
		data, wait := replay.ReadAfter(cur)
		if data != nil {
			if _, err := c.Raw().Write(data); err != nil {
				return nil, nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-done:
			return nil, nil
		case <-wait:
		}
	}
}
