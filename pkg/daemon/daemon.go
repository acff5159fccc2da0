package daemon

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cccc-dev/cccc/pkg/bus"
	"github.com/cccc-dev/cccc/pkg/config"
	"github.com/cccc-dev/cccc/pkg/delivery"
	"github.com/cccc-dev/cccc/pkg/home"
	"github.com/cccc-dev/cccc/pkg/kernel"
	"github.com/cccc-dev/cccc/pkg/models"
	"github.com/cccc-dev/cccc/pkg/recipient"
)

// Daemon owns every group runtime, the shared bus, and the periodic
// recovery and compaction work.
type Daemon struct {
	home     *home.Home
	version  string
	registry *Registry
	bus      *bus.Bus

	mu     sync.Mutex
	groups map[string]*groupRuntime

	cancel    context.CancelFunc
	done      chan struct{}
	stopWatch func()

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates a daemon rooted at the runtime home.
func New(h *home.Home, version string) *Daemon {
	return &Daemon{
		home:       h,
		version:    version,
		bus:        bus.New(config.SubscriberBuffer),
		groups:     make(map[string]*groupRuntime),
		shutdownCh: make(chan struct{}),
	}
}

// Bus exposes the shared event bus.
func (d *Daemon) Bus() *bus.Bus { return d.bus }

// Version reports the daemon build version.
func (d *Daemon) Version() string { return d.version }

// ShutdownRequested is closed when a client asks the daemon to exit.
func (d *Daemon) ShutdownRequested() <-chan struct{} { return d.shutdownCh }

// RequestShutdown signals the main loop to exit.
func (d *Daemon) RequestShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// Start loads the registry, recovers every known group, and begins the
// registry watch and the compaction ticker.
func (d *Daemon) Start(ctx context.Context) error {
	reg, err := OpenRegistry(d.home.RegistryFile())
	if err != nil {
		return err
	}
	d.registry = reg

	for _, entry := range reg.List() {
		if err := d.recoverGroup(ctx, entry); err != nil {
			slog.Error("Group recovery failed", "group_id", entry.GroupID, "error", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	stopWatch, err := reg.Watch(ctx, func() { d.adoptNewGroups(ctx) })
	if err != nil {
		slog.Warn("Registry watch unavailable", "error", err)
	} else {
		d.stopWatch = stopWatch
	}

	go d.compactionLoop(ctx)
	slog.Info("Daemon started", "groups", len(reg.List()), "version", d.version)
	return nil
}

// Stop shuts everything down: automation loops, actors (kept marked
// running for the next boot), ledgers, and the bus.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
	if d.stopWatch != nil {
		d.stopWatch()
	}

	d.mu.Lock()
	rts := make([]*groupRuntime, 0, len(d.groups))
	for _, rt := range d.groups {
		rts = append(rts, rt)
	}
	d.groups = make(map[string]*groupRuntime)
	d.mu.Unlock()

	for _, rt := range rts {
		rt.sup.StopAll(models.CauseGroupStop)
		rt.close()
	}
	d.bus.Close()
	slog.Info("Daemon stopped")
}

// recoverGroup opens one group's runtime and, when the group is marked
// running, reconciles orphaned pidfiles and autostarts its actors.
func (d *Daemon) recoverGroup(ctx context.Context, entry RegistryEntry) error {
	g, err := config.LoadGroup(d.home.GroupConfigFile(entry.GroupID))
	if err != nil {
		return err
	}
	rt, err := openRuntime(d.home, d.bus, g)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.groups[g.GroupID] = rt
	d.mu.Unlock()

	if !g.Running {
		return nil
	}
	for _, res := range rt.sup.Reconcile(g) {
		slog.Info("Reconciled orphaned actor process",
			"group_id", g.GroupID, "actor_id", res.ActorID, "pid", res.PID, "action", res.Action)
	}
	d.autostart(ctx, rt)
	return nil
}

// autostart brings a running group's enabled actors up and starts its
// automation loop.
func (d *Daemon) autostart(ctx context.Context, rt *groupRuntime) {
	g := rt.snapshotGroup()
	rt.promoteForemanIfNeeded()
	for _, a := range g.Actors {
		if !a.Enabled {
			continue
		}
		if err := rt.sup.Start(models.BySystem, g, a.ActorID); err != nil {
			slog.Warn("Actor autostart failed",
				"group_id", g.GroupID, "actor_id", a.ActorID, "error", err)
		}
	}
	rt.loop.Start(ctx)
}

// adoptNewGroups opens runtimes for groups that appeared in the registry
// (the CLI fallback writer creates groups while the daemon runs).
func (d *Daemon) adoptNewGroups(ctx context.Context) {
	for _, entry := range d.registry.List() {
		d.mu.Lock()
		_, known := d.groups[entry.GroupID]
		d.mu.Unlock()
		if known {
			continue
		}
		slog.Info("Adopting group from registry", "group_id", entry.GroupID)
		if err := d.recoverGroup(ctx, entry); err != nil {
			slog.Error("Group adoption failed", "group_id", entry.GroupID, "error", err)
		}
	}
}

// compactionLoop evaluates compaction eligibility for every group on a
// fixed interval.
func (d *Daemon) compactionLoop(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(config.CompactionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.Lock()
			rts := make([]*groupRuntime, 0, len(d.groups))
			for _, rt := range d.groups {
				rts = append(rts, rt)
			}
			d.mu.Unlock()
			for _, rt := range rts {
				if _, err := rt.maybeCompact(false); err != nil {
					slog.Warn("Compaction pass failed", "group_id", rt.groupID, "error", err)
				}
			}
		}
	}
}

// Group returns the runtime for a group id.
func (d *Daemon) Group(groupID string) (*groupRuntime, error) {
	if groupID == "" {
		return nil, kernel.New(kernel.CodeMissingGroupID, "group_id is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	rt, ok := d.groups[groupID]
	if !ok {
		return nil, kernel.Newf(kernel.CodeGroupNotFound, "group %s not found", groupID)
	}
	return rt, nil
}

// Groups returns every open runtime.
func (d *Daemon) Groups() []*groupRuntime {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*groupRuntime, 0, len(d.groups))
	for _, rt := range d.groups {
		out = append(out, rt)
	}
	return out
}

// CreateGroup provisions a new group: directory, group.yaml, registry
// entry, runtime, and the group.create event.
func (d *Daemon) CreateGroup(ctx context.Context, groupID, title string) (*models.Group, error) {
	if title == "" {
		return nil, kernel.New(kernel.CodeInvalidRequest, "title is required")
	}
	if groupID == "" {
		groupID = "g-" + strings.ToLower(ulid.Make().String()[:10])
	}
	d.mu.Lock()
	_, exists := d.groups[groupID]
	d.mu.Unlock()
	if exists {
		return nil, kernel.Newf(kernel.CodeInvalidRequest, "group %s already exists", groupID)
	}

	now := time.Now().UTC()
	g := &models.Group{
		GroupID:   groupID,
		Title:     title,
		State:     models.GroupActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := config.SaveGroup(d.home.GroupConfigFile(groupID), g); err != nil {
		return nil, err
	}
	rt, err := openRuntime(d.home, d.bus, g)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.groups[groupID] = rt
	d.mu.Unlock()

	if err := d.registry.Put(RegistryEntry{GroupID: groupID, Title: title, CreatedAt: now}); err != nil {
		return nil, err
	}
	if _, err := rt.appendEvent(models.Event{
		Kind:    models.KindGroupCreate,
		GroupID: groupID,
		By:      models.ByUser,
		Data:    models.MustEncodeData(map[string]string{"title": title}),
	}); err != nil {
		return nil, err
	}
	slog.Info("Group created", "group_id", groupID, "title", title)
	return g, nil
}

// DeleteGroup destroys a group after an explicit confirmation matching the
// group id. Everything under the group directory is removed.
func (d *Daemon) DeleteGroup(groupID, confirm string) error {
	rt, err := d.Group(groupID)
	if err != nil {
		return err
	}
	if confirm != groupID {
		return kernel.New(kernel.CodePermissionDenied,
			"group_delete requires confirm equal to the group id")
	}

	rt.sup.StopAll(models.CauseGroupStop)
	rt.loop.Stop()
	if _, err := rt.appendEvent(models.Event{
		Kind:    models.KindGroupDelete,
		GroupID: groupID,
		By:      models.ByUser,
	}); err != nil {
		slog.Warn("Final group.delete append failed", "group_id", groupID, "error", err)
	}

	d.mu.Lock()
	delete(d.groups, groupID)
	d.mu.Unlock()
	rt.close()

	if err := d.registry.Remove(groupID); err != nil {
		return err
	}
	if err := os.RemoveAll(d.home.GroupDir(groupID)); err != nil {
		return kernel.Newf(kernel.CodeResourceError, "remove group dir: %v", err)
	}
	slog.Info("Group deleted", "group_id", groupID)
	return nil
}

// StartGroup marks the group running and brings its actors up.
func (d *Daemon) StartGroup(ctx context.Context, groupID string) error {
	rt, err := d.Group(groupID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	rt.group.Running = true
	rt.mu.Unlock()
	if err := rt.saveGroup(); err != nil {
		return err
	}
	d.autostart(ctx, rt)
	return nil
}

// StopGroup stops every actor and clears the running flag.
func (d *Daemon) StopGroup(groupID string) error {
	rt, err := d.Group(groupID)
	if err != nil {
		return err
	}
	rt.loop.Stop()
	rt.sup.StopAll(models.CauseGroupStop)
	rt.mu.Lock()
	rt.group.Running = false
	rt.mu.Unlock()
	return rt.saveGroup()
}

// RelayResult reports the two sides of a cross-group send.
type RelayResult struct {
	SrcEvent *models.Event `json:"src_event"`
	DstEvent *models.Event `json:"dst_event"`
}

// Relay appends an outbound record in the source group and the relayed
// message in the destination group, with provenance linking the two. There
// is no cross-group ordering; the provenance pair is the only correlation.
func (d *Daemon) Relay(srcGroupID, dstGroupID, by, text string, dstTo []string) (*RelayResult, error) {
	src, err := d.Group(srcGroupID)
	if err != nil {
		return nil, err
	}
	dst, err := d.Group(dstGroupID)
	if err != nil {
		return nil, err
	}
	if by == "" {
		by = models.ByUser
	}

	srcRes, err := src.pipeline.Send(delivery.SendArgs{
		By:         by,
		Text:       text,
		To:         []string{recipient.TokenUser},
		DstGroupID: dstGroupID,
		DstTo:      dstTo,
	})
	if err != nil {
		return nil, err
	}
	dstRes, err := dst.pipeline.Send(delivery.SendArgs{
		By:         by,
		Text:       text,
		To:         dstTo,
		SrcGroupID: srcGroupID,
		SrcEventID: srcRes.Event.ID,
	})
	if err != nil {
		return nil, err
	}
	return &RelayResult{SrcEvent: srcRes.Event, DstEvent: dstRes.Event}, nil
}

// ActorLifecycle dispatches a lifecycle op against one actor, enforcing
// the permission rules in one place.
func (d *Daemon) ActorLifecycle(op, groupID, actorID, by string) error {
	rt, err := d.Group(groupID)
	if err != nil {
		return err
	}
	if actorID == "" {
		return kernel.New(kernel.CodeMissingActorID, "actor_id is required")
	}
	if by == "" {
		by = models.ByUser
	}
	g := rt.snapshotGroup()
	switch op {
	case "actor_start":
		return rt.sup.Start(by, g, actorID)
	case "actor_stop":
		return rt.sup.Stop(by, g, actorID, models.CauseUser)
	case "actor_restart":
		return rt.sup.Restart(by, g, actorID, models.CauseUser)
	default:
		return kernel.Newf(kernel.CodeUnknownOp, "unknown lifecycle op %q", op)
	}
}
