// Package supervisor owns actor child processes for one group: spawn and
// reap, pidfile crash recovery, foreman election, and the permission rules
// on actor state changes.
package supervisor

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cccc-dev/cccc/pkg/kernel"
	"github.com/cccc-dev/cccc/pkg/models"
)

// AppendFunc writes one event to the group's ledger through the group
// runtime, which also fans it out.
type AppendFunc func(models.Event) (*models.Event, error)

// Options configures a Supervisor.
type Options struct {
	GroupID    string
	PidfileDir string
	Secrets    *SecretStore
	Append     AppendFunc

	// OnStart runs after an actor reaches running, off the supervisor lock.
	// The delivery pipeline uses it to inject the unread preamble.
	OnStart func(actorID string)

	ReplaySize int
	StopGrace  time.Duration
}

// Supervisor manages one group's actor sessions.
type Supervisor struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*actorSession
}

type actorSession struct {
	actorID   string
	session   Session
	replay    *ReplayBuffer
	argvHash  string
	startedAt time.Time

	mu         sync.Mutex
	stopCause  string // set before a deliberate stop; empty means crash
	lastOutput time.Time
}

// outputWriter feeds the replay buffer and stamps the idle clock.
type outputWriter struct {
	as *actorSession
}

func (w outputWriter) Write(p []byte) (int, error) {
	w.as.mu.Lock()
	w.as.lastOutput = time.Now()
	w.as.mu.Unlock()
	return w.as.replay.Write(p)
}

// New returns a supervisor for one group.
func New(opts Options) *Supervisor {
	if opts.StopGrace <= 0 {
		opts.StopGrace = 3 * time.Second
	}
	if opts.PidfileDir != "" {
		if err := os.MkdirAll(opts.PidfileDir, 0o755); err != nil {
			slog.Error("Create pidfile dir failed", "dir", opts.PidfileDir, "error", err)
		}
	}
	return &Supervisor{opts: opts, sessions: make(map[string]*actorSession)}
}

// CheckPermission enforces who may change actor state. op is the IPC
// operation name; by is the requesting principal.
func CheckPermission(op, by string, group *models.Group, targetID string) error {
	if by == models.ByUser || by == models.BySystem {
		return nil
	}
	actor := group.ActorByID(by)
	isForeman := actor != nil && actor.Role == models.RoleForeman

	switch op {
	case "actor_add", "actor_update":
		if isForeman {
			return nil
		}
	case "actor_start", "actor_stop", "actor_restart":
		if isForeman || by == targetID {
			return nil
		}
	case "actor_remove":
		if by == targetID {
			return nil
		}
		if isForeman {
			target := group.ActorByID(targetID)
			if target != nil && target.Role != models.RoleForeman {
				return nil
			}
			return kernel.New(kernel.CodePermissionDenied, "foreman cannot remove the foreman")
		}
	default:
		return nil
	}
	return kernel.Newf(kernel.CodePermissionDenied, "%s is not allowed to %s", by, op)
}

// Start spawns the actor's child process and appends actor.start. Starting
// a running actor is an idempotent success.
func (s *Supervisor) Start(by string, group *models.Group, actorID string) error {
	if err := CheckPermission("actor_start", by, group, actorID); err != nil {
		return err
	}
	actor := group.ActorByID(actorID)
	if actor == nil {
		return kernel.Newf(kernel.CodeActorNotFound, "actor %s not found", actorID)
	}
	if !actor.Enabled {
		return kernel.Newf(kernel.CodeInvalidRequest, "actor %s is disabled", actorID)
	}

	scope := group.ActiveScope()
	if actor.DefaultScopeKey != "" {
		if sc := group.ScopeByKey(actor.DefaultScopeKey); sc != nil {
			scope = sc
		}
	}
	if scope == nil || scope.Root == "" {
		return kernel.Newf(kernel.CodeMissingProjectRoot,
			"group %s has no project root for actor %s", group.GroupID, actorID)
	}

	s.mu.Lock()
	if _, running := s.sessions[actorID]; running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	env := os.Environ()
	for k, v := range actor.Env {
		env = append(env, k+"="+v)
	}
	if s.opts.Secrets != nil {
		private, err := s.opts.Secrets.Load(actorID)
		if err != nil {
			return kernel.Newf(kernel.CodeResourceError, "load private env: %v", err)
		}
		for k, v := range private {
			env = append(env, k+"="+v)
		}
	}

	as := &actorSession{
		actorID:   actorID,
		replay:    NewReplayBuffer(s.opts.ReplaySize),
		argvHash:  ArgvHash(actor.Command),
		startedAt: time.Now().UTC(),
	}
	sess, err := startSession(actor.Runner, StartSpec{
		Command: actor.Command,
		Dir:     scope.Root,
		Env:     env,
	}, outputWriter{as})
	if err != nil {
		return err
	}
	as.session = sess

	s.mu.Lock()
	if _, raced := s.sessions[actorID]; raced {
		s.mu.Unlock()
		terminate(sess, s.opts.StopGrace)
		return nil
	}
	s.sessions[actorID] = as
	s.mu.Unlock()

	pidPath := s.pidfilePath(actorID)
	if err := WritePidfile(pidPath, Pidfile{
		PID: sess.PID(), StartedAt: as.startedAt, ArgvHash: as.argvHash,
	}); err != nil {
		slog.Error("Write pidfile failed", "group_id", s.opts.GroupID, "actor_id", actorID, "error", err)
	}

	s.appendLifecycle(models.KindActorStart, actorID, models.CauseUser, sess.PID(), nil)
	slog.Info("Actor started",
		"group_id", s.opts.GroupID, "actor_id", actorID,
		"runner", actor.Runner, "pid", sess.PID())

	go s.reap(as)
	if s.opts.OnStart != nil {
		go s.opts.OnStart(actorID)
	}
	return nil
}

// reap waits for exit, removes the pidfile, and appends actor.exit. Cause
// is crash unless a deliberate stop marked the session first.
func (s *Supervisor) reap(as *actorSession) {
	<-as.session.Done()
	code := as.session.ExitCode()

	as.mu.Lock()
	cause := as.stopCause
	as.mu.Unlock()
	if cause == "" {
		cause = models.CauseCrash
	}

	RemovePidfile(s.pidfilePath(as.actorID))
	s.appendLifecycle(models.KindActorExit, as.actorID, cause, as.session.PID(), &code)

	// Unregister last so Running() flips only after the exit is recorded.
	s.mu.Lock()
	if s.sessions[as.actorID] == as {
		delete(s.sessions, as.actorID)
	}
	s.mu.Unlock()
	slog.Info("Actor exited",
		"group_id", s.opts.GroupID, "actor_id", as.actorID,
		"cause", cause, "exit_code", code)
}

// Stop terminates the actor's session. Stopping a stopped actor is an
// idempotent success.
func (s *Supervisor) Stop(by string, group *models.Group, actorID, cause string) error {
	if err := CheckPermission("actor_stop", by, group, actorID); err != nil {
		return err
	}
	if group.ActorByID(actorID) == nil {
		return kernel.Newf(kernel.CodeActorNotFound, "actor %s not found", actorID)
	}

	s.mu.Lock()
	as := s.sessions[actorID]
	s.mu.Unlock()
	if as == nil {
		return nil
	}

	as.mu.Lock()
	as.stopCause = cause
	as.mu.Unlock()

	s.appendLifecycle(models.KindActorStop, actorID, cause, as.session.PID(), nil)
	terminate(as.session, s.opts.StopGrace)
	return nil
}

// Restart stops then starts the actor, recording the intent as a single
// actor.restart event (the reaper still records the exit).
func (s *Supervisor) Restart(by string, group *models.Group, actorID, cause string) error {
	if err := CheckPermission("actor_restart", by, group, actorID); err != nil {
		return err
	}
	if group.ActorByID(actorID) == nil {
		return kernel.Newf(kernel.CodeActorNotFound, "actor %s not found", actorID)
	}

	s.appendLifecycle(models.KindActorRestart, actorID, cause, 0, nil)

	s.mu.Lock()
	as := s.sessions[actorID]
	s.mu.Unlock()
	if as != nil {
		as.mu.Lock()
		as.stopCause = cause
		as.mu.Unlock()
		terminate(as.session, s.opts.StopGrace)
	}
	return s.Start(models.BySystem, group, actorID)
}

// StopAll terminates every session, used on group stop and daemon shutdown.
func (s *Supervisor) StopAll(cause string) {
	s.mu.Lock()
	sessions := make([]*actorSession, 0, len(s.sessions))
	for _, as := range s.sessions {
		sessions = append(sessions, as)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, as := range sessions {
		as.mu.Lock()
		as.stopCause = cause
		as.mu.Unlock()
		s.appendLifecycle(models.KindActorStop, as.actorID, cause, as.session.PID(), nil)
		wg.Add(1)
		go func(as *actorSession) {
			defer wg.Done()
			terminate(as.session, s.opts.StopGrace)
		}(as)
	}
	wg.Wait()
}

// Running reports whether the actor has a live session.
func (s *Supervisor) Running(actorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[actorID]
	return ok
}

// RunningIDs returns the actor ids with live sessions.
func (s *Supervisor) RunningIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// Views snapshots the group's actors with live running state, the input to
// recipient resolution.
func (s *Supervisor) Views(group *models.Group) []models.ActorView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ActorView, 0, len(group.Actors))
	for _, a := range group.Actors {
		_, running := s.sessions[a.ActorID]
		out = append(out, a.View(running))
	}
	return out
}

// Inject writes bytes to the actor's stdin or PTY.
func (s *Supervisor) Inject(actorID string, data []byte) error {
	s.mu.Lock()
	as := s.sessions[actorID]
	s.mu.Unlock()
	if as == nil {
		return kernel.Newf(kernel.CodeActorNotRunning, "actor %s is not running", actorID)
	}
	_, err := as.session.Write(data)
	if err != nil {
		return kernel.Newf(kernel.CodeResourceError, "inject to %s: %v", actorID, err)
	}
	return nil
}

// Resize sets the actor's terminal dimensions.
func (s *Supervisor) Resize(actorID string, rows, cols uint16) error {
	s.mu.Lock()
	as := s.sessions[actorID]
	s.mu.Unlock()
	if as == nil {
		return kernel.Newf(kernel.CodeActorNotRunning, "actor %s is not running", actorID)
	}
	return as.session.Resize(rows, cols)
}

// Replay returns the actor's terminal replay buffer. The buffer survives
// only while the session lives.
func (s *Supervisor) Replay(actorID string) (*ReplayBuffer, error) {
	s.mu.Lock()
	as := s.sessions[actorID]
	s.mu.Unlock()
	if as == nil {
		return nil, kernel.Newf(kernel.CodeActorNotRunning, "actor %s is not running", actorID)
	}
	return as.replay, nil
}

// SessionDone returns a channel closed when the actor's session exits.
func (s *Supervisor) SessionDone(actorID string) (<-chan struct{}, error) {
	s.mu.Lock()
	as := s.sessions[actorID]
	s.mu.Unlock()
	if as == nil {
		return nil, kernel.Newf(kernel.CodeActorNotRunning, "actor %s is not running", actorID)
	}
	return as.session.Done(), nil
}

// LastOutputAt returns when the actor last produced terminal output; zero
// when not running.
func (s *Supervisor) LastOutputAt(actorID string) time.Time {
	s.mu.Lock()
	as := s.sessions[actorID]
	s.mu.Unlock()
	if as == nil {
		return time.Time{}
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.lastOutput.IsZero() {
		return as.startedAt
	}
	return as.lastOutput
}

// ReconcileResult reports one pidfile decision at startup.
type ReconcileResult struct {
	ActorID string
	PID     int
	Action  string // "reaped" | "killed" | "stale"
}

// Reconcile scans the group's pidfiles after a daemon restart. The previous
// daemon's PTY masters died with it, so surviving children are unusable:
// matching ones get a graceful terminate, mismatched ones a kill. Autostart
// respawns enabled actors afterwards.
func (s *Supervisor) Reconcile(group *models.Group) []ReconcileResult {
	var out []ReconcileResult
	for _, actor := range group.Actors {
		path := s.pidfilePath(actor.ActorID)
		pf, ok := ReadPidfile(path)
		if !ok {
			continue
		}
		res := ReconcileResult{ActorID: actor.ActorID, PID: pf.PID}
		switch {
		case !ProcessAlive(pf.PID):
			res.Action = "stale"
		case pf.ArgvHash == ArgvHash(actor.Command):
			res.Action = "reaped"
			syscall.Kill(pf.PID, syscall.SIGTERM)
			waitForDeath(pf.PID, s.opts.StopGrace)
		default:
			res.Action = "killed"
			syscall.Kill(pf.PID, syscall.SIGKILL)
			waitForDeath(pf.PID, time.Second)
		}
		RemovePidfile(path)
		s.appendLifecycle(models.KindActorExit, actor.ActorID, models.CauseCrash, pf.PID, nil)
		slog.Info("Reconciled orphan actor process",
			"group_id", s.opts.GroupID, "actor_id", actor.ActorID,
			"pid", pf.PID, "action", res.Action)
		out = append(out, res)
	}
	return out
}

func waitForDeath(pid int, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if !ProcessAlive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	syscall.Kill(pid, syscall.SIGKILL)
}

// ElectForeman returns the actor to auto-promote when the group has no
// enabled foreman, or empty when no promotion is needed. Pure: the caller
// applies the role change under its own lock and records the event.
func ElectForeman(group *models.Group) string {
	for _, a := range group.Actors {
		if a.Enabled && a.Role == models.RoleForeman {
			return ""
		}
	}
	for _, a := range group.Actors {
		if a.Enabled {
			return a.ActorID
		}
	}
	return ""
}

func (s *Supervisor) pidfilePath(actorID string) string {
	return filepath.Join(s.opts.PidfileDir, actorID)
}

func (s *Supervisor) appendLifecycle(kind, actorID, cause string, pid int, exitCode *int) {
	s.append(models.Event{
		Kind:    kind,
		GroupID: s.opts.GroupID,
		By:      models.BySystem,
		Data: models.MustEncodeData(models.LifecycleData{
			ActorID: actorID, Cause: cause, PID: pid, ExitCode: exitCode,
		}),
	})
}

func (s *Supervisor) append(ev models.Event) {
	if s.opts.Append == nil {
		return
	}
	if _, err := s.opts.Append(ev); err != nil {
		slog.Error("Append lifecycle event failed",
			"group_id", s.opts.GroupID, "kind", ev.Kind, "error", err)
	}
}
