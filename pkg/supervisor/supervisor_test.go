package supervisor

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cccc-dev/cccc/pkg/kernel"
	"github.com/cccc-dev/cccc/pkg/models"
)

func testGroup(root string) *models.Group {
	return &models.Group{
		GroupID:        "g1",
		Scopes:         []models.Scope{{ScopeKey: "main", Root: root}},
		ActiveScopeKey: "main",
		Actors: []*models.Actor{
			{ActorID: "fox", Role: models.RoleForeman, Runner: models.RunnerHeadless,
				Command: []string{"cat"}, Enabled: true},
			{ActorID: "owl", Role: models.RolePeer, Runner: models.RunnerHeadless,
				Command: []string{"cat"}, Enabled: true},
		},
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []models.Event
}

func (l *eventLog) append(ev models.Event) (*models.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return &ev, nil
}

func (l *eventLog) kinds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func testSupervisor(t *testing.T) (*Supervisor, *eventLog, *models.Group) {
	t.Helper()
	dir := t.TempDir()
	log := &eventLog{}
	s := New(Options{
		GroupID:    "g1",
		PidfileDir: filepath.Join(dir, "pidfiles"),
		Secrets:    NewSecretStore(filepath.Join(dir, "secrets")),
		Append:     log.append,
		StopGrace:  2 * time.Second,
	})
	t.Cleanup(func() { s.StopAll(models.CauseGroupStop) })
	return s, log, testGroup(dir)
}

func waitStopped(t *testing.T, s *Supervisor, actorID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.Running(actorID) {
		if time.Now().After(deadline) {
			t.Fatalf("actor %s still running", actorID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	s, log, group := testSupervisor(t)

	require.NoError(t, s.Start(models.ByUser, group, "fox"))
	assert.True(t, s.Running("fox"))

	pf, ok := ReadPidfile(filepath.Join(s.opts.PidfileDir, "fox"))
	require.True(t, ok)
	assert.True(t, ProcessAlive(pf.PID))
	assert.Equal(t, ArgvHash([]string{"cat"}), pf.ArgvHash)

	// Starting again is an idempotent no-op.
	require.NoError(t, s.Start(models.ByUser, group, "fox"))

	require.NoError(t, s.Stop(models.ByUser, group, "fox", models.CauseUser))
	waitStopped(t, s, "fox")

	_, ok = ReadPidfile(filepath.Join(s.opts.PidfileDir, "fox"))
	assert.False(t, ok, "pidfile removed on exit")

	kinds := log.kinds()
	assert.Contains(t, kinds, models.KindActorStart)
	assert.Contains(t, kinds, models.KindActorStop)
	assert.Contains(t, kinds, models.KindActorExit)

	// The exit carries the deliberate cause, not crash.
	for _, ev := range log.events {
		if ev.Kind == models.KindActorExit {
			lc, err := ev.Lifecycle()
			require.NoError(t, err)
			assert.Equal(t, models.CauseUser, lc.Cause)
		}
	}
}

func TestCrashRecordedAsCrash(t *testing.T) {
	s, log, group := testSupervisor(t)
	group.Actors[0].Command = []string{"sleep", "60"}

	require.NoError(t, s.Start(models.ByUser, group, "fox"))
	pf, ok := ReadPidfile(filepath.Join(s.opts.PidfileDir, "fox"))
	require.True(t, ok)

	// Kill behind the supervisor's back.
	proc, err := os.FindProcess(pf.PID)
	require.NoError(t, err)
	require.NoError(t, proc.Kill())
	waitStopped(t, s, "fox")

	var exitCause string
	log.mu.Lock()
	for _, ev := range log.events {
		if ev.Kind == models.KindActorExit {
			lc, _ := ev.Lifecycle()
			exitCause = lc.Cause
		}
	}
	log.mu.Unlock()
	assert.Equal(t, models.CauseCrash, exitCause)
}

func TestInjectAndReplay(t *testing.T) {
	s, _, group := testSupervisor(t)
	require.NoError(t, s.Start(models.ByUser, group, "fox"))

	require.NoError(t, s.Inject("fox", []byte("hello\n")))

	// cat echoes stdin; wait for it to land in the replay buffer.
	deadline := time.Now().Add(5 * time.Second)
	for {
		replay, err := s.Replay("fox")
		require.NoError(t, err)
		if strings.Contains(string(replay.Tail(0)), "hello") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("echoed output never reached the replay buffer")
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, s.LastOutputAt("fox").IsZero())

	err := s.Inject("owl", []byte("x"))
	assert.Equal(t, kernel.CodeActorNotRunning, kernel.CodeOf(err))
}

func TestStartRequiresProjectRoot(t *testing.T) {
	s, _, group := testSupervisor(t)
	group.Scopes = nil
	err := s.Start(models.ByUser, group, "fox")
	assert.Equal(t, kernel.CodeMissingProjectRoot, kernel.CodeOf(err))
}

func TestStartUnknownActor(t *testing.T) {
	s, _, group := testSupervisor(t)
	err := s.Start(models.ByUser, group, "ghost")
	assert.Equal(t, kernel.CodeActorNotFound, kernel.CodeOf(err))
}

func TestPermissions(t *testing.T) {
	group := testGroup("/tmp")
	tests := []struct {
		name   string
		op     string
		by     string
		target string
		allow  bool
	}{
		{"user adds actor", "actor_add", models.ByUser, "", true},
		{"foreman adds actor", "actor_add", "fox", "", true},
		{"peer adds actor", "actor_add", "owl", "", false},
		{"actor starts itself", "actor_start", "owl", "owl", true},
		{"peer starts another", "actor_start", "owl", "fox", false},
		{"foreman stops peer", "actor_stop", "fox", "owl", true},
		{"actor removes itself", "actor_remove", "owl", "owl", true},
		{"foreman removes peer", "actor_remove", "fox", "owl", true},
		{"foreman removes foreman", "actor_remove", "fox", "fox", true}, // self
		{"peer removes foreman", "actor_remove", "owl", "fox", false},
		{"user removes foreman", "actor_remove", models.ByUser, "fox", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPermission(tt.op, tt.by, group, tt.target)
			if tt.allow {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, kernel.CodePermissionDenied, kernel.CodeOf(err))
			}
		})
	}
}

func TestReconcileKillsOrphans(t *testing.T) {
	s, log, group := testSupervisor(t)
	group.Actors[0].Command = []string{"sleep", "60"}

	// Simulate a previous daemon's surviving child with a matching hash.
	require.NoError(t, s.Start(models.ByUser, group, "fox"))
	pf, ok := ReadPidfile(filepath.Join(s.opts.PidfileDir, "fox"))
	require.True(t, ok)

	// Forget the session as if the daemon restarted.
	s.mu.Lock()
	s.sessions = make(map[string]*actorSession)
	s.mu.Unlock()

	results := s.Reconcile(group)
	require.Len(t, results, 1)
	assert.Equal(t, "reaped", results[0].Action)
	assert.False(t, ProcessAlive(pf.PID))
	_, ok = ReadPidfile(filepath.Join(s.opts.PidfileDir, "fox"))
	assert.False(t, ok)
	assert.Contains(t, log.kinds(), models.KindActorExit)
}

func TestReconcileStalePidfile(t *testing.T) {
	s, _, group := testSupervisor(t)
	path := filepath.Join(s.opts.PidfileDir, "fox")
	require.NoError(t, WritePidfile(path, Pidfile{
		PID: 99999999, StartedAt: time.Now(), ArgvHash: ArgvHash(group.Actors[0].Command),
	}))

	results := s.Reconcile(group)
	require.Len(t, results, 1)
	assert.Equal(t, "stale", results[0].Action)
	_, ok := ReadPidfile(path)
	assert.False(t, ok)
}

func TestElectForeman(t *testing.T) {
	group := testGroup("/tmp")

	// An enabled foreman exists: nothing to do.
	assert.Empty(t, ElectForeman(group))

	// Disable the current foreman: the first enabled actor is the candidate.
	group.Actors[0].Enabled = false
	assert.Equal(t, "owl", ElectForeman(group))

	// After the promotion is applied the election settles.
	group.Actors[1].Role = models.RoleForeman
	assert.Empty(t, ElectForeman(group))
}

func TestRunnerRegistry(t *testing.T) {
	var called bool
	Register("wrapped", func(spec StartSpec, output io.Writer) (Session, error) {
		called = true
		return startHeadless(spec, output)
	})

	s, err := startSession("wrapped", StartSpec{Command: []string{"true"}}, io.Discard)
	require.NoError(t, err)
	<-s.Done()
	assert.True(t, called)

	_, err = startSession("bogus", StartSpec{Command: []string{"true"}}, io.Discard)
	assert.Equal(t, kernel.CodeInvalidRequest, kernel.CodeOf(err))
}

func TestArgvHashDistinguishesQuoting(t *testing.T) {
	assert.NotEqual(t, ArgvHash([]string{"a b"}), ArgvHash([]string{"a", "b"}))
}

func TestSecretStore(t *testing.T) {
	store := NewSecretStore(filepath.Join(t.TempDir(), "secrets"))

	keys, err := store.Update("fox", map[string]string{"API_KEY": "s3cret", "TOKEN": "t"}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"API_KEY", "TOKEN"}, keys)

	m, err := store.Load("fox")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", m["API_KEY"])

	info, err := os.Stat(filepath.Join(store.dir, "fox.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	keys, err = store.Update("fox", nil, []string{"TOKEN"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"API_KEY"}, keys)

	// Clear plus set replaces the map wholesale.
	keys, err = store.Update("fox", map[string]string{"ONLY": "o"}, nil, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"ONLY"}, keys)

	keys, err = store.Update("fox", nil, nil, true)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestReplayBufferTrimAndCursor(t *testing.T) {
	r := NewReplayBuffer(64)

	r.Write([]byte("first\r\n"))
	c := r.NewCursor(0)
	data, _ := r.ReadAfter(c)
	assert.Equal(t, "first\r\n", string(data))

	// Nothing pending: get a wait channel, then a write wakes it.
	data, wait := r.ReadAfter(c)
	assert.Nil(t, data)
	r.Write([]byte("second\r\n"))
	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatal("write did not wake the reader")
	}
	data, _ = r.ReadAfter(c)
	assert.Equal(t, "second\r\n", string(data))

	// Overflow trims at the CRLF boundary, not mid-line.
	r.Write([]byte(strings.Repeat("x", 60) + "\r\n"))
	tail := r.Tail(0)
	assert.LessOrEqual(t, len(tail), 64)
	assert.False(t, strings.HasPrefix(string(tail), "second"), "trimmed prefix must be gone")

	// The absolute end offset keeps counting trimmed bytes.
	snap, end := r.Snapshot()
	assert.Greater(t, end, int64(len(snap)))

	// A cursor behind the trim skips the lost prefix instead of failing.
	data, _ = r.ReadAfter(c)
	assert.Equal(t, string(tail[len(tail)-len(data):]), string(data))

	r.Clear()
	assert.Equal(t, 0, r.Size())
}

func TestReplayBufferSafeCutPrefersSyncFrame(t *testing.T) {
	buf := append([]byte("garbage\x1b[?2026l"), []byte("frame")...)
	cut := findSafeCut(buf, 0)
	assert.Equal(t, []byte("frame"), buf[cut:])
}
