package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/cccc-dev/cccc/pkg/kernel"
	"github.com/cccc-dev/cccc/pkg/models"
)

// StartSpec is everything a runner needs to launch one actor process.
type StartSpec struct {
	Command []string
	Dir     string
	Env     []string
	Rows    uint16
	Cols    uint16
}

// Session is a live child process as the supervisor sees it. Terminal
// output is pumped into the actor's replay buffer by the runner.
type Session interface {
	PID() int
	Write(p []byte) (int, error)
	Resize(rows, cols uint16) error
	Signal(sig os.Signal) error
	Kill() error
	Done() <-chan struct{}
	ExitCode() int
	Close()
}

// Factory launches a session for one runner tag.
type Factory func(spec StartSpec, output io.Writer) (Session, error)

var runners = struct {
	mu sync.Mutex
	m  map[string]Factory
}{m: make(map[string]Factory)}

// Register installs a runner factory under a tag. Registering an existing
// tag replaces it.
func Register(tag string, f Factory) {
	runners.mu.Lock()
	defer runners.mu.Unlock()
	runners.m[tag] = f
}

func init() {
	Register(models.RunnerPTY, startPTY)
	Register(models.RunnerHeadless, startHeadless)
}

// startSession launches a child for the given runner tag. An empty tag
// means the PTY runner.
func startSession(runner string, spec StartSpec, output io.Writer) (Session, error) {
	if len(spec.Command) == 0 {
		return nil, kernel.New(kernel.CodeInvalidRequest, "actor command is empty")
	}
	if runner == "" {
		runner = models.RunnerPTY
	}
	runners.mu.Lock()
	f := runners.m[runner]
	runners.mu.Unlock()
	if f == nil {
		return nil, kernel.Newf(kernel.CodeInvalidRequest, "unknown runner %q", runner)
	}
	return f(spec, output)
}

func newCmd(spec StartSpec) *exec.Cmd {
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	return cmd
}

// waitSession is the shared exit bookkeeping for both runners.
type waitSession struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
}

func (w *waitSession) wait(onExit func()) {
	code := 0
	if err := w.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}
	w.mu.Lock()
	w.exitCode = code
	w.mu.Unlock()
	if onExit != nil {
		onExit()
	}
	close(w.done)
}

func (w *waitSession) PID() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

func (w *waitSession) Signal(sig os.Signal) error {
	if w.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return w.cmd.Process.Signal(sig)
}

func (w *waitSession) Kill() error {
	if w.cmd.Process == nil {
		return nil
	}
	return w.cmd.Process.Kill()
}

func (w *waitSession) Done() <-chan struct{} { return w.done }

func (w *waitSession) ExitCode() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitCode
}

// ptySession runs the child behind a pseudo-terminal.
type ptySession struct {
	waitSession
	ptmx *os.File
}

func startPTY(spec StartSpec, output io.Writer) (Session, error) {
	cmd := newCmd(spec)
	rows, cols := spec.Rows, spec.Cols
	if rows == 0 {
		rows = 40
	}
	if cols == 0 {
		cols = 120
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, kernel.Newf(kernel.CodeResourceError, "start pty: %v", err)
	}
	s := &ptySession{
		waitSession: waitSession{cmd: cmd, done: make(chan struct{})},
		ptmx:        ptmx,
	}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				output.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	go s.wait(func() { ptmx.Close() })
	return s, nil
}

func (s *ptySession) Write(p []byte) (int, error) { return s.ptmx.Write(p) }

func (s *ptySession) Resize(rows, cols uint16) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (s *ptySession) Close() {
	s.ptmx.Close()
}

// headlessSession runs the child on plain pipes: stdin for injection,
// stdout and stderr merged into the replay buffer.
type headlessSession struct {
	waitSession
	stdin io.WriteCloser
}

func startHeadless(spec StartSpec, output io.Writer) (Session, error) {
	cmd := newCmd(spec)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, kernel.Newf(kernel.CodeResourceError, "stdin pipe: %v", err)
	}
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, kernel.Newf(kernel.CodeResourceError, "start process: %v", err)
	}
	s := &headlessSession{
		waitSession: waitSession{cmd: cmd, done: make(chan struct{})},
		stdin:       stdin,
	}
	go s.wait(func() { stdin.Close() })
	return s, nil
}

func (s *headlessSession) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// Resize is meaningless without a terminal.
func (s *headlessSession) Resize(rows, cols uint16) error { return nil }

func (s *headlessSession) Close() {
	s.stdin.Close()
}

// terminate asks a session to exit: SIGTERM, a grace period, then SIGKILL.
func terminate(s Session, grace time.Duration) {
	_ = s.Signal(syscall.SIGTERM)
	select {
	case <-s.Done():
	case <-time.After(grace):
		_ = s.Kill()
		<-s.Done()
	}
}
