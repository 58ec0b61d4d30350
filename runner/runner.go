// Package runner supervises sandboxed interpreter processes: one live
// process per session, resource limits enforced at the OS boundary, output
// streamed as it is produced, and a single idempotent cleanup path shared by
// every way a process can die.
package runner

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Limits bounds a spawned process. Zero values disable the corresponding
// limit.
type Limits struct {
	// CPUTime caps consumed CPU seconds (RLIMIT_CPU). The OS kills the
	// process when exceeded; the supervisor observes a normal non-zero exit.
	CPUTime time.Duration
	// MemoryBytes caps the address space (RLIMIT_AS).
	MemoryBytes uint64
	// IdleTimeout is a wall-clock deadline armed once at spawn. It is not
	// reset by output.
	IdleTimeout time.Duration
}

// DefaultLimits are the limits used by the server unless configured
// otherwise.
var DefaultLimits = Limits{
	CPUTime:     10 * time.Second,
	MemoryBytes: 256 << 20,
	IdleTimeout: 30 * time.Second,
}

// Result describes how a process ended.
type Result struct {
	// ExitCode is the process exit code, or -1 if it was killed or never
	// ran to completion.
	ExitCode int
	// TimedOut reports that the idle timeout killed the process.
	TimedOut bool
	// Err is set for runtime failures that are not ordinary exits.
	Err error
}

// Events receives a process's lifecycle callbacks. Output is called with
// each chunk of combined stdout/stderr as soon as it is available. Ended is
// called exactly once, after cleanup, unless the process was discarded.
type Events struct {
	Output func(chunk []byte)
	Ended  func(res Result)
}

// Runner spawns resource-limited interpreter processes.
type Runner struct {
	// Interpreter is the binary used to run submitted files. Defaults to
	// python3.
	Interpreter string
	Limits      Limits
	Log         *zap.SugaredLogger
}

// InterpreterName returns the binary the runner will invoke.
func (r *Runner) InterpreterName() string {
	if r.Interpreter == "" {
		return "python3"
	}
	return r.Interpreter
}

// Start spawns `<interpreter> <filename>` in dir with the configured limits
// applied. release is invoked during cleanup, after the process is gone and
// the idle timer is stopped; callers use it to tear down the workspace.
// Start returns an error only if the process could not be spawned, in which
// case no callbacks fire and release is not called.
func (r *Runner) Start(dir, filename string, events Events, release func()) (*Proc, error) {
	bin := r.InterpreterName()
	cmd := exec.Command(bin, filename)
	cmd.Dir = dir
	// Own process group so Kill reaches grandchildren too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	log := r.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	p := &Proc{
		log:     log,
		cmd:     cmd,
		events:  events,
		release: release,
		done:    make(chan struct{}),
	}
	cmd.Stdout = &chunkWriter{emit: p.emitOutput}
	cmd.Stderr = &chunkWriter{emit: p.emitOutput}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	p.stdin = stdin

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("starting %s: %w", bin, err)
	}
	p.applyLimits(r.Limits)
	if r.Limits.IdleTimeout > 0 {
		p.timer = time.AfterFunc(r.Limits.IdleTimeout, p.idleExpired)
	}
	log.Debugf("started %s %s (pid %d)", bin, filename, cmd.Process.Pid)

	go p.waitLoop()
	return p, nil
}

// Proc is a handle to one spawned process. It is owned by exactly one
// session and is never reused: after Done is closed the handle is inert.
type Proc struct {
	log     *zap.SugaredLogger
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	events  Events
	release func()
	timer   *time.Timer

	// mu serializes all outbound callbacks so that no output is delivered
	// after Ended, and the inactivity notice always precedes it.
	mu        sync.Mutex
	ended     bool
	timedOut  bool
	discarded bool

	cleanupOnce sync.Once
	done        chan struct{}
}

// Input forwards a line of text to the process's stdin, newline-terminated.
// It is a silent no-op once the process has ended.
func (p *Proc) Input(text string) {
	p.mu.Lock()
	ended := p.ended
	p.mu.Unlock()
	if ended {
		return
	}
	if _, err := io.WriteString(p.stdin, text+"\n"); err != nil {
		p.log.Debugf("writing stdin: %s", err)
	}
}

// Kill forcefully terminates the process group. Safe to call repeatedly and
// after the process has already exited.
func (p *Proc) Kill() {
	p.killGroup()
}

// Discard suppresses all further Output and Ended callbacks. Cleanup still
// runs. Used when a run is superseded or its connection is gone.
func (p *Proc) Discard() {
	p.mu.Lock()
	p.discarded = true
	p.mu.Unlock()
}

// Done is closed once the process has exited and cleanup has completed.
func (p *Proc) Done() <-chan struct{} {
	return p.done
}

func (p *Proc) emitOutput(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended || p.discarded || p.events.Output == nil {
		return
	}
	p.events.Output(b)
}

func (p *Proc) idleExpired() {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return
	}
	p.timedOut = true
	if !p.discarded && p.events.Output != nil {
		p.events.Output([]byte("\nprocess terminated due to inactivity\n"))
	}
	p.mu.Unlock()

	p.log.Debugf("idle timeout expired for pid %d", p.cmd.Process.Pid)
	p.killGroup()
}

func (p *Proc) killGroup() {
	// Negative pid addresses the whole group. ESRCH means it is already
	// gone, which is the state we wanted.
	if err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		p.log.Debugf("killing process group %d: %s", p.cmd.Process.Pid, err)
	}
}

func (p *Proc) waitLoop() {
	err := p.cmd.Wait()
	res := Result{}
	switch e := err.(type) {
	case nil:
		res.ExitCode = 0
	case *exec.ExitError:
		res.ExitCode = e.ExitCode()
	default:
		res.ExitCode = -1
		res.Err = err
	}
	p.finish(res)
}

// finish is the single convergence point for every termination path. All
// of idle timeout, explicit kill, natural exit, and disconnect funnel into
// the process exiting, which lands here exactly once.
func (p *Proc) finish(res Result) {
	p.cleanupOnce.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.stdin.Close()
		if p.release != nil {
			p.release()
		}

		p.mu.Lock()
		p.ended = true
		res.TimedOut = p.timedOut
		if !p.discarded && p.events.Ended != nil {
			p.events.Ended(res)
		}
		p.mu.Unlock()

		p.log.Debugf("pid %d cleaned up, exit code %d", p.cmd.Process.Pid, res.ExitCode)
		close(p.done)
	})
}

// applyLimits installs rlimits on the already-started child. Failures are
// logged but do not abort the run.
func (p *Proc) applyLimits(l Limits) {
	pid := p.cmd.Process.Pid
	if l.CPUTime > 0 {
		secs := uint64(l.CPUTime / time.Second)
		if secs == 0 {
			secs = 1
		}
		rl := unix.Rlimit{Cur: secs, Max: secs}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &rl, nil); err != nil {
			p.log.Warnf("setting RLIMIT_CPU on pid %d: %s", pid, err)
		}
	}
	if l.MemoryBytes > 0 {
		rl := unix.Rlimit{Cur: l.MemoryBytes, Max: l.MemoryBytes}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &rl, nil); err != nil {
			p.log.Warnf("setting RLIMIT_AS on pid %d: %s", pid, err)
		}
	}
}

// chunkWriter forwards each write as one output chunk. The buffer passed to
// Write may be reused by the caller, so it is copied first.
type chunkWriter struct {
	emit func([]byte)
}

func (w *chunkWriter) Write(b []byte) (int, error) {
	chunk := make([]byte, len(b))
	copy(chunk, b)
	w.emit(chunk)
	return len(b), nil
}
