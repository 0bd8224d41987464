// Package subprocess implements the task manager: a supervisor for
// background OS processes spawned for subagent tasks and long-running
// commands. It line-buffers child stdout/stderr, watches each line for an
// embedded async manifest (internal/manifest) to detect a pause, and maps
// process exit codes onto the task lifecycle.
//
// This generalizes internal/shell/process_registry.go's ProcessSession
// bookkeeping (ID/Command/PID/output accumulation/exit info) and
// internal/tools/exec/manager.go's os/exec spawn-and-pipe pattern to the
// task manager's pause/resume contract: a status state machine with
// monotonic transitions, driven from a single goroutine per task.
package subprocess

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/outpost9/coderunner/internal/manifest"
)

// Status is a task's lifecycle state. Transitions are monotonic:
// Running → {Paused ↔ Running}* → {Completed|Failed|Cancelled}.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// PauseInfo records why a task paused, captured from its async manifest.
type PauseInfo struct {
	CheckpointID string
	RawOutput    string
	Manifest     manifest.AsyncManifest
}

// TaskInfo is a point-in-time snapshot of a supervised task, safe to copy
// and hand to callers without holding the supervisor's lock.
type TaskInfo struct {
	ID        string
	Command   string
	StartedAt time.Time
	Status    Status
	ExitCode  *int

	StdoutAccumulator string
	StderrAccumulator string

	PauseInfo *PauseInfo
}

var (
	ErrTaskNotFound    = errors.New("subprocess: task not found")
	ErrInvalidState    = errors.New("subprocess: task is not in a resumable state")
	ErrManagerShutdown = errors.New("subprocess: manager is shutting down")
)

// task is the supervisor-owned mutable state backing one TaskInfo. Every
// field mutation happens on the task's own goroutine (lineWatcher/wait);
// snapshot() is the only cross-goroutine read path, guarded by mu.
type task struct {
	mu sync.Mutex

	id        string
	command   string
	startedAt time.Time
	status    Status
	exitCode  *int
	pauseInfo *PauseInfo

	stdoutBuf strings.Builder
	stderrBuf strings.Builder

	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) snapshot() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskInfo{
		ID:                t.id,
		Command:           t.command,
		StartedAt:         t.startedAt,
		Status:            t.status,
		ExitCode:          t.exitCode,
		StdoutAccumulator: t.stdoutBuf.String(),
		StderrAccumulator: t.stderrBuf.String(),
		PauseInfo:         t.pauseInfo,
	}
}

// Manager supervises the lifetime of every task it starts. It owns all
// subprocess handles: per §5's shared-resource policy, no other component
// touches a child process directly.
type Manager struct {
	mu       sync.Mutex
	tasks    map[string]*task
	logger   *slog.Logger
	shutdown bool
}

// NewManager returns an empty task manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{tasks: make(map[string]*task), logger: logger}
}

// StartTask spawns command under a shell, returning immediately with a
// TaskInfo for the newly created task while a supervisor goroutine takes
// over stdout/stderr accumulation and exit handling.
func (m *Manager) StartTask(ctx context.Context, command string, timeout time.Duration) (TaskInfo, error) {
	return m.startTask(ctx, uuid.NewString(), command, timeout)
}

func (m *Manager) startTask(ctx context.Context, id, command string, timeout time.Duration) (TaskInfo, error) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return TaskInfo{}, ErrManagerShutdown
	}
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	// New process group so CancelTask can signal the whole tree, not just
	// the shell (§5: shell tools get SIGKILL on the process group).
	cmd.SysProcAttr = processGroupAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return TaskInfo{}, fmt.Errorf("subprocess: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return TaskInfo{}, fmt.Errorf("subprocess: stderr pipe: %w", err)
	}

	t := &task{
		id:        id,
		command:   command,
		startedAt: time.Now(),
		status:    StatusRunning,
		cmd:       cmd,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return TaskInfo{}, fmt.Errorf("subprocess: start: %w", err)
	}

	m.mu.Lock()
	m.tasks[id] = t
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go m.lineWatcher(t, stdout, &t.stdoutBuf, &wg)
	go m.lineWatcher(t, stderr, &t.stderrBuf, &wg)

	go func() {
		wg.Wait()
		err := cmd.Wait()
		cancel()
		m.onExit(t, err)
		close(t.done)
	}()

	return t.snapshot(), nil
}

// lineWatcher copies a pipe line-by-line into its accumulator, attempting to
// parse each line as an async manifest to detect an early pause signal
// before the process actually exits.
func (m *Manager) lineWatcher(t *task, r io.Reader, acc *strings.Builder, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		t.mu.Lock()
		acc.WriteString(line)
		acc.WriteString("\n")
		t.mu.Unlock()

		if mf, ok := manifest.TryParse(line); ok && mf.Outcome == manifest.OutcomePaused {
			t.mu.Lock()
			if t.status == StatusRunning {
				t.status = StatusPaused
				t.pauseInfo = &PauseInfo{CheckpointID: mf.CheckpointID, RawOutput: line, Manifest: mf}
			}
			t.mu.Unlock()
		}
	}
	if err := scanner.Err(); err != nil {
		m.logger.Warn("subprocess: line scan error", "task_id", t.id, "error", err)
	}
}

func (m *Manager) onExit(t *task, waitErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	code := exitCode(waitErr)
	t.exitCode = &code

	switch {
	case t.status == StatusCancelled:
		// Already transitioned by CancelTask; leave as-is.
	case code == manifest.ExitCompleted:
		t.status = StatusCompleted
	case code == manifest.ExitPaused:
		if t.pauseInfo == nil {
			// No manifest line was parsed out-of-band, but the exit code
			// still asserts a pause; fall back to scanning the full
			// accumulated stdout before committing to Paused.
			if mf, ok := manifest.TryParseLastLineFirst(t.stdoutBuf.String()); ok {
				t.pauseInfo = &PauseInfo{CheckpointID: mf.CheckpointID, RawOutput: t.stdoutBuf.String(), Manifest: mf}
			}
		}
		t.status = StatusPaused
	default:
		t.status = StatusFailed
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// WaitTask blocks until the task reaches a terminal state (Completed,
// Failed, Paused or Cancelled) or ctx is cancelled, then returns its final
// snapshot. Callers that need the whole stdout/stderr of a one-shot spawn
// (the autopilot scheduler's agent runs, for instance) use this instead of
// polling GetTaskDetails.
func (m *Manager) WaitTask(ctx context.Context, id string) (TaskInfo, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return TaskInfo{}, ErrTaskNotFound
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		return t.snapshot(), ctx.Err()
	}
	return t.snapshot(), nil
}

// GetTaskDetails returns a snapshot of one task without blocking on it.
func (m *Manager) GetTaskDetails(id string) (TaskInfo, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return TaskInfo{}, ErrTaskNotFound
	}
	return t.snapshot(), nil
}

// ListTasks returns a snapshot of every task the manager knows about.
func (m *Manager) ListTasks() []TaskInfo {
	m.mu.Lock()
	tasks := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	out := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.snapshot())
	}
	return out
}

// ResumeTask spawns a new process for the same task_id, reattaching so
// callers can follow a subagent across multiple pause/resume cycles.
// command is expected to embed the checkpoint id the subagent should
// resume from (e.g. "agent -c <checkpoint_id> ...").
func (m *Manager) ResumeTask(ctx context.Context, id, command string, timeout time.Duration) (TaskInfo, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return TaskInfo{}, ErrTaskNotFound
	}

	t.mu.Lock()
	status := t.status
	t.mu.Unlock()
	if status != StatusPaused && status != StatusCompleted {
		return TaskInfo{}, fmt.Errorf("%w: task %s is %s", ErrInvalidState, id, status)
	}

	return m.startTask(ctx, id, command, timeout)
}

// CancelTask kills the task's process group and transitions it to
// Cancelled.
func (m *Manager) CancelTask(id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}

	t.mu.Lock()
	t.status = StatusCancelled
	cmd := t.cmd
	t.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		killProcessGroup(cmd.Process.Pid)
	}
	return nil
}

// Shutdown cancels every still-running task and waits for each to finish,
// up to grace.
func (m *Manager) Shutdown(grace time.Duration) {
	m.mu.Lock()
	m.shutdown = true
	tasks := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	for _, t := range tasks {
		t.mu.Lock()
		running := t.status == StatusRunning
		cmd := t.cmd
		t.mu.Unlock()
		if !running {
			continue
		}
		if cmd != nil && cmd.Process != nil {
			killProcessGroup(cmd.Process.Pid)
		}
	}

	allDone := make(chan struct{})
	go func() {
		for _, t := range tasks {
			<-t.done
		}
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-time.After(grace):
	}
}

func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
