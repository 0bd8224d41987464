package autopilot

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/outpost9/coderunner/internal/manifest"
	"github.com/outpost9/coderunner/internal/subprocess"
)

// eventBufferSize matches the spec's bounded MPSC channel: backpressure
// drops a tick that can't be queued, logged but not fatal.
const eventBufferSize = 100

// Notifier delivers an AgentResult to wherever a trigger's NotifyOn policy
// says it should go. Mirrors internal/cron's MessageSender shape.
type Notifier interface {
	Notify(ctx context.Context, trigger Trigger, result AgentResult) error
}

// NotifierFunc adapts a function to a Notifier.
type NotifierFunc func(ctx context.Context, trigger Trigger, result AgentResult) error

func (f NotifierFunc) Notify(ctx context.Context, trigger Trigger, result AgentResult) error {
	return f(ctx, trigger, result)
}

type scheduledTrigger struct {
	trigger Trigger
	sched   cron.Schedule
	nextRun time.Time
}

// Scheduler fires registered triggers on their cron schedule, gates firing
// on an optional check script, and spawns the agent binary through
// internal/subprocess to act on the trigger.
type Scheduler struct {
	mu       sync.Mutex
	triggers map[string]*scheduledTrigger

	agentCommand []string
	taskMgr      *subprocess.Manager
	notifier     Notifier
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration

	events  chan TriggerEvent
	workers int

	started bool
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler builds a trigger scheduler. agentCommand is the argv prefix
// used to spawn the agent binary (e.g. []string{"coderunner", "agent"});
// per-trigger flags (--output json, --pause-on-approval, --profile, prompt)
// are appended at fire time.
func NewScheduler(agentCommand []string, taskMgr *subprocess.Manager, opts ...Option) *Scheduler {
	s := &Scheduler{
		triggers:     make(map[string]*scheduledTrigger),
		agentCommand: agentCommand,
		taskMgr:      taskMgr,
		logger:       slog.Default(),
		now:          time.Now,
		tickInterval: time.Second,
		workers:      4,
		events:       make(chan TriggerEvent, eventBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds or replaces a trigger by name.
func (s *Scheduler) Register(t Trigger) error {
	sched, err := parseSchedule(t.Schedule)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[t.Name] = &scheduledTrigger{trigger: t, sched: sched, nextRun: nextFire(sched, s.now())}
	return nil
}

// Unregister removes a trigger by name.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggers, name)
}

// Start runs the tick loop and worker pool until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

// Stop waits for the tick loop and all workers to exit.
func (s *Scheduler) Stop() {
	s.wg.Wait()
}

// tick fires every due trigger, enqueuing a TriggerEvent per firing.
// Queue-full is a drop, logged, never a fatal condition.
func (s *Scheduler) tick() {
	now := s.now()
	s.mu.Lock()
	var due []Trigger
	for _, st := range s.triggers {
		if !now.Before(st.nextRun) {
			due = append(due, st.trigger)
			st.nextRun = nextFire(st.sched, now)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		event := TriggerEvent{Trigger: t, FiredAt: now}
		select {
		case s.events <- event:
		default:
			s.logger.Warn("autopilot: trigger event dropped, queue full", "trigger", t.Name)
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.events:
			if !ok {
				return
			}
			s.handle(ctx, event)
		}
	}
}

// handle runs one trigger's full firing sequence: check gate, prompt
// assembly, agent spawn, manifest recovery, notification.
func (s *Scheduler) handle(ctx context.Context, event TriggerEvent) {
	t := event.Trigger
	logger := s.logger.With("trigger", t.Name)

	checkOutput, outcome, err := s.runCheck(ctx, t)
	if err != nil {
		logger.Error("autopilot: check script failed to run", "error", err)
		return
	}
	if outcome == CheckSkip {
		logger.Debug("autopilot: check returned skip, not firing")
		return
	}
	if t.CheckTriggerOn != "" && outcome != t.CheckTriggerOn {
		logger.Debug("autopilot: check outcome doesn't match trigger policy", "outcome", outcome, "want", t.CheckTriggerOn)
		return
	}

	prompt := renderPrompt(t.PromptTemplate, checkOutput)

	result, err := s.runAgent(ctx, t, prompt)
	if err != nil {
		logger.Error("autopilot: agent spawn failed", "error", err)
		return
	}

	if s.notifier != nil && shouldNotify(t, result) {
		if err := s.notifier.Notify(ctx, t, result); err != nil {
			logger.Warn("autopilot: notify failed", "error", err)
		}
	}
}

// runCheck executes the trigger's check script (if any) with its timeout
// and maps the exit code through the three-way check protocol. A trigger
// with no check script always passes.
func (s *Scheduler) runCheck(ctx context.Context, t Trigger) (stdout string, outcome CheckOutcome, err error) {
	if strings.TrimSpace(t.CheckScript) == "" {
		return "", CheckPass, nil
	}

	runCtx := ctx
	if t.CheckTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.CheckTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", t.CheckScript)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	code := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			return out.String(), CheckFail, fmt.Errorf("autopilot: run check script: %w", runErr)
		}
	}
	return out.String(), checkOutcomeForExitCode(code), nil
}

// renderPrompt substitutes the check script's stdout into the trigger's
// prompt template under the "CheckOutput" variable.
func renderPrompt(promptTemplate, checkOutput string) string {
	tmpl, err := template.New("autopilot-prompt").Parse(promptTemplate)
	if err != nil {
		return promptTemplate
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]string{"CheckOutput": strings.TrimSpace(checkOutput)}); err != nil {
		return promptTemplate
	}
	return buf.String()
}

// runAgent spawns the agent subprocess through internal/subprocess's task
// manager, waits for it to finish (or time out), and recovers an
// AsyncManifest from its stdout.
func (s *Scheduler) runAgent(ctx context.Context, t Trigger, prompt string) (AgentResult, error) {
	args := append([]string{}, s.agentCommand...)
	args = append(args, "--output", "json")
	if t.PauseOnApproval {
		args = append(args, "--pause-on-approval")
	}
	if t.Profile != "" {
		args = append(args, "--profile", t.Profile)
	}
	args = append(args, prompt)

	command := shellJoin(args)

	info, err := s.taskMgr.StartTask(ctx, command, t.AgentTimeout)
	if err != nil {
		return AgentResult{}, err
	}

	info, waitErr := s.taskMgr.WaitTask(ctx, info.ID)
	timedOut := waitErr != nil

	result := AgentResult{
		TimedOut: timedOut,
		Stdout:   info.StdoutAccumulator,
		Stderr:   info.StderrAccumulator,
	}
	if info.ExitCode != nil {
		result.ExitCode = *info.ExitCode
	}

	if mf, ok := manifest.TryParseLastLineFirst(info.StdoutAccumulator); ok {
		result.SessionID = mf.SessionID
		result.CheckpointID = mf.CheckpointID
		result.ResumeHint = mf.ResumeHint
		result.PauseReason = mf.PauseReason
		result.Paused = mf.Outcome == manifest.OutcomePaused
	}

	return result, nil
}

func shouldNotify(t Trigger, result AgentResult) bool {
	if len(t.NotifyOn) == 0 {
		return false
	}
	key := result.NotifyKey()
	for _, want := range t.NotifyOn {
		if want == key {
			return true
		}
	}
	return false
}

// shellJoin renders argv as a single /bin/sh -c command line, quoting each
// argument so an embedded space in a prompt doesn't split into extra
// arguments.
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
