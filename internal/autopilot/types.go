// Package autopilot implements the cron-driven trigger engine: a scheduler
// that fires on a schedule, optionally gates on a check script's exit code,
// and spawns the agent binary as a subprocess to act on the trigger,
// recovering a structured result from its stdout.
//
// It's adapted from internal/cron's job supervisor loop (tick-driven,
// options-configured Scheduler) combined with internal/tasks' worker model,
// but swaps internal/cron's in-process AgentRunner callback for an actual
// subprocess spawn through internal/subprocess, parsed back with
// internal/manifest — triggers fire agent runs the same way a human
// invoking the CLI would, not through an in-process shortcut.
package autopilot

import (
	"time"

	"github.com/outpost9/coderunner/internal/manifest"
)

// CheckOutcome is the three-way result of running a trigger's check script.
type CheckOutcome string

const (
	CheckPass CheckOutcome = "pass"
	CheckSkip CheckOutcome = "skip"
	CheckFail CheckOutcome = "fail"
)

// checkOutcomeForExitCode maps a check script's exit code onto the
// three-way protocol: 0 = pass, 1 = skip, anything else = fail.
func checkOutcomeForExitCode(code int) CheckOutcome {
	switch code {
	case 0:
		return CheckPass
	case 1:
		return CheckSkip
	default:
		return CheckFail
	}
}

// Trigger is one autopilot rule: a schedule, an optional gate, and the
// agent invocation to fire when the gate is satisfied.
type Trigger struct {
	// Name must be unique among registered triggers.
	Name string

	// Schedule is a 5- or 6-field cron expression; 5-field expressions are
	// normalized to 6-field by prepending a "0" seconds column.
	Schedule string

	// CheckScript, if set, is run with CheckTimeout before the trigger
	// fires; its exit code is mapped through checkOutcomeForExitCode and
	// compared against CheckTriggerOn.
	CheckScript  string
	CheckTimeout time.Duration

	// CheckTriggerOn is the CheckOutcome that causes the trigger to fire.
	// CheckSkip never counts as a failure regardless of this setting.
	CheckTriggerOn CheckOutcome

	// PromptTemplate is rendered with the check script's stdout substituted
	// in before being handed to the spawned agent.
	PromptTemplate string

	// Profile selects the agent configuration profile to run under.
	Profile string

	// AgentTimeout bounds the spawned agent subprocess.
	AgentTimeout time.Duration

	// PauseOnApproval passes --pause-on-approval to the spawned agent so it
	// exits with manifest.ExitPaused instead of blocking on stdin when a
	// tool call needs approval.
	PauseOnApproval bool

	// NotifyOn lists which AgentResult outcomes ("completed", "paused",
	// "failed") should trigger a notification.
	NotifyOn []string

	// NotifyChannel/NotifyChat identify where to send the notification;
	// interpretation is up to the Notifier implementation.
	NotifyChannel string
	NotifyChat    string
}

// TriggerEvent is one scheduled firing of a Trigger, queued onto the
// scheduler's bounded channel for a worker to pick up.
type TriggerEvent struct {
	Trigger Trigger
	FiredAt time.Time
}

// AgentResult is the structured outcome of one trigger's agent subprocess
// run, assembled from its exit code, timeout status, and recovered
// AsyncManifest.
type AgentResult struct {
	ExitCode     int
	SessionID    string
	CheckpointID string
	TimedOut     bool
	Paused       bool
	PauseReason  *manifest.PauseReason
	ResumeHint   string
	Stdout       string
	Stderr       string
}

// IsPaused reports whether the run stopped short of completion pending
// approval or input: paused || exit_code == manifest.ExitPaused.
func (r AgentResult) IsPaused() bool {
	return r.Paused || r.ExitCode == manifest.ExitPaused
}

// Failed reports whether the run counts as a failure: timed out, or exited
// with a code that is neither success nor the pause sentinel.
func (r AgentResult) Failed() bool {
	if r.TimedOut {
		return true
	}
	return r.ExitCode != manifest.ExitCompleted && r.ExitCode != manifest.ExitPaused
}

// NotifyKey is the AgentResult bucket a Trigger's NotifyOn list is matched
// against.
func (r AgentResult) NotifyKey() string {
	switch {
	case r.Failed():
		return "failed"
	case r.IsPaused():
		return "paused"
	default:
		return "completed"
	}
}
