// Package manifest implements the async-manifest wire contract: the single
// JSON object an agent subprocess prints to stdout when it finishes or
// pauses, and the permissive parser a spawning parent (the task manager or
// the autopilot scheduler) uses to recover it from mixed stdout.
package manifest

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Outcome is the top-level result of an async agent run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomePaused    Outcome = "paused"
)

// ExitPaused is the exit code an agent subprocess uses to signal a paused
// run; ExitCompleted signals success. Any other code is a failure.
const (
	ExitCompleted = 0
	ExitPaused    = 10
)

// PauseReasonType discriminates the PauseReason union.
type PauseReasonType string

const (
	ReasonToolApprovalRequired PauseReasonType = "tool_approval_required"
	ReasonInputRequired        PauseReasonType = "input_required"
)

// PendingToolCall is a tool call awaiting approval, embedded in a
// ToolApprovalRequired pause reason.
type PendingToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// PauseReason explains why an agent run stopped short of completion.
type PauseReason struct {
	Type              PauseReasonType   `json:"type"`
	PendingToolCalls  []PendingToolCall `json:"pending_tool_calls,omitempty"`
}

// TokenUsage mirrors the provider-reported usage for one execution.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	CachedTokens int64 `json:"cached_tokens,omitempty"`
}

// AsyncManifest is the unified JSON envelope for async agent runs. Every
// field listed in the wire contract as mandatory (outcome, model, steps,
// total_steps, usage) is always present; the rest are context-dependent.
type AsyncManifest struct {
	Outcome      Outcome      `json:"outcome"`
	CheckpointID string       `json:"checkpoint_id,omitempty"`
	SessionID    string       `json:"session_id,omitempty"`
	Model        string       `json:"model"`
	AgentMessage string       `json:"agent_message,omitempty"`
	Steps        int          `json:"steps"`
	TotalSteps   int          `json:"total_steps"`
	Usage        TokenUsage   `json:"usage"`
	PauseReason  *PauseReason `json:"pause_reason,omitempty"`
	ResumeHint   string       `json:"resume_hint,omitempty"`
}

// TryParse attempts to recover an AsyncManifest from arbitrary process
// output. Parsing is permissive per the protocol: try the whole trimmed
// string first, then fall back to the substring between the first '{' and
// the last '}'. Returns false if neither attempt yields a valid manifest.
func TryParse(output string) (AsyncManifest, bool) {
	trimmed := strings.TrimSpace(output)

	if m, ok := parseExact(trimmed); ok {
		return m, true
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		if m, ok := parseExact(trimmed[start : end+1]); ok {
			return m, true
		}
	}
	return AsyncManifest{}, false
}

// TryParseLastLineFirst recovers a manifest from multi-line stdout by
// scanning lines in reverse before falling back to treating the whole
// output as one blob. This matches the autopilot scheduler's parse order:
// the manifest is almost always the last thing an agent prints.
func TryParseLastLineFirst(output string) (AsyncManifest, bool) {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if m, ok := parseExact(line); ok {
			return m, true
		}
	}
	return TryParse(output)
}

func parseExact(s string) (AsyncManifest, bool) {
	var m AsyncManifest
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return AsyncManifest{}, false
	}
	if m.Outcome == "" {
		return AsyncManifest{}, false
	}
	return m, true
}

// String renders the manifest as the human/LLM-facing block embedded back
// into a parent agent's transcript when a subagent's manifest surfaces as a
// tool result.
func (m AsyncManifest) String() string {
	var b strings.Builder

	icon, statusText := "✗", "Failed"
	switch m.Outcome {
	case OutcomeCompleted:
		icon, statusText = "✓", "Completed"
	case OutcomePaused:
		icon, statusText = "⏸", "Paused"
	}
	fmt.Fprintf(&b, "## Subagent Result: %s %s\n\n", icon, statusText)

	fmt.Fprintf(&b, "**Steps**: %d", m.Steps)
	if m.TotalSteps > m.Steps {
		fmt.Fprintf(&b, " (total: %d)", m.TotalSteps)
	}
	if m.Model != "" {
		fmt.Fprintf(&b, " | **Model**: %s", m.Model)
	}
	b.WriteString("\n\n")

	if msg := strings.TrimSpace(m.AgentMessage); msg != "" {
		fmt.Fprintf(&b, "### Response:\n%s\n\n", msg)
	}

	if m.PauseReason != nil {
		switch m.PauseReason.Type {
		case ReasonToolApprovalRequired:
			b.WriteString("### Pending Tool Calls (awaiting approval):\n")
			for _, tc := range m.PauseReason.PendingToolCalls {
				displayName := tc.Name
				if idx := strings.LastIndex(tc.Name, "__"); idx >= 0 {
					displayName = tc.Name[idx+2:]
				}
				fmt.Fprintf(&b, "- %s (id: `%s`)\n", displayName, tc.ID)
				writeArguments(&b, tc.Arguments)
			}
			b.WriteString("\n")
		case ReasonInputRequired:
			b.WriteString("### Status: Awaiting Input\n")
			b.WriteString("The subagent is waiting for user input to continue.\n\n")
		}

		if m.ResumeHint != "" {
			fmt.Fprintf(&b, "**Resume hint**: `%s`\n", m.ResumeHint)
		}
	}

	return b.String()
}

func writeArguments(b *strings.Builder, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return
	}
	for key, value := range obj {
		fmt.Fprintf(b, "  - %s: %s\n", key, formatArgValue(value))
	}
}

func formatArgValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return fmt.Sprintf("%q", truncateUTF8(s, 100))
	}
	return strings.TrimSpace(string(raw))
}

// truncateUTF8 cuts s to at most n runes worth of byte-length, never
// splitting a multi-byte rune, and appends "..." when truncated.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := 0
	for i := range s {
		if i >= n {
			break
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		cut = i + size
	}
	return s[:cut] + "..."
}
