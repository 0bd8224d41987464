// Package approval implements the per-session tool-approval state machine:
// a batch of pending tool calls that the turn loop pauses on until every
// item is resolved, with a per-tool-name policy for deciding which calls
// need a human at all.
//
// The request/status shape here is a generalization of the edge-tool
// approval workflow in internal/tools/policy/approval.go to the agent's
// simpler per-session batch model (no edge trust levels, no risk-level
// table — just a tool name, read-only-by-default routing, and an optional
// custom rule set).
package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Decision is the outcome of resolving one pending tool call.
type Decision int

const (
	// Pending means no decision has been made yet.
	Pending Decision = iota
	Approved
	Rejected
	// CustomResolved means the call was resolved with a synthesized result
	// instead of being executed or denied outright.
	CustomResolved
)

func (d Decision) String() string {
	switch d {
	case Pending:
		return "pending"
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	case CustomResolved:
		return "custom_resolved"
	default:
		return "unknown"
	}
}

// PendingCall is one tool call awaiting an approval decision.
type PendingCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage

	decision     Decision
	customResult string
	dispatched   bool
}

// Decision returns the call's current decision.
func (p *PendingCall) Decision() Decision { return p.decision }

// CustomResult returns the synthesized content for a CustomResolved call.
func (p *PendingCall) CustomResult() string { return p.customResult }

var (
	// ErrUnknownCall is returned when resolving an id not in the batch.
	ErrUnknownCall = errors.New("approval: unknown tool call id")
	// ErrAlreadyDispatched is returned when a decision targets a call that
	// has already been approved and dispatched for execution.
	ErrAlreadyDispatched = errors.New("approval: tool call already dispatched")
)

// Batch is the set of tool calls proposed in a single turn, gated together:
// the turn loop resumes only once every item has moved off Pending.
type Batch struct {
	mu    sync.Mutex
	calls map[string]*PendingCall
	order []string
}

// NewBatch constructs a Batch from the tool calls proposed in one turn.
func NewBatch(calls []PendingCall) *Batch {
	b := &Batch{calls: make(map[string]*PendingCall, len(calls))}
	for i := range calls {
		c := calls[i]
		b.calls[c.ID] = &c
		b.order = append(b.order, c.ID)
	}
	return b
}

// ResolveTool resolves a single call by id. Once a call has been approved
// and marked dispatched, further decisions for that id are ignored rather
// than erroring, per the invariant that a dispatched call is final.
func (b *Batch) ResolveTool(id string, decision Decision, customResult string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolveLocked(id, decision, customResult)
}

func (b *Batch) resolveLocked(id string, decision Decision, customResult string) error {
	c, ok := b.calls[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}
	if c.dispatched {
		// Ignored, not an error: a later decision for an already-dispatched
		// call is a stale message racing the loop, not caller misuse.
		return nil
	}
	c.decision = decision
	c.customResult = customResult
	return nil
}

// ResolveTools resolves multiple calls in one batch update.
func (b *Batch) ResolveTools(decisions map[string]Decision) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, d := range decisions {
		if err := b.resolveLocked(id, d, ""); err != nil {
			return err
		}
	}
	return nil
}

// ApproveAll marks every still-pending call Approved.
func (b *Batch) ApproveAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.order {
		c := b.calls[id]
		if c.decision == Pending {
			c.decision = Approved
		}
	}
}

// RejectAll marks every still-pending call Rejected.
func (b *Batch) RejectAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.order {
		c := b.calls[id]
		if c.decision == Pending {
			c.decision = Rejected
		}
	}
}

// MarkDispatched records that an Approved call has been handed to the
// executor, after which further decisions targeting it are no-ops.
func (b *Batch) MarkDispatched(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.calls[id]; ok {
		c.dispatched = true
	}
}

// Resolved reports whether every call in the batch has moved off Pending.
func (b *Batch) Resolved() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.order {
		if b.calls[id].decision == Pending {
			return false
		}
	}
	return true
}

// Calls returns the batch's pending calls in proposal order.
func (b *Batch) Calls() []*PendingCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*PendingCall, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.calls[id])
	}
	return out
}

// Rule is a per-tool-name approval routing decision.
type Rule int

const (
	RuleApprove Rule = iota
	RuleAsk
	RuleDeny
)

// Mode selects how a session's tool calls are gated.
type Mode int

const (
	// ModeNone asks for every tool call regardless of name.
	ModeNone Mode = iota
	// ModeAll approves every tool call without asking.
	ModeAll
	// ModeCustom consults Policy.Rules, falling back to Policy.Default.
	ModeCustom
)

// Policy decides, for a tool name, whether its calls need approval.
type Policy struct {
	Mode    Mode
	Rules   map[string]Rule
	Default Rule
}

// readOnlyTools are auto-approved by default: they cannot mutate state, so
// there's nothing for a human to gate.
var readOnlyTools = map[string]bool{
	"view":            true,
	"search_docs":     true,
	"search_memory":   true,
	"read_rulebook":   true,
	"local_code_search": true,
	"generate_password": true,
	"get_all_tasks":   true,
	"get_task_details": true,
	"wait_for_tasks":  true,
}

// mutatingTools ask by default: each one changes local or remote state, or
// starts an expensive/dangerous operation.
var mutatingTools = map[string]bool{
	"create":               true,
	"str_replace":          true,
	"run_command":          true,
	"run_command_task":     true,
	"subagent_task":        true,
	"dynamic_subagent_task": true,
	"cancel_task":          true,
	"remove":               true,
	"generate_code":        true,
}

// DefaultPolicy returns the spec's default routing: read-only tools
// auto-approve, mutating tools ask, and unknown tools ask (the safe
// default for anything not explicitly classified).
func DefaultPolicy() *Policy {
	rules := make(map[string]Rule, len(readOnlyTools)+len(mutatingTools))
	for name := range readOnlyTools {
		rules[name] = RuleApprove
	}
	for name := range mutatingTools {
		rules[name] = RuleAsk
	}
	return &Policy{Mode: ModeCustom, Rules: rules, Default: RuleAsk}
}

// Route resolves the canonical (prefix-stripped) tool name against the
// policy. Callers are responsible for stripping any "server__" MCP prefix
// before calling Route, matching the registry's dispatch order.
func (p *Policy) Route(toolName string) Rule {
	switch p.Mode {
	case ModeAll:
		return RuleApprove
	case ModeNone:
		return RuleAsk
	default:
		if rule, ok := p.Rules[toolName]; ok {
			return rule
		}
		return p.Default
	}
}
