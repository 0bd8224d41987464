// Package streamassembler reassembles indexed provider stream events into an
// ordered list of content parts.
//
// Providers multiplex text, reasoning, and tool-call deltas onto a single
// stream keyed by a content-slot index; deltas for one slot may arrive
// interleaved with deltas for other slots. The assembler buffers by index and
// only commits to output order once a run finishes, so callers never have to
// reason about arrival order themselves.
package streamassembler

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// EventKind identifies the shape of a StreamEvent.
type EventKind int

const (
	TextDelta EventKind = iota
	ReasoningDelta
	ToolCallStart
	ToolCallArgumentsDelta
	ToolCallEnd
)

// StreamEvent is one indexed delta emitted by a provider adapter's stream.
//
// Index is the content-slot ordinal assigned by the provider. ID/Name are
// only meaningful for tool-call events; Delta carries the incremental text
// for TextDelta/ReasoningDelta/ToolCallArgumentsDelta. Arguments and Metadata
// are only populated on ToolCallEnd.
type StreamEvent struct {
	Kind      EventKind
	Index     int
	Delta     string
	ID        string
	Name      string
	Arguments string
	Metadata  map[string]any
}

// SlotKind is the committed type of a content slot, fixed by its first event.
type SlotKind string

const (
	SlotText     SlotKind = "text"
	SlotReasoning SlotKind = "reasoning"
	SlotToolCall SlotKind = "tool_call"
)

// ContentPart is one element of the finalized, ordered content list.
type ContentPart struct {
	Kind SlotKind

	// Text holds the accumulated string for SlotText/SlotReasoning.
	Text string

	// Tool-call fields, populated for SlotToolCall.
	ToolCallID   string
	ToolCallName string
	Arguments    json.RawMessage
	Metadata     map[string]any
}

// ContentTypeMismatchError is returned when a slot index receives an event of
// a different kind than the one that created it.
type ContentTypeMismatchError struct {
	Index    int
	Original SlotKind
	Got      SlotKind
}

func (e *ContentTypeMismatchError) Error() string {
	return fmt.Sprintf("streamassembler: slot %d started as %s, got %s", e.Index, e.Original, e.Got)
}

// ToolCallIDMismatchError is returned when a second ToolCallStart for an
// already-created slot names a different tool_call id.
type ToolCallIDMismatchError struct {
	Index    int
	Original string
	Got      string
}

func (e *ToolCallIDMismatchError) Error() string {
	return fmt.Sprintf("streamassembler: slot %d started with tool_call id %q, got %q", e.Index, e.Original, e.Got)
}

// InvalidToolCallArgumentsError is returned when a tool call's argument
// buffer cannot be parsed as JSON at finalization time.
type InvalidToolCallArgumentsError struct {
	ID     string
	Source string
	Cause  error
}

func (e *InvalidToolCallArgumentsError) Error() string {
	return fmt.Sprintf("streamassembler: tool call %q has invalid arguments %q: %v", e.ID, e.Source, e.Cause)
}

func (e *InvalidToolCallArgumentsError) Unwrap() error { return e.Cause }

// OrphanDeltaWarning describes a ToolCallArgumentsDelta that arrived for an
// index with no prior ToolCallStart. Per the assembler's contract such a
// delta is discarded rather than failing the whole run; Assembler.Warnings
// accumulates one of these per occurrence.
type OrphanDeltaWarning struct {
	Index int
	Delta string
}

func (w OrphanDeltaWarning) String() string {
	return fmt.Sprintf("streamassembler: discarded tool-call-arguments delta for slot %d with no ToolCallStart", w.Index)
}

// PostEndDeltaWarning describes a ToolCallStart or ToolCallArgumentsDelta
// that arrived for a slot after its ToolCallEnd had already finalized. Per
// the resolved Open Question (spec.md §9), these are discarded rather than
// mutating the already-finalized slot.
type PostEndDeltaWarning struct {
	Index int
	Kind  EventKind
}

func (w PostEndDeltaWarning) String() string {
	return fmt.Sprintf("streamassembler: discarded event kind %d for slot %d received after ToolCallEnd", w.Kind, w.Index)
}

type slot struct {
	kind      SlotKind
	text      strings.Builder
	toolID    string
	toolName  string
	args      strings.Builder
	finalArgs json.RawMessage
	hasFinal  bool
	metadata  map[string]any
}

// Assembler reconstructs an ordered content list from a finite sequence of
// indexed stream events. It is pure and holds no I/O: replaying the same
// event sequence into a fresh Assembler always yields the same result, which
// makes it safe to use for retry/replay of a captured stream.
type Assembler struct {
	slots    map[int]*slot
	order    []int
	warnings []fmt.Stringer
}

// New returns an empty Assembler.
func New() *Assembler {
	return &Assembler{slots: make(map[int]*slot)}
}

// Warnings returns the non-fatal issues accumulated so far: tool-call-
// arguments deltas that arrived before any ToolCallStart (OrphanDeltaWarning)
// and events that arrived for a slot after its ToolCallEnd (PostEndDeltaWarning).
func (a *Assembler) Warnings() []fmt.Stringer { return a.warnings }

// Feed processes one event, mutating the relevant slot's buffer. It returns
// an error only for the two fatal mismatches defined by the contract;
// everything else (orphan deltas, late ToolCallEnd) degrades gracefully.
func (a *Assembler) Feed(ev StreamEvent) error {
	switch ev.Kind {
	case TextDelta:
		return a.feedText(ev.Index, SlotText, ev.Delta)
	case ReasoningDelta:
		return a.feedText(ev.Index, SlotReasoning, ev.Delta)
	case ToolCallStart:
		return a.feedToolCallStart(ev.Index, ev.ID, ev.Name)
	case ToolCallArgumentsDelta:
		return a.feedToolCallArgsDelta(ev.Index, ev.Delta)
	case ToolCallEnd:
		return a.feedToolCallEnd(ev.Index, ev.ID, ev.Name, ev.Arguments, ev.Metadata)
	default:
		return fmt.Errorf("streamassembler: unknown event kind %d", ev.Kind)
	}
}

func (a *Assembler) getOrCreate(index int, kind SlotKind) (*slot, error) {
	s, ok := a.slots[index]
	if !ok {
		s = &slot{kind: kind}
		a.slots[index] = s
		a.order = append(a.order, index)
		return s, nil
	}
	if s.kind != kind {
		return nil, &ContentTypeMismatchError{Index: index, Original: s.kind, Got: kind}
	}
	return s, nil
}

func (a *Assembler) feedText(index int, kind SlotKind, delta string) error {
	s, err := a.getOrCreate(index, kind)
	if err != nil {
		return err
	}
	s.text.WriteString(delta)
	return nil
}

func (a *Assembler) feedToolCallStart(index int, id, name string) error {
	s, err := a.getOrCreate(index, SlotToolCall)
	if err != nil {
		return err
	}
	if s.hasFinal {
		a.warnings = append(a.warnings, PostEndDeltaWarning{Index: index, Kind: ToolCallStart})
		return nil
	}
	if s.toolID == "" {
		s.toolID = id
	} else if id != "" && id != s.toolID {
		return &ToolCallIDMismatchError{Index: index, Original: s.toolID, Got: id}
	}
	// An empty name in a later event does not overwrite a set name.
	if name != "" {
		s.toolName = name
	}
	return nil
}

func (a *Assembler) feedToolCallArgsDelta(index int, delta string) error {
	s, ok := a.slots[index]
	if !ok {
		// No ToolCallStart seen yet for this index: discard with a warning
		// rather than fabricating a slot of unknown kind.
		a.warnings = append(a.warnings, OrphanDeltaWarning{Index: index, Delta: delta})
		return nil
	}
	if s.kind != SlotToolCall {
		return &ContentTypeMismatchError{Index: index, Original: s.kind, Got: SlotToolCall}
	}
	if s.hasFinal {
		a.warnings = append(a.warnings, PostEndDeltaWarning{Index: index, Kind: ToolCallArgumentsDelta})
		return nil
	}
	s.args.WriteString(delta)
	return nil
}

func (a *Assembler) feedToolCallEnd(index int, id, name, arguments string, metadata map[string]any) error {
	s, err := a.getOrCreate(index, SlotToolCall)
	if err != nil {
		return err
	}
	if s.toolID == "" {
		s.toolID = id
	} else if id != "" && id != s.toolID {
		return &ToolCallIDMismatchError{Index: index, Original: s.toolID, Got: id}
	}
	if name != "" {
		s.toolName = name
	}
	if arguments != "" {
		s.finalArgs = json.RawMessage(arguments)
		s.hasFinal = true
	}
	if metadata != nil {
		s.metadata = metadata
	}
	return nil
}

// Finalize drains all buffered slots into an ordered content list. Tool-call
// slots with no authoritative ToolCallEnd arguments fall back to parsing the
// accumulated delta buffer as JSON; an empty buffer becomes an empty object,
// and a malformed buffer fails with InvalidToolCallArgumentsError.
func (a *Assembler) Finalize() ([]ContentPart, error) {
	indices := append([]int(nil), a.order...)
	sort.Ints(indices)

	parts := make([]ContentPart, 0, len(indices))
	for _, idx := range indices {
		s := a.slots[idx]
		switch s.kind {
		case SlotText, SlotReasoning:
			parts = append(parts, ContentPart{Kind: s.kind, Text: s.text.String()})
		case SlotToolCall:
			args, err := s.resolveArguments()
			if err != nil {
				return nil, err
			}
			parts = append(parts, ContentPart{
				Kind:         SlotToolCall,
				ToolCallID:   s.toolID,
				ToolCallName: s.toolName,
				Arguments:    args,
				Metadata:     s.metadata,
			})
		}
	}
	return parts, nil
}

func (s *slot) resolveArguments() (json.RawMessage, error) {
	if s.hasFinal {
		return s.finalArgs, nil
	}
	raw := strings.TrimSpace(s.args.String())
	if raw == "" {
		return json.RawMessage("{}"), nil
	}
	var probe any
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return nil, &InvalidToolCallArgumentsError{ID: s.toolID, Source: raw, Cause: err}
	}
	return json.RawMessage(raw), nil
}
