// Package cachecontrol enforces provider prompt-cache breakpoint limits
// before a request is serialized to the wire.
//
// Anthropic-style providers let a request mark up to a small number of
// "breakpoints" — content boundaries after which the provider should cache
// the prefix. Not every context can carry one (a thinking block can't), and
// there's a hard cap on how many a single request may declare. The validator
// walks a request's carriers in declaration order and enforces both rules,
// dropping markers that violate them and recording why.
package cachecontrol

import "fmt"

// ContextKind names the position of a cache-marker carrier within a request.
type ContextKind string

const (
	SystemMessage        ContextKind = "system_message"
	UserMessage          ContextKind = "user_message"
	UserMessagePart      ContextKind = "user_message_part"
	AssistantMessage     ContextKind = "assistant_message"
	AssistantMessagePart ContextKind = "assistant_message_part"
	ToolResult           ContextKind = "tool_result"
	ToolResultPart       ContextKind = "tool_result_part"
	ToolDefinition       ContextKind = "tool_definition"
	ImageContent         ContextKind = "image_content"
	DocumentContent      ContextKind = "document_content"
	ThinkingBlock        ContextKind = "thinking_block"
	RedactedThinkingBlock ContextKind = "redacted_thinking_block"
)

// CacheContext describes whether markers are permitted for a given carrier.
type CacheContext struct {
	Kind     ContextKind
	CanCache bool
}

var contextTable = map[ContextKind]bool{
	SystemMessage:         true,
	UserMessage:           true,
	UserMessagePart:       true,
	AssistantMessage:      true,
	AssistantMessagePart:  true,
	ToolResult:            true,
	ToolResultPart:        true,
	ToolDefinition:        true,
	ImageContent:          true,
	DocumentContent:       true,
	ThinkingBlock:         false,
	RedactedThinkingBlock: false,
}

// NewContext constructs a CacheContext for a named carrier kind. Unknown
// kinds are treated as non-cacheable so an unrecognized carrier never slips
// a marker through unvalidated.
func NewContext(kind ContextKind) CacheContext {
	canCache, known := contextTable[kind]
	return CacheContext{Kind: kind, CanCache: known && canCache}
}

// WarningKind names why a marker was dropped.
type WarningKind string

const (
	UnsupportedContext      WarningKind = "unsupported_context"
	BreakpointLimitExceeded WarningKind = "breakpoint_limit_exceeded"
)

// Warning records one dropped cache marker.
type Warning struct {
	Kind    WarningKind
	Context ContextKind
	// Index is the ordinal position of this carrier among all carriers
	// visited so far (declaration order), for diagnostics.
	Index int
}

func (w Warning) String() string {
	return fmt.Sprintf("cachecontrol: dropped marker at carrier #%d (%s): %s", w.Index, w.Context, w.Kind)
}

// MaxBreakpoints is the maximum number of cache-control markers a single
// request may carry.
const MaxBreakpoints = 4

// Marker is a cache-control breakpoint attached to some part of a request.
// Present reports whether the carrier actually declared a marker; a carrier
// with Present=false is simply skipped (nothing to validate).
type Marker struct {
	Present bool
}

// Validator walks a request's carriers in declaration order, dropping
// markers that are invalid for their context or that exceed the per-request
// breakpoint budget. It is stateful across one request: construct a fresh
// Validator per request.
type Validator struct {
	seen     int
	accepted int
	warnings []Warning
}

// New returns a Validator for a single request.
func New() *Validator { return &Validator{} }

// Validate inspects one (marker, context) pair. It returns whether the
// marker survives (false means it must be dropped from the serialized
// request) and appends a Warning when it doesn't.
func (v *Validator) Validate(marker Marker, ctx CacheContext) bool {
	index := v.seen
	v.seen++

	if !marker.Present {
		return false
	}
	if !ctx.CanCache {
		v.warnings = append(v.warnings, Warning{Kind: UnsupportedContext, Context: ctx.Kind, Index: index})
		return false
	}
	if v.accepted >= MaxBreakpoints {
		v.warnings = append(v.warnings, Warning{Kind: BreakpointLimitExceeded, Context: ctx.Kind, Index: index})
		return false
	}
	v.accepted++
	return true
}

// ValidateWithFallback resolves a marker for a part that may inherit a
// marker from its enclosing message: the part's own marker takes precedence;
// if the part has none, the message's marker is used instead.
func (v *Validator) ValidateWithFallback(part, message Marker, ctx CacheContext) bool {
	effective := part
	if !effective.Present {
		effective = message
	}
	return v.Validate(effective, ctx)
}

// Warnings returns every marker dropped so far, in the order encountered.
// Warnings never fail the call; they're surfaced on the response envelope
// for the caller to log or display.
func (v *Validator) Warnings() []Warning { return v.warnings }

// Accepted returns how many markers have survived validation so far.
func (v *Validator) Accepted() int { return v.accepted }
