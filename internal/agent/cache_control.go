package agent

import "github.com/outpost9/coderunner/internal/cachecontrol"

// cacheBreakpointCandidates is how many of the most recent messages are
// offered a cache breakpoint. Anthropic-style incremental caching pays off
// most on the tail of the conversation, since that's what repeats verbatim
// across the next turn.
const cacheBreakpointCandidates = 2

// applyCacheControl decides which carriers in req get a prompt-cache
// breakpoint, running internal/cachecontrol's validation before the request
// is handed to a provider for wire serialization. The system prompt and tool
// definitions are offered first (most stable, highest cache value); the most
// recent messages follow. Markers that don't survive validation (wrong
// context, or the request is already at its breakpoint budget) are dropped
// and reported back as warnings for the caller to surface.
func applyCacheControl(req *CompletionRequest) []string {
	v := cachecontrol.New()

	if req.System != "" {
		req.SystemCacheBreakpoint = v.Validate(cachecontrol.Marker{Present: true}, cachecontrol.NewContext(cachecontrol.SystemMessage))
	}
	if len(req.Tools) > 0 {
		req.ToolsCacheBreakpoint = v.Validate(cachecontrol.Marker{Present: true}, cachecontrol.NewContext(cachecontrol.ToolDefinition))
	}

	for i := range req.Messages {
		msg := &req.Messages[i]
		wantsBreakpoint := i >= len(req.Messages)-cacheBreakpointCandidates

		kind := cachecontrol.UserMessage
		switch msg.Role {
		case "assistant":
			kind = cachecontrol.AssistantMessage
		case "tool":
			kind = cachecontrol.ToolResult
		}

		msg.CacheBreakpoint = v.Validate(cachecontrol.Marker{Present: wantsBreakpoint}, cachecontrol.NewContext(kind))
	}

	warnings := v.Warnings()
	if len(warnings) == 0 {
		return nil
	}
	out := make([]string, len(warnings))
	for i, w := range warnings {
		out[i] = w.String()
	}
	return out
}
