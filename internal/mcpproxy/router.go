package mcpproxy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// canonicalSep joins an upstream ID and its tool's local name into the
// proxy's merged namespace: "{upstream}__{tool}".
const canonicalSep = "__"

// Router aggregates a fixed set of upstreams into one merged tool catalog
// and dispatches calls back to the owning upstream by canonical-name
// prefix.
type Router struct {
	mu        sync.RWMutex
	upstreams map[string]Upstream
	order     []string
}

// NewRouter builds a router over the given upstreams, keyed by ID().
// Duplicate IDs are rejected by keeping the first registration.
func NewRouter(upstreams ...Upstream) *Router {
	r := &Router{upstreams: make(map[string]Upstream, len(upstreams))}
	for _, u := range upstreams {
		r.Add(u)
	}
	return r
}

// Add registers another upstream, ignored if its ID is already taken.
func (r *Router) Add(u Upstream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.upstreams[u.ID()]; exists {
		return
	}
	r.upstreams[u.ID()] = u
	r.order = append(r.order, u.ID())
}

// CanonicalTool is a merged catalog entry, carrying both its public
// canonical name and the upstream/local-name pair it resolves to.
type CanonicalTool struct {
	CanonicalName string
	UpstreamID    string
	LocalName     string
	ToolDescriptor
}

// ListTools merges every upstream's catalog under the canonical
// "{upstream}__{tool}" namespace. Upstreams that fail to list are skipped
// with their error reported, not fatal to the overall merge.
func (r *Router) ListTools(ctx context.Context) ([]CanonicalTool, map[string]error) {
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	upstreams := make(map[string]Upstream, len(r.upstreams))
	for k, v := range r.upstreams {
		upstreams[k] = v
	}
	r.mu.RUnlock()

	sort.Strings(ids)

	var merged []CanonicalTool
	errs := make(map[string]error)
	for _, id := range ids {
		tools, err := upstreams[id].ListTools(ctx)
		if err != nil {
			errs[id] = err
			continue
		}
		for _, t := range tools {
			merged = append(merged, CanonicalTool{
				CanonicalName:  id + canonicalSep + t.Name,
				UpstreamID:     id,
				LocalName:      t.Name,
				ToolDescriptor: t,
			})
		}
	}
	return merged, errs
}

// ErrUpstreamNotFound is returned when a canonical name's prefix doesn't
// match any registered upstream.
type ErrUpstreamNotFound struct{ CanonicalName string }

func (e *ErrUpstreamNotFound) Error() string {
	return fmt.Sprintf("mcpproxy: no upstream owns tool %q", e.CanonicalName)
}

// CallTool resolves name's upstream prefix and forwards the call, framing
// the result as a proxy-level error (is_error=true) rather than a
// transport failure when the upstream itself errors.
func (r *Router) CallTool(ctx context.Context, canonicalName string, arguments []byte) (*CallResult, error) {
	idx := strings.Index(canonicalName, canonicalSep)
	if idx < 0 {
		return nil, &ErrUpstreamNotFound{CanonicalName: canonicalName}
	}
	upstreamID, localName := canonicalName[:idx], canonicalName[idx+len(canonicalSep):]

	r.mu.RLock()
	u, ok := r.upstreams[upstreamID]
	r.mu.RUnlock()
	if !ok {
		return nil, &ErrUpstreamNotFound{CanonicalName: canonicalName}
	}

	result, err := u.CallTool(ctx, localName, arguments)
	if err != nil {
		return &CallResult{Text: err.Error(), IsError: true}, nil
	}
	return result, nil
}
