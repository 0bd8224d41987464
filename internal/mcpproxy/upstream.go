// Package mcpproxy implements the server-side half of the MCP aggregation
// story: internal/mcp's Manager gives this process an MCP *client* that
// consumes remote tool servers; this package exposes a single mTLS MCP
// *server* endpoint that fans requests back out to N upstreams (themselves
// fronted by a Manager, plus this process's own local tool registry) and
// merges their catalogs under one canonical namespace.
package mcpproxy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/outpost9/coderunner/internal/agent"
	"github.com/outpost9/coderunner/internal/mcp"
)

// ToolDescriptor is an upstream-agnostic view of a callable tool, the
// proxy's internal currency before a canonical name is assigned.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// CallResult is an upstream-agnostic view of a tool invocation's outcome.
type CallResult struct {
	Text    string
	IsError bool
}

// Upstream is one tool source the proxy aggregates: either a remote MCP
// server reached through a mcp.Manager connection, or this process's own
// tool registry presented as if it were just another upstream.
type Upstream interface {
	ID() string
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*CallResult, error)
}

// RemoteUpstream adapts one mcp.Manager-connected server to Upstream.
type RemoteUpstream struct {
	id  string
	mgr *mcp.Manager
}

// NewRemoteUpstream wraps an already-configured Manager connection as an
// upstream the proxy can aggregate. Connect (with retry) must have already
// succeeded for serverID before this is usable.
func NewRemoteUpstream(id string, mgr *mcp.Manager) *RemoteUpstream {
	return &RemoteUpstream{id: id, mgr: mgr}
}

func (u *RemoteUpstream) ID() string { return u.id }

func (u *RemoteUpstream) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	client, ok := u.mgr.Client(u.id)
	if !ok {
		return nil, fmt.Errorf("mcpproxy: upstream %q not connected", u.id)
	}
	tools := client.Tools()
	out := make([]ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolDescriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out, nil
}

func (u *RemoteUpstream) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*CallResult, error) {
	var args map[string]any
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, fmt.Errorf("mcpproxy: decode arguments: %w", err)
		}
	}
	result, err := u.mgr.CallTool(ctx, u.id, name, args)
	if err != nil {
		return nil, err
	}
	var text string
	for _, c := range result.Content {
		text += c.Text
	}
	return &CallResult{Text: text, IsError: result.IsError}, nil
}

// LocalUpstream presents this process's own agent.ToolRegistry as an
// upstream, so the proxy's single /mcp endpoint can serve the local tool
// server alongside remote ones under the same canonical namespace.
type LocalUpstream struct {
	id       string
	registry *agent.ToolRegistry
}

// NewLocalUpstream wraps the runtime's tool registry as the proxy's
// self-hosted upstream, conventionally named "local".
func NewLocalUpstream(id string, registry *agent.ToolRegistry) *LocalUpstream {
	return &LocalUpstream{id: id, registry: registry}
}

func (u *LocalUpstream) ID() string { return u.id }

func (u *LocalUpstream) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	tools := u.registry.AsLLMTools()
	out := make([]ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolDescriptor{Name: t.Name(), Description: t.Description(), InputSchema: t.Schema()})
	}
	return out, nil
}

func (u *LocalUpstream) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*CallResult, error) {
	result, err := u.registry.Execute(ctx, name, arguments)
	if err != nil {
		return nil, err
	}
	return &CallResult{Text: result.Content, IsError: result.IsError}, nil
}
