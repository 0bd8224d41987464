// Package main provides the CLI entry point for the agent subprocess: a
// single-shot (or resumed) run of the agent turn loop against one prompt,
// emitting an async manifest on stdout when invoked with -a -o json.
//
// # Basic usage
//
//	agent "fix the failing test in pkg/foo"
//	agent -a -o json -c CHECKPOINT_ID --approve-all "continue"
//
// # Environment variables
//
//   - AGENT_PROFILE: profile name (uses ~/.agent/profiles/<name>.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, AWS credentials for Bedrock
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/outpost9/coderunner/internal/agent"
	"github.com/outpost9/coderunner/internal/agent/providers"
	"github.com/outpost9/coderunner/internal/approval"
	"github.com/outpost9/coderunner/internal/autopilot"
	"github.com/outpost9/coderunner/internal/checkpoint"
	"github.com/outpost9/coderunner/internal/config"
	"github.com/outpost9/coderunner/internal/manifest"
	"github.com/outpost9/coderunner/internal/mcp"
	"github.com/outpost9/coderunner/internal/mcpproxy"
	"github.com/outpost9/coderunner/internal/profile"
	"github.com/outpost9/coderunner/internal/sessions"
	"github.com/outpost9/coderunner/internal/subprocess"
	"github.com/outpost9/coderunner/internal/tools/exec"
	"github.com/outpost9/coderunner/internal/tools/files"
	"github.com/outpost9/coderunner/internal/tools/subagent"
	"github.com/outpost9/coderunner/pkg/models"
	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// runFlags collects the agent subprocess CLI's flags (§6).
type runFlags struct {
	async           bool
	print           bool
	outputFormat    string
	checkpointID    string
	profileName     string
	promptFile      string
	maxSteps        int
	pauseOnApproval bool
	approveIDs      []string
	rejectIDs       []string
	approveAll      bool
	rejectAll       bool
	allowedTools    []string
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var flags runFlags

	rootCmd := &cobra.Command{
		Use:   "agent [flags] PROMPT",
		Short: "Run a terminal-resident coding agent turn",
		Long: `agent runs one turn of a coding-agent loop against a prompt, optionally
resuming from a prior checkpoint and resolving pending tool approvals.

Exit codes: 0 success, 10 paused (see --pause-on-approval), non-zero any
other failure.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		Args:         cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := resolvePrompt(flags.promptFile, args)
			if err != nil {
				return err
			}
			return runAgent(cmd.Context(), flags, prompt)
		},
	}

	rootCmd.PersistentFlags().StringVar(&flags.profileName, "profile", "", "Profile name (uses ~/.agent/profiles/<name>.yaml; or set AGENT_PROFILE)")
	rootCmd.Flags().BoolVarP(&flags.async, "async", "a", false, "Run asynchronously, emitting an async manifest on exit")
	rootCmd.Flags().BoolVarP(&flags.print, "print", "p", false, "Print only the final agent message, not the full transcript")
	rootCmd.Flags().StringVarP(&flags.outputFormat, "output", "o", "text", "Output format: json or text")
	rootCmd.Flags().StringVarP(&flags.checkpointID, "checkpoint", "c", "", "Resume from this checkpoint ID")
	rootCmd.Flags().StringVar(&flags.promptFile, "prompt-file", "", "Read the prompt from this file instead of the command line")
	rootCmd.Flags().IntVar(&flags.maxSteps, "max-steps", 0, "Maximum turn-loop steps (0 = use profile default)")
	rootCmd.Flags().BoolVar(&flags.pauseOnApproval, "pause-on-approval", false, "Pause and emit a manifest instead of blocking on tool approval")
	rootCmd.Flags().StringArrayVar(&flags.approveIDs, "approve", nil, "Approve a specific pending tool call ID (repeatable)")
	rootCmd.Flags().StringArrayVar(&flags.rejectIDs, "reject", nil, "Reject a specific pending tool call ID (repeatable)")
	rootCmd.Flags().BoolVar(&flags.approveAll, "approve-all", false, "Approve all pending tool calls on resume")
	rootCmd.Flags().BoolVar(&flags.rejectAll, "reject-all", false, "Reject all pending tool calls on resume")
	rootCmd.Flags().StringArrayVarP(&flags.allowedTools, "tool", "t", nil, "Restrict the tool registry to this tool (repeatable)")

	rootCmd.AddCommand(buildAutopilotCmd(&flags))
	rootCmd.AddCommand(buildMCPProxyCmd(&flags))

	return rootCmd
}

// buildMCPProxyCmd wires the mTLS MCP aggregation proxy: it connects to
// every auto-start upstream in the active profile's mcp section, adds this
// process's own local tool registry as a "local" upstream, and serves the
// merged catalog on one /mcp endpoint.
func buildMCPProxyCmd(flags *runFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp-proxy",
		Short: "Serve the mTLS MCP aggregation proxy",
		Long: `mcp-proxy aggregates this process's local tool registry and every
configured upstream MCP server behind one mTLS endpoint, merging their tool
catalogs under a "{upstream}__{tool}" canonical namespace.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCPProxy(cmd.Context(), flags.profileName, flags.allowedTools)
		},
	}
}

// buildAutopilotCmd wires the cron-driven trigger scheduler: it reuses
// --profile to pick a config file, reads its [autopilot] section, and runs
// until the process is signaled to stop, spawning this same binary as a
// subprocess for each trigger that fires.
func buildAutopilotCmd(flags *runFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "autopilot",
		Short: "Run the cron-driven trigger scheduler",
		Long: `autopilot loads triggers from the active profile's autopilot section and
runs them on their configured cron schedule, spawning this agent binary as a
subprocess for each trigger that fires and passes its check gate.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAutopilot(cmd.Context(), flags.profileName)
		},
	}
}

func resolvePrompt(promptFile string, args []string) (string, error) {
	if promptFile != "" {
		b, err := os.ReadFile(promptFile)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		return string(b), nil
	}
	if len(args) == 0 {
		return "", fmt.Errorf("PROMPT is required unless --prompt-file is set")
	}
	return strings.Join(args, " "), nil
}

func resolveConfigPath(profileName string) string {
	active := strings.TrimSpace(profileName)
	if active == "" {
		active = strings.TrimSpace(os.Getenv("AGENT_PROFILE"))
	}
	if active != "" {
		return profile.ProfileConfigPath(active)
	}
	return profile.DefaultConfigPath()
}

// runAgent wires the checkpoint store, approval batch, provider, and
// runtime together for a single turn, then renders the result.
func runAgent(ctx context.Context, flags runFlags, prompt string) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	cfgPath := resolveConfigPath(flags.profileName)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Warn("failed to load config, using defaults", "error", err, "path", cfgPath)
		cfg = &config.Config{}
	}

	store, err := checkpoint.OpenSQLiteStore(checkpointDBPath(cfg))
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	var sessionID string
	var active checkpoint.Checkpoint
	if flags.checkpointID != "" {
		active, err = store.GetCheckpoint(ctx, flags.checkpointID)
		if err != nil {
			return fmt.Errorf("resume checkpoint %s: %w", flags.checkpointID, err)
		}
		sessionID = active.SessionID
	} else {
		sessionID, active, err = store.CreateSession(ctx, checkpoint.NewSessionInput{
			Title: truncateTitle(prompt),
			CWD:   cwd,
		})
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
	}

	if flags.approveAll && flags.rejectAll {
		return fmt.Errorf("--approve-all and --reject-all are mutually exclusive")
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}

	sessionStore := sessions.NewMemoryStore()
	runtime := agent.NewRuntime(provider, sessionStore)
	if flags.maxSteps > 0 {
		runtime.SetMaxIterations(flags.maxSteps)
	}
	registerDefaultTools(runtime, cwd, flags.allowedTools)

	modelSession := &models.Session{
		ID:      sessionID,
		Channel: models.ChannelCLI,
		Key:     sessionID,
	}
	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Direction: models.DirectionInbound,
		Content:   prompt,
		CreatedAt: time.Now().UTC(),
	}

	runOpts := agent.RuntimeOptions{
		PauseOnApproval:        flags.pauseOnApproval,
		ApproveAllPending:      flags.approveAll,
		RejectAllPending:       flags.rejectAll,
		PreApprovedToolCallIDs: toIDSet(flags.approveIDs),
		PreRejectedToolCallIDs: toIDSet(flags.rejectIDs),
	}
	ctx = agent.WithRuntimeOptions(ctx, runOpts)

	chunks, err := runtime.Process(ctx, modelSession, msg)
	if err != nil {
		return fmt.Errorf("process: %w", err)
	}

	result := drainChunks(chunks, flags)

	// The batch reflects the run's actual outcome: it is built from the
	// pending calls the runtime itself blocked on, not constructed (empty)
	// before the run started.
	batch := approval.NewBatch(pendingCallsFrom(result.pendingApprovals))

	steps := 1
	outcome := manifest.OutcomeCompleted
	var pauseReason *manifest.PauseReason
	if flags.pauseOnApproval && !batch.Resolved() && len(batch.Calls()) > 0 {
		outcome = manifest.OutcomePaused
		pending := make([]manifest.PendingToolCall, 0, len(batch.Calls()))
		for _, c := range batch.Calls() {
			pending = append(pending, manifest.PendingToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments})
		}
		pauseReason = &manifest.PauseReason{Type: manifest.ReasonToolApprovalRequired, PendingToolCalls: pending}
	}

	next, err := store.CreateCheckpoint(ctx, sessionID, checkpoint.NewCheckpointInput{
		ParentID: active.ID,
		Status:   checkpointStatusFor(outcome),
	})
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}

	m := manifest.AsyncManifest{
		Outcome:      outcome,
		CheckpointID: next.ID,
		SessionID:    sessionID,
		Model:        resolveModel(cfg),
		AgentMessage: result.text,
		Steps:        steps,
		TotalSteps:   steps,
		PauseReason:  pauseReason,
	}
	if pauseReason != nil {
		m.ResumeHint = fmt.Sprintf("agent -c %s --approve-all", next.ID)
	}

	if flags.async && flags.outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("encode manifest: %w", err)
		}
	} else if !flags.print {
		fmt.Println(m.String())
	} else {
		fmt.Println(result.text)
	}

	if outcome == manifest.OutcomePaused {
		os.Exit(manifest.ExitPaused)
	}
	if result.err != nil {
		return result.err
	}
	return nil
}

// runAutopilot loads the active profile's autopilot config, registers each
// configured trigger against a cron-driven scheduler, and blocks until the
// process receives an interrupt or terminate signal.
func runAutopilot(ctx context.Context, profileName string) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	cfgPath := resolveConfigPath(profileName)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Autopilot.Enabled {
		slog.Info("autopilot disabled in config, exiting", "path", cfgPath)
		return nil
	}

	agentCommand := cfg.Autopilot.AgentCommand
	if len(agentCommand) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve agent executable: %w", err)
		}
		agentCommand = []string{exe, "--async"}
	}

	taskMgr := subprocess.NewManager(slog.Default())
	defer taskMgr.Shutdown(10 * time.Second)

	scheduler := autopilot.NewScheduler(agentCommand, taskMgr, autopilot.WithLogger(slog.Default()))

	for _, tc := range cfg.Autopilot.Triggers {
		t := autopilot.Trigger{
			Name:            tc.Name,
			Schedule:        tc.Schedule,
			CheckScript:     tc.CheckScript,
			CheckTimeout:    tc.CheckTimeout,
			CheckTriggerOn:  autopilot.CheckOutcome(tc.CheckTriggerOn),
			PromptTemplate:  tc.PromptTemplate,
			Profile:         tc.Profile,
			AgentTimeout:    tc.AgentTimeout,
			PauseOnApproval: tc.PauseOnApproval,
			NotifyOn:        tc.NotifyOn,
			NotifyChannel:   tc.NotifyChannel,
			NotifyChat:      tc.NotifyChat,
		}
		if err := scheduler.Register(t); err != nil {
			return fmt.Errorf("register trigger %q: %w", tc.Name, err)
		}
	}

	scheduler.Start(ctx)
	<-ctx.Done()
	scheduler.Stop()
	return nil
}

// runMCPProxy connects to every auto-start upstream from the active
// profile's mcp section, adds the local tool registry as its own upstream,
// and blocks serving the aggregated mTLS endpoint until signaled to stop.
func runMCPProxy(ctx context.Context, profileName string, allowedTools []string) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	cfgPath := resolveConfigPath(profileName)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mgr := mcp.NewManager(&cfg.MCP, slog.Default())
	defer func() {
		if err := mgr.Stop(); err != nil {
			slog.Warn("mcp-proxy: error disconnecting upstreams on shutdown", "error", err)
		}
	}()
	if err := mgr.Start(ctx); err != nil {
		slog.Warn("mcp-proxy: some upstreams failed to connect during startup", "error", err)
	}

	router := mcpproxy.NewRouter()
	for _, serverCfg := range cfg.MCP.Servers {
		if !serverCfg.AutoStart {
			continue
		}
		if err := mcpproxy.ConnectWithRetry(ctx, mgr, serverCfg.ID); err != nil {
			slog.Warn("mcp-proxy: upstream unavailable, excluded from catalog", "upstream", serverCfg.ID, "error", err)
			continue
		}
		router.Add(mcpproxy.NewRemoteUpstream(serverCfg.ID, mgr))
	}

	for _, status := range mgr.Status() {
		slog.Info("mcp-proxy: upstream status",
			"server", status.ID, "connected", status.Connected, "tools", status.Tools)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}
	provider, err := buildProvider(cfg)
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}
	runtime := agent.NewRuntime(provider, sessions.NewMemoryStore())
	registerDefaultTools(runtime, cwd, allowedTools)
	router.Add(mcpproxy.NewLocalUpstream("local", runtime.Tools()))

	proxyCfg := mcpproxy.Config{
		ListenAddr:       cfg.MCPProxy.ListenAddr,
		ServerCertFile:   cfg.MCPProxy.ServerCertFile,
		ServerKeyFile:    cfg.MCPProxy.ServerKeyFile,
		ClientCAFile:     cfg.MCPProxy.ClientCAFile,
		UpstreamCertFile: cfg.MCPProxy.UpstreamCertFile,
		UpstreamKeyFile:  cfg.MCPProxy.UpstreamKeyFile,
		UpstreamCAFile:   cfg.MCPProxy.UpstreamCAFile,
		RedactSecrets:    cfg.MCPProxy.RedactSecrets,
		PrivacyMode:      cfg.MCPProxy.PrivacyMode,
	}
	server := mcpproxy.NewServer(proxyCfg, router, slog.Default())
	slog.Info("mcp-proxy: serving aggregated MCP endpoint", "addr", proxyCfg.ListenAddr)
	return server.ListenAndServeTLS(ctx)
}

func checkpointStatusFor(outcome manifest.Outcome) checkpoint.CheckpointStatus {
	if outcome == manifest.OutcomePaused {
		return checkpoint.CheckpointRunning
	}
	return checkpoint.CheckpointComplete
}

type processedResult struct {
	text             string
	err              error
	pendingApprovals []models.ToolCall
}

func drainChunks(chunks <-chan *agent.ResponseChunk, flags runFlags) processedResult {
	var sb strings.Builder
	var result processedResult
	for c := range chunks {
		if c.Error != nil {
			result.err = c.Error
			continue
		}
		if len(c.PendingApprovals) > 0 {
			result.pendingApprovals = append(result.pendingApprovals, c.PendingApprovals...)
			continue
		}
		sb.WriteString(c.Text)
		if !flags.print && c.Text != "" {
			fmt.Print(c.Text)
		}
	}
	result.text = sb.String()
	return result
}

// pendingCallsFrom converts the tool calls a paused run surfaced into the
// batch shape used for manifest reporting.
func pendingCallsFrom(calls []models.ToolCall) []approval.PendingCall {
	out := make([]approval.PendingCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, approval.PendingCall{ID: c.ID, Name: c.Name, Arguments: c.Input})
	}
	return out
}

// toIDSet turns a repeatable --approve/--reject flag's collected values into
// the set form RuntimeOptions.Pre{Approved,Rejected}ToolCallIDs expects.
func toIDSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// registerDefaultTools wires the filesystem, exec, and subagent-spawn tools
// into the runtime, then narrows the registry to --tool/-t if it was given.
func registerDefaultTools(runtime *agent.Runtime, cwd string, allowed []string) {
	fileCfg := files.Config{Workspace: cwd}
	runtime.RegisterTool(files.NewReadTool(fileCfg))
	runtime.RegisterTool(files.NewWriteTool(fileCfg))
	runtime.RegisterTool(files.NewEditTool(fileCfg))
	runtime.RegisterTool(files.NewApplyPatchTool(fileCfg))

	execMgr := exec.NewManager(cwd)
	runtime.RegisterTool(exec.NewExecTool("run_command", execMgr))
	runtime.RegisterTool(exec.NewProcessTool(execMgr))

	subMgr := subagent.NewManager(runtime, 4)
	runtime.RegisterTool(subagent.NewSpawnTool(subMgr))
	runtime.RegisterTool(subagent.NewStatusTool(subMgr))
	runtime.RegisterTool(subagent.NewCancelTool(subMgr))

	taskMgr := subprocess.NewManager(slog.Default())
	runtime.RegisterTool(exec.NewRunCommandTaskTool(taskMgr))
	runtime.RegisterTool(exec.NewResumeTaskTool(taskMgr))
	runtime.RegisterTool(exec.NewCancelTaskTool(taskMgr))
	runtime.RegisterTool(exec.NewTaskStatusTool(taskMgr))

	if len(allowed) == 0 {
		return
	}
	keep := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		keep[name] = true
	}
	for _, t := range runtime.Tools().AsLLMTools() {
		if !keep[t.Name()] {
			runtime.UnregisterTool(t.Name())
		}
	}
}

// buildProvider selects and constructs the LLM provider named by
// cfg.LLM.DefaultProvider, falling back to Anthropic when config is absent.
func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	name := "anthropic"
	if cfg != nil && cfg.LLM.DefaultProvider != "" {
		name = cfg.LLM.DefaultProvider
	}
	providerCfg := config.LLMProviderConfig{}
	if cfg != nil {
		providerCfg = cfg.LLM.Providers[name]
	}

	switch name {
	case "anthropic":
		apiKey := providerCfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
		}
		return providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: apiKey, BaseURL: providerCfg.BaseURL})
	case "openai":
		apiKey := providerCfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required")
		}
		return providers.NewOpenAIProvider(apiKey), nil
	case "google", "gemini":
		apiKey := providerCfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("GOOGLE_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("GOOGLE_API_KEY is required")
		}
		return providers.NewGoogleProvider(providers.GoogleConfig{APIKey: apiKey})
	case "bedrock":
		return providers.NewBedrockProvider(providers.BedrockConfig{})
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

func checkpointDBPath(cfg *config.Config) string {
	if cfg != nil && cfg.Database.URL != "" {
		return cfg.Database.URL
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "agent-checkpoints.db"
	}
	return home + "/.agent/checkpoints.db"
}

func resolveModel(cfg *config.Config) string {
	if cfg == nil {
		return ""
	}
	if p, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; ok {
		return p.DefaultModel
	}
	return ""
}

func truncateTitle(prompt string) string {
	const max = 80
	if len(prompt) <= max {
		return prompt
	}
	return prompt[:max] + "..."
}

// signalContext cancels ctx on the first SIGINT/SIGTERM and hard-exits on a
// second signal, matching the "cancel-first, then graceful" contract of §6.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		slog.Info("signal received, cancelling run")
		cancel()
		<-sigCh
		slog.Warn("second signal received, exiting immediately")
		os.Exit(1)
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
