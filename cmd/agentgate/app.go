package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"agentgate/internal/audit"
	"agentgate/internal/db"
	"agentgate/internal/driver"
	"agentgate/internal/engine"
	"agentgate/internal/gitx"
	"agentgate/internal/sandbox"
	"agentgate/internal/snapshot"
	"agentgate/internal/store"
	"agentgate/internal/telemetry"
	"agentgate/internal/workspace"
)

// buildApplication assembles the engine from configuration. Everything is
// constructed here so commands share one wiring path.
func buildApplication() (*engine.Application, error) {
	stateDir := viper.GetString("state_dir")

	st, err := store.New(stateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	gitClient := gitx.NewClient()
	workspaces := workspace.NewManager(gitClient, telemetry.Component("workspace"))
	snapshots := snapshot.NewManager(gitClient)

	drivers := driver.NewRegistry()
	claude := driver.NewSubprocessDriver("claude", claudeArgv, driver.Capabilities{
		SupportsSessionResume:    true,
		SupportsStructuredOutput: true,
		SupportsTimeout:          true,
		MaxTurns:                 200,
	}, telemetry.Component("driver"))
	claude.SubscriptionMode = true
	drivers.Register(claude)
	drivers.Register(driver.NewMockDriver("mock"))

	sandboxLogger := telemetry.Component("sandbox")
	providers := map[string]sandbox.Provider{
		"subprocess": sandbox.NewSubprocessProvider(sandboxLogger),
	}
	if viper.GetString("sandbox.provider") == "docker" {
		dockerProvider, err := sandbox.NewDockerProvider(sandboxLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize docker sandbox: %w", err)
		}
		providers["docker"] = dockerProvider
	}

	auditOpts := audit.OptionsFromEnv(filepath.Join(stateDir, "audit", "security.jsonl"))
	auditOpts.MaxSize = viper.GetInt64("audit.max_size_bytes")
	auditOpts.Retention = time.Duration(viper.GetInt("audit.retention_days")) * 24 * time.Hour
	auditLog, err := audit.NewLogger(auditOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	conn := viper.GetString("db.connection_string")
	if conn == "" {
		conn = filepath.Join(stateDir, "agentgate.db")
	}
	history, err := db.NewStore(db.StoreConfig{
		Type:             viper.GetString("db.type"),
		ConnectionString: conn,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	opts := engine.Options{
		MaxConcurrent:   viper.GetInt("max_concurrent"),
		MaxQueueSize:    viper.GetInt("max_queue_size"),
		ExecTimeout:     time.Duration(viper.GetInt("exec_timeout_seconds")) * time.Second,
		KillGrace:       time.Duration(viper.GetInt("kill_grace_seconds")) * time.Second,
		SandboxProvider: viper.GetString("sandbox.provider"),
		SandboxImage:    viper.GetString("sandbox.image"),
		MemoryBytes:     viper.GetInt64("sandbox.memory_bytes"),
		CPUQuota:        viper.GetInt64("sandbox.cpu_quota"),
		PidsLimit:       viper.GetInt64("sandbox.pids_limit"),
	}
	return engine.New(opts, engine.Deps{
		Drivers:    drivers,
		Workspaces: workspaces,
		Snapshots:  snapshots,
		Providers:  providers,
		Store:      st,
		Audit:      auditLog,
		History:    history,
		Logger:     telemetry.Component("engine"),
	})
}

// claudeArgv builds the agent CLI invocation. Prompt and feedback travel as
// one -p argument; streaming output is requested so the driver can parse
// events as they arrive.
func claudeArgv(req driver.Request) []string {
	prompt := req.Task
	if req.Feedback != "" {
		prompt = req.Task + "\n\n" + req.Feedback
	}
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if req.AdditionalSystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.AdditionalSystemPrompt)
	}
	if req.GatePlanSummary != "" {
		args = append(args, "--append-system-prompt", req.GatePlanSummary)
	}
	return args
}
