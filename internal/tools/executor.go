package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"time"

	"forgekeeper/internal/logging"
	"forgekeeper/internal/types"
)

// Observer receives every completed invocation. The scheduler registers
// one to emit execution events and feed the progress tracker; memory
// registers one to record tool effectiveness.
type Observer func(inv types.ToolInvocation, res types.ToolResult, duration time.Duration)

// Executor dispatches tool invocations against the registry. It is the
// single entry point the scheduler uses: it enforces per-step timeouts,
// truncates output, and converts every failure into a structured tool
// error the diagnostic pipeline can classify. Execute never returns an
// untyped error and never panics on unknown tools.
type Executor struct {
	registry       *Registry
	defaultTimeout time.Duration
	maxTimeout     time.Duration
	maxOutputBytes int
	observers      []Observer
}

// ExecutorOptions carries the execution policy knobs. Zero values fall
// back to the defaults the configuration layer uses.
type ExecutorOptions struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxOutputBytes int
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, opts ExecutorOptions) *Executor {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = 10 * time.Minute
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = 10 * 1024 * 1024
	}
	return &Executor{
		registry:       registry,
		defaultTimeout: opts.DefaultTimeout,
		maxTimeout:     opts.MaxTimeout,
		maxOutputBytes: opts.MaxOutputBytes,
	}
}

// AddObserver registers a completion hook. Not safe to call concurrently
// with Execute; wire observers during startup.
func (e *Executor) AddObserver(obs Observer) {
	e.observers = append(e.observers, obs)
}

// Tools returns descriptors for every registered tool.
func (e *Executor) Tools() []types.ToolInfo {
	return e.registry.Infos()
}

// Execute runs one tool invocation and returns its structured result.
func (e *Executor) Execute(ctx context.Context, inv types.ToolInvocation) types.ToolResult {
	start := time.Now()
	res := e.execute(ctx, inv)
	duration := time.Since(start)

	if res.OK {
		logging.Tools("Executed %s in %s (%d bytes output)", inv.Tool, duration.Round(time.Millisecond), len(res.Output))
	} else {
		logging.ToolsWarn("Tool %s failed after %s: %s", inv.Tool, duration.Round(time.Millisecond), res.Err.Error())
	}

	for _, obs := range e.observers {
		obs(inv, res, duration)
	}
	return res
}

func (e *Executor) execute(ctx context.Context, inv types.ToolInvocation) types.ToolResult {
	tool, err := e.registry.Get(inv.Tool)
	if err != nil {
		return failure(inv.Tool, "tool_not_found", fmt.Sprintf("no tool named %q is registered", inv.Tool), 0, "")
	}

	if missing := missingRequired(tool, inv.Args); missing != "" {
		return failure(inv.Tool, "invalid_arguments", fmt.Sprintf("missing required argument: %s", missing), 0, "")
	}

	timeout := e.defaultTimeout
	if secs := intArg(inv.Args, "timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	if timeout > e.maxTimeout {
		timeout = e.maxTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, artifacts, err := tool.Execute(execCtx, inv.Args)
	output = e.truncate(output)

	if err != nil {
		name, exitCode := classifyExecError(execCtx, err)
		return failure(inv.Tool, name, err.Error(), exitCode, output)
	}

	return types.ToolResult{OK: true, Output: output, Artifacts: artifacts}
}

// truncate bounds tool output so a runaway command cannot flood prompts
// or the session log.
func (e *Executor) truncate(output string) string {
	if len(output) > e.maxOutputBytes {
		return output[:e.maxOutputBytes] + "\n...[truncated]"
	}
	return output
}

// missingRequired returns the first required argument absent from args.
func missingRequired(tool *Tool, args map[string]any) string {
	for _, key := range tool.Schema.Required {
		if v, ok := args[key]; !ok || v == nil {
			return key
		}
	}
	return ""
}

// classifyExecError maps a tool failure to the error token the
// diagnostic classifier keys on, plus the process exit code when one
// exists. Timeout takes precedence: a command killed at the deadline
// also surfaces an exit error, but the deadline is the real cause.
func classifyExecError(ctx context.Context, err error) (string, int) {
	switch {
	case ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded):
		return "timeout", 0
	case errors.Is(err, ErrPathEscapesWorkspace):
		return "path_escapes_workspace", 0
	case errors.Is(err, ErrMissingRequiredArg):
		return "invalid_arguments", 0
	case errors.Is(err, os.ErrPermission):
		return "permission_denied", 0
	case errors.Is(err, fs.ErrNotExist):
		return "file_not_found", 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "command_failed", exitErr.ExitCode()
		}
		return "execution_failed", 0
	}
}

func failure(tool, name, message string, exitCode int, output string) types.ToolResult {
	return types.ToolResult{
		OK:     false,
		Output: output,
		Err: &types.ToolError{
			Tool:     tool,
			Name:     name,
			Message:  message,
			ExitCode: exitCode,
		},
	}
}
