package events

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// hookTimeout bounds how long one hook script may run.
const hookTimeout = 30 * time.Second

// HookRunner executes operator-provided scripts when events fire. A script
// named on_<event type with dots replaced by underscores> in the hooks
// directory runs once per matching event, with the event described in
// FRAME_* environment variables.
type HookRunner struct {
	dir    string
	logger *slog.Logger
}

// NewHookRunner returns a runner for the given hooks directory. An empty or
// missing directory simply means no hooks fire.
func NewHookRunner(dir string, logger *slog.Logger) *HookRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &HookRunner{
		dir:    dir,
		logger: logger.With("component", "hooks"),
	}
}

// ScriptName returns the hook file name for an event type, e.g.
// "on_instance_started" for instance.started.
func ScriptName(t Type) string {
	return "on_" + strings.ReplaceAll(string(t), ".", "_")
}

// Run executes the hook for ev, if one exists and is executable. Hook
// failures are logged and otherwise ignored.
func (h *HookRunner) Run(ev Event) {
	if h.dir == "" {
		return
	}
	script := filepath.Join(h.dir, ScriptName(ev.Type))
	info, err := os.Stat(script)
	if err != nil || info.IsDir() || info.Mode()&0111 == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, script)
	cmd.Env = append(os.Environ(),
		"FRAME_EVENT="+string(ev.Type),
		"FRAME_EVENT_ID="+ev.ID,
		"FRAME_TENANT="+ev.Tenant,
		"FRAME_TIMESTAMP="+ev.Timestamp.UTC().Format(time.RFC3339),
	)
	for k, v := range ev.Fields {
		cmd.Env = append(cmd.Env, "FRAME_"+strings.ToUpper(k)+"="+v)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		h.logger.Error("Hook script failed",
			"script", script, "event", ev.Type, "error", err,
			"output", strings.TrimSpace(string(out)))
		return
	}
	h.logger.Debug("Hook script completed", "script", script, "event", ev.Type)
}
