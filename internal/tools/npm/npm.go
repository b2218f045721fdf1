// Package npm implements the npm.* capability family: workspace
// initialization for a Node.js project and lifecycle control of the dev
// server through the process supervisor.
package npm

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/waa-agent/waa/internal/supervisor"
	"github.com/waa-agent/waa/internal/tool"
)

// PackageName is the "name" field npm.init writes into package.json.
const PackageName = "waa-workspace"

// Options binds the family to a workspace and its supervisor.
type Options struct {
	// Root is the workspace directory holding package.json.
	Root string
	// Supervisor manages the dev server process.
	Supervisor *supervisor.Supervisor
	// Bin is the npm executable; defaults to "npm".
	Bin string
	// InstallTimeout bounds npm install; defaults to 2 minutes.
	InstallTimeout time.Duration
}

type family struct {
	opts Options
}

// Capabilities returns the npm.* family for one workspace.
func Capabilities(opts Options) []tool.Capability {
	if opts.Bin == "" {
		opts.Bin = "npm"
	}
	if opts.InstallTimeout <= 0 {
		opts.InstallTimeout = 2 * time.Minute
	}
	f := &family{opts: opts}
	return []tool.Capability{
		tool.New("npm.init", "Initialize a Node.js workspace: write package.json with express and nodemon, then run npm install.",
			tool.Schema{}, f.init),
		tool.New("npm.start", "Start the dev server in the background.",
			tool.Schema{}, f.start),
		tool.New("npm.stop", "Stop the dev server.",
			tool.Schema{}, f.stop),
		tool.New("npm.status", "Report whether the dev server is running.",
			tool.Schema{}, f.status),
		tool.New("npm.logs", "Return the last lines of the dev server log.",
			tool.Schema{
				"lines": {Type: "integer", Default: 50, Description: "number of trailing lines"},
			}, f.logs),
	}
}

func (f *family) packageJSONPath() string {
	return filepath.Join(f.opts.Root, "package.json")
}

func (f *family) init(ctx context.Context, args map[string]any) tool.Result {
	manifest := map[string]any{
		"name":    PackageName,
		"version": "1.0.0",
		"main":    "index.js",
		"scripts": map[string]any{
			"start": "node index.js",
			"dev":   "nodemon index.js",
			"stop":  "pkill -f 'node index.js' || true",
		},
		"dependencies": map[string]any{
			"express": "^4.18.2",
		},
		"devDependencies": map[string]any{
			"nodemon": "^3.0.1",
		},
	}
	b, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return tool.Fail("encode package.json: %v", err)
	}
	if err := os.WriteFile(f.packageJSONPath(), append(b, '\n'), 0o644); err != nil {
		return tool.Fail("write package.json: %v", err)
	}

	installCtx, cancel := context.WithTimeout(ctx, f.opts.InstallTimeout)
	defer cancel()
	cmd := exec.CommandContext(installCtx, f.opts.Bin, "install")
	cmd.Dir = f.opts.Root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return tool.Fail("npm install failed: %v: %s", err, tailOf(string(out), 10))
	}
	return tool.OK(map[string]any{"package": PackageName, "installed": true})
}

func (f *family) start(ctx context.Context, args map[string]any) tool.Result {
	if _, err := os.Stat(f.packageJSONPath()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return tool.Fail("package.json not found; run npm.init before npm.start")
		}
		return tool.Fail("stat package.json: %v", err)
	}
	f.opts.Supervisor.Configure(supervisor.Command{
		Path: f.opts.Bin,
		Args: []string{"start"},
		Dir:  f.opts.Root,
	})
	rec, err := f.opts.Supervisor.Start()
	if err != nil {
		return tool.Fail("%v", err)
	}
	return tool.OK(map[string]any{"pid": rec.PID, "started_at": rec.StartedAt.Format(time.RFC3339)})
}

func (f *family) stop(ctx context.Context, args map[string]any) tool.Result {
	if err := f.opts.Supervisor.Stop(); err != nil {
		return tool.Fail("%v", err)
	}
	return tool.OK(map[string]any{"stopped": true})
}

func (f *family) status(ctx context.Context, args map[string]any) tool.Result {
	state, rec := f.opts.Supervisor.Status()
	data := map[string]any{
		"running": state == supervisor.StateRunning,
		"state":   string(state),
	}
	if rec != nil {
		data["pid"] = rec.PID
	}
	return tool.OK(data)
}

func (f *family) logs(ctx context.Context, args map[string]any) tool.Result {
	n, ok := tool.IntArg(args, "lines")
	if !ok || n <= 0 {
		n = 50
	}
	lines, exists, err := f.opts.Supervisor.TailLog(n)
	if err != nil {
		return tool.Fail("%v", err)
	}
	if !exists {
		return tool.OK(map[string]any{"exists": false, "lines": []any{}})
	}
	out := make([]any, 0, len(lines))
	for _, l := range lines {
		out = append(out, l)
	}
	return tool.OK(map[string]any{"exists": true, "lines": out, "count": len(out)})
}

// tailOf keeps the last n lines of command output for error reporting.
func tailOf(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return "(no output)"
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
