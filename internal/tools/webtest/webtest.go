// Package webtest implements the playwright.* and supertest.* capability
// families: scaffolding and invocation of the workspace's packaged UI and API
// test runners.
package webtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/waa-agent/waa/internal/tool"
)

const playwrightConfig = `const { defineConfig } = require('@playwright/test');

module.exports = defineConfig({
  testDir: './tests/ui',
  use: {
    baseURL: 'http://localhost:3000',
    headless: true,
  },
});
`

// Options binds the families to a workspace.
type Options struct {
	// Root is the workspace directory holding package.json.
	Root string
	// Bin is the package runner executable; defaults to "npx".
	Bin string
	// RunTimeout bounds one test-runner invocation; defaults to 5 minutes.
	RunTimeout time.Duration
}

type family struct {
	opts Options
}

// Capabilities returns both test-runner families for one workspace.
func Capabilities(opts Options) []tool.Capability {
	if opts.Bin == "" {
		opts.Bin = "npx"
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 5 * time.Minute
	}
	f := &family{opts: opts}
	return []tool.Capability{
		tool.New("playwright.init",
			"Initialize Playwright for UI testing: write playwright.config.js and register @playwright/test in package.json.",
			tool.Schema{}, f.playwrightInit),
		tool.New("playwright.run",
			"Run Playwright UI tests against the dev server on port 3000 and return the captured output.",
			tool.Schema{
				"test_file": {Type: "string", Description: "run a single spec file instead of the whole suite"},
				"headed":    {Type: "boolean", Default: false},
			}, f.playwrightRun),
		tool.New("supertest.init",
			"Initialize Jest and Supertest for API testing: register both in package.json with test scripts.",
			tool.Schema{}, f.supertestInit),
		tool.New("supertest.run",
			"Run API tests with Jest and return the captured output.",
			tool.Schema{
				"test_file": {Type: "string", Description: "run a single test file instead of the whole suite"},
				"verbose":   {Type: "boolean", Default: false},
			}, f.supertestRun),
	}
}

func (f *family) playwrightInit(ctx context.Context, args map[string]any) tool.Result {
	configPath := filepath.Join(f.opts.Root, "playwright.config.js")
	if err := os.WriteFile(configPath, []byte(playwrightConfig), 0o644); err != nil {
		return tool.Fail("write playwright.config.js: %v", err)
	}
	err := f.updateManifest(func(m map[string]any) {
		devDeps(m)["@playwright/test"] = "^1.40.0"
		scripts(m)["test:ui"] = "playwright test"
	})
	if err != nil {
		return tool.Fail("%v", err)
	}
	return tool.OK(map[string]any{"config": "playwright.config.js"})
}

func (f *family) playwrightRun(ctx context.Context, args map[string]any) tool.Result {
	runArgs := []string{"playwright", "test"}
	if file := tool.StringArg(args, "test_file"); file != "" {
		runArgs = append(runArgs, file)
	}
	if tool.BoolArg(args, "headed") {
		runArgs = append(runArgs, "--headed")
	}
	return f.invoke(ctx, runArgs)
}

func (f *family) supertestInit(ctx context.Context, args map[string]any) tool.Result {
	err := f.updateManifest(func(m map[string]any) {
		devDeps(m)["jest"] = "^29.7.0"
		devDeps(m)["supertest"] = "^6.3.3"
		scripts(m)["test"] = "jest"
		scripts(m)["test:api"] = "jest tests/api"
	})
	if err != nil {
		return tool.Fail("%v", err)
	}
	return tool.OK(map[string]any{"runner": "jest"})
}

func (f *family) supertestRun(ctx context.Context, args map[string]any) tool.Result {
	runArgs := []string{"jest"}
	if file := tool.StringArg(args, "test_file"); file != "" {
		runArgs = append(runArgs, file)
	}
	if tool.BoolArg(args, "verbose") {
		runArgs = append(runArgs, "--verbose")
	}
	return f.invoke(ctx, runArgs)
}

// invoke runs the package runner and reports its output either way: a failing
// suite is a failed result carrying the output, not a fault.
func (f *family) invoke(ctx context.Context, runArgs []string) tool.Result {
	runCtx, cancel := context.WithTimeout(ctx, f.opts.RunTimeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, f.opts.Bin, runArgs...)
	cmd.Dir = f.opts.Root
	out, err := cmd.CombinedOutput()
	output := strings.TrimRight(string(out), "\n")
	if err != nil {
		return tool.Result{OK: false, Data: map[string]any{"output": output}, Error: fmt.Sprintf("%s %s failed: %v", f.opts.Bin, strings.Join(runArgs, " "), err)}
	}
	return tool.OK(map[string]any{"output": output})
}

// updateManifest applies a mutation to package.json, preserving fields it
// does not touch.
func (f *family) updateManifest(mutate func(map[string]any)) error {
	path := filepath.Join(f.opts.Root, "package.json")
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("package.json not found; run npm.init first")
		}
		return fmt.Errorf("read package.json: %w", err)
	}
	var manifest map[string]any
	if err := json.Unmarshal(b, &manifest); err != nil {
		return fmt.Errorf("parse package.json: %w", err)
	}
	mutate(manifest)
	out, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode package.json: %w", err)
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil {
		return fmt.Errorf("write package.json: %w", err)
	}
	return nil
}

func devDeps(m map[string]any) map[string]any { return section(m, "devDependencies") }
func scripts(m map[string]any) map[string]any { return section(m, "scripts") }

func section(m map[string]any, key string) map[string]any {
	if s, ok := m[key].(map[string]any); ok {
		return s
	}
	s := map[string]any{}
	m[key] = s
	return s
}
