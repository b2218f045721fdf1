package npm

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/waa-agent/waa/internal/supervisor"
	"github.com/waa-agent/waa/internal/tool"
)

// fakeNPM writes a shell stand-in for the npm binary so the tests do not
// need a Node.js toolchain: install creates node_modules, start blocks.
func fakeNPM(t *testing.T, dir string) string {
	t.Helper()
	script := `#!/bin/sh
case "$1" in
  install) mkdir -p node_modules ;;
  start) echo "server listening"; exec sleep 60 ;;
esac
`
	path := filepath.Join(dir, "fake-npm")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newFamily(t *testing.T) (*tool.Registry, string) {
	t.Helper()
	root := t.TempDir()
	sup := supervisor.New(supervisor.Options{
		LogPath:         filepath.Join(root, ".waa", "server.log"),
		PIDPath:         filepath.Join(root, ".waa", "server.pid"),
		GracefulTimeout: 2 * time.Second,
	})
	t.Cleanup(func() { _ = sup.Stop() })
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".waa"), 0o755))

	reg := tool.NewRegistry()
	caps := Capabilities(Options{
		Root:           root,
		Supervisor:     sup,
		Bin:            fakeNPM(t, root),
		InstallTimeout: 10 * time.Second,
	})
	for _, c := range caps {
		require.NoError(t, reg.Register(c))
	}
	return reg, root
}

func dispatch(t *testing.T, reg *tool.Registry, name string, args map[string]any) tool.Result {
	t.Helper()
	return reg.Dispatch(context.Background(), tool.Call{Tool: name, Arguments: args})
}

func TestInit_WritesManifestAndInstalls(t *testing.T) {
	reg, root := newFamily(t)

	res := dispatch(t, reg, "npm.init", map[string]any{})
	require.True(t, res.OK, res.Error)

	b, err := os.ReadFile(filepath.Join(root, "package.json"))
	require.NoError(t, err)
	var manifest map[string]any
	require.NoError(t, json.Unmarshal(b, &manifest))
	require.Equal(t, PackageName, manifest["name"])
	require.Contains(t, manifest["dependencies"], "express")
	require.Contains(t, manifest["devDependencies"], "nodemon")
	require.Contains(t, manifest["scripts"], "start")
	require.Contains(t, manifest["scripts"], "stop")

	_, err = os.Stat(filepath.Join(root, "node_modules"))
	require.NoError(t, err)
}

func TestStart_WithoutManifest(t *testing.T) {
	reg, _ := newFamily(t)

	res := dispatch(t, reg, "npm.start", map[string]any{})
	require.False(t, res.OK)
	require.Contains(t, res.Error, "npm.init")
}

func TestLifecycle_StartStatusLogsStop(t *testing.T) {
	reg, _ := newFamily(t)

	res := dispatch(t, reg, "npm.status", map[string]any{})
	require.True(t, res.OK, res.Error)
	require.Equal(t, false, res.Data["running"])

	require.True(t, dispatch(t, reg, "npm.init", map[string]any{}).OK)

	res = dispatch(t, reg, "npm.start", map[string]any{})
	require.True(t, res.OK, res.Error)
	require.NotZero(t, res.Data["pid"])

	res = dispatch(t, reg, "npm.status", map[string]any{})
	require.True(t, res.OK, res.Error)
	require.Equal(t, true, res.Data["running"])

	require.Eventually(t, func() bool {
		res := dispatch(t, reg, "npm.logs", map[string]any{"lines": 5})
		if !res.OK || res.Data["exists"] != true {
			return false
		}
		for _, l := range res.Data["lines"].([]any) {
			if l == "server listening" {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)

	res = dispatch(t, reg, "npm.stop", map[string]any{})
	require.True(t, res.OK, res.Error)

	res = dispatch(t, reg, "npm.status", map[string]any{})
	require.True(t, res.OK, res.Error)
	require.Equal(t, false, res.Data["running"])
}

func TestLogs_MissingFileIsExplicitAbsence(t *testing.T) {
	reg, _ := newFamily(t)

	res := dispatch(t, reg, "npm.logs", map[string]any{})
	require.True(t, res.OK, res.Error)
	require.Equal(t, false, res.Data["exists"])
}

func TestStop_WhenNothingRuns(t *testing.T) {
	reg, _ := newFamily(t)

	res := dispatch(t, reg, "npm.stop", map[string]any{})
	require.True(t, res.OK, res.Error)
}
