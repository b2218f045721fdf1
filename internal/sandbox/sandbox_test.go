package sandbox

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolve_InsideRoot(t *testing.T) {
	root := t.TempDir()
	p, err := NewPolicy(root, nil)
	require.NoError(t, err)

	cases := []struct {
		rel  string
		want string
	}{
		{"a.txt", filepath.Join(root, "a.txt")},
		{"dir/sub/file.txt", filepath.Join(root, "dir", "sub", "file.txt")},
		{"./a.txt", filepath.Join(root, "a.txt")},
		{"dir/../a.txt", filepath.Join(root, "a.txt")},
		{".", root},
	}
	for _, tc := range cases {
		got, err := p.Resolve(tc.rel)
		require.NoError(t, err, "rel=%q", tc.rel)
		require.Equal(t, tc.want, got, "rel=%q", tc.rel)
	}
}

func TestResolve_RejectsEscapes(t *testing.T) {
	root := t.TempDir()
	p, err := NewPolicy(root, nil)
	require.NoError(t, err)

	for _, rel := range []string{
		"../outside.txt",
		"../../etc/passwd",
		"dir/../../outside.txt",
		"/etc/passwd",
	} {
		_, err := p.Resolve(rel)
		require.Error(t, err, "rel=%q", rel)
		require.Contains(t, err.Error(), "outside", "rel=%q", rel)
	}
}

func TestResolve_AbsolutePathInsideRootAllowed(t *testing.T) {
	root := t.TempDir()
	p, err := NewPolicy(root, nil)
	require.NoError(t, err)

	got, err := p.Resolve(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "a.txt"), got)
}

func TestCheckMutable(t *testing.T) {
	root := t.TempDir()
	p, err := NewPolicy(root, []string{"protected.txt", "conf/locked.yaml"})
	require.NoError(t, err)

	mustResolve := func(rel string) string {
		t.Helper()
		abs, err := p.Resolve(rel)
		require.NoError(t, err)
		return abs
	}

	require.NoError(t, p.CheckMutable(mustResolve("free.txt")))

	err = p.CheckMutable(mustResolve("protected.txt"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "protected")

	// Normalized forms of the same path are still caught.
	err = p.CheckMutable(mustResolve("./conf/locked.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "protected")
}

func TestCheckMutable_AbsoluteSpellingOfProtectedPath(t *testing.T) {
	root := t.TempDir()
	p, err := NewPolicy(root, []string{"index.js"})
	require.NoError(t, err)

	// An absolute path inside the root resolves fine but must still hit
	// the protected set.
	abs, err := p.Resolve(filepath.Join(root, "index.js"))
	require.NoError(t, err)
	err = p.CheckMutable(abs)
	require.Error(t, err)
	require.Contains(t, err.Error(), "protected")
}
