// Package fs implements the fs.* capability family: file and directory
// operations confined by the sandbox policy.
package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/waa-agent/waa/internal/sandbox"
	"github.com/waa-agent/waa/internal/tool"
)

// Capabilities returns the full fs.* family bound to one sandbox policy.
// The session registers only the allow-listed subset.
func Capabilities(policy *sandbox.Policy) []tool.Capability {
	f := &family{policy: policy}
	return []tool.Capability{
		tool.New("fs.write", "Create or overwrite a file with the given content. Missing parent directories are created.",
			tool.Schema{
				"path":    {Type: "string", Required: true, Description: "workspace-relative file path"},
				"content": {Type: "string", Required: true},
			}, f.write),
		tool.New("fs.read", "Read a file and return its content.",
			tool.Schema{
				"path": {Type: "string", Required: true},
			}, f.read),
		tool.New("fs.edit", "Replace every occurrence of old_text with new_text in a file.",
			tool.Schema{
				"path":     {Type: "string", Required: true},
				"old_text": {Type: "string", Required: true},
				"new_text": {Type: "string", Required: true},
			}, f.edit),
		tool.New("fs.delete", "Delete a single file.",
			tool.Schema{
				"path": {Type: "string", Required: true},
			}, f.deleteFile),
		tool.New("fs.mkdir", "Create a directory, including missing parents.",
			tool.Schema{
				"path": {Type: "string", Required: true},
			}, f.mkdir),
		tool.New("fs.rmdir", "Delete a directory. Pass recursive=true to remove its contents too.",
			tool.Schema{
				"path":      {Type: "string", Required: true},
				"recursive": {Type: "boolean", Default: false},
			}, f.rmdir),
		tool.New("fs.ls", "List the entries of a directory.",
			tool.Schema{
				"path": {Type: "string", Default: "."},
			}, f.ls),
		tool.New("fs.tree", "Return the directory tree rooted at a path, optionally bounded by max_depth.",
			tool.Schema{
				"path":      {Type: "string", Default: "."},
				"max_depth": {Type: "integer", Default: 0, Description: "levels to descend; 0 means unlimited"},
			}, f.tree),
		tool.New("fs.glob", "Find files matching a doublestar pattern (e.g. **/*.js).",
			tool.Schema{
				"pattern": {Type: "string", Required: true},
				"path":    {Type: "string", Default: "."},
			}, f.glob),
	}
}

type family struct {
	policy *sandbox.Policy
}

func (f *family) write(ctx context.Context, args map[string]any) tool.Result {
	rel := tool.StringArg(args, "path")
	abs, err := f.policy.Resolve(rel)
	if err != nil {
		return tool.Fail("%v", err)
	}
	if err := f.policy.CheckMutable(abs); err != nil {
		return tool.Fail("%v", err)
	}
	if err := f.policy.EnsureParent(abs); err != nil {
		return tool.Fail("create parent directories for %q: %v", rel, err)
	}
	content := tool.StringArg(args, "content")
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return tool.Fail("write %q: %v", rel, err)
	}
	return tool.OK(map[string]any{"path": rel, "bytes": len(content)})
}

func (f *family) read(ctx context.Context, args map[string]any) tool.Result {
	rel := tool.StringArg(args, "path")
	abs, err := f.policy.Resolve(rel)
	if err != nil {
		return tool.Fail("%v", err)
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Contract: a missing file is a failed result, never a fault.
			return tool.Fail("file not found: %q", rel)
		}
		return tool.Fail("read %q: %v", rel, err)
	}
	return tool.OK(map[string]any{"path": rel, "content": string(b)})
}

func (f *family) edit(ctx context.Context, args map[string]any) tool.Result {
	rel := tool.StringArg(args, "path")
	abs, err := f.policy.Resolve(rel)
	if err != nil {
		return tool.Fail("%v", err)
	}
	if err := f.policy.CheckMutable(abs); err != nil {
		return tool.Fail("%v", err)
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return tool.Fail("file not found: %q", rel)
		}
		return tool.Fail("read %q: %v", rel, err)
	}
	oldText := tool.StringArg(args, "old_text")
	newText := tool.StringArg(args, "new_text")
	content := string(b)
	if oldText == "" || !strings.Contains(content, oldText) {
		return tool.Fail("old_text not found in %q; file left unchanged", rel)
	}
	replaced := strings.ReplaceAll(content, oldText, newText)
	if err := os.WriteFile(abs, []byte(replaced), 0o644); err != nil {
		return tool.Fail("write %q: %v", rel, err)
	}
	return tool.OK(map[string]any{
		"path":         rel,
		"replacements": strings.Count(content, oldText),
	})
}

func (f *family) deleteFile(ctx context.Context, args map[string]any) tool.Result {
	rel := tool.StringArg(args, "path")
	abs, err := f.policy.Resolve(rel)
	if err != nil {
		return tool.Fail("%v", err)
	}
	if err := f.policy.CheckMutable(abs); err != nil {
		return tool.Fail("%v", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return tool.Fail("file not found: %q", rel)
		}
		return tool.Fail("stat %q: %v", rel, err)
	}
	if info.IsDir() {
		return tool.Fail("%q is a directory; use fs.rmdir", rel)
	}
	if err := os.Remove(abs); err != nil {
		return tool.Fail("delete %q: %v", rel, err)
	}
	return tool.OK(map[string]any{"path": rel})
}

func (f *family) mkdir(ctx context.Context, args map[string]any) tool.Result {
	rel := tool.StringArg(args, "path")
	abs, err := f.policy.Resolve(rel)
	if err != nil {
		return tool.Fail("%v", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return tool.Fail("mkdir %q: %v", rel, err)
	}
	return tool.OK(map[string]any{"path": rel})
}

func (f *family) rmdir(ctx context.Context, args map[string]any) tool.Result {
	rel := tool.StringArg(args, "path")
	abs, err := f.policy.Resolve(rel)
	if err != nil {
		return tool.Fail("%v", err)
	}
	if err := f.policy.CheckMutable(abs); err != nil {
		return tool.Fail("%v", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return tool.Fail("directory not found: %q", rel)
		}
		return tool.Fail("stat %q: %v", rel, err)
	}
	if !info.IsDir() {
		return tool.Fail("%q is not a directory; use fs.delete", rel)
	}
	if abs == f.policy.Root() {
		return tool.Fail("refusing to remove the workspace root")
	}
	if tool.BoolArg(args, "recursive") {
		if err := os.RemoveAll(abs); err != nil {
			return tool.Fail("rmdir %q: %v", rel, err)
		}
		return tool.OK(map[string]any{"path": rel})
	}
	if err := os.Remove(abs); err != nil {
		return tool.Fail("rmdir %q: %v (pass recursive=true to remove a non-empty directory)", rel, err)
	}
	return tool.OK(map[string]any{"path": rel})
}

func (f *family) ls(ctx context.Context, args map[string]any) tool.Result {
	rel := tool.StringArg(args, "path")
	abs, err := f.policy.Resolve(rel)
	if err != nil {
		return tool.Fail("%v", err)
	}
	dirents, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return tool.Fail("directory not found: %q", rel)
		}
		return tool.Fail("list %q: %v", rel, err)
	}
	entries := make([]any, 0, len(dirents))
	for _, de := range dirents {
		entry := map[string]any{"name": de.Name(), "is_dir": de.IsDir()}
		if info, err := de.Info(); err == nil && !de.IsDir() {
			entry["size"] = info.Size()
		}
		entries = append(entries, entry)
	}
	return tool.OK(map[string]any{"path": rel, "entries": entries})
}

func (f *family) tree(ctx context.Context, args map[string]any) tool.Result {
	rel := tool.StringArg(args, "path")
	abs, err := f.policy.Resolve(rel)
	if err != nil {
		return tool.Fail("%v", err)
	}
	maxDepth, _ := tool.IntArg(args, "max_depth")
	if maxDepth < 0 {
		maxDepth = 0
	}
	node, err := buildTree(abs, maxDepth, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return tool.Fail("directory not found: %q", rel)
		}
		return tool.Fail("tree %q: %v", rel, err)
	}
	// The tree payload is the list of entries under the requested path; a
	// plain file yields a one-element list.
	entries, ok := node["children"].([]any)
	if !ok {
		entries = []any{node}
	}
	return tool.OK(map[string]any{"path": rel, "tree": entries})
}

// buildTree walks abs up to maxDepth levels (0 means unlimited). level is
// the node's own depth below the requested root.
func buildTree(abs string, maxDepth, level int) (map[string]any, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	node := map[string]any{"name": filepath.Base(abs)}
	if !info.IsDir() {
		node["type"] = "file"
		node["size"] = info.Size()
		return node, nil
	}
	node["type"] = "dir"
	if maxDepth > 0 && level >= maxDepth {
		return node, nil
	}
	dirents, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	children := make([]any, 0, len(dirents))
	for _, de := range dirents {
		child, err := buildTree(filepath.Join(abs, de.Name()), maxDepth, level+1)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	node["children"] = children
	return node, nil
}

func (f *family) glob(ctx context.Context, args map[string]any) tool.Result {
	rel := tool.StringArg(args, "path")
	abs, err := f.policy.Resolve(rel)
	if err != nil {
		return tool.Fail("%v", err)
	}
	pattern := tool.StringArg(args, "pattern")
	matches, err := doublestar.Glob(os.DirFS(abs), pattern)
	if err != nil {
		return tool.Fail("glob %q: %v", pattern, err)
	}
	sort.Strings(matches)
	out := make([]any, 0, len(matches))
	for _, m := range matches {
		out = append(out, m)
	}
	return tool.OK(map[string]any{"pattern": pattern, "matches": out})
}
