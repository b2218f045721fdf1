// Package sandbox confines every path a capability touches to a single
// workspace root and enforces the protected-file set.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Policy is immutable for the life of a session. All file-touching
// capabilities resolve their paths through one Policy instance.
type Policy struct {
	root      string
	protected map[string]struct{}
}

// NewPolicy builds a policy rooted at root. Protected paths are
// workspace-relative and apply only to mutating operations.
func NewPolicy(root string, protected []string) (*Policy, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	p := &Policy{
		root:      filepath.Clean(abs),
		protected: make(map[string]struct{}, len(protected)),
	}
	for _, rel := range protected {
		rel = filepath.Clean(strings.TrimSpace(rel))
		if rel == "" || rel == "." {
			continue
		}
		p.protected[rel] = struct{}{}
	}
	return p, nil
}

// Root returns the confinement root as an absolute path.
func (p *Policy) Root() string { return p.root }

// Resolve normalizes a workspace-relative path and returns its absolute
// location under the root. The target does not need to exist. Traversal
// and absolute paths that would land outside the root are rejected.
func (p *Policy) Resolve(rel string) (string, error) {
	candidate := rel
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(p.root, candidate)
	}
	candidate = filepath.Clean(candidate)
	if candidate != p.root && !strings.HasPrefix(candidate, p.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace root", rel)
	}
	return candidate, nil
}

// CheckMutable rejects writes to protected paths. The input is a path
// already resolved under the root, so every spelling of a protected file
// (relative, normalized, absolute) keys to the same root-relative entry.
// Read and listing operations never call this.
func (p *Policy) CheckMutable(abs string) error {
	rel, err := filepath.Rel(p.root, filepath.Clean(abs))
	if err != nil {
		return fmt.Errorf("path %q is outside the workspace root", abs)
	}
	if _, ok := p.protected[rel]; ok {
		return fmt.Errorf("path %q is protected and cannot be modified", rel)
	}
	return nil
}

// EnsureParent creates any missing ancestor directories for abs, which must
// already be a resolved path under the root.
func (p *Policy) EnsureParent(abs string) error {
	return os.MkdirAll(filepath.Dir(abs), 0o755)
}
