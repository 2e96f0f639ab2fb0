package tools

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Sandbox confines file tool paths to a workspace root. Every built-in
// that touches the filesystem resolves its path argument through the
// sandbox first; a path that escapes the root is a policy violation, not
// a transient failure.
type Sandbox struct {
	root string
}

// NewSandbox creates a sandbox rooted at the given workspace directory.
// The root is made absolute so relative tool arguments resolve against
// the workspace rather than the process working directory.
func NewSandbox(root string) (*Sandbox, error) {
	if root == "" {
		return nil, fmt.Errorf("sandbox root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox root: %w", err)
	}
	return &Sandbox{root: filepath.Clean(abs)}, nil
}

// Root returns the absolute workspace root.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve turns a tool-supplied path into an absolute path inside the
// workspace. Relative paths resolve against the root; absolute paths are
// accepted only when already under it. Traversal sequences are cleaned
// before the containment check, so "a/../../etc" is rejected.
func (s *Sandbox) Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: path", ErrMissingRequiredArg)
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.root, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesWorkspace, path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesWorkspace, path)
	}
	return abs, nil
}

// Rel returns the workspace-relative form of an absolute path for
// reporting in artifacts and output. Falls back to the input when the
// path is not under the root.
func (s *Sandbox) Rel(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return abs
	}
	return rel
}
