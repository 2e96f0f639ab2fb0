package tools

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestNewSandboxRequiresRoot(t *testing.T) {
	t.Parallel()

	if _, err := NewSandbox(""); err == nil {
		t.Error("expected error for empty root")
	}
}

func TestSandboxResolve(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	sandbox, err := NewSandbox(root)
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}

	tests := []struct {
		name       string
		path       string
		want       string
		wantEscape bool
	}{
		{name: "relative", path: "a.txt", want: filepath.Join(root, "a.txt")},
		{name: "nested relative", path: "sub/dir/b.txt", want: filepath.Join(root, "sub", "dir", "b.txt")},
		{name: "dot", path: ".", want: root},
		{name: "absolute inside", path: filepath.Join(root, "c.txt"), want: filepath.Join(root, "c.txt")},
		{name: "traversal up", path: "../outside.txt", wantEscape: true},
		{name: "traversal buried", path: "sub/../../outside.txt", wantEscape: true},
		{name: "absolute outside", path: "/etc/passwd", wantEscape: true},
		{name: "root parent", path: "..", wantEscape: true},
		{name: "traversal that returns inside", path: "sub/../d.txt", want: filepath.Join(root, "d.txt")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sandbox.Resolve(tt.path)
			if tt.wantEscape {
				if !errors.Is(err, ErrPathEscapesWorkspace) {
					t.Fatalf("Resolve(%q) error = %v, want ErrPathEscapesWorkspace", tt.path, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q) failed: %v", tt.path, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestSandboxResolveEmptyPath(t *testing.T) {
	t.Parallel()

	sandbox, err := NewSandbox(t.TempDir())
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}

	if _, err := sandbox.Resolve(""); !errors.Is(err, ErrMissingRequiredArg) {
		t.Errorf("Resolve(\"\") error = %v, want ErrMissingRequiredArg", err)
	}
}

func TestSandboxRel(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	sandbox, err := NewSandbox(root)
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}

	if got := sandbox.Rel(filepath.Join(root, "sub", "f.txt")); got != filepath.Join("sub", "f.txt") {
		t.Errorf("Rel inside = %q, want sub/f.txt", got)
	}

	// Paths outside the root are reported as-is rather than mangled.
	if got := sandbox.Rel("/etc/passwd"); got != "/etc/passwd" {
		t.Errorf("Rel outside = %q, want /etc/passwd", got)
	}
}
