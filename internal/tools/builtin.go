package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html"

	"forgekeeper/internal/logging"
	"forgekeeper/internal/types"
)

// Pre-compiled cleanup patterns for fetched page text.
var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]{2,}`)
)

// RegisterBuiltins registers the standard tool set: shell execution,
// file operations, web fetch, and echo. All file paths are confined to
// the sandbox; shell commands run with the sandbox root as their
// working directory and only the allow-listed environment variables.
func RegisterBuiltins(reg *Registry, sandbox *Sandbox, allowedEnv []string) error {
	builtins := []*Tool{
		RunBashTool(sandbox, allowedEnv),
		ReadFileTool(sandbox),
		WriteFileTool(sandbox),
		ReadDirTool(sandbox),
		HTTPFetchTool(),
		EchoTool(),
	}
	for _, tool := range builtins {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// ===== SHELL =====

// RunBashTool returns the shell execution tool. Commands run inside the
// sandbox root; the environment is reduced to the allow list.
func RunBashTool(sandbox *Sandbox, allowedEnv []string) *Tool {
	return &Tool{
		Name:        "run_bash",
		Description: "Execute a shell command in the workspace and return its output",
		Category:    CategoryShell,
		Schema: Schema{
			Required: []string{"command"},
			Properties: map[string]Property{
				"command": {
					Type:        "string",
					Description: "The command to execute",
				},
				"working_dir": {
					Type:        "string",
					Description: "Working directory relative to the workspace root",
				},
				"timeout_seconds": {
					Type:        "integer",
					Description: "Timeout in seconds (default: execution.default_timeout)",
				},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, []types.Artifact, error) {
			command := stringArg(args, "command", "")
			if command == "" {
				return "", nil, fmt.Errorf("%w: command", ErrMissingRequiredArg)
			}

			dir := sandbox.Root()
			if wd := stringArg(args, "working_dir", ""); wd != "" {
				resolved, err := sandbox.Resolve(wd)
				if err != nil {
					return "", nil, err
				}
				dir = resolved
			}

			logging.ToolsDebug("run_bash: cmd=%s, dir=%s", command, sandbox.Rel(dir))

			var cmd *exec.Cmd
			if runtime.GOOS == "windows" {
				cmd = exec.CommandContext(ctx, "cmd", "/C", command)
			} else {
				cmd = exec.CommandContext(ctx, "bash", "-c", command)
			}
			cmd.Dir = dir
			cmd.Env = filterEnv(allowedEnv)

			var stdout, stderr strings.Builder
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			err := cmd.Run()

			output := stdout.String()
			if stderr.Len() > 0 {
				if output != "" {
					output += "\n--- stderr ---\n"
				}
				output += stderr.String()
			}

			if err != nil {
				// The executor unwraps exec.ExitError to recover the
				// exit status for classification.
				return output, nil, fmt.Errorf("command failed: %w", err)
			}

			logging.ToolsDebug("run_bash completed (%d bytes output)", len(output))
			return output, nil, nil
		},
	}
}

// filterEnv builds a process environment containing only the allowed
// variables that are actually set.
func filterEnv(allowed []string) []string {
	env := make([]string, 0, len(allowed))
	for _, name := range allowed {
		if value := os.Getenv(name); value != "" {
			env = append(env, name+"="+value)
		}
	}
	return env
}

// ===== FILES =====

// ReadFileTool returns the file reading tool.
func ReadFileTool(sandbox *Sandbox) *Tool {
	return &Tool{
		Name:        "read_file",
		Description: "Read a file from the workspace, optionally a line range",
		Category:    CategoryFiles,
		Schema: Schema{
			Required: []string{"path"},
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Path relative to the workspace root",
				},
				"start_line": {
					Type:        "integer",
					Description: "First line to include, 1-based",
				},
				"end_line": {
					Type:        "integer",
					Description: "Last line to include, inclusive",
				},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, []types.Artifact, error) {
			path := stringArg(args, "path", "")
			if path == "" {
				return "", nil, fmt.Errorf("%w: path", ErrMissingRequiredArg)
			}
			abs, err := sandbox.Resolve(path)
			if err != nil {
				return "", nil, err
			}

			data, err := os.ReadFile(abs)
			if err != nil {
				return "", nil, fmt.Errorf("failed to read %s: %w", path, err)
			}

			content := string(data)
			start := intArg(args, "start_line", 0)
			end := intArg(args, "end_line", 0)
			if start > 0 || end > 0 {
				lines := strings.Split(content, "\n")
				if start < 1 {
					start = 1
				}
				if end < start || end > len(lines) {
					end = len(lines)
				}
				if start > len(lines) {
					return "", nil, fmt.Errorf("start_line %d beyond end of file (%d lines)", start, len(lines))
				}
				content = strings.Join(lines[start-1:end], "\n")
			}

			logging.ToolsDebug("read_file: %s (%d bytes)", path, len(content))
			return content, nil, nil
		},
	}
}

// WriteFileTool returns the file writing tool. Writes report the file as
// an artifact so the progress tracker sees a state change even when the
// filesystem watcher is disabled.
func WriteFileTool(sandbox *Sandbox) *Tool {
	return &Tool{
		Name:        "write_file",
		Description: "Write content to a file in the workspace, creating parent directories",
		Category:    CategoryFiles,
		Schema: Schema{
			Required: []string{"path", "content"},
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Path relative to the workspace root",
				},
				"content": {
					Type:        "string",
					Description: "The content to write",
				},
				"create_dirs": {
					Type:        "boolean",
					Description: "Create missing parent directories (default: true)",
					Default:     true,
				},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, []types.Artifact, error) {
			path := stringArg(args, "path", "")
			if path == "" {
				return "", nil, fmt.Errorf("%w: path", ErrMissingRequiredArg)
			}
			content, ok := args["content"].(string)
			if !ok {
				return "", nil, fmt.Errorf("%w: content", ErrMissingRequiredArg)
			}
			abs, err := sandbox.Resolve(path)
			if err != nil {
				return "", nil, err
			}

			if boolArg(args, "create_dirs", true) {
				if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
					return "", nil, fmt.Errorf("failed to create directories for %s: %w", path, err)
				}
			}

			if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
				return "", nil, fmt.Errorf("failed to write %s: %w", path, err)
			}

			rel := sandbox.Rel(abs)
			logging.Tools("write_file: %s (%d bytes)", rel, len(content))
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), rel),
				[]types.Artifact{{Path: rel, Kind: types.ArtifactFile}}, nil
		},
	}
}

// ReadDirTool returns the directory listing tool.
func ReadDirTool(sandbox *Sandbox) *Tool {
	return &Tool{
		Name:        "read_dir",
		Description: "List the contents of a workspace directory",
		Category:    CategoryFiles,
		Schema: Schema{
			Required: []string{},
			Properties: map[string]Property{
				"path": {
					Type:        "string",
					Description: "Directory relative to the workspace root (default: root)",
				},
				"recursive": {
					Type:        "boolean",
					Description: "Descend into subdirectories (default: false)",
					Default:     false,
				},
				"include_hidden": {
					Type:        "boolean",
					Description: "Include dotfiles (default: false)",
					Default:     false,
				},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, []types.Artifact, error) {
			path := stringArg(args, "path", ".")
			abs, err := sandbox.Resolve(path)
			if err != nil {
				return "", nil, err
			}

			recursive := boolArg(args, "recursive", false)
			includeHidden := boolArg(args, "include_hidden", false)

			var entries []string
			if recursive {
				entries, err = walkDir(abs, includeHidden)
			} else {
				entries, err = listDir(abs, includeHidden)
			}
			if err != nil {
				return "", nil, fmt.Errorf("failed to list %s: %w", path, err)
			}

			if len(entries) == 0 {
				return "(empty)", nil, nil
			}
			sort.Strings(entries)
			return strings.Join(entries, "\n"), nil, nil
		},
	}
}

func listDir(dir string, includeHidden bool) ([]string, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	entries := make([]string, 0, len(dirEntries))
	for _, e := range dirEntries {
		if !includeHidden && strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		entries = append(entries, name)
	}
	return entries, nil
}

func walkDir(root string, includeHidden bool) ([]string, error) {
	var entries []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if !includeHidden && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if d.IsDir() {
			rel += "/"
		}
		entries = append(entries, rel)
		return nil
	})
	return entries, err
}

// ===== NETWORK =====

// HTTPFetchTool returns the web page fetch tool. Pages are converted to
// a plain-text markdown rendering so LLM prompts stay compact.
func HTTPFetchTool() *Tool {
	return &Tool{
		Name:        "http_fetch",
		Description: "Fetch a web page over HTTP GET and convert it to markdown text",
		Category:    CategoryNetwork,
		Schema: Schema{
			Required: []string{"url"},
			Properties: map[string]Property{
				"url": {
					Type:        "string",
					Description: "The URL to fetch",
				},
				"max_length": {
					Type:        "integer",
					Description: "Maximum content length in characters (default: 50000)",
					Default:     50000,
				},
				"include_links": {
					Type:        "boolean",
					Description: "Render hyperlinks as [text](href) (default: true)",
					Default:     true,
				},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, []types.Artifact, error) {
			url := stringArg(args, "url", "")
			if url == "" {
				return "", nil, fmt.Errorf("%w: url", ErrMissingRequiredArg)
			}
			maxLength := intArg(args, "max_length", 50000)
			if maxLength <= 0 {
				maxLength = 50000
			}
			includeLinks := boolArg(args, "include_links", true)

			logging.ToolsDebug("http_fetch: url=%s, max_length=%d", url, maxLength)

			fetchCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, url, nil)
			if err != nil {
				return "", nil, fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("User-Agent", "forgekeeper/0.9")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return "", nil, fmt.Errorf("failed to fetch URL: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return "", nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20)) // 2MB cap
			if err != nil {
				return "", nil, fmt.Errorf("failed to read response: %w", err)
			}

			artifact := []types.Artifact{{Path: url, Kind: types.ArtifactURL}}

			contentType := resp.Header.Get("Content-Type")
			if strings.Contains(contentType, "text/plain") ||
				strings.Contains(contentType, "text/markdown") {
				return truncateText(string(body), maxLength), artifact, nil
			}

			text, err := renderHTML(string(body), includeLinks)
			if err != nil {
				return "", nil, fmt.Errorf("failed to convert page: %w", err)
			}

			logging.Tools("http_fetch completed: %s (%d chars)", url, len(text))
			return truncateText(text, maxLength), artifact, nil
		},
	}
}

func truncateText(s string, maxLength int) string {
	if len(s) > maxLength {
		return s[:maxLength] + "\n\n[...truncated...]"
	}
	return s
}

// renderHTML converts an HTML document to a simplified markdown rendering.
func renderHTML(content string, includeLinks bool) (string, error) {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	walkNode(doc, &sb, includeLinks, 0)
	return tidyText(sb.String()), nil
}

func walkNode(n *html.Node, sb *strings.Builder, includeLinks bool, depth int) {
	if depth > 50 {
		return
	}

	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg", "nav", "footer", "header":
			return
		case "title", "h1":
			sb.WriteString("\n\n# ")
		case "h2":
			sb.WriteString("\n\n## ")
		case "h3":
			sb.WriteString("\n\n### ")
		case "h4":
			sb.WriteString("\n\n#### ")
		case "h5":
			sb.WriteString("\n\n##### ")
		case "h6":
			sb.WriteString("\n\n###### ")
		case "p", "div":
			sb.WriteString("\n\n")
		case "br":
			sb.WriteString("\n")
		case "li":
			sb.WriteString("\n- ")
		case "code":
			sb.WriteString("`")
		case "pre":
			sb.WriteString("\n\n```\n")
		case "strong", "b":
			sb.WriteString("**")
		case "em", "i":
			sb.WriteString("*")
		case "a":
			if includeLinks && linkTarget(n) != "" {
				sb.WriteString("[")
			}
		case "img":
			if alt := attr(n, "alt"); alt != "" {
				fmt.Fprintf(sb, "[Image: %s]", alt)
			}
			return
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkNode(c, sb, includeLinks, depth+1)
	}

	if n.Type == html.ElementNode {
		switch n.Data {
		case "title", "h1", "h2", "h3", "h4", "h5", "h6":
			sb.WriteString("\n\n")
		case "code":
			sb.WriteString("`")
		case "pre":
			sb.WriteString("\n```\n\n")
		case "strong", "b":
			sb.WriteString("**")
		case "em", "i":
			sb.WriteString("*")
		case "a":
			if includeLinks {
				if href := linkTarget(n); href != "" {
					fmt.Fprintf(sb, "](%s)", href)
				}
			}
		}
	}
}

// linkTarget returns the href of an anchor, ignoring fragment-only links.
func linkTarget(n *html.Node) string {
	href := attr(n, "href")
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	return href
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// tidyText collapses runs of blank lines and spaces left by the walk.
func tidyText(s string) string {
	s = multiNewlinePattern.ReplaceAllString(s, "\n\n")
	s = multiSpacePattern.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// ===== GENERAL =====

// EchoTool returns the echo tool. It exists so invalid tool references
// in generated alternatives can be substituted with a harmless no-op
// that still records what the model asked for.
func EchoTool() *Tool {
	return &Tool{
		Name:        "echo",
		Description: "Return the given text unchanged",
		Category:    CategoryGeneral,
		Schema: Schema{
			Required: []string{"text"},
			Properties: map[string]Property{
				"text": {
					Type:        "string",
					Description: "The text to return",
				},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, []types.Artifact, error) {
			text, ok := args["text"].(string)
			if !ok {
				return "", nil, fmt.Errorf("%w: text", ErrMissingRequiredArg)
			}
			return text, nil, nil
		},
	}
}
