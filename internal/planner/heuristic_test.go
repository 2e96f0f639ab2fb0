package planner

import (
	"strings"
	"testing"

	"forgekeeper/internal/types"

	"github.com/google/go-cmp/cmp"
)

// assertPlanShape checks the guarantees every heuristic plan must satisfy.
func assertPlanShape(t *testing.T, plan *types.InstructionPlan, tools []types.ToolInfo) {
	t.Helper()

	if n := len(plan.Steps); n < MinSteps || n > MaxSteps {
		t.Fatalf("plan has %d steps, want %d to %d", n, MinSteps, MaxSteps)
	}
	if plan.Approach == "" {
		t.Error("plan has no approach")
	}
	if plan.Verification == nil || plan.Verification.CheckCommand == "" || plan.Verification.SuccessCriteria == "" {
		t.Errorf("plan verification incomplete: %+v", plan.Verification)
	}
	if len(plan.Alternatives) == 0 {
		t.Error("plan has no alternatives")
	}

	registered := registryNames(tools)
	for i, s := range plan.Steps {
		if !registered[s.Tool] {
			t.Errorf("step %d uses unregistered tool %q", i, s.Tool)
		}
		if s.Confidence <= 0 || s.Confidence > 1 {
			t.Errorf("step %d confidence = %v, want (0,1]", i, s.Confidence)
		}
		if s.ErrorHandling == "" {
			t.Errorf("step %d has no error handling", i)
		}
		if s.ExpectedOutcome == "" {
			t.Errorf("step %d has no expected outcome", i)
		}
	}
}

func TestHeuristicPlanShapeAcrossActions(t *testing.T) {
	t.Parallel()
	actions := []string{
		"Clone https://github.com/acme/widget.git and inspect it",
		"Install the project dependencies",
		"Run the test suite and report failures",
		"Build the project from source",
		"Create docs/usage.md describing the CLI",
		"Download https://api.example.com/data.json for analysis",
		"Review internal/auth/login.go for issues",
		"flurble the quux",
	}
	for _, action := range actions {
		plan := heuristicPlan(Request{Action: action, Tools: builtinInfos()})
		assertPlanShape(t, plan, builtinInfos())
	}
}

func TestHeuristicClonePlanExtractsURL(t *testing.T) {
	t.Parallel()
	plan := heuristicPlan(Request{
		Action: "Clone https://github.com/acme/widget.git and inspect it",
		Tools:  builtinInfos(),
	})

	cmd, _ := plan.Steps[0].Args["command"].(string)
	if !strings.Contains(cmd, "git clone https://github.com/acme/widget.git") {
		t.Errorf("step 0 command = %q", cmd)
	}
	if plan.Steps[1].Tool != "read_dir" {
		t.Fatalf("step 1 tool = %s, want read_dir", plan.Steps[1].Tool)
	}
	if got, _ := plan.Steps[1].Args["path"].(string); got != "widget" {
		t.Errorf("step 1 path = %q, want widget", got)
	}
	if !strings.Contains(plan.Verification.CheckCommand, "widget") {
		t.Errorf("verification = %q does not target the clone", plan.Verification.CheckCommand)
	}
}

func TestHeuristicInstallPlanUsesManifestChain(t *testing.T) {
	t.Parallel()
	plan := heuristicPlan(Request{Action: "Install the project dependencies", Tools: builtinInfos()})

	cmd, _ := plan.Steps[1].Args["command"].(string)
	for _, want := range []string{"npm install", "pip install -r requirements.txt", "go mod download"} {
		if !strings.Contains(cmd, want) {
			t.Errorf("install chain is missing %q", want)
		}
	}
}

func TestHeuristicWritePlanTargetsNamedFile(t *testing.T) {
	t.Parallel()
	plan := heuristicPlan(Request{Action: "Create docs/usage.md describing the CLI", Tools: builtinInfos()})

	var wrote bool
	for _, s := range plan.Steps {
		if s.Tool != "write_file" {
			continue
		}
		wrote = true
		if got, _ := s.Args["path"].(string); got != "docs/usage.md" {
			t.Errorf("write_file path = %q, want docs/usage.md", got)
		}
		content, _ := s.Args["content"].(string)
		if !strings.HasPrefix(content, "# ") {
			t.Errorf("markdown scaffold = %q", content)
		}
	}
	if !wrote {
		t.Fatal("plan never writes the named file")
	}
}

func TestHeuristicFetchPlanExtractsURL(t *testing.T) {
	t.Parallel()
	plan := heuristicPlan(Request{
		Action: "Download https://api.example.com/data.json for analysis",
		Tools:  builtinInfos(),
	})

	if plan.Steps[0].Tool != "http_fetch" {
		t.Fatalf("step 0 tool = %s, want http_fetch", plan.Steps[0].Tool)
	}
	if got, _ := plan.Steps[0].Args["url"].(string); got != "https://api.example.com/data.json" {
		t.Errorf("fetch url = %q", got)
	}
}

func TestHeuristicReadPlanInspectsNamedFile(t *testing.T) {
	t.Parallel()
	plan := heuristicPlan(Request{Action: "Review internal/auth/login.go for issues", Tools: builtinInfos()})

	var read bool
	for _, s := range plan.Steps {
		if s.Tool == "read_file" {
			read = true
			if got, _ := s.Args["path"].(string); got != "internal/auth/login.go" {
				t.Errorf("read_file path = %q", got)
			}
		}
	}
	if !read {
		t.Fatal("plan never reads the named file")
	}
}

func TestHeuristicUnknownActionSurveys(t *testing.T) {
	t.Parallel()
	plan := heuristicPlan(Request{Action: "flurble the quux", Tools: builtinInfos()})

	if plan.Steps[0].Tool != "read_dir" {
		t.Errorf("step 0 tool = %s, want read_dir", plan.Steps[0].Tool)
	}
	last := plan.Steps[len(plan.Steps)-1]
	if last.Tool != "echo" {
		t.Fatalf("last step tool = %s, want echo", last.Tool)
	}
	if text, _ := last.Args["text"].(string); !strings.Contains(text, "flurble the quux") {
		t.Errorf("survey note = %q does not carry the action", text)
	}
}

func TestHeuristicRegistryWithoutBashSubstitutes(t *testing.T) {
	t.Parallel()
	var tools []types.ToolInfo
	for _, info := range builtinInfos() {
		if info.Name != "run_bash" {
			tools = append(tools, info)
		}
	}

	plan := heuristicPlan(Request{Action: "Run the test suite", Tools: tools})
	assertPlanShape(t, plan, tools)
	for i, s := range plan.Steps {
		if s.Tool == "run_bash" {
			t.Errorf("step %d still uses run_bash", i)
		}
	}
}

func TestHeuristicEchoOnlyRegistry(t *testing.T) {
	t.Parallel()
	tools := []types.ToolInfo{{Name: "echo", Description: "Echo text back"}}

	plan := heuristicPlan(Request{Action: "Install the project dependencies", Tools: tools})
	assertPlanShape(t, plan, tools)
	for i, s := range plan.Steps {
		if s.Tool != "echo" {
			t.Errorf("step %d tool = %s, want echo", i, s.Tool)
		}
	}
}

func TestHeuristicDeterministic(t *testing.T) {
	t.Parallel()
	req := Request{Action: "Clone https://github.com/acme/widget.git", Tools: builtinInfos()}

	a := heuristicPlan(req)
	b := heuristicPlan(req)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("identical requests produced different plans (-first +second):\n%s", diff)
	}
}

func TestRepoDirFor(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"https://github.com/acme/widget.git": "widget",
		"git@github.com:acme/widget.git":     "widget",
		"git@host:repo.git":                  "repo",
		"https://example.com/repo":           "repo",
		"https://example.com/repo/":          "repo",
	}
	for url, want := range cases {
		if got := repoDirFor(url); got != want {
			t.Errorf("repoDirFor(%q) = %q, want %q", url, got, want)
		}
	}
}

func TestFirstFilePathSkipsURLsAndAbbreviations(t *testing.T) {
	t.Parallel()
	got := firstFilePath("fetch https://x.io/a.json and note e.g. the schema in notes.md")
	if got != "notes.md" {
		t.Errorf("firstFilePath = %q, want notes.md", got)
	}
	if got := firstFilePath("no paths here at all"); got != "" {
		t.Errorf("firstFilePath = %q, want empty", got)
	}
}

func TestScaffoldForMatchesFormat(t *testing.T) {
	t.Parallel()
	if got := scaffoldFor("config.json", "add config"); got != "{}\n" {
		t.Errorf("json scaffold = %q", got)
	}
	if got := scaffoldFor("main.go", "add entrypoint"); !strings.HasPrefix(got, "// ") {
		t.Errorf("go scaffold = %q", got)
	}
	if got := scaffoldFor("setup.py", "add setup"); !strings.HasPrefix(got, "# ") {
		t.Errorf("python scaffold = %q", got)
	}
}
