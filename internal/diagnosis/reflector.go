package diagnosis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"forgekeeper/internal/llm"
	"forgekeeper/internal/logging"
	"forgekeeper/internal/types"
)

// whyChainDepth is the number of layers a full five-whys analysis
// carries: entry 0 is the proximate cause, the last entry the root.
const whyChainDepth = 5

// defaultDiagnoseTimeout bounds one LLM diagnosis call so a slow model
// cannot stall the iteration loop.
const defaultDiagnoseTimeout = 30 * time.Second

// maxContextChars caps how much recent session context rides along in
// the diagnosis prompt.
const maxContextChars = 2000

// diagnosisSchema constrains the LLM's answer to the Diagnosis wire shape.
var diagnosisSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "why_chain": {
      "type": "array",
      "items": {"type": "string"},
      "minItems": 5,
      "maxItems": 5
    },
    "root_cause": {
      "type": "object",
      "properties": {
        "category": {"type": "string"},
        "description": {"type": "string"}
      },
      "required": ["category", "description"],
      "additionalProperties": false
    },
    "suggested_direction": {"type": "string"}
  },
  "required": ["why_chain", "root_cause", "suggested_direction"],
  "additionalProperties": false
}`)

// Reflector produces a layered why-chain diagnosis for a failed tool
// invocation. With an LLM client it asks the model for the analysis;
// without one (or when the model fails) it falls back to a per-category
// rule table. Both paths produce the same Diagnosis shape.
type Reflector struct {
	client  types.LLMClient
	timeout time.Duration
}

// NewReflector creates a reflector. client may be nil, in which case
// every diagnosis comes from the rule table.
func NewReflector(client types.LLMClient) *Reflector {
	return &Reflector{client: client, timeout: defaultDiagnoseTimeout}
}

// Diagnose analyzes one failed invocation. category should come from
// Classify; if it is not a known category the reflector re-classifies.
// recentContext is free-form session context (recent actions, output
// tails) and may be empty.
func (r *Reflector) Diagnose(ctx context.Context, inv types.ToolInvocation, toolErr *types.ToolError, category types.ErrorCategory, recentContext string) (*types.Diagnosis, error) {
	if toolErr == nil {
		return nil, fmt.Errorf("diagnosis: nil tool error")
	}
	if !types.ValidErrorCategory(category) {
		category = Classify(toolErr)
	}

	if r.client != nil {
		diag, err := r.diagnoseLLM(ctx, inv, toolErr, category, recentContext)
		if err == nil {
			return diag, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.RecoveryWarn("LLM diagnosis failed, using rule table: %v", err)
	}

	return diagnoseRules(inv, toolErr, category), nil
}

func (r *Reflector) diagnoseLLM(ctx context.Context, inv types.ToolInvocation, toolErr *types.ToolError, category types.ErrorCategory, recentContext string) (*types.Diagnosis, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args, _ := json.Marshal(inv.Args)
	categories := make([]string, len(types.AllErrorCategories))
	for i, c := range types.AllErrorCategories {
		categories[i] = string(c)
	}

	prompt := fmt.Sprintf(`A tool invocation failed inside an autonomous coding session. Perform a five-whys analysis.

Tool: %s
Arguments: %s
Error: %s: %s
Exit code: %d
Classified category: %s

Recent session context:
%s

Rules:
- why_chain has exactly five entries. Entry 1 is the proximate cause, entry 5 the root cause.
- root_cause.category must be one of: %s.
- root_cause.description restates the root cause in one sentence.
- suggested_direction is one concrete next action, a single sentence.

Output JSON:
{
  "why_chain": ["...", "...", "...", "...", "..."],
  "root_cause": {"category": "...", "description": "..."},
  "suggested_direction": "..."
}

JSON only:`,
		inv.Tool, string(args), toolErr.Name, toolErr.Message, toolErr.ExitCode,
		category, truncateContext(recentContext, maxContextChars), strings.Join(categories, ", "))

	resp, err := r.client.Chat(ctx, types.ChatRequest{
		Messages:    []types.Message{{Role: "user", Content: prompt}},
		Temperature: 0.2,
		Format:      types.FormatJSONSchema,
		Schema:      diagnosisSchema,
	})
	if err != nil {
		return nil, err
	}

	var wire struct {
		WhyChain  []string `json:"why_chain"`
		RootCause struct {
			Category    string `json:"category"`
			Description string `json:"description"`
		} `json:"root_cause"`
		SuggestedDirection string `json:"suggested_direction"`
	}
	raw := string(resp.JSON)
	if raw == "" {
		raw = resp.Text
	}
	if err := llm.DecodeJSON(raw, &wire); err != nil {
		return nil, err
	}

	chain := make([]string, 0, whyChainDepth)
	for _, why := range wire.WhyChain {
		if why = strings.TrimSpace(why); why != "" {
			chain = append(chain, why)
		}
		if len(chain) == whyChainDepth {
			break
		}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("diagnosis: model returned an empty why-chain")
	}

	// The model may refine the classification, but never outside the
	// taxonomy; an unknown label keeps the classifier's verdict.
	rootCategory := types.ErrorCategory(wire.RootCause.Category)
	if !types.ValidErrorCategory(rootCategory) {
		rootCategory = category
	}
	description := strings.TrimSpace(wire.RootCause.Description)
	if description == "" {
		description = chain[len(chain)-1]
	}
	direction := strings.TrimSpace(wire.SuggestedDirection)
	if direction == "" {
		direction = ruleTemplates[category].direction
	}

	return &types.Diagnosis{
		Category:           category,
		WhyChain:           chain,
		RootCause:          types.RootCause{Category: rootCategory, Description: description},
		SuggestedDirection: direction,
		Method:             "llm",
	}, nil
}

// ruleTemplate is one category's canned five-whys analysis. Templates
// expand {tool} and {error} before use.
type ruleTemplate struct {
	why       [whyChainDepth]string
	direction string
}

var ruleTemplates = map[types.ErrorCategory]ruleTemplate{
	types.CategoryCommandNotFound: {
		why: [whyChainDepth]string{
			"{tool} failed because the command was not found: {error}",
			"The executable is not on PATH in the execution environment",
			"The program was never installed, or its install location is not on PATH",
			"The task assumed a preinstalled toolchain the workspace does not provide",
			"A dependency the task requires is missing from the environment",
		},
		direction: "Install the missing program with the platform's package manager, then re-run the failed command.",
	},
	types.CategoryPermissionDenied: {
		why: [whyChainDepth]string{
			"{tool} was denied access: {error}",
			"The process lacks permission for the target file, directory, or operation",
			"The target sits outside the writable workspace or carries restrictive permissions",
			"The plan assumed broader filesystem access than the sandbox grants",
			"The operation must happen inside the workspace or against a permitted path",
		},
		direction: "Retarget the operation to a path inside the workspace, or fix permissions on the target first.",
	},
	types.CategoryFileNotFound: {
		why: [whyChainDepth]string{
			"{tool} referenced a path that does not exist: {error}",
			"The file was never created, was removed, or the path is misspelled",
			"A prior step expected to produce the file did not run or did not succeed",
			"The plan's path assumptions do not match the actual workspace layout",
			"Paths must be discovered from the workspace before operating on them",
		},
		direction: "List the enclosing directory to find the real path, or create the missing file before retrying.",
	},
	types.CategoryTimeout: {
		why: [whyChainDepth]string{
			"{tool} exceeded its time budget: {error}",
			"The operation ran longer than the configured timeout allows",
			"The work is slow, blocked on input, or waiting on an unavailable resource",
			"The command may be interactive or network-bound, or the budget is too small for it",
			"The operation needs to run non-interactively, in smaller pieces, or with a larger budget",
		},
		direction: "Re-run with a longer timeout, or split the operation into smaller non-interactive steps.",
	},
	types.CategoryToolNotFound: {
		why: [whyChainDepth]string{
			"The plan referenced {tool}, which the registry does not know: {error}",
			"No registered tool carries that name",
			"The plan was generated against a tool set that differs from the registry",
			"Planning did not validate tool references before execution",
			"Plans must be built from the registry's actual tool list",
		},
		direction: "Re-plan the step using only tools from the registry listing.",
	},
	types.CategoryNetwork: {
		why: [whyChainDepth]string{
			"{tool} hit a network failure: {error}",
			"The remote endpoint did not accept or sustain the connection",
			"The host is unreachable, the service is down, or DNS resolution failed",
			"Connectivity from this environment to the endpoint is absent or unstable",
			"Network-dependent steps need a reachability check and retry with backoff",
		},
		direction: "Verify connectivity against a known-good URL, then retry the operation with backoff.",
	},
	types.CategoryAuth: {
		why: [whyChainDepth]string{
			"{tool} was rejected with an authentication or authorization failure: {error}",
			"The request's credentials were missing, expired, or insufficient",
			"The environment does not hold a valid credential for the service",
			"The task assumed credentials that were never configured for this workspace",
			"Valid credentials must be supplied before the service can be used",
		},
		direction: "Check the required API key or credential in the environment before retrying.",
	},
	types.CategoryResourceBusy: {
		why: [whyChainDepth]string{
			"{tool} found the resource busy or locked: {error}",
			"Another process holds the file, port, or lock this step needs",
			"A concurrent operation (or a stale lock from a crashed one) is in the way",
			"The step did not account for contention on shared resources",
			"The operation needs to wait for, release, or avoid the competing holder",
		},
		direction: "Wait briefly and retry; if the lock persists, identify and release its holder.",
	},
	types.CategoryOutOfMemory: {
		why: [whyChainDepth]string{
			"{tool} failed allocating memory: {error}",
			"The operation's working set exceeds the memory available to the process",
			"The input is too large, or memory is leaked or held elsewhere",
			"The approach loads more into memory than this environment can hold",
			"The work must shrink its working set or process input incrementally",
		},
		direction: "Reduce the input size or process it in chunks before retrying.",
	},
	types.CategoryRateLimit: {
		why: [whyChainDepth]string{
			"{tool} was rate limited: {error}",
			"The service rejected the request for exceeding its quota window",
			"Requests were issued faster than the service's allowance",
			"The step did not pace or batch its requests to the service",
			"Calls must back off until the quota window resets",
		},
		direction: "Back off for the limit window, then retry at a slower pace.",
	},
	types.CategoryInvalidArgs: {
		why: [whyChainDepth]string{
			"{tool} rejected its arguments: {error}",
			"The supplied arguments violate the tool's schema",
			"A required argument is missing, mistyped, or malformed",
			"The plan step was generated with an inaccurate picture of the tool's contract",
			"Arguments must be corrected to match the tool's declared schema",
		},
		direction: "Fix the arguments to match the tool's schema and retry the step.",
	},
	types.CategoryDependencyMissing: {
		why: [whyChainDepth]string{
			"{tool} failed on a missing module or package: {error}",
			"The import or require resolved to nothing in this environment",
			"The dependency was never installed, or the manifest is out of date",
			"The task assumed dependencies that the workspace has not fetched",
			"Project dependencies must be installed before code that imports them runs",
		},
		direction: "Install the missing dependency with the project's package manager, then retry.",
	},
	types.CategorySyntax: {
		why: [whyChainDepth]string{
			"{tool} hit a parse failure: {error}",
			"The file or input contains a syntax error at the reported location",
			"A recent edit introduced malformed code or the input format is wrong",
			"The change was not validated against the language's grammar before use",
			"The malformed input must be corrected at the reported location",
		},
		direction: "Open the reported location, fix the syntax error, and retry.",
	},
	types.CategoryUnknown: {
		why: [whyChainDepth]string{
			"{tool} failed: {error}",
			"The failure does not match any known error signature",
			"The error surface lacks the detail needed to pin a cause",
			"The operation's failure mode is outside the recognized taxonomy",
			"More diagnostic output is needed before a targeted fix is possible",
		},
		direction: "Re-run the operation with more verbose output to expose the underlying cause.",
	},
}

// diagnoseRules renders the category's canned analysis. Always succeeds.
func diagnoseRules(inv types.ToolInvocation, toolErr *types.ToolError, category types.ErrorCategory) *types.Diagnosis {
	tmpl, ok := ruleTemplates[category]
	if !ok {
		tmpl = ruleTemplates[types.CategoryUnknown]
	}

	tool := inv.Tool
	if tool == "" {
		tool = toolErr.Tool
	}
	if tool == "" {
		tool = "the tool"
	}
	message := toolErr.Message
	if message == "" {
		message = toolErr.Name
	}
	expand := strings.NewReplacer("{tool}", tool, "{error}", message)

	chain := make([]string, whyChainDepth)
	for i, why := range tmpl.why {
		chain[i] = expand.Replace(why)
	}

	return &types.Diagnosis{
		Category:           category,
		WhyChain:           chain,
		RootCause:          types.RootCause{Category: category, Description: chain[whyChainDepth-1]},
		SuggestedDirection: tmpl.direction,
		Method:             "rules",
	}
}

func truncateContext(s string, maxLen int) string {
	if s == "" {
		return "(none)"
	}
	if len(s) <= maxLen {
		return s
	}
	// Keep the tail: the newest context is the most diagnostic.
	return "..." + s[len(s)-maxLen:]
}
