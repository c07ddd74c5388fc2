// Package safety evaluates agent-proposed tool invocations against a
// blocklist before the executor spawns anything. The gate is deterministic
// and fails closed: anything matching a rule is blocked regardless of
// context, and the hook binary maps Block to exit code 2.
package safety

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Verdict is the outcome of a gate evaluation.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictBlock Verdict = "block"
)

// Decision carries the verdict plus the rule and reason behind a block.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Rule    string  `json:"rule,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// Allowed reports whether the invocation may proceed.
func (d Decision) Allowed() bool { return d.Verdict == VerdictAllow }

var allow = Decision{Verdict: VerdictAllow}

func block(rule, reason string) Decision {
	return Decision{Verdict: VerdictBlock, Rule: rule, Reason: reason}
}

// commandRule blocks shell commands by pattern.
type commandRule struct {
	name    string
	pattern *regexp.Regexp
	reason  string
}

// Recursive removes aimed at the filesystem root, a home directory (bare or
// wildcarded), a parent traversal, or a bare wildcard. The flag cluster may
// combine r and f in either order and repeat (-rf, -fr, -r -f,
// --recursive --force).
var destructiveRemoveRules = []commandRule{
	{
		name:    "rm-recursive-root",
		pattern: regexp.MustCompile(`\brm\s+(?:-[a-zA-Z]*r[a-zA-Z]*|--recursive)(?:\s+\S+)*\s+(?:"|')?/(?:"|')?(?:\s|$)`),
		reason:  "recursive remove of the filesystem root",
	},
	{
		name:    "rm-recursive-home",
		pattern: regexp.MustCompile(`\brm\s+(?:-[a-zA-Z]*r[a-zA-Z]*|--recursive)(?:\s+\S+)*\s+(?:"|')?(?:~|\$HOME)(?:/\*?)?(?:"|')?(?:\s|$)`),
		reason:  "recursive remove of a home directory",
	},
	{
		name:    "rm-recursive-parent",
		pattern: regexp.MustCompile(`\brm\s+(?:-[a-zA-Z]*r[a-zA-Z]*|--recursive)(?:\s+\S+)*\s+(?:"|')?\.\.(?:/\S*)?(?:"|')?(?:\s|$)`),
		reason:  "recursive remove through a parent directory",
	},
	{
		name:    "rm-recursive-wildcard",
		pattern: regexp.MustCompile(`\brm\s+(?:-[a-zA-Z]*r[a-zA-Z]*|--recursive)(?:\s+\S+)*\s+(?:"|')?(?:\*|/\*|\./\*)(?:"|')?(?:\s|$)`),
		reason:  "recursive remove with a wildcard target",
	},
}

// envAllowlistSuffixes name the env files that are safe to read: committed
// templates carrying no secrets, plus the port-injection file the worktree
// manager writes.
var envAllowlistSuffixes = []string{".env.sample", ".env.example", ".env.template", ".ports.env"}

// dangerousPathPatterns match file paths no phase has business touching.
var dangerousPathPatterns = []string{
	"**/.ssh/**",
	"**/.aws/credentials",
	"**/.config/gcloud/**",
	"**/id_rsa*",
	"**/id_ed25519*",
	"**/*.pem",
	"**/secrets/**",
}

// Gate screens tool invocations.
type Gate struct {
	logger *slog.Logger
}

// New creates a safety gate.
func New(logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{logger: logger}
}

// Input is a proposed tool invocation: the tool name and its raw JSON input
// as the agent emitted it.
type Input struct {
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
}

// Evaluate screens one invocation. Bash-like tools have their command string
// checked against the destructive-remove rules; file tools have their path
// checked against the env-file rule and the dangerous-path patterns.
func (g *Gate) Evaluate(in Input) Decision {
	var fields map[string]any
	if len(in.ToolInput) > 0 {
		// Unparseable input is blocked outright: the gate cannot screen
		// what it cannot read.
		if err := json.Unmarshal(in.ToolInput, &fields); err != nil {
			return g.logged(in, block("unparseable-input",
				fmt.Sprintf("tool input is not valid JSON: %v", err)))
		}
	}

	if cmd, ok := stringField(fields, "command"); ok {
		if d := evaluateCommand(cmd); !d.Allowed() {
			return g.logged(in, d)
		}
	}

	for _, key := range []string{"file_path", "path", "notebook_path"} {
		if p, ok := stringField(fields, key); ok {
			if d := evaluatePath(p); !d.Allowed() {
				return g.logged(in, d)
			}
		}
	}

	return allow
}

func (g *Gate) logged(in Input, d Decision) Decision {
	if !d.Allowed() {
		g.logger.Warn("safety gate blocked invocation",
			"tool", in.ToolName, "rule", d.Rule, "reason", d.Reason)
	}
	return d
}

func stringField(fields map[string]any, key string) (string, bool) {
	v, ok := fields[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// evaluateCommand screens a shell command string. Env-file reads through
// shell tools (cat .env, grep X .env) are blocked the same as direct reads.
func evaluateCommand(cmd string) Decision {
	for _, rule := range destructiveRemoveRules {
		if rule.pattern.MatchString(cmd) {
			return block(rule.name, rule.reason)
		}
	}

	for _, tok := range strings.Fields(cmd) {
		tok = strings.Trim(tok, `"'`)
		if isEnvFile(tok) {
			return block("env-file-access",
				fmt.Sprintf("command touches env file %s", tok))
		}
	}
	return allow
}

// evaluatePath screens a single file path.
func evaluatePath(path string) Decision {
	if isEnvFile(path) {
		return block("env-file-access",
			fmt.Sprintf("access to env file %s", path))
	}

	normalized := filepath.ToSlash(path)
	for _, pattern := range dangerousPathPatterns {
		if ok, _ := doublestar.Match(pattern, normalized); ok {
			return block("dangerous-path",
				fmt.Sprintf("path %s matches protected pattern %s", path, pattern))
		}
	}
	return allow
}

// isEnvFile reports whether the path names a real env file. Any base name
// containing ".env" counts (.env, prod.env, secrets.env.bak); committed
// template files (.env.sample and friends) pass.
func isEnvFile(path string) bool {
	base := filepath.Base(filepath.ToSlash(path))
	if !strings.Contains(base, ".env") {
		return false
	}
	for _, suffix := range envAllowlistSuffixes {
		if strings.HasSuffix(base, suffix) {
			return false
		}
	}
	return true
}
