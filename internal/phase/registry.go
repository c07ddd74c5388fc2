// Package phase defines the phase registry: the ordered set of workflow
// phases, their execution settings, and the named templates composing them.
// Dispatch is by tagged variant, never by filename.
package phase

import (
	"fmt"
	"time"
)

// Name identifies a phase variant.
type Name string

const (
	Plan     Name = "plan"
	Validate Name = "validate"
	Build    Name = "build"
	Lint     Name = "lint"
	Test     Name = "test"
	Review   Name = "review"
	Document Name = "document"
	Ship     Name = "ship"
	Cleanup  Name = "cleanup"
	Verify   Name = "verify"
)

// Mode selects how a phase executes.
type Mode string

const (
	// ModeAgent runs the phase through the agent runner with a prompt.
	ModeAgent Mode = "agent"
	// ModeTool spawns an external tool subprocess returning JSON.
	ModeTool Mode = "tool"
)

// Spec holds the execution settings for one phase variant.
type Spec struct {
	Name    Name
	Mode    Mode
	Tool    string        // tool executable, for ModeTool
	Prompt  string        // prompt template name, for ModeAgent
	Timeout time.Duration // per-phase default; phase_data may override
	// Soft phases do not fail the workflow when they fail; dependents
	// still run. Unknown phases are treated as hard (fail closed).
	Soft bool
	// Terminal phases do not auto-continue through the coordinator; the
	// orchestrator owns their completion.
	Terminal bool
}

const (
	agentTimeout = 30 * time.Minute
	toolTimeout  = 10 * time.Minute
)

// registry is the ordered list of all phase variants.
var registry = []Spec{
	{Name: Plan, Mode: ModeAgent, Prompt: "plan", Timeout: agentTimeout},
	{Name: Validate, Mode: ModeTool, Tool: "adw-tool-validate", Timeout: toolTimeout},
	{Name: Build, Mode: ModeTool, Tool: "adw-tool-build", Timeout: toolTimeout},
	{Name: Lint, Mode: ModeTool, Tool: "adw-tool-lint", Timeout: toolTimeout, Soft: true},
	{Name: Test, Mode: ModeTool, Tool: "adw-tool-test", Timeout: toolTimeout},
	{Name: Review, Mode: ModeAgent, Prompt: "review", Timeout: agentTimeout},
	{Name: Document, Mode: ModeAgent, Prompt: "document", Timeout: agentTimeout},
	{Name: Ship, Mode: ModeAgent, Prompt: "ship", Timeout: agentTimeout, Terminal: true},
	{Name: Cleanup, Mode: ModeAgent, Prompt: "cleanup", Timeout: agentTimeout, Terminal: true},
	{Name: Verify, Mode: ModeTool, Tool: "adw-tool-verify", Timeout: toolTimeout, Terminal: true},
}

var byName = func() map[Name]Spec {
	m := make(map[Name]Spec, len(registry))
	for _, s := range registry {
		m[s.Name] = s
	}
	return m
}()

// Lookup returns the spec for a phase name.
func Lookup(name Name) (Spec, error) {
	s, ok := byName[name]
	if !ok {
		return Spec{}, fmt.Errorf("unknown phase %q", name)
	}
	return s, nil
}

// IsSoft reports whether a phase's failure leaves the workflow running.
// Unknown phases are hard.
func IsSoft(name Name) bool {
	s, ok := byName[name]
	return ok && s.Soft
}

// All returns all phase variants in registry order.
func All() []Spec {
	out := make([]Spec, len(registry))
	copy(out, registry)
	return out
}

// Template is a named ordered list of phases.
type Template struct {
	Name   string
	Phases []Name
	// Direct templates chain phases in-process; the rest hand off to the
	// coordinator.
	Direct bool
}

var templates = map[string]Template{
	"complete": {
		Name:   "complete",
		Phases: []Name{Plan, Validate, Build, Lint, Test, Review, Document, Ship, Cleanup, Verify},
	},
	"standard": {
		Name:   "standard",
		Phases: []Name{Plan, Validate, Build, Lint, Test, Review, Document, Ship, Cleanup, Verify},
	},
	"lightweight": {
		Name:   "lightweight",
		Phases: []Name{Plan, Validate, Build, Test, Ship},
		Direct: true,
	},
}

// TemplateByName returns a template by name, resolving deprecated aliases.
func TemplateByName(name string) (Template, error) {
	if alias, ok := aliases[name]; ok {
		name = alias.Target
	}
	t, ok := templates[name]
	if !ok {
		return Template{}, fmt.Errorf("unknown template %q", name)
	}
	return t, nil
}

// Alias maps a legacy or webhook-visible template token to a current
// template. Deprecated aliases re-execute transparently against the target.
type Alias struct {
	Target     string
	Deprecated bool
}

// aliases is the static forwarding table. The webhook surface extracts
// these tokens from payload text.
var aliases = map[string]Alias{
	"adw_sdlc_iso":        {Target: "complete"},
	"adw_standard_iso":    {Target: "standard"},
	"adw_lightweight_iso": {Target: "lightweight"},
	// Legacy names kept as pure aliases; the partial pipelines they once
	// named now forward to the full template.
	"adw_plan_build_iso":      {Target: "complete", Deprecated: true},
	"adw_plan_build_test_iso": {Target: "complete", Deprecated: true},
	"adw_patch_iso":           {Target: "lightweight", Deprecated: true},
}

// ResolveAlias reports the target template and deprecation status for a
// token, or ok=false when the token is unknown.
func ResolveAlias(token string) (target string, deprecated, ok bool) {
	a, found := aliases[token]
	if !found {
		return "", false, false
	}
	return a.Target, a.Deprecated, true
}

// Ordinal returns the 1-based position of a phase within a template, or 0
// when the template does not include it.
func (t Template) Ordinal(name Name) int {
	for i, p := range t.Phases {
		if p == name {
			return i + 1
		}
	}
	return 0
}

// Predecessor returns the phase before name in the template, or "" for the
// first phase. Dependency chains are linear within a workflow.
func (t Template) Predecessor(name Name) Name {
	for i, p := range t.Phases {
		if p == name && i > 0 {
			return t.Phases[i-1]
		}
	}
	return ""
}
