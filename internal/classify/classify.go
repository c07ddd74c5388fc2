// Package classify maps an issue to a complexity level, a cost band, and a
// workflow template. Pure text heuristics, no external calls; the same input
// always yields the same output. Results are cached per issue id.
package classify

import (
	"strings"
	"sync"

	"github.com/randalmurphal/adw/internal/state"
)

// Level is the estimated complexity of a request.
type Level string

const (
	LevelLightweight Level = "lightweight"
	LevelStandard    Level = "standard"
	LevelComplex     Level = "complex"
)

// Result is the classifier output for one issue.
type Result struct {
	Level      Level
	Confidence float64 // in [0, 1]
	MinCostUSD float64
	MaxCostUSD float64
	Template   string
	Class      state.Classification
}

// Input is the issue text the classifier scores.
type Input struct {
	IssueID   string
	Title     string
	Body      string
	TypeLabel string // feature | bug | chore | patch, when the tracker provides one
}

// Keyword families and their score adjustments. Negative pulls toward
// lightweight, positive toward complex.
var scoreFamilies = []struct {
	keywords []string
	delta    int
}{
	{[]string{"ui only", "ui-only", "css", "styling", "typo", "copy change", "wording"}, -1},
	{[]string{"docs", "documentation", "readme", "comment"}, -1},
	{[]string{"single file", "one file", "one-line", "one line"}, -1},
	{[]string{"simple", "trivial", "quick fix", "small"}, -2},
	{[]string{"full-stack", "full stack", "frontend and backend", "end-to-end"}, 2},
	{[]string{"database", "migration", "schema", "sql"}, 2},
	{[]string{"security", "auth", "authentication", "authorization", "vulnerability"}, 2},
	{[]string{"integration", "third-party", "external api", "webhook"}, 1},
	{[]string{"multi-component", "multiple components", "across services", "cross-cutting"}, 2},
	{[]string{"ci", "pipeline", "deploy", "infrastructure"}, 1},
	{[]string{"refactor", "rewrite", "restructure", "rearchitect"}, 2},
	{[]string{"complex", "complicated", "major"}, 2},
}

// classKeywords map issue text to a classification when no type label exists.
// Checked in order: patch outranks bug so "fix typo" lands on patch.
var classKeywords = []struct {
	keywords []string
	class    state.Classification
}{
	{[]string{"typo", "patch", "hotfix"}, state.ClassPatch},
	{[]string{"bug", "fix", "crash", "broken", "error", "regression"}, state.ClassBug},
	{[]string{"chore", "cleanup", "upgrade", "bump", "dependency"}, state.ClassChore},
}

// Classifier scores issues deterministically and caches results by issue id.
type Classifier struct {
	mu    sync.RWMutex
	cache map[string]Result
}

// New creates a classifier with an empty cache.
func New() *Classifier {
	return &Classifier{cache: make(map[string]Result)}
}

// Classify scores the issue. Repeated calls with the same issue id return
// the cached first result, which also pins the classification for the
// lifetime of the workflow.
func (c *Classifier) Classify(in Input) Result {
	if in.IssueID != "" {
		c.mu.RLock()
		cached, ok := c.cache[in.IssueID]
		c.mu.RUnlock()
		if ok {
			return cached
		}
	}

	result := score(in)

	if in.IssueID != "" {
		c.mu.Lock()
		// First writer wins; a concurrent Classify for the same issue
		// computed the identical result anyway.
		if cached, ok := c.cache[in.IssueID]; ok {
			result = cached
		} else {
			c.cache[in.IssueID] = result
		}
		c.mu.Unlock()
	}
	return result
}

// score is the pure scoring function.
func score(in Input) Result {
	text := strings.ToLower(in.Title + "\n" + in.Body)

	total := 0
	for _, family := range scoreFamilies {
		for _, kw := range family.keywords {
			if strings.Contains(text, kw) {
				total += family.delta
				break // one hit per family
			}
		}
	}

	var r Result
	switch {
	case total <= -2:
		r = Result{Level: LevelLightweight, MinCostUSD: 0.20, MaxCostUSD: 0.50, Template: "lightweight"}
	case total <= 2:
		r = Result{Level: LevelStandard, MinCostUSD: 1.00, MaxCostUSD: 2.00, Template: "standard"}
	default:
		r = Result{Level: LevelComplex, MinCostUSD: 3.00, MaxCostUSD: 5.00, Template: "complete"}
	}

	r.Confidence = confidence(total)
	r.Class = classOf(in, text)
	return r
}

// confidence grows with score magnitude: a strongly signed score means the
// keywords agreed.
func confidence(total int) float64 {
	magnitude := total
	if magnitude < 0 {
		magnitude = -magnitude
	}
	conf := 0.5 + 0.1*float64(magnitude)
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}

func classOf(in Input, text string) state.Classification {
	switch strings.ToLower(in.TypeLabel) {
	case "feature":
		return state.ClassFeature
	case "bug":
		return state.ClassBug
	case "chore":
		return state.ClassChore
	case "patch":
		return state.ClassPatch
	}

	for _, ck := range classKeywords {
		for _, kw := range ck.keywords {
			if strings.Contains(text, kw) {
				return ck.class
			}
		}
	}
	return state.ClassFeature
}
