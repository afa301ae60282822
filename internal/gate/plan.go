package gate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CheckType discriminates the gate check union.
type CheckType string

const (
	CheckContracts   CheckType = "contracts"
	CheckTests       CheckType = "tests"
	CheckBuild       CheckType = "build"
	CheckLint        CheckType = "lint"
	CheckCustom      CheckType = "custom"
	CheckConvergence CheckType = "convergence"
	CheckCI          CheckType = "ci"
)

// FailureAction decides what a failed gate does to the run.
type FailureAction string

const (
	ActionContinue FailureAction = "continue"
	ActionStop     FailureAction = "stop"
	ActionRetry    FailureAction = "retry"
)

// SchemaRule validates one aspect of a JSON file.
type SchemaRule struct {
	File    string `yaml:"file" json:"file"`
	Rule    string `yaml:"rule" json:"rule"` // has_field | field_type | matches_regex | json_schema
	Field   string `yaml:"field,omitempty" json:"field,omitempty"`
	Type    string `yaml:"type,omitempty" json:"type,omitempty"`
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Schema  string `yaml:"schema,omitempty" json:"schema,omitempty"`
}

// NamingRule applies a convention to files matching a glob. Convention is
// one of the built-in names or a regular expression.
type NamingRule struct {
	Glob       string `yaml:"glob" json:"glob"`
	Convention string `yaml:"convention" json:"convention"`
}

// Check is the tagged union of gate check configurations. Type selects the
// meaningful fields.
type Check struct {
	Type CheckType `yaml:"type" json:"type"`

	// contracts
	RequiredFiles     []string     `yaml:"required_files,omitempty" json:"required_files,omitempty"`
	ForbiddenPatterns []string     `yaml:"forbidden_patterns,omitempty" json:"forbidden_patterns,omitempty"`
	SchemaRules       []SchemaRule `yaml:"schema_rules,omitempty" json:"schema_rules,omitempty"`
	NamingRules       []NamingRule `yaml:"naming_rules,omitempty" json:"naming_rules,omitempty"`

	// tests / build / lint
	Commands []string `yaml:"commands,omitempty" json:"commands,omitempty"`

	// custom
	Command      string `yaml:"command,omitempty" json:"command,omitempty"`
	ExpectedExit int    `yaml:"expected_exit,omitempty" json:"expected_exit,omitempty"`
	Timeout      string `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// convergence
	Strategy  string  `yaml:"strategy,omitempty" json:"strategy,omitempty"` // fingerprint | similarity
	Threshold float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`

	// ci
	Workflow    string `yaml:"workflow,omitempty" json:"workflow,omitempty"`
	PollSeconds int    `yaml:"poll_seconds,omitempty" json:"poll_seconds,omitempty"`
}

// OnFailure is the per-gate failure policy.
type OnFailure struct {
	Action     FailureAction `yaml:"action" json:"action"`
	MaxRetries int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// Gate is one named verification check.
type Gate struct {
	Name      string    `yaml:"name" json:"name"`
	Check     Check     `yaml:"check" json:"check"`
	OnFailure OnFailure `yaml:"on_failure" json:"on_failure"`
}

// Limits caps the iteration loop.
type Limits struct {
	MaxIterations int    `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	MaxWallClock  string `yaml:"max_wall_clock,omitempty" json:"max_wall_clock,omitempty"`
	MaxCost       string `yaml:"max_cost,omitempty" json:"max_cost,omitempty"`
	MaxTokens     int64  `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// Plan is a full gate plan document.
type Plan struct {
	Version  int            `yaml:"version" json:"version"`
	Strategy string         `yaml:"strategy" json:"strategy"`
	Config   map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	Gates    []Gate         `yaml:"gates" json:"gates"`
	Limits   Limits         `yaml:"limits,omitempty" json:"limits,omitempty"`
}

var (
	validStrategies = map[string]bool{
		"fixed": true, "hybrid": true, "ralph": true, "adaptive": true, "manual": true,
	}
	reWallClock = regexp.MustCompile(`^\d+[smhd]$`)
	reCost      = regexp.MustCompile(`^\$\d+(\.\d{2})?$`)
	reDuration  = regexp.MustCompile(`^(\d+)(ms|s|m|h)$`)
)

// ParsePlan decodes a YAML or JSON gate plan and validates it strictly.
// Unknown check types or malformed limits are rejected rather than skipped.
func ParsePlan(data []byte) (*Plan, error) {
	var plan Plan
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, &plan); err != nil {
			return nil, fmt.Errorf("failed to parse gate plan JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &plan); err != nil {
			return nil, fmt.Errorf("failed to parse gate plan YAML: %w", err)
		}
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Validate checks the plan's structure without constructing runners.
func (p *Plan) Validate() error {
	if p.Version != 1 {
		return fmt.Errorf("unsupported gate plan version: %d", p.Version)
	}
	if !validStrategies[p.Strategy] {
		return fmt.Errorf("unknown convergence strategy: %q", p.Strategy)
	}
	if len(p.Gates) == 0 {
		return fmt.Errorf("gate plan declares no gates")
	}
	seen := make(map[string]bool)
	for i, g := range p.Gates {
		if g.Name == "" {
			return fmt.Errorf("gate %d has no name", i)
		}
		if seen[g.Name] {
			return fmt.Errorf("duplicate gate name: %q", g.Name)
		}
		seen[g.Name] = true
		switch g.Check.Type {
		case CheckContracts, CheckTests, CheckBuild, CheckLint, CheckCustom, CheckConvergence, CheckCI:
		default:
			return fmt.Errorf("gate %q: unknown check type %q", g.Name, g.Check.Type)
		}
		switch g.OnFailure.Action {
		case ActionContinue, ActionStop, ActionRetry:
		case "":
			p.Gates[i].OnFailure.Action = ActionRetry
		default:
			return fmt.Errorf("gate %q: unknown on_failure action %q", g.Name, g.OnFailure.Action)
		}
	}
	if p.Limits.MaxWallClock != "" && !reWallClock.MatchString(p.Limits.MaxWallClock) {
		return fmt.Errorf("invalid max_wall_clock %q: want <int><s|m|h|d>", p.Limits.MaxWallClock)
	}
	if p.Limits.MaxCost != "" && !reCost.MatchString(p.Limits.MaxCost) {
		return fmt.Errorf("invalid max_cost %q: want $N or $N.NN", p.Limits.MaxCost)
	}
	return nil
}

// ParseWallClock converts a "<int><s|m|h|d>" limit into a duration.
func ParseWallClock(s string) (time.Duration, error) {
	if !reWallClock.MatchString(s) {
		return 0, fmt.Errorf("invalid wall clock limit %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, err
	}
	switch s[len(s)-1] {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("invalid wall clock unit in %q", s)
}

// ParseCost converts "$N(.NN)?" into dollars.
func ParseCost(s string) (float64, error) {
	if !reCost.MatchString(s) {
		return 0, fmt.Errorf("invalid cost limit %q", s)
	}
	return strconv.ParseFloat(strings.TrimPrefix(s, "$"), 64)
}

// parseTimeout converts a duration string like "5m" or "90s" into a
// duration. Empty means no override.
func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	m := reDuration.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid timeout %q", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, err
	}
	switch m[2] {
	case "ms":
		return time.Duration(n) * time.Millisecond, nil
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	}
	return 0, fmt.Errorf("invalid timeout unit in %q", s)
}
