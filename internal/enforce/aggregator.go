package enforce

import (
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"agentgate/internal/model"
	"agentgate/internal/telemetry"
)

// Action decides what happens to findings of a sensitivity level.
type Action string

const (
	ActionDeny  Action = "deny"
	ActionBlock Action = "block"
	ActionWarn  Action = "warn"
	ActionLog   Action = "log"
)

// AllowlistEntry suppresses findings on matching paths. A nil ExpiresAt never
// expires; an empty Detectors list covers every detector.
type AllowlistEntry struct {
	PathGlob  string     `json:"path_glob" yaml:"path_glob"`
	Reason    string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Detectors []string   `json:"detectors,omitempty" yaml:"detectors,omitempty"`
}

// Policy is the resolved enforcement policy for one evaluation.
type Policy struct {
	Allowlist []AllowlistEntry             `json:"allowlist,omitempty" yaml:"allowlist,omitempty"`
	Actions   map[model.Sensitivity]Action `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// DefaultPolicy blocks restricted findings, warns on sensitive, and logs the
// rest.
func DefaultPolicy() Policy {
	return Policy{Actions: map[model.Sensitivity]Action{
		model.SensitivityRestricted: ActionBlock,
		model.SensitivitySensitive:  ActionWarn,
		model.SensitivityWarning:    ActionLog,
		model.SensitivityInfo:       ActionLog,
	}}
}

// Summary aggregates counts over the filtered finding set.
type Summary struct {
	Total        int                       `json:"total"`
	ByLevel      map[model.Sensitivity]int `json:"by_level"`
	ByDetector   map[string]int            `json:"by_detector"`
	ScanDuration time.Duration             `json:"scan_duration"`
	FilesScanned int                       `json:"files_scanned"`
}

// Decision is the aggregated enforcement outcome. Allowed is true exactly
// when nothing was blocked.
type Decision struct {
	Allowed bool            `json:"allowed"`
	Blocked []model.Finding `json:"blocked,omitempty"`
	Warned  []model.Finding `json:"warned,omitempty"`
	Logged  []model.Finding `json:"logged,omitempty"`
	Summary Summary         `json:"summary"`
}

// Aggregator merges detector findings under a policy.
type Aggregator struct {
	policy Policy
	now    func() time.Time
}

// NewAggregator builds an aggregator, validating allowlist globs eagerly.
func NewAggregator(policy Policy) (*Aggregator, error) {
	for _, entry := range policy.Allowlist {
		if !doublestar.ValidatePattern(entry.PathGlob) {
			return nil, fmt.Errorf("invalid allowlist glob %q", entry.PathGlob)
		}
	}
	if policy.Actions == nil {
		policy.Actions = DefaultPolicy().Actions
	}
	return &Aggregator{policy: policy, now: time.Now}, nil
}

// Aggregate filters allowlisted findings, buckets the rest by the
// sensitivity-to-action map, and produces the summary.
func (a *Aggregator) Aggregate(findings []model.Finding, scanDuration time.Duration, filesScanned int) Decision {
	var filtered []model.Finding
	for _, f := range findings {
		if a.allowlisted(f) {
			continue
		}
		filtered = append(filtered, f)
	}

	decision := Decision{Summary: Summary{
		Total:        len(filtered),
		ByLevel:      make(map[model.Sensitivity]int),
		ByDetector:   make(map[string]int),
		ScanDuration: scanDuration,
		FilesScanned: filesScanned,
	}}
	for _, f := range filtered {
		decision.Summary.ByLevel[f.Sensitivity]++
		decision.Summary.ByDetector[f.Detector]++
		switch a.actionFor(f.Sensitivity) {
		case ActionDeny, ActionBlock:
			decision.Blocked = append(decision.Blocked, f)
		case ActionWarn:
			decision.Warned = append(decision.Warned, f)
		default:
			decision.Logged = append(decision.Logged, f)
		}
	}
	decision.Allowed = len(decision.Blocked) == 0
	if n := len(decision.Blocked); n > 0 {
		telemetry.TrackFindingsBlocked(n)
	}
	return decision
}

func (a *Aggregator) actionFor(s model.Sensitivity) Action {
	if action, ok := a.policy.Actions[s]; ok {
		return action
	}
	return ActionLog
}

// allowlisted reports whether any unexpired entry covers the finding's path
// and detector.
func (a *Aggregator) allowlisted(f model.Finding) bool {
	for _, entry := range a.policy.Allowlist {
		if entry.ExpiresAt != nil && a.now().After(*entry.ExpiresAt) {
			continue
		}
		ok, _ := doublestar.Match(entry.PathGlob, f.File)
		if !ok {
			continue
		}
		if len(entry.Detectors) == 0 {
			return true
		}
		for _, d := range entry.Detectors {
			if d == f.Detector {
				return true
			}
		}
	}
	return false
}

// ScanFiles runs every detector over the given file contents and aggregates
// the result. Content is keyed by workspace-relative path.
func ScanFiles(detectors []Detector, contents map[string]string, policy Policy) (Decision, error) {
	agg, err := NewAggregator(policy)
	if err != nil {
		return Decision{}, err
	}
	start := time.Now()
	var findings []model.Finding
	for file, content := range contents {
		for _, d := range detectors {
			findings = append(findings, d.Scan(file, content)...)
		}
	}
	return agg.Aggregate(findings, time.Since(start), len(contents)), nil
}
