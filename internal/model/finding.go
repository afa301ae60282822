package model

// Sensitivity grades a finding.
type Sensitivity string

const (
	SensitivityInfo       Sensitivity = "info"
	SensitivityWarning    Sensitivity = "warning"
	SensitivitySensitive  Sensitivity = "sensitive"
	SensitivityRestricted Sensitivity = "restricted"
)

// Finding is the output of one detector hit.
type Finding struct {
	RuleID      string      `json:"rule_id"`
	Message     string      `json:"message"`
	File        string      `json:"file"`
	Line        int         `json:"line,omitempty"`
	Column      int         `json:"column,omitempty"`
	Sensitivity Sensitivity `json:"sensitivity"`
	Detector    string      `json:"detector"`
}
