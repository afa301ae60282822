package enforce

import (
	"fmt"
	"regexp"
	"strings"

	"agentgate/internal/model"
)

// Detector scans one file's content and reports findings.
type Detector interface {
	Name() string
	Scan(file, content string) []model.Finding
}

type pattern struct {
	ruleID      string
	description string
	sensitivity model.Sensitivity
	re          *regexp.Regexp
}

var (
	reAWSAccessKey    = regexp.MustCompile(`AKIA[0-9A-Z]{16}`)
	rePrivateKey      = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)
	reGenericAPIToken = regexp.MustCompile(`(api|access)[_-]?key\s*[:=]\s*['"][a-zA-Z0-9_\-]{20,}['"]`)
	reSlackToken      = regexp.MustCompile(`xox[baprs]-([0-9a-zA-Z]{10,48})`)
	reGitHubToken     = regexp.MustCompile(`gh[pousr]_[a-zA-Z0-9]{36,255}`)
	reDangerousCmd    = regexp.MustCompile(`(?i)\b(rm|cat|cp|mv|chmod|chown)\b.*(\.ssh|\.aws|\.config|/etc/passwd|/etc/shadow)`)
	reRootDeletion    = regexp.MustCompile(`(?i)\brm\s+-[rRf]+\s+([/~*]+|/)$`)
	rePipeToShell     = regexp.MustCompile(`(?i)\b(curl|wget)\b[^;\n&]*\|\s*\b(bash|sh|zsh|python|perl|ruby|php|node)\b`)
)

// RegexDetector matches a fixed set of secret and dangerous-command patterns.
type RegexDetector struct {
	name     string
	patterns []pattern
}

// NewSecretDetector detects credential material in file content.
func NewSecretDetector() *RegexDetector {
	return &RegexDetector{name: "secrets", patterns: []pattern{
		{"aws-access-key", "AWS access key", model.SensitivityRestricted, reAWSAccessKey},
		{"private-key", "private key material", model.SensitivityRestricted, rePrivateKey},
		{"github-token", "GitHub token", model.SensitivityRestricted, reGitHubToken},
		{"slack-token", "Slack token", model.SensitivitySensitive, reSlackToken},
		{"generic-api-token", "hardcoded API token", model.SensitivitySensitive, reGenericAPIToken},
	}}
}

// NewCommandDetector flags dangerous shell constructs in scripts.
func NewCommandDetector() *RegexDetector {
	return &RegexDetector{name: "commands", patterns: []pattern{
		{"dangerous-command", "command touching sensitive paths", model.SensitivityWarning, reDangerousCmd},
		{"root-deletion", "recursive deletion of root or home", model.SensitivitySensitive, reRootDeletion},
		{"pipe-to-shell", "remote content piped into a shell", model.SensitivityWarning, rePipeToShell},
	}}
}

func (d *RegexDetector) Name() string { return d.name }

// Scan reports every pattern hit with its line number.
func (d *RegexDetector) Scan(file, content string) []model.Finding {
	var findings []model.Finding
	for _, p := range d.patterns {
		for _, loc := range p.re.FindAllStringIndex(content, -1) {
			line := 1 + strings.Count(content[:loc[0]], "\n")
			findings = append(findings, model.Finding{
				RuleID:      p.ruleID,
				Message:     fmt.Sprintf("found potential %s", p.description),
				File:        file,
				Line:        line,
				Sensitivity: p.sensitivity,
				Detector:    d.Name(),
			})
		}
	}
	return findings
}
