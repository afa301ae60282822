package gate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"agentgate/internal/model"
)

// namingConventions maps built-in convention names to validators. Anything
// not in this table is compiled as a regular expression.
var namingConventions = map[string]*regexp.Regexp{
	"kebab-case":           regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*(\.[a-z0-9]+)*$`),
	"camelcase":            regexp.MustCompile(`^[a-z][a-zA-Z0-9]*(\.[a-z0-9]+)*$`),
	"pascalcase":           regexp.MustCompile(`^[A-Z][a-zA-Z0-9]*(\.[a-z0-9]+)*$`),
	"snake_case":           regexp.MustCompile(`^[a-z0-9]+(_[a-z0-9]+)*(\.[a-z0-9]+)*$`),
	"screaming_snake_case": regexp.MustCompile(`^[A-Z0-9]+(_[A-Z0-9]+)*(\.[a-z0-9]+)*$`),
}

// contractsRunner checks structural contracts against the workspace tree:
// required files exist, forbidden patterns match nothing, JSON files satisfy
// their schema rules, and filenames follow naming conventions. A contracts
// gate with no rules passes vacuously.
type contractsRunner struct {
	gate Gate

	namingRegexps []*regexp.Regexp
	schemaRules   []compiledSchemaRule
}

type compiledSchemaRule struct {
	rule    SchemaRule
	pattern *regexp.Regexp
	schema  *jsonschema.Schema
}

func newContractsRunner(g Gate) (*contractsRunner, error) {
	r := &contractsRunner{gate: g}
	for _, p := range g.Check.ForbiddenPatterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("gate %q: invalid forbidden pattern %q", g.Name, p)
		}
	}
	for _, n := range g.Check.NamingRules {
		if !doublestar.ValidatePattern(n.Glob) {
			return nil, fmt.Errorf("gate %q: invalid naming glob %q", g.Name, n.Glob)
		}
		re, ok := namingConventions[n.Convention]
		if !ok {
			var err error
			re, err = regexp.Compile(n.Convention)
			if err != nil {
				return nil, fmt.Errorf("gate %q: naming convention %q is neither built-in nor a valid regexp: %w", g.Name, n.Convention, err)
			}
		}
		r.namingRegexps = append(r.namingRegexps, re)
	}
	for _, sr := range g.Check.SchemaRules {
		c := compiledSchemaRule{rule: sr}
		switch sr.Rule {
		case "has_field":
			if sr.Field == "" {
				return nil, fmt.Errorf("gate %q: has_field rule on %s needs a field", g.Name, sr.File)
			}
		case "field_type":
			if sr.Field == "" || sr.Type == "" {
				return nil, fmt.Errorf("gate %q: field_type rule on %s needs field and type", g.Name, sr.File)
			}
		case "matches_regex":
			re, err := regexp.Compile(sr.Pattern)
			if err != nil {
				return nil, fmt.Errorf("gate %q: bad pattern in schema rule for %s: %w", g.Name, sr.File, err)
			}
			c.pattern = re
		case "json_schema":
			schema, err := jsonschema.CompileString(sr.File+".schema.json", sr.Schema)
			if err != nil {
				return nil, fmt.Errorf("gate %q: bad json schema for %s: %w", g.Name, sr.File, err)
			}
			c.schema = schema
		default:
			return nil, fmt.Errorf("gate %q: unknown schema rule %q", g.Name, sr.Rule)
		}
		r.schemaRules = append(r.schemaRules, c)
	}
	return r, nil
}

func (r *contractsRunner) Gate() Gate { return r.gate }

func (r *contractsRunner) Reset() {}

func (r *contractsRunner) Run(ctx context.Context, rc RunContext) model.GateResult {
	start := time.Now()
	var failures []model.GateFailure

	files, err := listWorkspaceFiles(rc.WorkspacePath)
	if err != nil {
		return fail(r.gate, start, fmt.Sprintf("failed to walk workspace: %v", err))
	}
	fileSet := make(map[string]bool, len(files))
	for _, f := range files {
		fileSet[f] = true
	}

	for _, required := range r.gate.Check.RequiredFiles {
		if !fileSet[required] {
			failures = append(failures, model.GateFailure{
				Message: fmt.Sprintf("required file missing: %s", required),
				File:    required,
			})
		}
	}

	for _, pattern := range r.gate.Check.ForbiddenPatterns {
		for _, f := range files {
			ok, _ := doublestar.Match(pattern, f)
			if ok {
				failures = append(failures, model.GateFailure{
					Message: fmt.Sprintf("forbidden pattern %q matched", pattern),
					File:    f,
				})
			}
		}
	}

	for i, n := range r.gate.Check.NamingRules {
		re := r.namingRegexps[i]
		for _, f := range files {
			ok, _ := doublestar.Match(n.Glob, f)
			if !ok {
				continue
			}
			base := filepath.Base(f)
			if !re.MatchString(base) {
				failures = append(failures, model.GateFailure{
					Message: fmt.Sprintf("filename %q violates %s convention", base, n.Convention),
					File:    f,
				})
			}
		}
	}

	for _, c := range r.schemaRules {
		if fs := r.checkSchemaRule(rc.WorkspacePath, c); fs != nil {
			failures = append(failures, *fs)
		}
	}

	details := map[string]any{"files_checked": len(files)}
	return result(r.gate, start, len(failures) == 0, failures, details)
}

// checkSchemaRule evaluates one schema rule against its JSON file. A missing
// or unparseable file is itself a failure.
func (r *contractsRunner) checkSchemaRule(workspacePath string, c compiledSchemaRule) *model.GateFailure {
	data, err := os.ReadFile(filepath.Join(workspacePath, c.rule.File))
	if err != nil {
		return &model.GateFailure{Message: fmt.Sprintf("schema rule target unreadable: %v", err), File: c.rule.File}
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &model.GateFailure{Message: fmt.Sprintf("not valid JSON: %v", err), File: c.rule.File}
	}

	switch c.rule.Rule {
	case "has_field":
		if _, ok := lookupField(doc, c.rule.Field); !ok {
			return &model.GateFailure{Message: fmt.Sprintf("missing field %q", c.rule.Field), File: c.rule.File}
		}
	case "field_type":
		v, ok := lookupField(doc, c.rule.Field)
		if !ok {
			return &model.GateFailure{Message: fmt.Sprintf("missing field %q", c.rule.Field), File: c.rule.File}
		}
		if got := jsonTypeName(v); got != c.rule.Type {
			return &model.GateFailure{
				Message: fmt.Sprintf("field %q has type %s, want %s", c.rule.Field, got, c.rule.Type),
				File:    c.rule.File,
			}
		}
	case "matches_regex":
		v, ok := lookupField(doc, c.rule.Field)
		if !ok {
			return &model.GateFailure{Message: fmt.Sprintf("missing field %q", c.rule.Field), File: c.rule.File}
		}
		s, ok := v.(string)
		if !ok {
			return &model.GateFailure{Message: fmt.Sprintf("field %q is not a string", c.rule.Field), File: c.rule.File}
		}
		if !c.pattern.MatchString(s) {
			return &model.GateFailure{
				Message: fmt.Sprintf("field %q value %q does not match %q", c.rule.Field, s, c.rule.Pattern),
				File:    c.rule.File,
			}
		}
	case "json_schema":
		if err := c.schema.Validate(doc); err != nil {
			return &model.GateFailure{Message: fmt.Sprintf("schema validation failed: %v", err), File: c.rule.File}
		}
	}
	return nil
}

// lookupField resolves a dot-path like "scripts.build" into a decoded JSON
// document.
func lookupField(doc any, path string) (any, bool) {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case nil:
		return "null"
	}
	return "unknown"
}

// listWorkspaceFiles walks the workspace and returns slash-separated
// relative paths, skipping .git and anything .gitignore excludes.
func listWorkspaceFiles(root string) ([]string, error) {
	ignore := loadIgnorePatterns(root)
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			if rel != "." && ignore.matchesDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if ignore.matches(rel) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	return files, err
}

// ignoreSet is a minimal .gitignore reading: comment and blank lines are
// skipped, a trailing slash marks a directory pattern, negation is not
// supported.
type ignoreSet struct {
	filePatterns []string
	dirPatterns  []string
}

func loadIgnorePatterns(root string) *ignoreSet {
	set := &ignoreSet{}
	f, err := os.Open(filepath.Join(root, ".gitignore"))
	if err != nil {
		return set
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		if strings.HasSuffix(line, "/") {
			set.dirPatterns = append(set.dirPatterns, strings.TrimSuffix(line, "/"))
			continue
		}
		set.filePatterns = append(set.filePatterns, line)
	}
	return set
}

func (s *ignoreSet) matches(rel string) bool {
	base := filepath.Base(rel)
	for _, p := range s.filePatterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(p, base); ok {
			return true
		}
	}
	return s.matchesDir(filepath.ToSlash(filepath.Dir(rel)))
}

func (s *ignoreSet) matchesDir(rel string) bool {
	if rel == "." || rel == "" {
		return false
	}
	for _, p := range s.dirPatterns {
		for _, segment := range strings.Split(rel, "/") {
			if ok, _ := doublestar.Match(p, segment); ok {
				return true
			}
		}
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}
