package recovery

import (
	"fmt"
	"path"
	"strings"
)

// Rule permits actions of one type whose subject matches Pattern.
// Patterns use path.Match syntax on slash-separated workdir-relative paths; a
// trailing "/**" matches everything below a directory.
type Rule struct {
	Type    ActionType `mapstructure:"type" json:"type"`
	Pattern string     `mapstructure:"pattern" json:"pattern"`
}

func (r Rule) matches(a Action) bool {
	if r.Type != a.Type || r.Pattern == "" {
		return false
	}
	subject := a.Subject()
	if dir, ok := strings.CutSuffix(r.Pattern, "/**"); ok {
		return subject == dir || strings.HasPrefix(subject, dir+"/")
	}
	ok, err := path.Match(r.Pattern, subject)
	return err == nil && ok
}

// Allowlist is the static set of remediation primitives the engine may run.
// An empty Allowlist permits nothing.
type Allowlist []Rule

// DefaultAllowlist covers stale lock and pid files, the runtime directories
// and cache clearing.
func DefaultAllowlist() Allowlist {
	return Allowlist{
		{Type: ActionRemoveFile, Pattern: "*.lock"},
		{Type: ActionRemoveFile, Pattern: "*.pid"},
		{Type: ActionRemoveFile, Pattern: "logs/*.lock"},
		{Type: ActionRemoveFile, Pattern: "logs/*.pid"},
		{Type: ActionRemoveFile, Pattern: "logs/*.stop"},
		{Type: ActionCreateDir, Pattern: "logs"},
		{Type: ActionCreateDir, Pattern: "tmp"},
		{Type: ActionCreateDir, Pattern: "cache"},
		{Type: ActionClearDir, Pattern: "cache"},
		{Type: ActionClearDir, Pattern: "cache/**"},
		{Type: ActionClearDir, Pattern: "tmp"},
		{Type: ActionSetPermissions, Pattern: "logs"},
		{Type: ActionSetPermissions, Pattern: "logs/**"},
	}
}

// Check returns nil when a is well formed and matches a rule, otherwise the
// reason it must not run.
func (al Allowlist) Check(a Action) error {
	if err := a.validate(); err != nil {
		return err
	}
	if a.Type != ActionSetEnv {
		if path.IsAbs(a.Subject()) || a.Subject() == ".." || strings.HasPrefix(a.Subject(), "../") {
			return fmt.Errorf("%w: %s", ErrOutsideWorkdir, a.Path)
		}
	}
	for _, r := range al {
		if r.matches(a) {
			return nil
		}
	}
	return fmt.Errorf("no allowlist rule for %s", a)
}

// Partition splits actions into permitted and rejected, preserving order.
func (al Allowlist) Partition(actions []Action) ([]Action, []Rejection) {
	var ok []Action
	var rejected []Rejection
	for _, a := range actions {
		if err := al.Check(a); err != nil {
			rejected = append(rejected, Rejection{Action: a, Reason: err.Error()})
			continue
		}
		ok = append(ok, a)
	}
	return ok, rejected
}
