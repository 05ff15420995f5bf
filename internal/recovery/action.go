package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/warden/internal/env"
)

// ActionType names one remediation primitive. The set is closed: anything not
// listed here is rejected before the allowlist is consulted.
type ActionType string

const (
	ActionRemoveFile     ActionType = "remove_file"
	ActionCreateDir      ActionType = "create_dir"
	ActionClearDir       ActionType = "clear_dir"
	ActionSetPermissions ActionType = "set_permissions"
	ActionSetEnv         ActionType = "set_env"
)

var knownActions = map[ActionType]bool{
	ActionRemoveFile:     true,
	ActionCreateDir:      true,
	ActionClearDir:       true,
	ActionSetPermissions: true,
	ActionSetEnv:         true,
}

// Action is a proposed remediation. Path is relative to the workdir; Key and
// Value are used by set_env; Mode is an octal string used by set_permissions.
type Action struct {
	Type  ActionType `mapstructure:"type" json:"type"`
	Path  string     `mapstructure:"path" json:"path,omitempty"`
	Key   string     `mapstructure:"key" json:"key,omitempty"`
	Value string     `mapstructure:"value" json:"value,omitempty"`
	Mode  string     `mapstructure:"mode" json:"mode,omitempty"`
}

// Subject is what allowlist patterns are matched against: the env key for
// set_env and the slash-separated path otherwise.
func (a Action) Subject() string {
	if a.Type == ActionSetEnv {
		return a.Key
	}
	return filepath.ToSlash(filepath.Clean(a.Path))
}

// Signature identifies equivalent actions for de-duplication.
func (a Action) Signature() string {
	b, _ := json.Marshal(Action{Type: a.Type, Path: filepath.Clean(a.Path), Key: a.Key, Value: a.Value, Mode: a.Mode})
	return string(b)
}

func (a Action) String() string {
	switch a.Type {
	case ActionSetEnv:
		return fmt.Sprintf("%s %s", a.Type, a.Key)
	case ActionSetPermissions:
		return fmt.Sprintf("%s %s %s", a.Type, a.Path, a.Mode)
	default:
		return fmt.Sprintf("%s %s", a.Type, a.Path)
	}
}

// validate checks the shape of the action without touching the filesystem.
func (a Action) validate() error {
	if !knownActions[a.Type] {
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	switch a.Type {
	case ActionSetEnv:
		if a.Key == "" {
			return errors.New("set_env requires key")
		}
		if strings.ContainsAny(a.Value, "\r\n") {
			return errors.New("set_env value must be a single line")
		}
	case ActionSetPermissions:
		if a.Path == "" {
			return errors.New("set_permissions requires path")
		}
		if _, err := parseMode(a.Mode); err != nil {
			return err
		}
	default:
		if a.Path == "" {
			return fmt.Errorf("%s requires path", a.Type)
		}
	}
	return nil
}

// ActionResult is the outcome of executing one permitted action.
type ActionResult struct {
	Action  Action `json:"action"`
	OK      bool   `json:"ok"`
	Changed bool   `json:"changed"`
	Error   string `json:"error,omitempty"`
}

// Rejection records an action that was never executed.
type Rejection struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// ErrOutsideWorkdir is returned when an action path escapes the workdir.
var ErrOutsideWorkdir = errors.New("path escapes workdir")

// ResolvePath joins rel onto workdir and refuses results outside it. Escapes
// through a symlinked ancestor and through a symlinked target are both
// refused.
func ResolvePath(workdir, rel string) (string, error) {
	return resolve(workdir, rel, true)
}

// resolveEntry is ResolvePath without following a symlink at the target
// itself, for actions that operate on the link rather than what it points to.
func resolveEntry(workdir, rel string) (string, error) {
	return resolve(workdir, rel, false)
}

func resolve(workdir, rel string, followTarget bool) (string, error) {
	if workdir == "" {
		return "", errors.New("empty workdir")
	}
	root, err := filepath.Abs(workdir)
	if err != nil {
		return "", err
	}
	p := rel
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	if !within(root, p) || p == root {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkdir, rel)
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", err
	}
	// The nearest existing ancestor decides where missing components land.
	for dir := filepath.Dir(p); ; dir = filepath.Dir(dir) {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			if resolved != realRoot && !within(realRoot, resolved) {
				return "", fmt.Errorf("%w: %s", ErrOutsideWorkdir, rel)
			}
			break
		}
		if dir == root || dir == filepath.Dir(dir) {
			break
		}
	}
	if !followTarget {
		return p, nil
	}
	fi, err := os.Lstat(p)
	if err != nil || fi.Mode()&fs.ModeSymlink == 0 {
		return p, nil
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("%w: %s: dangling symlink", ErrOutsideWorkdir, rel)
	}
	if resolved == realRoot || !within(realRoot, resolved) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkdir, rel)
	}
	return p, nil
}

func within(root, p string) bool {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator))
}

func parseMode(s string) (os.FileMode, error) {
	if s == "" {
		return 0, errors.New("set_permissions requires mode")
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q", s)
	}
	if v > 0o777 {
		return 0, fmt.Errorf("mode %q sets special bits", s)
	}
	return os.FileMode(v), nil
}

// Execute applies a single action under workdir. Every action is idempotent:
// running it again after success reports OK with Changed=false.
func Execute(workdir string, a Action) ActionResult {
	res := ActionResult{Action: a}
	changed, err := execute(workdir, a)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK, res.Changed = true, changed
	return res
}

func execute(workdir string, a Action) (bool, error) {
	if err := a.validate(); err != nil {
		return false, err
	}
	if a.Type == ActionSetEnv {
		p, err := ResolvePath(workdir, ".env")
		if err != nil {
			return false, err
		}
		return env.UpsertDotenv(p, a.Key, a.Value)
	}
	resolvePath := ResolvePath
	if a.Type == ActionRemoveFile {
		resolvePath = resolveEntry
	}
	p, err := resolvePath(workdir, a.Path)
	if err != nil {
		return false, err
	}
	switch a.Type {
	case ActionRemoveFile:
		fi, err := os.Lstat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if fi.IsDir() {
			return false, fmt.Errorf("%s is a directory", a.Path)
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		return true, nil
	case ActionCreateDir:
		if fi, err := os.Stat(p); err == nil {
			if !fi.IsDir() {
				return false, fmt.Errorf("%s exists and is not a directory", a.Path)
			}
			return false, nil
		}
		return true, os.MkdirAll(p, 0o750)
	case ActionClearDir:
		if fi, err := os.Lstat(p); err == nil && fi.Mode()&fs.ModeSymlink != 0 {
			return false, fmt.Errorf("%s is a symlink", a.Path)
		}
		entries, err := os.ReadDir(p)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(p, e.Name())); err != nil {
				return false, err
			}
		}
		return len(entries) > 0, nil
	case ActionSetPermissions:
		mode, _ := parseMode(a.Mode)
		fi, err := os.Lstat(p)
		if err != nil {
			return false, err
		}
		if fi.Mode()&fs.ModeSymlink != 0 {
			return false, fmt.Errorf("%s is a symlink", a.Path)
		}
		if fi.Mode().Perm() == mode {
			return false, nil
		}
		return true, os.Chmod(p, mode)
	}
	return false, fmt.Errorf("unknown action type %q", a.Type)
}
