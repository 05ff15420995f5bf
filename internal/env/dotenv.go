package env

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadDotenv parses KEY=VALUE lines. Blank lines and # comments are ignored,
// an "export " prefix is accepted and one layer of matching quotes is removed.
func ReadDotenv(path string) (Var, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Var{}, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	out := Var{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		k, v, ok := parseLine(s.Text())
		if ok {
			out[k] = v
		}
	}
	return out, s.Err()
}

func parseLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")
	k, v, ok := strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}
	k = strings.TrimSpace(k)
	v = strings.TrimSpace(v)
	if k == "" {
		return "", "", false
	}
	if n := len(v); n >= 2 && (v[0] == '"' || v[0] == '\'') && v[n-1] == v[0] {
		v = v[1 : n-1]
	}
	return k, v, true
}

// UpsertDotenv sets key=value in path, replacing an existing assignment or
// appending a new line. Other lines are preserved. It reports whether the
// file changed.
func UpsertDotenv(path, key, value string) (bool, error) {
	if key == "" || strings.ContainsAny(key, "= \t\n") {
		return false, fmt.Errorf("invalid env key %q", key)
	}
	if strings.ContainsAny(value, "\n\r") {
		return false, fmt.Errorf("env value for %s contains a newline", key)
	}
	b, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	lines := []string{}
	if len(b) > 0 {
		lines = strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	}
	entry := key + "=" + value
	for i, l := range lines {
		k, v, ok := parseLine(l)
		if !ok || k != key {
			continue
		}
		if v == value {
			return false, nil
		}
		lines[i] = entry
		return true, writeFile(path, strings.Join(lines, "\n")+"\n")
	}
	lines = append(lines, entry)
	return true, writeFile(path, strings.Join(lines, "\n")+"\n")
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
