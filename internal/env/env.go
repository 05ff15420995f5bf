// Package env composes the environment handed to the supervised process.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers variables in increasing priority: OS environment, dotenv
// files, static Var entries, then per-start overrides passed to Merge.
type Env struct {
	Var   Var      // static variables (K->V)
	Files []string // dotenv files read on every Merge
	env   Var      // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = Parse(os.Environ())
}

// Set sets a static variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a static variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Map composes the effective environment with ${VAR} expansion applied.
// Unreadable dotenv files are skipped; a missing file is not an error.
func (e *Env) Map(overrides map[string]string) Var {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(overrides))
	for k, v := range e.env {
		m[k] = v
	}
	for _, f := range e.Files {
		vars, err := ReadDotenv(f)
		if err != nil {
			continue
		}
		for k, v := range vars {
			m[k] = v
		}
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range overrides {
		if k != "" {
			m[k] = v
		}
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	return expanded
}

// Merge returns Map(overrides) as a sorted "K=V" slice suitable for exec.Cmd.Env.
func (e *Env) Merge(overrides map[string]string) []string {
	return e.Map(overrides).Slice()
}

// Slice renders the map as sorted "K=V" pairs.
func (v Var) Slice() []string {
	out := make([]string, 0, len(v))
	for k, val := range v {
		if k == "" {
			continue
		}
		out = append(out, k+"="+val)
	}
	sort.Strings(out)
	return out
}

// Parse converts "K=V" pairs into a map, skipping malformed entries.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// expand performs a single pass of ${VAR} substitution using m.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i])
		key := s[i+2 : i+j]
		if v, ok := m[key]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+j+1])
		}
		s = s[i+j+1:]
	}
	return b.String()
}
