package env

import (
	"os"
	"strings"
)

type Vars map[string]string

// Env composes the environment handed to spawned backend servers. Layering
// order on Merge: OS environment, then global overrides, then per-server
// entries.
type Env struct {
	global Vars
	base   Vars // cached OS environment
}

func New() *Env {
	return &Env{global: make(Vars)}
}

// ExcludeOS pins the merge base to an empty set instead of the process
// environment, so servers only see configured variables.
func (e *Env) ExcludeOS() {
	e.base = Vars{}
}

// FromOS caches the current process environment as the merge base.
func (e *Env) FromOS() {
	base := make(Vars)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		base[k] = v
	}
	e.base = base
}

func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.global == nil {
		e.global = make(Vars)
	}
	e.global[k] = v
}

func (e *Env) SetAll(vars map[string]string) {
	for k, v := range vars {
		e.Set(k, v)
	}
}

func (e *Env) Unset(k string) {
	delete(e.global, k)
}

// Merge returns the final "K=V" slice for one server. ${VAR} placeholders
// are expanded once against the composed map, no recursion.
func (e *Env) Merge(perServer []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Vars, len(e.base)+len(e.global)+len(perServer))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.global {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range perServer {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	return out
}

func expand(s string, m Vars) string {
	if !strings.Contains(s, "${") {
		return s
	}
	for k, v := range m {
		s = strings.ReplaceAll(s, "${"+k+"}", v)
	}
	return s
}
