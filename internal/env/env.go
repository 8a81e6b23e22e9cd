// Package env composes the environment handed to hook commands.
package env

import (
	"os"
	"sort"
	"strings"
)

type Vars map[string]string

// Env layers configured variables over a base environment.
type Env struct {
	base Vars
	vars Vars
}

// New returns an Env with an empty base.
func New() *Env {
	return &Env{base: Vars{}, vars: Vars{}}
}

// FromOS returns an Env whose base is the current process environment.
func FromOS() *Env {
	e := New()
	for _, kv := range os.Environ() {
		if k, v, ok := Split(kv); ok {
			e.base[k] = v
		}
	}
	return e
}

// Split parses a "K=V" entry. Entries without '=' or with an empty key are
// rejected.
func Split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

// With returns a copy of e with k set to v.
func (e *Env) With(k, v string) *Env {
	out := &Env{base: e.base, vars: make(Vars, len(e.vars)+1)}
	for key, val := range e.vars {
		out.vars[key] = val
	}
	if k != "" {
		out.vars[k] = v
	}
	return out
}

// WithPairs returns a copy of e with every valid "K=V" entry applied in order.
func (e *Env) WithPairs(pairs []string) *Env {
	out := e.With("", "")
	for _, kv := range pairs {
		if k, v, ok := Split(kv); ok {
			out.vars[k] = v
		}
	}
	return out
}

// Merge composes base, then e's variables, then extra, and expands ${VAR}
// references against the composed set in a single pass. The result is
// sorted by key.
func (e *Env) Merge(extra []string) []string {
	m := make(Vars, len(e.base)+len(e.vars)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for _, kv := range extra {
		if k, v, ok := Split(kv); ok {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// expand replaces ${NAME} with its value from m. Unknown names are left as
// written.
func expand(s string, m Vars) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		end := i + 3 + j
		b.WriteString(s[:i])
		if v, ok := m[s[i+2:end-1]]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i:end])
		}
		s = s[end:]
	}
	b.WriteString(s)
	return b.String()
}
