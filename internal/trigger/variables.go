package trigger

import (
	"os"
	"sort"
)

// Variables is a flat name→value set. The zero value is usable for reads.
type Variables map[string]string

// Lookup returns the value of name and whether it is defined.
func (v Variables) Lookup(name string) (string, bool) {
	val, ok := v[name]
	return val, ok
}

// Clone returns an independent copy.
func (v Variables) Clone() Variables {
	out := make(Variables, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// With returns a copy of v with overrides layered on top. Override values
// are expanded against v first, so `FOO: "$BAR-x"` sees the lower layer's
// BAR. v itself is never modified.
func (v Variables) With(overrides map[string]string) Variables {
	out := v.Clone()
	if len(overrides) == 0 {
		return out
	}
	for _, k := range sortedKeys(overrides) {
		out[k] = v.Expand(overrides[k])
	}
	return out
}

// Merge returns a copy of v with values set verbatim. Trigger-supplied
// values go through Merge so a `$` in a secret survives.
func (v Variables) Merge(values map[string]string) Variables {
	out := v.Clone()
	for k, val := range values {
		out[k] = val
	}
	return out
}

// Expand substitutes $NAME and ${NAME} references. Undefined names expand
// to the empty string.
func (v Variables) Expand(s string) string {
	return os.Expand(s, func(name string) string {
		if name == "$" {
			return "$"
		}
		return v[name]
	})
}

// Environ renders the set as KEY=VALUE pairs in sorted order.
func (v Variables) Environ() []string {
	keys := sortedKeys(v)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+v[k])
	}
	return out
}

// Layer stacks variable sets from lowest to highest precedence. The first
// layer is the predefined set and is taken verbatim; every later layer is
// expanded against the ones below it.
func Layer(layers ...map[string]string) Variables {
	if len(layers) == 0 {
		return Variables{}
	}
	out := Variables{}.Merge(layers[0])
	for _, l := range layers[1:] {
		out = out.With(l)
	}
	return out
}

func sortedKeys[M ~map[string]string](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
