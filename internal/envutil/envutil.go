// Package envutil edits "KEY=value" environment slices as passed to
// exec.Cmd.Env.
package envutil

import "strings"

// key returns the part of e before the first '='.
func key(e string) string {
	if k, _, ok := strings.Cut(e, "="); ok {
		return k
	}
	return e
}

// Get returns the value of key in env. When key occurs more than once the
// last entry wins, as it does for exec.Cmd.
func Get(env []string, k string) (string, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		if key(env[i]) == k {
			_, v, _ := strings.Cut(env[i], "=")
			return v, true
		}
	}
	return "", false
}

// MergeEnv returns base with every entry of overrides applied. An override
// replaces the base entry with the same key in place; the remaining
// overrides are appended in their original order. Neither input is modified.
func MergeEnv(base, overrides []string) []string {
	latest := make(map[string]string, len(overrides))
	var order []string
	for _, e := range overrides {
		k := key(e)
		if _, seen := latest[k]; !seen {
			order = append(order, k)
		}
		latest[k] = e
	}

	out := make([]string, 0, len(base)+len(overrides))
	used := make(map[string]bool, len(latest))
	for _, e := range base {
		k := key(e)
		if o, ok := latest[k]; ok {
			if !used[k] {
				out = append(out, o)
				used[k] = true
			}
			continue
		}
		out = append(out, e)
	}
	for _, k := range order {
		if !used[k] {
			out = append(out, latest[k])
		}
	}
	return out
}
