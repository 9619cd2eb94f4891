// Package jobspec turns a job request into a fully resolved job description
// by merging its variables over the work pool defaults and rendering the
// pool's base job template.
package jobspec

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"poolplane/internal/store"
)

// Variables are per-submission overrides for a pool's job template.
type Variables map[string]any

// placeholder matches "{{ name }}" with optional inner whitespace.
var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.\-]*)\s*\}\}`)

// ResolvedJobSpec is the immutable result of Build.
type ResolvedJobSpec struct {
	Pool      string         `json:"pool"`
	PoolType  string         `json:"pool_type"`
	Token     string         `json:"token"`
	Variables map[string]any `json:"variables"`
	Manifest  map[string]any `json:"manifest"`
}

// Canonical returns the deterministic encoding of the spec. Map keys are
// emitted in sorted order, so equal specs encode to identical bytes.
func (s *ResolvedJobSpec) Canonical() ([]byte, error) {
	return json.Marshal(s)
}

// Bind attaches variables to a pool name, producing a request ready to be
// enqueued. The variables are copied; the request ID is left for the caller.
func Bind(pool string, vars Variables) store.JobRequest {
	return store.JobRequest{
		PoolName:  pool,
		Variables: maps.Clone(map[string]any(vars)),
	}
}

// Validate checks that every key of vars is declared by the pool template.
func Validate(pool store.WorkPool, vars map[string]any) error {
	var unknown []string
	for name := range vars {
		if !pool.BaseJobTemplate.Declares(name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return &UnknownVariableError{Pool: pool.Name, Names: unknown}
	}
	return nil
}

// Merge layers template defaults, pool defaults and vars, in increasing
// precedence. Unknown keys in vars are rejected.
func Merge(pool store.WorkPool, vars map[string]any) (map[string]any, error) {
	if err := Validate(pool, vars); err != nil {
		return nil, err
	}

	merged := make(map[string]any)
	for name, prop := range pool.BaseJobTemplate.Variables.Properties {
		if prop.Default != nil {
			merged[name] = prop.Default
		}
	}
	maps.Copy(merged, pool.DefaultVariables)
	maps.Copy(merged, vars)
	return merged, nil
}

// Build resolves vars against pool into a job spec stamped with token.
// It never returns a partially rendered spec.
func Build(pool store.WorkPool, token string, vars map[string]any) (*ResolvedJobSpec, error) {
	if token == "" {
		return nil, fmt.Errorf("build job for pool %s: empty idempotency token", pool.Name)
	}

	merged, err := Merge(pool, vars)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, name := range pool.BaseJobTemplate.Variables.Required {
		if _, ok := merged[name]; !ok {
			missing = append(missing, name)
		}
	}

	r := renderer{values: merged, missing: make(map[string]bool)}
	manifest, _ := r.render(pool.BaseJobTemplate.JobConfiguration).(map[string]any)
	if manifest == nil {
		manifest = map[string]any{}
	}
	for name := range r.missing {
		missing = append(missing, name)
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, &UnresolvedTemplateError{Pool: pool.Name, Names: slices.Compact(missing)}
	}

	return &ResolvedJobSpec{
		Pool:      pool.Name,
		PoolType:  pool.Type,
		Token:     token,
		Variables: merged,
		Manifest:  manifest,
	}, nil
}

type renderer struct {
	values  map[string]any
	missing map[string]bool
}

// render returns a deep copy of v with every placeholder substituted.
func (r *renderer) render(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = r.render(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = r.render(item)
		}
		return out
	case string:
		return r.renderString(t)
	default:
		return v
	}
}

func (r *renderer) renderString(s string) any {
	// A value that is exactly one placeholder keeps the variable's type.
	if m := placeholder.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		name := s[m[2]:m[3]]
		val, ok := r.values[name]
		if !ok {
			r.missing[name] = true
			return s
		}
		return deepCopy(val)
	}

	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		val, ok := r.values[name]
		if !ok {
			r.missing[name] = true
			return match
		}
		return stringify(val)
	})
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}

// Names returns the placeholder names referenced by a template, sorted.
func Names(tmpl store.BaseJobTemplate) []string {
	seen := make(map[string]bool)
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			for _, item := range t {
				walk(item)
			}
		case []any:
			for _, item := range t {
				walk(item)
			}
		case string:
			for _, m := range placeholder.FindAllStringSubmatch(t, -1) {
				seen[strings.TrimSpace(m[1])] = true
			}
		}
	}
	walk(tmpl.JobConfiguration)
	return slices.Sorted(maps.Keys(seen))
}
