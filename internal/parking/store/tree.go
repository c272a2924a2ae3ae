package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Leaves maps full paths to scalar JSON values. Every backend persists a
// document as its leaves so subtree reads and partial writes share one
// model.
type Leaves map[string]json.RawMessage

// Flatten converts v into leaves rooted at p. Null values and empty
// containers produce no leaves. Arrays are stored as index-keyed objects.
func Flatten(p string, v any) (Leaves, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("flatten %s: %w", p, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("flatten %s: %w", p, err)
	}
	out := Leaves{}
	if err := flattenInto(out, p, generic); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenInto(out Leaves, p string, v any) error {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		for k, child := range t {
			if _, err := CleanPath(k); err != nil || strings.Contains(k, "/") {
				return fmt.Errorf("%w: key %q", ErrInvalidPath, k)
			}
			if err := flattenInto(out, Join(p, k), child); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, child := range t {
			if err := flattenInto(out, Join(p, strconv.Itoa(i)), child); err != nil {
				return err
			}
		}
		return nil
	default:
		if p == "" {
			return fmt.Errorf("%w: scalar at root", ErrInvalidPath)
		}
		raw, err := json.Marshal(t)
		if err != nil {
			return err
		}
		out[p] = raw
		return nil
	}
}

// Assemble rebuilds the value at p from leaves. The second result is
// false when nothing lives at or under p.
func Assemble(p string, leaves Leaves) (json.RawMessage, bool, error) {
	if v, ok := leaves[p]; ok && p != "" {
		return v, true, nil
	}
	root := map[string]any{}
	found := false
	keys := make([]string, 0, len(leaves))
	for k := range leaves {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, leaf := range keys {
		if leaf == p || !Under(leaf, p) {
			continue
		}
		rel := leaf
		if p != "" {
			rel = strings.TrimPrefix(leaf, p+"/")
		}
		segs := strings.Split(rel, "/")
		node := root
		for _, s := range segs[:len(segs)-1] {
			next, ok := node[s].(map[string]any)
			if !ok {
				next = map[string]any{}
				node[s] = next
			}
			node = next
		}
		node[segs[len(segs)-1]] = leaves[leaf]
		found = true
	}
	if !found {
		return nil, false, nil
	}
	raw, err := json.Marshal(root)
	if err != nil {
		return nil, false, fmt.Errorf("assemble %s: %w", p, err)
	}
	return raw, true, nil
}

// Plan describes how a write at p changes a leaf set: which existing
// leaves to drop and which to put.
type Plan struct {
	Delete []string
	Put    Leaves
}

// PlanWrite computes the leaf changes for writing v at p given the keys
// currently at, under, or above p.
func PlanWrite(p string, v any, existing []string) (Plan, error) {
	put, err := Flatten(p, v)
	if err != nil {
		return Plan{}, err
	}
	ancestors := map[string]bool{}
	for _, a := range Ancestors(p) {
		ancestors[a] = true
	}
	var del []string
	for _, k := range existing {
		if _, replaced := put[k]; replaced {
			continue
		}
		if Under(k, p) || ancestors[k] {
			del = append(del, k)
		}
	}
	sort.Strings(del)
	return Plan{Delete: del, Put: put}, nil
}

// Apply mutates leaves according to plan.
func (l Leaves) Apply(plan Plan) {
	for _, k := range plan.Delete {
		delete(l, k)
	}
	for k, v := range plan.Put {
		l[k] = v
	}
}

// PlanUpdate combines writes of each field (a path relative to p) into one
// plan. existing must hold the keys at, under, or above p.
func PlanUpdate(p string, fields map[string]any, existing []string) (Plan, error) {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	current := make(map[string]bool, len(existing))
	for _, k := range existing {
		current[k] = true
	}
	put := Leaves{}
	for _, name := range names {
		rel, err := CleanPath(name)
		if err != nil {
			return Plan{}, err
		}
		if rel == "" {
			return Plan{}, fmt.Errorf("%w: empty update key", ErrInvalidPath)
		}
		keys := make([]string, 0, len(current))
		for k := range current {
			keys = append(keys, k)
		}
		step, err := PlanWrite(Join(p, rel), fields[name], keys)
		if err != nil {
			return Plan{}, err
		}
		for _, k := range step.Delete {
			delete(current, k)
			delete(put, k)
		}
		for k, v := range step.Put {
			current[k] = true
			put[k] = v
		}
	}
	var del []string
	for _, k := range existing {
		if !current[k] {
			del = append(del, k)
		}
	}
	sort.Strings(del)
	return Plan{Delete: del, Put: put}, nil
}
