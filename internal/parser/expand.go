package parser

import (
	"context"
	"sort"
	"strings"

	"github.com/cubewise-code/rushti/internal/errs"
	"github.com/cubewise-code/rushti/internal/model"
	"github.com/cubewise-code/rushti/internal/remote"
)

type expansionDirective struct {
	paramKey   string // without the trailing '*'
	expression string
}

// isExpansionKey reports whether a parameter key carries the trailing '*'
// expansion marker (spec §4.1).
func isExpansionKey(key string) bool {
	return strings.HasSuffix(key, "*")
}

// isExpansionValue reports whether a value is wrapped in the *{...} markers.
func isExpansionValue(value string) (string, bool) {
	if strings.HasPrefix(value, "*{") && strings.HasSuffix(value, "}") {
		return value[2 : len(value)-1], true
	}
	return "", false
}

type fetchKey struct {
	instance   string
	expression string
}

// Expand performs parametric expansion per spec §4.1: batches remote
// queries per (instance, expression) pair, computes the deterministic cross
// product of directive results for each template, and rewrites any
// predecessor reference to the template id into references to every one of
// its expansions. Templates producing zero members are silently dropped
// (spec §9); their ids are returned as the second result, which ParseBytes
// exposes as ParseResult.Dropped.
func Expand(ctx context.Context, tasks []model.Task, client remote.Client) ([]model.Task, []string, error) {
	// 1. Collect distinct (instance, expression) fetches across all templates.
	fetchSet := map[fetchKey]bool{}
	for _, t := range tasks {
		for _, k := range t.Parameters.Keys() {
			if !isExpansionKey(k) {
				continue
			}
			v, _ := t.Parameters.Get(k)
			if expr, ok := isExpansionValue(v); ok {
				fetchSet[fetchKey{t.Instance, expr}] = true
			}
		}
	}

	cache := map[fetchKey][]string{}
	for fk := range fetchSet {
		members, err := client.ExpandMembers(ctx, fk.instance, fk.expression)
		if err != nil {
			return nil, nil, errs.Wrap(errs.KindExpansionError, "expanding "+fk.expression+" on "+fk.instance, err)
		}
		cache[fk] = members
	}

	var result []model.Task
	expansionMap := map[string][]string{} // template id -> expanded ids
	var dropped []string

	for _, t := range tasks {
		var directives []expansionDirective
		for _, k := range t.Parameters.Keys() {
			if !isExpansionKey(k) {
				continue
			}
			v, _ := t.Parameters.Get(k)
			if expr, ok := isExpansionValue(v); ok {
				directives = append(directives, expansionDirective{paramKey: strings.TrimSuffix(k, "*"), expression: expr})
			}
		}
		if len(directives) == 0 {
			result = append(result, t)
			continue
		}

		// 2. Cross product of all directive results, lexicographic by tuple.
		lists := make([][]string, len(directives))
		for i, d := range directives {
			lists[i] = cache[fetchKey{t.Instance, d.expression}]
		}
		tuples := crossProduct(lists)

		if len(tuples) == 0 {
			dropped = append(dropped, t.ID)
			expansionMap[t.ID] = nil
			continue
		}

		var expandedIDs []string
		for _, tuple := range tuples {
			nt := t
			nt.Parameters = t.Parameters.Clone()
			var memberNames []string
			for i, d := range directives {
				nt.Parameters.Set(d.paramKey, tuple[i])
				memberNames = append(memberNames, tuple[i])
			}
			// Remove the original "*"-suffixed marker keys entirely.
			cleaned := model.NewOrderedParams()
			markerKeys := map[string]bool{}
			for _, d := range directives {
				markerKeys[d.paramKey+"*"] = true
			}
			for _, k := range nt.Parameters.Keys() {
				if markerKeys[k] {
					continue
				}
				v, _ := nt.Parameters.Get(k)
				cleaned.Set(k, v)
			}
			nt.Parameters = cleaned
			nt.ID = t.ID + "_" + strings.Join(memberNames, "_")
			result = append(result, nt)
			expandedIDs = append(expandedIDs, nt.ID)
		}
		expansionMap[t.ID] = expandedIDs
	}

	// 4. Rewrite predecessor references to expanded/dropped template ids.
	for i := range result {
		if len(result[i].Predecessors) == 0 {
			continue
		}
		var rewritten []string
		for _, p := range result[i].Predecessors {
			if expanded, ok := expansionMap[p]; ok {
				rewritten = append(rewritten, expanded...)
			} else {
				rewritten = append(rewritten, p)
			}
		}
		result[i].Predecessors = rewritten
	}

	return result, dropped, nil
}

// crossProduct returns the cross product of the given lists, ordered
// lexicographically by tuple (spec §4.1 point 3: "Ordering: lexicographic by
// the member tuple, so expansion is deterministic").
func crossProduct(lists [][]string) [][]string {
	sorted := make([][]string, len(lists))
	for i, l := range lists {
		sorted[i] = append([]string{}, l...)
		sort.Strings(sorted[i])
	}

	var out [][]string
	var rec func(idx int, acc []string)
	rec = func(idx int, acc []string) {
		if idx == len(sorted) {
			out = append(out, append([]string{}, acc...))
			return
		}
		if len(sorted[idx]) == 0 {
			return
		}
		for _, v := range sorted[idx] {
			rec(idx+1, append(acc, v))
		}
	}
	if len(sorted) > 0 {
		rec(0, nil)
	}
	return out
}
