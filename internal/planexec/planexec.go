// Package planexec translates a load plan into calls on a store adapter.
// The adapter decides how projections, joins and prefetches become queries;
// Apply only fixes the order in which they are requested.
package planexec

import (
	"fmt"
	"strings"

	"loadplan/internal/plan"
)

// Adapter receives the three load instructions of one plan node.
//
// Join and Prefetch are handed the nested plan; adapters usually recurse into
// it with their own state (a new table alias, a new query).
type Adapter interface {
	Project(columns []string) error
	Join(relation string, child *plan.LoadPlan) error
	Prefetch(path string, prefetch *plan.Prefetch) error
}

// Apply drives adapter over the root node of p: the projection first, then
// joins by relation name, then prefetches by path, both sorted.
func Apply(p *plan.LoadPlan, adapter Adapter) error {
	if p == nil {
		return fmt.Errorf("apply: nil plan")
	}
	if err := adapter.Project(p.Projection.Sorted()); err != nil {
		return fmt.Errorf("project %s: %w", p.Type, err)
	}
	for _, name := range p.JoinNames() {
		if err := adapter.Join(name, p.Joins[name]); err != nil {
			return fmt.Errorf("join %s.%s: %w", p.Type, name, err)
		}
	}
	for _, path := range p.PrefetchPaths() {
		if err := adapter.Prefetch(path, p.Prefetches[path]); err != nil {
			return fmt.Errorf("prefetch %s: %w", path, err)
		}
	}
	return nil
}

// Recorder is an Adapter that records the calls it receives, descending into
// nested plans. It backs debug logging of what a plan will load.
type Recorder struct {
	Calls []string
}

func (r *Recorder) Project(columns []string) error {
	r.Calls = append(r.Calls, "project "+strings.Join(columns, ","))
	return nil
}

func (r *Recorder) Join(relation string, child *plan.LoadPlan) error {
	r.Calls = append(r.Calls, "join "+relation)
	return Apply(child, r)
}

func (r *Recorder) Prefetch(path string, prefetch *plan.Prefetch) error {
	call := "prefetch " + path
	if prefetch.Slice != nil {
		call += prefetch.Slice.String()
	}
	r.Calls = append(r.Calls, call)
	return Apply(prefetch.Plan, r)
}

// Describe returns the recorded call sequence for p.
func Describe(p *plan.LoadPlan) ([]string, error) {
	rec := &Recorder{}
	if err := Apply(p, rec); err != nil {
		return nil, err
	}
	return rec.Calls, nil
}
