package plan

import "fmt"

// Merge returns a new plan holding the union of a and b: projections are
// unioned, joins and prefetches with the same key are merged recursively.
// Neither input is modified.
func Merge(a, b *LoadPlan) (*LoadPlan, error) {
	if a == nil {
		return b.Clone(), nil
	}
	out := a.Clone()
	if b == nil {
		return out, nil
	}
	if err := out.MergeFrom(b); err != nil {
		return nil, err
	}
	return out, nil
}

// MergeFrom folds other into p in place. Nested plans from other are copied,
// never aliased.
func (p *LoadPlan) MergeFrom(other *LoadPlan) error {
	if other == nil {
		return nil
	}
	if p.Type != other.Type {
		return fmt.Errorf("cannot merge plan for %s into plan for %s at %q", other.Type, p.Type, p.Path)
	}
	p.Projection.Union(other.Projection)

	for name, child := range other.Joins {
		existing, ok := p.Joins[name]
		if !ok {
			p.Joins[name] = child.Clone()
			continue
		}
		if err := existing.MergeFrom(child); err != nil {
			return err
		}
	}

	for path, pf := range other.Prefetches {
		if err := p.MergePrefetch(path, pf); err != nil {
			return err
		}
	}
	return nil
}

// MergePrefetch folds pf into the prefetch stored under path. Two entries for
// one path must carry the same slice spec.
func (p *LoadPlan) MergePrefetch(path string, pf *Prefetch) error {
	existing, ok := p.Prefetches[path]
	if !ok {
		p.Prefetches[path] = pf.Clone()
		return nil
	}
	if existing.Relation != pf.Relation {
		return fmt.Errorf("prefetch %q reached through both %s and %s", path, existing.Relation, pf.Relation)
	}
	if !existing.Slice.Equal(pf.Slice) {
		return &ConflictingPrefetchError{Path: path, Existing: existing.Slice, Incoming: pf.Slice}
	}
	return existing.Plan.MergeFrom(pf.Plan)
}
