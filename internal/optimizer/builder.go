// Package optimizer builds load plans from normalized selections: selected
// columns become projections, to-one relations joins and to-many relations
// prefetches keyed by their path from the query root. Field hints are folded
// in and a final pass keeps projections consistent across branches that
// materialize the same record.
package optimizer

import (
	"fmt"

	"loadplan/internal/hints"
	"loadplan/internal/plan"
	"loadplan/internal/schemamap"
	"loadplan/internal/selection"
)

// HintSource supplies the hints attached to fields.
type HintSource interface {
	HintsFor(typeName, field string) (*hints.Hint, bool)
}

type noHints struct{}

func (noHints) HintsFor(string, string) (*hints.Hint, bool) { return nil, false }

// Builder turns selection trees into load plans. It holds only read-only
// state and is safe for concurrent use.
type Builder struct {
	registry *schemamap.Registry
	hints    HintSource
	limits   Limits
}

// Option configures a Builder.
type Option func(*Builder)

// WithHints sets the hint source.
func WithHints(source HintSource) Option {
	return func(b *Builder) {
		if source != nil {
			b.hints = source
		}
	}
}

// WithLimits bounds the size of built plans.
func WithLimits(limits Limits) Option {
	return func(b *Builder) {
		b.limits = limits
	}
}

// NewBuilder creates a builder over a frozen registry.
func NewBuilder(registry *schemamap.Registry, opts ...Option) *Builder {
	b := &Builder{registry: registry, hints: noHints{}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build produces the load plan for one query root.
func (b *Builder) Build(node *selection.Node) (*plan.LoadPlan, error) {
	if node == nil {
		return nil, &plan.MalformedSelectionError{Reason: "empty selection"}
	}
	root, err := b.build(node, "")
	if err != nil {
		return nil, err
	}
	applyCacheConsistency(b.registry, root)
	if err := b.limits.check(root); err != nil {
		return nil, err
	}
	return root, nil
}

// Merge combines two plans built for the same root and re-applies the
// cache-consistency pass over the combined tree, so merging the plans of two
// selections equals planning their union.
func (b *Builder) Merge(x, y *plan.LoadPlan) (*plan.LoadPlan, error) {
	merged, err := plan.Merge(x, y)
	if err != nil {
		return nil, err
	}
	if merged != nil {
		applyCacheConsistency(b.registry, merged)
	}
	return merged, nil
}

// Unoptimized returns a root-only plan projecting every column of typeName.
// Relations are then served one fetch at a time.
func (b *Builder) Unoptimized(typeName string) (*plan.LoadPlan, error) {
	td, ok := b.registry.Lookup(typeName)
	if !ok {
		return nil, &plan.MalformedSelectionError{Reason: fmt.Sprintf("unknown type %s", typeName)}
	}
	root := plan.New(td.Name, "", td.IdentityKey)
	root.Projection.Add(td.Columns()...)
	return root, nil
}

func (b *Builder) build(node *selection.Node, path string) (*plan.LoadPlan, error) {
	td, ok := b.registry.Lookup(node.Type)
	if !ok {
		return nil, &plan.MalformedSelectionError{Path: path, Reason: fmt.Sprintf("unknown type %s", node.Type)}
	}
	p := plan.New(td.Name, path, td.IdentityKey)

	for _, name := range node.Fields {
		fd, err := b.registry.LookupField(td.Name, name)
		if err != nil {
			return nil, err
		}

		switch fd.Kind {
		case schemamap.KindScalar:
			p.Projection.Add(fd.Column)

		case schemamap.KindComputed:
			// Without a projection hint the template may read any column.
			if h, ok := b.hints.HintsFor(td.Name, name); !ok || len(h.ExtraProjection) == 0 {
				p.Projection.Add(td.Columns()...)
			}

		case schemamap.KindToOne:
			child, err := b.build(childNode(node, fd), plan.ChildPath(path, name))
			if err != nil {
				return nil, err
			}
			if existing, ok := p.Joins[name]; ok {
				if err := existing.MergeFrom(child); err != nil {
					return nil, err
				}
			} else {
				p.Joins[name] = child
			}

		case schemamap.KindToMany:
			childPath := plan.ChildPath(path, name)
			sel := childNode(node, fd)
			child, err := b.build(sel, childPath)
			if err != nil {
				return nil, err
			}
			if err := p.MergePrefetch(childPath, &plan.Prefetch{Relation: name, Plan: child, Slice: sel.Slice}); err != nil {
				return nil, err
			}
		}

	}

	// Hints run after the selection so hint paths reuse selected relations
	// and their slices.
	for _, name := range node.Fields {
		if hint, ok := b.hints.HintsFor(td.Name, name); ok {
			if err := b.applyHint(p, hint); err != nil {
				return nil, fmt.Errorf("apply hint %s.%s: %w", td.Name, name, err)
			}
		}
	}
	return p, nil
}

// childNode returns the selection under a relation; a relation selected
// without sub-fields still loads its identity.
func childNode(node *selection.Node, fd *schemamap.FieldDescriptor) *selection.Node {
	if child, ok := node.Children[fd.Name]; ok {
		return child
	}
	return selection.NewNode(fd.Target)
}

func (b *Builder) applyHint(p *plan.LoadPlan, h *hints.Hint) error {
	if h == nil {
		return nil
	}
	p.Projection.Add(h.ExtraProjection...)
	for _, path := range h.ExtraJoins {
		if _, err := b.ensurePath(p, path); err != nil {
			return err
		}
	}
	for _, path := range h.PrefetchPaths() {
		target, err := b.ensurePath(p, path)
		if err != nil {
			return err
		}
		if err := b.applyHint(target, h.ExtraPrefetches[path]); err != nil {
			return err
		}
	}
	return nil
}

// ensurePath walks a relation path from p, creating identity-only plans for
// relations not already present. Each segment becomes a join or a prefetch
// by its cardinality alone. Hint prefetches are unsliced, so reusing a sliced
// prefetch from the selection is a conflict, as it is in plan.MergePrefetch.
func (b *Builder) ensurePath(p *plan.LoadPlan, path string) (*plan.LoadPlan, error) {
	segments := plan.SplitPath(path)
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: empty relation path", hints.ErrInvalidHint)
	}
	current := p
	for _, segment := range segments {
		fd, err := b.registry.LookupField(current.Type, segment)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", hints.ErrInvalidHint, err)
		}
		target, ok := b.registry.Lookup(fd.Target)
		if !fd.IsRelation() || !ok {
			return nil, fmt.Errorf("%w: %s.%s is not a relation", hints.ErrInvalidHint, current.Type, segment)
		}
		childPath := plan.ChildPath(current.Path, segment)

		if fd.Kind == schemamap.KindToOne {
			child, ok := current.Joins[segment]
			if !ok {
				child = plan.New(target.Name, childPath, target.IdentityKey)
				current.Joins[segment] = child
			}
			current = child
			continue
		}

		pf, ok := current.Prefetches[childPath]
		if ok && pf.Slice != nil {
			return nil, &plan.ConflictingPrefetchError{Path: childPath, Existing: pf.Slice}
		}
		if !ok {
			pf = &plan.Prefetch{Relation: segment, Plan: plan.New(target.Name, childPath, target.IdentityKey)}
			current.Prefetches[childPath] = pf
		}
		current = pf.Plan
	}
	return current, nil
}
