// Package selection normalizes a GraphQL selection set into a tree of
// requested fields per type: fragments are inlined, conditional directives
// evaluated and repeated fields merged.
package selection

import (
	"fmt"
	"sort"
	"strings"

	"loadplan/internal/plan"
)

// Node is the normalized selection at one position of the query.
type Node struct {
	Type string
	// Fields holds the requested field names, deduplicated in first-seen
	// order. Relation fields appear here and in Children.
	Fields []string
	// Children is keyed by relation field name.
	Children map[string]*Node
	// Slice is the window requested on a to-many relation.
	Slice *plan.SliceSpec
}

// NewNode returns an empty node for typeName.
func NewNode(typeName string) *Node {
	return &Node{Type: typeName, Children: make(map[string]*Node)}
}

// Has reports whether field was requested.
func (n *Node) Has(field string) bool {
	for _, f := range n.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// Add records a requested field once.
func (n *Node) Add(field string) {
	if !n.Has(field) {
		n.Fields = append(n.Fields, field)
	}
}

// Child returns the child for relation, creating it for target if absent.
func (n *Node) Child(relation, target string) (*Node, bool) {
	if child, ok := n.Children[relation]; ok {
		return child, false
	}
	child := NewNode(target)
	n.Children[relation] = child
	return child, true
}

// Clone deep-copies the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{
		Type:     n.Type,
		Fields:   append([]string(nil), n.Fields...),
		Children: make(map[string]*Node, len(n.Children)),
		Slice:    n.Slice.Clone(),
	}
	for name, child := range n.Children {
		out.Children[name] = child.Clone()
	}
	return out
}

// Union merges two selections of the same type. Children reached through the
// same relation merge recursively; differing slices on one relation fail
// with a *plan.ConflictingPrefetchError.
func Union(a, b *Node) (*Node, error) {
	out := a.Clone()
	if err := mergeInto(out, b, ""); err != nil {
		return nil, err
	}
	return out, nil
}

func mergeInto(dst, src *Node, path string) error {
	if src == nil {
		return nil
	}
	if dst.Type != src.Type {
		return &plan.MalformedSelectionError{Path: path, Reason: fmt.Sprintf("cannot merge %s selection into %s", src.Type, dst.Type)}
	}
	for _, f := range src.Fields {
		dst.Add(f)
	}
	for name, child := range src.Children {
		childPath := plan.ChildPath(path, name)
		existing, ok := dst.Children[name]
		if !ok {
			dst.Children[name] = child.Clone()
			continue
		}
		if !existing.Slice.Equal(child.Slice) {
			return &plan.ConflictingPrefetchError{Path: childPath, Existing: existing.Slice, Incoming: child.Slice}
		}
		if err := mergeInto(existing, child, childPath); err != nil {
			return err
		}
	}
	return nil
}

// Equal compares two nodes ignoring field order.
func Equal(a, b *Node) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Type != b.Type || !a.Slice.Equal(b.Slice) || len(a.Fields) != len(b.Fields) || len(a.Children) != len(b.Children) {
		return false
	}
	for _, f := range a.Fields {
		if !b.Has(f) {
			return false
		}
	}
	for name, child := range a.Children {
		if !Equal(child, b.Children[name]) {
			return false
		}
	}
	return true
}

// String renders the node compactly with sorted fields, e.g.
// "Artist{albums[0:5]{name}, name}".
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	fields := append([]string(nil), n.Fields...)
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		child, ok := n.Children[f]
		if !ok {
			parts = append(parts, f)
			continue
		}
		label := f
		if child.Slice != nil {
			label += child.Slice.String()
		}
		parts = append(parts, label+child.body())
	}
	return n.Type + "{" + strings.Join(parts, ", ") + "}"
}

func (n *Node) body() string {
	s := n.String()
	return s[len(n.Type):]
}
