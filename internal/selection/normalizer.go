package selection

import (
	"fmt"
	"strings"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"

	"loadplan/internal/plan"
	"loadplan/internal/schemamap"
)

// Input is one root field as the execution engine resolved it.
type Input struct {
	// Fields holds every occurrence of the root field; their selection sets
	// are merged.
	Fields    []*ast.Field
	Fragments map[string]ast.Definition
	Variables map[string]interface{}
	// Type is the static type of the root field's value.
	Type string
	// RuntimeType is the concrete type being resolved; it defaults to Type.
	RuntimeType string
}

// InputFromResolveInfo builds an Input from graphql-go's resolve info.
func InputFromResolveInfo(info graphql.ResolveInfo, typeName string) Input {
	return Input{
		Fields:    info.FieldASTs,
		Fragments: info.Fragments,
		Variables: info.VariableValues,
		Type:      typeName,
	}
}

// Normalizer turns raw selections into Node trees using the registry.
type Normalizer struct {
	registry *schemamap.Registry
	slice    SliceFunc
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithSliceFunc replaces the default slice extraction.
func WithSliceFunc(fn SliceFunc) Option {
	return func(n *Normalizer) {
		if fn != nil {
			n.slice = fn
		}
	}
}

// New creates a normalizer over a frozen registry.
func New(registry *schemamap.Registry, opts ...Option) *Normalizer {
	n := &Normalizer{registry: registry, slice: DefaultSlice}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize flattens the input into a Node for its runtime type.
func (n *Normalizer) Normalize(in Input) (*Node, error) {
	runtime := in.RuntimeType
	if runtime == "" {
		runtime = in.Type
	}
	if _, ok := n.registry.Lookup(runtime); !ok {
		if n.registry.IsInterface(runtime) {
			return nil, &plan.MalformedSelectionError{Reason: fmt.Sprintf("abstract type %s needs a runtime type", runtime)}
		}
		return nil, &plan.MalformedSelectionError{Reason: fmt.Sprintf("unknown type %s", runtime)}
	}
	static := in.Type
	if static == "" {
		static = runtime
	}

	w := &walker{
		registry:  n.registry,
		slice:     n.slice,
		fragments: in.Fragments,
		variables: in.Variables,
		visiting:  make(map[string]bool),
	}
	root := NewNode(runtime)
	for _, field := range in.Fields {
		if field == nil || field.SelectionSet == nil {
			continue
		}
		if err := w.collect(root, "", static, field.SelectionSet.Selections); err != nil {
			return nil, err
		}
	}
	return root, nil
}

// NormalizeVariants normalizes the input once per concrete type its static
// type can take, keyed by type name. Fields common to the variants appear in
// each of them; type-conditioned fragments only in the matching variant.
func (n *Normalizer) NormalizeVariants(in Input) (map[string]*Node, error) {
	possible := n.registry.PossibleTypes(in.Type)
	if len(possible) == 0 {
		return nil, &plan.MalformedSelectionError{Reason: fmt.Sprintf("unknown type %s", in.Type)}
	}
	variants := make(map[string]*Node, len(possible))
	for _, typeName := range possible {
		variant := in
		variant.RuntimeType = typeName
		node, err := n.Normalize(variant)
		if err != nil {
			return nil, err
		}
		variants[typeName] = node
	}
	return variants, nil
}

type walker struct {
	registry  *schemamap.Registry
	slice     SliceFunc
	fragments map[string]ast.Definition
	variables map[string]interface{}
	visiting  map[string]bool
}

// collect merges selections into node. static is the type the selection set
// is declared on; node.Type is the runtime type.
func (w *walker) collect(node *Node, path, static string, selections []ast.Selection) error {
	for _, selection := range selections {
		switch sel := selection.(type) {
		case *ast.Field:
			if err := w.field(node, path, sel); err != nil {
				return err
			}

		case *ast.InlineFragment:
			include, err := w.included(sel.Directives, path)
			if err != nil {
				return err
			}
			if !include {
				continue
			}
			if sel.TypeCondition != nil && sel.TypeCondition.Name != nil {
				applies, err := w.applies(sel.TypeCondition.Name.Value, node.Type, static, path)
				if err != nil {
					return err
				}
				if !applies {
					continue
				}
			}
			if sel.SelectionSet != nil {
				if err := w.collect(node, path, static, sel.SelectionSet.Selections); err != nil {
					return err
				}
			}

		case *ast.FragmentSpread:
			if err := w.spread(node, path, static, sel); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *walker) field(node *Node, path string, sel *ast.Field) error {
	if sel.Name == nil {
		return nil
	}
	name := sel.Name.Value
	include, err := w.included(sel.Directives, plan.ChildPath(path, name))
	if err != nil || !include {
		return err
	}
	if strings.HasPrefix(name, "__") {
		return nil
	}

	fd, err := w.registry.LookupField(node.Type, name)
	if err != nil {
		return err
	}
	node.Add(name)
	if !fd.IsRelation() {
		return nil
	}

	childPath := plan.ChildPath(path, name)
	var slice *plan.SliceSpec
	if fd.Kind == schemamap.KindToMany {
		slice, err = w.slice(sel, w.variables)
		if err != nil {
			return err
		}
	}
	child, created := node.Child(name, fd.Target)
	if created {
		child.Slice = slice
	} else if !child.Slice.Equal(slice) {
		return &plan.ConflictingPrefetchError{Path: childPath, Existing: child.Slice, Incoming: slice}
	}
	if sel.SelectionSet == nil {
		return nil
	}
	return w.collect(child, childPath, fd.Target, sel.SelectionSet.Selections)
}

func (w *walker) spread(node *Node, path, static string, sel *ast.FragmentSpread) error {
	if sel.Name == nil {
		return nil
	}
	name := sel.Name.Value
	include, err := w.included(sel.Directives, path)
	if err != nil || !include {
		return err
	}
	def, ok := w.fragments[name]
	if !ok {
		return &plan.MalformedSelectionError{Path: path, Reason: fmt.Sprintf("unknown fragment %q", name)}
	}
	fragment, ok := def.(*ast.FragmentDefinition)
	if !ok {
		return &plan.MalformedSelectionError{Path: path, Reason: fmt.Sprintf("%q is not a fragment definition", name)}
	}
	if w.visiting[name] {
		return &plan.MalformedSelectionError{Path: path, Reason: fmt.Sprintf("fragment %q spreads itself", name)}
	}
	if fragment.TypeCondition != nil && fragment.TypeCondition.Name != nil {
		applies, err := w.applies(fragment.TypeCondition.Name.Value, node.Type, static, path)
		if err != nil || !applies {
			return err
		}
	}
	if fragment.SelectionSet == nil {
		return nil
	}
	w.visiting[name] = true
	defer delete(w.visiting, name)
	return w.collect(node, path, static, fragment.SelectionSet.Selections)
}

// applies decides whether a fragment on condition merges into a selection of
// runtime type within a position of static type. A condition that could hold
// for another type at this position is dropped; one that can never hold
// there is malformed.
func (w *walker) applies(condition, runtime, static, path string) (bool, error) {
	if !w.registry.Known(condition) {
		return false, &plan.MalformedSelectionError{Path: path, Reason: fmt.Sprintf("unknown type condition %s", condition)}
	}
	if w.registry.Implements(runtime, condition) {
		return true, nil
	}
	for _, candidate := range w.registry.PossibleTypes(static) {
		if w.registry.Implements(candidate, condition) {
			return false, nil
		}
	}
	return false, &plan.MalformedSelectionError{Path: path, Reason: fmt.Sprintf("fragment on %s cannot apply within %s", condition, static)}
}

// included evaluates @skip and @include. Both may appear; the selection is
// kept only when neither excludes it.
func (w *walker) included(directives []*ast.Directive, path string) (bool, error) {
	for _, directive := range directives {
		if directive == nil || directive.Name == nil {
			continue
		}
		name := directive.Name.Value
		if name != "skip" && name != "include" {
			continue
		}
		value, err := w.condition(directive, path)
		if err != nil {
			return false, err
		}
		if (name == "skip" && value) || (name == "include" && !value) {
			return false, nil
		}
	}
	return true, nil
}

func (w *walker) condition(directive *ast.Directive, path string) (bool, error) {
	name := directive.Name.Value
	for _, arg := range directive.Arguments {
		if arg == nil || arg.Name == nil || arg.Name.Value != "if" {
			continue
		}
		switch v := arg.Value.(type) {
		case *ast.BooleanValue:
			return v.Value, nil
		case *ast.Variable:
			varName := ""
			if v.Name != nil {
				varName = v.Name.Value
			}
			raw, ok := w.variables[varName]
			if !ok {
				return false, &plan.MalformedSelectionError{Path: path, Reason: fmt.Sprintf("@%s references unresolved variable $%s", name, varName)}
			}
			b, ok := raw.(bool)
			if !ok {
				return false, &plan.MalformedSelectionError{Path: path, Reason: fmt.Sprintf("@%s variable $%s is not a boolean", name, varName)}
			}
			return b, nil
		default:
			return false, &plan.MalformedSelectionError{Path: path, Reason: fmt.Sprintf("@%s condition is not a boolean", name)}
		}
	}
	return false, &plan.MalformedSelectionError{Path: path, Reason: fmt.Sprintf("@%s is missing its if argument", name)}
}
