package testutil

import (
	"testing"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"
)

// ParseRoot parses a query document and returns the occurrences of its first
// root field together with the document's fragments.
func ParseRoot(t testing.TB, query string) ([]*ast.Field, map[string]ast.Definition) {
	t.Helper()
	doc, err := parser.Parse(parser.ParseParams{
		Source: source.NewSource(&source.Source{
			Body: []byte(query),
			Name: "test",
		}),
	})
	if err != nil {
		t.Fatalf("parse query: %v", err)
	}

	fragments := make(map[string]ast.Definition)
	var operation *ast.OperationDefinition
	for _, def := range doc.Definitions {
		switch d := def.(type) {
		case *ast.FragmentDefinition:
			fragments[d.Name.Value] = d
		case *ast.OperationDefinition:
			if operation == nil {
				operation = d
			}
		}
	}
	if operation == nil || operation.SelectionSet == nil {
		t.Fatalf("query has no operation")
	}

	var fields []*ast.Field
	var name string
	for _, sel := range operation.SelectionSet.Selections {
		field, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		if name == "" {
			name = field.Name.Value
		}
		if field.Name.Value == name {
			fields = append(fields, field)
		}
	}
	if len(fields) == 0 {
		t.Fatalf("query has no root field")
	}
	return fields, fragments
}
