package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"

	"loadplan/internal/observability"
)

type graphQLRequest struct {
	Query         string `json:"query"`
	OperationName string `json:"operationName"`
}

func extractGraphQLRequest(r *http.Request) (string, string) {
	if r.Method == http.MethodGet {
		return r.URL.Query().Get("query"), r.URL.Query().Get("operationName")
	}

	if r.Method != http.MethodPost {
		return "", ""
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", ""
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/graphql") {
		return string(body), ""
	}

	var payload graphQLRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", ""
	}

	return payload.Query, payload.OperationName
}

// analyzeRequest reads the GraphQL document of r, leaving the body readable
// for the handler. Unparseable documents yield a summary without counts.
func analyzeRequest(r *http.Request) *observability.GraphQLRequestInfo {
	query, operationName := extractGraphQLRequest(r)
	if strings.TrimSpace(query) == "" {
		return nil
	}
	info, err := analyzeDocument(query, operationName)
	if err != nil || info == nil {
		return &observability.GraphQLRequestInfo{OperationName: operationName, DocumentSize: len(query)}
	}
	return info
}

func analyzeDocument(query, operationName string) (*observability.GraphQLRequestInfo, error) {
	if query == "" {
		return nil, nil
	}
	doc, err := parser.Parse(parser.ParseParams{
		Source: source.NewSource(&source.Source{Body: []byte(query), Name: "graphql"}),
	})
	if err != nil {
		return nil, err
	}

	op, fragments := pickOperation(doc, operationName)
	if op == nil {
		return nil, nil
	}
	info := &observability.GraphQLRequestInfo{
		OperationName: operationName,
		OperationType: string(op.Operation),
		DocumentSize:  len(query),
		VariableCount: len(op.VariableDefinitions),
	}
	if info.OperationName == "" && op.Name != nil {
		info.OperationName = op.Name.Value
	}
	if op.SelectionSet != nil {
		w := newShapeWalker(fragments)
		w.walk(op.SelectionSet, 1)
		info.FieldCount, info.Depth = w.fields, w.depth
	}
	return info, nil
}

// pickOperation returns the operation named operationName, or the first one
// when no name is given, along with the document's fragments by name.
func pickOperation(doc *ast.Document, operationName string) (*ast.OperationDefinition, map[string]*ast.FragmentDefinition) {
	var op *ast.OperationDefinition
	fragments := make(map[string]*ast.FragmentDefinition)
	for _, def := range doc.Definitions {
		switch d := def.(type) {
		case *ast.FragmentDefinition:
			fragments[d.Name.Value] = d
		case *ast.OperationDefinition:
			switch {
			case op != nil:
			case operationName == "":
				op = d
			case d.Name != nil && d.Name.Value == operationName:
				op = d
			}
		}
	}
	return op, fragments
}

// shapeWalker measures the selection of one operation: fields counts every
// field selected, including those reached through fragments, and depth is
// the deepest field nesting. Each named fragment is expanded once, which also
// stops cyclic spreads.
type shapeWalker struct {
	fragments map[string]*ast.FragmentDefinition
	expanded  map[string]bool
	fields    int
	depth     int
}

func newShapeWalker(fragments map[string]*ast.FragmentDefinition) *shapeWalker {
	return &shapeWalker{fragments: fragments, expanded: make(map[string]bool)}
}

func (w *shapeWalker) walk(set *ast.SelectionSet, level int) {
	if set == nil {
		return
	}
	for _, sel := range set.Selections {
		switch s := sel.(type) {
		case *ast.Field:
			w.fields++
			w.depth = max(w.depth, level)
			w.walk(s.SelectionSet, level+1)
		case *ast.InlineFragment:
			w.walk(s.SelectionSet, level)
		case *ast.FragmentSpread:
			name := s.Name.Value
			if w.expanded[name] {
				continue
			}
			w.expanded[name] = true
			if frag, ok := w.fragments[name]; ok {
				w.walk(frag.SelectionSet, level)
			}
		}
	}
}
