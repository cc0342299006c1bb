package selection

import (
	"fmt"
	"math"
	"strconv"

	"github.com/graphql-go/graphql/language/ast"

	"loadplan/internal/plan"
)

// SliceFunc extracts the window a to-many field asks for; nil means the
// whole collection. It stands in for the pagination layer, whose window the
// planner carries without interpreting.
type SliceFunc func(field *ast.Field, variables map[string]interface{}) (*plan.SliceSpec, error)

// DefaultSlice reads `limit` (or `first`) and `offset` arguments.
func DefaultSlice(field *ast.Field, variables map[string]interface{}) (*plan.SliceSpec, error) {
	var (
		offset   int
		limit    = -1
		hasSlice bool
	)
	for _, arg := range field.Arguments {
		if arg == nil || arg.Name == nil {
			continue
		}
		name := arg.Name.Value
		if name != "limit" && name != "first" && name != "offset" {
			continue
		}
		value, present, err := intArgument(arg.Value, variables)
		if err != nil {
			return nil, &plan.MalformedSelectionError{Path: field.Name.Value, Reason: fmt.Sprintf("argument %s: %v", name, err)}
		}
		if !present {
			continue
		}
		if value < 0 {
			return nil, &plan.MalformedSelectionError{Path: field.Name.Value, Reason: fmt.Sprintf("argument %s must not be negative", name)}
		}
		hasSlice = true
		if name == "offset" {
			offset = value
		} else {
			limit = value
		}
	}
	if !hasSlice {
		return nil, nil
	}
	return plan.NewSliceSpec(offset, limit), nil
}

// intArgument resolves a literal or variable integer. An unbound or null
// variable is reported as absent.
func intArgument(value ast.Value, variables map[string]interface{}) (int, bool, error) {
	switch v := value.(type) {
	case *ast.IntValue:
		n, err := strconv.Atoi(v.Value)
		return n, err == nil, err
	case *ast.Variable:
		if v.Name == nil {
			return 0, false, nil
		}
		raw, ok := variables[v.Name.Value]
		if !ok || raw == nil {
			return 0, false, nil
		}
		return toInt(raw)
	case nil:
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("expected an integer, got %T", value)
	}
}

func toInt(raw interface{}) (int, bool, error) {
	switch n := raw.(type) {
	case int:
		return n, true, nil
	case int32:
		return int(n), true, nil
	case int64:
		return int(n), true, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, false, fmt.Errorf("expected an integer, got %v", n)
		}
		return int(n), true, nil
	default:
		return 0, false, fmt.Errorf("expected an integer, got %T", raw)
	}
}
