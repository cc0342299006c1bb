// Package scalars holds the custom GraphQL scalars shared by generated types
// and pagination arguments.
package scalars

import (
	"encoding/json"
	"log/slog"
	"math"
	"strconv"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
)

// NonNegativeInt backs the limit and offset arguments of list fields. Values
// that are negative, fractional or out of range coerce to null, which
// graphql-go reports as an invalid argument.
func NonNegativeInt() *graphql.Scalar {
	return graphql.NewScalar(graphql.ScalarConfig{
		Name:        "NonNegativeInt",
		Description: "An integer greater than or equal to zero.",
		Serialize:   nonNegative,
		ParseValue:  nonNegative,
		ParseLiteral: func(valueAST ast.Value) interface{} {
			if iv, ok := valueAST.(*ast.IntValue); ok {
				return nonNegative(iv.Value)
			}
			return nil
		},
	})
}

func nonNegative(value interface{}) interface{} {
	var n int64
	switch v := value.(type) {
	case int:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt {
			return nil
		}
		n = int64(v)
	case string:
		parsed, err := strconv.ParseInt(v, 10, 0)
		if err != nil {
			return nil
		}
		n = parsed
	default:
		return nil
	}
	if n < 0 || n > math.MaxInt {
		return nil
	}
	return int(n)
}

// JSON carries JSON columns as their text form. Input must be a well formed
// JSON document.
func JSON() *graphql.Scalar {
	return graphql.NewScalar(graphql.ScalarConfig{
		Name:        "JSON",
		Description: "Arbitrary JSON value serialized as a string.",
		Serialize:   jsonText,
		ParseValue: func(value interface{}) interface{} {
			s, ok := value.(string)
			if !ok || !json.Valid([]byte(s)) {
				return nil
			}
			return s
		},
		ParseLiteral: func(valueAST ast.Value) interface{} {
			sv, ok := valueAST.(*ast.StringValue)
			if !ok || !json.Valid([]byte(sv.Value)) {
				return nil
			}
			return sv.Value
		},
	})
}

func jsonText(value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	}
	out, err := json.Marshal(value)
	if err != nil {
		slog.Default().Warn("failed to serialize JSON column", slog.String("error", err.Error()))
		return nil
	}
	return string(out)
}
