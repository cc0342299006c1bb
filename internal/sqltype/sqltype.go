// Package sqltype maps SQL column types to GraphQL scalar categories and
// decodes raw driver values into the Go values resolvers hand to graphql-go.
package sqltype

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GraphQLType represents the category of GraphQL scalar type for a SQL column.
type GraphQLType int

const (
	// TypeString is the default type for text, dates, and unknown SQL types.
	TypeString GraphQLType = iota
	// TypeInt represents integer numeric types.
	TypeInt
	// TypeFloat represents floating-point and fixed-point numeric types.
	TypeFloat
	// TypeBoolean represents boolean types.
	TypeBoolean
	// TypeJSON represents JSON data types.
	TypeJSON
)

// MapToGraphQL converts a SQL data type to its GraphQL category. Matching is
// case-insensitive and size specifiers like (10,2) are stripped first, so both
// DATA_TYPE and COLUMN_TYPE values work.
func MapToGraphQL(sqlType string) GraphQLType {
	if idx := strings.Index(sqlType, "("); idx != -1 {
		sqlType = sqlType[:idx]
	}
	switch strings.ToUpper(strings.TrimSpace(sqlType)) {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT",
		"INTEGER", "BIGINT", "SERIAL", "BIT":
		return TypeInt
	case "FLOAT", "DOUBLE", "DECIMAL", "NUMERIC":
		return TypeFloat
	case "BOOL", "BOOLEAN":
		return TypeBoolean
	case "JSON":
		return TypeJSON
	default:
		return TypeString
	}
}

// String returns the GraphQL scalar type name.
func (t GraphQLType) String() string {
	switch t {
	case TypeInt:
		return "Int"
	case TypeFloat:
		return "Float"
	case TypeBoolean:
		return "Boolean"
	case TypeJSON:
		return "JSON"
	default:
		return "String"
	}
}

// Decode converts a value scanned into an `any` destination into the Go value
// for its GraphQL category. The MySQL driver returns []byte for most text
// protocol columns; nil stays nil.
func Decode(t GraphQLType, raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []byte:
		return decodeText(t, string(v))
	case string:
		return decodeText(t, v)
	case time.Time:
		return v.Format(time.RFC3339Nano), nil
	case int64:
		if t == TypeBoolean {
			return v != 0, nil
		}
		return v, nil
	default:
		return v, nil
	}
}

func decodeText(t GraphQLType, s string) (any, error) {
	switch t {
	case TypeInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode int %q: %w", s, err)
		}
		return n, nil
	case TypeFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("decode float %q: %w", s, err)
		}
		return f, nil
	case TypeBoolean:
		return s == "1" || strings.EqualFold(s, "true"), nil
	case TypeJSON:
		if !json.Valid([]byte(s)) {
			return nil, fmt.Errorf("decode json: invalid document")
		}
		return json.RawMessage(s), nil
	default:
		return s, nil
	}
}
