package naming

import "strings"

// reservedTypeWords holds GraphQL keywords and built-in scalar names.
var reservedTypeWords = map[string]bool{
	"query":        true,
	"mutation":     true,
	"subscription": true,
	"type":         true,
	"schema":       true,
	"scalar":       true,
	"enum":         true,
	"input":        true,
	"interface":    true,
	"union":        true,
	"fragment":     true,
	"directive":    true,
	"extend":       true,
	"implements":   true,
	"on":           true,
	"node":         true,

	"int":     true,
	"float":   true,
	"string":  true,
	"boolean": true,
	"id":      true,

	"true":  true,
	"false": true,
	"null":  true,
}

func isReservedTypeName(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasPrefix(lower, "__") || reservedTypeWords[lower]
}

// isReservedFieldName rejects introspection names; the normalizer skips
// every field starting with a double underscore.
func isReservedFieldName(name string) bool {
	return strings.HasPrefix(name, "__")
}
