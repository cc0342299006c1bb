package plan

import (
	"errors"
	"fmt"
)

// ErrPlanTooLarge is returned when a plan exceeds the configured depth or node limits.
var ErrPlanTooLarge = errors.New("load plan exceeds configured limits")

// MalformedSelectionError reports a selection the normalizer cannot resolve:
// an unknown or incompatible fragment, a cyclic spread, or a directive whose
// condition cannot be evaluated.
type MalformedSelectionError struct {
	Path   string
	Reason string
}

func (e *MalformedSelectionError) Error() string {
	if e.Path == "" {
		return "malformed selection: " + e.Reason
	}
	return fmt.Sprintf("malformed selection at %s: %s", e.Path, e.Reason)
}

// UnknownFieldError reports a selected field that the schema mapping does not
// know. It signals a mismatch between the GraphQL schema and the registry.
type UnknownFieldError struct {
	Type  string
	Field string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("unknown field %s.%s", e.Type, e.Field)
}

// ConflictingPrefetchError reports two requests for one prefetch path with
// different slice specs.
type ConflictingPrefetchError struct {
	Path     string
	Existing *SliceSpec
	Incoming *SliceSpec
}

func (e *ConflictingPrefetchError) Error() string {
	return fmt.Sprintf("conflicting slices for prefetch %q: %s vs %s", e.Path, e.Existing, e.Incoming)
}

// FetchFailure wraps a store error raised while loading a relation or column.
type FetchFailure struct {
	Type     string
	Relation string
	Err      error
}

func (e *FetchFailure) Error() string {
	if e.Relation == "" {
		return fmt.Sprintf("fetch %s failed: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("fetch %s.%s failed: %v", e.Type, e.Relation, e.Err)
}

func (e *FetchFailure) Unwrap() error {
	return e.Err
}
