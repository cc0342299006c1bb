package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// GraphQLRequestInfo summarizes the operation a GraphQL request executes.
type GraphQLRequestInfo struct {
	OperationName string
	OperationType string
	DocumentSize  int
	FieldCount    int
	Depth         int
	VariableCount int
}

type graphQLRequestInfoKey struct{}

// ContextWithGraphQLRequestInfo stores the request summary in ctx.
func ContextWithGraphQLRequestInfo(ctx context.Context, info *GraphQLRequestInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, graphQLRequestInfoKey{}, info)
}

// GraphQLRequestInfoFromContext returns the request summary, or nil.
func GraphQLRequestInfoFromContext(ctx context.Context) *GraphQLRequestInfo {
	if ctx == nil {
		return nil
	}
	info, _ := ctx.Value(graphQLRequestInfoKey{}).(*GraphQLRequestInfo)
	return info
}

// GraphQLSpanAttributes builds canonical span attributes from request analysis.
func GraphQLSpanAttributes(info *GraphQLRequestInfo) []attribute.KeyValue {
	if info == nil {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, 6)
	if info.OperationName != "" {
		attrs = append(attrs, attribute.String("graphql.operation.name", info.OperationName))
	}
	if info.OperationType != "" {
		attrs = append(attrs, attribute.String("graphql.operation.type", info.OperationType))
	}
	if info.DocumentSize > 0 {
		attrs = append(attrs, attribute.Int("graphql.document.size_bytes", info.DocumentSize))
	}
	if info.FieldCount > 0 {
		attrs = append(attrs,
			attribute.Int("graphql.query.field_count", info.FieldCount),
			attribute.Int("graphql.query.depth", info.Depth),
			attribute.Int("graphql.query.variable_count", info.VariableCount),
		)
	}
	return attrs
}

// GraphQLLogFields builds canonical structured log fields from request analysis.
func GraphQLLogFields(ctx context.Context, info *GraphQLRequestInfo) []any {
	fields := make([]any, 0, 3)

	if info != nil {
		if info.OperationName != "" {
			fields = append(fields, slog.String("operation_name", info.OperationName))
		}
		if info.OperationType != "" {
			fields = append(fields, slog.String("operation_type", info.OperationType))
		}
	}

	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		fields = append(fields, slog.String("trace_id", spanCtx.TraceID().String()))
	}

	return fields
}
