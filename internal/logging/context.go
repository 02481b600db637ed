package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// contextFields returns trace_id and span_id of the span recorded in ctx.
func contextFields(ctx context.Context) []LogField {
	if ctx == nil {
		return nil
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	return []LogField{
		Field("trace_id", sc.TraceID().String()),
		Field("span_id", sc.SpanID().String()),
	}
}
