package otelhelper

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SetError records err on the span and marks its status as failed. Extra
// attributes land on the error event, not the span itself.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("error_occurred", trace.WithAttributes(attrs...))
}

// SetStepError is SetError scoped to a single step span.
func SetStepError(span trace.Span, err error, nodeID, actionID string) {
	SetError(span, err,
		attribute.String(NodeIDKey, nodeID),
		attribute.String(ActionIDKey, actionID),
	)
}
