package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span for a service operation.
//
// Usage in services:
//
//	ctx, span := telemetry.StartSpan(ctx, "teeproxy/services/token", "token.Issue",
//	    attribute.String(telemetry.AttrUserID, userID),
//	    attribute.String(telemetry.AttrTokenPolicy, policy),
//	)
//	defer span.End()
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records an error on the span and sets the span status to error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// AddEvent adds a named event to the span with optional attributes.
// Use for business events like policy denials or refreshed tokens.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys. Credential material and raw tokens are never
// recorded as attributes.
const (
	AttrUserID = "user.id"

	// Token service attributes
	AttrTokenID     = "token.id"
	AttrTokenPolicy = "token.policy"

	// Auth attributes
	AttrAuthType = "auth.type"

	// Vault attributes
	AttrAccountID = "account.id"
	AttrProvider  = "account.provider"
	AttrService   = "account.service"

	// Policy attributes
	AttrOperationKey = "policy.operation"
	AttrPolicyAllow  = "policy.allowed"

	// Plugin attributes
	AttrPluginName = "plugin.name"
)
