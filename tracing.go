// tracing.go: OpenTelemetry spans around plugin lifecycle operations
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dynplugins

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/agilira/go-dynplugins"

func defaultTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer(tracerName)
}

func startSpan(ctx context.Context, tracer trace.Tracer, name, path string, c Capability) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("plugin.path", path),
		attribute.String("plugin.capability", c.String()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if code := ErrorCodeOf(err); code != "" {
			span.SetAttributes(attribute.String("error.code", code))
		}
	}
	span.End()
}
