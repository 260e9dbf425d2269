package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes stay low cardinality: operation names, components and
// statuses only. Download ids, URLs and destinations belong in logs.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation runs fn inside a span named operationName.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", duration.Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordDBOperation(ctx, operation, status, time.Since(start))

	return err
}

// InstrumentAttempt wraps one download attempt. fn reports the attempt result
// label ("success", "retry", "failure", "cancelled").
func (t *Telemetry) InstrumentAttempt(ctx context.Context, fn func(ctx context.Context) (string, error)) error {
	if t == nil {
		_, err := fn(ctx)

		return err
	}

	start := time.Now()

	t.IncrementActiveAttempts(ctx)
	defer t.DecrementActiveAttempts(ctx)

	result := "failure"

	err := t.InstrumentOperation(ctx, "download_attempt", "downloader", func(ctx context.Context) error {
		var err error

		result, err = fn(ctx)

		return err
	})

	t.RecordAttempt(ctx, result, time.Since(start))

	return err
}
