package obs

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxTracedSQL = 300

type querySpanKey struct{}

// PGXTracer emits a span per SQL statement through pgx's QueryTracer hooks.
type PGXTracer struct{}

func (PGXTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	ctx, span := otel.Tracer("db.pgx").Start(ctx, "pgx.query")
	stmt := strings.TrimSpace(data.SQL)
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.statement", clipStatement(stmt)),
	}
	if fields := strings.Fields(stmt); len(fields) > 0 {
		attrs = append(attrs, attribute.String("db.operation", strings.ToUpper(fields[0])))
	}
	span.SetAttributes(attrs...)
	return context.WithValue(ctx, querySpanKey{}, span)
}

func (PGXTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span, ok := ctx.Value(querySpanKey{}).(trace.Span)
	if !ok {
		return
	}
	if data.Err != nil {
		span.RecordError(data.Err)
	}
	span.End()
}

func clipStatement(sql string) string {
	if len(sql) > maxTracedSQL {
		return sql[:maxTracedSQL] + "..."
	}
	return sql
}
