// Package telemetry provides OpenTelemetry tracing and metrics export
// for memoryd.
//
// Traces and metrics are exported over OTLP (gRPC by default,
// http/protobuf for HTTPS collectors). Sampling is parent-based on top
// of a configurable ratio. Telemetry failures never crash the daemon:
// a provider that cannot be built degrades to the global no-op
// provider, and the reason is reported through Health.
//
// Usage:
//
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	tracer := tel.Tracer("memoryd/search")
//	ctx, span := tracer.Start(ctx, "search.single")
//	defer span.End()
//
// Tests use TestTelemetry, which records spans in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	tracer := tt.Tracer("test")
//	_, span := tracer.Start(ctx, "test-span")
//	span.End()
//	tt.AssertSpanExists(t, "test-span")
package telemetry
