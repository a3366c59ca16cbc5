// Package telemetry wires OpenTelemetry tracing and metrics.
//
// Spans cover every orchestrator node (orchestrator.node.<name>), checkpoint
// reads and writes, debugger comparisons and the comprehensive compliance
// check. Counters track requests, violations by level, checkpoint saves and
// dropped stream events.
//
//	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Tests use NewTestTelemetry and hand its Tracer and Meter to the component
// under test:
//
//	tt := telemetry.NewTestTelemetry()
//	svc := checkpoint.NewService(store, checkpoint.WithTracer(tt.Tracer("test")))
//	...
//	tt.AssertSpanExists(t, "checkpoint.create")
package telemetry
