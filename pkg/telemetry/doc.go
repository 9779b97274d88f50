// Package telemetry wires logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and events for portagegt.
//
// A process builds one Telemetry at startup and stores it in the context:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// Providers wrap each call in an Operation:
//
//	op := tel.StartOperation(ctx, "package", res.ID, "apply")
//	err := driver.Install(op.Ctx)
//	op.End(err, engine.CodeOf(err))
//
// Metrics are exported on MetricsConfig.ListenAddress by Metrics.Serve and
// cover operation counts and durations, error codes, drift by field, use
// flag conflicts, unknown eixdump versions, flag file changes and policy
// denials.
package telemetry
