// Package telemetry wires structured logging (zerolog), tracing
// (OpenTelemetry) and run metrics (Prometheus) for converge.
//
// A run builds one Telemetry from the catalog settings:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Metrics implements engine.Observer, so it is passed to every session with
// engine.WithObserver. Converge is a short-lived command, so metrics are not
// served over HTTP. Instead the registry is written once at the end of the
// run in text exposition format, for the node exporter textfile collector:
//
//	tel.Metrics.WriteTextfile("/var/lib/node_exporter/converge.prom")
//
// The tracer installs itself as the global otel provider. The engine opens
// "host.converge" and "resource.install" spans against it, and StartRunSpan
// gives them a common root.
package telemetry
