// Package telemetry wires the ambient observability of a delivery machine:
// zerolog structured logging, OpenTelemetry tracing, Prometheus metrics and
// an in-process event publisher.
//
// Metrics implements engine.MetricsRecorder and EventPublisher implements
// engine.EventPublisher, so both plug straight into engine.MachineOptions:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	machine := engine.NewMachine(snapshot, engine.MachineOptions{
//	    Metrics:   tel.Metrics,
//	    Publisher: tel.Events,
//	    Logger:    tel.Logger.Zerolog(),
//	})
//
// The tracer installs itself as the global OpenTelemetry provider; the engine
// starts its run and goal spans from that provider.
package telemetry
