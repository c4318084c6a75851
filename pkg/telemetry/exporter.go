package telemetry

import (
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics wires a standalone Prometheus meter provider. Used when a
// process wants metrics without the full Setup (no traces, no log
// bridge), e.g. in tooling and tests.
func InitMetrics() error {
	exporter, err := prometheus.New()
	if err != nil {
		return err
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	if err := GetGlobalMetrics().InitMetrics(provider.Meter("exit_engine_core")); err != nil {
		log.Printf("Failed to initialize instruments: %v", err)
		return err
	}
	return nil
}
