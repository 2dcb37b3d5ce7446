package telemetry

import (
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the Prometheus exporter and sets the global meter
// provider. Used by tests and by callers that only need metrics, not traces.
func InitMetrics() error {
	exporter, err := prometheus.New()
	if err != nil {
		return err
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	holder := GetGlobalMetrics()
	meter := provider.Meter("ordercore")
	if err := holder.InitMetrics(meter); err != nil {
		log.Printf("failed to initialize instruments: %v", err)
		return err
	}

	return nil
}
