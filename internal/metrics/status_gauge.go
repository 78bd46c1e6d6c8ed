package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StatusCounter returns the current number of records per status.
type StatusCounter func(ctx context.Context) (map[string]int64, error)

// RegisterStatusGauge registers an observable gauge named <namespace>_<name> with a
// status label. counter is invoked on every collection, so it should be a cheap,
// read-only query. The returned registration can be used to unregister the callback.
func RegisterStatusGauge(
	meterProvider metric.MeterProvider,
	namespace, name, description string,
	counter StatusCounter,
) (metric.Registration, error) {
	meter := meterProvider.Meter(namespace)

	gauge, err := meter.Int64ObservableGauge(
		fmt.Sprintf("%s_%s", namespace, name),
		metric.WithDescription(description),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s gauge: %w", name, err)
	}

	registration, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		counts, err := counter(ctx)
		if err != nil {
			return err
		}
		for status, n := range counts {
			o.ObserveInt64(gauge, n, metric.WithAttributes(attribute.String("status", status)))
		}
		return nil
	}, gauge)
	if err != nil {
		return nil, fmt.Errorf("failed to register %s callback: %w", name, err)
	}

	return registration, nil
}
