package service

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// managerMetrics are the engine's counters. When instrument creation fails
// (misconfigured provider) they fall back to no-ops so the engine never
// degrades over observability.
type managerMetrics struct {
	forcedLogouts  metric.Int64Counter
	profileFetches metric.Int64Counter
	staleDiscards  metric.Int64Counter
	validations    metric.Int64Counter
}

func newManagerMetrics(meter metric.Meter) *managerMetrics {
	m := &managerMetrics{}
	m.forcedLogouts = counter(meter, "identity.forced_logouts",
		"Forced logouts performed by the engine.")
	m.profileFetches = counter(meter, "identity.profile_fetches",
		"Profile fetches initiated (including deduplicated ones).")
	m.staleDiscards = counter(meter, "identity.stale_results_discarded",
		"Async results discarded because their generation was superseded.")
	m.validations = counter(meter, "identity.validations",
		"Session validation runs (periodic and foreground).")
	return m
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		fallback, _ := noop.Meter{}.Int64Counter(name)
		return fallback
	}
	return c
}
