package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestHealthStatusValue(t *testing.T) {
	cases := map[string]float64{
		"healthy":      0,
		"rate_limited": 1,
		"unhealthy":    2,
		"bogus":        -1,
	}
	for status, want := range cases {
		if got := HealthStatusValue(status); got != want {
			t.Errorf("HealthStatusValue(%q) = %v, want %v", status, got, want)
		}
	}
}

func TestNewMetricsRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.CredentialHealth.WithLabelValues("1", "2").Set(0)
	m.SchedulerSelections.WithLabelValues("round_robin").Inc()
	m.RequestsTotal.WithLabelValues("anthropic", "200").Inc()
	m.RequestDuration.WithLabelValues("anthropic").Observe(0.5)
	m.QuotaRejections.WithLabelValues("max_cost_per_day").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 5 {
		t.Errorf("got %d metric families, want 5", len(families))
	}
}

func TestRegisterTraceQueueDroppedReadsCallback(t *testing.T) {
	reg := prometheus.NewRegistry()
	dropped := 7.0
	RegisterTraceQueueDropped(reg, func() float64 { return dropped })

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 1 {
		t.Fatalf("got %d metric families, want 1", len(families))
	}
	got := families[0].GetMetric()[0].GetCounter().GetValue()
	if got != 7 {
		t.Errorf("counter value = %v, want 7", got)
	}
}
