package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := New(reg)

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.ActiveRequests == nil {
		t.Error("ActiveRequests is nil")
	}
	if m.ActiveSSEStreams == nil {
		t.Error("ActiveSSEStreams is nil")
	}
	if m.RateLimitRejects == nil {
		t.Error("RateLimitRejects is nil")
	}
	if m.QueueDepth == nil {
		t.Error("QueueDepth is nil")
	}
	if m.QueueWaitDuration == nil {
		t.Error("QueueWaitDuration is nil")
	}
	if m.QueuePreemptions == nil {
		t.Error("QueuePreemptions is nil")
	}
	if m.QueueTimeouts == nil {
		t.Error("QueueTimeouts is nil")
	}
	if m.SSEMessagesTotal == nil {
		t.Error("SSEMessagesTotal is nil")
	}
	if m.RequestsDroppedTotal == nil {
		t.Error("RequestsDroppedTotal is nil")
	}
	if m.DownstreamErrors == nil {
		t.Error("DownstreamErrors is nil")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one metric family")
	}
}

func TestCollectorsAcceptUpdates(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := New(reg)

	m.RequestsTotal.WithLabelValues("GET", "GET /v1/x", "200").Inc()
	m.RateLimitRejects.WithLabelValues("user_limit").Inc()
	m.ActiveRequests.Set(3)
	m.QueueDepth.Set(1)
	m.RequestDuration.WithLabelValues("GET", "GET /v1/x").Observe(0.05)
	m.QueueWaitDuration.Observe(0.2)
	m.QueuePreemptions.Inc()
	m.QueueTimeouts.Inc()
	m.SSEMessagesTotal.Inc()
	m.DownstreamErrors.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather after updates: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	want := []string{
		"pylon_requests_total",
		"pylon_rate_limit_rejects_total",
		"pylon_active_requests",
		"pylon_queue_depth",
		"pylon_request_duration_seconds",
		"pylon_queue_wait_duration_seconds",
		"pylon_queue_preemptions_total",
		"pylon_queue_timeouts_total",
		"pylon_sse_messages_total",
		"pylon_downstream_errors_total",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("missing metric %q in gathered families", name)
		}
	}
}
