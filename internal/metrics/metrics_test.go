package metrics

import (
	"testing"
)

// counter sums every sample of the named family whose labels include want.
func counter(t *testing.T, m *Metrics, name string, want map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metric:
		for _, sample := range f.GetMetric() {
			labels := map[string]string{}
			for _, lp := range sample.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metric
				}
			}
			total += sample.GetCounter().GetValue()
		}
	}
	return total
}

func TestCountersRecord(t *testing.T) {
	m := New()
	m.Handshake("request", "ok")
	m.Handshake("request", "ok")
	m.Delivery("sent")
	m.Lookup(3, 1)
	m.Demoted("requesting", 2)
	m.Replayed(4)

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"courier_handshake_outcomes_total", map[string]string{"op": "request", "outcome": "ok"}, 2},
		{"courier_delivery_outcomes_total", map[string]string{"status": "sent"}, 1},
		{"courier_batch_lookup_ids_total", map[string]string{"result": "resolved"}, 3},
		{"courier_batch_lookup_ids_total", map[string]string{"result": "failed"}, 1},
		{"courier_recovery_demotions_total", map[string]string{"from": "requesting"}, 2},
		{"courier_recovery_handshake_replays_total", nil, 4},
	}
	for _, tt := range tests {
		if got := counter(t, m, tt.name, tt.labels); got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}
}

func TestDemotedSkipsZero(t *testing.T) {
	m := New()
	m.Demoted("confirming", 0)
	if got := counter(t, m, "courier_recovery_demotions_total", nil); got != 0 {
		t.Errorf("demotions = %v, want 0", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Handshake("confirm", "failed")
	m.Delivery("sendingFailed")
	m.Lookup(1, 1)
	m.Demoted("confirming", 1)
	m.Replayed(1)
}
