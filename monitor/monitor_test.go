package monitor

import (
	"testing"

	"github.com/bolt-rpc/boltrpc/rpcerr"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNoopNeverPanics(t *testing.T) {
	var r Recorder = Noop{}
	r.InvokeStarted()
	r.InvokeCompleted(rpcerr.Success, 0.01)
	r.ConnectionCreated()
	r.ConnectionClosed()
	r.HeartbeatMissed()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatal(err)
	}
	return m.GetGauge().GetValue()
}

func TestPrometheusRecorderUpdatesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.InvokeStarted()
	if got := gaugeValue(t, p.invokesInFlight); got != 1 {
		t.Fatalf("expected invokesInFlight=1, got %v", got)
	}

	p.InvokeCompleted(rpcerr.Success, 0.005)
	if got := gaugeValue(t, p.invokesInFlight); got != 0 {
		t.Fatalf("expected invokesInFlight=0 after completion, got %v", got)
	}

	p.ConnectionCreated()
	p.ConnectionCreated()
	p.ConnectionClosed()
	if got := gaugeValue(t, p.connectionsOpen); got != 1 {
		t.Fatalf("expected connectionsOpen=1, got %v", got)
	}

	p.HeartbeatMissed()
	m := &dto.Metric{}
	if err := p.heartbeatMisses.Write(m); err != nil {
		t.Fatal(err)
	}
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected heartbeatMisses=1, got %v", got)
	}
}
