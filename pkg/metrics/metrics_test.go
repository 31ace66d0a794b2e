package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordOutcome(t *testing.T) {
	c := NewCollectorWithRegistry("test", prometheus.NewRegistry())

	c.RecordOutcome("forecasted", 10*time.Millisecond)
	c.RecordOutcome("forecasted", 5*time.Millisecond)
	c.RecordOutcome("ineligible", 0)

	if got := testutil.ToFloat64(c.ForecastAccountsTotal.WithLabelValues("forecasted")); got != 2 {
		t.Errorf("forecasted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.ForecastAccountsTotal.WithLabelValues("ineligible")); got != 1 {
		t.Errorf("ineligible = %v, want 1", got)
	}
}

func TestRecordSinkWrite(t *testing.T) {
	c := NewCollectorWithRegistry("test", prometheus.NewRegistry())

	c.RecordSinkWrite("influxdb", nil)
	c.RecordSinkWrite("influxdb", errors.New("boom"))
	c.RecordSinkWrite("influxdb", errors.New("boom"))

	if got := testutil.ToFloat64(c.SinkWritesTotal.WithLabelValues("influxdb", "ok")); got != 1 {
		t.Errorf("ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.SinkWritesTotal.WithLabelValues("influxdb", "error")); got != 2 {
		t.Errorf("error = %v, want 2", got)
	}
}

func TestIsolatedRegistries(t *testing.T) {
	// Two collectors with the same namespace must not collide.
	a := NewCollectorWithRegistry("dup", prometheus.NewRegistry())
	b := NewCollectorWithRegistry("dup", prometheus.NewRegistry())

	a.RecordRejected("invalid_number", 3)
	if got := testutil.ToFloat64(b.IngestionRejectedTotal.WithLabelValues("invalid_number")); got != 0 {
		t.Errorf("b rejected = %v, want 0", got)
	}
	if got := testutil.ToFloat64(a.IngestionRejectedTotal.WithLabelValues("invalid_number")); got != 3 {
		t.Errorf("a rejected = %v, want 3", got)
	}
}
