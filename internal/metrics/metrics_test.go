package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRecorderCountsOutcomes(t *testing.T) {
	t.Parallel()

	var r Recorder
	before := counterValue(t, RefreshesTotal.WithLabelValues("metrics-test", "ok"))
	r.ObserveRefresh("metrics-test", "ok", 250*time.Millisecond)
	r.ObserveRefresh("metrics-test", "ok", time.Second)
	if got := counterValue(t, RefreshesTotal.WithLabelValues("metrics-test", "ok")); got != before+2 {
		t.Fatalf("refreshes_total = %v, want %v", got, before+2)
	}

	r.ObserveResolution("metrics-test", "unusable")
	if got := counterValue(t, ResolutionsTotal.WithLabelValues("metrics-test", "unusable")); got < 1 {
		t.Fatalf("resolutions_total = %v", got)
	}
	r.ObserveValidation("metrics-test", "invalid_credential")
	if got := counterValue(t, ValidationsTotal.WithLabelValues("metrics-test", "invalid_credential")); got < 1 {
		t.Fatalf("validations_total = %v", got)
	}
	r.ObserveLockWait(time.Millisecond)
}

func TestStartServerDisabled(t *testing.T) {
	t.Parallel()

	for _, addr := range []string{"", "off", " Disabled ", "false"} {
		srv, errCh := StartServer(context.Background(), addr, nil)
		if srv != nil || errCh != nil {
			t.Fatalf("StartServer(%q) started a server", addr)
		}
	}
}
