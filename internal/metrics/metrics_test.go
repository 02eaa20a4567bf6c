package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitializeMetrics_PrepopulatesSeries(t *testing.T) {
	InitializeMetrics([]string{"direct_copy", "normalize"})

	if n := testutil.CollectAndCount(HandlesRevokedTotal); n != 3 {
		t.Errorf("HandlesRevokedTotal series = %d, want 3", n)
	}
	if n := testutil.CollectAndCount(ExportsTotal); n < 8 {
		t.Errorf("ExportsTotal series = %d, want at least 8", n)
	}
}

func TestExportLockCountGauge(t *testing.T) {
	ExportLockCount.Set(0)
	ExportLockCount.Inc()
	ExportLockCount.Inc()
	ExportLockCount.Dec()
	if got := testutil.ToFloat64(ExportLockCount); got != 1 {
		t.Errorf("ExportLockCount = %v, want 1", got)
	}
	ExportLockCount.Set(0)
}
