package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetDfuStateIsExclusive(t *testing.T) {
	all := []string{"idle", "transfer_progress", "transferred"}

	SetDfuState("idle", all)
	SetDfuState("transferred", all)

	tests := map[string]float64{"idle": 0, "transfer_progress": 0, "transferred": 1}
	for state, want := range tests {
		if got := testutil.ToFloat64(DfuState.WithLabelValues(state)); got != want {
			t.Errorf("state %s = %v, want %v", state, got, want)
		}
	}
}

func TestRegistryGathers(t *testing.T) {
	CommandsTotal.WithLabelValues("dfu", "dfu_write", "ok").Inc()
	if _, err := Registry.Gather(); err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
}
