package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestSetTenantCounts_SumsToTotal verifies the coherence property the
// control API's /metrics output must hold: the by-status gauges always
// sum to the total gauge, since both come from the same tally.
func TestSetTenantCounts_SumsToTotal(t *testing.T) {
	SetTenantCounts(map[string]int{"Running": 2, "Paused": 1})

	sum := 0.0
	for _, status := range TenantStatuses {
		sum += testutil.ToFloat64(TenantsByStatus.WithLabelValues(status))
	}

	if got, want := testutil.ToFloat64(TenantsTotal), 3.0; got != want {
		t.Errorf("TenantsTotal = %v, want %v", got, want)
	}
	if sum != testutil.ToFloat64(TenantsTotal) {
		t.Errorf("sum of TenantsByStatus = %v, want %v (TenantsTotal)", sum, testutil.ToFloat64(TenantsTotal))
	}
}

// TestSetTenantCounts_ZeroesVacatedStatuses verifies a status that drops
// to zero tenants reports 0 on the next call rather than leaking its
// last nonzero value forward.
func TestSetTenantCounts_ZeroesVacatedStatuses(t *testing.T) {
	SetTenantCounts(map[string]int{"Failed": 4})
	SetTenantCounts(map[string]int{"Running": 1})

	if got := testutil.ToFloat64(TenantsByStatus.WithLabelValues("Failed")); got != 0 {
		t.Errorf("TenantsByStatus{Failed} = %v, want 0 after Failed tenant count dropped to zero", got)
	}
	if got := testutil.ToFloat64(TenantsTotal); got != 1 {
		t.Errorf("TenantsTotal = %v, want 1", got)
	}
}
