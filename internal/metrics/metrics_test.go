package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotgrid/internal/lifecycle"
	"slotgrid/internal/registry"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestGaugesReadRegistryState(t *testing.T) {
	reg := registry.New()
	m := New(reg, lifecycle.NewBus(nil))

	_, err := reg.Commit(registry.Address{Engine: "a", Index: 1}, "n1", "", 1,
		registry.Provenance{Origin: registry.OriginHuman})
	require.NoError(t, err)
	_, err = reg.Reserve("b", registry.Provenance{Origin: registry.OriginHuman}, 0)
	require.NoError(t, err)

	body := scrape(t, m)
	assert.Contains(t, body, "slotgrid_slots_occupied 1")
	assert.Contains(t, body, "slotgrid_reservations_active 1")
}

func TestObserveBusCountsEvents(t *testing.T) {
	bus := lifecycle.NewBus(nil)
	m := New(nil, bus)
	stop := m.ObserveBus(bus)

	bus.Publish(lifecycle.EventStagingSubmitted, nil)
	bus.Publish(lifecycle.EventStagingSubmitted, nil)
	bus.Publish(lifecycle.EventRunAllCompleted, nil)
	stop()

	body := scrape(t, m)
	assert.Contains(t, body, `slotgrid_lifecycle_events_total{type="staging.submitted"} 2`)
	assert.Contains(t, body, "slotgrid_run_all_sweeps_total 1")
}

func TestObserveExecution(t *testing.T) {
	m := New(nil, nil)
	m.ObserveExecution("python", "passed", 50*time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, `slotgrid_execution_duration_seconds_count{language="python",status="passed"} 1`)
}
