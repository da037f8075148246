package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNilReceiverIsSafe(t *testing.T) {
	var m *Metrics

	require.NotPanics(t, func() {
		m.ObserveAPIRequest("GET /health", "2xx", time.Millisecond)
		m.RecordReservation("ok")
		m.ObserveLockWait(time.Millisecond)
		m.RecordSagaTransition("requisition.created", "applied")
		m.RecordCompensation("release_reservation", "ok")
		m.RecordMatchResult("matched")
		m.RecordIdempotency("replay")
		m.RecordOutboxBatch("ok")
		m.SetOutboxBacklog(3)
	})
}

func TestCountersRegisterAndIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordReservation("ok")
	m.RecordReservation("ok")
	m.RecordReservation("insufficient_funds")
	m.RecordMatchResult("")
	m.SetOutboxBacklog(7)

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := map[string]float64{}
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			key := fam.GetName()
			for _, label := range metric.GetLabel() {
				key += "|" + label.GetValue()
			}
			switch {
			case metric.GetCounter() != nil:
				byName[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				byName[key] = metric.GetGauge().GetValue()
			}
		}
	}

	require.Equal(t, float64(2), byName["provena_reservations_total|ok"])
	require.Equal(t, float64(1), byName["provena_reservations_total|insufficient_funds"])
	// Empty labels are normalized so series stay queryable.
	require.Equal(t, float64(1), byName["provena_match_results_total|unknown"])
	require.Equal(t, float64(7), byName["provena_outbox_backlog"])
}
