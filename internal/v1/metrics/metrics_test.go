package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestConnectionGauge(t *testing.T) {
	before := testutil.ToFloat64(ActiveConnections)

	IncConnection()
	IncConnection()
	assert.Equal(t, before+2, testutil.ToFloat64(ActiveConnections))

	DecConnection()
	assert.Equal(t, before+1, testutil.ToFloat64(ActiveConnections))
	DecConnection()
}

func TestRoomPlayersGaugeVec(t *testing.T) {
	RoomPlayers.WithLabelValues("OX-METRIC").Set(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(RoomPlayers.WithLabelValues("OX-METRIC")))
	RoomPlayers.DeleteLabelValues("OX-METRIC")
}

func TestCountersRegisterDistinctLabels(t *testing.T) {
	IngressEvents.WithLabelValues("chat:send", "ok").Inc()
	IngressEvents.WithLabelValues("chat:send", "error").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(IngressEvents.WithLabelValues("chat:send", "error")))
}
