package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/txbattle/game"
)

var _ game.Metrics = (*Recorder)(nil)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ObserveJoin("ok")
	r.ObserveJoin("ok")
	r.ObserveJoin("not_found")
	r.ObservePrediction("rejected")
	r.ObserveResolution("ok", 100)
	r.ObserveResolution("ok", 25)
	r.ObserveResolution("error", 0)
	r.ObserveChat()
	r.SetConnections(4)
	r.SetPlayers(3)

	assert.InDelta(t, 2, testutil.ToFloat64(r.joins.WithLabelValues("ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.joins.WithLabelValues("not_found")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.predictions.WithLabelValues("rejected")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(r.resolutions.WithLabelValues("ok")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.resolutions.WithLabelValues("error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.chats), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(r.connections), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(r.players), 0)

	n, err := testutil.GatherAndCount(reg, "txbattle_points_awarded")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewPanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	assert.Panics(t, func() { New(reg) })
}
