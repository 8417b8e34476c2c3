// Package metrics exports game observations to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "txbattle"

// Recorder implements game.Metrics.
type Recorder struct {
	joins       *prometheus.CounterVec
	predictions *prometheus.CounterVec
	resolutions *prometheus.CounterVec
	points      prometheus.Histogram
	chats       prometheus.Counter
	connections prometheus.Gauge
	players     prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)

	return &Recorder{
		joins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_total",
			Help:      "Join attempts by outcome.",
		}, []string{"outcome"}),
		predictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Prediction submissions by outcome.",
		}, []string{"outcome"}),
		resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Round resolutions by outcome.",
		}, []string{"outcome"}),
		points: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "points_awarded",
			Help:      "Points awarded per resolved round.",
			Buckets:   []float64{0, 10, 25, 50, 75, 100},
		}),
		chats: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chat messages relayed.",
		}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live websocket connections.",
		}),
		players: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "roster_players",
			Help:      "Players in the in-memory roster.",
		}),
	}
}

func (r *Recorder) ObserveJoin(outcome string) {
	r.joins.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ObservePrediction(outcome string) {
	r.predictions.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ObserveResolution(outcome string, points int) {
	r.resolutions.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		r.points.Observe(float64(points))
	}
}

func (r *Recorder) ObserveChat() {
	r.chats.Inc()
}

func (r *Recorder) SetConnections(n int) {
	r.connections.Set(float64(n))
}

func (r *Recorder) SetPlayers(n int) {
	r.players.Set(float64(n))
}
