package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one server. Each server owns its registry
// so tests can build several without duplicate registration.
type Metrics struct {
	Registry        *prometheus.Registry
	CaptionTotal    *prometheus.CounterVec
	CaptionDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		CaptionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "konacaption_caption_total",
				Help: "Caption requests by input source and outcome",
			},
			[]string{"source", "status"}, // status: ok | empty | bad_request | error
		),
		CaptionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "konacaption_caption_duration_seconds",
				Help:    "Time spent generating a caption",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source"},
		),
	}
	m.Registry.MustRegister(m.CaptionTotal, m.CaptionDuration)
	return m
}

func (m *Metrics) Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
}
