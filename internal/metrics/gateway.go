package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LeventeLantos/notification-pipeline/internal/errs"
	"github.com/LeventeLantos/notification-pipeline/internal/model"
)

// ChannelGateway mirrors service.ChannelGateway so the decorator can wrap
// any implementation without importing the service package.
type ChannelGateway interface {
	Send(ctx context.Context, channel model.Channel, payload model.Payload) (string, error)
}

// Gateway records send counts and latency around another gateway.
type Gateway struct {
	next     ChannelGateway
	duration *prometheus.HistogramVec
	sends    *prometheus.CounterVec
}

func NewGateway(next ChannelGateway, reg prometheus.Registerer) *Gateway {
	g := &Gateway{
		next: next,
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_send_duration_seconds",
				Help:    "Latency of provider send calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_send_total",
				Help: "Provider send calls by result code",
			},
			[]string{"channel", "code"},
		),
	}
	reg.MustRegister(g.duration, g.sends)
	return g
}

func (g *Gateway) Send(ctx context.Context, channel model.Channel, payload model.Payload) (string, error) {
	start := time.Now()
	id, err := g.next.Send(ctx, channel, payload)
	g.duration.WithLabelValues(string(channel)).Observe(time.Since(start).Seconds())

	code := "OK"
	if err != nil {
		code = errs.Classify(err).Code
	}
	g.sends.WithLabelValues(string(channel), code).Inc()
	return id, err
}
