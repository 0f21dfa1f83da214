package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/LeventeLantos/notification-pipeline/internal/model"
)

// Pipeline holds the collectors for queue, batch and webhook activity. A
// nil *Pipeline is valid and records nothing.
type Pipeline struct {
	enqueued      *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	batchDuration prometheus.Histogram
	laneDepth     *prometheus.GaugeVec
	scheduled     prometheus.Gauge
	processing    prometheus.Gauge
	deadLetters   prometheus.Gauge
	rateLimited   *prometheus.CounterVec
	webhooks      *prometheus.CounterVec
}

func NewPipeline(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		enqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_messages_enqueued_total",
				Help: "Messages accepted by the queue",
			},
			[]string{"channel", "priority"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_message_outcomes_total",
				Help: "Per-message outcome of processing passes",
			},
			[]string{"outcome"},
		),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_batch_duration_seconds",
			Help:    "Duration of one processing pass",
			Buckets: prometheus.DefBuckets,
		}),
		laneDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_lane_depth",
				Help: "Messages waiting per priority lane",
			},
			[]string{"priority"},
		),
		scheduled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_scheduled_messages",
			Help: "Messages waiting for their scheduled time",
		}),
		processing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_processing_messages",
			Help: "Messages currently handed to the processor",
		}),
		deadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_dead_letters",
			Help: "Messages in the dead-letter lane",
		}),
		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_rate_limited_total",
				Help: "Sends held back by channel quota",
			},
			[]string{"channel"},
		),
		webhooks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_webhooks_total",
				Help: "Inbound delivery webhooks by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		p.enqueued,
		p.outcomes,
		p.batchDuration,
		p.laneDepth,
		p.scheduled,
		p.processing,
		p.deadLetters,
		p.rateLimited,
		p.webhooks,
	)
	return p
}

func (p *Pipeline) Enqueued(msg model.QueuedMessage) {
	if p == nil {
		return
	}
	p.enqueued.WithLabelValues(string(msg.Channel), string(msg.Priority)).Inc()
}

func (p *Pipeline) ObserveBatch(res model.BatchResult) {
	if p == nil {
		return
	}
	p.outcomes.WithLabelValues(string(model.OutcomeSent)).Add(float64(res.Successful))
	p.outcomes.WithLabelValues(string(model.OutcomeRetried)).Add(float64(res.Retried))
	p.outcomes.WithLabelValues(string(model.OutcomeDeadLettered)).Add(float64(res.DeadLettered))
	p.outcomes.WithLabelValues(string(model.OutcomeDeferred)).Add(float64(res.Deferred))
	p.batchDuration.Observe(res.Duration.Seconds())
}

func (p *Pipeline) SetDepth(lanes map[model.Priority]int, scheduled, processing, deadLetters int) {
	if p == nil {
		return
	}
	for prio, n := range lanes {
		p.laneDepth.WithLabelValues(string(prio)).Set(float64(n))
	}
	p.scheduled.Set(float64(scheduled))
	p.processing.Set(float64(processing))
	p.deadLetters.Set(float64(deadLetters))
}

func (p *Pipeline) RateLimited(channel model.Channel) {
	if p == nil {
		return
	}
	p.rateLimited.WithLabelValues(string(channel)).Inc()
}

func (p *Pipeline) Webhook(result string) {
	if p == nil {
		return
	}
	p.webhooks.WithLabelValues(result).Inc()
}
