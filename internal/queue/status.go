package queue

import (
	"fmt"
	"time"

	"github.com/ecodeclub/ekit/slice"

	"github.com/LeventeLantos/notification-pipeline/internal/model"
)

// Stats are cumulative over the queue's lifetime.
type Stats struct {
	Passes                int64         `json:"passes"`
	TotalProcessed        int64         `json:"totalProcessed"`
	Successful            int64         `json:"successful"`
	Failed                int64         `json:"failed"`
	Retried               int64         `json:"retried"`
	DeadLettered          int64         `json:"deadLettered"`
	Deferred              int64         `json:"deferred"`
	AverageProcessingTime time.Duration `json:"averageProcessingTime"`
	Throughput            float64       `json:"throughput"`
	SuccessRate           float64       `json:"successRate"`
	RetryRate             float64       `json:"retryRate"`
	DeadLetterRate        float64       `json:"deadLetterRate"`
	ErrorRate             float64       `json:"errorRate"`
	LastProcessedAt       time.Time     `json:"lastProcessedAt"`

	busy time.Duration
}

type Status struct {
	Lanes            map[model.Priority]int `json:"lanes"`
	Queued           int                    `json:"queued"`
	Scheduled        int                    `json:"scheduled"`
	Processing       int                    `json:"processing"`
	DeadLetters      int                    `json:"deadLetters"`
	Capacity         int                    `json:"capacity"`
	Tracked          int                    `json:"tracked"`
	OldestMessageAge time.Duration          `json:"oldestMessageAge"`
	PassRunning      bool                   `json:"passRunning"`
	ProcessingIDs    []string               `json:"processingIds,omitempty"`
	Stats            Stats                  `json:"stats"`
}

type HealthState string

const (
	Healthy   HealthState = "healthy"
	Degraded  HealthState = "degraded"
	Unhealthy HealthState = "unhealthy"
)

type Health struct {
	Status    HealthState `json:"status"`
	Issues    []string    `json:"issues,omitempty"`
	CheckedAt time.Time   `json:"checkedAt"`
	Queue     Status      `json:"queue"`
}

func (q *MessageQueue) record(res model.BatchResult, elapsed time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := &q.stats
	s.Passes++
	s.Successful += int64(res.Successful)
	s.Failed += int64(res.Failed)
	s.Retried += int64(res.Retried)
	s.DeadLettered += int64(res.DeadLettered)
	s.Deferred += int64(res.Deferred)
	s.Throughput = res.Throughput

	attempted := int64(res.Attempted())
	if attempted == 0 {
		return
	}
	s.TotalProcessed += attempted
	s.busy += elapsed
	s.AverageProcessingTime = s.busy / time.Duration(s.TotalProcessed)
	s.LastProcessedAt = q.now()

	total := float64(s.TotalProcessed)
	s.SuccessRate = float64(s.Successful) / total
	s.RetryRate = float64(s.Retried) / total
	s.DeadLetterRate = float64(s.DeadLettered) / total
	s.ErrorRate = float64(s.Failed) / total
}

func (q *MessageQueue) GetQueueStatus() Status {
	q.mu.Lock()
	st := q.statusLocked(q.now())
	q.mu.Unlock()

	if q.dlq != nil {
		st.DeadLetters = q.dlq.Len()
	}
	return st
}

func (q *MessageQueue) statusLocked(now time.Time) Status {
	st := Status{
		Lanes:       make(map[model.Priority]int, len(model.Priorities)),
		Scheduled:   q.scheduled.Len(),
		Processing:  len(q.processing),
		Capacity:    q.cfg.MaxSize,
		Tracked:     len(q.index),
		PassRunning: q.running.Load(),
		Stats:       q.stats,
	}

	var oldest time.Time
	for _, prio := range model.Priorities {
		lane := q.lanes[prio]
		st.Lanes[prio] = len(lane)
		st.Queued += len(lane)
		for _, msg := range lane {
			if oldest.IsZero() || msg.Metadata.CreatedAt.Before(oldest) {
				oldest = msg.Metadata.CreatedAt
			}
		}
	}
	if !oldest.IsZero() {
		st.OldestMessageAge = now.Sub(oldest)
	}

	procs := make([]model.QueuedMessage, 0, len(q.processing))
	for _, msg := range q.processing {
		procs = append(procs, msg)
	}
	st.ProcessingIDs = slice.Map(procs, func(_ int, src model.QueuedMessage) string {
		return src.ID
	})
	return st
}

// PerformHealthCheck reports degraded on one issue and unhealthy on two or
// more, or when the queue is full.
func (q *MessageQueue) PerformHealthCheck() Health {
	now := q.now()
	st := q.GetQueueStatus()

	var issues []string
	full := st.Tracked >= st.Capacity
	if full {
		issues = append(issues, fmt.Sprintf("queue full: %d/%d", st.Tracked, st.Capacity))
	} else if float64(st.Tracked) > float64(st.Capacity)*q.cfg.DepthWarnRatio {
		issues = append(issues, fmt.Sprintf("queue depth %d exceeds %.0f%% of capacity %d",
			st.Tracked, q.cfg.DepthWarnRatio*100, st.Capacity))
	}
	if st.OldestMessageAge > q.cfg.MaxMessageAge {
		issues = append(issues, fmt.Sprintf("oldest message waiting %s", st.OldestMessageAge.Round(time.Second)))
	}
	if st.Queued > 0 {
		last := st.Stats.LastProcessedAt
		if last.IsZero() {
			last = q.startedAt
		}
		if now.Sub(last) > q.cfg.StallWindow {
			issues = append(issues, fmt.Sprintf("nothing processed for %s with %d queued", now.Sub(last).Round(time.Second), st.Queued))
		}
	}
	if st.Stats.TotalProcessed > 0 && st.Stats.ErrorRate > q.cfg.ErrorRateThreshold {
		issues = append(issues, fmt.Sprintf("error rate %.1f%%", st.Stats.ErrorRate*100))
	}

	h := Health{Status: Healthy, Issues: issues, CheckedAt: now, Queue: st}
	switch {
	case full || len(issues) >= 2:
		h.Status = Unhealthy
	case len(issues) == 1:
		h.Status = Degraded
	}

	if h.Status != Healthy {
		q.logger.Warn("queue health check", "status", h.Status, "issues", issues)
	}
	return h
}
