// Package monitoring watches the write-back queue and the proposal backlog
// and posts webhook alerts when configured thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/autopilot/internal/db"
	"github.com/sells-group/autopilot/internal/eventlog"
	"github.com/sells-group/autopilot/internal/metrics"
	"github.com/sells-group/autopilot/internal/model"
)

// Snapshot is a point-in-time view of queue and proposal health.
type Snapshot struct {
	Queue model.QueueStats `json:"queue"`

	// FailureRate is (failed + dead_letter) / finished, where finished also
	// counts completed items.
	FailureRate float64 `json:"failure_rate"`
	Finished    int     `json:"finished"`

	StaleProcessing int `json:"stale_processing"`

	OpenProposals  int        `json:"open_proposals"`
	OldestProposal *time.Time `json:"oldest_proposal,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// QueueSource is the part of the write-back queue the collector reads.
type QueueSource interface {
	Stats(ctx context.Context, orgID string) (*model.QueueStats, error)
	StaleProcessing(ctx context.Context, cutoff time.Time) (int, error)
}

// Collector gathers a Snapshot.
type Collector struct {
	queue      QueueSource
	events     db.Querier
	staleAfter time.Duration
	nowFunc    func() time.Time
}

// NewCollector creates a Collector. Items processing for longer than
// staleAfter count as stale; zero means 15 minutes.
func NewCollector(queue QueueSource, events db.Querier, staleAfter time.Duration) *Collector {
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	return &Collector{
		queue:      queue,
		events:     events,
		staleAfter: staleAfter,
		nowFunc:    func() time.Time { return time.Now().UTC() },
	}
}

// Collect reads queue depth, stale locks and open proposals across all orgs
// and updates the queue depth gauges.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	now := c.nowFunc()
	snap := &Snapshot{CollectedAt: now}

	stats, err := c.queue.Stats(ctx, "")
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: queue stats")
	}
	snap.Queue = *stats
	failed := stats.Failed + stats.DeadLetter
	snap.Finished = stats.Completed + failed
	if snap.Finished > 0 {
		snap.FailureRate = float64(failed) / float64(snap.Finished)
	}

	metrics.QueueDepth.WithLabelValues(string(model.QueuePending)).Set(float64(stats.Pending))
	metrics.QueueDepth.WithLabelValues(string(model.QueueProcessing)).Set(float64(stats.Processing))
	metrics.QueueDepth.WithLabelValues(string(model.QueueFailed)).Set(float64(stats.Failed))
	metrics.QueueDepth.WithLabelValues(string(model.QueueDeadLetter)).Set(float64(stats.DeadLetter))

	snap.StaleProcessing, err = c.queue.StaleProcessing(ctx, now.Add(-c.staleAfter))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: stale processing")
	}

	proposals, err := eventlog.OpenProposals(ctx, c.events, "")
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: open proposals")
	}
	snap.OpenProposals = len(proposals)
	for _, p := range proposals {
		if snap.OldestProposal == nil || p.CreatedAt.Before(*snap.OldestProposal) {
			at := p.CreatedAt
			snap.OldestProposal = &at
		}
	}
	return snap, nil
}
