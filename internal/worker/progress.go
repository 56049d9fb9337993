package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/gbtami/fairyfishnet/internal/client"
	"github.com/gbtami/fairyfishnet/internal/protocol"
)

// defaultProgressQueue bounds the reporter queue when no size is given.
const defaultProgressQueue = 8

// ProgressSender is the slice of the work client the reporter posts
// through.
type ProgressSender interface {
	SendProgress(ctx context.Context, jobID string, engine protocol.EngineInfo, analysis []*protocol.AnalysisRecord) error
}

type progressReport struct {
	jobID    string
	engine   protocol.EngineInfo
	analysis []*protocol.AnalysisRecord
}

// ProgressReporter ships partial analyses in the background so that long
// jobs stay visible on the server. It never blocks an analysis: when the
// queue is full the snapshot is dropped, and a rate limiting server
// suspends reporting for a while.
type ProgressReporter struct {
	sender ProgressSender
	logger *slog.Logger
	queue  chan progressReport
}

// NewProgressReporter builds a reporter with room for queueSize pending
// snapshots.
func NewProgressReporter(sender ProgressSender, queueSize int, logger *slog.Logger) *ProgressReporter {
	if queueSize <= 0 {
		queueSize = defaultProgressQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressReporter{
		sender: sender,
		logger: logger,
		queue:  make(chan progressReport, queueSize),
	}
}

// Send queues a snapshot of a running analysis. The slice is copied, so
// the caller may keep filling it in.
func (r *ProgressReporter) Send(job *protocol.Job, engine protocol.EngineInfo, analysis []*protocol.AnalysisRecord) {
	report := progressReport{
		jobID:    job.Work.ID,
		engine:   engine,
		analysis: append([]*protocol.AnalysisRecord(nil), analysis...),
	}
	select {
	case r.queue <- report:
	default:
		r.logger.Debug("progress queue full, dropping snapshot", slog.String("job_id", job.Work.ID))
	}
}

// Run posts queued snapshots until the context ends. Failures are logged
// and forgotten; progress is advisory.
func (r *ProgressReporter) Run(ctx context.Context) {
	var suspendedUntil time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case report := <-r.queue:
			if time.Now().Before(suspendedUntil) {
				continue
			}

			err := r.sender.SendProgress(ctx, report.jobID, report.engine, report.analysis)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if delay := client.RetryAfter(err); delay > 0 {
				suspendedUntil = time.Now().Add(delay)
				r.logger.Warn("progress reporting suspended",
					slog.String("job_id", report.jobID),
					slog.Duration("for", delay))
				continue
			}
			r.logger.Debug("progress report failed",
				slog.String("job_id", report.jobID),
				slog.String("error", err.Error()))
		}
	}
}
