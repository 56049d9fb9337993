package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gbtami/fairyfishnet/internal/client"
	"github.com/gbtami/fairyfishnet/internal/metrics"
	"github.com/gbtami/fairyfishnet/internal/protocol"
	"github.com/gbtami/fairyfishnet/internal/uci"
)

// Worker tuning defaults.
const (
	DefaultAnalysisNodes     = 3_500_000
	DefaultAnalysisMoveTime  = 4 * time.Second
	DefaultProgressInterval  = 5 * time.Second
	DefaultMaxEngineRestarts = 3
	DefaultStartupAttempts   = 5
	DefaultReportAttempts    = 3

	// analysisSkill is the strength analyses always run at.
	analysisSkill = 20

	// abortTimeout bounds the hand back of a job once the run context is
	// gone.
	abortTimeout = 15 * time.Second
)

// ErrEngineUnavailable parks a slot: its engine could not be started
// after repeated attempts.
var ErrEngineUnavailable = errors.New("engine unavailable")

// State is what a worker slot is doing right now.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateRunning
	StateReporting
	StateBackingOff
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateRunning:
		return "running"
	case StateReporting:
		return "reporting"
	case StateBackingOff:
		return "backing-off"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// WorkClient is the slice of the work server client a worker needs.
type WorkClient interface {
	Acquire(ctx context.Context, engine protocol.EngineInfo) (*protocol.Job, error)
	SubmitAnalysis(ctx context.Context, jobID string, engine protocol.EngineInfo, analysis []*protocol.AnalysisRecord) (*protocol.Job, error)
	SubmitMove(ctx context.Context, jobID string, engine protocol.EngineInfo, move protocol.MoveResult) (*protocol.Job, error)
	Abort(ctx context.Context, jobID string, engine protocol.EngineInfo) error
}

// EngineSession is the slice of an engine session a worker drives.
type EngineSession interface {
	Start(ctx context.Context) error
	Identity() protocol.EngineInfo
	SupportsVariant(name string) bool
	NewGame(ctx context.Context) error
	SetBool(name string, value bool) error
	SetInt(name string, value int) error
	ConfigureVariant(variant string, chess960, nnue bool) error
	Search(ctx context.Context, pos uci.Position, limits uci.Limits) (*uci.Result, error)
	Alive() bool
	Shutdown()
}

// SessionFactory builds a fresh engine session for every (re)start.
type SessionFactory func() EngineSession

// Config tunes a single worker slot.
type Config struct {
	Name    string
	Threads int

	Levels Levels

	// AnalysisNodes is the node budget per analysed position when the job
	// does not carry one.
	AnalysisNodes int64
	// AnalysisMoveTime caps the wall time per analysed position.
	AnalysisMoveTime time.Duration
	// ProgressInterval is the minimum gap between progress snapshots.
	ProgressInterval time.Duration

	// MaxEngineRestarts bounds engine restarts for one job before it is
	// aborted.
	MaxEngineRestarts int
	// StartupAttempts bounds engine start tries before the slot parks.
	StartupAttempts int
	// ReportAttempts bounds delivery tries for a finished result.
	ReportAttempts int

	// FixedBackoff switches to the non growing backoff, for development
	// servers.
	FixedBackoff time.Duration
	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration
}

// Worker owns one engine slot and runs the acquire, analyse, report loop
// for it.
type Worker struct {
	cfg      Config
	client   WorkClient
	sessions SessionFactory
	progress *ProgressReporter
	metrics  *metrics.Collector
	logger   *slog.Logger

	backoff *client.Backoff
	session EngineSession

	stopOnce sync.Once
	stopCh   chan struct{}

	mu    sync.Mutex
	state State

	nodes     atomic.Int64
	positions atomic.Int64
}

// NewWorker builds a worker slot. The progress reporter and collector may
// be nil.
func NewWorker(cfg Config, wc WorkClient, sessions SessionFactory, progress *ProgressReporter, collector *metrics.Collector, logger *slog.Logger) *Worker {
	if cfg.Name == "" {
		cfg.Name = "worker"
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if len(cfg.Levels.Skill) == 0 {
		cfg.Levels = DefaultLevels()
	}
	if cfg.AnalysisNodes <= 0 {
		cfg.AnalysisNodes = DefaultAnalysisNodes
	}
	if cfg.AnalysisMoveTime <= 0 {
		cfg.AnalysisMoveTime = DefaultAnalysisMoveTime
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if cfg.MaxEngineRestarts <= 0 {
		cfg.MaxEngineRestarts = DefaultMaxEngineRestarts
	}
	if cfg.StartupAttempts <= 0 {
		cfg.StartupAttempts = DefaultStartupAttempts
	}
	if cfg.ReportAttempts <= 0 {
		cfg.ReportAttempts = DefaultReportAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}

	var backoff *client.Backoff
	if cfg.FixedBackoff > 0 {
		backoff = client.NewFixedBackoff(cfg.FixedBackoff)
	} else {
		backoff = client.NewBackoff(cfg.MaxBackoff)
	}

	collector.WorkerStateChanged("", StateIdle.String())

	return &Worker{
		cfg:      cfg,
		client:   wc,
		sessions: sessions,
		progress: progress,
		metrics:  collector,
		logger:   logger.With(slog.String("worker", cfg.Name)),
		backoff:  backoff,
		stopCh:   make(chan struct{}),
	}
}

// Name returns the slot name.
func (w *Worker) Name() string {
	return w.cfg.Name
}

// Nodes returns the total engine nodes this slot has crunched.
func (w *Worker) Nodes() int64 {
	return w.nodes.Load()
}

// Positions returns the number of positions this slot has searched.
func (w *Worker) Positions() int64 {
	return w.positions.Load()
}

// State reports what the slot is doing.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// StopSoon asks the worker to finish its current job and then exit
// instead of acquiring more work.
func (w *Worker) StopSoon() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Worker) stopRequested() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// Run drives the slot until the context is cancelled, a stop was
// requested, or a fatal condition surfaces. A clean stop returns nil; an
// in flight job is handed back before returning.
func (w *Worker) Run(ctx context.Context) error {
	defer w.closeSession()
	defer w.setState(StateIdle)

	var job *protocol.Job
	for {
		if ctx.Err() != nil {
			w.abandon(job)
			return nil
		}
		if w.stopRequested() && job == nil {
			w.logger.Info("worker stopped")
			return nil
		}

		if err := w.ensureSession(ctx); err != nil {
			w.abandon(job)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if job == nil {
			var err error
			job, err = w.acquire(ctx)
			if err != nil {
				return err
			}
			continue
		}

		next, err := w.process(ctx, job)
		switch {
		case err == nil:
			w.backoff.Reset()
			job = next
			if job != nil && w.stopRequested() {
				// Hand the chained job back instead of starting it.
				w.abort(ctx, job)
				job = nil
			}

		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			w.abandon(job)
			return nil

		case isFatal(err) || errors.Is(err, ErrEngineUnavailable):
			w.abandon(job)
			return err

		default:
			w.giveUp(ctx, job, err)
			job = nil
			w.setState(StateBackingOff)
			_ = w.sleep(ctx, w.backoff.Next())
		}
	}
}

// acquire asks for work once, sleeping out the backoff schedule when the
// queue is empty or the server misbehaves. Only fatal errors are
// returned.
func (w *Worker) acquire(ctx context.Context) (*protocol.Job, error) {
	w.setState(StateAcquiring)

	job, err := w.client.Acquire(ctx, w.identity())
	switch {
	case err == nil && job != nil:
		w.backoff.Reset()
		w.logger.Info("acquired job",
			slog.String("job_id", job.Work.ID),
			slog.String("type", job.Work.Type),
			slog.String("game_id", job.GameID))
		return job, nil

	case err == nil:
		// Queue is empty.
		w.setState(StateIdle)
		_ = w.sleep(ctx, w.backoff.Next())

	case ctx.Err() != nil:
		// Run notices on its next pass.

	case isFatal(err):
		return nil, err

	default:
		delay := w.backoff.Next() + client.RetryAfter(err)
		w.logger.Error("acquire failed",
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay.Round(time.Millisecond)))
		w.setState(StateBackingOff)
		_ = w.sleep(ctx, delay)
	}
	return nil, nil
}

// process runs one job end to end and hands back the follow up job if
// the server sent one on the report response.
func (w *Worker) process(ctx context.Context, job *protocol.Job) (*protocol.Job, error) {
	w.setState(StateRunning)
	started := time.Now()

	var (
		records []*protocol.AnalysisRecord
		move    protocol.MoveResult
		err     error
	)
	switch job.Work.Type {
	case protocol.WorkAnalysis:
		err = w.withEngineRetry(ctx, job, func() error {
			var aerr error
			records, aerr = w.analyse(ctx, job)
			return aerr
		})
	case protocol.WorkMove:
		err = w.withEngineRetry(ctx, job, func() error {
			var merr error
			move, merr = w.bestmove(ctx, job)
			return merr
		})
	default:
		err = fmt.Errorf("unknown work type %q", job.Work.Type)
	}
	if err != nil {
		return nil, err
	}

	w.setState(StateReporting)
	next, err := w.report(ctx, job, records, move)
	if err != nil {
		return nil, err
	}

	w.metrics.RecordJob(job.Work.Type, "completed", time.Since(started))
	return next, nil
}

// withEngineRetry reruns fn on a fresh engine when the current one fails,
// up to the restart budget for this job.
func (w *Worker) withEngineRetry(ctx context.Context, job *protocol.Job, fn func() error) error {
	for restarts := 0; ; restarts++ {
		err := fn()
		if err == nil {
			return nil
		}

		var engineErr *uci.EngineError
		if !errors.As(err, &engineErr) || ctx.Err() != nil {
			return err
		}
		if restarts >= w.cfg.MaxEngineRestarts {
			w.metrics.RecordEngineFailure(engineErr.Reason)
			return err
		}

		w.setState(StateRecovering)
		w.logger.Warn("engine failed, restarting",
			slog.String("job_id", job.Work.ID),
			slog.String("reason", engineErr.Reason),
			slog.Int("restart", restarts+1),
			slog.String("error", err.Error()))
		w.metrics.RecordEngineRestart(engineErr.Reason)

		w.closeSession()
		if err := w.ensureSession(ctx); err != nil {
			return err
		}
		w.setState(StateRunning)
	}
}

// analyse evaluates every position of the game in ascending ply order,
// starting from the opening position, posting progress along the way.
func (w *Worker) analyse(ctx context.Context, job *protocol.Job) ([]*protocol.AnalysisRecord, error) {
	if err := w.prepareEngine(ctx, job, analysisSkill, true); err != nil {
		return nil, err
	}

	nodes := job.Nodes
	if nodes <= 0 {
		nodes = w.cfg.AnalysisNodes
	}

	records := make([]*protocol.AnalysisRecord, job.PlyCount())
	started := time.Now()
	lastProgress := started
	analysed := 0

	for ply := 0; ply < job.PlyCount(); ply++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if job.SkipPly(ply) {
			records[ply] = protocol.SkippedRecord()
			continue
		}

		if w.progress != nil && time.Since(lastProgress) > w.cfg.ProgressInterval {
			w.progress.Send(job, w.identity(), records)
			lastProgress = time.Now()
		}

		result, err := w.session.Search(ctx,
			uci.Position{FEN: job.FEN(), Moves: job.Moves[:ply]},
			uci.Limits{Nodes: nodes, MoveTime: w.cfg.AnalysisMoveTime})
		if err != nil {
			return nil, err
		}

		records[ply] = w.record(job, ply, result)
		w.nodes.Add(result.Nodes)
		w.positions.Add(1)
		w.metrics.RecordPosition(result.Nodes)
		analysed++
	}

	elapsed := time.Since(started)
	if analysed > 0 {
		w.logger.Info("analysis complete",
			slog.String("job_id", job.Work.ID),
			slog.String("game_id", job.GameID),
			slog.Int("positions", analysed),
			slog.Duration("elapsed", elapsed.Round(time.Millisecond)),
			slog.Duration("per_position", (elapsed / time.Duration(analysed)).Round(time.Millisecond)))
	} else {
		w.logger.Info("analysis had nothing to do", slog.String("job_id", job.Work.ID))
	}
	return records, nil
}

// record converts a search result into a wire record, applying the
// reporting guards.
func (w *Worker) record(job *protocol.Job, ply int, result *uci.Result) *protocol.AnalysisRecord {
	if result.Score == nil && result.BestMove == "" {
		// Game over position the engine had nothing to say about.
		return &protocol.AnalysisRecord{Depth: 0, Score: protocol.MateScore(0)}
	}

	rec := result.Record()
	if rec.Score != nil && rec.Score.Mate == nil && result.HasTime && rec.Time < 100 {
		w.logger.Warn("very low time reported",
			slog.String("job_id", job.Work.ID),
			slog.Int("ply", ply),
			slog.Int64("time_ms", rec.Time))
	}
	if rec.NPS >= 100_000_000 {
		w.logger.Warn("dropping exorbitant nps",
			slog.String("job_id", job.Work.ID),
			slog.Int("ply", ply),
			slog.Int64("nps", rec.NPS))
		rec.NPS = 0
	}
	return rec
}

// bestmove searches for one move at the requested strength.
func (w *Worker) bestmove(ctx context.Context, job *protocol.Job) (protocol.MoveResult, error) {
	skill, movetime, depth := w.cfg.Levels.ForLevel(job.Work.Level)

	if err := w.prepareEngine(ctx, job, skill, false); err != nil {
		return protocol.MoveResult{}, err
	}

	started := time.Now()
	result, err := w.session.Search(ctx,
		uci.Position{FEN: job.FEN(), Moves: job.Moves},
		uci.Limits{
			MoveTime: scaleMoveTime(movetime, w.cfg.Threads),
			Depth:    depth,
			Clock:    job.Work.Clock,
		})
	if err != nil {
		return protocol.MoveResult{}, err
	}

	w.nodes.Add(result.Nodes)
	w.positions.Add(1)
	w.metrics.RecordPosition(result.Nodes)

	w.logger.Info("played move",
		slog.String("job_id", job.Work.ID),
		slog.String("game_id", job.GameID),
		slog.Int("level", job.Work.Level),
		slog.Int("depth", result.Depth),
		slog.Duration("elapsed", time.Since(started).Round(time.Millisecond)))

	return protocol.BestMove(result.BestMove), nil
}

// prepareEngine applies the job's variant context and strength, then
// resets the engine for the new game.
func (w *Worker) prepareEngine(ctx context.Context, job *protocol.Job, skill int, analyse bool) error {
	variant := uci.ModdedVariant(job.VariantName(), job.Chess960, job.Position)
	if err := w.session.ConfigureVariant(variant, job.Chess960, job.UseNNUE()); err != nil {
		return err
	}
	if err := w.session.SetInt("Skill Level", skill); err != nil {
		return err
	}
	if err := w.session.SetBool("UCI_AnalyseMode", analyse); err != nil {
		return err
	}
	return w.session.NewGame(ctx)
}

// report delivers the finished result, retrying transient failures a few
// times. Beyond that the result is dropped and the job left to the
// server's own requeue timeout.
func (w *Worker) report(ctx context.Context, job *protocol.Job, records []*protocol.AnalysisRecord, move protocol.MoveResult) (*protocol.Job, error) {
	engine := w.identity()

	var lastErr error
	for attempt := 1; attempt <= w.cfg.ReportAttempts; attempt++ {
		if attempt > 1 {
			w.metrics.RecordReportRetry()
			if err := w.sleep(ctx, w.backoff.Next()); err != nil {
				return nil, err
			}
		}

		var (
			next *protocol.Job
			err  error
		)
		if job.Work.Type == protocol.WorkAnalysis {
			next, err = w.client.SubmitAnalysis(ctx, job.Work.ID, engine, records)
		} else {
			next, err = w.client.SubmitMove(ctx, job.Work.ID, engine, move)
		}
		if err == nil {
			return next, nil
		}
		if !client.IsTransient(err) {
			return nil, err
		}

		lastErr = err
		w.logger.Error("report failed",
			slog.String("job_id", job.Work.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
	return nil, &undeliverableError{jobID: job.Work.ID, err: lastErr}
}

// giveUp disposes of a job that cannot be finished: undeliverable results
// are dropped, everything else is aborted so the server can reassign the
// job right away.
func (w *Worker) giveUp(ctx context.Context, job *protocol.Job, cause error) {
	var undeliverable *undeliverableError
	if errors.As(cause, &undeliverable) {
		w.logger.Error("dropping finished job, result undeliverable",
			slog.String("job_id", job.Work.ID),
			slog.String("error", cause.Error()))
		w.metrics.RecordJob(job.Work.Type, "dropped", 0)
		return
	}

	w.logger.Error("giving up on job",
		slog.String("job_id", job.Work.ID),
		slog.String("error", cause.Error()))
	w.abort(ctx, job)
	w.backoff.Saturate()
}

// abandon hands back the in flight job during shutdown, on a short fresh
// context because the run context is usually gone by then.
func (w *Worker) abandon(job *protocol.Job) {
	if job == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	w.abort(ctx, job)
}

// abort returns a job unfinished. Best effort: the server requeues the
// job on its own timeout if this call never lands.
func (w *Worker) abort(ctx context.Context, job *protocol.Job) {
	if err := w.client.Abort(ctx, job.Work.ID, w.identity()); err != nil {
		w.logger.Error("could not abort job",
			slog.String("job_id", job.Work.ID),
			slog.String("error", err.Error()))
		return
	}
	w.metrics.RecordJob(job.Work.Type, "aborted", 0)
	w.logger.Info("aborted job", slog.String("job_id", job.Work.ID))
}

// ensureSession makes sure a live engine is attached, starting a fresh
// one when needed. Startup failures are retried with backoff up to the
// slot's budget; past that the slot gives up for good.
func (w *Worker) ensureSession(ctx context.Context) error {
	if w.session != nil && w.session.Alive() {
		return nil
	}
	w.closeSession()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		session := w.sessions()
		err := session.Start(ctx)
		if err == nil {
			w.session = session
			return nil
		}

		w.metrics.RecordEngineFailure("startup")
		w.logger.Error("engine failed to start",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		if attempt >= w.cfg.StartupAttempts {
			return fmt.Errorf("%w after %d start attempts: %v", ErrEngineUnavailable, attempt, err)
		}
		if err := w.sleep(ctx, w.backoff.Next()); err != nil {
			return err
		}
	}
}

func (w *Worker) closeSession() {
	if w.session != nil {
		w.session.Shutdown()
		w.session = nil
	}
}

func (w *Worker) identity() protocol.EngineInfo {
	if w.session != nil {
		return w.session.Identity()
	}
	return protocol.EngineInfo{}
}

// sleep waits out d, cut short by cancellation or a stop request.
func (w *Worker) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopCh:
		return nil
	case <-timer.C:
		return nil
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev != s {
		w.metrics.WorkerStateChanged(prev.String(), s.String())
	}
}

func isFatal(err error) bool {
	var credentials *client.CredentialsError
	return errors.Is(err, client.ErrUpdateRequired) || errors.As(err, &credentials)
}

// undeliverableError marks a finished result that could not be posted.
type undeliverableError struct {
	jobID string
	err   error
}

func (e *undeliverableError) Error() string {
	return fmt.Sprintf("job %s result undeliverable: %v", e.jobID, e.err)
}

func (e *undeliverableError) Unwrap() error {
	return e.err
}
