package devserver

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gbtami/fairyfishnet/internal/protocol"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Queue  *Queue

	// Key, when set, is the only api key the server accepts.
	Key string
}

// Handler serves the coordinator side of the work protocol against the
// in-memory queue.
type Handler struct {
	logger *slog.Logger
	queue  *Queue
	key    string
}

// NewHandler creates a new Handler instance
func NewHandler(deps *Dependencies) *Handler {
	return &Handler{
		logger: deps.Logger,
		queue:  deps.Queue,
		key:    deps.Key,
	}
}

// Acquire handles POST /fishnet/acquire
func (h *Handler) Acquire(c *gin.Context) {
	var req protocol.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if !h.authorized(c, &req) {
		return
	}

	h.nextOrDone(c)
}

// Analysis handles POST /fishnet/analysis/:job_id, covering both the
// periodic progress posts and the final report. A progress post still
// has null entries for unreached plies and never completes the job.
func (h *Handler) Analysis(c *gin.Context) {
	jobID := c.Param("job_id")

	var report protocol.AnalysisReport
	if err := c.ShouldBindJSON(&report); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if !h.authorized(c, &report.Request) {
		return
	}

	if partial(report.Analysis) {
		if err := h.queue.Progress(jobID, report.Analysis); err != nil {
			h.rejectReport(c, jobID, err)
			return
		}
		c.Status(http.StatusNoContent)
		return
	}

	if err := h.queue.Complete(jobID, report.Analysis); err != nil {
		h.rejectReport(c, jobID, err)
		return
	}
	h.logger.Info("Analysis complete",
		slog.String("job_id", jobID),
		slog.Int("plies", len(report.Analysis)),
		slog.String("engine", report.Engine.Name),
	)

	h.nextOrDone(c)
}

// Move handles POST /fishnet/move/:job_id
func (h *Handler) Move(c *gin.Context) {
	jobID := c.Param("job_id")

	var report protocol.MoveReport
	if err := c.ShouldBindJSON(&report); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if !h.authorized(c, &report.Request) {
		return
	}

	if err := h.queue.CompleteMove(jobID, report.Move); err != nil {
		h.rejectReport(c, jobID, err)
		return
	}

	bestmove := "(none)"
	if report.Move.BestMove != nil {
		bestmove = *report.Move.BestMove
	}
	h.logger.Info("Move complete",
		slog.String("job_id", jobID),
		slog.String("bestmove", bestmove),
	)

	h.nextOrDone(c)
}

// Abort handles POST /fishnet/abort/:job_id, putting the job back at
// the head of the queue.
func (h *Handler) Abort(c *gin.Context) {
	jobID := c.Param("job_id")

	var req protocol.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if !h.authorized(c, &req) {
		return
	}

	if err := h.queue.Requeue(jobID); err != nil {
		h.rejectReport(c, jobID, err)
		return
	}
	h.logger.Info("Job requeued", slog.String("job_id", jobID))

	c.Status(http.StatusNoContent)
}

// CheckKey handles GET /fishnet/key/:key
func (h *Handler) CheckKey(c *gin.Context) {
	if h.key != "" && c.Param("key") != h.key {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	c.Status(http.StatusOK)
}

// ListJobs handles GET /fishnet/jobs with an optional status filter
func (h *Handler) ListJobs(c *gin.Context) {
	views := h.queue.Snapshot()

	if status := c.Query("status"); status != "" {
		filtered := make([]JobView, 0, len(views))
		for _, view := range views {
			if view.Status == status {
				filtered = append(filtered, view)
			}
		}
		views = filtered
	}

	c.JSON(http.StatusOK, gin.H{"jobs": views})
}

// authorized checks the api key carried in the request envelope.
func (h *Handler) authorized(c *gin.Context, req *protocol.Request) bool {
	if h.key == "" || req.Fishnet.APIKey == h.key {
		return true
	}
	h.logger.Warn("Rejected api key",
		slog.String("path", c.Request.URL.Path),
		slog.String("version", req.Fishnet.Version),
	)
	c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
	return false
}

// nextOrDone hands the next pending job back on the response, the way
// the production server does, so workers skip an acquire round trip.
func (h *Handler) nextOrDone(c *gin.Context) {
	if job, ok := h.queue.Assign(); ok {
		c.JSON(http.StatusAccepted, job)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) rejectReport(c *gin.Context, jobID string, err error) {
	if errors.Is(err, ErrUnknownJob) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.logger.Error("Rejected report",
		slog.String("job_id", jobID),
		slog.String("error", err.Error()),
	)
	c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
}

// partial reports whether an analysis still has unreached plies.
func partial(analysis []*protocol.AnalysisRecord) bool {
	if len(analysis) == 0 {
		return true
	}
	for _, rec := range analysis {
		if rec == nil {
			return true
		}
	}
	return false
}
