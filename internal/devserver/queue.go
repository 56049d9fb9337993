package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/gbtami/fairyfishnet/internal/protocol"
)

// Job lifecycle states.
const (
	StatusPending  = "PENDING"
	StatusAssigned = "ASSIGNED"
	StatusDone     = "DONE"
)

var (
	// ErrUnknownJob is returned for reports about jobs the queue never
	// handed out.
	ErrUnknownJob = errors.New("unknown job")
)

// record tracks one job through the queue.
type record struct {
	job      *protocol.Job
	status   string
	acquired int
	analysis []*protocol.AnalysisRecord
	move     *protocol.MoveResult
}

// Queue hands out jobs one at a time and keeps results in memory. An
// aborted job goes back to the head of the line.
type Queue struct {
	mu      sync.Mutex
	order   []string
	pending []string
	records map[string]*record
}

func NewQueue() *Queue {
	return &Queue{records: make(map[string]*record)}
}

// Add registers a job. Missing work fields get defaults, so a job file
// only needs positions and moves.
func (q *Queue) Add(job *protocol.Job) error {
	if job.Work.Type == "" {
		job.Work.Type = protocol.WorkAnalysis
	}
	if job.Work.ID == "" {
		job.Work.ID = uuid.New().String()
	}
	if err := job.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.records[job.Work.ID]; exists {
		return fmt.Errorf("duplicate job id %s", job.Work.ID)
	}
	q.records[job.Work.ID] = &record{job: job, status: StatusPending}
	q.order = append(q.order, job.Work.ID)
	q.pending = append(q.pending, job.Work.ID)
	return nil
}

// Assign pops the next pending job.
func (q *Queue) Assign() (*protocol.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]

	rec := q.records[id]
	rec.status = StatusAssigned
	rec.acquired++
	return rec.job, true
}

// Progress stores the latest partial analysis for an assigned job.
func (q *Queue) Progress(id string, analysis []*protocol.AnalysisRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.assigned(id, protocol.WorkAnalysis)
	if err != nil {
		return err
	}
	rec.analysis = analysis
	return nil
}

// Complete records the final analysis and retires the job.
func (q *Queue) Complete(id string, analysis []*protocol.AnalysisRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.assigned(id, protocol.WorkAnalysis)
	if err != nil {
		return err
	}
	if len(analysis) != rec.job.PlyCount() {
		return fmt.Errorf("job %s: got %d analysis entries, expected %d", id, len(analysis), rec.job.PlyCount())
	}
	rec.analysis = analysis
	rec.status = StatusDone
	return nil
}

// CompleteMove records the chosen move and retires the job.
func (q *Queue) CompleteMove(id string, move protocol.MoveResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, err := q.assigned(id, protocol.WorkMove)
	if err != nil {
		return err
	}
	rec.move = &move
	rec.status = StatusDone
	return nil
}

// Requeue puts an assigned job back at the head of the line.
func (q *Queue) Requeue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if rec.status != StatusAssigned {
		return fmt.Errorf("job %s is %s, not assigned", id, rec.status)
	}
	rec.status = StatusPending
	q.pending = append([]string{id}, q.pending...)
	return nil
}

// Remaining returns how many jobs are still waiting to be handed out.
func (q *Queue) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) assigned(id, workType string) (*record, error) {
	rec, ok := q.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if rec.status != StatusAssigned {
		return nil, fmt.Errorf("job %s is %s, not assigned", id, rec.status)
	}
	if rec.job.Work.Type != workType {
		return nil, fmt.Errorf("job %s is %s work", id, rec.job.Work.Type)
	}
	return rec, nil
}

// JobView is the read model served to anyone inspecting the queue.
type JobView struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	GameID   string `json:"game_id,omitempty"`
	Variant  string `json:"variant"`
	Status   string `json:"status"`
	Acquired int    `json:"acquired"`
	Plies    int    `json:"plies,omitempty"`
	BestMove string `json:"bestmove,omitempty"`
}

// Snapshot lists every job in insertion order.
func (q *Queue) Snapshot() []JobView {
	q.mu.Lock()
	defer q.mu.Unlock()

	views := make([]JobView, 0, len(q.order))
	for _, id := range q.order {
		rec := q.records[id]
		view := JobView{
			ID:       id,
			Type:     rec.job.Work.Type,
			GameID:   rec.job.GameID,
			Variant:  rec.job.VariantName(),
			Status:   rec.status,
			Acquired: rec.acquired,
			Plies:    analysedPlies(rec.analysis),
		}
		if rec.move != nil && rec.move.BestMove != nil {
			view.BestMove = *rec.move.BestMove
		}
		views = append(views, view)
	}
	return views
}

// analysedPlies counts the entries a worker has filled in so far.
func analysedPlies(analysis []*protocol.AnalysisRecord) int {
	n := 0
	for _, rec := range analysis {
		if rec != nil {
			n++
		}
	}
	return n
}

// LoadJobs reads a JSON array of jobs from a file.
func LoadJobs(path string) ([]*protocol.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs file: %w", err)
	}

	var jobs []*protocol.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse jobs file: %w", err)
	}
	return jobs, nil
}

// SampleJobs returns a small built in queue for runs without a job file.
func SampleJobs() []*protocol.Job {
	return []*protocol.Job{
		{
			Work:   protocol.Work{Type: protocol.WorkAnalysis},
			GameID: "sample1",
			Moves:  protocol.Variation{"e2e4", "e7e5", "g1f3", "b8c6"},
		},
		{
			Work:   protocol.Work{Type: protocol.WorkMove, Level: 3},
			GameID: "sample2",
			Moves:  protocol.Variation{"d2d4", "d7d5"},
		},
		{
			Work:          protocol.Work{Type: protocol.WorkAnalysis},
			GameID:        "sample3",
			Variant:       "atomic",
			Moves:         protocol.Variation{"e2e4", "f7f5"},
			SkipPositions: []int{0},
		},
	}
}
