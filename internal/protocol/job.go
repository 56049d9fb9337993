package protocol

import (
	"fmt"
	"strings"
)

// Work types handed out by the work server.
const (
	WorkAnalysis = "analysis"
	WorkMove     = "move"
)

// Skill levels accepted for move requests.
const (
	MinLevel = 1
	MaxLevel = 8
)

// StartingFEN is the conventional initial position, used when a job omits
// an explicit one.
const StartingFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Clock mirrors the remaining game clock attached to move requests.
// Wtime and Btime are centiseconds, Inc is seconds.
type Clock struct {
	Wtime int `json:"wtime"`
	Btime int `json:"btime"`
	Inc   int `json:"inc"`
}

// Work identifies a unit of work and how it should be performed.
type Work struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Level int    `json:"level,omitempty"`
	Clock *Clock `json:"clock,omitempty"`
}

// Job is one assignment from the work server: a starting position, the
// moves played from it, and either a full game analysis request or a
// single move search at a given strength.
type Job struct {
	Work          Work      `json:"work"`
	GameID        string    `json:"game_id,omitempty"`
	Position      string    `json:"position,omitempty"`
	Variant       string    `json:"variant,omitempty"`
	Moves         Variation `json:"moves"`
	Nodes         int64     `json:"nodes,omitempty"`
	SkipPositions []int     `json:"skipPositions,omitempty"`
	Chess960      bool      `json:"chess960,omitempty"`
	NNUE          *bool     `json:"nnue,omitempty"`
}

// FEN returns the starting position of the job.
func (j *Job) FEN() string {
	if j.Position == "" {
		return StartingFEN
	}
	return j.Position
}

// VariantName returns the lowercased variant, defaulting to standard chess.
func (j *Job) VariantName() string {
	if j.Variant == "" {
		return "standard"
	}
	return strings.ToLower(j.Variant)
}

// UseNNUE reports whether the server allows NNUE evaluation for this job.
// Absence means yes.
func (j *Job) UseNNUE() bool {
	return j.NNUE == nil || *j.NNUE
}

// PlyCount returns the number of positions an analysis covers: the
// starting position plus one per played move.
func (j *Job) PlyCount() int {
	return len(j.Moves) + 1
}

// SkipPly reports whether the server asked for this ply to be left
// unanalysed.
func (j *Job) SkipPly(ply int) bool {
	for _, p := range j.SkipPositions {
		if p == ply {
			return true
		}
	}
	return false
}

// Validate checks that a decoded job is complete enough to work on.
func (j *Job) Validate() error {
	if j.Work.ID == "" {
		return fmt.Errorf("job has no work id")
	}
	switch j.Work.Type {
	case WorkAnalysis:
	case WorkMove:
		if j.Work.Level < MinLevel || j.Work.Level > MaxLevel {
			return fmt.Errorf("job %s: level %d out of range [%d, %d]", j.Work.ID, j.Work.Level, MinLevel, MaxLevel)
		}
	default:
		return fmt.Errorf("job %s: unknown work type %q", j.Work.ID, j.Work.Type)
	}
	for _, ply := range j.SkipPositions {
		if ply < 0 || ply >= j.PlyCount() {
			return fmt.Errorf("job %s: skip position %d outside 0..%d", j.Work.ID, ply, j.PlyCount()-1)
		}
	}
	return nil
}
