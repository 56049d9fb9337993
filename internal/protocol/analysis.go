package protocol

import (
	"encoding/json"
	"strings"
)

// Variation is a sequence of UCI moves, carried on the wire as a single
// space separated string.
type Variation []string

func (v Variation) String() string {
	return strings.Join(v, " ")
}

// MarshalJSON encodes the variation as one string.
func (v Variation) MarshalJSON() ([]byte, error) {
	return json.Marshal(strings.Join(v, " "))
}

// UnmarshalJSON splits a space separated move string. An empty string
// decodes to a nil variation.
func (v *Variation) UnmarshalJSON(data []byte) error {
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return err
	}
	moves := strings.Fields(joined)
	if len(moves) == 0 {
		*v = nil
		return nil
	}
	*v = moves
	return nil
}

// Score is an engine evaluation, in centipawns or moves to mate. Exactly
// one of Cp and Mate is set; a mate in zero marks a finished game.
type Score struct {
	Cp         *int `json:"cp,omitempty"`
	Mate       *int `json:"mate,omitempty"`
	Lowerbound bool `json:"lowerbound,omitempty"`
	Upperbound bool `json:"upperbound,omitempty"`
}

// CpScore returns an exact centipawn score.
func CpScore(cp int) *Score {
	return &Score{Cp: &cp}
}

// MateScore returns a mate in n score. Negative n means the side to move
// is being mated.
func MateScore(n int) *Score {
	return &Score{Mate: &n}
}

// Bound reports whether the score is only a lower or upper bound.
func (s *Score) Bound() bool {
	return s.Lowerbound || s.Upperbound
}

// AnalysisRecord is the evaluation of a single ply. A skipped record
// carries nothing but the skipped flag; a populated one always has a depth
// and a score.
type AnalysisRecord struct {
	Skipped  bool      `json:"skipped,omitempty"`
	Depth    int       `json:"depth"`
	SelDepth int       `json:"seldepth,omitempty"`
	Time     int64     `json:"time,omitempty"`
	Nodes    int64     `json:"nodes,omitempty"`
	NPS      int64     `json:"nps,omitempty"`
	TBHits   int64     `json:"tbhits,omitempty"`
	Score    *Score    `json:"score,omitempty"`
	PV       Variation `json:"pv,omitempty"`
}

// SkippedRecord marks a ply the server asked not to analyse.
func SkippedRecord() *AnalysisRecord {
	return &AnalysisRecord{Skipped: true}
}

// MarshalJSON keeps skipped records down to their marker so the server
// never sees half filled fields next to it.
func (r *AnalysisRecord) MarshalJSON() ([]byte, error) {
	if r.Skipped {
		return []byte(`{"skipped":true}`), nil
	}
	type plain AnalysisRecord
	return json.Marshal((*plain)(r))
}

// MoveResult carries the move chosen for a play request. BestMove is null
// when the position is already decided.
type MoveResult struct {
	BestMove *string `json:"bestmove"`
}

// BestMove builds a move result, mapping the empty move to null.
func BestMove(uciMove string) MoveResult {
	if uciMove == "" {
		return MoveResult{}
	}
	return MoveResult{BestMove: &uciMove}
}
