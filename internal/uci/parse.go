package uci

import (
	"strconv"
	"strings"

	"github.com/gbtami/fairyfishnet/internal/protocol"
)

// Snapshot is the consolidated search state merged from the engine's info
// stream. Fields keep the value of the latest line that reported them.
type Snapshot struct {
	Depth    int
	SelDepth int
	MultiPV  int
	Time     int64 // milliseconds
	Nodes    int64
	NPS      int64
	TBHits   int64
	HasTime  bool
	Score    *protocol.Score
	PV       protocol.Variation
}

// Record converts the snapshot into a wire analysis record.
func (s *Snapshot) Record() *protocol.AnalysisRecord {
	return &protocol.AnalysisRecord{
		Depth:    s.Depth,
		SelDepth: s.SelDepth,
		Time:     s.Time,
		Nodes:    s.Nodes,
		NPS:      s.NPS,
		TBHits:   s.TBHits,
		Score:    s.Score,
		PV:       s.PV,
	}
}

func (s *Snapshot) multiPV() int {
	if s.MultiPV == 0 {
		return 1
	}
	return s.MultiPV
}

// integerParam reports whether the parameter takes integer values.
func integerParam(param string) bool {
	switch param {
	case "depth", "seldepth", "time", "nodes", "multipv", "currmovenumber", "hashfull", "nps", "tbhits", "cpuload":
		return true
	}
	return false
}

// introducesParam reports whether the token starts a new parameter
// sequence.
func introducesParam(token string) bool {
	switch token {
	case "depth", "seldepth", "time", "nodes", "multipv", "currmove", "currmovenumber", "hashfull", "nps", "tbhits", "cpuload", "refutation", "currline", "string":
		return true
	}
	return false
}

// infoReducer folds a stream of info lines into a Snapshot. It is
// tolerant: integers it does not track and free text parameters are
// consumed without effect, and the string parameter swallows the rest of
// its line.
type infoReducer struct {
	snap Snapshot
}

// feed merges one info line (without the leading "info") into the
// snapshot.
func (r *infoReducer) feed(arg string) {
	var (
		scoreKind  string
		scoreValue int
		scoreSet   bool
		lowerbound bool
		upperbound bool
	)

	param := ""
	for _, token := range strings.Split(arg, " ") {
		switch {
		case param == "string":
			// everything to the end of the line

		case token == "score":
			param = "score"

		case token == "pv":
			param = "pv"
			if r.snap.multiPV() == 1 {
				r.snap.PV = nil
			}

		case introducesParam(token):
			param = token

		case integerParam(param):
			n, err := strconv.ParseInt(token, 10, 64)
			if err != nil {
				continue
			}
			switch param {
			case "depth":
				r.snap.Depth = int(n)
			case "seldepth":
				r.snap.SelDepth = int(n)
			case "multipv":
				r.snap.MultiPV = int(n)
			case "time":
				r.snap.Time = n
				r.snap.HasTime = true
			case "nodes":
				r.snap.Nodes = n
			case "nps":
				r.snap.NPS = n
			case "tbhits":
				r.snap.TBHits = n
			}

		case param == "score":
			switch token {
			case "cp", "mate":
				scoreKind = token
				scoreSet = false
			case "lowerbound":
				lowerbound = true
			case "upperbound":
				upperbound = true
			default:
				if n, err := strconv.Atoi(token); err == nil {
					scoreValue = n
					scoreSet = true
				}
			}

		case param == "pv":
			if r.snap.multiPV() == 1 {
				r.snap.PV = append(r.snap.PV, token)
			}
		}
	}

	// Keep the old score unless the new one is exact or the old one was
	// itself just a bound.
	if scoreKind != "" && scoreSet {
		bound := lowerbound || upperbound
		if !bound || r.snap.Score == nil || r.snap.Score.Bound() {
			score := &protocol.Score{Lowerbound: lowerbound, Upperbound: upperbound}
			if scoreKind == "cp" {
				score.Cp = &scoreValue
			} else {
				score.Mate = &scoreValue
			}
			r.snap.Score = score
		}
	}
}
