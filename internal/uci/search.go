package uci

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gbtami/fairyfishnet/internal/protocol"
)

// Position is a point in a game, reached by playing Moves from FEN.
type Position struct {
	FEN   string
	Moves protocol.Variation
}

// Limits bound a single search. Zero fields are left out of the go
// command. Clock follows the work server convention: wtime and btime in
// centiseconds, inc in seconds.
type Limits struct {
	MoveTime time.Duration
	Depth    int
	Nodes    int64
	Clock    *protocol.Clock
}

// Result is a finished search: the final snapshot plus the move the
// engine settled on. BestMove is empty when the engine has none, which
// marks a finished game.
type Result struct {
	Snapshot
	BestMove string
}

// Search runs one go command and consumes the info stream until the
// engine reports its best move. Silence past the watchdog fails the
// session.
func (s *Session) Search(ctx context.Context, pos Position, limits Limits) (*Result, error) {
	if err := s.send(positionCommand(pos)); err != nil {
		return nil, err
	}
	if err := s.send(goCommand(limits)); err != nil {
		return nil, err
	}

	var reducer infoReducer
	for {
		line, err := s.recv(ctx, s.cfg.Watchdog, "go")
		if err != nil {
			if ctx.Err() != nil && s.Alive() {
				// Halt the abandoned search so the engine stays in sync
				// for whoever uses the session next.
				_ = s.Stop()
			}
			return nil, err
		}

		command, arg, _ := strings.Cut(line, " ")
		switch command {
		case "bestmove":
			result := &Result{Snapshot: reducer.snap}
			if move := strings.Fields(arg); len(move) > 0 && move[0] != "(none)" {
				result.BestMove = move[0]
			}
			return result, nil
		case "info":
			reducer.feed(arg)
		default:
			s.logger.Warn("unexpected engine response to go", slog.Int("pid", s.pid), slog.String("line", line))
		}
	}
}

// Stop asks the engine to end the search in progress and discards its
// remaining output until the bestmove terminator arrives. An engine that
// ignores the request past the watchdog is declared dead.
func (s *Session) Stop() error {
	if err := s.send("stop"); err != nil {
		return err
	}
	for {
		line, err := s.recv(context.Background(), s.cfg.Watchdog, "stop")
		if err != nil {
			return err
		}
		if strings.HasPrefix(line, "bestmove") {
			return nil
		}
	}
}

func positionCommand(pos Position) string {
	fen := pos.FEN
	if fen == "" {
		fen = protocol.StartingFEN
	}
	if len(pos.Moves) == 0 {
		return "position fen " + fen
	}
	return "position fen " + fen + " moves " + pos.Moves.String()
}

func goCommand(limits Limits) string {
	parts := []string{"go"}
	if limits.MoveTime > 0 {
		parts = append(parts, "movetime", strconv.FormatInt(limits.MoveTime.Milliseconds(), 10))
	}
	if limits.Depth > 0 {
		parts = append(parts, "depth", strconv.Itoa(limits.Depth))
	}
	if limits.Nodes > 0 {
		parts = append(parts, "nodes", strconv.FormatInt(limits.Nodes, 10))
	}
	if c := limits.Clock; c != nil {
		parts = append(parts,
			"wtime", strconv.Itoa(c.Wtime*10),
			"btime", strconv.Itoa(c.Btime*10),
			"winc", strconv.Itoa(c.Inc*1000),
			"binc", strconv.Itoa(c.Inc*1000))
	}
	return strings.Join(parts, " ")
}
