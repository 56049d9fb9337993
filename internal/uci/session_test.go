package uci

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbtami/fairyfishnet/internal/protocol"
)

// closeStream makes the scripted engine close its output, simulating a
// crash mid command.
const closeStream = "\x00close"

type commandLog struct {
	mu    sync.Mutex
	lines []string
}

func (c *commandLog) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *commandLog) contains(line string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.lines {
		if l == line {
			return true
		}
	}
	return false
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestSession attaches a session to a scripted engine speaking over in
// memory pipes. The handler maps each received command to response lines.
func newTestSession(t *testing.T, cfg Config, handler func(line string) []string) (*Session, *commandLog) {
	t.Helper()

	if cfg.Threads == 0 {
		cfg.Threads = 1
	}
	if cfg.HashMB == 0 {
		cfg.HashMB = 16
	}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 2 * time.Second
	}
	if cfg.Watchdog == 0 {
		cfg.Watchdog = 2 * time.Second
	}
	cfg.Logger = quietLogger()

	cmdR, cmdW := io.Pipe()
	outR, outW := io.Pipe()

	s := NewSession(cfg)
	s.attach(cmdW, outR, nil)

	log := &commandLog{}
	go func() {
		defer cmdR.Close()
		scanner := bufio.NewScanner(cmdR)
		for scanner.Scan() {
			line := scanner.Text()
			log.add(line)
			if line == "quit" {
				outW.Close()
				return
			}
			for _, resp := range handler(line) {
				if resp == closeStream {
					outW.Close()
					return
				}
				fmt.Fprintln(outW, resp)
			}
		}
		outW.Close()
	}()

	t.Cleanup(s.Shutdown)
	return s, log
}

func stockfishScript(line string) []string {
	switch {
	case line == "uci":
		return []string{
			"Fairy-Stockfish 14 by Fabian Fichter",
			"id name Fairy-Stockfish 14",
			"id author Fabian Fichter",
			"option name Threads type spin default 1 min 1 max 512",
			"option name UCI_Variant type combo default chess var chess var crazyhouse var atomic",
			"uciok",
		}
	case line == "isready":
		return []string{"readyok"}
	case strings.HasPrefix(line, "go"):
		return []string{
			"info string classical evaluation enabled",
			"info depth 1 seldepth 1 time 4 nodes 120 score cp 25 nps 30000 pv e2e4",
			"info depth 2 seldepth 3 time 9 nodes 500 score cp 31 nps 55000 pv e2e4 e7e5",
			"bestmove e2e4 ponder e7e5",
		}
	}
	return nil
}

func TestSessionBoot(t *testing.T) {
	s, log := newTestSession(t, Config{Options: map[string]string{"Move Overhead": "100"}}, stockfishScript)
	require.NoError(t, s.boot(context.Background()))

	id := s.Identity()
	assert.Equal(t, "Fairy-Stockfish 14", id.Name)
	assert.Equal(t, "1", id.Options["threads"])
	assert.Equal(t, "16", id.Options["hash"])
	assert.Equal(t, "100", id.Options["Move Overhead"])

	assert.True(t, s.SupportsVariant("crazyhouse"))
	assert.True(t, s.SupportsVariant("chess"))
	assert.False(t, s.SupportsVariant("makruk"))
	assert.True(t, s.Alive())

	assert.True(t, log.contains("setoption name threads value 1"))
	assert.True(t, log.contains("setoption name hash value 16"))
	assert.True(t, log.contains("setoption name Move Overhead value 100"))
}

func TestSessionBootToleratesUnknownLines(t *testing.T) {
	s, _ := newTestSession(t, Config{}, func(line string) []string {
		switch line {
		case "uci":
			return []string{"something unexpected", "id name Tiny", "uciok"}
		case "isready":
			return []string{"info string warming up", "readyok"}
		}
		return nil
	})

	require.NoError(t, s.boot(context.Background()))
	assert.Equal(t, "Tiny", s.Identity().Name)
}

func TestSessionSearch(t *testing.T) {
	s, log := newTestSession(t, Config{}, stockfishScript)
	require.NoError(t, s.boot(context.Background()))

	pos := Position{FEN: protocol.StartingFEN, Moves: protocol.Variation{"e2e4", "e7e5"}}
	res, err := s.Search(context.Background(), pos, Limits{MoveTime: 100 * time.Millisecond, Nodes: 4000})
	require.NoError(t, err)

	assert.Equal(t, "e2e4", res.BestMove)
	assert.Equal(t, 2, res.Depth)
	assert.Equal(t, int64(500), res.Nodes)
	require.NotNil(t, res.Score)
	assert.Equal(t, 31, *res.Score.Cp)
	assert.Equal(t, protocol.Variation{"e2e4", "e7e5"}, res.PV)

	assert.True(t, log.contains("position fen "+protocol.StartingFEN+" moves e2e4 e7e5"))
	assert.True(t, log.contains("go movetime 100 nodes 4000"))
}

func TestSessionSearchWithClock(t *testing.T) {
	s, log := newTestSession(t, Config{}, stockfishScript)
	require.NoError(t, s.boot(context.Background()))

	limits := Limits{
		MoveTime: 500 * time.Millisecond,
		Depth:    8,
		Clock:    &protocol.Clock{Wtime: 12000, Btime: 600, Inc: 3},
	}
	_, err := s.Search(context.Background(), Position{FEN: protocol.StartingFEN}, limits)
	require.NoError(t, err)

	assert.True(t, log.contains("position fen "+protocol.StartingFEN))
	assert.True(t, log.contains("go movetime 500 depth 8 wtime 120000 btime 6000 winc 3000 binc 3000"))
}

func TestSessionSearchTerminalPosition(t *testing.T) {
	s, _ := newTestSession(t, Config{}, func(line string) []string {
		switch {
		case line == "uci":
			return []string{"id name Tiny", "uciok"}
		case line == "isready":
			return []string{"readyok"}
		case strings.HasPrefix(line, "go"):
			return []string{"info depth 0 score mate 0", "bestmove (none)"}
		}
		return nil
	})
	require.NoError(t, s.boot(context.Background()))

	res, err := s.Search(context.Background(), Position{FEN: protocol.StartingFEN}, Limits{MoveTime: time.Second})
	require.NoError(t, err)

	assert.Empty(t, res.BestMove)
	require.NotNil(t, res.Score)
	require.NotNil(t, res.Score.Mate)
	assert.Equal(t, 0, *res.Score.Mate)
}

func TestSessionWatchdog(t *testing.T) {
	s, _ := newTestSession(t, Config{Watchdog: 50 * time.Millisecond}, func(line string) []string {
		switch line {
		case "uci":
			return []string{"id name Tiny", "uciok"}
		case "isready":
			return []string{"readyok"}
		}
		return nil // silence after go
	})
	require.NoError(t, s.boot(context.Background()))

	_, err := s.Search(context.Background(), Position{FEN: protocol.StartingFEN}, Limits{MoveTime: time.Second})
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "watchdog", ee.Reason)
	assert.False(t, s.Alive())
}

func TestSessionEngineCrashMidSearch(t *testing.T) {
	s, _ := newTestSession(t, Config{}, func(line string) []string {
		switch {
		case line == "uci":
			return []string{"id name Tiny", "uciok"}
		case line == "isready":
			return []string{"readyok"}
		case strings.HasPrefix(line, "go"):
			return []string{"info depth 1 score cp 3", closeStream}
		}
		return nil
	})
	require.NoError(t, s.boot(context.Background()))

	_, err := s.Search(context.Background(), Position{FEN: protocol.StartingFEN}, Limits{MoveTime: time.Second})
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.False(t, s.Alive())
}

func TestSessionSearchCancelled(t *testing.T) {
	s, log := newTestSession(t, Config{}, func(line string) []string {
		switch line {
		case "uci":
			return []string{"id name Tiny", "uciok"}
		case "isready":
			return []string{"readyok"}
		case "stop":
			return []string{"info depth 7 score cp 12", "bestmove e2e4"}
		}
		return nil
	})
	require.NoError(t, s.boot(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := s.Search(ctx, Position{FEN: protocol.StartingFEN}, Limits{MoveTime: time.Second})
	assert.ErrorIs(t, err, context.Canceled)

	// The search was halted and drained, so the engine stays usable.
	assert.True(t, log.contains("stop"))
	assert.True(t, s.Alive())
	require.NoError(t, s.NewGame(context.Background()))
}

func TestSessionSearchCancelledEngineIgnoresStop(t *testing.T) {
	s, _ := newTestSession(t, Config{Watchdog: 50 * time.Millisecond}, func(line string) []string {
		switch line {
		case "uci":
			return []string{"id name Tiny", "uciok"}
		case "isready":
			return []string{"readyok"}
		}
		return nil // silent after go and stop
	})
	require.NoError(t, s.boot(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := s.Search(ctx, Position{FEN: protocol.StartingFEN}, Limits{MoveTime: time.Second})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.Alive())
}

func TestSessionNewGame(t *testing.T) {
	s, log := newTestSession(t, Config{}, stockfishScript)
	require.NoError(t, s.boot(context.Background()))

	require.NoError(t, s.NewGame(context.Background()))
	assert.True(t, log.contains("ucinewgame"))
}

func TestSessionConfigureVariant(t *testing.T) {
	s, log := newTestSession(t, Config{}, stockfishScript)
	require.NoError(t, s.boot(context.Background()))

	require.NoError(t, s.ConfigureVariant("standard", false, true))
	require.NoError(t, s.NewGame(context.Background()))
	assert.True(t, log.contains("setoption name UCI_Chess960 value false"))
	assert.True(t, log.contains("setoption name UCI_Variant value chess"))

	require.NoError(t, s.ConfigureVariant("atomic", true, true))
	require.NoError(t, s.NewGame(context.Background()))
	assert.True(t, log.contains("setoption name UCI_Chess960 value true"))
	assert.True(t, log.contains("setoption name UCI_Variant value atomic"))
}

func TestSessionConfigureVariantEvalFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crazyhouse-8ebf84784ad2.nnue"), []byte("net"), 0o644))

	cfg := Config{
		Dir:       dir,
		EvalFiles: map[string]string{"crazyhouse": "crazyhouse-8ebf84784ad2.nnue"},
	}

	s, log := newTestSession(t, cfg, stockfishScript)
	require.NoError(t, s.boot(context.Background()))

	require.NoError(t, s.ConfigureVariant("crazyhouse", false, true))
	require.NoError(t, s.NewGame(context.Background()))
	assert.True(t, log.contains("setoption name EvalFile value crazyhouse-8ebf84784ad2.nnue"))

	// NNUE disabled by the job: the network must not be loaded.
	s2, log2 := newTestSession(t, cfg, stockfishScript)
	require.NoError(t, s2.boot(context.Background()))
	require.NoError(t, s2.ConfigureVariant("crazyhouse", false, false))
	require.NoError(t, s2.NewGame(context.Background()))
	assert.False(t, log2.contains("setoption name EvalFile value crazyhouse-8ebf84784ad2.nnue"))
}

func TestSessionStartFailures(t *testing.T) {
	var se *StartupError

	s := NewSession(Config{Command: "/nonexistent/engine-binary", Logger: quietLogger()})
	require.ErrorAs(t, s.Start(context.Background()), &se)

	s = NewSession(Config{Logger: quietLogger()})
	require.ErrorAs(t, s.Start(context.Background()), &se)
}

func TestSessionShutdownIdempotent(t *testing.T) {
	s, _ := newTestSession(t, Config{}, stockfishScript)
	require.NoError(t, s.boot(context.Background()))

	s.Shutdown()
	s.Shutdown()
	assert.False(t, s.Alive())
}
