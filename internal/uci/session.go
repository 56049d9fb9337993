package uci

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gbtami/fairyfishnet/internal/protocol"
)

// Defaults for engine supervision.
const (
	DefaultStartTimeout = 30 * time.Second
	DefaultWatchdog     = 60 * time.Second

	// quitGrace is how long a shutting down engine gets to exit on its
	// own before it is killed.
	quitGrace = 2 * time.Second
)

// Config describes how to run and set up an engine process.
type Config struct {
	// Command is the engine executable, with optional arguments.
	Command string
	// Dir is the working directory. Evaluation files are resolved
	// relative to it.
	Dir string

	Threads int
	HashMB  int
	// Options are extra UCI options applied after threads and hash.
	Options map[string]string
	// EvalFiles maps variant names to NNUE networks inside Dir.
	EvalFiles map[string]string

	// StartTimeout bounds each handshake read at startup.
	StartTimeout time.Duration
	// Watchdog is the longest silence tolerated during a search before
	// the engine is presumed hung.
	Watchdog time.Duration

	Logger *slog.Logger
}

// Session owns one engine process from start to shutdown. A session that
// failed or was shut down cannot be restarted; callers build a fresh one.
// Except for Alive, a session must be used from a single goroutine.
type Session struct {
	cfg    Config
	logger *slog.Logger

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	lines    chan string
	waitDone chan struct{}
	waitErr  error
	readErr  error
	pid      int

	attached bool
	closed   bool
	dead     atomic.Bool

	identity protocol.EngineInfo
	variants map[string]bool
}

// NewSession prepares a session; the process is not spawned until Start.
func NewSession(cfg Config) *Session {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.Watchdog <= 0 {
		cfg.Watchdog = DefaultWatchdog
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{cfg: cfg, logger: logger}
}

// Start launches the engine and performs the UCI handshake: collect the
// identity and supported variants, apply options, and wait for readyok.
func (s *Session) Start(ctx context.Context) error {
	if s.attached {
		return &StartupError{Err: fmt.Errorf("session already started")}
	}

	parts := strings.Fields(s.cfg.Command)
	if len(parts) == 0 {
		return &StartupError{Err: fmt.Errorf("no engine command configured")}
	}

	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Dir = s.cfg.Dir
	// Keep the engine out of our signal group; its lifetime is managed
	// explicitly.
	cmd.SysProcAttr = sysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &StartupError{Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &StartupError{Err: err}
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return &StartupError{Err: fmt.Errorf("exec %q: %w", parts[0], err)}
	}

	s.attach(stdin, stdout, cmd)

	if err := s.boot(ctx); err != nil {
		s.Shutdown()
		return &StartupError{Err: err}
	}
	return nil
}

// attach wires the pipes and starts the reader. Split from Start so tests
// can drive a session over in memory pipes.
func (s *Session) attach(stdin io.WriteCloser, stdout io.Reader, cmd *exec.Cmd) {
	s.cmd = cmd
	s.stdin = stdin
	s.lines = make(chan string, 64)
	s.waitDone = make(chan struct{})
	s.attached = true
	if cmd != nil && cmd.Process != nil {
		s.pid = cmd.Process.Pid
	}

	go s.reader(stdout)
	go s.reaper()
}

func (s *Session) reader(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.logger.Debug("engine >>", slog.Int("pid", s.pid), slog.String("line", line))
		s.lines <- line
	}
	if err := scanner.Err(); err != nil {
		s.readErr = err
	}
	s.dead.Store(true)
	close(s.lines)
}

func (s *Session) reaper() {
	if s.cmd == nil {
		close(s.waitDone)
		return
	}
	s.waitErr = s.cmd.Wait()
	s.dead.Store(true)
	close(s.waitDone)
}

// boot negotiates UCI and applies the configured options.
func (s *Session) boot(ctx context.Context) error {
	if err := s.handshake(ctx); err != nil {
		return err
	}
	if err := s.applyOptions(); err != nil {
		return err
	}
	if err := s.isready(ctx); err != nil {
		return err
	}

	s.logger.Info("engine started",
		slog.String("name", s.identity.Name),
		slog.Int("pid", s.pid),
		slog.Int("threads", s.cfg.Threads),
		slog.Int("hash_mb", s.cfg.HashMB),
		slog.Int("variants", len(s.variants)))
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	if err := s.send("uci"); err != nil {
		return err
	}

	s.variants = make(map[string]bool)
	for {
		line, err := s.recv(ctx, s.cfg.StartTimeout, "uci")
		if err != nil {
			return err
		}

		command, arg, _ := strings.Cut(line, " ")
		switch command {
		case "uciok":
			return nil
		case "id":
			if key, value, ok := strings.Cut(arg, " "); ok && key == "name" {
				s.identity.Name = value
			}
		case "option":
			if strings.HasPrefix(arg, "name UCI_Variant type combo default chess") {
				tokens := strings.Split(arg, " ")
				for _, v := range tokens[6:] {
					if v != "var" {
						s.variants[v] = true
					}
				}
			}
		default:
			if strings.Contains(arg, " by ") {
				// engine banner line
				continue
			}
			s.logger.Warn("unexpected engine response to uci", slog.Int("pid", s.pid), slog.String("line", line))
		}
	}
}

// applyOptions sends threads, hash and the configured extras, and records
// them as the engine identity reported to the server.
func (s *Session) applyOptions() error {
	options := map[string]string{
		"threads": strconv.Itoa(s.cfg.Threads),
	}
	if s.cfg.HashMB > 0 {
		options["hash"] = strconv.Itoa(s.cfg.HashMB)
	}
	for name, value := range s.cfg.Options {
		options[name] = value
	}

	names := make([]string, 0, len(options))
	for name := range options {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.SetOption(name, options[name]); err != nil {
			return err
		}
	}

	s.identity.Options = options
	return nil
}

func (s *Session) isready(ctx context.Context) error {
	if err := s.send("isready"); err != nil {
		return err
	}
	for {
		line, err := s.recv(ctx, s.cfg.StartTimeout, "isready")
		if err != nil {
			return err
		}
		if line == "readyok" {
			return nil
		}
		if strings.HasPrefix(line, "info string") {
			continue
		}
		s.logger.Warn("unexpected engine response to isready", slog.Int("pid", s.pid), slog.String("line", line))
	}
}

// NewGame resets engine state between jobs.
func (s *Session) NewGame(ctx context.Context) error {
	if err := s.send("ucinewgame"); err != nil {
		return err
	}
	return s.isready(ctx)
}

// SetOption sends a single UCI option.
func (s *Session) SetOption(name, value string) error {
	return s.send(fmt.Sprintf("setoption name %s value %s", name, value))
}

// SetBool sends a boolean UCI option.
func (s *Session) SetBool(name string, value bool) error {
	return s.SetOption(name, strconv.FormatBool(value))
}

// SetInt sends an integer UCI option.
func (s *Session) SetInt(name string, value int) error {
	return s.SetOption(name, strconv.Itoa(value))
}

// Identity returns the engine identity collected during the handshake.
func (s *Session) Identity() protocol.EngineInfo {
	return s.identity
}

// SupportsVariant reports whether the engine announced the variant in its
// UCI_Variant option.
func (s *Session) SupportsVariant(name string) bool {
	return s.variants[name]
}

// PID returns the engine process id, zero for sessions without a process.
func (s *Session) PID() int {
	return s.pid
}

// Alive reports whether the engine process is still usable.
func (s *Session) Alive() bool {
	return s.attached && !s.closed && !s.dead.Load()
}

// Shutdown asks the engine to quit and kills it if it does not comply in
// time. Safe to call repeatedly.
func (s *Session) Shutdown() {
	if !s.attached || s.closed {
		return
	}
	s.closed = true

	_ = s.send("quit")

	if s.cmd != nil {
		select {
		case <-s.waitDone:
		case <-time.After(quitGrace):
			s.logger.Warn("engine ignored quit, killing", slog.Int("pid", s.pid))
			_ = s.cmd.Process.Kill()
			<-s.waitDone
		}
	} else {
		<-s.waitDone
	}

	// Unblock and retire the reader.
	for range s.lines {
	}
	_ = s.stdin.Close()
}

func (s *Session) send(line string) error {
	s.logger.Debug("engine <<", slog.Int("pid", s.pid), slog.String("line", line))
	if _, err := io.WriteString(s.stdin, line+"\n"); err != nil {
		s.dead.Store(true)
		return &EngineError{Reason: "write", Err: err}
	}
	return nil
}

// recv waits for the next engine line. A closed stream or a silence
// longer than timeout is a dead engine.
func (s *Session) recv(ctx context.Context, timeout time.Duration, op string) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line, ok := <-s.lines:
		if !ok {
			return "", s.failure()
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		s.dead.Store(true)
		return "", &EngineError{Reason: "watchdog", Err: fmt.Errorf("no output for %s during %s", timeout, op)}
	}
}

// failure describes why the line stream ended.
func (s *Session) failure() error {
	select {
	case <-s.waitDone:
		return &EngineError{Reason: "exited", Err: s.waitErr}
	default:
	}
	if s.readErr != nil {
		return &EngineError{Reason: "read", Err: s.readErr}
	}
	return &EngineError{Reason: "closed pipe"}
}
