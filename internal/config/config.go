package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrKeyRequired marks a configuration without an api key against an
// endpoint that demands one.
var ErrKeyRequired = errors.New("api key is required")

const (
	// DefaultEndpoint is the public variant analysis queue.
	DefaultEndpoint = "https://pychess-variants.herokuapp.com/fishnet/"

	// DefaultFile is where Load looks when no path is given.
	DefaultFile = "fishnet.yml"

	// DefaultThreadsPerProcess caps engine threads when sizing is
	// automatic.
	DefaultThreadsPerProcess = 3

	// Hash table bounds per engine process, in MB.
	HashMin     = 16
	HashDefault = 256
	HashMax     = 512

	// LevelCount is how many playing strength levels the tables cover.
	LevelCount = 8
)

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// Config represents the complete client configuration.
type Config struct {
	Endpoint string `yaml:"endpoint"`
	Key      string `yaml:"key"`

	// Cores, Memory and ThreadsPerProcess accept a number or "auto";
	// Cores also accepts "all". Resolution happens in Resources.
	Cores             string `yaml:"cores"`
	Memory            string `yaml:"memory"`
	ThreadsPerProcess string `yaml:"threads_per_process"`

	// FixedBackoff retries at a short fixed interval instead of
	// backing off exponentially. Meant for development servers.
	FixedBackoff bool `yaml:"fixed_backoff"`

	Engine  EngineConfig  `yaml:"engine"`
	HTTP    HTTPConfig    `yaml:"http"`
	Worker  WorkerConfig  `yaml:"worker"`
	Levels  LevelsConfig  `yaml:"levels"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// EngineConfig holds the engine subprocess configuration.
type EngineConfig struct {
	Command string `yaml:"command"`
	Dir     string `yaml:"dir"`

	// Options are extra UCI options applied to every engine.
	Options map[string]string `yaml:"options"`
	// EvalFiles maps variant names to NNUE networks inside Dir.
	EvalFiles map[string]string `yaml:"eval_files"`

	StartTimeout time.Duration `yaml:"start_timeout"`
	Watchdog     time.Duration `yaml:"watchdog"`
}

// HTTPConfig holds work server connection configuration.
type HTTPConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// WorkerConfig holds job processing configuration. Zero values fall
// back to the worker defaults.
type WorkerConfig struct {
	AnalysisNodes     int64         `yaml:"analysis_nodes"`
	AnalysisMoveTime  time.Duration `yaml:"analysis_movetime"`
	ProgressInterval  time.Duration `yaml:"progress_interval"`
	MaxEngineRestarts int           `yaml:"max_engine_restarts"`
	StartupAttempts   int           `yaml:"startup_attempts"`
	ReportAttempts    int           `yaml:"report_attempts"`
	StatsInterval     time.Duration `yaml:"stats_interval"`
}

// LevelsConfig overrides the built-in playing strength tables. Either
// all three tables are given, with one entry per level, or none.
type LevelsConfig struct {
	Skill    []int           `yaml:"skill"`
	MoveTime []time.Duration `yaml:"movetime"`
	Depth    []int           `yaml:"depth"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig holds the optional Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a configuration suitable for the public queue.
func Default() *Config {
	return &Config{
		Endpoint:          DefaultEndpoint,
		Cores:             "auto",
		Memory:            "auto",
		ThreadsPerProcess: "auto",
		Engine: EngineConfig{
			Command: "fairy-stockfish",
			Dir:     ".",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads a YAML configuration file. Missing values keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration without touching the network.
func (c *Config) Validate() error {
	if _, err := c.ResolveEndpoint(); err != nil {
		return err
	}

	if _, _, err := ParseKey(c.Key, c.ProductionEndpoint()); err != nil {
		return err
	}

	if _, err := c.Resources(); err != nil {
		return err
	}

	if strings.TrimSpace(c.Engine.Command) == "" {
		return fmt.Errorf("engine command is required")
	}

	if c.Engine.StartTimeout < 0 {
		return fmt.Errorf("engine start_timeout must not be negative")
	}

	if c.Engine.Watchdog < 0 {
		return fmt.Errorf("engine watchdog must not be negative")
	}

	if c.HTTP.Timeout < 0 {
		return fmt.Errorf("http timeout must not be negative")
	}

	if c.HTTP.MaxBackoff < 0 {
		return fmt.Errorf("http max_backoff must not be negative")
	}

	if c.Worker.AnalysisNodes < 0 {
		return fmt.Errorf("worker analysis_nodes must not be negative")
	}

	if c.Worker.AnalysisMoveTime < 0 {
		return fmt.Errorf("worker analysis_movetime must not be negative")
	}

	if c.Worker.ProgressInterval < 0 {
		return fmt.Errorf("worker progress_interval must not be negative")
	}

	if c.Worker.StatsInterval < 0 {
		return fmt.Errorf("worker stats_interval must not be negative")
	}

	if err := c.validateLevels(); err != nil {
		return err
	}

	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %q (must be console or json)", c.Logging.Format)
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics addr is required when metrics are enabled")
	}

	return nil
}

func (c *Config) validateLevels() error {
	if len(c.Levels.Skill) == 0 && len(c.Levels.MoveTime) == 0 && len(c.Levels.Depth) == 0 {
		return nil
	}
	if len(c.Levels.Skill) != LevelCount || len(c.Levels.MoveTime) != LevelCount || len(c.Levels.Depth) != LevelCount {
		return fmt.Errorf("levels tables must cover exactly %d levels", LevelCount)
	}
	return nil
}

// ResolveEndpoint is the endpoint with the default and a trailing
// slash applied.
func (c *Config) ResolveEndpoint() (string, error) {
	return ParseEndpoint(c.Endpoint, DefaultEndpoint)
}

// ProductionEndpoint reports whether the configuration points at the
// public queue, where an api key is mandatory.
func (c *Config) ProductionEndpoint() bool {
	endpoint, err := c.ResolveEndpoint()
	if err != nil {
		return false
	}
	return strings.HasPrefix(endpoint, DefaultEndpoint)
}

// Resources is the sizing derived from cores, threads and memory: one
// engine process per slot, threads spread as evenly as the division
// allows, the hash budget split equally.
type Resources struct {
	Cores   int
	HashMB  int
	Threads []int
}

// Slots is the number of engine processes to run.
func (r *Resources) Slots() int {
	return len(r.Threads)
}

// Resources resolves the sizing fields into a concrete plan.
func (c *Config) Resources() (*Resources, error) {
	cores, err := ParseCores(c.Cores)
	if err != nil {
		return nil, err
	}
	threads, err := ParseThreads(c.ThreadsPerProcess, cores)
	if err != nil {
		return nil, err
	}
	memory, err := ParseMemory(c.Memory, cores, threads)
	if err != nil {
		return nil, err
	}

	instances := cores / threads
	if instances < 1 {
		instances = 1
	}

	return &Resources{
		Cores:   cores,
		HashMB:  memory / instances,
		Threads: coreBuckets(cores, instances),
	}, nil
}

// coreBuckets deals cores out over the instances round-robin, so
// uneven divisions leave the first slots one thread richer.
func coreBuckets(cores, instances int) []int {
	buckets := make([]int, instances)
	for i := 0; i < cores; i++ {
		buckets[i%instances]++
	}
	return buckets
}

// ParseCores resolves a core count. "auto" (or empty) keeps one core
// free for the rest of the system, "all" takes every core.
func ParseCores(value string) (int, error) {
	value = strings.TrimSpace(strings.ToLower(value))
	switch value {
	case "", "auto":
		cores := runtime.NumCPU() - 1
		if cores < 1 {
			cores = 1
		}
		return cores, nil
	case "all":
		return runtime.NumCPU(), nil
	}

	cores, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("number of cores must be an integer, \"auto\" or \"all\"")
	}
	if cores < 1 {
		return 0, fmt.Errorf("need at least one core")
	}
	if cores > runtime.NumCPU() {
		return 0, fmt.Errorf("only %d cores available on this machine", runtime.NumCPU())
	}
	return cores, nil
}

// ParseThreads resolves the threads per engine process, never more
// than there are cores.
func ParseThreads(value string, cores int) (int, error) {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" || value == "auto" {
		if cores < DefaultThreadsPerProcess {
			return cores, nil
		}
		return DefaultThreadsPerProcess, nil
	}

	threads, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("threads per process must be an integer or \"auto\"")
	}
	if threads < 1 {
		return 0, fmt.Errorf("need at least one thread per engine process")
	}
	if threads > cores {
		return 0, fmt.Errorf("%d cores is not enough to run %d threads", cores, threads)
	}
	return threads, nil
}

// ParseMemory resolves the hash table budget in MB across all engine
// processes.
func ParseMemory(value string, cores, threads int) (int, error) {
	processes := cores / threads
	if processes < 1 {
		processes = 1
	}

	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" || value == "auto" {
		return processes * HashDefault, nil
	}

	memory, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("memory must be an integer or \"auto\"")
	}
	if memory < processes*HashMin {
		return 0, fmt.Errorf("not enough memory for a minimum of %d x %d MB hash tables", processes, HashMin)
	}
	if memory > processes*HashMax {
		return 0, fmt.Errorf("cannot reasonably use more than %d x %d MB = %d MB for hash tables", processes, HashMax, processes*HashMax)
	}
	return memory, nil
}

// ParseEndpoint normalizes an endpoint URL, falling back when empty.
func ParseEndpoint(value, fallback string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	if !strings.HasSuffix(value, "/") {
		value += "/"
	}

	u, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", value, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("endpoint %q: scheme must be http or https", value)
	}
	return value, nil
}

// ParseKey checks an api key. Keys are required against the public
// queue and must be alphanumeric. A trailing "!" marks a key that
// should be accepted without asking the server; the returned verify
// flag is false then.
func ParseKey(value string, production bool) (key string, verify bool, err error) {
	key = strings.TrimSpace(value)
	if key == "" {
		if production {
			return "", false, fmt.Errorf("%w for %s", ErrKeyRequired, DefaultEndpoint)
		}
		return "", false, nil
	}

	verify = !strings.HasSuffix(key, "!")
	key = strings.TrimSpace(strings.TrimRight(key, "!"))
	if !keyPattern.MatchString(key) {
		return "", false, fmt.Errorf("api key is expected to be alphanumeric")
	}
	return key, verify, nil
}
