package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gbtami/fairyfishnet/internal/client"
	"github.com/gbtami/fairyfishnet/internal/config"
	"github.com/gbtami/fairyfishnet/internal/worker"
)

// Version is reported to the work server with every request. The
// server answers every call with an upgrade demand when it is too old.
const Version = "1.16.49"

// Exit codes per sysexits.h, honoured by supervisors that restart or
// upgrade the client based on how it died.
const (
	ExitOK     = 0
	ExitFatal  = 1
	ExitUpdate = 70
	ExitEngine = 71
	ExitConfig = 78
)

// ConfigError marks a configuration problem so the process can exit
// with the dedicated status.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// ExitCode maps the error out of a command to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var configErr *ConfigError
	var credentialsErr *client.CredentialsError
	switch {
	case errors.Is(err, client.ErrUpdateRequired):
		return ExitUpdate
	case errors.As(err, &configErr):
		return ExitConfig
	case errors.As(err, &credentialsErr):
		return ExitConfig
	case errors.Is(err, worker.ErrEngineUnavailable):
		return ExitEngine
	default:
		return ExitFatal
	}
}

// rootFlags carries the command line overrides shared by every
// subcommand.
type rootFlags struct {
	configFile string
	verbose    bool

	key           string
	endpoint      string
	cores         string
	memory        string
	threads       string
	engineCommand string
	engineDir     string
	fixedBackoff  bool
	setOptions    []string
}

func newRootCommand() (*cobra.Command, *rootFlags) {
	flags := &rootFlags{}

	defaultConfig := os.Getenv("FISHNET_CONFIG")
	if defaultConfig == "" {
		defaultConfig = config.DefaultFile
	}

	rootCmd := &cobra.Command{
		Use:          "fairyfishnet",
		Short:        "Distributed Fairy-Stockfish analysis for pychess-variants",
		Version:      Version,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configFile, "config", "c", defaultConfig, "config file path")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "log at debug level")
	pf.StringVar(&flags.key, "key", "", "api key")
	pf.StringVar(&flags.endpoint, "endpoint", "", "work server endpoint")
	pf.StringVar(&flags.cores, "cores", "", "cores to use for engine threads (number, \"auto\" or \"all\")")
	pf.StringVar(&flags.memory, "memory", "", "total hash table budget in MB (number or \"auto\")")
	pf.StringVar(&flags.threads, "threads-per-process", "", "threads per engine process (number or \"auto\")")
	pf.StringVar(&flags.engineCommand, "engine-command", "", "engine executable")
	pf.StringVar(&flags.engineDir, "engine-dir", "", "engine working directory")
	pf.BoolVar(&flags.fixedBackoff, "fixed-backoff", false, "retry at a fixed interval instead of backing off")
	pf.StringArrayVar(&flags.setOptions, "setoption", nil, "extra UCI option as NAME=VALUE (repeatable)")

	rootCmd.AddCommand(buildRunCommand(flags))
	rootCmd.AddCommand(buildConfigureCommand(flags))
	rootCmd.AddCommand(buildSystemdCommand(flags))

	return rootCmd, flags
}

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

// Execute runs the command line client.
func Execute() error {
	return BuildCLI().Execute()
}

// loadConfig reads the config file when it exists and lays the command
// line flags over it. A config file named explicitly must exist.
func loadConfig(cmd *cobra.Command, flags *rootFlags) (*config.Config, error) {
	var cfg *config.Config

	if _, err := os.Stat(flags.configFile); err == nil {
		cfg, err = config.Load(flags.configFile)
		if err != nil {
			return nil, &ConfigError{Err: err}
		}
	} else if cmd.Flags().Changed("config") {
		return nil, &ConfigError{Err: fmt.Errorf("config file %s does not exist", flags.configFile)}
	} else {
		cfg = config.Default()
	}

	if err := applyFlags(cmd, flags, cfg); err != nil {
		return nil, &ConfigError{Err: err}
	}
	return cfg, nil
}

// applyFlags copies every flag the user actually set into the config.
func applyFlags(cmd *cobra.Command, flags *rootFlags, cfg *config.Config) error {
	set := cmd.Flags().Changed

	if set("key") {
		cfg.Key = flags.key
	}
	if set("endpoint") {
		cfg.Endpoint = flags.endpoint
	}
	if set("cores") {
		cfg.Cores = flags.cores
	}
	if set("memory") {
		cfg.Memory = flags.memory
	}
	if set("threads-per-process") {
		cfg.ThreadsPerProcess = flags.threads
	}
	if set("engine-command") {
		cfg.Engine.Command = flags.engineCommand
	}
	if set("engine-dir") {
		cfg.Engine.Dir = flags.engineDir
	}
	if set("fixed-backoff") {
		cfg.FixedBackoff = flags.fixedBackoff
	}
	if flags.verbose {
		cfg.Logging.Level = "debug"
	}

	for _, option := range flags.setOptions {
		name, value, ok := strings.Cut(option, "=")
		if !ok {
			return fmt.Errorf("invalid --setoption %q: expected NAME=VALUE", option)
		}
		if cfg.Engine.Options == nil {
			cfg.Engine.Options = map[string]string{}
		}
		cfg.Engine.Options[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}

	return nil
}
