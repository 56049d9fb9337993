package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gbtami/fairyfishnet/internal/client"
	"github.com/gbtami/fairyfishnet/internal/config"
	"github.com/gbtami/fairyfishnet/shared/logger"
)

func buildConfigureCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Write a configuration file interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if _, err := os.Stat(flags.configFile); err == nil {
				loaded, err := config.Load(flags.configFile)
				if err != nil {
					return &ConfigError{Err: err}
				}
				cfg = loaded
			}
			if err := applyFlags(cmd, flags, cfg); err != nil {
				return &ConfigError{Err: err}
			}

			session := &configureSession{
				in:       bufio.NewScanner(cmd.InOrStdin()),
				out:      cmd.OutOrStdout(),
				checkKey: onlineKeyCheck,
			}
			if err := session.run(cfg, flags.configFile); err != nil {
				return err
			}

			if err := cfg.Save(flags.configFile); err != nil {
				return &ConfigError{Err: err}
			}
			fmt.Fprintf(session.out, "Configuration saved to %s.\n", flags.configFile)
			return nil
		},
	}
}

// configureSession drives the interactive prompts. Answers come from
// in, prompts and validation errors go to out.
type configureSession struct {
	in  *bufio.Scanner
	out io.Writer

	// checkKey asks the server about a key. nil skips online checks.
	checkKey func(endpoint, key string) error
}

func (s *configureSession) run(cfg *config.Config, path string) error {
	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, "### Configuration")
	fmt.Fprintln(s.out)

	if err := s.ask(fmt.Sprintf("Engine working directory (default: %s): ", cfg.Engine.Dir), func(answer string) error {
		if answer != "" {
			cfg.Engine.Dir = answer
		}
		return nil
	}); err != nil {
		return err
	}

	if err := s.ask(fmt.Sprintf("Engine command (default: %s): ", cfg.Engine.Command), func(answer string) error {
		if answer != "" {
			cfg.Engine.Command = answer
		}
		return nil
	}); err != nil {
		return err
	}

	defaultCores, err := config.ParseCores(cfg.Cores)
	if err != nil {
		defaultCores, _ = config.ParseCores("auto")
	}
	if err := s.ask(fmt.Sprintf("Number of cores to use for engine threads (default %d, max %d): ", defaultCores, runtime.NumCPU()), func(answer string) error {
		if answer == "" {
			return nil
		}
		if _, err := config.ParseCores(answer); err != nil {
			return err
		}
		cfg.Cores = answer
		return nil
	}); err != nil {
		return err
	}

	advanced := false
	if err := s.askBool("Configure advanced options? (default: no) ", false, &advanced); err != nil {
		return err
	}
	if advanced {
		if err := s.ask(fmt.Sprintf("Fishnet API endpoint (default: %s): ", cfg.Endpoint), func(answer string) error {
			endpoint, err := config.ParseEndpoint(answer, cfg.Endpoint)
			if err != nil {
				return err
			}
			cfg.Endpoint = endpoint
			return nil
		}); err != nil {
			return err
		}
	}

	askKey := true
	if cfg.Key != "" {
		change := false
		if err := s.askBool("Change fishnet key? (default: no) ", false, &change); err != nil {
			return err
		}
		askKey = change
	}
	if askKey {
		status := "probably not required"
		if cfg.ProductionEndpoint() {
			status = "required"
		}
		if err := s.ask(fmt.Sprintf("Personal fishnet key (append ! to force, %s): ", status), func(answer string) error {
			key, verify, err := config.ParseKey(answer, cfg.ProductionEndpoint())
			if err != nil {
				return err
			}
			if verify && key != "" && s.checkKey != nil {
				if err := s.checkKey(cfg.Endpoint, key); err != nil {
					return err
				}
			}
			cfg.Key = key
			return nil
		}); err != nil {
			return err
		}
	}

	fmt.Fprintln(s.out)
	confirmed := false
	for !confirmed {
		if err := s.askBool(fmt.Sprintf("Done. Write configuration to %s now? (default: yes) ", path), true, &confirmed); err != nil {
			return err
		}
	}
	return nil
}

// ask prompts until the answer is accepted. Rejections are printed and
// the question repeats.
func (s *configureSession) ask(prompt string, accept func(string) error) error {
	for {
		fmt.Fprint(s.out, prompt)
		if !s.in.Scan() {
			if err := s.in.Err(); err != nil {
				return err
			}
			return io.ErrUnexpectedEOF
		}
		if err := accept(strings.TrimSpace(s.in.Text())); err != nil {
			fmt.Fprintln(s.out, err)
			continue
		}
		return nil
	}
}

func (s *configureSession) askBool(prompt string, fallback bool, dest *bool) error {
	return s.ask(prompt, func(answer string) error {
		value, err := parseBool(answer, fallback)
		if err != nil {
			return err
		}
		*dest = value
		return nil
	})
}

// parseBool accepts the usual yes/no spellings, empty means fallback.
func parseBool(value string, fallback bool) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return fallback, nil
	case "y", "j", "yes", "yep", "true", "t":
		return true, nil
	case "n", "no", "nop", "nope", "f", "false":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean value: %q", value)
}

// onlineKeyCheck verifies a key against the server before it is saved.
func onlineKeyCheck(endpoint, key string) error {
	resolved, err := config.ParseEndpoint(endpoint, config.DefaultEndpoint)
	if err != nil {
		return err
	}

	cl, err := client.New(client.Config{Endpoint: resolved, Key: key, Version: Version}, logger.NewDefault().Logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), client.DefaultTimeout)
	defer cancel()

	if err := cl.CheckKey(ctx); err != nil {
		var credentials *client.CredentialsError
		if errors.As(err, &credentials) {
			return fmt.Errorf("invalid or inactive fishnet key")
		}
		return err
	}
	return nil
}
