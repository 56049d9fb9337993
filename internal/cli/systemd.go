package cli

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

const unitTemplate = `[Unit]
Description=Fishnet instance
After=network-online.target
Wants=network-online.target

[Service]
ExecStart=%s
WorkingDirectory=%s
ReadWriteDirectories=%s
User=%s
Group=%s
Nice=5
CapabilityBoundingSet=
PrivateTmp=true
PrivateDevices=true
DevicePolicy=closed
ProtectSystem=full
NoNewPrivileges=true
Restart=always

[Install]
WantedBy=multi-user.target
`

func buildSystemdCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "systemd",
		Short: "Print a systemd service definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			unit, err := systemdUnit(cmd, flags)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), unit)

			stderr := cmd.ErrOrStderr()
			if os.Geteuid() == 0 {
				fmt.Fprintln(stderr, "# WARNING: Running as root is not recommended!")
			}
			if isatty.IsTerminal(os.Stdout.Fd()) {
				fmt.Fprintln(stderr)
				fmt.Fprintln(stderr, "# Example usage:")
				fmt.Fprintln(stderr, "# fairyfishnet systemd | sudo tee /etc/systemd/system/fairyfishnet.service")
				fmt.Fprintln(stderr, "# sudo systemctl enable fairyfishnet.service")
				fmt.Fprintln(stderr, "# sudo systemctl start fairyfishnet.service")
			}
			return nil
		},
	}
}

// systemdUnit renders a service file that restarts the client with the
// flags it was invoked with.
func systemdUnit(cmd *cobra.Command, flags *rootFlags) (string, error) {
	executable, err := os.Executable()
	if err != nil {
		return "", err
	}
	configFile, err := filepath.Abs(flags.configFile)
	if err != nil {
		return "", err
	}

	command := []string{shellQuote(executable), "--config", shellQuote(configFile)}
	if cmd.Flags().Changed("key") {
		command = append(command, "--key", shellQuote(flags.key))
	}
	if cmd.Flags().Changed("endpoint") {
		command = append(command, "--endpoint", shellQuote(flags.endpoint))
	}
	if cmd.Flags().Changed("cores") {
		command = append(command, "--cores", shellQuote(flags.cores))
	}
	if cmd.Flags().Changed("memory") {
		command = append(command, "--memory", shellQuote(flags.memory))
	}
	if cmd.Flags().Changed("threads-per-process") {
		command = append(command, "--threads-per-process", shellQuote(flags.threads))
	}
	if cmd.Flags().Changed("engine-command") {
		command = append(command, "--engine-command", shellQuote(flags.engineCommand))
	}
	if cmd.Flags().Changed("engine-dir") {
		command = append(command, "--engine-dir", shellQuote(flags.engineDir))
	}
	if flags.fixedBackoff {
		command = append(command, "--fixed-backoff")
	}
	for _, option := range flags.setOptions {
		command = append(command, "--setoption", shellQuote(option))
	}
	command = append(command, "run")

	current, err := user.Current()
	if err != nil {
		return "", err
	}
	group := current.Username
	if g, err := user.LookupGroupId(current.Gid); err == nil {
		group = g.Name
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(unitTemplate,
		strings.Join(command, " "),
		cwd,
		cwd,
		current.Username,
		group,
	), nil
}

// shellQuote wraps a value in single quotes unless it is plain enough
// to pass through untouched.
func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	safe := true
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case strings.ContainsRune("@%_-+=:,./", r):
		default:
			safe = false
		}
		if !safe {
			break
		}
	}
	if safe {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
