package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/alexandremahdhaoui/virtcase/internal/util/logging"
	"github.com/alexandremahdhaoui/virtcase/pkg/process"
	"github.com/spf13/cobra"
)

// Exit codes
const (
	exitSuccess = 0 // every case passed or was cancelled
	exitFailure = 1 // a case failed or errored
	exitError   = 2 // invalid arguments, configuration or cases
)

// exitCodeError carries the exit code of a command that already reported its outcome.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// globalOptions are the persistent flags and what they resolve to.
type globalOptions struct {
	configPath  string
	logLevel    string
	development bool

	out    io.Writer
	errOut io.Writer

	cfg    *Config
	logger *slog.Logger

	// runner replaces the local command runner, for tests.
	runner process.Runner
}

func newRootCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   Name,
		Short: "Run libvirt integration test cases",
		Long: `virtcase runs declarative test cases against libvirt domains.

Each case edits the definition of one or more domains, drives them through virsh or
libvirt, checks the host and the guest, and always puts the original definitions back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup()
		},
	}
	cmd.SetOut(opts.out)
	cmd.SetErr(opts.errOut)

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "configuration file (default $"+ConfigPathEnvKey+")")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flags.BoolVar(&opts.development, "dev", false, "human-readable logs")

	cmd.AddCommand(
		newRunCommand(opts),
		newListCommand(opts),
		newValidateCommand(opts),
		newRestoreCommand(opts),
		newVersionCommand(opts),
	)
	return cmd
}

// setup loads the configuration and installs the logger.
func (o *globalOptions) setup() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	o.logger = logging.Setup(logging.Options{
		Development: o.development,
		Level:       level,
		Output:      o.errOut,
	})
	slog.SetDefault(o.logger)

	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}

// execute runs the command line args and returns the exit code.
func execute(ctx context.Context, cmd *cobra.Command, args []string, errOut io.Writer) int {
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitSuccess
	}

	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	_, _ = fmt.Fprintf(errOut, "Error: %v\n", err)
	return exitError
}
