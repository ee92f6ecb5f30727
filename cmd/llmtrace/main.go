package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/ongoingai/llmtrace/internal/config"
	"github.com/ongoingai/llmtrace/internal/version"
)

const (
	defaultConfigPath = "llmtrace.yaml"
	defaultEnvFile    = ".env"
)

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and maps the outcome to a process exit code: 0 on
// success, 1 when a command fails, 2 on usage errors.
func run(args []string, out, errOut io.Writer) int {
	if err := config.LoadEnvFile(defaultEnvFile); err != nil {
		fmt.Fprintf(errOut, "warning: %v\n", err)
	}
	if len(args) == 0 {
		args = []string{"serve"}
	}

	root := newRootCmd()
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetArgs(args)

	err := root.Execute()
	if err == nil {
		return 0
	}
	var failure *commandError
	if errors.As(err, &failure) {
		fmt.Fprintln(errOut, failure.Error())
		return 1
	}
	fmt.Fprintf(errOut, "%v\nRun 'llmtrace --help' for usage.\n", err)
	return 2
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "llmtrace",
		Short:         "Chat-completion proxy that records every call to a trace log",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newTracesCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "llmtrace %s\n", version.String())
		},
	}
}

// commandError marks a failure that happened after arguments were accepted.
type commandError struct {
	err error
}

func (e *commandError) Error() string { return e.err.Error() }
func (e *commandError) Unwrap() error { return e.err }

func failf(format string, args ...any) error {
	return &commandError{err: fmt.Errorf(format, args...)}
}
