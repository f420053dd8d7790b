// Command ck runs coordkit's concurrency primitives under load and checks
// that their guarantees held: the semaphore never over-admits, the ledger
// conserves money without deadlocking, and the pipeline only processes
// validated orders.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

// errInvariant marks a run whose result broke a guarantee. It maps to exit
// code 2.
var errInvariant = errors.New("invariant violated")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one command line and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "ck: %v\n", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errInvariant):
		return 2
	default:
		return 1
	}
}

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configPath string
	journal    string
	logLevel   string
	jsonOut    bool
	metrics    bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "ck",
		Short: "Exercise coordkit's semaphore, ledger and pipeline under load",
		Long: `ck drives coordkit's concurrency primitives with many goroutines and
verifies their guarantees afterwards.

Every run is traced to an SQLite event journal, in memory by default.
Pass --journal to keep it and read it back with 'ck log'.

Configuration is layered: built-in defaults, then --config FILE (YAML),
then COORDKIT_* environment variables, then flags.

Exit codes:
  0  success
  1  error
  2  invariant violated`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "YAML config file")
	pf.StringVar(&opts.journal, "journal", "", "SQLite journal path (default in-memory)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&opts.jsonOut, "json", false, "JSON output")
	pf.BoolVar(&opts.metrics, "metrics", false, "print a metrics snapshot when done")

	root.AddCommand(
		newSemaphoreCmd(opts),
		newBankCmd(opts),
		newPipelineCmd(opts),
		newLogCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print the ck version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "ck", version)
			},
		},
	)
	return root
}
