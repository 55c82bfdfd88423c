// Command gocrew inspects and maintains a crew's persisted state: it lists
// stored task outputs, replays a crew from a task, resets memories, and backs
// up the database.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	otelx "github.com/basket/go-crew/internal/otel"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = otelx.Version

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// opError is a command failure reported as "An error occurred while <doing>".
type opError struct {
	doing string
	err   error
}

func (e *opError) Error() string { return fmt.Sprintf("%s: %v", e.doing, e.err) }
func (e *opError) Unwrap() error { return e.err }

func failed(doing string, err error) error {
	return &opError{doing: doing, err: err}
}

// errReported signals a failure whose details the command already printed.
var errReported = errors.New("reported")

// execute runs the CLI and returns the process exit code: 0 on success, 1 when
// a command failed, 2 on usage errors.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var oe *opError
	switch {
	case errors.Is(err, errReported):
		return 1
	case errors.As(err, &oe):
		fmt.Fprintf(stderr, "An error occurred while %s: %v\n", oe.doing, oe.err)
		return 1
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 2
}

const rootLongDesc = `gocrew manages the persisted state of a crew run: the task output log,
the long-term, short-term and entity memories, and the database backups.

State lives under $GOCREW_HOME (default ~/.gocrew).`

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gocrew",
		Short:         "Inspect, replay and reset crew state",
		Long:          rootLongDesc,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations["skipSetup"] == "true" || cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}
			return a.setup(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVar(&a.home, "home", "", "State directory (overrides $GOCREW_HOME)")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Mirror structured logs to stderr")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	cmd.AddCommand(
		newLogTasksOutputsCmd(a),
		newReplayCmd(a),
		newResetMemoriesCmd(a),
		newBackupCmd(a),
		newDoctorCmd(a),
		newVersionCmd(a),
	)
	return cmd
}
