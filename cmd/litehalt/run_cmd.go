package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/litehalt"
)

func newRunCommand(baseLogger pslog.Logger) *cobra.Command {
	var try bool
	var killGrace time.Duration
	cmd := &cobra.Command{
		Use:   "run <database> -- <command> [args...]",
		Short: "Run a command while replication of the database is halted",
		Long: `Run takes the halt on the database, runs the command and releases the halt
when the command exits. The exit status of the command becomes the exit status
of litehalt. If the halt is force-released (--max-hold or a replaced lock file)
the command is sent SIGTERM and killed after --kill-grace.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if cmd.ArgsLenAtDash() != 1 || len(args) < 2 {
				return fmt.Errorf("usage: %s", cmd.UseLine())
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context(), baseLogger, "run")
			if err != nil {
				return err
			}
			defer sess.close()

			database, argv := args[0], args[1:]
			op := func(ctx context.Context) error {
				child := exec.CommandContext(ctx, argv[0], argv[1:]...)
				child.Stdin = cmd.InOrStdin()
				child.Stdout = cmd.OutOrStdout()
				child.Stderr = cmd.ErrOrStderr()
				child.Cancel = func() error { return child.Process.Signal(syscall.SIGTERM) }
				child.WaitDelay = killGrace
				sess.logger.Debug("cli.run.start", "database", database, "command", argv[0])
				return child.Run()
			}
			if try {
				err = sess.coordinator.TryWithHalt(cmd.Context(), database, op)
			} else {
				err = sess.coordinator.WithHalt(cmd.Context(), database, op)
			}
			return commandExit(err)
		},
	}
	cmd.Flags().BoolVar(&try, "try", false, "fail with exit status 75 instead of waiting when the database is already halted")
	cmd.Flags().DurationVar(&killGrace, "kill-grace", 10*time.Second, "time between SIGTERM and SIGKILL when the halt ends early")
	return cmd
}

// exitBusy is EX_TEMPFAIL from sysexits.h.
const exitBusy = 75

// commandExit maps the result of a halted child process to an exit status.
// A plain non-zero exit of the child is passed through without a message.
func commandExit(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, litehalt.ErrHaltBusy) {
		return &exitCodeError{code: exitBusy, err: err}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return err
	}
	code := exitErr.ExitCode()
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		code = 128 + int(status.Signal())
	}
	if code <= 0 {
		code = 1
	}
	if err == error(exitErr) {
		return &exitCodeError{code: code}
	}
	return &exitCodeError{code: code, err: err}
}
