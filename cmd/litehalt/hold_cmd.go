package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"
)

func newHoldCommand(baseLogger pslog.Logger) *cobra.Command {
	var holdFor time.Duration
	var try bool
	cmd := &cobra.Command{
		Use:   "hold <database>",
		Short: "Halt replication until interrupted or --for elapses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context(), baseLogger, "hold")
			if err != nil {
				return err
			}
			defer sess.close()

			database := args[0]
			out := cmd.OutOrStdout()
			var heldSince time.Time
			op := func(ctx context.Context) error {
				heldSince = time.Now()
				lockPath, _ := sess.coordinator.LockPath(database)
				fmt.Fprintf(out, "halted %s (lock %s)\n", database, lockPath)
				if holdFor > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, holdFor)
					defer cancel()
				}
				<-ctx.Done()
				return nil
			}
			if try {
				err = sess.coordinator.TryWithHalt(cmd.Context(), database, op)
			} else {
				err = sess.coordinator.WithHalt(cmd.Context(), database, op)
			}
			if err != nil {
				return commandExit(err)
			}
			fmt.Fprintf(out, "released %s after %s\n", database, heldFor(heldSince, time.Now()))
			return nil
		},
	}
	cmd.Flags().DurationVar(&holdFor, "for", 0, "release after this long (0 holds until interrupted)")
	cmd.Flags().BoolVar(&try, "try", false, "fail with exit status 75 instead of waiting when the database is already halted")
	return cmd
}

func heldFor(since, now time.Time) string {
	if since.IsZero() {
		return "0s"
	}
	if d := now.Sub(since); d < time.Minute {
		return d.Round(time.Millisecond).String()
	}
	return strings.TrimSpace(humanize.RelTime(since, now, "", ""))
}
