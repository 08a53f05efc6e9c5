package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/litehalt"
	"pkt.systems/litehalt/internal/diagnostics"
	"pkt.systems/litehalt/internal/loggingutil"
)

func newStatusCommand(baseLogger pslog.Logger) *cobra.Command {
	var holders bool
	cmd := &cobra.Command{
		Use:   "status <database>",
		Short: "Report whether replication of the database is halted",
		Long: `Status probes the halt byte of the database lock file without taking it.
Exit status is 0 when replication runs and 3 when it is halted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := loggingutil.WithSubsystem(baseLogger, loggingutil.Subsystem("cli", "status"))
			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			status, err := litehalt.Probe(args[0], cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printStatus(out, status)
			if holders {
				list, skipped, err := diagnostics.Holders(cmd.Context(), status.LockPath)
				if err != nil {
					return err
				}
				if skipped > 0 {
					logger.Debug("cli.status.holders.skipped", "processes", skipped)
				}
				printHolders(out, list, skipped)
			}
			if status.Halted {
				return &exitCodeError{code: exitHalted}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&holders, "holders", false, "list processes that have the lock file open")
	return cmd
}

const exitHalted = 3

func printStatus(w io.Writer, status litehalt.Status) {
	state := "running"
	if status.Halted {
		state = "halted"
	}
	fmt.Fprintf(w, "database:    %s\n", status.Database)
	fmt.Fprintf(w, "lock file:   %s\n", status.LockPath)
	fmt.Fprintf(w, "replication: %s\n", state)
	if status.Exists {
		fmt.Fprintf(w, "last halt:   %s\n", humanize.Time(status.ModTime))
	} else {
		fmt.Fprintf(w, "last halt:   never\n")
	}
}

func printHolders(w io.Writer, holders []diagnostics.Holder, skipped int) {
	if len(holders) == 0 {
		fmt.Fprintln(w, "holders:     none")
	} else {
		fmt.Fprintln(w, "holders:")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  PID\tUSER\tFD\tSTARTED\tCOMMAND")
		for _, h := range holders {
			started := "-"
			if !h.StartedAt.IsZero() {
				started = humanize.Time(h.StartedAt)
			}
			command := h.Cmdline
			if command == "" {
				command = h.Name
			}
			if h.Self {
				command += " (this process)"
			}
			fmt.Fprintf(tw, "  %d\t%s\t%d\t%s\t%s\n", h.PID, h.Username, h.FD, started, strings.TrimSpace(command))
		}
		_ = tw.Flush()
	}
	if skipped > 0 {
		fmt.Fprintf(w, "(%d processes could not be inspected)\n", skipped)
	}
}
