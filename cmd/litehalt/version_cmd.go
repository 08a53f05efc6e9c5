package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pkt.systems/litehalt/internal/version"
)

func newVersionCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the litehalt version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printVersion(cmd.OutOrStdout(), version.Read(), verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include revision and toolchain")
	return cmd
}

func printVersion(w io.Writer, info version.Info, verbose bool) error {
	if _, err := fmt.Fprintf(w, "%s %s\n", info.Module, info.Version); err != nil || !verbose {
		return err
	}
	if info.Revision != "" {
		dirty := ""
		if info.Modified {
			dirty = " (modified)"
		}
		fmt.Fprintf(w, "revision: %s%s\n", info.Revision, dirty)
	}
	if !info.BuiltAt.IsZero() {
		fmt.Fprintf(w, "built:    %s\n", info.BuiltAt.Format("2006-01-02T15:04:05Z"))
	}
	if info.GoVersion != "" {
		fmt.Fprintf(w, "go:       %s\n", info.GoVersion)
	}
	return nil
}
