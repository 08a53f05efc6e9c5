package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/litehalt/internal/loggingutil"
	"pkt.systems/litehalt/internal/snapshot"
)

func newSnapshotCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot <database>",
		Short: "Copy the database while replication is halted and upload the copy",
		Long: `Snapshot halts replication only while the database is copied to a local
spool file. The upload to --to runs after replication resumes and is retried
on transient failures.

Destinations:
  file:///var/backups                         local directory (disk:// is an alias)
  s3://host[:port]/bucket[/prefix]            MinIO or other S3-compatible storage
  aws://bucket[/prefix]?region=eu-north-1     AWS S3 using the SDK credential chain
  azure://account/container[/prefix]          Azure Blob Storage`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			destination := viper.GetString("snapshot.to")
			if destination == "" {
				return fmt.Errorf("--to is required")
			}
			sess, err := openSession(cmd.Context(), baseLogger, "snapshot")
			if err != nil {
				return err
			}
			defer sess.close()

			sink, err := snapshot.Open(cmd.Context(), destination)
			if err != nil {
				return err
			}
			res, err := snapshot.Take(cmd.Context(), sess.coordinator, sink, args[0], snapshot.Options{
				Prefix:   viper.GetString("snapshot.prefix"),
				SpoolDir: viper.GetString("snapshot.spool-dir"),
				Retry: snapshot.RetryConfig{
					MaxAttempts: viper.GetInt("snapshot.retry-attempts"),
					BaseDelay:   viper.GetDuration("snapshot.retry-base-delay"),
					MaxDelay:    viper.GetDuration("snapshot.retry-max-delay"),
				},
				Logger: sess.logger,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s %s sha256:%s (halted %s, %d attempt(s))\n",
				res.Sink, res.Key, humanize.IBytes(uint64(res.Size)), res.SHA256, res.HaltedFor.Round(time.Millisecond), res.Attempts)
			return nil
		},
	}
	cmd.PersistentFlags().String("to", "", "destination URL (file://, s3://, aws://, azure://)")
	flags := cmd.Flags()
	flags.String("prefix", "", "key prefix below the destination")
	flags.String("spool-dir", "", "directory for the local copy (defaults to the database directory)")
	flags.Int("retry-attempts", snapshot.DefaultRetryMaxAttempts, "maximum upload attempts")
	flags.Duration("retry-base-delay", snapshot.DefaultRetryBaseDelay, "delay after the first failed upload")
	flags.Duration("retry-max-delay", snapshot.DefaultRetryMaxDelay, "upper bound on the delay between uploads")
	for _, name := range []string{"to", "prefix", "spool-dir", "retry-attempts", "retry-base-delay", "retry-max-delay"} {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = cmd.PersistentFlags().Lookup(name)
		}
		bindFlag("snapshot."+name, flag)
		if err := viper.BindEnv("snapshot."+name, "LITEHALT_SNAPSHOT_"+envName(name)); err != nil {
			panic(err)
		}
	}
	cmd.AddCommand(newSnapshotVerifyCommand(baseLogger))
	return cmd
}

func newSnapshotVerifyCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that the --to destination accepts and removes objects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			destination := viper.GetString("snapshot.to")
			if destination == "" {
				return fmt.Errorf("--to is required")
			}
			logger := loggingutil.WithSubsystem(baseLogger, loggingutil.Subsystem("cli", "snapshot", "verify"))
			sink, err := snapshot.Open(cmd.Context(), destination)
			if err != nil {
				return err
			}
			res := snapshot.Verify(cmd.Context(), sink)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "destination: %s\n", res.Sink)
			for _, check := range res.Checks {
				if check.Err != nil {
					fmt.Fprintf(out, "  %-12s FAIL %v\n", check.Name, check.Err)
					continue
				}
				fmt.Fprintf(out, "  %-12s ok\n", check.Name)
			}
			if !res.Passed() {
				logger.Warn("cli.snapshot.verify.failed", "sink", res.Sink)
				return &exitCodeError{code: 1}
			}
			return nil
		},
	}
}
