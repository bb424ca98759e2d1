package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"dbprocessor/pipeline"
)

var (
	flagFix     bool
	flagComment string
)

var checkDiskCmd = &cobra.Command{
	Use:   "check-disk",
	Short: "reconcile catalog presence flags with the filesystem",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAppContext()
		if err != nil {
			return err
		}
		defer app.close()

		checker := pipeline.NewDiskChecker(app.cat, app.codec, app.mission, app.logger)
		report, err := checker.Check(cmd.Context(), flagFix, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "checked=%d issues=%d fixed=%d\n",
			report.Checked, len(report.Issues), report.Fixed)
		if len(report.Issues) > 0 && !flagFix {
			return fmt.Errorf("%d discrepancies found (rerun with --fix to apply)", len(report.Issues))
		}
		return nil
	},
}

var clearLockCmd = &cobra.Command{
	Use:   "clear-lock",
	Short: "force-release a stale processing lock",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAppContext()
		if err != nil {
			return err
		}
		defer app.close()

		lock := pipeline.NewRunLock(app.cat)
		holder, err := lock.Current(app.mission.ID)
		if err != nil {
			return err
		}
		if holder != nil && !lock.Stale(holder) {
			app.logger.Warn("lock holder still looks alive",
				"run_id", holder.RunID, "pid", holder.PID, "host", holder.Host)
		}
		cleared, err := lock.Clear(app.mission.ID, flagComment)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cleared lock %s held by %s@%s (pid %d)\n",
			cleared.RunID, cleared.User, cleared.Host, cleared.PID)
		return nil
	},
}

var addFileCmd = &cobra.Command{
	Use:   "add-file PATH",
	Short: "register one file already on disk",
	Args:  usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAppContext()
		if err != nil {
			return err
		}
		defer app.close()

		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			return &pipeline.ConfigError{Reason: fmt.Sprintf("cannot read %s: %v", args[0], err)}
		}

		match, err := app.codec.Identify(filepath.Base(path))
		if err != nil {
			return &pipeline.ConfigError{Reason: err.Error()}
		}
		host := pipeline.NewInspectorHost(app.codec)
		verdict, err := host.Inspect(cmd.Context(), &match.Product, path)
		if err != nil {
			return err
		}
		if verdict == nil {
			return &pipeline.ConfigError{
				Reason: fmt.Sprintf("inspector for %s did not accept %s", match.Product.Name, filepath.Base(path)),
			}
		}

		// Files outside the product directory are moved in; a file already
		// in place just gets registered.
		productDir := filepath.Join(app.mission.RootDir, filepath.FromSlash(match.Product.RelativePath))
		if filepath.Dir(path) != filepath.Clean(productDir) {
			moved, err := pipeline.MoveFileToDir(path, productDir)
			if err != nil {
				return err
			}
			path = moved
		}

		md5sum, err := pipeline.FileMD5(path)
		if err != nil {
			return err
		}
		f := &pipeline.File{
			Filename:          filepath.Base(path),
			ProductID:         match.Product.ID,
			UTCFileDate:       pipeline.DateOnly(verdict.FileDate),
			UTCStartTime:      verdict.StartTime,
			UTCStopTime:       verdict.StopTime,
			ExistsOnDisk:      true,
			QualityChecked:    verdict.QualityChecked,
			MD5:               md5sum,
			VerboseProvenance: addFileProvenance(),
		}
		f.SetVersion(verdict.Version)
		if err := app.cat.CommitIngestedFile(f); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registered %s as %s v%s\n",
			f.Filename, match.Product.Name, verdict.Version)
		return nil
	},
}

var purgeFileCmd = &cobra.Command{
	Use:   "purge-file FILENAME",
	Short: "retire a file from the catalog",
	Long: "Marks the file as gone from disk and never newest. The row and its " +
		"provenance links stay; the catalog does not forget history.",
	Args: usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAppContext()
		if err != nil {
			return err
		}
		defer app.close()

		if flagComment == "" {
			return &pipeline.ConfigError{Reason: "purging a file requires --comment"}
		}
		if err := app.cat.PurgeFile(args[0], flagComment); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", args[0])
		return nil
	},
}

func addFileProvenance() string {
	if flagComment != "" {
		return "added manually: " + flagComment
	}
	return "added manually"
}

func init() {
	checkDiskCmd.Flags().BoolVar(&flagFix, "fix", false, "apply corrections instead of only reporting")
	clearLockCmd.Flags().StringVar(&flagComment, "comment", "", "why the lock is being cleared (required)")
	addFileCmd.Flags().StringVar(&flagComment, "comment", "", "note recorded in the file's provenance")
	purgeFileCmd.Flags().StringVar(&flagComment, "comment", "", "why the file is being purged (required)")
	rootCmd.AddCommand(checkDiskCmd, clearLockCmd, addFileCmd, purgeFileCmd)
}
