package cmd

import (
	"fmt"
	"io"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"

	"github.com/nocloudhq/cloudbridge/internal/config"
	"github.com/nocloudhq/cloudbridge/internal/observability"
	"github.com/nocloudhq/cloudbridge/internal/release"
)

var (
	extended     bool
	checkRelease bool
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Print version information. Use --extended for full details including
Crucible and Go versions, and --check to compare with the latest release.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", config.AppName, versionInfo.Version)
		if checkRelease {
			if err := runReleaseCheck(cmd); err != nil {
				return err
			}
		}
		if !extended {
			return nil
		}

		version := crucible.GetVersion()
		fmt.Fprintf(out, "Commit: %s\n", versionInfo.Commit)
		fmt.Fprintf(out, "Built: %s\n", versionInfo.BuildDate)
		fmt.Fprintf(out, "Go: %s\n\n", runtime.Version())
		fmt.Fprintf(out, "Gofulmen: %s\n", version.Gofulmen)
		fmt.Fprintf(out, "Crucible: %s\n", version.Crucible)
		return nil
	},
}

func runReleaseCheck(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	checker := newReleaseChecker(cfg, observability.CLILogger)
	result, err := checker.Check(cmd.Context(), versionInfo.Version)
	if err != nil {
		return fmt.Errorf("release check failed: %w", err)
	}

	writeReleaseResult(cmd.OutOrStdout(), result)
	return nil
}

func writeReleaseResult(out io.Writer, result release.Result) {
	switch {
	case result.UpdateAvailable():
		fmt.Fprintf(out, "A new version is available: %s (download: %s)\n", result.Latest, result.DownloadURL)
	case result.Comparison == 0:
		fmt.Fprintln(out, "You are running the latest version")
	default:
		fmt.Fprintf(out, "Running a build newer than the latest release (%s)\n", result.Latest)
	}
}

func newReleaseChecker(cfg *config.Config, logger observability.Logger) *release.Checker {
	return release.NewChecker(
		release.WithLatestURL(cfg.Updates.ReleaseURL),
		release.WithTimeout(cfg.Updates.Timeout),
		release.WithLogger(logger))
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVarP(&extended, "extended", "e", false, "show extended version information")
	versionCmd.Flags().BoolVar(&checkRelease, "check", false, "compare with the latest published release")
}
