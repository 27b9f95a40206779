package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mediabrief/internal/version"
)

// Build info set via ldflags at build time.
var (
	Commit = "none"
	Date   = "unknown"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "mediabrief",
		Short:        "Transcripts and summaries for YouTube videos and media uploads",
		Long:         "mediabrief turns a YouTube URL or an uploaded audio/video file into a timestamped transcript and a structured summary.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("MEDIABRIEF_CONFIG"), "path to YAML config file")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newWorkerCmd(&configPath))
	cmd.AddCommand(newSweepCmd(&configPath))
	cmd.AddCommand(newMigrateCmd(&configPath))
	cmd.AddCommand(newJobCmd(&configPath))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mediabrief %s (commit: %s, built: %s)\n", version.Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
