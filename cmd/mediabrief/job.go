package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"mediabrief/internal/asr"
	"mediabrief/internal/models"
)

func newJobCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and control jobs as an operator",
	}
	cmd.AddCommand(newJobGetCmd(configPath))
	cmd.AddCommand(newJobCancelCmd(configPath))
	cmd.AddCommand(newJobRetryCmd(configPath))
	return cmd
}

func newJobGetCmd(configPath *string) *cobra.Command {
	var asJSON, asSRT bool

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.service().Get(cmd.Context(), "", args[0])
			if err != nil {
				return err
			}
			if asSRT {
				if job.Transcript == nil || len(job.Transcript.Segments) == 0 {
					return fmt.Errorf("job %s has no timed transcript", job.ID)
				}
				fmt.Fprint(cmd.OutOrStdout(), asr.FormatSRT(job.Transcript.Segments))
				return nil
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(job)
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full job as JSON")
	cmd.Flags().BoolVar(&asSRT, "srt", false, "print the transcript segments as SRT subtitles")
	return cmd
}

func newJobCancelCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.service().Cancel(cmd.Context(), "", args[0])
			if err != nil {
				return err
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

func newJobRetryCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-queue a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.shared {
				return errors.New("job retry: needs redis.addr, the in-process queue of this command is not seen by any worker")
			}
			job, err := a.service().Retry(cmd.Context(), "", args[0])
			if err != nil {
				return err
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

func printJob(out io.Writer, job *models.Job) {
	fmt.Fprintf(out, "ID:       %s\n", job.ID)
	fmt.Fprintf(out, "Owner:    %s\n", job.OwnerID)
	fmt.Fprintf(out, "Status:   %s (%d%%)\n", job.Status, job.Progress)
	fmt.Fprintf(out, "Source:   %s", job.SourceType)
	switch {
	case job.SourceMeta.URL != "":
		fmt.Fprintf(out, " %s", job.SourceMeta.URL)
	case job.SourceMeta.Filename != "":
		fmt.Fprintf(out, " %s", job.SourceMeta.Filename)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Style:    %s, language %s\n", job.SummaryStyle, job.Language)
	fmt.Fprintf(out, "Retries:  %d\n", job.RetryCount)
	if job.Error != nil {
		fmt.Fprintf(out, "Error:    %s: %s (retryable: %t)\n", job.Error.Code, job.Error.Message, job.Error.Retryable)
	}
	fmt.Fprintf(out, "Created:  %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Updated:  %s\n", job.UpdatedAt.Format("2006-01-02 15:04:05"))
}
