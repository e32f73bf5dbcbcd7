package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/book-expert/audiobook-service/internal/core"
)

const (
	epubExtension  = ".epub"
	outputDirPerms = 0o750
	outputFilePerm = 0o600
)

var (
	errMissingUser    = errors.New("--user is required")
	errNotEPUB        = errors.New("file is not an .epub")
	errNotCompleted   = errors.New("audiobook is not completed")
	errNoChapterFiles = errors.New("audiobook has no chapters")
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var userID, title string

	cmd := &cobra.Command{
		Use:   "submit FILE.epub",
		Short: "Upload an e-book and start its conversion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if !strings.EqualFold(filepath.Ext(path), epubExtension) {
				return fmt.Errorf("%w: %s", errNotEPUB, path)
			}

			if userID == "" {
				return errMissingUser
			}

			if title == "" {
				title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}

			response, err := ctx.client().submit(cmd.Context(), userID, title, data)
			if err != nil {
				return err
			}

			if ctx.wantJSON(cmd.OutOrStdout()) {
				return writeJSON(cmd, response)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Submitted %q (%s) as job %s\n", title, formatFileSize(int64(len(data))), response.JobID)

			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Owner of the audiobook")
	cmd.Flags().StringVar(&title, "title", "", "Book title (defaults to the file name)")

	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status [JOB_ID]",
		Short: "Show one job, or the processing summary",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := ctx.client()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				state, err := client.jobStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				if ctx.wantJSON(out) {
					return writeJSON(cmd, state)
				}

				fmt.Fprintln(out, renderTable(
					[]string{"Job", "Title", "Status", "Progress", "Chapters", "Updated"},
					[][]string{jobRow(state)},
					4, 5,
				))

				if state.Error != "" {
					fmt.Fprintf(out, "Error: %s\n", state.Error)
				}

				return nil
			}

			summary, err := client.summary(cmd.Context())
			if err != nil {
				return err
			}

			if ctx.wantJSON(out) {
				return writeJSON(cmd, summary)
			}

			fmt.Fprintf(out, "Active: %d  Completed: %d  Failed: %d\n",
				summary.ActiveJobs, summary.CompletedJobs, summary.FailedJobs)

			if len(summary.Jobs) == 0 {
				return nil
			}

			rows := make([][]string, 0, len(summary.Jobs))
			for _, job := range summary.Jobs {
				rows = append(rows, []string{job.JobID, job.BookTitle, string(job.Status), strconv.Itoa(job.Progress) + "%"})
			}

			fmt.Fprintln(out, renderTable([]string{"Job", "Title", "Status", "Progress"}, rows, 4))

			return nil
		},
	}
}

func jobRow(state *core.JobState) []string {
	return []string{
		state.JobID,
		state.BookTitle,
		string(state.Status),
		strconv.Itoa(state.Progress) + "%",
		fmt.Sprintf("%d/%d", state.CompletedChapters, state.TotalChapters),
		formatTime(state.UpdatedAt),
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's completed audiobooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return errMissingUser
			}

			list, err := ctx.client().audiobooks(cmd.Context(), userID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if ctx.wantJSON(out) {
				return writeJSON(cmd, list)
			}

			if list.Total == 0 {
				fmt.Fprintf(out, "No audiobooks for %s\n", userID)

				return nil
			}

			rows := make([][]string, 0, len(list.Audiobooks))
			for _, book := range list.Audiobooks {
				rows = append(rows, []string{book.ID, book.Title, strconv.Itoa(book.Chapters), formatTime(book.CreatedAt)})
			}

			fmt.Fprintln(out, renderTable([]string{"ID", "Title", "Chapters", "Created"}, rows, 3))

			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Owner of the audiobooks")

	return cmd
}

func newScanCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Submit every unprocessed e-book found in storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			response, err := ctx.client().scan(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if ctx.wantJSON(out) {
				return writeJSON(cmd, response)
			}

			fmt.Fprintln(out, response.Message)

			for _, key := range response.EpubFiles {
				fmt.Fprintf(out, "  %s\n", key)
			}

			return nil
		},
	}
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the service and its speech backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			response, err := ctx.client().health(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if ctx.wantJSON(out) {
				return writeJSON(cmd, response)
			}

			fmt.Fprintf(out, "%s is %s (tts: %s, storage: %s, job state: %s)\n",
				response.Service, response.Status, response.TTS, response.Storage, response.JobState)

			return nil
		},
	}
}

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "download JOB_ID",
		Short: "Save every chapter of a completed audiobook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := ctx.client()

			metadata, err := client.details(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if metadata.Status != core.JobStatusCompleted {
				return fmt.Errorf("%w: %s is %s", errNotCompleted, metadata.JobID, metadata.Status)
			}

			if len(metadata.Chapters) == 0 {
				return fmt.Errorf("%w: %s", errNoChapterFiles, metadata.JobID)
			}

			bookDir := filepath.Join(outDir, sanitizeFileName(metadata.BookTitle))

			err = os.MkdirAll(bookDir, outputDirPerms)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", bookDir, err)
			}

			out := cmd.OutOrStdout()

			var totalBytes int64

			totalSeconds := 0

			for _, chapter := range metadata.Chapters {
				source := chapter.DownloadURL
				if source == "" {
					source = chapter.URL
				}

				data, fetchErr := client.fetch(cmd.Context(), source)
				if fetchErr != nil {
					return fetchErr
				}

				target := filepath.Join(bookDir, chapterFileName(chapter.Number, chapter.Title))

				writeErr := os.WriteFile(target, data, outputFilePerm)
				if writeErr != nil {
					return fmt.Errorf("failed to write %s: %w", target, writeErr)
				}

				totalBytes += int64(len(data))
				totalSeconds += chapter.Duration

				fmt.Fprintf(out, "%s (%s)\n", target, formatFileSize(int64(len(data))))
			}

			fmt.Fprintf(out, "Saved %d chapters, %s, about %s of audio\n",
				len(metadata.Chapters), formatFileSize(totalBytes), formatDuration(totalSeconds))

			return nil
		},
	}

	cmd.Flags().StringVar(&outDir, "out", ".", "Directory to save the audiobook into")

	return cmd
}
