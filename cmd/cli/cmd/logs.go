package cmd

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var follow bool

// logsPollInterval is how often --follow polls for new lines.
var logsPollInterval = time.Second

var logsCmd = &cobra.Command{
	Use:   "logs [job_id]",
	Short: "Print or stream logs for a job",
	Long: `Print the logs a worker shipped for a job. With --follow, keep polling
until the job reaches a terminal state and no lines are left.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jobID := args[0]

		// Trap Ctrl+C to exit gracefully
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client := newClient()
		var lastID int64
		// Lines can land just after the terminal report, so one extra
		// empty page is read before giving up.
		drained := false

		for {
			page, err := client.GetLogs(jobID, lastID)
			if err != nil {
				if IsNotFound(err) {
					cmd.Printf("Job %s not found\n", jobID)
					return
				}
				cmd.Printf("Error fetching logs: %v\n", err)
				if !follow || !sleepContext(ctx, 2*logsPollInterval) {
					return
				}
				continue
			}

			for _, entry := range page.Logs {
				cmd.Print(entry.Content)
				if !strings.HasSuffix(entry.Content, "\n") {
					cmd.Println()
				}
			}
			lastID = max(lastID, page.NextAfterID)

			// A non-empty page may have more behind it.
			if len(page.Logs) > 0 {
				continue
			}
			if !follow {
				return
			}
			if page.Done {
				if drained {
					return
				}
				drained = true
			}

			if !sleepContext(ctx, logsPollInterval) {
				return
			}
		}
	},
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output until the job finishes")
}
