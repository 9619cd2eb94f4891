package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"poolplane/pkg/api"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Get status of a job",
	Long: `Show a job's state (PENDING, SUBMITTED, RUNNING, SUCCEEDED, FAILED or CANCELLED),
the detail of its outcome, the variables it was bound with and its timestamps.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		job, err := newClient().GetJob(args[0])
		if err != nil {
			if IsNotFound(err) {
				cmd.Printf("Job %s not found\n", args[0])
				return
			}
			cmd.Printf("Request failed: %v\n", err)
			return
		}

		if statusJSON {
			out, _ := json.MarshalIndent(job, "", "  ")
			cmd.Println(string(out))
			return
		}
		printStatus(cmd, *job)
	},
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

type stateStyle struct {
	icon  string
	color string
}

var stateStyles = map[string]stateStyle{
	"PENDING":   {"◯", colorCyan},
	"SUBMITTED": {"↗", colorCyan},
	"RUNNING":   {"⏳", colorYellow},
	"SUCCEEDED": {"✓", colorGreen},
	"FAILED":    {"✗", colorRed},
	"CANCELLED": {"⊘", colorDim},
}

// labelWidth aligns values in key/value listings.
const labelWidth = 13

// printField prints one dimmed label followed by its value.
func printField(cmd *cobra.Command, label, value string) {
	label += ":"
	cmd.Printf("%s%s%s%s%s\n", colorDim, label, colorReset, strings.Repeat(" ", max(1, labelWidth-len(label))), value)
}

func printStatus(cmd *cobra.Command, job api.JobStatusResponse) {
	cmd.Printf("%s %sJob Details%s\n", statusIcon(job.State), colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	printField(cmd, "ID", job.ID)
	printField(cmd, "Pool", job.Pool)
	printField(cmd, "State", colorizeStatus(job.State))

	if job.Detail != nil && *job.Detail != "" {
		color := colorDim
		if job.State == "FAILED" {
			color = colorRed
		}
		printField(cmd, "Detail", color+*job.Detail+colorReset)
	}
	if len(job.Variables) > 0 && string(job.Variables) != "null" {
		printField(cmd, "Variables", string(job.Variables))
	}

	printField(cmd, "Created", formatTimeWithRelative(&job.CreatedAt))
	printField(cmd, "Submitted", formatTimeWithRelative(job.SubmittedAt))
	printField(cmd, "Started", formatTimeWithRelative(job.StartedAt))

	finished := formatTimeWithRelative(job.FinishedAt)
	if job.StartedAt != nil && job.FinishedAt != nil {
		finished += fmt.Sprintf(" %s(%s)%s", colorCyan, formatDuration(job.FinishedAt.Sub(*job.StartedAt)), colorReset)
	}
	printField(cmd, "Finished", finished)
}

func statusIcon(state string) string {
	style, ok := stateStyles[state]
	if !ok {
		return "•"
	}
	return style.color + style.icon + colorReset
}

func colorizeStatus(state string) string {
	style, ok := stateStyles[state]
	if !ok {
		return state
	}
	return statusIcon(state) + " " + style.color + state + colorReset
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relativeTime(*t), colorReset)
}

func relativeTime(t time.Time) string {
	switch d := time.Since(t); {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	case d < 48*time.Hour:
		return "1 day"
	default:
		return fmt.Sprintf("%d days", int(d.Hours()/24))
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw job status as JSON")
}
