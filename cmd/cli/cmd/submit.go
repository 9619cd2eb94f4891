package cmd

import (
	"fmt"
	"os"
	"strings"

	"poolplane/pkg/api"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var submitCmd = &cobra.Command{
	Use:   "submit [pool]",
	Short: "Submit a job to a work pool",
	Long: `Submit a job request to a work pool. Variables override the pool's
defaults; values are parsed as YAML scalars so numbers and booleans keep
their type.

Example:
  poolctl submit my-pool --var image=python:3.12 --var retries=3
  poolctl submit my-pool --vars-file vars.yaml --var message=override`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		pool := args[0]
		flags := cmd.Flags()
		pairs, _ := flags.GetStringArray("var")
		varsFile, _ := flags.GetString("vars-file")

		vars, err := parseVariables(varsFile, pairs)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}

		result, err := newClient().SubmitJob(pool, api.SubmitJobRequest{Variables: vars})
		if err != nil {
			if IsNotFound(err) {
				cmd.Printf("Work pool %s not found\n", pool)
				return
			}
			cmd.Printf("Submit failed: %v\n", err)
			return
		}

		cmd.Printf("✓ Job submitted!\nJob ID: %s\nPool:   %s\nState:  %s\n", result.JobID, result.Pool, colorizeStatus(result.State))
	},
}

// parseVariables merges variables from file with key=value pairs. Pairs win.
func parseVariables(file string, pairs []string) (map[string]any, error) {
	vars := make(map[string]any)

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		if err := yaml.Unmarshal(data, &vars); err != nil {
			return nil, fmt.Errorf("invalid variables file %s: %w", file, err)
		}
	}

	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid variable %q: expected key=value", pair)
		}

		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		vars[key] = value
	}

	if len(vars) == 0 {
		return nil, nil
	}
	return vars, nil
}

func init() {
	flags := submitCmd.Flags()
	flags.StringArray("var", nil, "Job variable as key=value (repeatable)")
	flags.String("vars-file", "", "YAML or JSON file with job variables")

	rootCmd.AddCommand(submitCmd)
}
