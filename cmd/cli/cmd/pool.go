package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"poolplane/internal/store"
	"poolplane/internal/workpool"
	"poolplane/pkg/api"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Manage work pools",
}

var poolCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create or replace work pools",
	Long: `Create or replace work pools.

With --name, the file holds a single base job template and the pool is
created from it:

  poolctl pool create --name my-pool --file template.yaml --default message=hello

Without --name, the file lists pools in the same format as the worker's
file pool source:

  work_pools:
    - name: my-pool
      type: kubernetes
      base_job_template:
        job_configuration:
          image: "{{ image }}"
          command: ["echo", "{{ message }}"]
        variables:
          properties:
            image: {type: string, default: "alpine:3.20"}
            message: {type: string}
      default_variables:
        message: hello`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		file, _ := flags.GetString("file")
		name, _ := flags.GetString("name")
		poolType, _ := flags.GetString("type")
		defaults, _ := flags.GetStringArray("default")

		if file == "" {
			cmd.Println("Error: --file is required")
			return
		}

		data, err := os.ReadFile(file)
		if err != nil {
			cmd.Printf("Failed to read %s: %v\n", file, err)
			return
		}

		var pools []store.WorkPool
		if name != "" {
			tmpl, err := workpool.ParseTemplate(data)
			if err != nil {
				cmd.Printf("Invalid template: %v\n", err)
				return
			}
			vars, err := parseVariables("", defaults)
			if err != nil {
				cmd.Printf("Error: %v\n", err)
				return
			}
			pools = append(pools, store.WorkPool{
				Name:             name,
				Type:             poolType,
				BaseJobTemplate:  tmpl,
				DefaultVariables: vars,
			})
		} else {
			pools, err = workpool.ParsePools(data)
			if err != nil {
				cmd.Printf("Invalid pool file: %v\n", err)
				return
			}
		}
		if len(pools) == 0 {
			cmd.Println("No work pools found in file")
			return
		}

		client := newClient()
		for _, p := range pools {
			tmpl, err := json.Marshal(p.BaseJobTemplate)
			if err != nil {
				cmd.Printf("✗ %s: failed to encode template: %v\n", p.Name, err)
				continue
			}
			_, err = client.CreateWorkPool(api.CreateWorkPoolRequest{
				Name:             p.Name,
				Type:             p.Type,
				BaseJobTemplate:  tmpl,
				DefaultVariables: p.DefaultVariables,
			})
			if err != nil {
				cmd.Printf("✗ %s: %v\n", p.Name, err)
				continue
			}
			cmd.Printf("✓ Work pool %s saved (%s)\n", p.Name, p.Type)
		}
	},
}

var poolGetCmd = &cobra.Command{
	Use:   "get [name]",
	Short: "Show a work pool",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		pool, err := newClient().GetWorkPool(args[0])
		if err != nil {
			if IsNotFound(err) {
				cmd.Printf("Work pool %s not found\n", args[0])
				return
			}
			cmd.Printf("Failed to get work pool: %v\n", err)
			return
		}
		printPool(cmd, *pool)
	},
}

var poolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List work pools",
	Run: func(cmd *cobra.Command, args []string) {
		pools, err := newClient().ListWorkPools()
		if err != nil {
			cmd.Printf("Failed to list work pools: %v\n", err)
			return
		}
		if len(pools) == 0 {
			cmd.Println("No work pools")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTYPE\tUPDATED")
		for _, p := range pools {
			fmt.Fprintf(w, "%s\t%s\t%s ago\n", p.Name, p.Type, relativeTime(p.UpdatedAt))
		}
		w.Flush()
	},
}

func printPool(cmd *cobra.Command, pool api.WorkPoolResponse) {
	cmd.Printf("%sWork Pool%s\n", colorBold, colorReset)
	cmd.Println("──────────────────────────────")
	printField(cmd, "Name", pool.Name)
	printField(cmd, "Type", pool.Type)
	printField(cmd, "Updated", formatTimeWithRelative(&pool.UpdatedAt))

	if len(pool.DefaultVariables) > 0 {
		cmd.Printf("%sDefaults:%s\n", colorDim, colorReset)
		keys := make([]string, 0, len(pool.DefaultVariables))
		for k := range pool.DefaultVariables {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cmd.Printf("  %s = %v\n", k, pool.DefaultVariables[k])
		}
	}

	// Render the template back as YAML, the format it was authored in.
	var tmpl any
	if err := json.Unmarshal(pool.BaseJobTemplate, &tmpl); err == nil {
		if out, err := yaml.Marshal(tmpl); err == nil {
			cmd.Printf("%sBase Job Template:%s\n%s", colorDim, colorReset, indent(string(out)))
		}
	}
}

func indent(s string) string {
	var out []byte
	atLineStart := true
	for i := 0; i < len(s); i++ {
		if atLineStart {
			out = append(out, ' ', ' ')
		}
		out = append(out, s[i])
		atLineStart = s[i] == '\n'
	}
	return string(out)
}

func init() {
	flags := poolCreateCmd.Flags()
	flags.StringP("file", "f", "", "Template file (with --name) or work_pools list (required)")
	flags.StringP("name", "n", "", "Create a single pool with this name from a template file")
	flags.String("type", "kubernetes", "Execution backend of the pool (with --name)")
	flags.StringArray("default", nil, "Default variable as key=value (with --name, repeatable)")

	poolCmd.AddCommand(poolCreateCmd, poolGetCmd, poolListCmd)
	rootCmd.AddCommand(poolCmd)
}
