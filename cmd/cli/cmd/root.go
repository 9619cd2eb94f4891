package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	defaultURL     = "http://localhost:6161"
	defaultTimeout = 30 * time.Second
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "poolctl",
	Short: "Manage work pools and jobs on a poolplane controller",
	Long: `poolctl talks to a poolplane controller.

A work pool holds a base job template and default variables. A job is a
set of variable overrides submitted against a pool; a worker renders it
and runs it on the pool's backend (Kubernetes or Docker).

  poolctl pool create -f pools.yaml
  poolctl submit my-pool --var image=alpine:3.20 --var retries=2
  poolctl status <job-id>
  poolctl logs <job-id> --follow

The controller address comes from --url, POOLPLANE_URL or "url" in
$HOME/.poolctl.yaml, in that order.`,
	SilenceUsage:      true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return loadConfig() },
}

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig layers flags over POOLPLANE_* env over the config file.
// A missing default file is fine; a missing --config file is not.
func loadConfig() error {
	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return err
	}
	viper.SetEnvPrefix("POOLPLANE")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		viper.SetConfigFile(filepath.Join(home, ".poolctl.yaml"))
	}

	err := viper.ReadInConfig()
	switch {
	case err == nil:
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	case cfgFile == "" && errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func newClient() *Client {
	url := viper.GetString("url")
	if url == "" {
		url = defaultURL
	}
	c := NewClient(url)
	if timeout := viper.GetDuration("timeout"); timeout > 0 {
		c.HTTPClient.Timeout = timeout
	}
	return c
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.poolctl.yaml)")
	flags.String("url", defaultURL, "poolplane controller URL")
	flags.Duration("timeout", defaultTimeout, "HTTP timeout per request")
}
