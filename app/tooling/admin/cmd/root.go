// Package cmd contains the admin tooling for operating the engine's
// keyed store state.
package cmd

import (
	"os"

	"github.com/chainpaint/chainpaint/business/sys/kvstore"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var kvURL string

func init() {
	rootCmd.PersistentFlags().StringVarP(&kvURL, "kv-url", "u", defaultKvURL(), "Keyed store URL.")
}

var rootCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operate the engine's board state",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openKV connects to the keyed store configured on the command line.
func openKV() (*redis.Client, error) {
	return kvstore.Open(kvstore.Config{URL: kvURL})
}

func defaultKvURL() string {
	if url := os.Getenv("KV_URL"); url != "" {
		return url
	}
	return "redis://127.0.0.1:6379"
}
