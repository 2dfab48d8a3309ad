package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/chainpaint/chainpaint/business/sys/kvstore"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func init() {
	cursorCmd.AddCommand(cursorGetCmd, cursorSetCmd)
	rootCmd.AddCommand(cursorCmd)
}

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Inspect or move the ingester's resume cursor",
}

var cursorGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the last processed block height",
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := openKV()
		if err != nil {
			return err
		}
		defer kv.Close()

		v, err := kv.Get(context.Background(), kvstore.LastProcessedBlock).Result()
		switch {
		case errors.Is(err, redis.Nil):
			fmt.Println("cursor not set")
			return nil

		case err != nil:
			return fmt.Errorf("reading cursor: %w", err)
		}

		fmt.Println(v)
		return nil
	},
}

var cursorSetCmd = &cobra.Command{
	Use:   "set height",
	Short: "Move the cursor so ingestion resumes after the given height",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		height, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("height must be an integer")
		}

		kv, err := openKV()
		if err != nil {
			return err
		}
		defer kv.Close()

		if err := kv.Set(context.Background(), kvstore.LastProcessedBlock, height, 0).Err(); err != nil {
			return fmt.Errorf("setting cursor: %w", err)
		}

		fmt.Printf("cursor set to %d\n", height)
		return nil
	},
}
