package cmd

import (
	"context"
	"fmt"

	"github.com/chainpaint/chainpaint/business/sys/kvstore"
	"github.com/spf13/cobra"
)

func init() {
	queueCmd.AddCommand(queueLenCmd)
	rootCmd.AddCommand(queueCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the draw event queues",
}

var queueLenCmd = &cobra.Command{
	Use:   "len",
	Short: "Show the depth of the draw and processing queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := openKV()
		if err != nil {
			return err
		}
		defer kv.Close()

		ctx := context.Background()

		drawLen, err := kv.LLen(ctx, kvstore.DrawQueue).Result()
		if err != nil {
			return fmt.Errorf("reading draw queue: %w", err)
		}

		processingLen, err := kv.LLen(ctx, kvstore.ProcessingQueue).Result()
		if err != nil {
			return fmt.Errorf("reading processing queue: %w", err)
		}

		fmt.Printf("draw_queue: %d\nprocessing_queue: %d\n", drawLen, processingLen)
		return nil
	},
}
