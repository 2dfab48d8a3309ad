package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainpaint/chainpaint/business/sys/kvstore"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(accountCmd)
}

var accountCmd = &cobra.Command{
	Use:   "account id-or-name",
	Short: "Resolve an owner id to its account, or an account to its id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := openKV()
		if err != nil {
			return err
		}
		defer kv.Close()

		ctx := context.Background()

		// Try the id direction first, then fall back to the name direction.
		account, err := kv.HGet(ctx, kvstore.IDToAccount, args[0]).Result()
		switch {
		case err == nil:
			fmt.Printf("id %s -> %s\n", args[0], account)
			return nil

		case !errors.Is(err, redis.Nil):
			return fmt.Errorf("reading account: %w", err)
		}

		id, err := kv.HGet(ctx, kvstore.AccountToID, args[0]).Result()
		switch {
		case errors.Is(err, redis.Nil):
			return fmt.Errorf("%q is not a known owner id or account", args[0])

		case err != nil:
			return fmt.Errorf("reading owner id: %w", err)
		}

		fmt.Printf("%s -> id %s\n", args[0], id)
		return nil
	},
}
