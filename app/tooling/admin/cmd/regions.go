package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/chainpaint/chainpaint/business/sys/kvstore"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var seedFile string

func init() {
	regionsSeedCmd.Flags().StringVarP(&seedFile, "file", "f", "regions.yaml", "Region seed file.")

	regionsCmd.AddCommand(regionsListCmd, regionsOpenCmd, regionsLockCmd, regionsSeedCmd)
	rootCmd.AddCommand(regionsCmd)
}

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "Manage the open region set",
}

var regionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all open regions",
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := openKV()
		if err != nil {
			return err
		}
		defer kv.Close()

		members, err := kv.SMembers(context.Background(), kvstore.OpenRegions).Result()
		if err != nil {
			return fmt.Errorf("reading open regions: %w", err)
		}

		sort.Strings(members)
		for _, member := range members {
			fmt.Println(member)
		}
		fmt.Printf("%d open regions\n", len(members))

		return nil
	},
}

var regionsOpenCmd = &cobra.Command{
	Use:   "open rx ry",
	Short: "Open a region for drawing",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateRegion(args, true)
	},
}

var regionsLockCmd = &cobra.Command{
	Use:   "lock rx ry",
	Short: "Lock a region against further drawing",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateRegion(args, false)
	},
}

// seedRegions is the yaml form of a region seed file:
//
//	regions:
//	  - rx: 0
//	    ry: 0
type seedRegions struct {
	Regions []struct {
		RX int32 `yaml:"rx"`
		RY int32 `yaml:"ry"`
	} `yaml:"regions"`
}

var regionsSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Open every region listed in a seed file",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(seedFile)
		if err != nil {
			return fmt.Errorf("reading seed file: %w", err)
		}

		var seed seedRegions
		if err := yaml.Unmarshal(data, &seed); err != nil {
			return fmt.Errorf("parsing seed file: %w", err)
		}

		kv, err := openKV()
		if err != nil {
			return err
		}
		defer kv.Close()

		ctx := context.Background()
		added := 0
		for _, reg := range seed.Regions {
			n, err := kv.SAdd(ctx, kvstore.OpenRegions, kvstore.RegionMember(reg.RX, reg.RY)).Result()
			if err != nil {
				return fmt.Errorf("opening region %d:%d: %w", reg.RX, reg.RY, err)
			}
			added += int(n)
		}

		fmt.Printf("opened %d of %d regions\n", added, len(seed.Regions))
		return nil
	},
}

func updateRegion(args []string, open bool) error {
	rx, err1 := strconv.ParseInt(args[0], 10, 32)
	ry, err2 := strconv.ParseInt(args[1], 10, 32)
	if err1 != nil || err2 != nil {
		return fmt.Errorf("region coordinates must be integers")
	}

	kv, err := openKV()
	if err != nil {
		return err
	}
	defer kv.Close()

	member := kvstore.RegionMember(int32(rx), int32(ry))
	ctx := context.Background()

	if open {
		if err := kv.SAdd(ctx, kvstore.OpenRegions, member).Err(); err != nil {
			return fmt.Errorf("opening region: %w", err)
		}
		fmt.Printf("region %s open\n", member)
		return nil
	}

	if err := kv.SRem(ctx, kvstore.OpenRegions, member).Err(); err != nil {
		return fmt.Errorf("locking region: %w", err)
	}
	fmt.Printf("region %s locked\n", member)
	return nil
}
