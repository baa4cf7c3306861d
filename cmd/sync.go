package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/mercatus/mercsync/internal/config"
	"github.com/mercatus/mercsync/internal/engine"
	"github.com/mercatus/mercsync/internal/erpclient"
	"github.com/mercatus/mercsync/internal/store"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := getBaseDir()
		cfg, err := config.Load(dir)
		if err != nil {
			return err
		}

		st, err := store.Open(dir)
		if err != nil {
			return err
		}
		defer st.Close()

		client := erpclient.New(cfg.ServerURL, config.Token(dir))
		eng := engine.New(st, client, engine.Config{
			Interval:   cfg.Sync.Interval,
			MaxRetries: cfg.Sync.MaxRetries,
		}, nil, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		res, err := eng.ForceSync(ctx)
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		if res.Skipped {
			fmt.Println("Skipped: device is offline")
			return nil
		}

		fmt.Printf("Synced %d collections in %s\n",
			len(res.Collections), res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
		if res.Drained > 0 {
			fmt.Printf("  drained %d queued mutation(s)\n", res.Drained)
		}
		if res.DeadLettered > 0 {
			fmt.Printf("  dead-lettered %d mutation(s) (see 'mercsync queue list --abandoned')\n", res.DeadLettered)
		}
		for _, w := range res.Warnings {
			fmt.Printf("  warning: refresh failed for %s (cached copy retained)\n", w)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
