package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/mercatus/mercsync/internal/config"
	"github.com/mercatus/mercsync/internal/entity"
	"github.com/mercatus/mercsync/internal/erpclient"
	"github.com/mercatus/mercsync/internal/store"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, pending changes, and per-collection sync times",
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

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client := erpclient.New(cfg.ServerURL, config.Token(dir))
		if err := client.Health(ctx); err != nil {
			fmt.Println("Server:  offline")
		} else {
			fmt.Println("Server:  online")
		}

		pending, err := st.CountPending()
		if err != nil {
			return err
		}
		fmt.Printf("Pending: %d unsynced change(s)\n", pending)

		abandoned, err := st.ListAbandoned()
		if err != nil {
			return err
		}
		if len(abandoned) > 0 {
			fmt.Printf("Dead-lettered: %d mutation(s) need attention\n", len(abandoned))
		}

		fmt.Println("\nCollections:")
		for _, name := range entity.All() {
			meta, err := st.GetSyncMeta(name)
			if err != nil {
				return err
			}
			if meta == nil {
				fmt.Printf("  %-20s never synced\n", name)
				continue
			}
			fmt.Printf("  %-20s synced %s\n", name, meta.SyncedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
