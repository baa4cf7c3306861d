package cmd

import (
	"fmt"

	"github.com/mercatus/mercsync/internal/config"
	"github.com/mercatus/mercsync/internal/store"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the local store and a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := getBaseDir()

		st, err := store.Initialize(dir)
		if err != nil {
			return fmt.Errorf("initialize store: %w", err)
		}
		defer st.Close()

		if err := config.Save(dir, config.Default()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		if _, err := config.DeviceID(dir); err != nil {
			return fmt.Errorf("assign device id: %w", err)
		}

		fmt.Println("Initialized .mercsync/ (local store, config.yaml, device id)")
		fmt.Println("Set MERCSYNC_TOKEN or edit .mercsync/auth.json to authenticate.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
