package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/mercatus/mercsync/internal/config"
	"github.com/mercatus/mercsync/internal/erpclient"
	"github.com/spf13/cobra"
)

var (
	pushEndpoint string
	pushP256DH   string
	pushAuth     string
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Manage the server push-notification subscription",
}

var pushSubscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Register a push subscription with the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := getBaseDir()
		cfg, err := config.Load(dir)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client := erpclient.New(cfg.ServerURL, config.Token(dir))
		err = client.SubscribePush(ctx, erpclient.PushSubscription{
			Endpoint: pushEndpoint,
			Keys:     erpclient.PushKeys{P256DH: pushP256DH, Auth: pushAuth},
		})
		if err != nil {
			return err
		}
		fmt.Println("Push subscription registered")
		return nil
	},
}

var pushUnsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe",
	Short: "Remove a push subscription by its endpoint URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := getBaseDir()
		cfg, err := config.Load(dir)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client := erpclient.New(cfg.ServerURL, config.Token(dir))
		if err := client.UnsubscribePush(ctx, pushEndpoint); err != nil {
			return err
		}
		fmt.Println("Push subscription removed")
		return nil
	},
}

func init() {
	pushSubscribeCmd.Flags().StringVar(&pushEndpoint, "endpoint", "", "push service endpoint URL")
	pushSubscribeCmd.Flags().StringVar(&pushP256DH, "p256dh", "", "client public key")
	pushSubscribeCmd.Flags().StringVar(&pushAuth, "auth", "", "client auth secret")
	pushSubscribeCmd.MarkFlagRequired("endpoint")
	pushSubscribeCmd.MarkFlagRequired("p256dh")
	pushSubscribeCmd.MarkFlagRequired("auth")

	pushUnsubscribeCmd.Flags().StringVar(&pushEndpoint, "endpoint", "", "push service endpoint URL")
	pushUnsubscribeCmd.MarkFlagRequired("endpoint")

	pushCmd.AddCommand(pushSubscribeCmd, pushUnsubscribeCmd)
	rootCmd.AddCommand(pushCmd)
}
