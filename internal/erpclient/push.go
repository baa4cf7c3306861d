package erpclient

import (
	"context"
	"fmt"
)

// PushSubscription is a browser-style push subscription: delivery endpoint
// plus the client key material the push service needs.
type PushSubscription struct {
	Endpoint string   `json:"endpoint"`
	Keys     PushKeys `json:"keys"`
}

// PushKeys holds the subscription encryption keys.
type PushKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// SubscribePush registers a push subscription with the server.
func (c *Client) SubscribePush(ctx context.Context, sub PushSubscription) error {
	if _, err := c.do(ctx, "POST", "/api/notifications/subscribe/", sub); err != nil {
		return fmt.Errorf("subscribe push: %w", err)
	}
	return nil
}

// UnsubscribePush removes a subscription, addressed by its endpoint URL.
func (c *Client) UnsubscribePush(ctx context.Context, endpoint string) error {
	body := map[string]string{"endpoint": endpoint}
	if _, err := c.do(ctx, "POST", "/api/notifications/unsubscribe/", body); err != nil {
		return fmt.Errorf("unsubscribe push: %w", err)
	}
	return nil
}
