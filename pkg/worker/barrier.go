package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/mediacloud/story-fetcher/pkg/transport"
)

// AwaitConfigured blocks until the configuration-barrier exchange for
// deploymentID exists, polling at interval and giving up after
// timeout. This prevents a worker started against a stale topology
// (mid rolling-deploy) from ever consuming a message.
func AwaitConfigured(ctx context.Context, conn *transport.Connection, deploymentID string, interval, timeout time.Duration) error {
	name := transport.ConfiguredExchangeName(deploymentID)

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := transport.ExchangeExists(conn, name)
		if err == nil && ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("worker: configuration barrier %s not satisfied after %s", name, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
