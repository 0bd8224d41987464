package mcpproxy

import (
	"context"
	"fmt"
	"time"

	"github.com/outpost9/coderunner/internal/mcp"
)

// connectRetries, connectInitialBackoff and connectBackoffMultiplier match
// the proxy's upstream connect contract: 5 attempts, doubling from 50ms.
const (
	connectRetries           = 5
	connectInitialBackoff    = 50 * time.Millisecond
	connectBackoffMultiplier = 2
)

// ConnectWithRetry connects mgr to serverID, retrying with exponential
// backoff on failure. mcp.Manager.Connect itself makes no retry attempt, so
// this is the proxy's connection-pool half of the contract: upstreams flap,
// and a transient dial failure shouldn't take down the whole aggregated
// catalog.
func ConnectWithRetry(ctx context.Context, mgr *mcp.Manager, serverID string) error {
	backoff := connectInitialBackoff
	var lastErr error
	for attempt := 1; attempt <= connectRetries; attempt++ {
		if err := mgr.Connect(ctx, serverID); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == connectRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= connectBackoffMultiplier
	}
	return fmt.Errorf("mcpproxy: connect to upstream %q failed after %d attempts: %w", serverID, connectRetries, lastErr)
}
