// ABOUTME: Background maintenance loop for the gateway
// ABOUTME: Reconnects MCP servers, refreshes the tool index and purges idle chat sessions

package gateway

import (
	"context"
	"time"

	"github.com/2389/chatgate/internal/mcp"
	"github.com/2389/chatgate/internal/metrics"
)

// maintenanceInterval is how often the maintenance loop runs.
const maintenanceInterval = time.Minute

// runMaintenance runs one pass immediately and then every interval until ctx is done.
func (g *Gateway) runMaintenance(ctx context.Context, interval time.Duration) {
	g.maintain(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.maintain(ctx)
		}
	}
}

// maintain performs one maintenance pass.
func (g *Gateway) maintain(ctx context.Context) {
	g.refreshServers(ctx)
	g.purgeSessions(ctx)
}

// refreshServers redials unreachable MCP servers with the service token and
// refreshes the tool index used to route #tags.
func (g *Gateway) refreshServers(ctx context.Context) {
	g.registry.Connect(ctx, g.config.MCP.BearerToken)
	statuses := g.registry.Status(ctx)

	connected := 0
	for _, st := range statuses {
		if st.Status == mcp.StatusConnected {
			connected++
		}
	}
	g.logger.Debug("mcp servers refreshed", "configured", len(statuses), "connected", connected)
}

// purgeSessions deletes chat sessions idle for longer than chat.retention.
func (g *Gateway) purgeSessions(ctx context.Context) {
	n, err := g.store.PurgeOldSessions(ctx, g.config.Chat.Retention, time.Now().UTC())
	if err != nil {
		g.logger.Error("failed to purge chat sessions", "error", err)
		return
	}
	if n > 0 {
		metrics.SessionsPurgedTotal.Add(float64(n))
		g.logger.Info("purged idle chat sessions", "count", n, "retention", g.config.Chat.Retention)
	}
}
