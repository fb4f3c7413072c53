package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ossrs/go-oryx-lib/logger"
)

var statsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// aggregateOrZero reads the aggregate counters, degrading to all-zero stats
// when the store is unreachable. A persistence outage must not break /stats.
func (v *backend) aggregateOrZero(ctx context.Context) *UsageStats {
	stats, err := v.store.AggregateUsage(ctx)
	if err != nil {
		logger.Wf(ctx, "aggregate usage failed, use zeros: %v", err)
		return &UsageStats{}
	}
	return stats
}

func (v *backend) handleStats(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return writeJSON(ctx, w, v.aggregateOrZero(ctx))
}

// handleLiveStats upgrades to a websocket and pushes the aggregate usage
// snapshot immediately and then on a fixed interval, until the client goes
// away.
func (v *backend) handleLiveStats(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	conn, err := statsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		logger.Wf(ctx, "upgrade stats socket: %v", err)
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Drain the connection so close and ping frames are processed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(v.aggregateOrZero(ctx)); err != nil {
			logger.Tf(ctx, "stats socket closed: %v", err)
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
