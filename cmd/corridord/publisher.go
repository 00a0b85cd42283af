package main

import (
	"context"
	"log/slog"
)

// runStatePublisher turns store change signals into snapshots and offers
// them to every sink. Sinks see latest-wins delivery: a slow sink skips
// intermediate snapshots but always gets the newest one.
func runStatePublisher(ctx context.Context, store *Store, sinks []chan Snapshot, logger *slog.Logger) {
	logger.Debug("state publisher starting", "sinks", len(sinks))
	for {
		select {
		case <-ctx.Done():
			logger.Debug("state publisher stopping (context canceled)")
			return
		case <-store.Changes():
			snap := store.Snapshot()
			for _, ch := range sinks {
				offerLatest(ch, snap)
			}
		}
	}
}

// offerLatest replaces any queued value in ch with s. Only one goroutine
// may send on ch.
func offerLatest(ch chan Snapshot, s Snapshot) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}
