package journal

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/mstiller/switchboard/internal"
	"github.com/mstiller/switchboard/internal/config"
	"github.com/mstiller/switchboard/internal/storage"
)

const compactionInterval = time.Hour

// Compactor removes journal records past their per-stream retention.
type Compactor struct {
	store  storage.Store
	source *config.Source
	clock  gateway.Clock
}

// NewCompactor creates a Compactor reading retention settings from source.
func NewCompactor(store storage.Store, source *config.Source, clock gateway.Clock) *Compactor {
	if clock == nil {
		clock = gateway.SystemClock{}
	}
	return &Compactor{store: store, source: source, clock: clock}
}

// Run compacts once at startup, then hourly until ctx is cancelled.
// Implements worker.Worker.
func (c *Compactor) Run(ctx context.Context) error {
	c.compact(ctx)
	ticker := time.NewTicker(compactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.compact(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Compactor) compact(ctx context.Context) {
	ret := c.source.Current().Retention
	now := c.clock.Now()

	type stream struct {
		name   string
		keep   time.Duration
		delete func(context.Context, time.Time) (int64, error)
	}
	streams := []stream{
		{"usage", ret.Usage, c.store.DeleteUsageBefore},
		{"error", ret.Error, c.store.DeleteErrorsBefore},
		{"debug", ret.Debug, c.store.DeleteDebugBefore},
		{"performance", ret.Debug, c.store.DeletePerformanceBefore},
	}
	for _, s := range streams {
		if s.keep <= 0 {
			continue
		}
		n, err := s.delete(ctx, now.Add(-s.keep))
		if err != nil {
			slog.Warn("journal compaction failed", "stream", s.name, "error", err)
			continue
		}
		if n > 0 {
			slog.Info("journal compacted", "stream", s.name, "removed", n)
		}
	}
}
