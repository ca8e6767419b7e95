package history

import (
	"context"
	"sync"
	"time"
)

// DefaultPruneInterval is how often the pruner runs when none is given.
const DefaultPruneInterval = time.Hour

// Prunable is a store with a retention window.
type Prunable interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Logger is the logging interface used by the pruner.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Pruner periodically removes old rows from one or more stores.
type Pruner struct {
	stores    map[string]Prunable
	retention time.Duration
	interval  time.Duration
	logger    Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPruner creates a pruner. Stores are keyed by a name used in logs.
func NewPruner(stores map[string]Prunable, retention, interval time.Duration, logger Logger) *Pruner {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	return &Pruner{
		stores:    stores,
		retention: retention,
		interval:  interval,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start prunes once immediately, then on every interval until Stop or
// ctx is cancelled. A non-positive retention disables pruning.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return
	}
	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop ends the loop and waits for a running prune to finish.
func (p *Pruner) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}

// PruneNow runs one pass over every store and returns the rows removed.
func (p *Pruner) PruneNow(ctx context.Context) int64 {
	var total int64
	for name, store := range p.stores {
		n, err := store.Prune(ctx, p.retention)
		if err != nil {
			if p.logger != nil {
				p.logger.Error("prune failed", "store", name, "error", err)
			}
			continue
		}
		if n > 0 && p.logger != nil {
			p.logger.Info("pruned old rows", "store", name, "rows", n, "retention", p.retention.String())
		}
		total += n
	}
	return total
}

func (p *Pruner) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PruneNow(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.PruneNow(ctx)
		}
	}
}
