package capbus

import (
	"context"
	"log/slog"
	"time"

	"github.com/rbaliyan/capbus/storage"
)

// retryProcessor periodically re-enqueues stalled rows from both tables:
// parked failures and rows orphaned mid-flight by a crash. The lookback
// window keeps it away from rows a live sender or executor still owns.
type retryProcessor struct {
	store      storage.Store
	dispatcher *dispatcher
	opts       *Options
	logger     *slog.Logger
}

func newRetryProcessor(opts *Options, d *dispatcher) *retryProcessor {
	return &retryProcessor{
		store:      opts.store,
		dispatcher: d,
		opts:       opts,
		logger:     opts.logger.With("component", "retry"),
	}
}

func (p *retryProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scan(ctx)
		}
	}
}

func (p *retryProcessor) scan(ctx context.Context) {
	published, err := p.store.MessagesOfNeedRetry(ctx, storage.TablePublished,
		p.opts.maxRetries, p.opts.lookbackWindow, p.opts.retryBatch)
	if err != nil {
		p.logger.Error("publish retry scan failed", "error", err)
	} else {
		for _, m := range published {
			if err := p.dispatcher.EnqueueToPublish(ctx, m); err != nil {
				return
			}
		}
		if len(published) > 0 {
			p.logger.Debug("re-enqueued outbox rows", "count", len(published))
		}
	}

	received, err := p.store.MessagesOfNeedRetry(ctx, storage.TableReceived,
		p.opts.maxRetries, p.opts.lookbackWindow, p.opts.retryBatch)
	if err != nil {
		p.logger.Error("receive retry scan failed", "error", err)
		return
	}
	for _, m := range received {
		// desc resolved by the executor from the decoded headers.
		if err := p.dispatcher.EnqueueToExecute(ctx, executeTask{msg: m}); err != nil {
			return
		}
	}
	if len(received) > 0 {
		p.logger.Debug("re-enqueued inbox rows", "count", len(received))
	}
}

// collectorProcessor removes expired terminal rows in bounded batches, with
// a short yield between batches so bulk deletes never monopolize the store.
type collectorProcessor struct {
	store  storage.Store
	opts   *Options
	logger *slog.Logger
}

func newCollectorProcessor(opts *Options) *collectorProcessor {
	return &collectorProcessor{
		store:  opts.store,
		opts:   opts,
		logger: opts.logger.With("component", "collector"),
	}
}

func (p *collectorProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.collectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collect(ctx)
		}
	}
}

func (p *collectorProcessor) collect(ctx context.Context) {
	for _, table := range []string{storage.TablePublished, storage.TableReceived} {
		var total int64
		for {
			n, err := p.store.DeleteExpires(ctx, table, time.Now(), p.opts.deleteBatch)
			if err != nil {
				p.logger.Error("expiry collection failed", "table", table, "error", err)
				break
			}
			total += n
			if n < int64(p.opts.deleteBatch) {
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
		if total > 0 {
			p.logger.Debug("collected expired rows", "table", table, "count", total)
		}
	}
}
