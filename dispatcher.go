package capbus

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rbaliyan/capbus/message"
)

// executeTask is one unit of receive-side work: a stored inbox row plus the
// descriptor it routes to. desc may be nil for rows re-enqueued by the retry
// scan; the executor resolves the route again from the decoded headers.
type executeTask struct {
	msg  *message.MediumMessage
	desc *ConsumerExecutorDescriptor
}

// scheduledItem is one delayed message waiting in the scheduler heap.
type scheduledItem struct {
	due   time.Time
	msg   *message.MediumMessage
	index int
}

// scheduleQueue is a min-heap ordered by due time.
type scheduleQueue []*scheduledItem

func (q scheduleQueue) Len() int            { return len(q) }
func (q scheduleQueue) Less(i, j int) bool  { return q[i].due.Before(q[j].due) }
func (q scheduleQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *scheduleQueue) Push(x any)         { item := x.(*scheduledItem); item.index = len(*q); *q = append(*q, item) }
func (q *scheduleQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// dispatcher routes stored messages to the sender and executor worker pools
// and holds delayed messages until they come due. Each bus owns one
// dispatcher; the wake channel is per instance, so concurrent buses never
// pulse each other.
//
// inflight tracks rows currently queued, scheduled or being handled in this
// process, keyed by row id. The retry scan races the live paths once the
// lookback window elapses; custody keeps a row from being queued twice.
type dispatcher struct {
	publishCh chan *message.MediumMessage
	executeCh chan executeTask

	inflight sync.Map

	mu    sync.Mutex
	queue scheduleQueue
	wake  chan struct{}

	logger *slog.Logger
}

func newDispatcher(publishBuffer, executeBuffer int, logger *slog.Logger) *dispatcher {
	return &dispatcher{
		publishCh: make(chan *message.MediumMessage, publishBuffer),
		executeCh: make(chan executeTask, executeBuffer),
		wake:      make(chan struct{}, 1),
		logger:    logger.With("component", "dispatcher"),
	}
}

// EnqueueToPublish queues an outbox row for the sender pool. A row already
// in custody is dropped; the holder finishes or parks it first.
func (d *dispatcher) EnqueueToPublish(ctx context.Context, m *message.MediumMessage) error {
	if _, held := d.inflight.LoadOrStore("p/"+m.DBID, struct{}{}); held {
		return nil
	}
	select {
	case d.publishCh <- m:
		return nil
	case <-ctx.Done():
		d.inflight.Delete("p/" + m.DBID)
		return ctx.Err()
	}
}

// EnqueueToExecute queues an inbox row for the executor pool. A row already
// in custody is dropped.
func (d *dispatcher) EnqueueToExecute(ctx context.Context, task executeTask) error {
	if _, held := d.inflight.LoadOrStore("e/"+task.msg.DBID, struct{}{}); held {
		return nil
	}
	select {
	case d.executeCh <- task:
		return nil
	case <-ctx.Done():
		d.inflight.Delete("e/" + task.msg.DBID)
		return ctx.Err()
	}
}

// ReleasePublish ends custody of an outbox row after the sender handled it.
func (d *dispatcher) ReleasePublish(m *message.MediumMessage) {
	d.inflight.Delete("p/" + m.DBID)
}

// ReleaseExecute ends custody of an inbox row after the executor handled it.
func (d *dispatcher) ReleaseExecute(task executeTask) {
	d.inflight.Delete("e/" + task.msg.DBID)
}

// EnqueueToScheduler holds a delayed outbox row until due, then moves it to
// the publish queue. Custody starts here, or continues when the sender parks
// a not-yet-due row back.
func (d *dispatcher) EnqueueToScheduler(m *message.MediumMessage, due time.Time) {
	d.inflight.LoadOrStore("p/"+m.DBID, struct{}{})

	d.mu.Lock()
	heap.Push(&d.queue, &scheduledItem{due: due, msg: m})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// runScheduler drains due items. It sleeps until the earliest due time and
// is woken early when a new item lands ahead of it.
func (d *dispatcher) runScheduler(ctx context.Context) {
	const idleWait = time.Hour
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		now := time.Now()
		var due []*message.MediumMessage

		d.mu.Lock()
		for d.queue.Len() > 0 && !d.queue[0].due.After(now) {
			item := heap.Pop(&d.queue).(*scheduledItem)
			due = append(due, item.msg)
		}
		wait := idleWait
		if d.queue.Len() > 0 {
			wait = time.Until(d.queue[0].due)
		}
		d.mu.Unlock()

		// Direct handoff, bypassing the custody check: these rows are
		// already held since they entered the scheduler.
		for _, m := range due {
			select {
			case d.publishCh <- m:
			case <-ctx.Done():
				return
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-timer.C:
		}
	}
}

// ScheduledLen reports the number of messages waiting in the scheduler.
func (d *dispatcher) ScheduledLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}
