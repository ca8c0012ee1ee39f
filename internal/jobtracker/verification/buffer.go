// Package verification batches the high-volume verification outcomes into store writes.
package verification

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/jobtracker/internal/common/logging"
	"github.com/G-Research/jobtracker/internal/common/trackererrors"
	"github.com/G-Research/jobtracker/internal/jobtracker/jobstore"
	"github.com/G-Research/jobtracker/internal/jobtracker/metrics"
	"github.com/G-Research/jobtracker/internal/jobtracker/model"
)

var ErrBufferClosed = errors.New("verification buffer is closed")

// OutcomeWriter is the part of jobstore.JobStore the buffer writes to.
type OutcomeWriter interface {
	RecordFileOutcome(ctx context.Context, outcome *model.FileOutcome) error
	RecordFileOutcomes(ctx context.Context, outcomes []*model.FileOutcome) error
}

// Entry is one buffered outcome together with the transport handle used to acknowledge it.
type Entry[T any] struct {
	Outcome *model.FileOutcome
	Header  model.MessageHeader
	Tag     T
}

// Rejection is an entry the store refused because of its content. It must not be redelivered.
type Rejection[T any] struct {
	Entry *Entry[T]
	Err   error
}

type Options struct {
	// Pending count at which Enqueue flushes inline
	MaxUnacknowledgedMessages int
	FlushInterval             time.Duration
	// Number of consecutive flushes that failed to persist something before OnFatal is called
	MaxConsecutiveFlushFailures int
	// Timeout applied to each store call
	OperationTimeout time.Duration
	// Called once when flushes keep failing
	OnFatal func(error)
}

// Buffer holds verification outcomes until a flush writes them to the store. A flush is triggered inline by
// Enqueue when MaxUnacknowledgedMessages are pending, and by a timer every FlushInterval. At most one flush
// runs at a time: Enqueue waits for a running flush, a timer tick that finds one running is skipped.
//
// Entries whose outcome was persisted are handed back through TakeProcessed so that the owner can
// acknowledge them. Entries that failed transiently stay pending for the next flush.
type Buffer[T any] struct {
	store   OutcomeWriter
	clock   clock.WithTicker
	opts    Options
	metrics *metrics.Metrics
	logger  *log.Entry

	// Held for the duration of a flush.
	flushMu sync.Mutex
	// Guarded by flushMu.
	consecutiveFailures int
	fatalOnce           sync.Once

	// Guards the fields below.
	mu        sync.Mutex
	pending   []*Entry[T]
	processed []*Entry[T]
	rejected  []*Rejection[T]
	closed    bool
}

func NewBuffer[T any](store OutcomeWriter, clock clock.WithTicker, opts Options, m *metrics.Metrics) *Buffer[T] {
	if opts.OnFatal == nil {
		opts.OnFatal = func(err error) {
			logging.WithStacktrace(log.WithField(logging.Component, "verification-buffer"), err).
				Fatal("Verification buffer cannot persist outcomes")
		}
	}
	return &Buffer[T]{
		store:   store,
		clock:   clock,
		opts:    opts,
		metrics: m,
		logger:  logging.NewComponentLogger("verification-buffer"),
	}
}

// Enqueue adds an outcome to the buffer, flushing inline if the buffer is full. It fails only once the
// buffer has been closed, in which case the message should be redelivered.
func (b *Buffer[T]) Enqueue(outcome *model.FileOutcome, header model.MessageHeader, tag T) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.WithStack(ErrBufferClosed)
	}
	b.pending = append(b.pending, &Entry[T]{Outcome: outcome, Header: header, Tag: tag})
	full := len(b.pending) >= b.opts.MaxUnacknowledgedMessages
	b.metrics.SetPending(len(b.pending))
	b.mu.Unlock()

	if !full {
		return nil
	}
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	// Another caller may have flushed while we waited.
	if b.pendingCount() >= b.opts.MaxUnacknowledgedMessages {
		b.flush(metrics.FlushTriggerSize)
	}
	return nil
}

// Flush writes everything pending, waiting for a running flush to finish first.
func (b *Buffer[T]) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	b.flush(metrics.FlushTriggerManual)
	return nil
}

// Run flushes every FlushInterval until ctx is cancelled. Once cancelled no further flush starts, Enqueue
// fails, and Run returns after any running flush has finished.
func (b *Buffer[T]) Run(ctx context.Context) error {
	ticker := b.clock.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			b.close()
			wg.Wait()
			b.flushMu.Lock()
			b.flushMu.Unlock()
			b.logger.Infof("Stopped with %d outcomes pending", b.pendingCount())
			return nil
		case <-ticker.C():
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.tryFlush()
			}()
		}
	}
}

func (b *Buffer[T]) tryFlush() {
	if !b.flushMu.TryLock() {
		b.logger.Debug("Flush already running, skipping tick")
		b.metrics.RecordFlush(metrics.FlushTriggerTimer, metrics.FlushResultSkipped, 0)
		return
	}
	defer b.flushMu.Unlock()
	if b.isClosed() {
		return
	}
	b.flush(metrics.FlushTriggerTimer)
}

// TakeProcessed returns, and forgets, the entries persisted since the last call.
func (b *Buffer[T]) TakeProcessed() []*Entry[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	processed := b.processed
	b.processed = nil
	return processed
}

// TakeRejected returns, and forgets, the entries the store refused since the last call.
func (b *Buffer[T]) TakeRejected() []*Rejection[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	rejected := b.rejected
	b.rejected = nil
	return rejected
}

// flush must be called with flushMu held.
func (b *Buffer[T]) flush(trigger metrics.FlushTrigger) {
	b.mu.Lock()
	snapshot := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(snapshot) == 0 {
		return
	}

	start := b.clock.Now()
	processed, rejected, retry, err := b.write(snapshot)

	b.mu.Lock()
	b.processed = append(b.processed, processed...)
	b.rejected = append(b.rejected, rejected...)
	b.pending = append(retry, b.pending...)
	b.metrics.SetPending(len(b.pending))
	b.mu.Unlock()

	result := metrics.FlushResultSuccess
	switch {
	case len(retry) == len(snapshot):
		result = metrics.FlushResultFailed
	case len(retry) > 0:
		result = metrics.FlushResultPartial
	}
	b.metrics.RecordFlush(trigger, result, b.clock.Since(start))

	if len(retry) == 0 {
		b.consecutiveFailures = 0
		return
	}
	b.consecutiveFailures++
	logging.WithStacktrace(b.logger, err).
		WithField("consecutiveFailures", b.consecutiveFailures).
		Warnf("Failed to persist %d of %d outcomes, will retry", len(retry), len(snapshot))
	if b.consecutiveFailures >= b.opts.MaxConsecutiveFlushFailures {
		b.fatalOnce.Do(func() {
			b.opts.OnFatal(errors.Wrapf(err, "%d consecutive flushes failed", b.consecutiveFailures))
		})
	}
}

// write persists entries as one batch, falling back to one write per entry if the batch fails for a reason
// other than the store being unavailable. It returns the last transient error.
func (b *Buffer[T]) write(entries []*Entry[T]) ([]*Entry[T], []*Rejection[T], []*Entry[T], error) {
	outcomes := make([]*model.FileOutcome, len(entries))
	for i, entry := range entries {
		outcomes[i] = entry.Outcome
	}
	err := b.withTimeout(func(ctx context.Context) error {
		return b.store.RecordFileOutcomes(ctx, outcomes)
	})
	if err == nil {
		return entries, nil, nil, nil
	}
	if trackererrors.IsTransient(err) {
		return nil, nil, entries, err
	}

	var processed, retry []*Entry[T]
	var rejected []*Rejection[T]
	var lastErr error
	for _, entry := range entries {
		err := b.withTimeout(func(ctx context.Context) error {
			return b.store.RecordFileOutcome(ctx, entry.Outcome)
		})
		switch {
		case err == nil:
			processed = append(processed, entry)
		case jobstore.IsApplicationError(err):
			b.logger.WithField(logging.JobId, entry.Outcome.JobId).Warnf("Rejected outcome for %s: %v", entry.Outcome.OutputPath, err)
			rejected = append(rejected, &Rejection[T]{Entry: entry, Err: err})
		default:
			retry = append(retry, entry)
			lastErr = err
		}
	}
	return processed, rejected, retry, lastErr
}

// Store calls are not bound to the caller's context, so that a flush that has started is allowed to finish.
func (b *Buffer[T]) withTimeout(action func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.OperationTimeout)
	defer cancel()
	return action(ctx)
}

func (b *Buffer[T]) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Buffer[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

func (b *Buffer[T]) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
