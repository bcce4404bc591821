// Package mirror delivers outbound write intents to write-capable accounts.
// Delivery is at-least-once over a bounded in-process queue; duplicates are
// collapsed by (canonical_event_id, version, operation).
package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"

	"github.com/tempora-io/tempora/internal/storage"
	"github.com/tempora-io/tempora/internal/telemetry"
)

// AccountClient pushes one batch of intents to a single target account. The
// per-account runtime behind it is out of scope here.
type AccountClient interface {
	Push(ctx context.Context, accountID string, intents []storage.MirrorIntent) error
}

type intentKey struct {
	eventID   string
	version   int64
	operation storage.MirrorOperation
}

type Writer struct {
	client  AccountClient
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	queue    chan storage.MirrorIntent
	attempts uint

	mu       sync.Mutex
	inflight map[intentKey]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewWriter(client AccountClient, capacity, maxAttempts int, metrics *telemetry.Metrics, logger zerolog.Logger) *Writer {
	if capacity <= 0 {
		capacity = 4096
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Writer{
		client:   client,
		metrics:  metrics,
		logger:   logger.With().Str("component", "mirror").Logger(),
		queue:    make(chan storage.MirrorIntent, capacity),
		attempts: uint(maxAttempts),
		inflight: make(map[intentKey]bool),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Enqueue accepts intents for delivery. A duplicate of an intent already
// queued is dropped silently; a full queue drops the intent and reports it.
// Returns how many intents were accepted.
func (w *Writer) Enqueue(intents []storage.MirrorIntent) int {
	accepted := 0
	for _, intent := range intents {
		key := intentKey{intent.EventID, intent.Version, intent.Operation}
		w.mu.Lock()
		if w.inflight[key] {
			w.mu.Unlock()
			continue
		}
		w.inflight[key] = true
		w.mu.Unlock()

		select {
		case w.queue <- intent:
			accepted++
			if w.metrics != nil {
				w.metrics.MirrorQueueDepth.Set(float64(len(w.queue)))
			}
		default:
			w.forget(key)
			if w.metrics != nil {
				w.metrics.MirrorDropped.Inc()
			}
			w.logger.Warn().
				Str("event_id", intent.EventID).
				Int64("version", intent.Version).
				Msg("mirror queue full, intent dropped")
		}
	}
	return accepted
}

func (w *Writer) forget(key intentKey) {
	w.mu.Lock()
	delete(w.inflight, key)
	w.mu.Unlock()
}

// Start launches the delivery loop. Intents are drained in small batches,
// grouped by target account, and pushed with retry.
func (w *Writer) Start(ctx context.Context) {
	go func() {
		defer close(w.doneCh)
		for {
			select {
			case intent := <-w.queue:
				batch := w.drain(intent)
				w.deliver(ctx, batch)
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (w *Writer) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// drain collects whatever else is immediately available behind the first
// intent, bounded to keep batches small.
func (w *Writer) drain(first storage.MirrorIntent) []storage.MirrorIntent {
	batch := []storage.MirrorIntent{first}
	for len(batch) < 64 {
		select {
		case intent := <-w.queue:
			batch = append(batch, intent)
		default:
			if w.metrics != nil {
				w.metrics.MirrorQueueDepth.Set(float64(len(w.queue)))
			}
			return batch
		}
	}
	return batch
}

func (w *Writer) deliver(ctx context.Context, batch []storage.MirrorIntent) {
	byAccount := make(map[string][]storage.MirrorIntent)
	for _, intent := range batch {
		byAccount[intent.TargetAccountID] = append(byAccount[intent.TargetAccountID], intent)
	}

	for accountID, intents := range byAccount {
		err := retry.Do(
			func() error { return w.client.Push(ctx, accountID, intents) },
			retry.Context(ctx),
			retry.Attempts(w.attempts),
			retry.Delay(time.Second),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
		)
		for _, intent := range intents {
			w.forget(intentKey{intent.EventID, intent.Version, intent.Operation})
		}
		if err != nil {
			// At-least-once: the intents re-enter the queue on the next
			// delta that produces them; we only log the failed handoff.
			w.logger.Error().
				Err(err).
				Str("account_id", accountID).
				Int("intents", len(intents)).
				Msg("mirror delivery failed")
			continue
		}
		if w.metrics != nil {
			for _, intent := range intents {
				w.metrics.MirrorDelivered.WithLabelValues(string(intent.Operation)).Inc()
			}
		}
	}
}
