package wsgateway

import (
	"context"
	"sync"
	"time"

	"github.com/impactlink/realtime-gateway/internal/config"
	"github.com/impactlink/realtime-gateway/internal/models"
	"github.com/impactlink/realtime-gateway/internal/storage"
	"github.com/impactlink/realtime-gateway/pkg/logger"
)

type presenceJob struct {
	presence models.Presence
	flushed  chan struct{}
}

// PresenceTracker writes presence changes to the store from a single
// goroutine, so updates for a user land in the order they were enqueued.
// Store failures are retried, then logged and dropped.
//
// Updates are never refused for lack of room. Once QueueSize updates are
// pending, older updates of a user are folded into that user's newest one,
// so a slow store delays writes but the last write per user is still the
// latest state.
type PresenceTracker struct {
	store  storage.PresenceStore
	config config.PresenceConfig
	now    storage.Clock

	mu      sync.Mutex
	cond    *sync.Cond
	pending []presenceJob
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// NewPresenceTracker creates a tracker; call Start before enqueueing
func NewPresenceTracker(store storage.PresenceStore, cfg config.PresenceConfig) *PresenceTracker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	t := &PresenceTracker{
		store:   store,
		config:  cfg,
		now:     time.Now,
		pending: make([]presenceJob, 0, cfg.QueueSize),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Start launches the writer goroutine
func (t *PresenceTracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.stopped {
		return
	}
	t.started = true

	t.wg.Add(1)
	go t.run()
}

// Enqueue schedules an upsert of userID to status stamped with the current
// time. It never blocks; it reports false for invalid updates and after Stop.
func (t *PresenceTracker) Enqueue(userID string, status models.PresenceStatus) bool {
	p := models.NewPresence(userID, status, t.now())
	if err := p.Validate(); err != nil {
		logger.Warn("Dropping invalid presence update",
			logger.ErrorField(err),
			logger.String("user_id", userID),
			logger.String("status", string(status)),
		)
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		presenceWrites.WithLabelValues("dropped").Inc()
		return false
	}

	if len(t.pending) >= t.config.QueueSize {
		t.compactLocked()
	}
	t.pending = append(t.pending, presenceJob{presence: p})
	presenceQueueDepth.Set(float64(len(t.pending)))
	t.cond.Signal()
	return true
}

// compactLocked keeps only the newest pending update of each user, in the
// position of that newest update. Flush markers are kept.
func (t *PresenceTracker) compactLocked() {
	newest := make(map[string]int, len(t.pending))
	for i, job := range t.pending {
		if job.flushed == nil {
			newest[job.presence.UserID] = i
		}
	}

	kept := t.pending[:0]
	for i, job := range t.pending {
		if job.flushed == nil && newest[job.presence.UserID] != i {
			continue
		}
		kept = append(kept, job)
	}
	folded := len(t.pending) - len(kept)
	for i := len(kept); i < len(t.pending); i++ {
		t.pending[i] = presenceJob{}
	}
	t.pending = kept

	if folded > 0 {
		presenceWrites.WithLabelValues("coalesced").Add(float64(folded))
		logger.Warn("Presence writer behind, coalesced pending updates",
			logger.Int("coalesced", folded),
			logger.Int("pending", len(t.pending)),
		)
	}
}

// Flush blocks until every update enqueued before the call has been written
// or superseded by a newer update of the same user.
func (t *PresenceTracker) Flush(ctx context.Context) error {
	job := presenceJob{flushed: make(chan struct{})}

	t.mu.Lock()
	if t.stopped || !t.started {
		t.mu.Unlock()
		return nil
	}
	t.pending = append(t.pending, job)
	t.cond.Signal()
	t.mu.Unlock()

	select {
	case <-job.flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains pending updates and waits for the writer to exit
func (t *PresenceTracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.cond.Broadcast()
	t.mu.Unlock()

	t.wg.Wait()
}

// next blocks for the oldest pending job; ok is false once stopped and drained
func (t *PresenceTracker) next() (presenceJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.pending) == 0 && !t.stopped {
		t.cond.Wait()
	}
	if len(t.pending) == 0 {
		return presenceJob{}, false
	}

	job := t.pending[0]
	t.pending[0] = presenceJob{}
	t.pending = t.pending[1:]
	presenceQueueDepth.Set(float64(len(t.pending)))
	return job, true
}

func (t *PresenceTracker) run() {
	defer t.wg.Done()

	for {
		job, ok := t.next()
		if !ok {
			return
		}
		if job.flushed != nil {
			close(job.flushed)
			continue
		}
		t.write(job.presence)
	}
}

func (t *PresenceTracker) write(p models.Presence) {
	delay := t.config.RetryDelay
	var err error

	for attempt := 1; attempt <= t.config.MaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), t.config.WriteTimeout)
		err = t.store.UpsertPresence(ctx, p)
		cancel()
		if err == nil {
			presenceWrites.WithLabelValues("success").Inc()
			logger.Debug("Presence updated",
				logger.String("user_id", p.UserID),
				logger.String("status", string(p.Status)),
			)
			return
		}
		if attempt < t.config.MaxRetries && delay > 0 {
			time.Sleep(delay)
			delay *= 2
		}
	}

	presenceWrites.WithLabelValues("error").Inc()
	logger.Warn("Failed to update presence",
		logger.ErrorField(err),
		logger.String("user_id", p.UserID),
		logger.String("status", string(p.Status)),
		logger.Int("attempts", t.config.MaxRetries),
	)
}
