package convsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ThreadReconciler keeps each root's join count equal to the server's.
//
// The push path overwrites counts declared by root updates and re-verifies
// a root whenever one of its replies is observed. The pull path re-fetches
// counts on a fixed interval. Both always overwrite with server values and
// never add locally, so they are safe to run concurrently.
type ThreadReconciler struct {
	store    *ConversationStore
	backend  Backend
	interval time.Duration
	allRoots bool
	log      *zap.Logger
	metrics  *Metrics

	// onChange runs after a count changed; onDenied after an access loss.
	onChange func()
	onDenied func(error)

	mu       sync.Mutex
	threaded map[string]struct{}
	pending  map[string]struct{}
	inflight sync.WaitGroup
}

// NewThreadReconciler creates a reconciler over store.
func NewThreadReconciler(store *ConversationStore, backend Backend, cfg Config, log *zap.Logger, metrics *Metrics) *ThreadReconciler {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &ThreadReconciler{
		store:    store,
		backend:  backend,
		interval: cfg.ReconcileInterval,
		allRoots: cfg.ReconcileAllRoots,
		log:      log,
		metrics:  metrics,
		onChange: func() {},
		onDenied: func(error) {},
		threaded: make(map[string]struct{}),
		pending:  make(map[string]struct{}),
	}
}

// Observe records which of msgs already anchor a thread.
func (r *ThreadReconciler) Observe(msgs []Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		if m.IsRoot() && m.JoinCount >= 2 {
			r.threaded[m.ID] = struct{}{}
		}
	}
}

// HasThread reports whether rootID has ever been seen with a thread. Once
// true it stays true, even if replies are deleted later.
func (r *ThreadReconciler) HasThread(rootID string) bool {
	r.mu.Lock()
	_, ok := r.threaded[rootID]
	r.mu.Unlock()
	if ok {
		return true
	}
	m, found := r.store.Get(rootID)
	return found && m.IsRoot() && m.JoinCount >= 2
}

// ApplyServerCount overwrites rootID's join count with a server value.
func (r *ThreadReconciler) ApplyServerCount(rootID string, count int) bool {
	r.mu.Lock()
	delete(r.pending, rootID)
	if count >= 2 {
		r.threaded[rootID] = struct{}{}
	}
	r.mu.Unlock()

	changed := r.store.SetJoinCount(rootID, count)
	if changed {
		r.onChange()
	}
	return changed
}

// OnReplyInserted flags the reply's root and re-verifies its count in the
// background.
func (r *ThreadReconciler) OnReplyInserted(ctx context.Context, reply Message) {
	rootID := reply.RootID()
	if rootID == reply.ID {
		return
	}
	r.mu.Lock()
	r.pending[rootID] = struct{}{}
	r.mu.Unlock()

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		if err := r.Verify(ctx, []string{rootID}); err != nil {
			r.log.Debug("reply verification failed; repair pass will retry",
				zap.String("root", rootID), zap.Error(err))
		}
	}()
}

// Verify fetches the server counts for ids and overwrites local state.
// Results for a conversation that is no longer current are discarded.
func (r *ThreadReconciler) Verify(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	conversationID, gen := r.store.Session()
	counts, err := r.backend.FetchJoinCounts(ctx, ids)
	if err != nil {
		err = classify(err)
		if IsAccessDenied(err) {
			r.onDenied(err)
		}
		return fmt.Errorf("fetch join counts: %w", err)
	}
	if c, g := r.store.Session(); c != conversationID || g != gen {
		r.log.Debug("discarding join counts for stale conversation", zap.String("conversation", conversationID))
		return nil
	}
	for id, count := range counts {
		if r.ApplyServerCount(id, count) {
			r.metrics.ReconcileCorrections.Inc()
			r.log.Debug("join count corrected", zap.String("root", id), zap.Int("count", count))
		}
	}
	return nil
}

// Repair runs one pull pass over the visible roots that anchor a thread,
// are awaiting verification, or all roots when so configured.
func (r *ThreadReconciler) Repair(ctx context.Context) error {
	return r.Verify(ctx, r.candidates())
}

func (r *ThreadReconciler) candidates() []string {
	roots := r.store.Messages()

	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, m := range roots {
		_, threaded := r.threaded[m.ID]
		_, pending := r.pending[m.ID]
		if r.allRoots || threaded || pending || m.JoinCount >= 2 {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Run repairs on every interval tick until ctx is done or access is lost.
// Single failed passes are logged and retried on the next tick.
func (r *ThreadReconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Repair(ctx); err != nil {
				if IsAccessDenied(err) || ctx.Err() != nil {
					return
				}
				r.log.Warn("join count repair failed", zap.Error(err))
			}
		}
	}
}

// Wait blocks until background verifications finish.
func (r *ThreadReconciler) Wait() {
	r.inflight.Wait()
}

// Reset forgets thread and pending state.
func (r *ThreadReconciler) Reset() {
	r.mu.Lock()
	r.threaded = make(map[string]struct{})
	r.pending = make(map[string]struct{})
	r.mu.Unlock()
}
