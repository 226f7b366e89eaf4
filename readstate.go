package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Read-State Reconciler
// ============================================================================

// ReadMarker marks a message read on the server.
type ReadMarker interface {
	MarkRead(ctx context.Context, messageID string) error
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Delay   time.Duration
	Timeout time.Duration
	// OnRead is called after the server accepted a mark-read.
	OnRead  func(Message)
	Logger  *zerolog.Logger
	Metrics *Metrics
}

func (c *ReconcilerConfig) defaults() {
	if c.Delay == 0 {
		c.Delay = 300 * time.Millisecond
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

// Reconciler marks inbound messages of the open conversation read on the
// server shortly after they are shown. Each message id is handled at most
// once; failures are logged and not retried.
type Reconciler struct {
	cfg    ReconcilerConfig
	marker ReadMarker
	agg    *Aggregator
	cache  *MessageCache
	log    *zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*time.Timer
	handled map[string]struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewReconciler creates a Reconciler that updates agg and cache on success.
func NewReconciler(cfg ReconcilerConfig, marker ReadMarker, agg *Aggregator, cache *MessageCache) *Reconciler {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		marker:  marker,
		agg:     agg,
		cache:   cache,
		log:     componentLogger(cfg.Logger, "read-state"),
		pending: make(map[string]*time.Timer),
		handled: make(map[string]struct{}),
	}
}

// Observe schedules a mark-read for msg if it is an unread inbound message
// of the active conversation. It reports whether a call was scheduled.
func (r *Reconciler) Observe(msg Message) bool {
	if !msg.Inbound() || msg.Read || msg.PartnerID() != r.agg.Active() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	if _, ok := r.handled[msg.ID]; ok {
		return false
	}
	r.handled[msg.ID] = struct{}{}
	r.wg.Add(1)
	r.pending[msg.ID] = time.AfterFunc(r.cfg.Delay, func() { r.fire(msg) })
	return true
}

func (r *Reconciler) fire(msg Message) {
	defer r.wg.Done()

	r.mu.Lock()
	if _, ok := r.pending[msg.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, msg.ID)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.Timeout)
	defer cancel()

	if err := r.marker.MarkRead(ctx, msg.ID); err != nil {
		if r.ctx.Err() != nil {
			return
		}
		err = withCause(ErrMarkReadFailed, err)
		r.cfg.Metrics.markReadFailed()
		r.log.Warn().Err(err).Str("message_id", msg.ID).Str("partner_id", msg.PartnerID()).Msg("mark read failed")
		return
	}

	msg.Read = true
	r.cache.MarkRead(msg.ID)
	r.agg.MarkRead(msg.PartnerID(), msg.ID)
	if r.cfg.OnRead != nil {
		r.cfg.OnRead(msg)
	}
}

// Pending returns the number of scheduled calls that have not fired.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Stop cancels scheduled calls and waits for in-flight ones.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	r.stopped = true
	for id, t := range r.pending {
		if t.Stop() {
			r.wg.Done()
		}
		delete(r.pending, id)
	}
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}
