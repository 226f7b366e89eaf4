package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Session
// ============================================================================

// SessionConfig configures a Session.
type SessionConfig struct {
	SelfID     string
	Credential string
	API        MessageAPI

	// Storage defaults to a MemoryStorage.
	Storage Storage
	// Channels defaults to DefaultChannelTemplates.
	Channels ChannelTemplates

	LivenessInterval time.Duration
	RefreshInterval  time.Duration
	MarkReadDelay    time.Duration
	RequestTimeout   time.Duration

	Logger  *zerolog.Logger
	Metrics *Metrics
}

func (c *SessionConfig) defaults() {
	if c.Storage == nil {
		c.Storage = NewMemoryStorage()
	}
	if c.LivenessInterval == 0 {
		c.LivenessInterval = 10 * time.Second
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 30 * time.Second
	}
	if c.MarkReadDelay == 0 {
		c.MarkReadDelay = 300 * time.Millisecond
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
}

// UpdateKind says which part of the session view changed.
type UpdateKind int

const (
	UpdateConversations UpdateKind = iota
	UpdateMessages
)

// Update notifies listeners of a change in the session view.
type Update struct {
	Kind      UpdateKind
	PartnerID string
}

// Session keeps one user's conversations in sync: it seeds from storage and
// a bulk fetch, applies pushes from the Manager, tracks the open
// conversation and reconciles read state with the server.
type Session struct {
	cfg        SessionConfig
	mgr        *Manager
	topic      Topic
	agg        *Aggregator
	cache      *MessageCache
	reconciler *Reconciler
	log        *zerolog.Logger
	metrics    *Metrics

	// writes queues storage writes for writeLoop.
	writes chan []Message

	mu        sync.Mutex
	running   bool
	listeners listeners[func(Update)]
}

const writeQueueSize = 256

// NewSession creates a Session that pushes through mgr.
func NewSession(cfg SessionConfig, mgr *Manager) (*Session, error) {
	if cfg.SelfID == "" {
		return nil, errors.New("chatsync: session needs a self id")
	}
	if cfg.API == nil {
		return nil, errors.New("chatsync: session needs a message API")
	}
	if mgr == nil {
		return nil, errors.New("chatsync: session needs a connection manager")
	}
	cfg.defaults()

	log := componentLogger(cfg.Logger, "session").With().Str("self_id", cfg.SelfID).Logger()
	s := &Session{
		cfg:     cfg,
		mgr:     mgr,
		topic:   InboxTopic(cfg.SelfID, cfg.Channels),
		agg:     NewAggregator(),
		log:     &log,
		metrics: cfg.Metrics,
		writes:  make(chan []Message, writeQueueSize),
	}
	s.cache = NewMessageCache(cfg.Logger, cfg.Metrics)
	s.reconciler = NewReconciler(ReconcilerConfig{
		Delay:   cfg.MarkReadDelay,
		Timeout: cfg.RequestTimeout,
		OnRead:  s.markedRead,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	}, cfg.API, s.agg, s.cache)
	return s, nil
}

// OnUpdate registers a listener for view changes. Listeners run on the
// goroutine that caused the change and must not block.
func (s *Session) OnUpdate(h func(Update)) func() {
	s.mu.Lock()
	id := s.listeners.add(h)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners.handlers, id)
		s.mu.Unlock()
	}
}

func (s *Session) notify(u Update) {
	s.mu.Lock()
	handlers := s.listeners.snapshot()
	s.mu.Unlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Interface("panic", r).Msg("update listener panicked")
				}
			}()
			h(u)
		}()
	}
}

// Run starts the session and blocks until ctx is done. A Session runs once.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("chatsync: session already started")
	}
	s.running = true
	s.mu.Unlock()

	s.seedFromStorage(ctx)
	s.refresh(ctx)

	stopSubscribing := s.mgr.OnConnected(s.subscribeInbox)
	defer stopSubscribing()
	s.mgr.Connect(s.cfg.Credential)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.writeLoop(gctx)
	})
	g.Go(func() error {
		return s.every(gctx, s.cfg.LivenessInterval, s.checkLiveness)
	})
	g.Go(func() error {
		return s.every(gctx, s.cfg.RefreshInterval, s.refresh)
	})
	err := g.Wait()

	s.reconciler.Stop()
	s.mgr.Disconnect()
	s.drainWrites()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (s *Session) every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// checkLiveness restarts the connection when the manager has gone idle,
// which happens after the reconnect ceiling is reached.
func (s *Session) checkLiveness(context.Context) {
	if s.mgr.State() == StateDisconnected {
		s.log.Info().Msg("connection idle, reconnecting")
		s.mgr.Connect(s.cfg.Credential)
	}
}

func (s *Session) subscribeInbox() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	if _, err := s.mgr.Subscribe(ctx, s.topic, s.handleFrame); err != nil {
		s.log.Warn().Err(err).Str("topic", s.topic.Name).Msg("inbox subscription failed")
	}
}

func (s *Session) seedFromStorage(ctx context.Context) {
	msgs, err := s.cfg.Storage.Messages(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("load stored messages")
		return
	}
	if len(msgs) > 0 && s.agg.Seed(msgs) {
		s.notify(Update{Kind: UpdateConversations})
	}
}

// refresh applies a bulk fetch. Read flags set elsewhere since the last
// fetch lower the unread counts.
func (s *Session) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	msgs, err := s.cfg.API.FetchMessages(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("bulk fetch failed")
		return
	}
	s.persist(ctx, msgs)
	for range msgs {
		s.metrics.ingested(SourceFetch)
	}
	if s.agg.Seed(msgs) {
		s.notify(Update{Kind: UpdateConversations})
	}
}

func (s *Session) handleFrame(f Frame) {
	msg, err := DecodeMessage(s.cfg.SelfID, f.Body)
	if err != nil {
		s.metrics.frameDropped("malformed")
		s.log.Warn().Err(err).Str("channel", f.Channel).Msg("dropping pushed frame")
		return
	}
	s.IngestPush(msg)
}

// IngestPush applies a pushed message. Repeated deliveries of the same id,
// for instance on the primary and the legacy channel, are absorbed.
func (s *Session) IngestPush(msg Message) {
	s.Ingest(msg, SourcePush)
}

// Ingest applies one observed message from the given source.
func (s *Session) Ingest(msg Message, source MessageSource) {
	s.metrics.ingested(source)
	convChanged := s.agg.Apply(msg)

	var cacheChanged bool
	switch source {
	case SourceSend:
		cacheChanged = s.cache.AppendFromSendResult(msg)
	default:
		cacheChanged = s.cache.AppendFromPush(msg)
	}

	s.persistAsync([]Message{msg})
	s.reconciler.Observe(msg)

	if convChanged {
		s.notify(Update{Kind: UpdateConversations, PartnerID: msg.PartnerID()})
	}
	if cacheChanged {
		s.notify(Update{Kind: UpdateMessages, PartnerID: msg.PartnerID()})
	}
}

// persistAsync hands msgs to writeLoop so push delivery never waits on
// storage. A full queue falls back to writing inline.
func (s *Session) persistAsync(msgs []Message) {
	select {
	case s.writes <- msgs:
	default:
		s.log.Debug().Int("count", len(msgs)).Msg("storage queue full, writing inline")
		s.persistNow(msgs)
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msgs := <-s.writes:
			s.persistNow(msgs)
		}
	}
}

// drainWrites flushes whatever is still queued once the session stops.
func (s *Session) drainWrites() {
	for {
		select {
		case msgs := <-s.writes:
			s.persistNow(msgs)
		default:
			return
		}
	}
}

func (s *Session) persistNow(msgs []Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	s.persist(ctx, msgs)
}

func (s *Session) persist(ctx context.Context, msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	if err := s.cfg.Storage.PutMessages(ctx, msgs); err != nil {
		s.log.Warn().Err(err).Int("count", len(msgs)).Msg("persist messages")
	}
}

// markedRead queues the read copy behind any pending write of the same
// message; Put only ever advances the read flag.
func (s *Session) markedRead(msg Message) {
	s.persistAsync([]Message{msg})
	s.notify(Update{Kind: UpdateConversations, PartnerID: msg.PartnerID()})
	s.notify(Update{Kind: UpdateMessages, PartnerID: msg.PartnerID()})
}

// Open makes partnerID the viewed conversation: its history is fetched into
// the cache, its unread count drops to zero and its unread messages are
// marked read on the server. Messages pushed while the history loads are
// kept alongside it.
func (s *Session) Open(ctx context.Context, partnerID string) error {
	if partnerID == "" {
		return errors.New("chatsync: empty partner id")
	}
	s.cache.Begin(partnerID)
	s.agg.SetActive(partnerID)
	if s.agg.ClearUnread(partnerID) {
		s.notify(Update{Kind: UpdateConversations, PartnerID: partnerID})
	}
	s.notify(Update{Kind: UpdateMessages, PartnerID: partnerID})

	msgs, err := s.cfg.API.FetchConversation(ctx, partnerID)
	if err != nil {
		stored, serr := s.cfg.Storage.ConversationMessages(ctx, partnerID, 0)
		if serr != nil {
			stored = nil
		}
		s.log.Warn().Err(err).Str("partner_id", partnerID).Int("stored", len(stored)).Msg("fetch conversation failed, showing stored history")
		if s.cache.Merge(partnerID, stored) {
			s.notify(Update{Kind: UpdateMessages, PartnerID: partnerID})
		}
		return errors.Wrapf(err, "open conversation %s", partnerID)
	}
	if s.agg.Active() != partnerID || !s.cache.Merge(partnerID, msgs) {
		// another conversation was opened while fetching
		return nil
	}

	s.persist(ctx, msgs)
	s.agg.Seed(msgs)
	s.agg.ClearUnread(partnerID)
	for _, m := range s.cache.Messages() {
		s.reconciler.Observe(m)
	}
	s.notify(Update{Kind: UpdateConversations, PartnerID: partnerID})
	s.notify(Update{Kind: UpdateMessages, PartnerID: partnerID})
	return nil
}

// CloseConversation clears the viewed conversation.
func (s *Session) CloseConversation() {
	prev := s.agg.SetActive("")
	s.cache.Reset()
	if prev != "" {
		s.notify(Update{Kind: UpdateMessages, PartnerID: prev})
	}
}

// Send posts content to partnerID and applies the server's copy locally.
// Failures are returned to the caller and leave local state untouched.
func (s *Session) Send(ctx context.Context, partnerID, content string) (Message, error) {
	msg, err := s.cfg.API.Send(ctx, partnerID, content)
	if err != nil {
		return Message{}, errors.Wrapf(err, "send to %s", partnerID)
	}
	s.Ingest(msg, SourceSend)
	return msg, nil
}

// Conversations returns the conversation list, most recent first.
func (s *Session) Conversations() []Conversation {
	return s.agg.Conversations()
}

// Messages returns the open conversation in chronological order.
func (s *Session) Messages() []Message {
	return s.cache.Messages()
}

// ActivePartner returns the partner of the open conversation, if any.
func (s *Session) ActivePartner() string {
	return s.agg.Active()
}

// TotalUnread sums unread counts across conversations.
func (s *Session) TotalUnread() int {
	return s.agg.TotalUnread()
}

// State returns the push connection state.
func (s *Session) State() ConnState {
	return s.mgr.State()
}
