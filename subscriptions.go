package chatsync

import (
	"context"
	"maps"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ============================================================================
// Topics
// ============================================================================

// Topic is a logical subscription that fans out to one or more transport
// channels. All channels deliver to the same handler.
type Topic struct {
	Name     string
	Channels []string
}

// ChannelTemplates name the channels of a user's inbox. "{userId}" is
// replaced with the user id.
type ChannelTemplates struct {
	Primary string `toml:"primary"`
	Legacy  string `toml:"legacy"`
}

// DefaultChannelTemplates match the STOMP-style destinations used by the
// WebSocket backend. The legacy destination is kept until every server
// publishes on the primary one.
var DefaultChannelTemplates = ChannelTemplates{
	Primary: "/user/{userId}/queue/messages",
	Legacy:  "/queue/messages-{userId}",
}

// InboxTopic returns the chat inbox topic for userID. Empty templates are
// skipped; zero templates fall back to DefaultChannelTemplates.
func InboxTopic(userID string, tpl ChannelTemplates) Topic {
	if tpl.Primary == "" && tpl.Legacy == "" {
		tpl = DefaultChannelTemplates
	}
	t := Topic{Name: "inbox:" + userID}
	for _, c := range []string{tpl.Primary, tpl.Legacy} {
		if c != "" {
			t.Channels = append(t.Channels, strings.ReplaceAll(c, "{userId}", userID))
		}
	}
	return t
}

// FrameHandler receives frames routed to a topic.
type FrameHandler func(Frame)

// ============================================================================
// Registry
// ============================================================================

type topicSub struct {
	topic    Topic
	handler  FrameHandler
	channels map[string]string // subscription id -> channel
}

type registry struct {
	mu      sync.RWMutex
	topics  map[string]*topicSub
	byID    map[string]*topicSub
	log     *zerolog.Logger
	metrics *Metrics
}

func newRegistry(log *zerolog.Logger, metrics *Metrics) *registry {
	return &registry{
		topics:  make(map[string]*topicSub),
		byID:    make(map[string]*topicSub),
		log:     log,
		metrics: metrics,
	}
}

func (r *registry) add(s *topicSub) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics[s.topic.Name] = s
	for id := range s.channels {
		r.byID[id] = s
	}
}

// addChannel attaches a channel to a registered topic. It returns false if
// the topic was dropped in the meantime, e.g. by a disconnect.
func (r *registry) addChannel(s *topicSub, id, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.topics[s.topic.Name] != s {
		return false
	}
	s.channels[id] = channel
	r.byID[id] = s
	return true
}

// remove drops the named topic. When want is non-nil the topic is only
// removed if it is still that exact subscription.
func (r *registry) remove(name string, want *topicSub) *topicSub {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.topics[name]
	if !ok || (want != nil && s != want) {
		return nil
	}
	delete(r.topics, name)
	for id := range s.channels {
		delete(r.byID, id)
	}
	return s
}

func (r *registry) drain() []*topicSub {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*topicSub, 0, len(r.topics))
	for _, s := range r.topics {
		out = append(out, &topicSub{topic: s.topic, handler: s.handler, channels: maps.Clone(s.channels)})
	}
	clear(r.topics)
	clear(r.byID)
	return out
}

func (r *registry) get(name string) (*topicSub, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.topics[name]
	return s, ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

func (r *registry) route(f Frame) {
	r.mu.RLock()
	s, ok := r.byID[f.SubscriptionID]
	r.mu.RUnlock()
	if !ok {
		r.metrics.frameDropped("unknown_subscription")
		r.log.Debug().Str("subscription", f.SubscriptionID).Str("channel", f.Channel).Msg("frame for unknown subscription")
		return
	}

	defer func() {
		if p := recover(); p != nil {
			r.metrics.frameDropped("handler_panic")
			r.log.Error().Str("topic", s.topic.Name).Interface("panic", p).Msg("subscription handler panicked")
		}
	}()
	s.handler(f)
}

// ============================================================================
// Manager subscriptions
// ============================================================================

// Subscription is a handle to a live topic subscription.
type Subscription struct {
	m     *Manager
	entry *topicSub
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() Topic {
	return s.entry.topic
}

// Unsubscribe removes this subscription. It is a no-op if the topic has
// since been replaced or the connection has dropped.
func (s *Subscription) Unsubscribe(ctx context.Context) {
	s.m.unsubscribe(ctx, s.entry.topic.Name, s.entry)
}

// Subscribe registers handler on every channel of topic. It fails with
// ErrSubscriptionRejected unless the manager is connected. An existing
// subscription for the same topic name is replaced.
func (m *Manager) Subscribe(ctx context.Context, topic Topic, handler FrameHandler) (*Subscription, error) {
	if topic.Name == "" || len(topic.Channels) == 0 {
		return nil, errors.New("chatsync: topic needs a name and at least one channel")
	}
	if handler == nil {
		return nil, errors.New("chatsync: nil frame handler")
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.mu.Lock()
	conn, state, closed := m.conn, m.state, m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if state != StateConnected || conn == nil {
		return nil, errors.Wrapf(ErrSubscriptionRejected, "topic %s", topic.Name)
	}

	if prev := m.registry.remove(topic.Name, nil); prev != nil {
		m.log.Info().Str("topic", topic.Name).Msg("replacing existing subscription")
		m.unsubscribeChannels(ctx, conn, prev)
	}

	entry := &topicSub{
		topic:    topic,
		handler:  handler,
		channels: make(map[string]string, len(topic.Channels)),
	}
	m.registry.add(entry)

	for _, channel := range topic.Channels {
		id := uuid.NewString()
		// registered before the wire request so that early deliveries route
		if !m.registry.addChannel(entry, id, channel) {
			return nil, errors.Wrapf(ErrSubscriptionRejected, "topic %s", topic.Name)
		}
		if err := conn.Subscribe(ctx, id, channel); err != nil {
			m.registry.remove(topic.Name, entry)
			delete(entry.channels, id)
			m.unsubscribeChannels(ctx, conn, entry)
			return nil, errors.Wrapf(err, "subscribe %s", channel)
		}
	}

	m.log.Debug().Str("topic", topic.Name).Strs("channels", topic.Channels).Msg("subscribed")
	return &Subscription{m: m, entry: entry}, nil
}

// Unsubscribe removes the named topic. Unknown topics are ignored.
func (m *Manager) Unsubscribe(ctx context.Context, topicName string) {
	m.unsubscribe(ctx, topicName, nil)
}

// Subscribed reports whether a topic is live.
func (m *Manager) Subscribed(topicName string) bool {
	_, ok := m.registry.get(topicName)
	return ok
}

func (m *Manager) unsubscribe(ctx context.Context, topicName string, want *topicSub) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	entry := m.registry.remove(topicName, want)
	if entry == nil {
		return
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		m.unsubscribeChannels(ctx, conn, entry)
	}
}

func (m *Manager) unsubscribeChannels(ctx context.Context, conn Conn, s *topicSub) {
	for id, channel := range s.channels {
		if err := conn.Unsubscribe(ctx, id); err != nil {
			m.log.Warn().Err(err).Str("topic", s.topic.Name).Str("channel", channel).Msg("unsubscribe failed")
		}
	}
}
