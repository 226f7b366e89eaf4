package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// Config configures a Manager. ReconnectMaxDelay may not be less than
// ReconnectBaseDelay × MaxReconnectAttempts.
type Config struct {
	Transport Transport

	// DisableAutoReconnect turns off the backoff loop after a drop.
	DisableAutoReconnect bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	DialTimeout          time.Duration
	HeartbeatInterval    time.Duration
	// HeartbeatTolerance is how many heartbeat intervals may pass with no
	// inbound traffic before the connection is considered dead.
	HeartbeatTolerance int

	Logger  *zerolog.Logger
	Metrics *Metrics
}

func (c *Config) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 4 * time.Second
	}
	if c.HeartbeatTolerance == 0 {
		c.HeartbeatTolerance = 3
	}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type listeners[T any] struct {
	next     int
	handlers map[int]T
}

func (l *listeners[T]) add(h T) int {
	if l.handlers == nil {
		l.handlers = make(map[int]T)
	}
	l.next++
	l.handlers[l.next] = h
	return l.next
}

func (l *listeners[T]) snapshot() []T {
	out := make([]T, 0, len(l.handlers))
	for i := 1; i <= l.next; i++ {
		if h, ok := l.handlers[i]; ok {
			out = append(out, h)
		}
	}
	return out
}

type eventDispatcher struct {
	mu             sync.RWMutex
	log            *zerolog.Logger
	onConnected    listeners[func()]
	onDisconnected listeners[func(error)]
	onReconnecting listeners[func(int, time.Duration)]
	onError        listeners[func(error)]
}

// safely runs a listener so that a panic cannot take down the loop that
// emitted the event.
func (d *eventDispatcher) safely(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("event", event).Interface("panic", r).Msg("listener panicked")
		}
	}()
	fn()
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := d.onConnected.snapshot()
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safely("connected", h)
	}
}

func (d *eventDispatcher) emitDisconnected(err error) {
	d.mu.RLock()
	handlers := d.onDisconnected.snapshot()
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safely("disconnected", func() { h(err) })
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := d.onReconnecting.snapshot()
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safely("reconnecting", func() { h(attempt, delay) })
	}
}

func (d *eventDispatcher) emitError(err error) {
	d.mu.RLock()
	handlers := d.onError.snapshot()
	d.mu.RUnlock()
	for _, h := range handlers {
		d.safely("error", func() { h(err) })
	}
}

func (d *eventDispatcher) reset() {
	d.mu.Lock()
	d.onConnected = listeners[func()]{}
	d.onDisconnected = listeners[func(error)]{}
	d.onReconnecting = listeners[func(int, time.Duration)]{}
	d.onError = listeners[func(error)]{}
	d.mu.Unlock()
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector computes linear backoff: attempt n waits baseDelay*n.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *Config) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	delay := r.baseDelay * time.Duration(r.attempt)
	if r.maxDelay > 0 && delay > r.maxDelay {
		delay = r.maxDelay
	}
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Manager
// ============================================================================

// Manager owns one push connection: it dials through the Transport, keeps
// the connection alive with heartbeats, reconnects with backoff after
// unexpected drops and routes inbound frames to topic subscriptions.
type Manager struct {
	cfg        Config
	log        *zerolog.Logger
	metrics    *Metrics
	dispatcher *eventDispatcher
	registry   *registry

	mu           sync.Mutex
	state        ConnState
	credential   string
	conn         Conn
	cancelFn     context.CancelFunc
	recon        *reconnector
	timer        *time.Timer
	gen          uint64
	lastActivity time.Time
	closed       bool

	subMu sync.Mutex
}

// NewManager creates a disconnected Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, errors.New("chatsync: transport is required")
	}
	cfg.defaults()
	// every attempt must wait longer than the one before it
	if floor := cfg.ReconnectBaseDelay * time.Duration(cfg.MaxReconnectAttempts); cfg.ReconnectMaxDelay < floor {
		return nil, errors.Errorf("chatsync: reconnect max delay %s is below %d attempts of %s",
			cfg.ReconnectMaxDelay, cfg.MaxReconnectAttempts, cfg.ReconnectBaseDelay)
	}
	log := componentLogger(cfg.Logger, "connection")
	return &Manager{
		cfg:        cfg,
		log:        log,
		metrics:    cfg.Metrics,
		dispatcher: &eventDispatcher{log: log},
		registry:   newRegistry(log, cfg.Metrics),
		state:      StateDisconnected,
		recon:      newReconnector(&cfg),
	}, nil
}

// OnConnected registers a listener for successful connects. The returned
// func removes it.
func (m *Manager) OnConnected(h func()) func() {
	m.dispatcher.mu.Lock()
	id := m.dispatcher.onConnected.add(h)
	m.dispatcher.mu.Unlock()
	return func() {
		m.dispatcher.mu.Lock()
		delete(m.dispatcher.onConnected.handlers, id)
		m.dispatcher.mu.Unlock()
	}
}

// OnDisconnected registers a listener for connection loss. err is nil for a
// user-initiated disconnect.
func (m *Manager) OnDisconnected(h func(err error)) func() {
	m.dispatcher.mu.Lock()
	id := m.dispatcher.onDisconnected.add(h)
	m.dispatcher.mu.Unlock()
	return func() {
		m.dispatcher.mu.Lock()
		delete(m.dispatcher.onDisconnected.handlers, id)
		m.dispatcher.mu.Unlock()
	}
}

// OnReconnecting registers a listener called when a reconnect is scheduled.
func (m *Manager) OnReconnecting(h func(attempt int, delay time.Duration)) func() {
	m.dispatcher.mu.Lock()
	id := m.dispatcher.onReconnecting.add(h)
	m.dispatcher.mu.Unlock()
	return func() {
		m.dispatcher.mu.Lock()
		delete(m.dispatcher.onReconnecting.handlers, id)
		m.dispatcher.mu.Unlock()
	}
}

// OnError registers a listener for failed connects (ErrConnectionFailed)
// and for the terminal give-up (ErrReconnectExhausted).
func (m *Manager) OnError(h func(err error)) func() {
	m.dispatcher.mu.Lock()
	id := m.dispatcher.onError.add(h)
	m.dispatcher.mu.Unlock()
	return func() {
		m.dispatcher.mu.Lock()
		delete(m.dispatcher.onError.handlers, id)
		m.dispatcher.mu.Unlock()
	}
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the connection is established.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// ReconnectAttempts returns the attempt counter of the current backoff run.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recon.attempt
}

// Connect starts connecting with the given credential and returns
// immediately. Any existing connection or pending reconnect is torn down
// first and the attempt counter starts over.
func (m *Manager) Connect(credential string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.recon.reset()
	m.credential = credential
	old, wasActive := m.detachLocked()
	m.gen++
	gen := m.gen
	m.state = StateConnecting
	m.mu.Unlock()

	if wasActive {
		m.teardown(old, nil)
	}
	go m.dial(gen)
}

// Disconnect unsubscribes everything and closes the connection. It never
// triggers a reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopTimerLocked()
	m.gen++
	old, wasActive := m.detachLocked()
	m.state = StateDisconnected
	m.mu.Unlock()

	if wasActive {
		m.teardown(old, nil)
	}
}

// Close disconnects and drops every listener. Later Connect calls are ignored.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Disconnect()
	m.dispatcher.reset()
	return nil
}

// detachLocked takes the live connection and subscriptions out of the
// manager. wasActive reports whether the manager was anything but idle.
func (m *Manager) detachLocked() (detached, bool) {
	wasActive := m.state != StateDisconnected
	d := detached{conn: m.conn, subs: m.registry.drain()}
	if m.cancelFn != nil {
		m.cancelFn()
		m.cancelFn = nil
	}
	m.conn = nil
	m.metrics.setConnected(false)
	return d, wasActive
}

type detached struct {
	conn Conn
	subs []*topicSub
}

// teardown unsubscribes and closes a detached connection, then reports the
// disconnect. Unsubscribe failures are logged only.
func (m *Manager) teardown(d detached, cause error) {
	if d.conn != nil {
		if cause == nil {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
			for _, s := range d.subs {
				m.unsubscribeChannels(ctx, d.conn, s)
			}
			cancel()
		}
		reason := "client disconnect"
		if cause != nil {
			reason = "connection lost"
		}
		if err := d.conn.Close(reason); err != nil {
			m.log.Debug().Err(err).Msg("close connection")
		}
	}
	m.dispatcher.emitDisconnected(cause)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) dial(gen uint64) {
	m.mu.Lock()
	credential := m.credential
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	conn, err := m.cfg.Transport.Dial(ctx, credential)
	cancel()

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close("superseded")
		}
		return
	}
	if err != nil {
		m.state = StateDisconnected
		m.mu.Unlock()

		err = withCause(ErrConnectionFailed, err)
		m.log.Warn().Err(err).Msg("connect failed")
		m.metrics.connectFailed()
		m.dispatcher.emitError(err)
		m.scheduleReconnect(gen)
		return
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	m.conn = conn
	m.cancelFn = connCancel
	m.state = StateConnected
	m.lastActivity = time.Now()
	m.recon.reset()
	m.mu.Unlock()

	m.metrics.setConnected(true)
	m.log.Info().Msg("connected")

	go m.readLoop(connCtx, conn)
	go m.heartbeatLoop(connCtx, conn)

	m.dispatcher.emitConnected()
}

// connectionLost handles an unexpected drop of conn. Reports for a
// connection that is no longer current are ignored.
func (m *Manager) connectionLost(conn Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	gen := m.gen
	d, _ := m.detachLocked()
	m.state = StateDisconnected
	m.mu.Unlock()

	m.log.Warn().Err(cause).Msg("connection lost")
	m.teardown(d, cause)
	m.scheduleReconnect(gen)
}

func (m *Manager) scheduleReconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.closed || m.cfg.DisableAutoReconnect {
		m.mu.Unlock()
		return
	}
	if !m.recon.shouldReconnect() {
		attempts := m.recon.attempt
		m.state = StateDisconnected
		m.mu.Unlock()

		err := errors.Wrapf(ErrReconnectExhausted, "after %d attempts", attempts)
		m.log.Error().Err(err).Msg("giving up")
		m.metrics.reconnectExhausted()
		m.dispatcher.emitError(err)
		return
	}
	delay := m.recon.nextDelay()
	attempt := m.recon.attempt
	m.state = StateReconnecting
	m.mu.Unlock()

	m.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
	m.metrics.reconnectScheduled()
	m.dispatcher.emitReconnecting(attempt, delay)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closed || m.state != StateReconnecting {
		return
	}
	m.stopTimerLocked()
	m.timer = time.AfterFunc(delay, func() { m.reconnect(gen) })
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.closed || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.state = StateConnecting
	m.mu.Unlock()

	m.dial(gen)
}

func (m *Manager) touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

func (m *Manager) idleFor() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastActivity)
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	for {
		frame, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.connectionLost(conn, err)
			return
		}
		m.touch()

		switch frame.Kind {
		case FrameMessage:
			m.registry.route(frame)
		case FrameError:
			m.log.Warn().Str("payload", string(frame.Body)).Msg("server reported error")
		case FrameInvalid:
			m.metrics.frameDropped("envelope")
			m.log.Warn().Err(ErrMalformedFrame).Int("bytes", len(frame.Body)).Msg("dropping undecodable frame")
		}
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context, conn Conn) {
	interval := m.cfg.HeartbeatInterval
	silence := interval * time.Duration(m.cfg.HeartbeatTolerance)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if idle := m.idleFor(); idle > silence {
				m.connectionLost(conn, errors.Wrapf(ErrHeartbeatTimeout, "no traffic for %s", idle.Round(time.Millisecond)))
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.connectionLost(conn, errors.Wrap(err, "heartbeat"))
				return
			}
			m.touch()
		}
	}
}
