package chatsync

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type reconnectEvent struct {
	attempt int
	delay   time.Duration
}

// eventRecorder captures every Manager event in order.
type eventRecorder struct {
	mu           sync.Mutex
	connected    int
	disconnects  []error
	reconnecting []reconnectEvent
	errs         []error
}

func recordEvents(m *Manager) *eventRecorder {
	r := &eventRecorder{}
	m.OnConnected(func() {
		r.mu.Lock()
		r.connected++
		r.mu.Unlock()
	})
	m.OnDisconnected(func(err error) {
		r.mu.Lock()
		r.disconnects = append(r.disconnects, err)
		r.mu.Unlock()
	})
	m.OnReconnecting(func(attempt int, delay time.Duration) {
		r.mu.Lock()
		r.reconnecting = append(r.reconnecting, reconnectEvent{attempt, delay})
		r.mu.Unlock()
	})
	m.OnError(func(err error) {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	})
	return r
}

func (r *eventRecorder) connects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *eventRecorder) reconnects() []reconnectEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reconnectEvent(nil), r.reconnecting...)
}

func (r *eventRecorder) disconnected() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.disconnects...)
}

func (r *eventRecorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *eventRecorder) countErrors(target error) int {
	n := 0
	for _, err := range r.errors() {
		if errors.Is(err, target) {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, tr *fakeTransport, cfg Config) *Manager {
	t.Helper()
	cfg.Transport = tr
	if cfg.ReconnectBaseDelay == 0 {
		cfg.ReconnectBaseDelay = 5 * time.Millisecond
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func connectAndWait(t *testing.T, m *Manager, credential string) {
	t.Helper()
	m.Connect(credential)
	require.Eventually(t, m.IsConnected, waitFor, time.Millisecond)
}

func TestNewManager_RequiresTransport(t *testing.T) {
	_, err := NewManager(Config{})
	assert.Error(t, err)
}

func TestNewManager_RejectsFlatBackoff(t *testing.T) {
	_, err := NewManager(Config{
		Transport:            newFakeTransport(),
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    3 * time.Second,
		MaxReconnectAttempts: 5,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconnect max delay")

	_, err = NewManager(Config{
		Transport:            newFakeTransport(),
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    5 * time.Second,
		MaxReconnectAttempts: 5,
	})
	assert.NoError(t, err)
}

func TestReconnector_StrictlyIncreasing(t *testing.T) {
	r := newReconnector(&Config{
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    5 * time.Second,
		MaxReconnectAttempts: 5,
	})

	var got []time.Duration
	for r.shouldReconnect() {
		got = append(got, r.nextDelay())
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second}, got)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1])
	}

	r.reset()
	assert.True(t, r.shouldReconnect())
	assert.Equal(t, time.Second, r.nextDelay())
}

func TestManager_Connect(t *testing.T) {
	tr := newFakeTransport()
	metrics := NewMetrics(nil)
	m := newTestManager(t, tr, Config{Metrics: metrics})
	ev := recordEvents(m)

	assert.Equal(t, StateDisconnected, m.State())
	connectAndWait(t, m, "token-1")

	require.Eventually(t, func() bool { return ev.connects() == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"token-1"}, tr.credentials())
	assert.Equal(t, 0, m.ReconnectAttempts())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.connected))
}

func TestManager_DisconnectDoesNotReconnect(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(t, tr, Config{})
	ev := recordEvents(m)
	connectAndWait(t, m, "tok")

	conn := tr.lastConn()
	_, err := m.Subscribe(t.Context(), InboxTopic(self, ChannelTemplates{}), func(Frame) {})
	require.NoError(t, err)
	require.Len(t, conn.channels(), 2)

	m.Disconnect()

	assert.Equal(t, StateDisconnected, m.State())
	assert.True(t, conn.isClosed())
	assert.Empty(t, conn.channels(), "every channel unsubscribed")
	assert.False(t, m.Subscribed("inbox:"+self))
	require.Len(t, ev.disconnected(), 1)
	assert.NoError(t, ev.disconnected()[0])

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, tr.dialCount())
	assert.Empty(t, ev.reconnects())
}

func TestManager_BackoffGivesUpAfterMaxAttempts(t *testing.T) {
	tr := newFakeTransport()
	tr.setFailAll(true)
	metrics := NewMetrics(nil)
	m := newTestManager(t, tr, Config{MaxReconnectAttempts: 3, Metrics: metrics})
	ev := recordEvents(m)

	m.Connect("tok")

	require.Eventually(t, func() bool { return ev.countErrors(ErrReconnectExhausted) == 1 }, waitFor, time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 4, tr.dialCount(), "initial dial plus three retries")
	assert.Equal(t, []reconnectEvent{
		{1, 5 * time.Millisecond},
		{2, 10 * time.Millisecond},
		{3, 15 * time.Millisecond},
	}, ev.reconnects())
	assert.Equal(t, 4, ev.countErrors(ErrConnectionFailed))
	assert.Equal(t, 1, ev.countErrors(ErrReconnectExhausted))

	var dialErr *dialError
	require.True(t, errors.As(ev.errors()[0], &dialErr), "dial cause is kept: %v", ev.errors()[0])
	assert.Equal(t, 1, dialErr.attempt)
	assert.Contains(t, ev.errors()[0].Error(), "dial refused (1)")
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.connectFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.reconnectGaveUp))
}

func TestManager_ReconnectsAfterDropAndResetsAttempts(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(t, tr, Config{})
	ev := recordEvents(m)
	connectAndWait(t, m, "tok")

	_, err := m.Subscribe(t.Context(), InboxTopic(self, ChannelTemplates{}), func(Frame) {})
	require.NoError(t, err)

	tr.setFailNext(3)
	first := tr.lastConn()
	first.drop()

	require.Eventually(t, func() bool { return ev.connects() == 2 }, waitFor, time.Millisecond)

	assert.Equal(t, 5, tr.dialCount())
	attempts := ev.reconnects()
	require.Len(t, attempts, 4)
	for i, e := range attempts {
		assert.Equal(t, i+1, e.attempt)
		if i > 0 {
			assert.Greater(t, e.delay, attempts[i-1].delay)
		}
	}
	assert.Equal(t, 0, m.ReconnectAttempts())
	assert.True(t, m.IsConnected())

	require.NotEmpty(t, ev.disconnected())
	assert.ErrorIs(t, ev.disconnected()[0], errConnDropped)
	assert.False(t, m.Subscribed("inbox:"+self), "subscriptions do not survive a drop")
	assert.NotSame(t, first, tr.lastConn())
}

func TestManager_ConnectCancelsPendingReconnect(t *testing.T) {
	tr := newFakeTransport()
	tr.setFailAll(true)
	m := newTestManager(t, tr, Config{ReconnectBaseDelay: time.Hour})
	ev := recordEvents(m)

	m.Connect("old")
	require.Eventually(t, func() bool { return len(ev.reconnects()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, StateReconnecting, m.State())
	assert.Equal(t, 1, m.ReconnectAttempts())

	tr.setFailAll(false)
	connectAndWait(t, m, "new")

	assert.Equal(t, 0, m.ReconnectAttempts())
	assert.Equal(t, 2, tr.dialCount())
	assert.Equal(t, []string{"old", "new"}, tr.credentials())
}

func TestManager_DisableAutoReconnect(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(t, tr, Config{DisableAutoReconnect: true})
	ev := recordEvents(m)
	connectAndWait(t, m, "tok")

	tr.lastConn().drop()
	require.Eventually(t, func() bool { return len(ev.disconnected()) == 1 }, waitFor, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 1, tr.dialCount())
	assert.Empty(t, ev.reconnects())
}

func TestManager_HeartbeatFailureReconnects(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(t, tr, Config{HeartbeatInterval: 10 * time.Millisecond})
	ev := recordEvents(m)
	connectAndWait(t, m, "tok")

	conn := tr.lastConn()
	conn.mu.Lock()
	conn.pingErr = errors.New("pong timeout")
	conn.mu.Unlock()

	require.Eventually(t, func() bool { return ev.connects() == 2 }, waitFor, time.Millisecond)
	assert.True(t, conn.isClosed())
	require.NotEmpty(t, ev.disconnected())
	assert.Contains(t, ev.disconnected()[0].Error(), "heartbeat")
}

func TestManager_ListenerPanicIsContained(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(t, tr, Config{})
	m.OnConnected(func() { panic("listener bug") })
	ev := recordEvents(m)

	connectAndWait(t, m, "tok")
	require.Eventually(t, func() bool { return ev.connects() == 1 }, waitFor, time.Millisecond)
}

func TestManager_ListenerCancel(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(t, tr, Config{})

	var mu sync.Mutex
	calls := 0
	cancel := m.OnConnected(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	cancel()

	ev := recordEvents(m)
	connectAndWait(t, m, "tok")
	require.Eventually(t, func() bool { return ev.connects() == 1 }, waitFor, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestManager_CloseIgnoresLaterConnect(t *testing.T) {
	tr := newFakeTransport()
	m := newTestManager(t, tr, Config{})
	connectAndWait(t, m, "tok")

	require.NoError(t, m.Close())
	m.Connect("again")

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, tr.dialCount())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_DropsUndecodableFrames(t *testing.T) {
	tr := newFakeTransport()
	metrics := NewMetrics(nil)
	m := newTestManager(t, tr, Config{Metrics: metrics})
	connectAndWait(t, m, "tok")

	conn := tr.lastConn()
	conn.frames <- Frame{Kind: FrameInvalid, Body: []byte("%%%")}
	conn.frames <- Frame{Kind: FrameMessage, SubscriptionID: "nobody", Body: []byte("{}")}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.framesDropped.WithLabelValues("envelope")) == 1 &&
			testutil.ToFloat64(metrics.framesDropped.WithLabelValues("unknown_subscription")) == 1
	}, waitFor, time.Millisecond)
	assert.True(t, m.IsConnected())
}
