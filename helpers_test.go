package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Message builders
// ============================================================================

const self = "me"

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return baseTime.Add(time.Duration(sec) * time.Second)
}

func inbound(id, partner string, sec int) Message {
	return Message{
		ID:         id,
		SenderID:   partner,
		ReceiverID: self,
		Content:    "from " + partner + " #" + id,
		CreatedAt:  at(sec),
	}
}

func outbound(id, partner string, sec int) Message {
	return Message{
		ID:         id,
		SenderID:   self,
		ReceiverID: partner,
		FromSelf:   true,
		Content:    "to " + partner + " #" + id,
		CreatedAt:  at(sec),
	}
}

func wireBody(t *testing.T, m Message) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":         m.ID,
		"senderId":   m.SenderID,
		"receiverId": m.ReceiverID,
		"content":    m.Content,
		"createdAt":  m.CreatedAt.Format(time.RFC3339Nano),
		"read":       m.Read,
	})
	require.NoError(t, err)
	return b
}

// ============================================================================
// Fake transport
// ============================================================================

var errConnDropped = errors.New("connection dropped")

type fakeTransport struct {
	mu       sync.Mutex
	dials    int
	failNext int
	failAll  bool
	conns    []*fakeConn
	creds    []string
	dialed   chan struct{}
}

// dialError is what fakeTransport returns for a refused dial.
type dialError struct {
	attempt int
}

func (e *dialError) Error() string { return fmt.Sprintf("dial refused (%d)", e.attempt) }

func newFakeTransport() *fakeTransport {
	return &fakeTransport{dialed: make(chan struct{}, 64)}
}

func (t *fakeTransport) Dial(_ context.Context, credential string) (Conn, error) {
	t.mu.Lock()
	defer func() {
		t.mu.Unlock()
		select {
		case t.dialed <- struct{}{}:
		default:
		}
	}()
	t.dials++
	t.creds = append(t.creds, credential)
	if t.failAll || t.failNext > 0 {
		if t.failNext > 0 {
			t.failNext--
		}
		return nil, &dialError{attempt: t.dials}
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) credentials() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.creds...)
}

func (t *fakeTransport) lastConn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

func (t *fakeTransport) setFailNext(n int) {
	t.mu.Lock()
	t.failNext = n
	t.mu.Unlock()
}

func (t *fakeTransport) setFailAll(v bool) {
	t.mu.Lock()
	t.failAll = v
	t.mu.Unlock()
}

type fakeConn struct {
	frames chan Frame
	done   chan struct{}

	mu          sync.Mutex
	subs        map[string]string
	unsubs      []string
	closed      bool
	closeReason string
	pingErr     error
	subErr      error
	dropOnce    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan Frame, 64),
		done:   make(chan struct{}),
		subs:   make(map[string]string),
	}
}

func (c *fakeConn) Subscribe(_ context.Context, id, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return c.subErr
	}
	c.subs[id] = channel
	return nil
}

func (c *fakeConn) Unsubscribe(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, id)
	c.unsubs = append(c.unsubs, id)
	return nil
}

func (c *fakeConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) Receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		return Frame{}, errConnDropped
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	c.closed = true
	c.closeReason = reason
	c.mu.Unlock()
	c.drop()
	return nil
}

// drop simulates the network going away.
func (c *fakeConn) drop() {
	c.dropOnce.Do(func() { close(c.done) })
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) channels() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.subs))
	for k, v := range c.subs {
		out[k] = v
	}
	return out
}

// deliver pushes body on every subscription bound to channel.
func (c *fakeConn) deliver(channel string, body []byte) int {
	n := 0
	for id, ch := range c.channels() {
		if ch == channel {
			c.frames <- Frame{Kind: FrameMessage, SubscriptionID: id, Channel: ch, Body: body}
			n++
		}
	}
	return n
}

// ============================================================================
// Fake REST API
// ============================================================================

type fakeAPI struct {
	mu           sync.Mutex
	all          []Message
	conversation map[string][]Message
	fetchErr     error
	markReadErr  error
	markReadIDs  []string
	sendErr      error
	sent         []Message
	nextID       int

	// fetchGate, when set, holds FetchConversation until it is closed;
	// fetching is signalled first.
	fetchGate chan struct{}
	fetching  chan string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{conversation: make(map[string][]Message)}
}

func (a *fakeAPI) FetchMessages(context.Context) ([]Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	return append([]Message(nil), a.all...), nil
}

func (a *fakeAPI) FetchConversation(ctx context.Context, partnerID string) ([]Message, error) {
	a.mu.Lock()
	gate, fetching := a.fetchGate, a.fetching
	a.mu.Unlock()
	if gate != nil {
		if fetching != nil {
			fetching <- partnerID
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	return append([]Message(nil), a.conversation[partnerID]...), nil
}

func (a *fakeAPI) Send(_ context.Context, receiverID, content string) (Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return Message{}, a.sendErr
	}
	a.nextID++
	m := Message{
		ID:         fmt.Sprintf("sent-%d", a.nextID),
		SenderID:   self,
		ReceiverID: receiverID,
		FromSelf:   true,
		Content:    content,
		CreatedAt:  at(1000 + a.nextID),
	}
	a.sent = append(a.sent, m)
	return m, nil
}

func (a *fakeAPI) MarkRead(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markReadIDs = append(a.markReadIDs, id)
	return a.markReadErr
}

func (a *fakeAPI) markedRead() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.markReadIDs...)
}

// gatedStorage is a MemoryStorage whose PutMessages blocks while held.
type gatedStorage struct {
	*MemoryStorage
	mu   sync.Mutex
	gate chan struct{}
}

func newGatedStorage() *gatedStorage {
	return &gatedStorage{MemoryStorage: NewMemoryStorage()}
}

// hold makes later writes block until the returned func is called.
func (g *gatedStorage) hold() (release func()) {
	gate := make(chan struct{})
	g.mu.Lock()
	g.gate = gate
	g.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (g *gatedStorage) PutMessages(ctx context.Context, msgs []Message) error {
	g.mu.Lock()
	gate := g.gate
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return g.MemoryStorage.PutMessages(ctx, msgs)
}
