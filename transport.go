package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"nhooyr.io/websocket"
)

// ============================================================================
// Transport Abstraction
// ============================================================================

// FrameKind classifies an inbound frame.
type FrameKind int

const (
	// FrameMessage carries a payload for one subscription.
	FrameMessage FrameKind = iota
	// FrameHeartbeat is liveness traffic with no payload for subscribers.
	FrameHeartbeat
	// FrameError is an error reported by the peer. The connection stays up.
	FrameError
	// FrameInvalid is an inbound frame the transport could not decode.
	FrameInvalid
)

// Frame is one inbound unit of traffic.
type Frame struct {
	Kind           FrameKind
	SubscriptionID string
	Channel        string
	Body           []byte
}

// Transport opens authenticated push connections.
type Transport interface {
	Dial(ctx context.Context, credential string) (Conn, error)
}

// Conn is one established push connection. Receive is called from a single
// goroutine; every other method may be called concurrently with it.
type Conn interface {
	Subscribe(ctx context.Context, id, channel string) error
	Unsubscribe(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Receive(ctx context.Context) (Frame, error)
	Close(reason string) error
}

// ============================================================================
// WebSocket Wire Protocol
// ============================================================================

// Envelope is the wire format for all server-to-client WebSocket frames.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command is a client-to-server WebSocket frame.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

// SubscribePayload asks the server to route a destination to a subscription id.
type SubscribePayload struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
}

// UnsubscribePayload cancels a subscription id.
type UnsubscribePayload struct {
	ID string `json:"id"`
}

// DeliveryPayload is a message delivered to a subscription.
type DeliveryPayload struct {
	Subscription string          `json:"subscription"`
	Destination  string          `json:"destination"`
	Body         json.RawMessage `json:"body"`
}

// PongPayload answers a ping.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// ErrorPayload is sent when a server-side error occurs.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// WebSocketTransport
// ============================================================================

// WebSocketTransport dials a JSON-envelope WebSocket endpoint. The credential
// travels as the token query parameter and the server must answer with a
// "connected" envelope before anything else.
type WebSocketTransport struct {
	URL        string
	HTTPClient *http.Client
	ReadLimit  int64
}

// Dial implements Transport.
func (t *WebSocketTransport) Dial(ctx context.Context, credential string) (Conn, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse websocket url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("token", credential)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: t.HTTPClient})
	if err != nil {
		return nil, errors.Wrap(err, "websocket dial")
	}
	if t.ReadLimit > 0 {
		conn.SetReadLimit(t.ReadLimit)
	}

	// First frame must be the handshake ack.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, errors.Wrap(err, "read handshake")
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.Close(websocket.StatusProtocolError, "bad handshake")
		return nil, errors.Wrap(err, "decode handshake")
	}
	switch env.Type {
	case "connected":
	case "error":
		var p ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, errors.Errorf("server refused connection: %s", p.Message)
	default:
		conn.Close(websocket.StatusProtocolError, "unexpected handshake")
		return nil, errors.Errorf("expected 'connected', got '%s'", env.Type)
	}

	return &wsConn{
		conn:         conn,
		pendingPings: make(map[string]chan struct{}),
	}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	pendingMu    sync.Mutex
	pendingPings map[string]chan struct{}
	closeOnce    sync.Once
}

func (c *wsConn) send(ctx context.Context, cmd *Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Subscribe(ctx context.Context, id, channel string) error {
	return c.send(ctx, &Command{
		Type:    "subscribe",
		Payload: SubscribePayload{ID: id, Destination: channel},
	})
}

func (c *wsConn) Unsubscribe(ctx context.Context, id string) error {
	return c.send(ctx, &Command{
		Type:    "unsubscribe",
		Payload: UnsubscribePayload{ID: id},
	})
}

// Ping sends a ping and waits for the matching pong.
func (c *wsConn) Ping(ctx context.Context) error {
	requestID := uuid.NewString()
	ch := make(chan struct{})
	c.pendingMu.Lock()
	c.pendingPings[requestID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pendingPings, requestID)
		c.pendingMu.Unlock()
	}()

	err := c.send(ctx, &Command{
		Type:      "ping",
		Payload:   PongPayload{RequestID: requestID},
		RequestID: requestID,
	})
	if err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ErrHeartbeatTimeout, ctx.Err().Error())
	}
}

func (c *wsConn) resolvePing(requestID string) {
	c.pendingMu.Lock()
	ch, ok := c.pendingPings[requestID]
	if ok {
		delete(c.pendingPings, requestID)
	}
	c.pendingMu.Unlock()
	if ok {
		close(ch)
	}
}

func (c *wsConn) Receive(ctx context.Context) (Frame, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return Frame{}, err
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{Kind: FrameInvalid, Body: data}, nil
	}

	switch env.Type {
	case "message":
		var p DeliveryPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Subscription == "" {
			return Frame{Kind: FrameInvalid, Body: data}, nil
		}
		return Frame{
			Kind:           FrameMessage,
			SubscriptionID: p.Subscription,
			Channel:        p.Destination,
			Body:           unquoteBody(p.Body),
		}, nil
	case "pong":
		var p PongPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			c.resolvePing(p.RequestID)
		}
		return Frame{Kind: FrameHeartbeat}, nil
	case "ping":
		var p PongPayload
		_ = json.Unmarshal(env.Payload, &p)
		if err := c.send(ctx, &Command{Type: "pong", Payload: p}); err != nil {
			return Frame{}, errors.Wrap(err, "answer ping")
		}
		return Frame{Kind: FrameHeartbeat}, nil
	case "error":
		return Frame{Kind: FrameError, Body: env.Payload}, nil
	default:
		return Frame{Kind: FrameInvalid, Body: data}, nil
	}
}

func (c *wsConn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}

// unquoteBody accepts a body sent either as a JSON value or as a JSON string
// holding serialized JSON, which STOMP-style brokers commonly produce.
func unquoteBody(raw json.RawMessage) []byte {
	t := strings.TrimSpace(string(raw))
	if strings.HasPrefix(t, `"`) {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return []byte(s)
		}
	}
	return raw
}
