package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// NATSTransport pushes over NATS subjects. The credential is sent as the
// NATS auth token. The client library's own reconnect logic is disabled so
// that the Manager's backoff policy is the only one in play.
type NATSTransport struct {
	URL  string
	Name string
	// Buffer is the number of undelivered frames held before subject
	// callbacks start to block. Defaults to 256.
	Buffer int
}

// Dial implements Transport.
func (t *NATSTransport) Dial(ctx context.Context, credential string) (Conn, error) {
	buffer := t.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	c := &natsConn{
		frames: make(chan Frame, buffer),
		done:   make(chan struct{}),
		subs:   make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = errors.New("nats disconnected")
			}
			c.fail(errors.Wrap(err, "nats disconnected"))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.fail(errors.New("nats connection closed"))
		}),
	}
	if credential != "" {
		opts = append(opts, nats.Token(credential))
	}
	if t.Name != "" {
		opts = append(opts, nats.Name(t.Name))
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(t.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	c.nc = nc
	return c, nil
}

type natsConn struct {
	nc     *nats.Conn
	frames chan Frame

	mu   sync.Mutex
	subs map[string]*nats.Subscription

	failOnce sync.Once
	done     chan struct{}
	err      error
}

func (c *natsConn) fail(err error) {
	c.failOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *natsConn) Subscribe(_ context.Context, id, channel string) error {
	sub, err := c.nc.Subscribe(channel, func(m *nats.Msg) {
		select {
		case c.frames <- Frame{Kind: FrameMessage, SubscriptionID: id, Channel: m.Subject, Body: m.Data}:
		case <-c.done:
		}
	})
	if err != nil {
		return errors.Wrapf(err, "nats subscribe %s", channel)
	}
	c.mu.Lock()
	c.subs[id] = sub
	c.mu.Unlock()
	return nil
}

func (c *natsConn) Unsubscribe(_ context.Context, id string) error {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

// Ping does a PING/PONG round trip with the server.
func (c *natsConn) Ping(ctx context.Context) error {
	return c.nc.FlushWithContext(ctx)
}

func (c *natsConn) Receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		return Frame{}, c.err
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *natsConn) Close(string) error {
	c.fail(errors.New("nats connection closed by client"))
	c.nc.Close()
	return nil
}
