package chatsync

import (
	"context"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStreamTransport pushes over Redis Streams through Watermill. Each
// channel is a stream name and the credential is the Redis password.
//
// With an empty ConsumerGroup every connection reads every entry (fan-out).
// With a group, the group is created at the stream tail on first use so a
// new consumer does not replay history.
type RedisStreamTransport struct {
	Addr          string
	DB            int
	ConsumerGroup string
	Consumer      string
	Buffer        int
	Logger        *zerolog.Logger
}

// Dial implements Transport.
func (t *RedisStreamTransport) Dial(ctx context.Context, credential string) (Conn, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     t.Addr,
		Password: credential,
		DB:       t.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis ping")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: t.ConsumerGroup,
		Consumer:      t.Consumer,
	}, NewWatermillLogger(componentLogger(t.Logger, "redisstream")))
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis stream subscriber")
	}

	buffer := t.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	connCtx, cancel := context.WithCancel(context.Background())
	return &redisConn{
		client: client,
		sub:    sub,
		group:  t.ConsumerGroup,
		ctx:    connCtx,
		cancel: cancel,
		frames: make(chan Frame, buffer),
		done:   make(chan struct{}),
		subs:   make(map[string]context.CancelFunc),
	}, nil
}

type redisConn struct {
	client *redis.Client
	sub    message.Subscriber
	group  string
	ctx    context.Context
	cancel context.CancelFunc
	frames chan Frame

	mu   sync.Mutex
	subs map[string]context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

func (c *redisConn) Subscribe(ctx context.Context, id, channel string) error {
	if c.group != "" {
		if err := c.client.XGroupCreateMkStream(ctx, channel, c.group, "$").Err(); err != nil &&
			!strings.Contains(err.Error(), "BUSYGROUP") {
			return errors.Wrapf(err, "create consumer group on %s", channel)
		}
	}

	subCtx, cancel := context.WithCancel(c.ctx)
	msgs, err := c.sub.Subscribe(subCtx, channel)
	if err != nil {
		cancel()
		return errors.Wrapf(err, "redis subscribe %s", channel)
	}
	c.mu.Lock()
	c.subs[id] = cancel
	c.mu.Unlock()

	go c.forward(subCtx, id, channel, msgs)
	return nil
}

func (c *redisConn) forward(ctx context.Context, id, channel string, msgs <-chan *message.Message) {
	for msg := range msgs {
		select {
		case c.frames <- Frame{Kind: FrameMessage, SubscriptionID: id, Channel: channel, Body: msg.Payload}:
			msg.Ack()
		case <-ctx.Done():
			msg.Nack()
			return
		}
	}
}

func (c *redisConn) Unsubscribe(_ context.Context, id string) error {
	c.mu.Lock()
	cancel, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (c *redisConn) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *redisConn) Receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		return Frame{}, errors.New("redis connection closed")
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *redisConn) Close(string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		if cerr := c.sub.Close(); cerr != nil {
			err = cerr
		}
		if cerr := c.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// ============================================================================
// Watermill logging
// ============================================================================

type watermillLogger struct {
	log zerolog.Logger
}

// NewWatermillLogger adapts a zerolog logger to watermill.LoggerAdapter.
func NewWatermillLogger(l *zerolog.Logger) watermill.LoggerAdapter {
	return &watermillLogger{log: *loggerOrNop(l)}
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.log.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.log.Info().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.log.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.log.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{log: w.log.With().Fields(map[string]interface{}(fields)).Logger()}
}
