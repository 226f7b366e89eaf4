package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	DefaultTimeout   = 30 * time.Second
	defaultUserAgent = "chatsync-go"
)

// ============================================================================
// REST Client
// ============================================================================

// MessageAPI is the slice of the messaging REST API the sync core consumes.
type MessageAPI interface {
	ReadMarker
	FetchMessages(ctx context.Context) ([]Message, error)
	FetchConversation(ctx context.Context, partnerID string) ([]Message, error)
	Send(ctx context.Context, receiverID, content string) (Message, error)
}

// Client talks to the messaging REST API on behalf of one user.
type Client struct {
	baseURL    string
	token      string
	selfID     string
	timeout    time.Duration
	retries    int
	retryWait  time.Duration
	userAgent  string
	httpClient *http.Client
	log        *zerolog.Logger
	rest       *resty.Client
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithRetry retries requests that fail at the transport level.
func WithRetry(count int, wait time.Duration) ClientOption {
	return func(c *Client) {
		c.retries = count
		c.retryWait = wait
	}
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

func WithLogger(l *zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a REST client for selfID authenticated with token.
func NewClient(baseURL, token, selfID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		selfID:    selfID,
		timeout:   DefaultTimeout,
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = componentLogger(c.log, "rest")

	if c.httpClient != nil {
		c.rest = resty.NewWithClient(c.httpClient)
	} else {
		c.rest = resty.New()
	}
	c.rest.
		SetBaseURL(c.baseURL).
		SetTimeout(c.timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", c.userAgent).
		SetRetryCount(c.retries)
	if c.retryWait > 0 {
		c.rest.SetRetryWaitTime(c.retryWait)
	}
	if c.token != "" {
		c.rest.SetAuthToken(c.token)
	}
	return c
}

// SelfID returns the user the client acts for.
func (c *Client) SelfID() string {
	return c.selfID
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) do(ctx context.Context, method, path string, body interface{}, pathParams map[string]string) ([]byte, error) {
	req := c.rest.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if len(pathParams) > 0 {
		req.SetPathParams(pathParams)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	if resp.IsError() {
		apiErr := &APIError{StatusCode: resp.StatusCode()}
		if json.Unmarshal(resp.Body(), apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(resp.Body()))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode())
			}
		}
		return nil, apiErr
	}
	return resp.Body(), nil
}

func (c *Client) decodeList(body []byte, what string) ([]Message, error) {
	if !isListBody(body) {
		return nil, errors.Wrapf(ErrMalformedFrame, "%s: expected a message list", what)
	}
	msgs, errs := DecodeMessages(c.selfID, body)
	for _, err := range errs {
		c.log.Warn().Err(err).Str("request", what).Msg("dropping malformed message")
	}
	return msgs, nil
}

func isListBody(body []byte) bool {
	b := bytes.TrimSpace(body)
	if len(b) == 0 {
		return false
	}
	if b[0] == '[' {
		return true
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if json.Unmarshal(b, &env) != nil {
		return false
	}
	d := bytes.TrimSpace(env.Data)
	return len(d) > 0 && d[0] == '['
}

// unwrapObject returns the object under "data" when the body is an envelope.
func unwrapObject(body []byte) []byte {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if json.Unmarshal(body, &env) == nil {
		if d := bytes.TrimSpace(env.Data); len(d) > 0 && d[0] == '{' {
			return d
		}
	}
	return body
}

// ============================================================================
// Messages API
// ============================================================================

// FetchMessages returns every message visible to the user.
func (c *Client) FetchMessages(ctx context.Context) ([]Message, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	return c.decodeList(body, "fetch messages")
}

// FetchConversation returns the full exchange with one partner.
func (c *Client) FetchConversation(ctx context.Context, partnerID string) ([]Message, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/messages/conversation/{partnerId}", nil,
		map[string]string{"partnerId": partnerID})
	if err != nil {
		return nil, err
	}
	return c.decodeList(body, "fetch conversation")
}

// Send posts a message and returns the server's copy of it.
func (c *Client) Send(ctx context.Context, receiverID, content string) (Message, error) {
	body, err := c.do(ctx, http.MethodPost, "/api/messages", map[string]string{
		"receiverId": receiverID,
		"content":    content,
	}, nil)
	if err != nil {
		return Message{}, err
	}
	msg, err := DecodeMessage(c.selfID, unwrapObject(body))
	if err != nil {
		return Message{}, errors.Wrap(err, "decode send result")
	}
	return msg, nil
}

// MarkRead marks one message read on the server.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	_, err := c.do(ctx, http.MethodPut, "/api/messages/{id}/read", nil,
		map[string]string{"id": messageID})
	return err
}

// Health checks that the API is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/api/health", nil, nil)
	return err
}
