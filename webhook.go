package chatsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// SignatureHeader carries the HMAC-SHA256 signature of a webhook body.
const SignatureHeader = "X-Chat-Signature"

// EventMessageNew is the only webhook event that carries a message.
const EventMessageNew = "message.new"

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is a server-to-server push of a chat message.
type WebhookPayload struct {
	Event     string          `json:"event"`
	Timestamp int64           `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

// MessageSink receives messages decoded from webhook deliveries.
type MessageSink interface {
	Ingest(msg Message, source MessageSource)
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := SignWebhookBody(body, secret)
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the hex HMAC-SHA256 of body, without the
// "sha256=" prefix.
func SignWebhookBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookPayload parses a raw webhook body and normalizes its message
// for selfID.
func ParseWebhookPayload(body []byte, selfID string) (*WebhookPayload, Message, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, Message{}, errors.Wrap(err, "invalid JSON in webhook body")
	}
	if payload.Event == "" {
		return nil, Message{}, errors.New("missing event field in webhook payload")
	}
	if payload.Event != EventMessageNew {
		return &payload, Message{}, nil
	}
	if isNull(payload.Message) {
		return nil, Message{}, errors.New("missing message in webhook payload")
	}

	msg, err := DecodeMessage(selfID, payload.Message)
	if err != nil {
		return nil, Message{}, err
	}
	return &payload, msg, nil
}

// ============================================================================
// Webhook
// ============================================================================

// Webhook verifies, parses and forwards webhook deliveries to a MessageSink.
type Webhook struct {
	secret string
	selfID string
	sink   MessageSink
	log    *zerolog.Logger
}

// NewWebhook creates a webhook handler delivering selfID's messages to sink.
func NewWebhook(secret, selfID string, sink MessageSink, logger *zerolog.Logger) (*Webhook, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if sink == nil {
		return nil, errors.New("webhook sink is required")
	}
	return &Webhook{
		secret: secret,
		selfID: selfID,
		sink:   sink,
		log:    componentLogger(logger, "webhook"),
	}, nil
}

// Handle processes a webhook request (verify + parse + deliver).
// Returns the status code and response body for the caller to write.
func (w *Webhook) Handle(body []byte, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, msg, err := ParseWebhookPayload(body, w.selfID)
	if err != nil {
		w.log.Warn().Err(err).Msg("rejecting webhook payload")
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	if payload.Event != EventMessageNew {
		w.log.Debug().Str("event", payload.Event).Msg("ignoring webhook event")
		return http.StatusOK, map[string]bool{"ok": true}
	}

	w.sink.Ingest(msg, SourceWebhook)
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := chatsync.NewWebhook("secret", userID, session, nil)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *Webhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		defer r.Body.Close()
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}

		statusCode, data := w.Handle(body, r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
