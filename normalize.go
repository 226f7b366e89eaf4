package chatsync

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ============================================================================
// Message Normalizer
// ============================================================================

// wireMessage is the tolerant shape accepted from pushes and REST responses.
// Ids may be JSON strings or numbers; timestamps come in several encodings.
type wireMessage struct {
	ID         json.RawMessage `json:"id"`
	SenderID   json.RawMessage `json:"senderId"`
	ReceiverID json.RawMessage `json:"receiverId"`
	Content    string          `json:"content"`
	CreatedAt  json.RawMessage `json:"createdAt"`
	Timestamp  json.RawMessage `json:"timestamp"`
	Read       *bool           `json:"read"`
	IsRead     *bool           `json:"isRead"`
}

var localTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// DecodeMessage turns one raw payload into a Message from selfID's point of view.
// Every failure wraps ErrMalformedFrame.
func DecodeMessage(selfID string, body []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(body, &w); err != nil {
		return Message{}, errors.Wrap(ErrMalformedFrame, "invalid json: "+err.Error())
	}
	return w.normalize(selfID)
}

// DecodeMessages decodes a JSON array of messages, or an object carrying the
// array under "data". Items that fail to normalize are skipped and returned
// as errors alongside the good messages.
func DecodeMessages(selfID string, body []byte) ([]Message, []error) {
	items, err := unwrapList(body)
	if err != nil {
		return nil, []error{err}
	}

	msgs := make([]Message, 0, len(items))
	var errs []error
	for i, raw := range items {
		m, err := DecodeMessage(selfID, raw)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "item %d", i))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, errs
}

func unwrapList(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '{' {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, errors.Wrap(ErrMalformedFrame, "invalid json: "+err.Error())
		}
		body = env.Data
	}
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, "expected a message list")
	}
	return items, nil
}

func (w wireMessage) normalize(selfID string) (Message, error) {
	id, err := opaqueID(w.ID)
	if err != nil || id == "" {
		return Message{}, errors.Wrap(ErrMalformedFrame, "missing id")
	}
	sender, err := opaqueID(w.SenderID)
	if err != nil || sender == "" {
		return Message{}, errors.Wrapf(ErrMalformedFrame, "message %s: missing senderId", id)
	}
	receiver, err := opaqueID(w.ReceiverID)
	if err != nil || receiver == "" {
		return Message{}, errors.Wrapf(ErrMalformedFrame, "message %s: missing receiverId", id)
	}
	if selfID != "" && sender != selfID && receiver != selfID {
		return Message{}, errors.Wrapf(ErrMalformedFrame, "message %s: not addressed to %s", id, selfID)
	}

	rawTime := w.CreatedAt
	if isNull(rawTime) {
		rawTime = w.Timestamp
	}
	createdAt, err := parseTimestamp(rawTime)
	if err != nil {
		return Message{}, errors.Wrapf(ErrMalformedFrame, "message %s: %v", id, err)
	}

	read := false
	switch {
	case w.Read != nil:
		read = *w.Read
	case w.IsRead != nil:
		read = *w.IsRead
	}

	return Message{
		ID:         id,
		SenderID:   sender,
		ReceiverID: receiver,
		FromSelf:   sender == selfID,
		Content:    w.Content,
		CreatedAt:  createdAt,
		Read:       read,
	}, nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func opaqueID(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	raw = bytes.TrimSpace(raw)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// parseTimestamp accepts RFC3339 strings, zone-less local date-times (read as
// UTC), epoch milliseconds and [y, m, d, h, min, s, nanos] arrays.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if isNull(raw) {
		return time.Time{}, errors.New("missing createdAt")
	}
	raw = bytes.TrimSpace(raw)

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		return parseTimeString(s)
	case '[':
		var parts []int
		if err := json.Unmarshal(raw, &parts); err != nil {
			return time.Time{}, errors.Wrap(err, "createdAt array")
		}
		return timeFromParts(parts)
	default:
		ms, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return time.Time{}, errors.Errorf("unsupported createdAt %s", raw)
		}
		return time.UnixMilli(ms).UTC(), nil
	}
}

func parseTimeString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty createdAt")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range localTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, errors.Errorf("unparseable createdAt %q", s)
}

func timeFromParts(p []int) (time.Time, error) {
	if len(p) < 3 {
		return time.Time{}, errors.Errorf("createdAt array too short (%d)", len(p))
	}
	v := make([]int, 7)
	copy(v, p)
	return time.Date(v[0], time.Month(v[1]), v[2], v[3], v[4], v[5], v[6], time.UTC), nil
}
