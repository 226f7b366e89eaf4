package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   string
}

type apiRecorder struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (a *apiRecorder) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		a.mu.Lock()
		a.reqs = append(a.reqs, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Auth:   r.Header.Get("Authorization"),
			Body:   string(body),
		})
		a.mu.Unlock()
		r.Body = io.NopCloser(bytes.NewReader(body))
		h(w, r)
	}
}

func (a *apiRecorder) last() recordedRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reqs[len(a.reqs)-1]
}

func newTestAPI(t *testing.T, mux *http.ServeMux) (*Client, *apiRecorder) {
	t.Helper()
	rec := &apiRecorder{}
	srv := httptest.NewServer(rec.wrap(mux.ServeHTTP))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "tok-123", self, WithTimeout(5*time.Second)), rec
}

func writeBody(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestClient_FetchMessages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/messages", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, `[
			{"id":1,"senderId":"coach","receiverId":"me","content":"hi","createdAt":"2026-03-01T09:00:00Z"},
			{"id":2,"senderId":"coach"},
			{"id":3,"senderId":"me","receiverId":"coach","content":"hey","createdAt":[2026,3,1,9,0,5],"isRead":true}
		]`)
	})
	c, rec := newTestAPI(t, mux)

	msgs, err := c.FetchMessages(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 2, "malformed item skipped")
	assert.Equal(t, "1", msgs[0].ID)
	assert.True(t, msgs[1].FromSelf)
	assert.True(t, msgs[1].Read)
	assert.Equal(t, at(5), msgs[1].CreatedAt)

	req := rec.last()
	assert.Equal(t, "/api/messages", req.Path)
	assert.Equal(t, "Bearer tok-123", req.Auth)
}

func TestClient_FetchConversation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/messages/conversation/{partner}", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, `{"data":[{"id":"9","senderId":"`+r.PathValue("partner")+`","receiverId":"me","createdAt":"2026-03-01T09:00:00Z"}]}`)
	})
	c, rec := newTestAPI(t, mux)

	msgs, err := c.FetchConversation(context.Background(), "coach 7")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "coach 7", msgs[0].PartnerID())
	assert.Equal(t, "/api/messages/conversation/coach 7", rec.last().Path)
}

func TestClient_FetchRejectsNonList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/messages", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, `{"data":{"id":"1"}}`)
	})
	c, _ := newTestAPI(t, mux)

	_, err := c.FetchMessages(context.Background())
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestClient_Send(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/messages", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ReceiverID string `json:"receiverId"`
			Content    string `json:"content"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeBody(w, http.StatusCreated, `{"data":{"id":"42","senderId":"me","receiverId":"`+req.ReceiverID+`","content":"`+req.Content+`","createdAt":"2026-03-01T09:00:10Z"}}`)
	})
	c, rec := newTestAPI(t, mux)

	msg, err := c.Send(context.Background(), "coach", "see you")
	require.NoError(t, err)
	assert.Equal(t, "42", msg.ID)
	assert.True(t, msg.FromSelf)
	assert.Equal(t, "coach", msg.PartnerID())
	assert.Equal(t, at(10), msg.CreatedAt)
	assert.JSONEq(t, `{"receiverId":"coach","content":"see you"}`, rec.last().Body)
}

func TestClient_MarkReadAndErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/messages/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "ok":
			w.WriteHeader(http.StatusNoContent)
		case "gone":
			writeBody(w, http.StatusNotFound, `{"code":"NOT_FOUND","message":"no such message"}`)
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, "upstream down")
		}
	})
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, `{"status":"ok"}`)
	})
	c, rec := newTestAPI(t, mux)
	ctx := context.Background()

	require.NoError(t, c.MarkRead(ctx, "ok"))
	assert.Equal(t, http.MethodPut, rec.last().Method)
	assert.Equal(t, "/api/messages/ok/read", rec.last().Path)

	err := c.MarkRead(ctx, "gone")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
	assert.Equal(t, "api error 404: NOT_FOUND: no such message", err.Error())

	err = c.MarkRead(ctx, "flaky")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.True(t, strings.Contains(apiErr.Message, "upstream down"))

	require.NoError(t, c.Health(ctx))
	assert.Equal(t, self, c.SelfID())
}

func TestClient_ContextCancelled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/messages", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	c, _ := newTestAPI(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.FetchMessages(ctx)
	assert.Error(t, err)
}
