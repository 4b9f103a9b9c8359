package convsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": data})
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":    false,
		"error": map[string]string{"code": code, "message": message},
	})
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("tok", append([]ClientOption{WithBaseURL(srv.URL + "/")}, opts...)...)
}

func TestClientFetchMessages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/api/conversations/c1/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeEnvelope(w, http.StatusOK, []Message{rootMsg("a", "c1", 1), replyMsg("r1", "c1", "a", 2)})
	})

	msgs, err := c.FetchMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].ID)
	assert.Equal(t, "a", msgs[1].ThreadRootID)
	assert.True(t, msgs[0].CreatedAt.Equal(t0.Add(time.Minute)))
}

func TestClientErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		denied  bool
		network bool
		code    string
	}{
		{
			name: "forbidden envelope",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeAPIError(w, http.StatusForbidden, "NOT_A_MEMBER", "not a member")
			},
			denied: true,
			code:   "NOT_A_MEMBER",
		},
		{
			name: "ok false with access code",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeAPIError(w, http.StatusOK, "ACCESS_DENIED", "removed")
			},
			denied: true,
			code:   "ACCESS_DENIED",
		},
		{
			name: "bad gateway without body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream down", http.StatusBadGateway)
			},
			network: true,
			code:    "HTTP_502",
		},
		{
			name: "validation failure",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeAPIError(w, http.StatusBadRequest, "INVALID_INPUT", "bad id")
			},
			code: "INVALID_INPUT",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, tc.handler)
			_, err := c.FetchThread(context.Background(), "a")
			require.Error(t, err)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tc.code, apiErr.Code)
			assert.Equal(t, tc.denied, IsAccessDenied(err))
			assert.Equal(t, tc.network, errors.Is(err, ErrNetwork))
		})
	}
}

func TestClientTokenOption(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer other", r.Header.Get("Authorization"))
		writeEnvelope(w, http.StatusOK, []Message{})
	}, WithToken("other"))

	_, err := c.FetchMessages(context.Background(), "c1")
	require.NoError(t, err)
}

func TestClientTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()
	c := NewClient("tok", WithBaseURL(srv.URL))

	_, err := c.FetchMessages(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestClientWrites(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, r.Method+" "+r.URL.Path+" "+strings.TrimSpace(string(body)))
		mu.Unlock()
		if r.Method == "POST" && r.URL.Path == "/api/conversations/c1/messages" {
			var d Draft
			assert.NoError(t, json.Unmarshal(body, &d))
			m := rootMsg("srv-1", d.ConversationID, 5)
			m.Content = d.Content
			writeEnvelope(w, http.StatusCreated, m)
			return
		}
		writeEnvelope(w, http.StatusOK, nil)
	})
	ctx := context.Background()

	msg, err := c.InsertMessage(ctx, Draft{ClientID: "d1", ConversationID: "c1", SenderID: "me", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", msg.ID)
	assert.Equal(t, "hi", msg.Content)

	content := "edited"
	require.NoError(t, c.UpdateMessage(ctx, "m1", MessagePatch{Content: &content}))
	require.NoError(t, c.DeleteMessage(ctx, "m1"))
	require.NoError(t, c.UpsertReaction(ctx, Reaction{MessageID: "m1", UserID: "me", Emoji: "👍"}))
	require.NoError(t, c.DeleteReaction(ctx, "m1", "me"))
	require.NoError(t, c.InsertReceipts(ctx, []Receipt{{MessageID: "m1", ReaderID: "me"}}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 6)
	assert.Equal(t, `PATCH /api/messages/m1 {"content":"edited"}`, got[1])
	assert.Equal(t, "DELETE /api/messages/m1 ", got[2])
	assert.Equal(t, `PUT /api/messages/m1/reactions {"messageId":"m1","userId":"me","emoji":"👍"}`, got[3])
	assert.Equal(t, "DELETE /api/messages/m1/reactions/me ", got[4])
	assert.Equal(t, `POST /api/receipts {"receipts":[{"messageId":"m1","readerId":"me"}]}`, got[5])
}

func TestClientBatchReads(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body struct {
			MessageIDs []string `json:"messageIds"`
			IDs        []string `json:"ids"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		switch r.URL.Path {
		case "/api/reactions/query":
			assert.Equal(t, []string{"a", "b"}, body.MessageIDs)
			writeEnvelope(w, http.StatusOK, []Reaction{{MessageID: "a", UserID: "u1", Emoji: "👍"}})
		case "/api/receipts/query":
			writeEnvelope(w, http.StatusOK, []Receipt{{MessageID: "b", ReaderID: "u2"}})
		case "/api/messages/join-counts":
			assert.Equal(t, []string{"a"}, body.IDs)
			writeEnvelope(w, http.StatusOK, map[string]int{"a": 4})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	ctx := context.Background()

	reactions, err := c.FetchReactions(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, reactions, 1)

	receipts, err := c.FetchReceipts(ctx, []string{"b"})
	require.NoError(t, err)
	assert.Equal(t, "u2", receipts[0].ReaderID)

	counts, err := c.FetchJoinCounts(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 4}, counts)

	// Empty batches never reach the server.
	_, err = c.FetchReactions(ctx, nil)
	require.NoError(t, err)
	_, err = c.FetchReceipts(ctx, nil)
	require.NoError(t, err)
	counts, err = c.FetchJoinCounts(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, counts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientUpload(t *testing.T) {
	t.Run("presign, upload, confirm", func(t *testing.T) {
		var (
			mu       sync.Mutex
			uploaded []byte
		)
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/api/files/presign":
				var body map[string]any
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "image/png", body["mimeType"])
				assert.Equal(t, "attachment.png", body["fileName"])
				writeEnvelope(w, http.StatusOK, map[string]any{"uploadId": "up1", "url": "/api/files/upload/up1"})
			case "/api/files/upload/up1":
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				f, _, err := r.FormFile("file")
				if !assert.NoError(t, err) {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				data, _ := io.ReadAll(f)
				mu.Lock()
				uploaded = data
				mu.Unlock()
				writeEnvelope(w, http.StatusOK, nil)
			case "/api/files/confirm/up1":
				writeEnvelope(w, http.StatusOK, map[string]any{"uploadId": "up1", "cdnUrl": "https://cdn.test/up1.png"})
			default:
				t.Errorf("unexpected path %s", r.URL.Path)
			}
		})

		url, err := c.Upload(context.Background(), []byte("\x89PNG data"), "image/png")
		require.NoError(t, err)
		assert.Equal(t, "https://cdn.test/up1.png", url)
		mu.Lock()
		assert.Equal(t, []byte("\x89PNG data"), uploaded)
		mu.Unlock()
	})

	t.Run("storage failure wraps ErrUpload", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/files/presign" {
				writeEnvelope(w, http.StatusOK, map[string]any{"uploadId": "up1", "url": "/api/files/upload/up1"})
				return
			}
			http.Error(w, "disk full", http.StatusInsufficientStorage)
		})

		_, err := c.Upload(context.Background(), []byte("x"), "text/plain")
		assert.ErrorIs(t, err, ErrUpload)
		assert.Contains(t, err.Error(), "disk full")
	})

	t.Run("presign rejection wraps ErrUpload", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeAPIError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "too big")
		})

		_, err := c.Upload(context.Background(), []byte("x"), "text/plain")
		assert.ErrorIs(t, err, ErrUpload)
	})
}

func TestClientRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEnvelope(w, http.StatusOK, []Message{})
	}, WithRateLimit(0.001, 1))

	_, err := c.FetchMessages(context.Background(), "c1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.FetchMessages(ctx, "c1")
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
