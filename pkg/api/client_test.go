package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"socialchat/pkg/protocol"
)

func writeEnvelope(w http.ResponseWriter, code int, success bool, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": success,
		"message": message,
		"data":    data,
	})
}

func TestFetchHistory(t *testing.T) {
	before := time.Date(2024, 5, 1, 12, 0, 0, 123456, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/conversations/conv-1/messages", r.URL.Path)
		require.Equal(t, "2024-05-01T12:00:00.000123456Z", r.URL.Query().Get("before"))
		require.Equal(t, "m3", r.URL.Query().Get("before_id"))
		require.Equal(t, "2", r.URL.Query().Get("limit"))
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		writeEnvelope(w, http.StatusOK, true, "messages", map[string]any{
			"messages": []protocol.ServerMessage{
				{ID: "m2", ConversationID: "conv-1", SenderID: "peer", Kind: "text", Text: "b", CreatedAt: before.Add(-time.Second)},
				{ID: "m1", ConversationID: "conv-1", SenderID: "peer", Kind: "text", Text: "a", CreatedAt: before.Add(-2 * time.Second)},
			},
			"count": 2,
		})
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Token: "tok"})
	msgs, err := c.FetchHistory(context.Background(), "conv-1", protocol.Cursor{At: before, ID: "m3"}, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "m2", msgs[0].ID)
}

func TestFetchHistory_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusUnauthorized, false, "invalid token", nil)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	_, err := c.FetchHistory(context.Background(), "conv-1", protocol.Cursor{}, 10)
	require.ErrorIs(t, err, ErrUnauthorized)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "invalid token", apiErr.Message)
}

func TestFetchHistory_ServerErrorWithoutEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	_, err := c.FetchHistory(context.Background(), "conv-1", protocol.Cursor{}, 10)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
}

func TestCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sessions" {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "user-1", body["user_id"])
			writeEnvelope(w, http.StatusCreated, true, "session created", map[string]string{"token": "tok-1", "user_id": "user-1"})
			return
		}
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		writeEnvelope(w, http.StatusOK, true, "marked", nil)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	token, userID, err := c.CreateSession(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, "tok-1", token)
	require.Equal(t, "user-1", userID)

	require.NoError(t, c.MarkRead(context.Background(), "conv-1", nil))
}

func TestMarkRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/conversations/conv-1/read", r.URL.Path)

		var body struct {
			MessageIDs []string `json:"message_ids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, []string{"m1", "m2"}, body.MessageIDs)
		writeEnvelope(w, http.StatusOK, true, "marked", nil)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	require.NoError(t, c.MarkRead(context.Background(), "conv-1", []string{"m1", "m2"}))
}

func TestUploadMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/media", r.URL.Path)
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		require.Equal(t, "cat.gif", hdr.Filename)
		b, _ := io.ReadAll(f)
		require.Equal(t, "GIF89a", string(b))

		writeEnvelope(w, http.StatusCreated, true, "uploaded", protocol.Media{URL: "http://cdn/cat.gif", Width: 4, Height: 3})
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	media, err := c.UploadMedia(context.Background(), "cat.gif", strings.NewReader("GIF89a"))
	require.NoError(t, err)
	require.Equal(t, protocol.Media{URL: "http://cdn/cat.gif", Width: 4, Height: 3}, media)
}

func TestCancelledContext(t *testing.T) {
	c := New(Options{BaseURL: "http://127.0.0.1:1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchHistory(ctx, "conv-1", protocol.Cursor{}, 10)
	require.ErrorIs(t, err, context.Canceled)
}
