package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classchat/internal/model"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// echoServer upgrades the request and, for every inbound frame, persists a
// fake id and echoes the created message back, like the backend does.
func echoServer(t *testing.T) (url string, gotAuth *string) {
	t.Helper()
	var auth string
	var nextID int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var f OutboundFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			nextID++
			msg := model.Message{
				ID:        nextID,
				Body:      f.Body,
				ChatID:    f.ChatID,
				SenderID:  f.SenderID,
				Status:    model.MessageStatusSent,
				CreatedAt: time.Now().UTC(),
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &auth
}

func TestConn_SendAndEcho(t *testing.T) {
	url, gotAuth := echoServer(t)

	received := make(chan model.Message, 1)
	conn, err := Dial(context.Background(), url, "tok", 7, Options{}, func(m model.Message) {
		received <- m
	}, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.True(t, conn.Open())
	assert.Equal(t, int64(7), conn.ChatID())

	require.NoError(t, conn.Send(OutboundFrame{Body: "hi", SenderID: "u1", ChatID: 7}))

	select {
	case m := <-received:
		assert.Equal(t, "hi", m.Body)
		assert.Equal(t, int64(7), m.ChatID)
		assert.Equal(t, model.MessageStatusSent, m.Status)
		assert.NotZero(t, m.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}

	assert.Equal(t, "Bearer tok", *gotAuth)
}

func TestConn_CloseIdempotent(t *testing.T) {
	url, _ := echoServer(t)

	var closedCount int
	var mu sync.Mutex
	conn, err := Dial(context.Background(), url, "", 1, Options{}, nil, func() {
		mu.Lock()
		closedCount++
		mu.Unlock()
	})
	require.NoError(t, err)

	conn.Close()
	conn.Close()
	conn.Wait()

	assert.False(t, conn.Open())
	mu.Lock()
	assert.Equal(t, 1, closedCount, "onClosed must fire exactly once")
	mu.Unlock()
}

func TestConn_SendAfterClose(t *testing.T) {
	url, _ := echoServer(t)

	conn, err := Dial(context.Background(), url, "", 1, Options{}, nil, nil)
	require.NoError(t, err)
	conn.Close()
	conn.Wait()

	assert.ErrorIs(t, conn.Send(OutboundFrame{Body: "late"}), ErrClosed)
}

func TestConn_ServerDropMarksClosed(t *testing.T) {
	// Server that accepts the upgrade and immediately hangs up.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	closed := make(chan struct{})
	conn, err := Dial(context.Background(), url, "", 1, Options{}, nil, func() { close(closed) })
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection drop was not observed")
	}
	assert.False(t, conn.Open())
}

func TestConn_DialFailure(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/chats/1/ws", "", 1, Options{}, nil, nil)
	require.Error(t, err)
}

func TestOutboundFrame_WireShape(t *testing.T) {
	batch := int64(3)
	data, err := json.Marshal(OutboundFrame{Body: "hey", SenderID: "u1", ChatID: 2, BatchID: &batch})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "hey", m["message"])
	assert.Equal(t, "u1", m["sender_id"])
	assert.Equal(t, float64(2), m["chat_id"])
	assert.Equal(t, float64(3), m["batch_id"])
}
