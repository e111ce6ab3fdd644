package devserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/classchat/internal/logger"
	"github.com/classchat/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufSize    = 64
)

// hub tracks live connections per chat room and broadcasts created messages
// to every member connected to that room, sender included.
type hub struct {
	mu    sync.Mutex
	rooms map[int64]map[*roomClient]struct{}
}

func newHub() *hub {
	return &hub{rooms: make(map[int64]map[*roomClient]struct{})}
}

func (h *hub) join(c *roomClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[c.chatID]
	if room == nil {
		room = make(map[*roomClient]struct{})
		h.rooms[c.chatID] = room
	}
	room[c] = struct{}{}
}

func (h *hub) leave(c *roomClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room := h.rooms[c.chatID]; room != nil {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.chatID)
		}
	}
}

// broadcast queues msg to every client in the chat's room. Clients with a
// full send buffer are dropped rather than blocking the room.
func (h *hub) broadcast(chatID int64, msg model.Message) {
	h.mu.Lock()
	var stale []*roomClient
	for c := range h.rooms[chatID] {
		select {
		case c.send <- msg:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		logger.Errorf("devserver: ws send buffer full chat=%d user=%s, dropping client", chatID, c.userID)
		c.close()
	}
}

// shutdown closes every connection. Called when the server stops.
func (h *hub) shutdown() {
	h.mu.Lock()
	var all []*roomClient
	for _, room := range h.rooms {
		for c := range room {
			all = append(all, c)
		}
	}
	h.rooms = make(map[int64]map[*roomClient]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
	for _, c := range all {
		c.wg.Wait()
	}
}

// roomClient is one member connection inside a chat room.
// Lifecycle: newRoomClient -> start -> [readPump, writePump] -> close.
type roomClient struct {
	hub    *hub
	conn   *websocket.Conn
	send   chan model.Message
	chatID int64
	userID string

	// onFrame persists an inbound text send and returns the created message
	// for broadcasting.
	onFrame func(body string, batchID *int64) model.Message

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newRoomClient(h *hub, conn *websocket.Conn, chatID int64, userID string, onFrame func(string, *int64) model.Message) *roomClient {
	return &roomClient{
		hub:     h,
		conn:    conn,
		send:    make(chan model.Message, sendBufSize),
		chatID:  chatID,
		userID:  userID,
		onFrame: onFrame,
		done:    make(chan struct{}),
	}
}

func (c *roomClient) start() {
	c.hub.join(c)
	c.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

func (c *roomClient) close() {
	c.once.Do(func() {
		c.hub.leave(c)
		close(c.done)
		c.conn.Close()
	})
}

// inboundFrame is the client's text-send payload. chat_id and sender_id are
// ignored in favor of the URL and the authenticated user.
type inboundFrame struct {
	Body    string `json:"message"`
	BatchID *int64 `json:"batch_id"`
}

func (c *roomClient) readPump() {
	defer c.wg.Done()
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("devserver: ws set read deadline user=%s: %v", c.userID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.conn.SetPingHandler(func(data string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return err
		}
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var f inboundFrame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("devserver: ws read error user=%s: %v", c.userID, err)
			}
			return
		}
		if f.Body == "" {
			continue
		}
		msg := c.onFrame(f.Body, f.BatchID)
		c.hub.broadcast(c.chatID, msg)
	}
}

func (c *roomClient) writePump() {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			if err := c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait)); err != nil && err != websocket.ErrCloseSent {
				logger.Errorf("devserver: ws close message user=%s: %v", c.userID, err)
			}
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("devserver: ws set write deadline user=%s: %v", c.userID, err)
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
