// Package session owns the lifecycle of one open chat: history load, live
// updates, read receipts, plain and attachment sends, and the in-memory
// message list those paths converge on. Exactly one live connection exists
// per open chat; message id equality is the sole dedup key between the
// history fetch and the live channel.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/classchat/internal/content"
	"github.com/classchat/internal/logger"
	"github.com/classchat/internal/model"
	"github.com/classchat/internal/ws"
)

var (
	// ErrChannelUnavailable is returned by SendText when the live channel is
	// not open. Text sends never fall back to REST; arrival order on the
	// channel is the delivery contract.
	ErrChannelUnavailable = errors.New("session: live channel unavailable")

	// ErrEmptyMessage rejects whitespace-only text sends.
	ErrEmptyMessage = errors.New("session: empty message body")

	// ErrNoFile rejects attachment sends without a file.
	ErrNoFile = errors.New("session: no file selected")
)

// State is the per-chat lifecycle. Open without a live connection is the
// degraded sub-state where channel sends fail but history, read receipts and
// attachment posts still work.
type State int

const (
	StateClosed State = iota
	StateLoading
	StateOpen
	StateLive
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateLoading:
		return "loading"
	case StateOpen:
		return "open"
	case StateLive:
		return "live"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MessagingAPI is the HTTP surface the session depends on. Implemented by
// api.Client.
type MessagingAPI interface {
	Messages(ctx context.Context, chatID int64, skip, limit int) ([]model.Message, error)
	SendMessage(ctx context.Context, in model.MessageCreate) (*model.Message, error)
	MarkRead(ctx context.Context, chatID, messageID int64) error
	CreateChat(ctx context.Context, in model.ChatCreate) (*model.Chat, error)
	UploadResource(ctx context.Context, chatID int64, fileName, contentType string, r io.Reader) (*model.ChatResource, error)
}

// LiveChannel is one live-update connection. Implemented by ws.Conn.
type LiveChannel interface {
	Send(f ws.OutboundFrame) error
	Open() bool
	Close()
}

// DialFunc establishes the live channel for a chat. onMessage and onClosed
// follow ws.Dial semantics.
type DialFunc func(ctx context.Context, chatID int64, onMessage func(model.Message), onClosed func()) (LiveChannel, error)

const defaultMemberRole = "student"

// Session manages one active conversation for one user. Safe for concurrent
// use; the mutex covers the message list, read state and connection slot,
// which the caller and the channel's read pump both touch.
type Session struct {
	api      MessagingAPI
	dial     DialFunc
	user     model.UserSimple
	pageSize int

	mu    sync.Mutex
	state State
	chat  *model.Chat
	msgs  []model.Message
	read  *ReadState
	conn  LiveChannel

	// epoch increments on every Open and Close. Responses and callbacks carry
	// the epoch they were started under; a mismatch means the chat has moved
	// on and the result is dropped.
	epoch uint64

	// receipts tracks in-flight read-receipt calls so Close can drain them.
	receipts sync.WaitGroup
}

// New creates a session for the given user. pageSize bounds the history
// fetch; <=0 selects 50.
func New(apiClient MessagingAPI, dial DialFunc, user model.UserSimple, pageSize int) *Session {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Session{
		api:      apiClient,
		dial:     dial,
		user:     user,
		pageSize: pageSize,
		read:     NewReadState(),
	}
}

// Open switches the session to chat: closes any previous connection, fetches
// the latest history page (newest first on the wire, reversed for display)
// and establishes a fresh live channel. A history failure is returned but
// does not block the connection attempt; a connection failure is logged and
// leaves the session open without a live channel.
func (s *Session) Open(ctx context.Context, chat model.Chat) error {
	s.mu.Lock()
	prev := s.conn
	s.conn = nil
	s.epoch++
	epoch := s.epoch
	s.state = StateLoading
	c := chat
	s.chat = &c
	s.msgs = nil
	s.read.Reset()
	s.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	history, histErr := s.api.Messages(ctx, chat.ID, 0, s.pageSize)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return nil
	}
	if histErr == nil {
		s.msgs = make([]model.Message, 0, len(history))
		for i := len(history) - 1; i >= 0; i-- {
			s.msgs = append(s.msgs, history[i])
		}
	} else {
		logger.Errorf("session: history fetch chat=%d: %v", chat.ID, histErr)
	}
	s.state = StateOpen
	s.mu.Unlock()

	conn, dialErr := s.dial(ctx,
		chat.ID,
		func(m model.Message) { s.onLiveMessage(epoch, m) },
		func() { s.onChannelClosed(epoch) },
	)
	if dialErr != nil {
		logger.Errorf("session: live channel chat=%d: %v", chat.ID, dialErr)
		return histErr
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.state = StateLive
	s.mu.Unlock()
	return histErr
}

// Close tears the session down. Idempotent and safe in any state.
func (s *Session) Close() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.epoch++
	s.state = StateClosed
	s.chat = nil
	s.msgs = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.receipts.Wait()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Chat returns the currently open chat, or nil when closed.
func (s *Session) Chat() *model.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chat
}

// Messages returns the message list oldest first. The slice is a copy.
func (s *Session) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// onLiveMessage handles an inbound frame from the live channel. Frames from
// a stale connection or another chat are discarded; the rest dedup by id and
// append in arrival order.
func (s *Session) onLiveMessage(epoch uint64, m model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch || s.chat == nil || m.ChatID != s.chat.ID {
		return
	}
	s.appendLocked(m)
}

func (s *Session) appendLocked(m model.Message) {
	for i := range s.msgs {
		if s.msgs[i].ID == m.ID {
			return
		}
	}
	s.msgs = append(s.msgs, m)
}

// onChannelClosed downgrades a live session when its connection dies.
func (s *Session) onChannelClosed(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return
	}
	s.conn = nil
	if s.state == StateLive {
		s.state = StateOpen
	}
}

// SendText transmits body over the live channel. Fire-and-forget: the server
// echoes the created message back over the channel, which is when it enters
// the list. Fails with ErrChannelUnavailable when the channel is not open.
func (s *Session) SendText(body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	conn := s.conn
	chat := s.chat
	s.mu.Unlock()

	if chat == nil || conn == nil || !conn.Open() {
		return ErrChannelUnavailable
	}
	err := conn.Send(ws.OutboundFrame{
		Body:     body,
		SenderID: s.user.ID,
		ChatID:   chat.ID,
		BatchID:  chat.BatchID,
	})
	if errors.Is(err, ws.ErrClosed) {
		return ErrChannelUnavailable
	}
	return err
}

// SendAttachment uploads the file, composes the message body from the caption
// plus a markdown reference to the uploaded URL, and posts it over REST. The
// upload failing aborts before any message exists. Works without a live
// channel; the posted message is appended locally and dedups against any
// channel echo.
func (s *Session) SendAttachment(ctx context.Context, fileName, contentType string, file io.Reader, caption string) (*model.Message, error) {
	if file == nil {
		return nil, ErrNoFile
	}

	s.mu.Lock()
	chat := s.chat
	s.mu.Unlock()
	if chat == nil {
		return nil, ErrChannelUnavailable
	}

	res, err := s.api.UploadResource(ctx, chat.ID, fileName, contentType, file)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", fileName, err)
	}

	name := res.FileName
	if name == "" {
		name = fileName
	}
	body := content.Compose(caption, name, contentType, res.FileURL)
	msg, err := s.api.SendMessage(ctx, model.MessageCreate{
		Body:    body,
		ChatID:  chat.ID,
		BatchID: chat.BatchID,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.chat != nil && s.chat.ID == msg.ChatID {
		s.appendLocked(*msg)
	}
	s.mu.Unlock()
	return msg, nil
}

// MarkRead issues a read receipt for one message, at most once per session.
// The local record is taken before the remote call so redundant invocations
// under re-render storms stay no-ops. The remote call is best effort and
// never surfaces its error.
func (s *Session) MarkRead(chatID, messageID int64) {
	s.mu.Lock()
	if s.chat == nil || s.chat.ID != chatID || !s.read.MarkIfNew(messageID) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.receipts.Add(1)
	go func() {
		defer s.receipts.Done()
		if err := s.api.MarkRead(context.Background(), chatID, messageID); err != nil {
			logger.Errorf("session: mark read chat=%d msg=%d: %v", chatID, messageID, err)
		}
	}()
}

// MarkVisibleRead sweeps the current list and issues receipts for every
// unread message from other senders.
func (s *Session) MarkVisibleRead() {
	s.mu.Lock()
	if s.chat == nil {
		s.mu.Unlock()
		return
	}
	chatID := s.chat.ID
	var pending []int64
	for i := range s.msgs {
		m := &s.msgs[i]
		if m.SenderID != s.user.ID && m.Status != model.MessageStatusRead {
			pending = append(pending, m.ID)
		}
	}
	s.mu.Unlock()

	for _, id := range pending {
		s.MarkRead(chatID, id)
	}
}

// FindOrCreateDirectChat returns the existing direct chat with targetUserID
// from the supplied list, or creates one with the target as sole initial
// member. Duplicate detection trusts the caller's list; no server-side
// lookup happens here.
func (s *Session) FindOrCreateDirectChat(ctx context.Context, targetUserID string, existing []model.Chat) (*model.Chat, error) {
	for i := range existing {
		c := &existing[i]
		if c.ChatType == model.ChatTypeDirect && c.HasMember(targetUserID) {
			return c, nil
		}
	}
	return s.api.CreateChat(ctx, model.ChatCreate{
		ChatType: model.ChatTypeDirect,
		InitialMembers: []model.ChatMemberCreate{
			{UserID: targetUserID, Role: defaultMemberRole},
		},
	})
}
