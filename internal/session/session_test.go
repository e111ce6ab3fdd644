package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classchat/internal/model"
	"github.com/classchat/internal/ws"
)

type readCall struct {
	chatID, messageID int64
}

// fakeAPI is an in-memory MessagingAPI recording every call.
type fakeAPI struct {
	mu sync.Mutex

	history    map[int64][]model.Message
	historyErr error

	// historyGate blocks the fetch for one chat; historyEntered signals the
	// fetch was reached.
	historyGate    map[int64]chan struct{}
	historyEntered chan int64

	readCalls []readCall
	readErr   error

	created      []model.ChatCreate
	createResult *model.Chat

	sent      []model.MessageCreate
	nextMsgID int64

	uploads   int
	uploadErr error
	uploadURL string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		history:   make(map[int64][]model.Message),
		nextMsgID: 100,
		uploadURL: "http://files/up",
	}
}

func (f *fakeAPI) Messages(ctx context.Context, chatID int64, skip, limit int) ([]model.Message, error) {
	f.mu.Lock()
	gate := f.historyGate[chatID]
	entered := f.historyEntered
	f.mu.Unlock()
	if entered != nil {
		entered <- chatID
	}
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history[chatID], nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, in model.MessageCreate) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	f.nextMsgID++
	return &model.Message{
		ID:       f.nextMsgID,
		Body:     in.Body,
		ChatID:   in.ChatID,
		SenderID: "me",
		Status:   model.MessageStatusSent,
	}, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, chatID, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls = append(f.readCalls, readCall{chatID, messageID})
	return f.readErr
}

func (f *fakeAPI) CreateChat(ctx context.Context, in model.ChatCreate) (*model.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, in)
	if f.createResult != nil {
		return f.createResult, nil
	}
	return &model.Chat{ID: 999, ChatType: in.ChatType}, nil
}

func (f *fakeAPI) UploadResource(ctx context.Context, chatID int64, fileName, contentType string, r io.Reader) (*model.ChatResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return &model.ChatResource{ChatID: chatID, FileName: fileName, FileURL: f.uploadURL + "/" + fileName}, nil
}

func (f *fakeAPI) readCallsSnapshot() []readCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]readCall, len(f.readCalls))
	copy(out, f.readCalls)
	return out
}

// fakeChannel is a LiveChannel recording sent frames.
type fakeChannel struct {
	mu       sync.Mutex
	closed   bool
	frames   []ws.OutboundFrame
	onClosed func()
}

func (c *fakeChannel) Send(f ws.OutboundFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ws.ErrClosed
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeChannel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	hook := c.onClosed
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// dialRec remembers one dial so tests can inject live pushes.
type dialRec struct {
	chatID    int64
	channel   *fakeChannel
	onMessage func(model.Message)
}

type harness struct {
	api     *fakeAPI
	dialErr error
	mu      sync.Mutex
	dials   []dialRec
}

func (h *harness) dial(ctx context.Context, chatID int64, onMessage func(model.Message), onClosed func()) (LiveChannel, error) {
	if h.dialErr != nil {
		return nil, h.dialErr
	}
	ch := &fakeChannel{onClosed: onClosed}
	h.mu.Lock()
	h.dials = append(h.dials, dialRec{chatID: chatID, channel: ch, onMessage: onMessage})
	h.mu.Unlock()
	return ch, nil
}

func (h *harness) lastDial(t *testing.T) dialRec {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.dials)
	return h.dials[len(h.dials)-1]
}

func newHarness() (*harness, *Session) {
	h := &harness{api: newFakeAPI()}
	s := New(h.api, h.dial, model.UserSimple{ID: "me", FullName: "Me"}, 50)
	return h, s
}

func msg(id, chatID int64, body string) model.Message {
	return model.Message{ID: id, ChatID: chatID, SenderID: "them", Body: body, Status: model.MessageStatusSent}
}

func ids(msgs []model.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestOpen_ReversesHistoryAndGoesLive(t *testing.T) {
	h, s := newHarness()
	h.api.history[1] = []model.Message{msg(5, 1, "e"), msg(4, 1, "d"), msg(3, 1, "c")}

	require.NoError(t, s.Open(context.Background(), model.Chat{ID: 1}))
	defer s.Close()

	assert.Equal(t, StateLive, s.State())
	assert.Equal(t, []int64{3, 4, 5}, ids(s.Messages()))
}

func TestOpen_HistoryFailureStillConnects(t *testing.T) {
	h, s := newHarness()
	h.api.historyErr = errors.New("boom")

	err := s.Open(context.Background(), model.Chat{ID: 1})
	defer s.Close()

	require.Error(t, err)
	assert.Equal(t, StateLive, s.State(), "channel opens even when history fails")
	assert.Empty(t, s.Messages())
}

func TestOpen_DialFailureLeavesOpenWithoutLive(t *testing.T) {
	h, s := newHarness()
	h.dialErr = errors.New("refused")

	require.NoError(t, s.Open(context.Background(), model.Chat{ID: 1}))
	defer s.Close()

	assert.Equal(t, StateOpen, s.State())
	assert.ErrorIs(t, s.SendText("hi"), ErrChannelUnavailable)
}

func TestLiveMessages_DedupByID(t *testing.T) {
	h, s := newHarness()
	h.api.history[1] = []model.Message{msg(5, 1, "e")}

	require.NoError(t, s.Open(context.Background(), model.Chat{ID: 1}))
	defer s.Close()

	d := h.lastDial(t)
	d.onMessage(msg(5, 1, "e"))
	d.onMessage(msg(6, 1, "f"))
	d.onMessage(msg(6, 1, "f"))

	assert.Equal(t, []int64{5, 6}, ids(s.Messages()))
}

func TestLiveMessages_OrderPreserved(t *testing.T) {
	h, s := newHarness()
	h.api.history[1] = []model.Message{msg(5, 1, "e"), msg(4, 1, "d"), msg(3, 1, "c")}

	require.NoError(t, s.Open(context.Background(), model.Chat{ID: 1}))
	defer s.Close()

	d := h.lastDial(t)
	d.onMessage(msg(6, 1, "f"))
	d.onMessage(msg(7, 1, "g"))

	assert.Equal(t, []int64{3, 4, 5, 6, 7}, ids(s.Messages()))
}

func TestLiveMessages_OtherChatDiscarded(t *testing.T) {
	h, s := newHarness()

	require.NoError(t, s.Open(context.Background(), model.Chat{ID: 1}))
	defer s.Close()

	d := h.lastDial(t)
	d.onMessage(msg(9, 2, "wrong room"))

	assert.Empty(t, s.Messages())
}

func TestOpen_SwitchingChatsDropsStalePushes(t *testing.T) {
	h, s := newHarness()

	require.NoError(t, s.Open(context.Background(), model.Chat{ID: 1}))
	chatADial := h.lastDial(t)

	require.NoError(t, s.Open(context.Background(), model.Chat{ID: 2}))
	defer s.Close()

	assert.False(t, chatADial.channel.Open(), "previous connection must be closed")

	// A late push from the abandoned connection, even with the right chat id
	// for its own chat, must not leak into the new session.
	chatADial.onMessage(msg(9, 1, "stale"))
	assert.Empty(t, s.Messages())

	d := h.lastDial(t)
	d.onMessage(msg(10, 2, "fresh"))
	assert.Equal(t, []int64{10}, ids(s.Messages()))
}

func TestOpen_StaleHistoryResponseDiscarded(t *testing.T) {
	h, s := newHarness()
	h.api.history[1] = []model.Message{msg(5, 1, "old chat")}
	gate := make(chan struct{})
	h.api.historyGate = map[int64]chan struct{}{1: gate}
	h.api.historyEntered = make(chan int64, 2)

	done := make(chan error, 1)
	go func() { done <- s.Open(context.Background(), model.Chat{ID: 1}) }()

	// Wait for the first open to block inside its history fetch, then move on
	// to chat 2 and only afterwards let the stale response through.
	require.Equal(t, int64(1), <-h.api.historyEntered)
	require.NoError(t, s.Open(context.Background(), model.Chat{ID: 2}))
	defer s.Close()
	require.Equal(t, int64(2), <-h.api.historyEntered)

	close(gate)
	require.NoError(t, <-done)

	assert.Empty(t, s.Messages(), "chat 1 history must not apply to chat 2")
	require.NotNil(t, s.Chat())
	assert.Equal(t, int64(2), s.Chat().ID)
}

func TestSendText_OverChannel(t *testing.T) {
	h, s := newHarness()
	batch := int64(7)

	require.NoError(t, s.Open(context.Background(), model.Chat{ID: 1, BatchID: &batch}))
	defer s.Close()

	require.NoError(t, s.SendText("  hello  "))

	d := h.lastDial(t)
	d.channel.mu.Lock()
	defer d.channel.mu.Unlock()
	require.Len(t, d.channel.frames, 1)
	f := d.channel.frames[0]
	assert.Equal(t, "hello", f.Body)
	assert.Equal(t, "me", f.SenderID)
	assert.Equal(t, int64(1), f.ChatID)
	require.NotNil(t, f.BatchID)
	assert.Equal(t, int64(7), *f.BatchID)

	// No optimistic append; the list fills when the server echoes.
	assert.Empty(t, s.Messages())
}

func TestSendText_Validation(t *testing.T) {
	_, s := newHarness()
	assert.ErrorIs(t, s.SendText("   "), ErrEmptyMessage)
	assert.ErrorIs(t, s.SendText("hi"), ErrChannelUnavailable, "closed session has no channel")
}

func TestSendText_AfterChannelDrop(t *testing.T) {
	h, s := newHarness()

	require.NoError(t, s.Open(context.Background(), model.Chat{ID: 1}))
	defer s.Close()

	h.lastDial(t).channel.Close()

	assert.Equal(t, StateOpen, s.State(), "drop downgrades live to open")
	assert.ErrorIs(t, s.SendText("hi"), ErrChannelUnavailable)
}

func TestSendAttachment_ComposesAndPosts(t *testing.T) {
	h, s := newHarness()

	require.NoError(t, s.Open(context.Background(), model.Chat{ID: 4}))
	defer s.Close()

	m, err := s.SendAttachment(context.Background(), "notes.pdf", "application/pdf",
		strings.NewReader("%PDF-1.4"), "see attached")
	require.NoError(t, err)

	require.Len(t, h.api.sent, 1)
	assert.Equal(t, "see attached\n\n[notes.pdf](http://files/up/notes.pdf)", h.api.sent[0].Body)
	assert.Equal(t, int64(4), h.api.sent[0].ChatID)

	// The posted message lands in the list and dedups against a later echo.
	assert.Equal(t, []int64{m.ID}, ids(s.Messages()))
	h.lastDial(t).onMessage(*m)
	assert.Equal(t, []int64{m.ID}, ids(s.Messages()))
}

func TestSendAttachment_UploadFailureAborts(t *testing.T) {
	h, s := newHarness()
	h.api.uploadErr = errors.New("disk full")

	require.NoError(t, s.Open(context.Background(), model.Chat{ID: 4}))
	defer s.Close()

	_, err := s.SendAttachment(context.Background(), "notes.pdf", "application/pdf",
		strings.NewReader("x"), "cap")
	require.Error(t, err)
	assert.Empty(t, h.api.sent, "no message may exist for a failed upload")
	assert.Empty(t, s.Messages())
}

func TestSendAttachment_NoFile(t *testing.T) {
	_, s := newHarness()
	_, err := s.SendAttachment(context.Background(), "x", "", nil, "")
	assert.ErrorIs(t, err, ErrNoFile)
}

func TestMarkRead_IdempotentPerSession(t *testing.T) {
	h, s := newHarness()

	require.NoError(t, s.Open(context.Background(), model.Chat{ID: 1}))
	defer s.Close()

	s.MarkRead(1, 9)
	s.MarkRead(1, 9)
	s.receipts.Wait()

	assert.Equal(t, []readCall{{1, 9}}, h.api.readCallsSnapshot())
}

func TestMarkRead_RemoteFailureSwallowed(t *testing.T) {
	h, s := newHarness()
	h.api.readErr = errors.New("down")

	require.NoError(t, s.Open(context.Background(), model.Chat{ID: 1}))
	defer s.Close()

	s.MarkRead(1, 9)
	s.receipts.Wait()

	// The local record stands even though the call failed; no retry happens.
	s.MarkRead(1, 9)
	s.receipts.Wait()
	assert.Len(t, h.api.readCallsSnapshot(), 1)
}

func TestMarkRead_ResetOnReopen(t *testing.T) {
	h, s := newHarness()

	require.NoError(t, s.Open(context.Background(), model.Chat{ID: 1}))
	s.MarkRead(1, 9)
	s.receipts.Wait()

	require.NoError(t, s.Open(context.Background(), model.Chat{ID: 1}))
	defer s.Close()
	s.MarkRead(1, 9)
	s.receipts.Wait()

	assert.Len(t, h.api.readCallsSnapshot(), 2, "read state rebuilds per view")
}

func TestMarkVisibleRead_SweepsUnreadFromOthers(t *testing.T) {
	h, s := newHarness()
	h.api.history[1] = []model.Message{
		{ID: 3, ChatID: 1, SenderID: "them", Status: model.MessageStatusSent},
		{ID: 2, ChatID: 1, SenderID: "me", Status: model.MessageStatusSent},
		{ID: 1, ChatID: 1, SenderID: "them", Status: model.MessageStatusRead},
	}

	require.NoError(t, s.Open(context.Background(), model.Chat{ID: 1}))
	defer s.Close()

	s.MarkVisibleRead()
	s.receipts.Wait()

	assert.Equal(t, []readCall{{1, 3}}, h.api.readCallsSnapshot(),
		"own and already-read messages are skipped")
}

func TestFindOrCreateDirectChat_ReusesExisting(t *testing.T) {
	h, s := newHarness()
	existing := []model.Chat{
		{ID: 1, ChatType: model.ChatTypeGroup, Members: []model.ChatMember{{UserID: "bob"}}},
		{ID: 2, ChatType: model.ChatTypeDirect, Members: []model.ChatMember{{UserID: "me"}, {UserID: "bob"}}},
	}

	chat, err := s.FindOrCreateDirectChat(context.Background(), "bob", existing)
	require.NoError(t, err)
	assert.Equal(t, int64(2), chat.ID)
	assert.Empty(t, h.api.created, "no create call when a direct chat exists")
}

func TestFindOrCreateDirectChat_CreatesWhenMissing(t *testing.T) {
	h, s := newHarness()
	existing := []model.Chat{
		{ID: 1, ChatType: model.ChatTypeGroup, Members: []model.ChatMember{{UserID: "bob"}}},
	}

	chat, err := s.FindOrCreateDirectChat(context.Background(), "bob", existing)
	require.NoError(t, err)
	assert.Equal(t, int64(999), chat.ID)

	require.Len(t, h.api.created, 1)
	in := h.api.created[0]
	assert.Equal(t, model.ChatTypeDirect, in.ChatType)
	require.Len(t, in.InitialMembers, 1)
	assert.Equal(t, "bob", in.InitialMembers[0].UserID)
}

func TestClose_Idempotent(t *testing.T) {
	h, s := newHarness()

	require.NoError(t, s.Open(context.Background(), model.Chat{ID: 1}))
	d := h.lastDial(t)

	s.Close()
	s.Close()

	assert.Equal(t, StateClosed, s.State())
	assert.Nil(t, s.Chat())
	assert.False(t, d.channel.Open())
}
