package devserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classchat/internal/api"
	"github.com/classchat/internal/config"
	"github.com/classchat/internal/model"
	"github.com/classchat/internal/session"
	"github.com/classchat/internal/ws"
)

type memTokens struct{ token string }

func (m *memTokens) Token() string { return m.token }
func (m *memTokens) Clear() error  { m.token = ""; return nil }

type env struct {
	server *Server
	http   *httptest.Server
	alice  *model.User
	bob    *model.User
	chat   *model.Chat
}

func newEnv(t *testing.T) *env {
	t.Helper()
	srv := New(config.DevServerConfig{
		CORSAllowedOrigins: "*",
		JWTSecret:          "test-secret",
		TokenTTL:           time.Hour,
		UploadDir:          t.TempDir(),
		MaxUploadSize:      1 << 20,
	})

	alice := srv.State().AddUser("Alice", "alice@example.com", "secret", "teacher")
	bob := srv.State().AddUser("Bob", "bob@example.com", "secret", "student")
	chat := srv.State().CreateChat(alice.ID, model.ChatCreate{
		ChatType:       model.ChatTypeDirect,
		InitialMembers: []model.ChatMemberCreate{{UserID: bob.ID, Role: "student"}},
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return &env{server: srv, http: ts, alice: alice, bob: bob, chat: chat}
}

// login authenticates a seeded user and returns a ready API client.
func (e *env) login(t *testing.T, email string) (*api.Client, *memTokens) {
	t.Helper()
	tokens := &memTokens{}
	client := api.New(e.http.URL+"/api/v1", 5*time.Second, tokens, nil)

	_, err := client.Login(context.Background(), email, "secret", func(tok string) error {
		tokens.token = tok
		return nil
	})
	require.NoError(t, err)
	return client, tokens
}

func (e *env) newSession(t *testing.T, client *api.Client, tokens *memTokens, user *model.User) *session.Session {
	t.Helper()
	dial := func(ctx context.Context, chatID int64, onMessage func(model.Message), onClosed func()) (session.LiveChannel, error) {
		return ws.Dial(ctx, client.WebSocketURL(chatID), tokens.Token(), chatID, ws.Options{}, onMessage, onClosed)
	}
	return session.New(client, dial, user.ToSimple(), 50)
}

func TestLoginAndCurrentUser(t *testing.T) {
	e := newEnv(t)
	client, _ := e.login(t, "alice@example.com")

	u, err := client.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, e.alice.ID, u.ID)
	assert.Equal(t, "Alice", u.FullName)
}

func TestLogin_BadPassword(t *testing.T) {
	e := newEnv(t)
	tokens := &memTokens{}
	client := api.New(e.http.URL+"/api/v1", 5*time.Second, tokens, nil)

	_, err := client.Login(context.Background(), "alice@example.com", "wrong", nil)
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)
	loggedOut := false
	tokens := &memTokens{token: "garbage"}
	client := api.New(e.http.URL+"/api/v1", 5*time.Second, tokens, func() { loggedOut = true })

	_, err := client.ListChats(context.Background(), 0, 100)
	require.ErrorIs(t, err, api.ErrAuthFailure)
	assert.True(t, loggedOut)
	assert.Empty(t, tokens.token)
}

func TestListChats(t *testing.T) {
	e := newEnv(t)
	client, _ := e.login(t, "alice@example.com")

	chats, err := client.ListChats(context.Background(), 0, 100)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, e.chat.ID, chats[0].ID)
	assert.Equal(t, model.ChatTypeDirect, chats[0].ChatType)
	assert.Equal(t, "Bob", chats[0].DisplayName(e.alice.ID))
}

func TestSessionOverLiveChannel(t *testing.T) {
	e := newEnv(t)
	client, tokens := e.login(t, "alice@example.com")
	s := e.newSession(t, client, tokens, e.alice)
	defer s.Close()

	require.NoError(t, s.Open(context.Background(), *e.chat))
	require.Equal(t, session.StateLive, s.State())

	require.NoError(t, s.SendText("hello bob"))

	require.Eventually(t, func() bool {
		return len(s.Messages()) == 1
	}, 2*time.Second, 10*time.Millisecond, "echoed message must arrive over the channel")

	got := s.Messages()[0]
	assert.Equal(t, "hello bob", got.Body)
	assert.Equal(t, e.alice.ID, got.SenderID)
	assert.Equal(t, "Alice", got.SenderName)
	assert.Equal(t, model.MessageStatusSent, got.Status)
}

func TestLiveDeliveryBetweenMembers(t *testing.T) {
	e := newEnv(t)
	aliceClient, aliceTokens := e.login(t, "alice@example.com")
	bobClient, bobTokens := e.login(t, "bob@example.com")

	aliceSess := e.newSession(t, aliceClient, aliceTokens, e.alice)
	defer aliceSess.Close()
	bobSess := e.newSession(t, bobClient, bobTokens, e.bob)
	defer bobSess.Close()

	require.NoError(t, aliceSess.Open(context.Background(), *e.chat))
	require.NoError(t, bobSess.Open(context.Background(), *e.chat))

	require.NoError(t, aliceSess.SendText("hi"))

	require.Eventually(t, func() bool {
		return len(bobSess.Messages()) == 1
	}, 2*time.Second, 10*time.Millisecond, "member in the room receives the push")
	assert.Equal(t, "hi", bobSess.Messages()[0].Body)

	// Bob reads it; the receipt lands server-side.
	bobSess.MarkVisibleRead()
	require.Eventually(t, func() bool {
		page := e.server.State().MessagesPage(e.chat.ID, 0, 10)
		return len(page) == 1 && page[0].Status == model.MessageStatusRead
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHistoryThenLiveDedup(t *testing.T) {
	e := newEnv(t)
	client, tokens := e.login(t, "alice@example.com")

	// Pre-existing history, newest first on the wire.
	e.server.State().AppendMessage(e.chat.ID, e.bob.ID, "one", nil)
	e.server.State().AppendMessage(e.chat.ID, e.bob.ID, "two", nil)

	s := e.newSession(t, client, tokens, e.alice)
	defer s.Close()
	require.NoError(t, s.Open(context.Background(), *e.chat))

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Body)
	assert.Equal(t, "two", msgs[1].Body)

	require.NoError(t, s.SendText("three"))
	require.Eventually(t, func() bool {
		return len(s.Messages()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "three", s.Messages()[2].Body)
}

func TestAttachmentRoundTrip(t *testing.T) {
	e := newEnv(t)
	client, tokens := e.login(t, "alice@example.com")
	s := e.newSession(t, client, tokens, e.alice)
	defer s.Close()

	require.NoError(t, s.Open(context.Background(), *e.chat))

	msg, err := s.SendAttachment(context.Background(), "notes.pdf", "application/pdf",
		strings.NewReader("%PDF-1.4"), "see attached")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(msg.Body, "see attached\n\n[notes.pdf]("))
	assert.Contains(t, msg.Body, "/files/")

	// The REST-posted message also reaches the room; the local append and the
	// broadcast echo collapse to one entry.
	require.Eventually(t, func() bool {
		return len(s.Messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, s.Messages(), 1)
}

func TestMessagesRequireMembership(t *testing.T) {
	e := newEnv(t)
	e.server.State().AddUser("Mallory", "mallory@example.com", "secret", "student")
	client, _ := e.login(t, "mallory@example.com")

	_, err := client.Messages(context.Background(), e.chat.ID, 0, 50)
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.Status)
	assert.Equal(t, "Not a member of this chat", apiErr.Detail)
	assert.NotErrorIs(t, err, api.ErrAuthFailure)
}

func TestCreateDirectChatViaSession(t *testing.T) {
	e := newEnv(t)
	carol := e.server.State().AddUser("Carol", "carol@example.com", "secret", "student")
	client, tokens := e.login(t, "alice@example.com")
	s := e.newSession(t, client, tokens, e.alice)

	existing, err := client.ListChats(context.Background(), 0, 100)
	require.NoError(t, err)

	chat, err := s.FindOrCreateDirectChat(context.Background(), carol.ID, existing)
	require.NoError(t, err)
	assert.Equal(t, model.ChatTypeDirect, chat.ChatType)
	assert.True(t, chat.HasMember(e.alice.ID), "creator joins automatically")
	assert.True(t, chat.HasMember(carol.ID))

	// A second call with the refreshed list reuses the chat.
	refreshed, err := client.ListChats(context.Background(), 0, 100)
	require.NoError(t, err)
	again, err := s.FindOrCreateDirectChat(context.Background(), carol.ID, refreshed)
	require.NoError(t, err)
	assert.Equal(t, chat.ID, again.ID)
}
