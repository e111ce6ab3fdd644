// Command chat is a terminal client for the LMS messaging backend: log in,
// pick a chat, talk over the live channel, send attachments.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/classchat/internal/api"
	"github.com/classchat/internal/auth"
	"github.com/classchat/internal/config"
	"github.com/classchat/internal/content"
	"github.com/classchat/internal/logger"
	"github.com/classchat/internal/model"
	"github.com/classchat/internal/session"
	"github.com/classchat/internal/store"
	"github.com/classchat/internal/store/memory"
	"github.com/classchat/internal/ws"
)

var (
	promptColor = color.New(color.FgGreen, color.Bold)
	nameColor   = color.New(color.FgCyan, color.Bold)
	ownColor    = color.New(color.FgYellow, color.Bold)
	fileColor   = color.New(color.FgMagenta)
	dimColor    = color.New(color.Faint)
	errColor    = color.New(color.FgRed)
)

type app struct {
	cfg    *config.Config
	tokens *auth.Store
	client *api.Client
	cache  store.SessionStore
	sess   *session.Session
	user   *model.User
	chats  []model.Chat
	in     *bufio.Reader

	printedMu sync.Mutex
	printed   map[int64]struct{}
}

func main() {
	logger.SetPrefix("chat")
	cfg := config.Load()

	a := &app{
		cfg:     cfg,
		tokens:  auth.NewStore(cfg.TokenPath),
		cache:   memory.New(time.Duration(cfg.Cache.TTLMinutes) * time.Minute),
		in:      bufio.NewReader(os.Stdin),
		printed: make(map[int64]struct{}),
	}
	a.client = api.New(cfg.APIBaseURL, cfg.RequestTimeout, a.tokens, a.onForcedLogout)

	ctx := context.Background()
	if err := a.ensureLogin(ctx); err != nil {
		errColor.Fprintf(os.Stderr, "login failed: %v\n", err)
		os.Exit(1)
	}
	if err := a.loadChats(ctx, false); err != nil {
		errColor.Fprintf(os.Stderr, "load chats: %v\n", err)
		os.Exit(1)
	}
	a.printChats()
	a.repl(ctx)
}

// onForcedLogout runs once an API call hits an auth failure; the token is
// already cleared by then.
func (a *app) onForcedLogout() {
	_ = a.cache.Reset(context.Background())
	errColor.Println("session expired, please log in again")
}

func (a *app) ensureLogin(ctx context.Context) error {
	if a.tokens.Token() != "" {
		if u, err := a.currentUser(ctx); err == nil {
			a.user = u
			promptColor.Printf("welcome back, %s\n", u.FullName)
			return nil
		}
		// Stored token no longer works; fall through to interactive login.
	}

	fmt.Print("email: ")
	email, err := a.readLine()
	if err != nil {
		return err
	}
	fmt.Print("password: ")
	password, err := a.readLine()
	if err != nil {
		return err
	}

	if _, err := a.client.Login(ctx, email, password, a.tokens.Save); err != nil {
		return err
	}
	u, err := a.currentUser(ctx)
	if err != nil {
		return err
	}
	a.user = u
	promptColor.Printf("logged in as %s (%s)\n", u.FullName, u.Role)
	return nil
}

// currentUser serves the profile from the session cache when fresh.
func (a *app) currentUser(ctx context.Context) (*model.User, error) {
	if u, _ := a.cache.GetCurrentUser(ctx); u != nil {
		return u, nil
	}
	u, err := a.client.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	_ = a.cache.SetCurrentUser(ctx, u)
	return u, nil
}

func (a *app) loadChats(ctx context.Context, force bool) error {
	if !force {
		if chats, _ := a.cache.GetChats(ctx); chats != nil {
			a.chats = chats
			return nil
		}
	}
	chats, err := a.client.ListChats(ctx, 0, a.cfg.ChatPageSize)
	if err != nil {
		return err
	}
	_ = a.cache.SetChats(ctx, chats)
	a.chats = chats
	return nil
}

func (a *app) printChats() {
	if len(a.chats) == 0 {
		dimColor.Println("no chats yet; use /dm <user-id> to start one")
		return
	}
	fmt.Println()
	for i, c := range a.chats {
		nameColor.Printf("%3d. %s", i+1, c.DisplayName(a.user.ID))
		if c.LatestMsg != nil {
			dimColor.Printf("  — %s", previewBody(c.LatestMsg.Body))
		}
		fmt.Println()
	}
	dimColor.Println("\n/open <n> to enter a chat, /help for commands")
}

func (a *app) repl(ctx context.Context) {
	for {
		promptColor.Print("> ")
		line, err := a.readLine()
		if err != nil {
			a.quit()
			return
		}
		if line == "" {
			continue
		}

		switch {
		case line == "/quit" || line == "/q":
			a.quit()
			return
		case line == "/help":
			a.printHelp()
		case line == "/chats":
			if err := a.loadChats(ctx, true); err != nil {
				errColor.Printf("load chats: %v\n", err)
				continue
			}
			a.printChats()
		case strings.HasPrefix(line, "/open "):
			a.cmdOpen(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/open ")))
		case strings.HasPrefix(line, "/dm "):
			a.cmdDirect(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/dm ")))
		case strings.HasPrefix(line, "/file "):
			a.cmdFile(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/file ")))
		case line == "/read":
			a.cmdRead()
		case strings.HasPrefix(line, "/"):
			errColor.Printf("unknown command %q, /help for commands\n", line)
		default:
			a.cmdSend(line)
		}
	}
}

func (a *app) printHelp() {
	fmt.Println(`commands:
  /chats              refresh and list chats
  /open <n>           open chat number n from the list
  /dm <user-id>       open (or create) a direct chat with a user
  /file <path> [text] send a file with an optional caption
  /read               mark visible messages as read
  /quit               exit`)
}

func (a *app) cmdOpen(ctx context.Context, arg string) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(a.chats) {
		errColor.Printf("usage: /open <1..%d>\n", len(a.chats))
		return
	}
	a.openChat(ctx, a.chats[n-1])
}

func (a *app) openChat(ctx context.Context, chat model.Chat) {
	if a.sess != nil {
		a.sess.Close()
	}
	a.printedMu.Lock()
	a.printed = make(map[int64]struct{})
	a.printedMu.Unlock()

	dial := func(ctx context.Context, chatID int64, onMessage func(model.Message), onClosed func()) (session.LiveChannel, error) {
		return ws.Dial(ctx, a.client.WebSocketURL(chatID), a.tokens.Token(), chatID, ws.Options{
			WriteTimeout:   time.Duration(a.cfg.WSWriteTimeout) * time.Second,
			PongTimeout:    time.Duration(a.cfg.WSPongTimeout) * time.Second,
			MaxMessageSize: int64(a.cfg.WSMaxMessageSize),
			SendBufSize:    a.cfg.WSSendBufferSize,
		}, onMessage, onClosed)
	}
	a.sess = session.New(a.client, dial, a.user.ToSimple(), a.cfg.HistoryPageSize)

	err := a.sess.Open(ctx, chat)
	if err != nil {
		errColor.Printf("history unavailable: %v\n", err)
	}

	nameColor.Printf("\n=== %s ===\n", chat.DisplayName(a.user.ID))
	if a.sess.State() != session.StateLive {
		dimColor.Println("(live channel down; attachments still work, text sends will fail)")
	}
	for _, m := range a.sess.Messages() {
		a.printMessage(m)
	}
	a.sess.MarkVisibleRead()
	go a.pollNewMessages()
}

// pollNewMessages prints channel arrivals until the session moves on. The
// session itself is event-driven; polling here is only a rendering loop.
func (a *app) pollNewMessages() {
	sess := a.sess
	for {
		time.Sleep(300 * time.Millisecond)
		if sess.State() == session.StateClosed {
			return
		}
		for _, m := range sess.Messages() {
			if a.markPrinted(m.ID) {
				a.render(m)
				sess.MarkRead(m.ChatID, m.ID)
			}
		}
	}
}

func (a *app) cmdSend(body string) {
	if a.sess == nil {
		errColor.Println("open a chat first (/open <n>)")
		return
	}
	err := a.sess.SendText(body)
	switch {
	case errors.Is(err, session.ErrChannelUnavailable):
		errColor.Println("live channel is down; reopen the chat to reconnect")
	case errors.Is(err, session.ErrEmptyMessage):
		// Nothing to send.
	case err != nil:
		errColor.Printf("send: %v\n", err)
	}
}

func (a *app) cmdFile(ctx context.Context, arg string) {
	if a.sess == nil {
		errColor.Println("open a chat first (/open <n>)")
		return
	}
	path, caption, _ := strings.Cut(arg, " ")
	if path == "" {
		errColor.Println("usage: /file <path> [caption]")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		errColor.Printf("open file: %v\n", err)
		return
	}
	defer f.Close()

	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(name))
	chat := a.sess.Chat()
	if chat == nil {
		errColor.Println("chat closed")
		return
	}

	msg, err := a.sess.SendAttachment(ctx, name, mimeType, f, caption)
	if err != nil {
		errColor.Printf("attachment: %v\n", err)
		return
	}
	a.printMessage(*msg)
}

func (a *app) cmdRead() {
	if a.sess == nil {
		errColor.Println("open a chat first (/open <n>)")
		return
	}
	a.sess.MarkVisibleRead()
	dimColor.Println("read receipts sent")
}

func (a *app) cmdDirect(ctx context.Context, userID string) {
	if userID == "" {
		errColor.Println("usage: /dm <user-id>")
		return
	}
	if a.sess == nil {
		a.sess = a.newIdleSession()
	}
	chat, err := a.sess.FindOrCreateDirectChat(ctx, userID, a.chats)
	if err != nil {
		errColor.Printf("direct chat: %v\n", err)
		return
	}
	_ = a.cache.InvalidateChats(ctx)
	if err := a.loadChats(ctx, true); err != nil {
		logger.Errorf("refresh chats: %v", err)
	}
	a.openChat(ctx, *chat)
}

func (a *app) newIdleSession() *session.Session {
	dial := func(ctx context.Context, chatID int64, onMessage func(model.Message), onClosed func()) (session.LiveChannel, error) {
		return ws.Dial(ctx, a.client.WebSocketURL(chatID), a.tokens.Token(), chatID, ws.Options{}, onMessage, onClosed)
	}
	return session.New(a.client, dial, a.user.ToSimple(), a.cfg.HistoryPageSize)
}

// markPrinted reports whether the message id was not yet rendered.
func (a *app) markPrinted(id int64) bool {
	a.printedMu.Lock()
	defer a.printedMu.Unlock()
	if _, ok := a.printed[id]; ok {
		return false
	}
	a.printed[id] = struct{}{}
	return true
}

func (a *app) printMessage(m model.Message) {
	if a.markPrinted(m.ID) {
		a.render(m)
	}
}

func (a *app) render(m model.Message) {
	who := m.SenderName
	if who == "" {
		who = m.SenderID
	}
	painter := nameColor
	if m.SenderID == a.user.ID {
		painter = ownColor
		who = "you"
	}

	c := content.Classify(m.Body)
	switch c.Kind {
	case content.KindImage:
		painter.Printf("%s: ", who)
		fileColor.Printf("[image %s] %s\n", c.Alt, c.URL)
	case content.KindFile:
		painter.Printf("%s: ", who)
		fileColor.Printf("[file %s (%s)] %s", c.Name, c.Ext, c.URL)
		if c.Caption != "" {
			fmt.Printf("  %s", c.Caption)
		}
		fmt.Println()
	default:
		painter.Printf("%s: ", who)
		fmt.Println(m.Body)
	}
}

func (a *app) quit() {
	if a.sess != nil {
		a.sess.Close()
	}
	dimColor.Println("bye")
}

func (a *app) readLine() (string, error) {
	line, err := a.in.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func previewBody(body string) string {
	c := content.Classify(body)
	switch c.Kind {
	case content.KindImage:
		return "[image " + c.Alt + "]"
	case content.KindFile:
		return "[file " + c.Name + "]"
	}
	if len(body) > 40 {
		return body[:40] + "…"
	}
	return body
}
