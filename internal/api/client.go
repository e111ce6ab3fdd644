// Package api is the HTTP client for the LMS Messaging API. It owns the
// request plumbing shared by every endpoint: bearer auth, JSON bodies,
// error decoding and the global auth-failure short circuit.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/classchat/internal/logger"
	"github.com/classchat/internal/model"
)

// TokenSource supplies the access token and clears it on forced logout.
// Implemented by auth.Store.
type TokenSource interface {
	Token() string
	Clear() error
}

// Client calls the Messaging API. Safe for concurrent use.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	tokens        TokenSource
	onAuthFailure func()
}

// New creates a client for baseURL (e.g. "http://127.0.0.1:8000/api/v1").
// onAuthFailure runs once per failed call after the token is cleared; nil is
// allowed.
func New(baseURL string, timeout time.Duration, tokens TokenSource, onAuthFailure func()) *Client {
	return &Client{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		httpClient:    &http.Client{Timeout: timeout},
		tokens:        tokens,
		onAuthFailure: onAuthFailure,
	}
}

// WebSocketURL derives the live-channel endpoint for a chat from the API
// base: scheme swapped to ws/wss plus /chats/{chatId}/ws.
func (c *Client) WebSocketURL(chatID int64) string {
	return strings.Replace(c.baseURL, "http", "ws", 1) + fmt.Sprintf("/chats/%d/ws", chatID)
}

// do issues a request and decodes the JSON response into out (skipped when
// out is nil). Non-2xx responses become *Error; auth failures additionally
// clear the token and fire the logout hook.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if tok := c.tokens.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if isAuthFailure(resp.StatusCode, errBody.Detail) {
			if err := c.tokens.Clear(); err != nil {
				logger.Errorf("api: clear token: %v", err)
			}
			if c.onAuthFailure != nil {
				c.onAuthFailure()
			}
			return fmt.Errorf("%s %s: %w", method, path, ErrAuthFailure)
		}
		return &Error{Status: resp.StatusCode, Detail: errBody.Detail}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, "", out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(body), "application/json", out)
}

// Login exchanges credentials for an access token (form-encoded, per the
// backend's OAuth2 password flow) and persists it via the token source.
func (c *Client) Login(ctx context.Context, email, password string, save func(token string) error) (*model.Token, error) {
	form := url.Values{}
	form.Set("username", email)
	form.Set("password", password)

	var tok model.Token
	err := c.do(ctx, http.MethodPost, "/login/access-token",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &tok)
	if err != nil {
		return nil, err
	}
	if save != nil {
		if err := save(tok.AccessToken); err != nil {
			return nil, fmt.Errorf("save token: %w", err)
		}
	}
	return &tok, nil
}

// CurrentUser fetches the authenticated user. The user endpoints wrap their
// payload as {"data": ...}; chat endpoints do not.
func (c *Client) CurrentUser(ctx context.Context) (*model.User, error) {
	var resp struct {
		Data model.User `json:"data"`
	}
	if err := c.getJSON(ctx, "/users/me", &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// ListChats returns the current user's chats.
func (c *Client) ListChats(ctx context.Context, skip, limit int) ([]model.Chat, error) {
	var chats []model.Chat
	path := fmt.Sprintf("/chats/?skip=%d&limit=%d", skip, limit)
	if err := c.getJSON(ctx, path, &chats); err != nil {
		return nil, err
	}
	return chats, nil
}

// Messages returns a page of chat history, newest first.
func (c *Client) Messages(ctx context.Context, chatID int64, skip, limit int) ([]model.Message, error) {
	var msgs []model.Message
	path := fmt.Sprintf("/chats/%d/messages?skip=%d&limit=%d", chatID, skip, limit)
	if err := c.getJSON(ctx, path, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendMessage posts a message over REST. Used for attachment messages; plain
// text goes over the live channel.
func (c *Client) SendMessage(ctx context.Context, in model.MessageCreate) (*model.Message, error) {
	var msg model.Message
	path := fmt.Sprintf("/chats/%d/messages", in.ChatID)
	if err := c.postJSON(ctx, path, in, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkRead issues a read receipt for one message.
func (c *Client) MarkRead(ctx context.Context, chatID, messageID int64) error {
	path := fmt.Sprintf("/chats/%d/messages/%d/read", chatID, messageID)
	return c.do(ctx, http.MethodPost, path, nil, "", nil)
}

// CreateChat creates a chat with the given initial members.
func (c *Client) CreateChat(ctx context.Context, in model.ChatCreate) (*model.Chat, error) {
	var chat model.Chat
	if err := c.postJSON(ctx, "/chats/", in, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// UploadResource uploads a chat attachment (multipart field "file") and
// returns the stored resource including its public URL.
func (c *Client) UploadResource(ctx context.Context, chatID int64, fileName, contentType string, r io.Reader) (*model.ChatResource, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, fileName))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var res model.ChatResource
	path := fmt.Sprintf("/chats/%d/resources", chatID)
	if err := c.do(ctx, http.MethodPost, path, &buf, mw.FormDataContentType(), &res); err != nil {
		return nil, err
	}
	return &res, nil
}
