package memory

import (
	"context"
	"sync"
	"time"

	"github.com/classchat/internal/model"
)

const defaultTTL = 5 * time.Minute

type item[T any] struct {
	val T
	exp time.Time
}

func (i item[T]) live(now time.Time) bool {
	return !i.exp.IsZero() && now.Before(i.exp)
}

// Client is the in-memory SessionStore. Safe for concurrent use.
type Client struct {
	mu    sync.RWMutex
	ttl   time.Duration
	user  item[*model.User]
	chats item[[]model.Chat]
}

func New(ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Client{ttl: ttl}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetCurrentUser(ctx context.Context, u *model.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = item[*model.User]{val: u, exp: time.Now().Add(c.ttl)}
	return nil
}

// GetCurrentUser returns nil without error on miss or expiry.
func (c *Client) GetCurrentUser(ctx context.Context) (*model.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.user.live(time.Now()) {
		return nil, nil
	}
	return c.user.val, nil
}

func (c *Client) SetChats(ctx context.Context, chats []model.Chat) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]model.Chat, len(chats))
	copy(cp, chats)
	c.chats = item[[]model.Chat]{val: cp, exp: time.Now().Add(c.ttl)}
	return nil
}

// GetChats returns nil without error on miss or expiry. The returned slice is
// the caller's to keep; the cache holds its own copy.
func (c *Client) GetChats(ctx context.Context) ([]model.Chat, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.chats.live(time.Now()) {
		return nil, nil
	}
	cp := make([]model.Chat, len(c.chats.val))
	copy(cp, c.chats.val)
	return cp, nil
}

func (c *Client) GetChatsTTL(ctx context.Context) (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.chats.live(time.Now()) {
		return 0, nil
	}
	return time.Until(c.chats.exp), nil
}

// InvalidateChats drops the chat list so the next read refetches. Used after
// chat creation.
func (c *Client) InvalidateChats(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats = item[[]model.Chat]{}
	return nil
}

// Reset drops everything. Called on logout and forced auth failure.
func (c *Client) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = item[*model.User]{}
	c.chats = item[[]model.Chat]{}
	return nil
}
