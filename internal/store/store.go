// Package store defines the session-scoped cache. It holds data that is
// expensive to refetch but safe to lose: the authenticated user's profile and
// the chat list. Everything is dropped on logout; nothing survives the
// process.
package store

import (
	"context"
	"time"

	"github.com/classchat/internal/model"
)

// SessionStore caches per-login state. Implementations: memory.Client.
type SessionStore interface {
	SetCurrentUser(ctx context.Context, u *model.User) error
	GetCurrentUser(ctx context.Context) (*model.User, error)
	SetChats(ctx context.Context, chats []model.Chat) error
	GetChats(ctx context.Context) ([]model.Chat, error)
	GetChatsTTL(ctx context.Context) (time.Duration, error)
	InvalidateChats(ctx context.Context) error
	Reset(ctx context.Context) error
	Close() error
}
