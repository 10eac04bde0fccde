package identity

import (
	"context"
	"time"

	"github.com/gluk-w/shellgate/internal/database"
)

// Store is the read side of the user, API key and session token tables.
type Store interface {
	APIKeyByHash(ctx context.Context, hash string) (*database.SubscriberAPIKey, error)
	TouchAPIKey(ctx context.Context, id uint, at time.Time) error
	SessionToken(ctx context.Context, token string) (*database.SessionToken, error)
	UserByID(ctx context.Context, id uint) (*database.User, error)
}

// DBStore implements Store on top of database.DB.
type DBStore struct{}

func (DBStore) APIKeyByHash(ctx context.Context, hash string) (*database.SubscriberAPIKey, error) {
	return database.GetAPIKeyByHash(ctx, hash)
}

func (DBStore) TouchAPIKey(ctx context.Context, id uint, at time.Time) error {
	return database.TouchAPIKey(ctx, id, at)
}

func (DBStore) SessionToken(ctx context.Context, token string) (*database.SessionToken, error) {
	return database.GetSessionToken(ctx, token)
}

func (DBStore) UserByID(ctx context.Context, id uint) (*database.User, error) {
	return database.GetUserByID(ctx, id)
}

var _ Store = DBStore{}
