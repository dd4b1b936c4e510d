package storage

import (
	"context"

	"github.com/gateway-fm/rollupsim/internal/account"
)

// Storage persists which accounts are known to have a layer-2 signing key.
// Entries are scoped by chain ID so several networks can share one database.
type Storage interface {
	account.ActivationCache

	ListActivated(ctx context.Context, chainID int64) ([]ActivatedAccount, error)
	ClearActivated(ctx context.Context, chainID int64) (int64, error)

	Close() error
}

var _ Storage = (*SQLiteStorage)(nil)
