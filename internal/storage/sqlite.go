package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (creating if needed) the database at dbPath.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets a status reader run while a stream is writing.
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS activated_accounts (
		chain_id INTEGER NOT NULL,
		address TEXT NOT NULL,
		activated_at DATETIME NOT NULL,
		PRIMARY KEY (chain_id, address)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// IsActivated implements account.ActivationCache.
func (s *SQLiteStorage) IsActivated(ctx context.Context, chainID int64, addr common.Address) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM activated_accounts WHERE chain_id = ? AND address = ?",
		chainID, addr.Hex(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query activation of %s: %w", addr.Hex(), err)
	}
	return n > 0, nil
}

// MarkActivated implements account.ActivationCache. Marking twice keeps the
// first timestamp.
func (s *SQLiteStorage) MarkActivated(ctx context.Context, chainID int64, addr common.Address) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO activated_accounts (chain_id, address, activated_at) VALUES (?, ?, ?)",
		chainID, addr.Hex(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("cache activation of %s: %w", addr.Hex(), err)
	}
	return nil
}

// ListActivated returns the cached activations for chainID, oldest first.
func (s *SQLiteStorage) ListActivated(ctx context.Context, chainID int64) ([]ActivatedAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chain_id, address, activated_at
		FROM activated_accounts
		WHERE chain_id = ?
		ORDER BY activated_at, address
	`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivatedAccount
	for rows.Next() {
		var a ActivatedAccount
		if err := rows.Scan(&a.ChainID, &a.Address, &a.ActivatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ClearActivated drops every cached activation for chainID and returns how many were removed.
func (s *SQLiteStorage) ClearActivated(ctx context.Context, chainID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM activated_accounts WHERE chain_id = ?", chainID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// OpenCache opens the activation cache at path for chainID. With reset set
// the chain's entries are dropped first. It returns the number of cached
// activations left for the chain.
func OpenCache(ctx context.Context, path string, chainID int64, reset bool, logger *slog.Logger) (*SQLiteStorage, int, error) {
	s, err := NewSQLiteStorage(path)
	if err != nil {
		return nil, 0, err
	}
	if reset {
		n, err := s.ClearActivated(ctx, chainID)
		if err != nil {
			s.Close()
			return nil, 0, fmt.Errorf("clear activation cache: %w", err)
		}
		logger.Info("cleared activation cache", slog.Int64("chain_id", chainID), slog.Int64("removed", n))
	}
	cached, err := s.ListActivated(ctx, chainID)
	if err != nil {
		s.Close()
		return nil, 0, fmt.Errorf("list activation cache: %w", err)
	}
	return s, len(cached), nil
}
