package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func createTestStorage(t *testing.T) (*SQLiteStorage, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "storage_test_*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "nested", "test.db")
	storage, err := NewSQLiteStorage(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create storage: %v", err)
	}

	cleanup := func() {
		storage.Close()
		os.RemoveAll(tmpDir)
	}
	return storage, cleanup
}

var (
	addrA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	addrB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func TestMarkAndQueryActivated(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	ok, err := store.IsActivated(ctx, 33, addrA)
	if err != nil {
		t.Fatalf("IsActivated: %v", err)
	}
	if ok {
		t.Fatal("empty cache reports activation")
	}

	if err := store.MarkActivated(ctx, 33, addrA); err != nil {
		t.Fatalf("MarkActivated: %v", err)
	}
	if err := store.MarkActivated(ctx, 33, addrA); err != nil {
		t.Fatalf("second MarkActivated: %v", err)
	}

	if ok, _ := store.IsActivated(ctx, 33, addrA); !ok {
		t.Error("marked address not reported activated")
	}
	if ok, _ := store.IsActivated(ctx, 33, addrB); ok {
		t.Error("unmarked address reported activated")
	}

	list, err := store.ListActivated(ctx, 33)
	if err != nil {
		t.Fatalf("ListActivated: %v", err)
	}
	if len(list) != 1 || list[0].Address != addrA.Hex() || list[0].ChainID != 33 {
		t.Errorf("ListActivated = %+v", list)
	}
	if list[0].ActivatedAt.IsZero() {
		t.Error("activation time not stored")
	}
}

func TestActivatedChainIDScoping(t *testing.T) {
	store, cleanup := createTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.MarkActivated(ctx, 31, addrA); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkActivated(ctx, 33, addrA); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkActivated(ctx, 33, addrB); err != nil {
		t.Fatal(err)
	}

	n, err := store.ClearActivated(ctx, 33)
	if err != nil {
		t.Fatalf("ClearActivated: %v", err)
	}
	if n != 2 {
		t.Errorf("cleared %d rows, want 2", n)
	}
	if ok, _ := store.IsActivated(ctx, 31, addrA); !ok {
		t.Error("clearing chain 33 removed chain 31 entry")
	}
	if ok, _ := store.IsActivated(ctx, 33, addrA); ok {
		t.Error("chain 33 entry survived clear")
	}
}

func TestOpenCache(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name  string
		reset bool
		want  int
	}{
		{"keep", false, 2},
		{"reset", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cache.db")
			seed, err := NewSQLiteStorage(path)
			if err != nil {
				t.Fatal(err)
			}
			for _, a := range []common.Address{addrA, addrB} {
				if err := seed.MarkActivated(ctx, 33, a); err != nil {
					t.Fatal(err)
				}
			}
			if err := seed.MarkActivated(ctx, 31, addrA); err != nil {
				t.Fatal(err)
			}
			seed.Close()

			store, n, err := OpenCache(ctx, path, 33, tt.reset, logger)
			if err != nil {
				t.Fatalf("OpenCache: %v", err)
			}
			defer store.Close()
			if n != tt.want {
				t.Errorf("cached = %d, want %d", n, tt.want)
			}
			if ok, _ := store.IsActivated(ctx, 31, addrA); !ok {
				t.Error("other chain's entry lost")
			}
		})
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "cache.db")
	ctx := context.Background()

	first, err := NewSQLiteStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.MarkActivated(ctx, 33, addrA); err != nil {
		t.Fatal(err)
	}
	first.Close()

	second, err := NewSQLiteStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	if ok, _ := second.IsActivated(ctx, 33, addrA); !ok {
		t.Error("activation lost across reopen")
	}
}
