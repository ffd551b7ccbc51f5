package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/planurbi/fieldcollect/internal/auth"
	"github.com/planurbi/fieldcollect/internal/config"
	"github.com/planurbi/fieldcollect/internal/event"
	"github.com/planurbi/fieldcollect/internal/remote"
)

func writeDataset(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "properties.json")
	raw := `[{"inscricao":"A1","matricula":"M1","quadra":"Q1"},{"inscricao":"A2","quadra":"Q1"}]`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

// TestOpenSharesLedger opens the same sqlite file twice, the way the service
// and the CLI do.
func TestOpenSharesLedger(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{
		DatasetPath: writeDataset(t),
		Store:       config.StoreSQLite,
		SQLitePath:  filepath.Join(t.TempDir(), "collect.db"),
		Remote:      config.RemoteDrive,
		FolderID:    "folder",
	}

	first, err := Open(ctx, cfg, auth.NewManualSource(), event.Noop{}, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if first.Reconciler == nil {
		t.Error("Reconciler should be set when a remote is configured")
	}
	if _, ok := first.Remote.(*remote.Drive); !ok {
		t.Errorf("Remote = %T, want *remote.Drive", first.Remote)
	}
	if _, err := first.Ledger.Add(ctx, "A2"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second, err := Open(ctx, cfg, auth.NewManualSource(), event.Noop{}, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer second.Close()
	if !second.Ledger.Contains("A2") || second.Ledger.Size() != 1 {
		t.Errorf("ledger not shared: size %d", second.Ledger.Size())
	}
}

func TestOpenWithoutRemote(t *testing.T) {
	cfg := config.Config{DatasetPath: writeDataset(t), Store: config.StoreMemory}
	s, err := Open(context.Background(), cfg, nil, nil, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	if s.Remote != nil || s.Reconciler != nil {
		t.Error("no remote should be configured")
	}
	if s.Tokens.Has() {
		t.Error("no token should be held")
	}
}

func TestOpenErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
	}{
		{"missing dataset", config.Config{DatasetPath: filepath.Join(t.TempDir(), "absent.json"), Store: config.StoreMemory}},
		{"unknown store", config.Config{DatasetPath: writeDataset(t), Store: "etcd"}},
		{"unknown remote", config.Config{DatasetPath: writeDataset(t), Store: config.StoreMemory, Remote: "ftp"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(context.Background(), tt.cfg, nil, nil, nil); err == nil {
				t.Error("Open() error = nil")
			}
		})
	}
}
