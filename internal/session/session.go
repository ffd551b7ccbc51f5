// Package session wires the collection core from configuration. The service
// and the operator CLI open the same session so they share one ledger.
package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/planurbi/fieldcollect/internal/audit"
	"github.com/planurbi/fieldcollect/internal/auth"
	"github.com/planurbi/fieldcollect/internal/config"
	"github.com/planurbi/fieldcollect/internal/dataset"
	"github.com/planurbi/fieldcollect/internal/event"
	"github.com/planurbi/fieldcollect/internal/ledger"
	"github.com/planurbi/fieldcollect/internal/reconcile"
	"github.com/planurbi/fieldcollect/internal/remote"
	"github.com/planurbi/fieldcollect/internal/storage"
)

// Session holds the components shared by every entry point.
type Session struct {
	Store      storage.Store
	Dataset    *dataset.Dataset
	Ledger     *ledger.Ledger
	Audit      *audit.Log
	Remote     remote.Storage // nil when no remote storage is configured
	Tokens     *auth.Holder
	Reconciler *reconcile.Engine // nil when Remote is nil
}

// Open loads the dataset, opens the store and rehydrates the ledger and the
// audit log. src supplies credentials when no token endpoint is configured.
func Open(ctx context.Context, cfg config.Config, src auth.Source, pub event.Publisher, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ds, err := dataset.LoadFile(cfg.DatasetPath)
	if err != nil {
		return nil, err
	}
	logger.Info("dataset loaded", "path", cfg.DatasetPath, "properties", ds.Len())

	store, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	rem, err := OpenRemote(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	if cfg.TokenURL != "" {
		src = auth.NewHTTPSource(cfg.TokenURL, cfg.ClientID, cfg.ClientSecret)
	}

	s := &Session{
		Store:   store,
		Dataset: ds,
		Ledger:  ledger.New(store, ds, logger),
		Audit:   audit.New(store, logger),
		Remote:  rem,
		Tokens:  auth.NewHolder(src, logger),
	}
	s.Ledger.Load(ctx)
	s.Audit.Load(ctx)
	if rem != nil {
		s.Reconciler = reconcile.NewEngine(rem, s.Tokens, cfg.FolderID, pub, logger)
	}
	return s, nil
}

// Close releases the store.
func (s *Session) Close() error {
	return s.Store.Close()
}

// OpenStore opens the configured key-value backend.
func OpenStore(cfg config.Config) (storage.Store, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		return storage.NewSQLite(cfg.SQLitePath)
	case config.StorePostgres:
		return storage.NewPostgres(cfg.DatabaseDSN)
	case config.StoreMemory:
		return storage.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// OpenRemote creates the configured remote storage, or nil when none is set.
func OpenRemote(ctx context.Context, cfg config.Config) (remote.Storage, error) {
	switch cfg.Remote {
	case config.RemoteS3:
		st, err := remote.NewS3(ctx, remote.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.RemoteDrive:
		return remote.NewDrive(cfg.DriveURL), nil
	case config.RemoteNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown remote %q", cfg.Remote)
	}
}
