package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/itiky/marketplace-sync/backend"
	"github.com/itiky/marketplace-sync/internal/config"
	"github.com/itiky/marketplace-sync/model"
)

// openTables opens the record tables of the configured store, the returned func releases the store.
func openTables(ctx context.Context, log *slog.Logger, cfg config.Server) (map[model.Table]backend.Table, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		return backend.NewMemoryTables(), func() {}, nil
	case config.StoreBadger:
		db, err := badger.Open(badger.DefaultOptions(cfg.BadgerFilepath).WithLoggingLevel(badger.WARNING))
		if err != nil {
			return nil, nil, fmt.Errorf("badger open (%s): %w", cfg.BadgerFilepath, err)
		}

		return map[model.Table]backend.Table{
				model.MessagesTable:  backend.NewBadgerTable(db, log, model.MessagesTable),
				model.ProposalsTable: backend.NewBadgerTable(db, log, model.ProposalsTable),
			}, func() {
				log.Info("Closing BadgerDB...")
				_ = db.Close()
			}, nil
	case config.StoreSQLite:
		db, err := backend.OpenSQLite(ctx, cfg.SQLiteFilepath)
		if err != nil {
			return nil, nil, err
		}

		return map[model.Table]backend.Table{
				model.MessagesTable:  backend.NewSQLiteTable(db, model.MessagesTable),
				model.ProposalsTable: backend.NewSQLiteTable(db, model.ProposalsTable),
			}, func() {
				log.Info("Closing SQLite...")
				_ = db.Close()
			}, nil
	default:
		return nil, nil, fmt.Errorf("store %q: unsupported", cfg.Store)
	}
}
