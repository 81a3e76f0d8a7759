package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/itiky/marketplace-sync/model"
)

// BadgerTable implements Table on top of BadgerDB.
// Records are stored under "rec:{table}:{scope}:{created_at_padded}:{id}" so a prefix scan returns
// the scope records in creation order, "idx:{table}:{id}" points to the record key.
type BadgerTable struct {
	db    *badger.DB
	log   *slog.Logger
	table model.Table
}

func (t *BadgerTable) recordKey(rec model.Record) []byte {
	return []byte(fmt.Sprintf("rec:%s:%s:%019d:%s", t.table, rec.Scope, rec.CreatedAt.UnixNano(), rec.Id))
}

func (t *BadgerTable) indexKey(id model.RecordID) []byte {
	return []byte(fmt.Sprintf("idx:%s:%s", t.table, id))
}

func (t *BadgerTable) scopePrefix(scope model.ScopeKey) []byte {
	return []byte(fmt.Sprintf("rec:%s:%s:", t.table, scope))
}

// Put implements Table interface.
func (t *BadgerTable) Put(_ context.Context, rec model.Record) error {
	value, err := marshalRecord(rec)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	key := t.recordKey(rec)

	return t.db.Update(func(txn *badger.Txn) error {
		// CreatedAt is immutable, but a replaced record must not leave its old key behind
		item, err := txn.Get(t.indexKey(rec.Id))
		switch {
		case err == nil:
			prevKey, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(prevKey) != string(key) {
				if err := txn.Delete(prevKey); err != nil {
					return err
				}
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		if err := txn.Set(key, value); err != nil {
			return err
		}
		return txn.Set(t.indexKey(rec.Id), key)
	})
}

// Get implements Table interface.
func (t *BadgerTable) Get(_ context.Context, id model.RecordID) (model.Record, error) {
	var rec model.Record
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(t.indexKey(id))
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		item, err = txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			rec, err = unmarshalRecord(value)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.Record{}, fmt.Errorf("%s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Record{}, err
	}

	return rec, nil
}

// List implements Table interface.
func (t *BadgerTable) List(_ context.Context, scope model.ScopeKey) ([]model.Record, error) {
	list := make([]model.Record, 0)
	err := t.db.View(func(txn *badger.Txn) error {
		prefix := t.scopePrefix(scope)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(value []byte) error {
				rec, err := unmarshalRecord(value)
				if err != nil {
					return err
				}
				// The prefix of "a" matches the keys of "a:b" as well
				if rec.Scope != scope {
					return nil
				}
				list = append(list, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.log.Debug("Records listed", "table", t.table, "scope", scope, "count", len(list))

	return list, nil
}

// NewBadgerTable creates a Table stored in the shared BadgerDB.
func NewBadgerTable(db *badger.DB, log *slog.Logger, table model.Table) *BadgerTable {
	return &BadgerTable{db: db, log: log, table: table}
}
