// Package backend is the hosted backend stand-in: record tables and the realtime change feed.
// It is the sole arbiter of record ids and creation timestamps.
package backend

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/itiky/marketplace-sync/model"
)

// Table persists the records of one model.Table.
type Table interface {
	// Put inserts or replaces a record by id.
	Put(ctx context.Context, rec model.Record) error
	// Get returns a record by id or model.ErrNotFound.
	Get(ctx context.Context, id model.RecordID) (model.Record, error)
	// List returns the scope records sorted by creation time.
	List(ctx context.Context, scope model.ScopeKey) ([]model.Record, error)
}

// diskRecord is the persisted record form.
type diskRecord struct {
	Id        string         `cbor:"1,keyasint"`
	Scope     string         `cbor:"2,keyasint"`
	CreatedAt int64          `cbor:"3,keyasint"`
	ClientRef string         `cbor:"4,keyasint,omitempty"`
	Fields    map[string]any `cbor:"5,keyasint"`
}

var cborDecMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder: %v", err))
	}
	return mode
}()

func marshalRecord(rec model.Record) ([]byte, error) {
	return cbor.Marshal(diskRecord{
		Id:        string(rec.Id),
		Scope:     string(rec.Scope),
		CreatedAt: rec.CreatedAt.UnixNano(),
		ClientRef: string(rec.ClientRef),
		Fields:    rec.Fields,
	})
}

func unmarshalRecord(data []byte) (model.Record, error) {
	var obj diskRecord
	if err := cborDecMode.Unmarshal(data, &obj); err != nil {
		return model.Record{}, fmt.Errorf("cbor unmarshal: %w", err)
	}

	return model.Record{
		Id:        model.RecordID(obj.Id),
		Scope:     model.ScopeKey(obj.Scope),
		CreatedAt: time.Unix(0, obj.CreatedAt).UTC(),
		ClientRef: model.RecordID(obj.ClientRef),
		Fields:    model.Fields(obj.Fields).Clone(),
	}, nil
}

// MemoryTable implements Table in memory.
type MemoryTable struct {
	sync.RWMutex
	records map[model.RecordID]model.Record
	// Insertion order, tie breaker for equal timestamps
	order map[model.RecordID]int
}

// Put implements Table interface.
func (t *MemoryTable) Put(_ context.Context, rec model.Record) error {
	t.Lock()
	defer t.Unlock()

	if _, found := t.order[rec.Id]; !found {
		t.order[rec.Id] = len(t.order)
	}
	t.records[rec.Id] = rec.Clone()

	return nil
}

// Get implements Table interface.
func (t *MemoryTable) Get(_ context.Context, id model.RecordID) (model.Record, error) {
	t.RLock()
	defer t.RUnlock()

	rec, found := t.records[id]
	if !found {
		return model.Record{}, fmt.Errorf("%s: %w", id, model.ErrNotFound)
	}

	return rec.Clone(), nil
}

// List implements Table interface.
func (t *MemoryTable) List(_ context.Context, scope model.ScopeKey) ([]model.Record, error) {
	t.RLock()
	defer t.RUnlock()

	list := make([]model.Record, 0)
	for _, rec := range t.records {
		if rec.Scope == scope {
			list = append(list, rec.Clone())
		}
	}

	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return t.order[list[i].Id] < t.order[list[j].Id]
	})

	return list, nil
}

// NewMemoryTable creates a new empty MemoryTable.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{
		records: make(map[model.RecordID]model.Record),
		order:   make(map[model.RecordID]int),
	}
}
