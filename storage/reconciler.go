package storage

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/itiky/marketplace-sync/model"
)

type (
	// Reconciler keeps the records of one scope sorted by creation time alongside the id index.
	// Writers are serialized, readers get an immutable snapshot published after every mutation.
	Reconciler struct {
		mu          sync.Mutex
		log         *slog.Logger
		table       model.Table
		scope       model.ScopeKey
		list        []*entry
		idDataMatch map[model.RecordID]*entry
		snapshot    atomic.Pointer[model.RecordList]
	}

	// entry is a reconciled record, list and index share the pointer.
	entry struct {
		model.Record
	}
)

// Table returns the bound table.
func (r *Reconciler) Table() model.Table {
	return r.table
}

// Scope returns the bound scope.
func (r *Reconciler) Scope() model.ScopeKey {
	return r.scope
}

// String implements stringer interface.
func (r *Reconciler) String() string {
	str := strings.Builder{}
	str.WriteString(fmt.Sprintf("Reconciler (%s/%s):\n", r.table, r.scope))
	str.WriteString(r.Snapshot().String())

	return str.String()
}

// Snapshot returns the current ordered records. The result must be treated as read-only.
func (r *Reconciler) Snapshot() model.RecordList {
	return *r.snapshot.Load()
}

// Len returns the number of records.
func (r *Reconciler) Len() int {
	return len(r.Snapshot())
}

// Get returns a record by id.
func (r *Reconciler) Get(id model.RecordID) (model.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.idDataMatch[id]
	if !found {
		return model.Record{}, false
	}

	return e.Record, true
}

// CheckRecord checks the record is well-formed and belongs to the bound scope.
func (r *Reconciler) CheckRecord(rec model.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Scope != r.scope {
		return fmt.Errorf("%s: %w: foreign scope %q", rec.Id, model.ErrMalformedEvent, string(rec.Scope))
	}

	return nil
}

// ApplyInsert adds a record unless a record with the same id is already known.
// Malformed and out of scope records are dropped.
func (r *Reconciler) ApplyInsert(rec model.Record) *model.ListOperation {
	if err := r.CheckRecord(rec); err != nil {
		r.log.Warn("Insert dropped", "scope", r.scope, "error", err)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, found := r.idDataMatch[rec.Id]; found {
		r.log.Debug("Insert ignored: duplicate", "scope", r.scope, "id", rec.Id)
		return nil
	}

	e := &entry{Record: rec.Clone()}
	r.idDataMatch[rec.Id] = e

	// Insert after all records with the same or an earlier timestamp (ties keep the arrival order)
	itemIdxToInsert := r.findItemIdxGTTarget(e)
	r.list = append(r.list, nil)
	copy(r.list[itemIdxToInsert+1:], r.list[itemIdxToInsert:])
	r.list[itemIdxToInsert] = e

	r.publish()

	return &model.ListOperation{
		Type:   model.InsertOperationType,
		Id:     rec.Id,
		Index:  itemIdxToInsert,
		Record: e.Record,
	}
}

// ApplyUpdate merges the patch into an existing record.
// Updates for unknown records are dropped (not loaded yet or out of scope).
func (r *Reconciler) ApplyUpdate(id model.RecordID, patch model.Fields) *model.ListOperation {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.idDataMatch[id]
	if !found {
		r.log.Debug("Update dropped", "scope", r.scope, "id", id, "error", model.ErrUnknownTargetUpdate)
		return nil
	}

	// Position is stable as CreatedAt is immutable
	itemIdx := r.findItemIdx(e)
	e.Fields = e.Fields.Merge(patch)

	r.publish()

	return &model.ListOperation{
		Type:     model.UpdateOperationType,
		Id:       id,
		Index:    itemIdx,
		NewIndex: itemIdx,
		Record:   e.Record,
	}
}

// Revert restores the previous values of patched keys: keys found in prev get their old value back,
// keys listed in unset are removed.
func (r *Reconciler) Revert(id model.RecordID, prev model.Fields, unset []string) *model.ListOperation {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.idDataMatch[id]
	if !found {
		return nil
	}

	fields := e.Fields.Merge(prev)
	for _, key := range unset {
		delete(fields, key)
	}
	e.Fields = fields

	itemIdx := r.findItemIdx(e)
	r.publish()

	return &model.ListOperation{
		Type:     model.UpdateOperationType,
		Id:       id,
		Index:    itemIdx,
		NewIndex: itemIdx,
		Record:   e.Record,
	}
}

// Remove deletes a record. Only used to drop provisional records.
func (r *Reconciler) Remove(id model.RecordID) *model.ListOperation {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.idDataMatch[id]
	if !found {
		return nil
	}

	// Cut
	itemIdx := r.findItemIdx(e)
	r.list = append(r.list[:itemIdx], r.list[itemIdx+1:]...)
	delete(r.idDataMatch, id)

	r.publish()

	return &model.ListOperation{
		Type:  model.DeleteOperationType,
		Id:    id,
		Index: itemIdx,
	}
}

// Replace swaps a provisional record with its authoritative version within a single snapshot.
// The provisional record is always removed, a malformed or out of scope authoritative record is not inserted.
// The authoritative record is not duplicated if it is already known.
func (r *Reconciler) Replace(tempId model.RecordID, rec model.Record) []model.ListOperation {
	insert := true
	if err := r.CheckRecord(rec); err != nil {
		r.log.Warn("Replace: authoritative record dropped", "temp_id", tempId, "error", err)
		insert = false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	listOps := make([]model.ListOperation, 0, 2)
	if e, found := r.idDataMatch[tempId]; found {
		itemIdx := r.findItemIdx(e)
		r.list = append(r.list[:itemIdx], r.list[itemIdx+1:]...)
		delete(r.idDataMatch, tempId)

		listOps = append(listOps, model.ListOperation{
			Type:  model.DeleteOperationType,
			Id:    tempId,
			Index: itemIdx,
		})
	}

	if _, found := r.idDataMatch[rec.Id]; insert && !found {
		e := &entry{Record: rec.Clone()}
		r.idDataMatch[rec.Id] = e

		itemIdxToInsert := r.findItemIdxGTTarget(e)
		r.list = append(r.list, nil)
		copy(r.list[itemIdxToInsert+1:], r.list[itemIdxToInsert:])
		r.list[itemIdxToInsert] = e

		listOps = append(listOps, model.ListOperation{
			Type:   model.InsertOperationType,
			Id:     rec.Id,
			Index:  itemIdxToInsert,
			Record: e.Record,
		})
	}

	if len(listOps) > 0 {
		r.publish()
	}

	return listOps
}

// ApplyEvents applies change feed events and returns list operations performed.
func (r *Reconciler) ApplyEvents(events ...model.ChangeEvent) []model.ListOperation {
	listOps := make([]model.ListOperation, 0, len(events))

	for _, event := range events {
		var listOp *model.ListOperation
		switch event.Type {
		case model.InsertOperationType:
			listOp = r.ApplyInsert(event.Record)
		case model.UpdateOperationType:
			listOp = r.ApplyUpdate(event.Record.Id, event.Patch)
		default:
			r.log.Warn("Event dropped: unsupported type", "scope", r.scope, "type", event.Type)
		}

		if listOp != nil {
			listOps = append(listOps, *listOp)
		}
	}

	return listOps
}

// publish swaps the snapshot. Must be called with the lock held.
func (r *Reconciler) publish() {
	list := make(model.RecordList, 0, len(r.list))
	for _, e := range r.list {
		list = append(list, e.Record)
	}

	r.snapshot.Store(&list)
}

// findItemIdxGTTarget returns the leftmost index of a record created after the target.
func (r *Reconciler) findItemIdxGTTarget(e *entry) int {
	return sort.Search(len(r.list), func(i int) bool {
		return r.list[i].CreatedAt.After(e.CreatedAt)
	})
}

// findItemIdx returns the specified entry index.
// Panics on failure (should not happen).
func (r *Reconciler) findItemIdx(e *entry) int {
	itemIdxFrom := sort.Search(len(r.list), func(i int) bool {
		return !r.list[i].CreatedAt.Before(e.CreatedAt)
	})

	for i := itemIdxFrom; i < len(r.list); i++ {
		if r.list[i] == e {
			return i
		}
	}
	panic(fmt.Sprintf("entry not found: %s", e.Id))
}

// NewReconciler creates a new empty Reconciler bound to the table and scope.
func NewReconciler(log *slog.Logger, table model.Table, scope model.ScopeKey) *Reconciler {
	r := &Reconciler{
		log:         log,
		table:       table,
		scope:       scope,
		idDataMatch: make(map[model.RecordID]*entry),
	}
	r.snapshot.Store(&model.RecordList{})

	return r
}
