package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/itiky/marketplace-sync/model"
	"github.com/itiky/marketplace-sync/storage"
)

type (
	// Backend keeps record tables and publishes their changes.
	// Writes are applied synchronously, change events are published in batches every batchPeriod
	// (or right away for a zero period), so the feed might lag behind write responses.
	Backend struct {
		log *slog.Logger
		// Config
		batchPeriod time.Duration
		// State
		tables      map[model.Table]Table
		changeLog   *storage.ChangeLog
		eventsCh    chan model.ChangeEvent
		queueMu     sync.RWMutex
		running     bool
		updateMu    sync.Mutex
		subsMu      sync.RWMutex
		subscribers map[uint64]*subscription
		subsSeq     uint64
		now         func() time.Time
		//
		stopCh chan interface{}
		doneCh chan interface{}
	}

	// subscription implements model.Subscription for in-process subscribers.
	subscription struct {
		backend *Backend
		id      uint64
		table   model.Table
		scope   model.ScopeKey
		handler model.ChangeHandler
		active  atomic.Bool
		once    sync.Once
	}
)

// Insert creates a new record assigning its id and creation time.
func (b *Backend) Insert(ctx context.Context, req model.InsertRequest) (model.Record, error) {
	table, err := b.table(req.Table)
	if err != nil {
		return model.Record{}, err
	}
	if req.Scope == "" {
		return model.Record{}, fmt.Errorf("%s: empty", "scope")
	}

	rec := model.Record{
		Id:        model.RecordID(uuid.New().String()),
		Scope:     req.Scope,
		CreatedAt: b.now().UTC(),
		Fields:    req.Fields.Mutable(),
		ClientRef: req.ClientRef,
	}
	if err := table.Put(ctx, rec); err != nil {
		return model.Record{}, fmt.Errorf("table (%s): put: %w", req.Table, err)
	}

	b.queue(model.ChangeEvent{
		Type:   model.InsertOperationType,
		Table:  req.Table,
		Record: rec.Clone(),
	})

	return rec, nil
}

// Update merges the patch into an existing record.
func (b *Backend) Update(ctx context.Context, req model.UpdateRequest) (model.Record, error) {
	table, err := b.table(req.Table)
	if err != nil {
		return model.Record{}, err
	}
	patch := req.Patch.Mutable()
	if len(patch) == 0 {
		return model.Record{}, fmt.Errorf("%s: empty", "patch")
	}

	b.updateMu.Lock()
	defer b.updateMu.Unlock()

	rec, err := table.Get(ctx, req.Id)
	if err != nil {
		return model.Record{}, fmt.Errorf("table (%s): get: %w", req.Table, err)
	}
	rec.Fields = rec.Fields.Merge(patch)
	if err := table.Put(ctx, rec); err != nil {
		return model.Record{}, fmt.Errorf("table (%s): put: %w", req.Table, err)
	}

	b.queue(model.ChangeEvent{
		Type:   model.UpdateOperationType,
		Table:  req.Table,
		Record: rec.Clone(),
		Patch:  patch,
	})

	return rec, nil
}

// List returns the scope records sorted by creation time.
func (b *Backend) List(ctx context.Context, tableName model.Table, scope model.ScopeKey) ([]model.Record, error) {
	table, err := b.table(tableName)
	if err != nil {
		return nil, err
	}

	return table.List(ctx, scope)
}

// GetChanges returns the change feed events published after the request version.
func (b *Backend) GetChanges(req model.GetChangesRequest) model.GetChangesResponse {
	version, events, ok := b.changeLog.GetChangesSince(req.Version, req.Table, req.Scope)

	return model.GetChangesResponse{
		Version: version,
		Events:  events,
		Reset:   !ok,
	}
}

// Subscribe registers an in-process change feed subscriber for the table / scope.
func (b *Backend) Subscribe(_ context.Context, table model.Table, scope model.ScopeKey, handler model.ChangeHandler) (model.Subscription, error) {
	if _, err := b.table(table); err != nil {
		return nil, err
	}

	b.subsMu.Lock()
	b.subsSeq++
	sub := &subscription{
		backend: b,
		id:      b.subsSeq,
		table:   table,
		scope:   scope,
		handler: handler,
	}
	sub.active.Store(true)
	b.subscribers[sub.id] = sub
	b.subsMu.Unlock()

	b.log.Debug("Subscribed", "table", table, "scope", scope, "subscription", sub.id)
	handler.Status(model.SubscriptionSubscribed)

	return sub, nil
}

// Unsubscribe implements model.Subscription interface.
// No event is delivered once Unsubscribe returns.
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.backend.subsMu.Lock()
		s.active.Store(false)
		delete(s.backend.subscribers, s.id)
		s.backend.subsMu.Unlock()

		s.backend.log.Debug("Unsubscribed", "table", s.table, "scope", s.scope, "subscription", s.id)
		s.handler.Status(model.SubscriptionClosed)
	})
}

// Start starts the publishing worker.
func (b *Backend) Start() {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	if b.stopCh != nil || b.batchPeriod <= 0 {
		return
	}
	b.stopCh = make(chan interface{})
	b.doneCh = make(chan interface{})
	b.running = true

	go b.worker()
}

// Stop stops the publishing worker, queued events are published.
// Events queued afterwards are published right away.
func (b *Backend) Stop() {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	if !b.running {
		return
	}

	close(b.stopCh)
	<-b.doneCh
	b.running = false
}

// queue pushes the event to the publishing queue, the event is published right away without the worker.
func (b *Backend) queue(event model.ChangeEvent) {
	b.queueMu.RLock()
	defer b.queueMu.RUnlock()

	if !b.running {
		b.publish([]model.ChangeEvent{event})
		return
	}

	b.eventsCh <- event
}

// worker does the actual job.
func (b *Backend) worker() {
	b.log.Info("Backend: start", "batch_period", b.batchPeriod)
	defer close(b.doneCh)

	eventsQueue := make([]model.ChangeEvent, 0)

	handleCh := time.NewTicker(b.batchPeriod)
	defer handleCh.Stop()
	for {
		select {
		case <-b.stopCh:
			// Flush and stop
			for len(b.eventsCh) > 0 {
				eventsQueue = append(eventsQueue, <-b.eventsCh)
			}
			b.publish(eventsQueue)
			b.log.Info("Backend: stop")
			return
		case event := <-b.eventsCh:
			// Push events to the queue (write order is kept)
			eventsQueue = append(eventsQueue, event)
		case <-handleCh.C:
			// Publish the queued events
			b.publish(eventsQueue)
			eventsQueue = make([]model.ChangeEvent, 0)
		}
	}
}

// publish adds a change feed version and delivers events to matching subscribers.
func (b *Backend) publish(events []model.ChangeEvent) {
	if len(events) == 0 {
		return
	}

	version := b.changeLog.AddVersion(events...)

	b.subsMu.RLock()
	defer b.subsMu.RUnlock()

	for _, event := range version.Events {
		for _, sub := range b.subscribers {
			if !sub.active.Load() || !event.Matches(sub.table, sub.scope) {
				continue
			}
			if err := sub.handler.Dispatch(event); err != nil {
				b.log.Warn("Event dispatch failed", "subscription", sub.id, "error", err)
			}
		}
	}
}

func (b *Backend) table(name model.Table) (Table, error) {
	if err := name.Validate(); err != nil {
		return nil, err
	}
	table, found := b.tables[name]
	if !found {
		return nil, fmt.Errorf("%w: %q: not configured", model.ErrInvalidTable, string(name))
	}

	return table, nil
}

// NewBackend creates a new Backend object.
func NewBackend(log *slog.Logger, tables map[model.Table]Table, chSize int, batchPeriod time.Duration, retention int) (*Backend, error) {
	if chSize < 0 {
		return nil, fmt.Errorf("%s: must be GTE 0", "chSize")
	}
	if batchPeriod < 0 {
		return nil, fmt.Errorf("%s: must be GTE 0", "batchPeriod")
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("%s: empty", "tables")
	}

	return &Backend{
		log:         log,
		batchPeriod: batchPeriod,
		tables:      tables,
		changeLog:   storage.NewChangeLog(retention),
		eventsCh:    make(chan model.ChangeEvent, chSize),
		subscribers: make(map[uint64]*subscription),
		now:         time.Now,
	}, nil
}

// NewMemoryTables creates in-memory messages and proposals tables.
func NewMemoryTables() map[model.Table]Table {
	return map[model.Table]Table{
		model.MessagesTable:  NewMemoryTable(),
		model.ProposalsTable: NewMemoryTable(),
	}
}
