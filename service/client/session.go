//go:generate go run go.uber.org/mock/mockgen -source=session.go -destination=../../mocks/mock_session.go -package=mocks

package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itiky/marketplace-sync/model"
	"github.com/itiky/marketplace-sync/storage"
)

type (
	// Writer is the persistent-write collaborator: a single attempt, no implicit retry.
	Writer interface {
		Insert(ctx context.Context, req model.InsertRequest) (model.Record, error)
		Update(ctx context.Context, req model.UpdateRequest) (model.Record, error)
	}

	// Loader fetches the records already stored for a scope.
	Loader interface {
		List(ctx context.Context, table model.Table, scope model.ScopeKey) ([]model.Record, error)
	}

	// EventSource is the change feed: delivers scope filtered insert / update notifications.
	// Delivery order doesn't follow the creation order.
	EventSource interface {
		Subscribe(ctx context.Context, table model.Table, scope model.ScopeKey, handler model.ChangeHandler) (model.Subscription, error)
	}

	// Deps are the Session collaborators.
	Deps struct {
		Log    *slog.Logger
		Writer Writer
		Source EventSource
		// Optional initial fetch
		Loader Loader
		// Optional stats
		Monitor *Monitor
		// Optional clock
		Now func() time.Time
		// Optional view callback, receives the list operations of every reconciler mutation.
		// Called from the session event loop, must not block or call the Session.
		// Operations of a rebound session apply to an empty list.
		OnChange func(ops []model.ListOperation)
	}

	// Session binds a Reconciler to one scope for its lifetime.
	// All Reconciler mutations are serialized through the session event loop.
	Session struct {
		deps  Deps
		log   *slog.Logger
		table model.Table
		scope model.ScopeKey
		//
		reconciler *storage.Reconciler
		sub        model.Subscription
		statusMu   sync.RWMutex
		status     model.SubscriptionStatus
		// Owned by the event loop
		inserts map[model.RecordID]*pendingInsert
		updates map[model.RecordID][]*pendingUpdate
		//
		tasks     chan func()
		closed    atomic.Bool
		closeOnce sync.Once
		stopCh    chan struct{}
		doneCh    chan struct{}
	}
)

// Open binds a new Session to the table / scope: subscribes to the change feed, then loads the stored records.
// Subscription goes first so no change is missed, the overlap is deduplicated.
func Open(ctx context.Context, deps Deps, table model.Table, scope model.ScopeKey) (*Session, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if scope == "" {
		return nil, fmt.Errorf("%s: empty", "scope")
	}
	if deps.Writer == nil {
		return nil, fmt.Errorf("%s: nil", "Writer")
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("%s: nil", "Source")
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	log := deps.Log.With("table", table, "scope", scope)
	s := &Session{
		deps:       deps,
		log:        log,
		table:      table,
		scope:      scope,
		reconciler: storage.NewReconciler(log, table, scope),
		inserts:    make(map[model.RecordID]*pendingInsert),
		updates:    make(map[model.RecordID][]*pendingUpdate),
		tasks:      make(chan func()),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go s.loop()

	sub, err := deps.Source.Subscribe(ctx, table, scope, model.ChangeHandler{
		OnInsert: s.onInsert,
		OnUpdate: s.onUpdate,
		OnStatus: s.onStatus,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	s.sub = sub

	if deps.Loader != nil {
		records, err := deps.Loader.List(ctx, table, scope)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("initial fetch: %w", err)
		}

		s.do(func() {
			for _, rec := range records {
				s.applyInbound(rec)
			}
		})
		log.Debug("Initial records loaded", "count", len(records))
	}

	log.Info("Session opened")

	return s, nil
}

// Rebind closes the session and opens a fresh one for another scope. No state is carried over.
func (s *Session) Rebind(ctx context.Context, scope model.ScopeKey) (*Session, error) {
	s.Close()

	return Open(ctx, s.deps, s.table, scope)
}

// Close unsubscribes and stops the event loop. No callback mutates the session state once Close returns.
// In-flight writes still resolve their handles.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.sub != nil {
			s.sub.Unsubscribe()
		}
		close(s.stopCh)
		<-s.doneCh

		s.setStatus(model.SubscriptionClosed)
		s.log.Info("Session closed")
	})
}

// Table returns the bound table.
func (s *Session) Table() model.Table {
	return s.table
}

// Scope returns the bound scope.
func (s *Session) Scope() model.ScopeKey {
	return s.scope
}

// Snapshot returns the reconciled records sorted by creation time.
func (s *Session) Snapshot() model.RecordList {
	return s.reconciler.Snapshot()
}

// Status returns the change feed connection status.
// SubscriptionLost isn't a data loss: the view is reconciled up to the last received event.
func (s *Session) Status() model.SubscriptionStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()

	return s.status
}

// alive checks the session wasn't closed.
func (s *Session) alive() bool {
	return !s.closed.Load()
}

func (s *Session) setStatus(status model.SubscriptionStatus) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	s.status = status
}

// onInsert is the change feed insert callback.
func (s *Session) onInsert(rec model.Record) {
	if !s.alive() {
		return
	}

	s.post(func() {
		s.applyInbound(rec)
	})
}

// onUpdate is the change feed update callback.
func (s *Session) onUpdate(id model.RecordID, patch model.Fields) {
	if !s.alive() {
		return
	}

	s.post(func() {
		s.applyInboundUpdate(id, patch)
	})
}

// onStatus is the change feed status callback.
func (s *Session) onStatus(status model.SubscriptionStatus) {
	if !s.alive() {
		return
	}

	s.setStatus(status)
	switch status {
	case model.SubscriptionLost:
		s.log.Warn("Change feed lost", "error", model.ErrSubscriptionLost)
	default:
		s.log.Info("Change feed status", "status", status)
	}
}

// loop is the single writer of the session state.
func (s *Session) loop() {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			return
		case task := <-s.tasks:
			// A task might have been queued right before Close
			if !s.alive() {
				continue
			}
			task()
		}
	}
}

// post queues the task to the event loop, false if the session is closed.
func (s *Session) post(task func()) bool {
	if !s.alive() {
		return false
	}

	select {
	case s.tasks <- task:
		return true
	case <-s.stopCh:
		return false
	}
}

// do runs the task on the event loop and waits for it, false if the task was not executed.
func (s *Session) do(task func()) bool {
	done := make(chan struct{})
	if !s.post(func() {
		defer close(done)
		task()
	}) {
		return false
	}

	select {
	case <-done:
		return true
	case <-s.doneCh:
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}

// applyInbound applies an authoritative record (change feed or initial fetch).
// An echo of a pending local insert replaces the provisional record right away.
func (s *Session) applyInbound(rec model.Record) {
	rec.Pending = false

	echoLag := time.Duration(0)
	if p, found := s.inserts[rec.ClientRef]; found && rec.ClientRef != "" && p.echo == nil {
		echo := rec.Clone()
		p.echo = &echo
		echoLag = s.deps.Now().Sub(p.startedAt)

		s.notify(s.reconciler.Replace(rec.ClientRef, rec)...)
		s.log.Debug("Pending insert echoed", "temp_id", rec.ClientRef, "id", rec.Id)
	} else {
		s.notifyOp(s.reconciler.ApplyInsert(rec))
	}

	if s.deps.Monitor != nil {
		s.deps.Monitor.EventReceived(echoLag)
	}
}

// applyInboundUpdate applies an authoritative update.
// Keys it touches are not reverted by pending local updates of the record.
func (s *Session) applyInboundUpdate(id model.RecordID, patch model.Fields) {
	for _, p := range s.updates[id] {
		p.forget(patch)
	}
	s.notifyOp(s.reconciler.ApplyUpdate(id, patch))

	if s.deps.Monitor != nil {
		s.deps.Monitor.EventReceived(0)
	}
}

// notify passes list operations to the view callback. Must be called from the event loop.
func (s *Session) notify(ops ...model.ListOperation) {
	if s.deps.OnChange == nil || len(ops) == 0 {
		return
	}

	s.deps.OnChange(ops)
}

func (s *Session) notifyOp(op *model.ListOperation) {
	if op != nil {
		s.notify(*op)
	}
}
