package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/itiky/marketplace-sync/model"
)

type (
	// Handle tracks an optimistic write until the backend confirms or rejects it.
	Handle struct {
		// Temp id of the provisional record (insert) or the target record id (update)
		Id      model.RecordID
		Payload model.Fields
		//
		mu     sync.Mutex
		state  model.MutationState
		record model.Record
		err    error
		done   chan struct{}
	}

	pendingInsert struct {
		handle    *Handle
		startedAt time.Time
		// Authoritative record delivered by the change feed before the write response
		echo *model.Record
	}

	pendingUpdate struct {
		handle    *Handle
		startedAt time.Time
		// Values to restore on failure
		prev model.Fields
		// Keys to remove on failure (not set before the update)
		unset []string
	}
)

// Done is closed once the write is resolved.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// State returns the write state.
func (h *Handle) State() model.MutationState {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state
}

// Result returns the authoritative record or the *model.WriteFailure, valid once Done is closed.
func (h *Handle) Result() (model.Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.record, h.err
}

// Wait waits for the write resolution.
func (h *Handle) Wait(ctx context.Context) (model.Record, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		return model.Record{}, ctx.Err()
	}
}

// resolve sets the write result (once).
func (h *Handle) resolve(rec model.Record, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != model.MutationInFlight {
		return
	}

	h.record, h.err = rec, err
	h.state = model.MutationConfirmed
	if err != nil {
		h.state = model.MutationFailed
	}
	close(h.done)
}

func newHandle(id model.RecordID, payload model.Fields) *Handle {
	return &Handle{
		Id:      id,
		Payload: payload,
		state:   model.MutationInFlight,
		done:    make(chan struct{}),
	}
}

// forget drops keys touched by an authoritative update from the rollback set.
func (p *pendingUpdate) forget(patch model.Fields) {
	for key := range patch {
		delete(p.prev, key)
	}
	p.unset = lo.Without(p.unset, lo.Keys(patch)...)
}

// Submit creates a record optimistically: a provisional record is visible in Snapshot once Submit returns,
// the write is issued asynchronously and the handle resolves with the authoritative record.
// On failure the provisional record is rolled back and the handle error is a *model.WriteFailure
// carrying the original payload.
func (s *Session) Submit(ctx context.Context, payload model.Fields) (*Handle, error) {
	if !s.alive() {
		return nil, model.ErrScopeClosed
	}

	payload = payload.Mutable()
	tempId := model.NewTempID()
	handle := newHandle(tempId, payload.Clone())
	startedAt := s.deps.Now()

	provisional := model.Record{
		Id:        tempId,
		Scope:     s.scope,
		CreatedAt: startedAt,
		Fields:    payload.Clone(),
		ClientRef: tempId,
		Pending:   true,
	}
	if !s.do(func() {
		s.inserts[tempId] = &pendingInsert{handle: handle, startedAt: startedAt}
		s.notifyOp(s.reconciler.ApplyInsert(provisional))
	}) {
		return nil, model.ErrScopeClosed
	}
	if s.deps.Monitor != nil {
		s.deps.Monitor.WriteStarted(startedAt)
	}

	go func() {
		rec, err := s.deps.Writer.Insert(ctx, model.InsertRequest{
			Table:     s.table,
			Scope:     s.scope,
			ClientRef: tempId,
			Fields:    payload.Clone(),
		})
		if s.deps.Monitor != nil {
			now := s.deps.Now()
			s.deps.Monitor.WriteResolved(now, now.Sub(startedAt), err != nil)
		}

		if !s.do(func() { s.resolveInsert(tempId, rec, err) }) {
			// Scope torn down, only the caller is notified
			if err != nil {
				err = &model.WriteFailure{Id: tempId, Payload: handle.Payload, Err: err}
			}
			handle.resolve(rec, err)
		}
	}()

	return handle, nil
}

// resolveInsert reconciles the write response with the view.
// An authoritative record already delivered by the change feed wins over a rollback.
func (s *Session) resolveInsert(tempId model.RecordID, rec model.Record, err error) {
	p, found := s.inserts[tempId]
	if !found {
		s.log.Warn("Unknown pending insert", "temp_id", tempId)
		return
	}
	delete(s.inserts, tempId)

	// A malformed acknowledgement can't replace the provisional record
	if err == nil {
		if ackErr := s.reconciler.CheckRecord(rec); ackErr != nil {
			rec, err = model.Record{}, fmt.Errorf("acknowledgement: %w", ackErr)
		}
	}

	switch {
	case err == nil:
		s.notify(s.reconciler.Replace(tempId, rec)...)
		p.handle.resolve(rec, nil)
		s.log.Debug("Insert confirmed", "temp_id", tempId, "id", rec.Id)
	case p.echo != nil:
		p.handle.resolve(*p.echo, nil)
		s.log.Warn("Insert failure overridden by the change feed", "temp_id", tempId, "id", p.echo.Id, "error", err)
	default:
		s.notifyOp(s.reconciler.Remove(tempId))
		p.handle.resolve(model.Record{}, &model.WriteFailure{Id: tempId, Payload: p.handle.Payload, Err: err})
		s.log.Warn("Insert rolled back", "temp_id", tempId, "error", err)
	}
}

// SubmitUpdate patches a record optimistically. On failure patched keys are restored,
// except those changed meanwhile by the change feed, and the handle error is a *model.WriteFailure.
func (s *Session) SubmitUpdate(ctx context.Context, id model.RecordID, patch model.Fields) (*Handle, error) {
	if !s.alive() {
		return nil, model.ErrScopeClosed
	}
	if id.IsTemp() {
		return nil, fmt.Errorf("%s: %w: not confirmed yet", id, model.ErrUnknownTargetUpdate)
	}
	patch = patch.Mutable()
	if len(patch) == 0 {
		return nil, fmt.Errorf("%s: empty", "patch")
	}

	handle := newHandle(id, patch.Clone())
	p := &pendingUpdate{handle: handle, startedAt: s.deps.Now(), prev: model.Fields{}}
	if !s.do(func() {
		// Newer local intent wins over older pending rollbacks
		for _, older := range s.updates[id] {
			older.forget(patch)
		}

		if rec, found := s.reconciler.Get(id); found {
			for key := range patch {
				if value, set := rec.Fields[key]; set {
					p.prev[key] = value
				} else {
					p.unset = append(p.unset, key)
				}
			}
			s.notifyOp(s.reconciler.ApplyUpdate(id, patch))
		}
		s.updates[id] = append(s.updates[id], p)
	}) {
		return nil, model.ErrScopeClosed
	}
	if s.deps.Monitor != nil {
		s.deps.Monitor.WriteStarted(p.startedAt)
	}

	go func() {
		rec, err := s.deps.Writer.Update(ctx, model.UpdateRequest{
			Table: s.table,
			Id:    id,
			Patch: patch.Clone(),
		})
		if s.deps.Monitor != nil {
			now := s.deps.Now()
			s.deps.Monitor.WriteResolved(now, now.Sub(p.startedAt), err != nil)
		}

		if !s.do(func() { s.resolveUpdate(p, rec, err) }) {
			if err != nil {
				err = &model.WriteFailure{Id: id, Payload: handle.Payload, Err: err}
			}
			handle.resolve(rec, err)
		}
	}()

	return handle, nil
}

// resolveUpdate reconciles the update response with the view.
func (s *Session) resolveUpdate(p *pendingUpdate, rec model.Record, err error) {
	id := p.handle.Id
	s.updates[id] = lo.Without(s.updates[id], p)
	if len(s.updates[id]) == 0 {
		delete(s.updates, id)
	}

	if err == nil {
		s.notifyOp(s.reconciler.ApplyUpdate(id, lo.PickByKeys(rec.Fields, lo.Keys(p.handle.Payload))))
		p.handle.resolve(rec, nil)
		s.log.Debug("Update confirmed", "id", id)
		return
	}

	s.notifyOp(s.reconciler.Revert(id, p.prev, p.unset))
	p.handle.resolve(model.Record{}, &model.WriteFailure{Id: id, Payload: p.handle.Payload, Err: err})
	s.log.Warn("Update rolled back", "id", id, "error", err)
}

// SendMessage validates the draft and submits it. An invalid draft (e.g. blank content) is never displayed.
func (s *Session) SendMessage(ctx context.Context, draft model.MessageDraft) (*Handle, error) {
	if s.table != model.MessagesTable {
		return nil, fmt.Errorf("%s: %w: messages expected", s.table, model.ErrInvalidTable)
	}
	if draft.ProposalID != s.scope {
		return nil, fmt.Errorf("%s: must be %s", "ProposalID", s.scope)
	}
	if err := draft.Validate(); err != nil {
		return nil, fmt.Errorf("draft: %w", err)
	}

	return s.Submit(ctx, draft.Payload())
}

// SubmitProposal validates the vendor proposal draft and submits it to the vendor proposals scope.
func (s *Session) SubmitProposal(ctx context.Context, draft model.ProposalDraft) (*Handle, error) {
	if s.table != model.ProposalsTable {
		return nil, fmt.Errorf("%s: %w: proposals expected", s.table, model.ErrInvalidTable)
	}
	if draft.VendorID != s.scope {
		return nil, fmt.Errorf("%s: must be %s", "VendorID", s.scope)
	}
	if err := draft.Validate(); err != nil {
		return nil, fmt.Errorf("draft: %w", err)
	}

	return s.Submit(ctx, draft.Payload())
}

// ChangeStatus validates and submits a proposal status change.
func (s *Session) ChangeStatus(ctx context.Context, id model.RecordID, change model.StatusChange) (*Handle, error) {
	if s.table != model.ProposalsTable {
		return nil, fmt.Errorf("%s: %w: proposals expected", s.table, model.ErrInvalidTable)
	}
	if err := change.Validate(); err != nil {
		return nil, fmt.Errorf("status change: %w", err)
	}

	return s.SubmitUpdate(ctx, id, change.Patch())
}

// MarkRead marks confirmed unread records of other senders as read.
func (s *Session) MarkRead(ctx context.Context, viewerId string) ([]*Handle, error) {
	unread := lo.Filter(s.Snapshot(), func(rec model.Record, _ int) bool {
		return !rec.Pending && !rec.Fields.Bool(model.FieldRead) && rec.Fields.String(model.FieldSenderID) != viewerId
	})

	handles := make([]*Handle, 0, len(unread))
	for _, rec := range unread {
		handle, err := s.SubmitUpdate(ctx, rec.Id, model.Fields{model.FieldRead: true})
		if err != nil {
			return handles, fmt.Errorf("record (%s): %w", rec.Id, err)
		}
		handles = append(handles, handle)
	}

	return handles, nil
}
