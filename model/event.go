//go:generate go run go.uber.org/mock/mockgen -source=event.go -destination=../mocks/mock_event.go -package=mocks

package model

import "fmt"

type (
	// ChangeEvent is a row-level change notification of the backend change feed.
	ChangeEvent struct {
		Type  OperationType
		Table Table
		// Record state after the change
		Record Record
		// Changed fields (update only)
		Patch Fields
		// Change feed version the event was published with
		Version int
	}

	// ChangeHandler receives change feed notifications of a single subscription.
	ChangeHandler struct {
		OnInsert func(rec Record)
		OnUpdate func(id RecordID, patch Fields)
		// Optional connection state notifications
		OnStatus func(status SubscriptionStatus)
	}

	// Subscription is a change feed subscription handle.
	Subscription interface {
		// Unsubscribe stops the delivery, must be idempotent.
		Unsubscribe()
	}
)

// Matches checks if the event belongs to the specified table / scope.
func (e ChangeEvent) Matches(table Table, scope ScopeKey) bool {
	return e.Table == table && e.Record.Scope == scope
}

// Dispatch delivers the event to the handler.
func (h ChangeHandler) Dispatch(e ChangeEvent) error {
	switch e.Type {
	case InsertOperationType:
		if h.OnInsert != nil {
			h.OnInsert(e.Record)
		}
	case UpdateOperationType:
		if h.OnUpdate != nil {
			h.OnUpdate(e.Record.Id, e.Patch)
		}
	default:
		return fmt.Errorf("event (%s): unsupported type", e.Type)
	}

	return nil
}

// Status notifies the handler about a connection state change.
func (h ChangeHandler) Status(status SubscriptionStatus) {
	if h.OnStatus != nil {
		h.OnStatus(status)
	}
}
