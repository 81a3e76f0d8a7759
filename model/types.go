package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const tempIdPrefix = "tmp-"

type (
	// RecordID is an opaque record identifier assigned by the server.
	// Locally generated temporary ids carry the "tmp-" prefix.
	RecordID string

	// ScopeKey is the partition a record belongs to (conversation id or vendor id).
	ScopeKey string

	// Table names a record collection of the backend.
	Table string
)

const (
	MessagesTable  Table = "messages"
	ProposalsTable Table = "proposals"
)

// NewTempID generates a client-side temporary record id.
func NewTempID() RecordID {
	return RecordID(tempIdPrefix + uuid.New().String())
}

// IsTemp checks if the id was generated locally.
func (id RecordID) IsTemp() bool {
	return strings.HasPrefix(string(id), tempIdPrefix)
}

// Validate checks the table is known.
func (t Table) Validate() error {
	switch t {
	case MessagesTable, ProposalsTable:
		return nil
	}

	return fmt.Errorf("%w: %q", ErrInvalidTable, string(t))
}

type OperationType string

const (
	InsertOperationType OperationType = "insert"
	UpdateOperationType OperationType = "update"
	DeleteOperationType OperationType = "delete"
)

// MutationState is the lifecycle state of an optimistic write.
type MutationState string

const (
	MutationInFlight  MutationState = "in_flight"
	MutationConfirmed MutationState = "confirmed"
	MutationFailed    MutationState = "failed"
)

// SubscriptionStatus is the connection state of a change feed subscription.
type SubscriptionStatus string

const (
	SubscriptionSubscribed SubscriptionStatus = "subscribed"
	SubscriptionLost       SubscriptionStatus = "lost"
	SubscriptionClosed     SubscriptionStatus = "closed"
)

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
)
