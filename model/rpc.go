package model

import (
	"encoding/gob"
	"time"
)

// Field values are transferred as interfaces, non-basic types must be registered.
func init() {
	gob.Register(time.Time{})
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// Insert a record RPC request.
type (
	InsertRequest struct {
		Table Table
		Scope ScopeKey
		// Temp id of the optimistic write, echoed in the record
		ClientRef RecordID
		Fields    Fields
	}

	InsertResponse struct {
		Record Record
	}
)

// Update a record RPC request.
type (
	UpdateRequest struct {
		Table Table
		Id    RecordID
		Patch Fields
	}

	UpdateResponse struct {
		Record Record
	}
)

// Get the scope records RPC request (initial fetch).
type (
	ListRequest struct {
		Table Table
		Scope ScopeKey
	}

	ListResponse struct {
		Records []Record
	}
)

// Get change feed events to bump the local cursor.
type (
	GetChangesRequest struct {
		Table Table
		Scope ScopeKey
		// Local cursor, negative to get the latest version only
		Version int
	}

	GetChangesResponse struct {
		// Change feed version
		Version int
		// Events to apply in order to upgrade GetChangesRequest.Version to Version
		Events []ChangeEvent
		// Requested version was compacted, the scope must be re-fetched
		Reset bool
	}
)
