package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/lo"
)

// Field keys with a fixed meaning.
const (
	FieldID        = "id"
	FieldScope     = "scope_key"
	FieldCreatedAt = "created_at"
	FieldContent   = "content"
	FieldSenderID  = "sender_id"
	FieldRead      = "read"
	FieldStatus    = "status"
)

var immutableFields = []string{FieldID, FieldScope, FieldCreatedAt}

type (
	// Fields keeps mutable record attributes.
	Fields map[string]any

	// Record is a Message or a Proposal.
	Record struct {
		Id        RecordID
		Scope     ScopeKey
		CreatedAt time.Time
		Fields    Fields
		// Temp id of the optimistic write that created the record (echoed by the server)
		ClientRef RecordID
		// Provisional entry, not yet confirmed by the server
		Pending bool
	}

	// RecordList is an ordered read-only view of a scope.
	RecordList []Record
)

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}

	return lo.Assign(f)
}

// Merge returns a copy of f with patch applied. Immutable keys of the patch are ignored.
func (f Fields) Merge(patch Fields) Fields {
	return lo.Assign(f.Clone(), lo.OmitByKeys(patch, immutableFields))
}

// Mutable returns the patch without immutable keys.
func (f Fields) Mutable() Fields {
	return lo.OmitByKeys(f, immutableFields)
}

// String returns a field as string ("" if not set or not a string).
func (f Fields) String(key string) string {
	v, _ := f[key].(string)
	return v
}

// Bool returns a field as bool (false if not set or not a bool).
func (f Fields) Bool(key string) bool {
	v, _ := f[key].(bool)
	return v
}

// Validate checks the identifying fields are set.
func (r Record) Validate() error {
	if r.Id == "" {
		return fmt.Errorf("%w: %s: empty", ErrMalformedEvent, "id")
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("%w: %s: zero", ErrMalformedEvent, "created_at")
	}

	return nil
}

// Clone returns a copy that doesn't share Fields with r.
func (r Record) Clone() Record {
	r.Fields = r.Fields.Clone()
	return r
}

// String implements stringer interface.
func (r Record) String() string {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Sprintf("marshal: %v", err)
	}

	return string(raw)
}

// Ids returns the record ids in order.
func (l RecordList) Ids() []RecordID {
	return lo.Map(l, func(r Record, _ int) RecordID {
		return r.Id
	})
}

// Find returns a record by id.
func (l RecordList) Find(id RecordID) (Record, bool) {
	return lo.Find(l, func(r Record) bool {
		return r.Id == id
	})
}
