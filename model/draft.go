package model

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// MessageDraft is a chat message typed by a user.
type MessageDraft struct {
	ProposalID ScopeKey `validate:"required"`
	SenderID   string   `validate:"required"`
	Content    string   `validate:"required,max=4000"`
}

// Normalize trims the content.
func (d MessageDraft) Normalize() MessageDraft {
	d.Content = strings.TrimSpace(d.Content)
	return d
}

// Validate validates the normalized draft.
func (d MessageDraft) Validate() error {
	return validate.Struct(d.Normalize())
}

// Payload renders the draft into record fields.
func (d MessageDraft) Payload() Fields {
	d = d.Normalize()
	return Fields{
		FieldSenderID: d.SenderID,
		FieldContent:  d.Content,
		FieldRead:     false,
	}
}

// ProposalDraft is a vendor application to a gig.
type ProposalDraft struct {
	JobID         string   `validate:"required"`
	VendorID      ScopeKey `validate:"required"`
	CoverLetter   string   `validate:"required,min=20"`
	ProposedPrice float64  `validate:"gt=0"`
	DeliveryTime  string
}

// Validate validates the draft.
func (d ProposalDraft) Validate() error {
	return validate.Struct(d)
}

// Payload renders the draft into record fields.
func (d ProposalDraft) Payload() Fields {
	return Fields{
		"job_id":         d.JobID,
		"cover_letter":   strings.TrimSpace(d.CoverLetter),
		"proposed_price": d.ProposedPrice,
		"delivery_time":  d.DeliveryTime,
		FieldStatus:      string(ProposalPending),
	}
}

// StatusChange is an organizer decision on a proposal.
type StatusChange struct {
	Status ProposalStatus `validate:"required,oneof=accepted rejected"`
}

// Validate validates the change.
func (c StatusChange) Validate() error {
	return validate.Struct(c)
}

// Patch renders the change into a record patch.
func (c StatusChange) Patch() Fields {
	return Fields{
		FieldStatus: string(c.Status),
	}
}
