package model

import (
	"fmt"
	"strings"
)

// ListOperation is a change of a reconciled RecordList, used by views to follow the reconciler incrementally.
type ListOperation struct {
	Type     OperationType
	Index    int
	NewIndex int
	Id       RecordID
	Record   Record
}

// String implements the stringer interface.
func (l RecordList) String() string {
	str := strings.Builder{}
	for i, item := range l {
		pending := ""
		if item.Pending {
			pending = " pending"
		}
		str.WriteString(fmt.Sprintf("- [%d] %s %s (%s%s)\n", i, item.CreatedAt.Format("15:04:05.000"), item.Fields.String(FieldContent), item.Id, pending))
	}

	return str.String()
}

// ApplyListOperations upgrades the input RecordList to a new version using ListOperation objects.
// The input list is not modified.
func ApplyListOperations(l RecordList, ops ...ListOperation) (RecordList, error) {
	l = append(RecordList(nil), l...)

	for i, op := range ops {
		switch op.Type {

		case InsertOperationType:
			if op.Index < 0 {
				return nil, fmt.Errorf("op[%d] (%s): index: must be GTE 0", i, op.Type)
			}
			if op.Index > len(l) {
				return nil, fmt.Errorf("op[%d] (%s): index: must be LTE than RecordList length", i, op.Type)
			}

			// Insert
			l = append(l, Record{})
			copy(l[op.Index+1:], l[op.Index:])
			l[op.Index] = op.Record

		case UpdateOperationType:
			if op.Index < 0 {
				return nil, fmt.Errorf("op[%d] (%s): index: must be GTE 0", i, op.Type)
			}
			if op.Index >= len(l) {
				return nil, fmt.Errorf("op[%d] (%s): index: must be LT than RecordList length", i, op.Type)
			}

			if op.NewIndex < 0 {
				return nil, fmt.Errorf("op[%d] (%s): newIndex: must be GTE 0", i, op.Type)
			}
			if op.NewIndex >= len(l) {
				return nil, fmt.Errorf("op[%d] (%s): newIndex: must be LT than RecordList length", i, op.Type)
			}
			if l[op.Index].Id != op.Id {
				return nil, fmt.Errorf("op[%d] (%s): id mismatch: %s / %s", i, op.Type, l[op.Index].Id, op.Id)
			}

			// Cut and insert
			l = append(l[:op.Index], l[op.Index+1:]...)
			l = append(l, Record{})
			copy(l[op.NewIndex+1:], l[op.NewIndex:])
			l[op.NewIndex] = op.Record

		case DeleteOperationType:
			if op.Index < 0 {
				return nil, fmt.Errorf("op[%d] (%s): index: must be GTE 0", i, op.Type)
			}
			if op.Index >= len(l) {
				return nil, fmt.Errorf("op[%d] (%s): index: must be LT than RecordList length", i, op.Type)
			}

			// Cut
			l = append(l[:op.Index], l[op.Index+1:]...)

		default:
			return nil, fmt.Errorf("op[%d] (%s): unknown type", i, op.Type)

		}
	}

	return l, nil
}
