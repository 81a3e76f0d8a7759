package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/itiky/marketplace-sync/model"
)

func newInsertEvent(table model.Table, scope model.ScopeKey, id string) model.ChangeEvent {
	return model.ChangeEvent{
		Type:  model.InsertOperationType,
		Table: table,
		Record: model.Record{
			Id:        model.RecordID(id),
			Scope:     scope,
			CreatedAt: time.Now(),
		},
	}
}

func Test_ChangeLog_GetChangesSince(t *testing.T) {
	l := NewChangeLog(0)
	require.Equal(t, 0, l.LatestVersion())

	v1 := l.AddVersion(
		newInsertEvent(model.MessagesTable, "c1", "m1"),
		newInsertEvent(model.MessagesTable, "c2", "m2"),
	)
	require.Equal(t, 1, v1.Version)
	require.Equal(t, 1, v1.Events[0].Version)

	// empty batch doesn't bump the version
	require.Equal(t, 1, l.AddVersion().Version)

	l.AddVersion(
		newInsertEvent(model.ProposalsTable, "c1", "p1"),
		newInsertEvent(model.MessagesTable, "c1", "m3"),
	)

	latest, events, ok := l.GetChangesSince(0, model.MessagesTable, "c1")
	require.True(t, ok)
	require.Equal(t, 2, latest)
	require.Len(t, events, 2)
	require.Equal(t, model.RecordID("m1"), events[0].Record.Id)
	require.Equal(t, model.RecordID("m3"), events[1].Record.Id)

	latest, events, ok = l.GetChangesSince(1, model.MessagesTable, "c1")
	require.True(t, ok)
	require.Equal(t, 2, latest)
	require.Len(t, events, 1)

	// up to date and "latest only" cursors
	for _, version := range []int{2, 10, -1} {
		latest, events, ok = l.GetChangesSince(version, model.MessagesTable, "c1")
		require.True(t, ok)
		require.Equal(t, 2, latest)
		require.Empty(t, events)
	}
}

func Test_ChangeLog_Compaction(t *testing.T) {
	l := NewChangeLog(2)

	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		l.AddVersion(newInsertEvent(model.MessagesTable, "c1", id))
	}
	require.Equal(t, 4, l.LatestVersion())

	// v3 and v4 are kept
	latest, events, ok := l.GetChangesSince(2, model.MessagesTable, "c1")
	require.True(t, ok)
	require.Equal(t, 4, latest)
	require.Len(t, events, 2)

	_, _, ok = l.GetChangesSince(1, model.MessagesTable, "c1")
	require.False(t, ok)
}
