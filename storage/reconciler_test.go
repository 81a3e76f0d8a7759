package storage

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"github.com/itiky/marketplace-sync/model"
)

const (
	BenchStorageSize = 100000
	testScope        = model.ScopeKey("proposal-1")
)

func newTestReconciler() *Reconciler {
	return NewReconciler(logs.GetLoggerFromLevel(slog.LevelDebug), model.MessagesTable, testScope)
}

func newTestRecord(id string, createdAt time.Time) model.Record {
	return model.Record{
		Id:        model.RecordID(id),
		Scope:     testScope,
		CreatedAt: createdAt,
		Fields: model.Fields{
			model.FieldContent: "content of " + id,
			model.FieldRead:    false,
		},
	}
}

func requireSorted(t *testing.T, list model.RecordList) {
	for i := 1; i < len(list); i++ {
		require.False(t, list[i].CreatedAt.Before(list[i-1].CreatedAt), "item[%d].CreatedAt check", i)
	}
}

// Test adds records in random order and checks the ordering.
func Test_Reconciler_Sorting(t *testing.T) {
	r := newTestReconciler()
	now := time.Now()

	isSorted := func(comment string) {
		t.Logf("%s:\n%s", comment, r.String())

		require.Len(t, r.idDataMatch, len(r.list), "list/dataMap length mismatch")
		requireSorted(t, r.Snapshot())
	}

	for _, offset := range []int{5, 1, 10, 8, -1, 5, 0} {
		id := uuid.New().String()
		r.ApplyInsert(newTestRecord(id, now.Add(time.Duration(offset)*time.Second)))
		isSorted(fmt.Sprintf("Adding %s (%+ds)", id, offset))
	}
	require.Equal(t, 7, r.Len())
}

func Test_Reconciler_InsertIntoEmpty(t *testing.T) {
	r := newTestReconciler()
	t1 := time.Now()

	op := r.ApplyInsert(newTestRecord("m1", t1))
	require.NotNil(t, op)
	require.Equal(t, model.InsertOperationType, op.Type)
	require.Equal(t, 0, op.Index)

	require.Equal(t, []model.RecordID{"m1"}, r.Snapshot().Ids())
}

// Test inserts the same id from optimistic and authoritative origins in any order.
func Test_Reconciler_Dedup(t *testing.T) {
	now := time.Now()

	for i := 0; i < 20; i++ {
		r := newTestReconciler()

		copies := []model.Record{
			newTestRecord("m1", now),
			newTestRecord("m1", now.Add(time.Second)),
			newTestRecord("m1", now.Add(-time.Second)),
			newTestRecord("m2", now),
		}
		rand.Shuffle(len(copies), func(i, j int) { copies[i], copies[j] = copies[j], copies[i] })
		for _, rec := range copies {
			r.ApplyInsert(rec)
		}

		count := 0
		for _, rec := range r.Snapshot() {
			if rec.Id == "m1" {
				count++
			}
		}
		require.Equal(t, 1, count, "m1 occurrences")
		require.Equal(t, 2, r.Len())
	}
}

func Test_Reconciler_DuplicateKeepsExisting(t *testing.T) {
	r := newTestReconciler()
	now := time.Now()

	first := newTestRecord("m1", now)
	r.ApplyInsert(first)

	redelivered := newTestRecord("m1", now.Add(time.Minute))
	redelivered.Fields[model.FieldContent] = "other"
	require.Nil(t, r.ApplyInsert(redelivered))

	rec, found := r.Get("m1")
	require.True(t, found)
	require.Equal(t, first.CreatedAt, rec.CreatedAt)
	require.Equal(t, "content of m1", rec.Fields.String(model.FieldContent))
}

func Test_Reconciler_TiesKeepArrivalOrder(t *testing.T) {
	r := newTestReconciler()
	now := time.Now()

	r.ApplyInsert(newTestRecord("b", now))
	r.ApplyInsert(newTestRecord("a", now))
	r.ApplyInsert(newTestRecord("early", now.Add(-time.Second)))
	r.ApplyInsert(newTestRecord("c", now))

	require.Equal(t, []model.RecordID{"early", "b", "a", "c"}, r.Snapshot().Ids())
}

func Test_Reconciler_DropsMalformed(t *testing.T) {
	r := newTestReconciler()

	require.Nil(t, r.ApplyInsert(newTestRecord("", time.Now())))
	require.Nil(t, r.ApplyInsert(newTestRecord("m1", time.Time{})))

	foreign := newTestRecord("m2", time.Now())
	foreign.Scope = "proposal-2"
	require.Nil(t, r.ApplyInsert(foreign))

	require.Empty(t, r.Snapshot())
}

func Test_Reconciler_UnknownUpdateIgnored(t *testing.T) {
	r := newTestReconciler()
	r.ApplyInsert(newTestRecord("m1", time.Now()))
	before := r.Snapshot()

	require.Nil(t, r.ApplyUpdate("p1", model.Fields{model.FieldStatus: "accepted"}))
	require.Equal(t, before, r.Snapshot())
}

func Test_Reconciler_UpdateIdempotent(t *testing.T) {
	now := time.Now()
	patch := model.Fields{model.FieldRead: true, model.FieldStatus: "accepted"}

	once := newTestReconciler()
	once.ApplyInsert(newTestRecord("m1", now))
	once.ApplyInsert(newTestRecord("m2", now.Add(time.Second)))
	once.ApplyUpdate("m1", patch)

	twice := newTestReconciler()
	twice.ApplyInsert(newTestRecord("m1", now))
	twice.ApplyInsert(newTestRecord("m2", now.Add(time.Second)))
	twice.ApplyUpdate("m1", patch)
	twice.ApplyUpdate("m1", patch)

	require.Equal(t, once.Snapshot(), twice.Snapshot())

	rec, _ := twice.Get("m1")
	require.True(t, rec.Fields.Bool(model.FieldRead))
	require.Equal(t, "accepted", rec.Fields.String(model.FieldStatus))
}

func Test_Reconciler_UpdateKeepsImmutables(t *testing.T) {
	r := newTestReconciler()
	now := time.Now()
	r.ApplyInsert(newTestRecord("m1", now))

	op := r.ApplyUpdate("m1", model.Fields{
		model.FieldID:        "m9",
		model.FieldCreatedAt: now.Add(time.Hour),
		model.FieldScope:     "proposal-9",
		model.FieldRead:      true,
	})
	require.NotNil(t, op)

	rec, found := r.Get("m1")
	require.True(t, found)
	require.Equal(t, model.RecordID("m1"), rec.Id)
	require.Equal(t, now, rec.CreatedAt)
	require.Equal(t, testScope, rec.Scope)
	require.NotContains(t, rec.Fields, model.FieldID)
	require.NotContains(t, rec.Fields, model.FieldCreatedAt)
	require.True(t, rec.Fields.Bool(model.FieldRead))
}

func Test_Reconciler_Revert(t *testing.T) {
	r := newTestReconciler()
	r.ApplyInsert(newTestRecord("p1", time.Now()))

	r.ApplyUpdate("p1", model.Fields{model.FieldStatus: "accepted", model.FieldRead: true})
	r.Revert("p1", model.Fields{model.FieldRead: false}, []string{model.FieldStatus})

	rec, _ := r.Get("p1")
	require.False(t, rec.Fields.Bool(model.FieldRead))
	require.NotContains(t, rec.Fields, model.FieldStatus)
}

func Test_Reconciler_Replace(t *testing.T) {
	r := newTestReconciler()
	now := time.Now()

	r.ApplyInsert(newTestRecord("m0", now.Add(-time.Minute)))
	provisional := newTestRecord("tmp-1", now)
	provisional.Pending = true
	r.ApplyInsert(provisional)
	before := r.Snapshot()

	listOps := r.Replace("tmp-1", newTestRecord("m1", now.Add(time.Second)))
	require.Len(t, listOps, 2)
	require.Equal(t, []model.RecordID{"m0", "m1"}, r.Snapshot().Ids())

	list, err := model.ApplyListOperations(before, listOps...)
	require.NoError(t, err)
	require.Equal(t, r.Snapshot(), list)

	// authoritative record already delivered by the change feed
	r.ApplyInsert(provisional)
	r.ApplyInsert(newTestRecord("m2", now.Add(2*time.Second)))
	listOps = r.Replace("tmp-1", newTestRecord("m2", now.Add(2*time.Second)))
	require.Len(t, listOps, 1)
	require.Equal(t, []model.RecordID{"m0", "m1", "m2"}, r.Snapshot().Ids())
}

// Test checks the provisional record is removed even if the authoritative record is rejected.
func Test_Reconciler_ReplaceMalformed(t *testing.T) {
	r := newTestReconciler()
	now := time.Now()

	provisional := newTestRecord("tmp-1", now)
	provisional.Pending = true
	r.ApplyInsert(provisional)

	listOps := r.Replace("tmp-1", newTestRecord("m1", time.Time{}))
	require.Len(t, listOps, 1)
	require.Equal(t, model.DeleteOperationType, listOps[0].Type)
	require.Empty(t, r.Snapshot())

	provisional.Id = "tmp-2"
	r.ApplyInsert(provisional)
	foreign := newTestRecord("m2", now)
	foreign.Scope = "proposal-2"
	r.Replace("tmp-2", foreign)
	require.Empty(t, r.Snapshot())
	require.Error(t, r.CheckRecord(foreign))
}

func Test_Reconciler_SnapshotIsImmutable(t *testing.T) {
	r := newTestReconciler()
	now := time.Now()
	r.ApplyInsert(newTestRecord("m1", now))

	snapshot := r.Snapshot()
	r.ApplyUpdate("m1", model.Fields{model.FieldRead: true})
	r.ApplyInsert(newTestRecord("m0", now.Add(-time.Second)))

	require.Len(t, snapshot, 1)
	require.False(t, snapshot[0].Fields.Bool(model.FieldRead))
	require.Equal(t, []model.RecordID{"m0", "m1"}, r.Snapshot().Ids())
}

// Test reads snapshots while records are inserted and updated concurrently.
func Test_Reconciler_ConcurrentSnapshot(t *testing.T) {
	r := NewReconciler(logs.GetLoggerFromLevel(slog.LevelError), model.MessagesTable, testScope)
	now := time.Now()
	const n = 500

	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("m%d", i)
			r.ApplyInsert(newTestRecord(id, now.Add(time.Duration(rand.Intn(n))*time.Millisecond)))
			r.ApplyUpdate(model.RecordID(id), model.Fields{model.FieldRead: true})
		}
	}()
	go func() {
		defer wg.Done()
		prevLen := 0
		for i := 0; i < n; i++ {
			snapshot := r.Snapshot()
			require.GreaterOrEqual(t, len(snapshot), prevLen)
			requireSorted(t, snapshot)
			prevLen = len(snapshot)
		}
	}()
	wg.Wait()

	require.Equal(t, n, r.Len())
}

// Test applies events and checks that returned model.ListOperation objects can build an equal model.RecordList.
func Test_Reconciler_ModelList(t *testing.T) {
	r := newTestReconciler()
	var modelList model.RecordList
	now := time.Now()

	newInsert := func(id string, offset int) model.ChangeEvent {
		return model.ChangeEvent{
			Type:   model.InsertOperationType,
			Table:  model.MessagesTable,
			Record: newTestRecord(id, now.Add(time.Duration(offset)*time.Second)),
		}
	}
	newUpdate := func(id string) model.ChangeEvent {
		return model.ChangeEvent{
			Type:   model.UpdateOperationType,
			Table:  model.MessagesTable,
			Record: model.Record{Id: model.RecordID(id)},
			Patch:  model.Fields{model.FieldRead: true},
		}
	}

	checkLists := func(comment string, modelList model.RecordList) {
		t.Log(comment)
		t.Logf("Reconciler:\n%s", r)
		t.Logf("ModelList:\n%s", modelList)

		require.Equal(t, r.Snapshot(), modelList)
	}

	apply := func(comment string, events ...model.ChangeEvent) {
		listOps := r.ApplyEvents(events...)
		list, err := model.ApplyListOperations(modelList, listOps...)
		require.NoError(t, err)
		checkLists(comment, list)
		modelList = list
	}

	// initial inserts
	apply("inserts", newInsert("m1", 3), newInsert("m2", 1), newInsert("m3", 5), newInsert("m4", 2))
	// insert, update, duplicate, unknown update
	apply("mixed", newInsert("m5", 0), newUpdate("m1"), newInsert("m2", 1), newUpdate("m9"))
	// update twice
	apply("update twice", newUpdate("m3"), newUpdate("m3"))

	// provisional removal
	op := r.Remove("m4")
	require.NotNil(t, op)
	list, err := model.ApplyListOperations(modelList, *op)
	require.NoError(t, err)
	checkLists("remove", list)
	require.Nil(t, r.Remove("m4"))
}

func Benchmark_Reconciler_Insert(b *testing.B) {
	now := time.Now()
	objs, err := NewMockMessages(testScope, BenchStorageSize, now)
	require.NoError(b, err)
	r := newReconcilerFromRecords(logs.GetLoggerFromLevel(slog.LevelError), model.MessagesTable, testScope, objs)
	b.ResetTimer()

	for n := 0; n < b.N; n++ {
		r.ApplyInsert(newMockMessage(testScope, "bench", now.Add(-time.Duration(rand.Intn(BenchStorageSize))*time.Second)))
	}
}

func Benchmark_Reconciler_Update(b *testing.B) {
	now := time.Now()
	objs, err := NewMockMessages(testScope, BenchStorageSize, now)
	require.NoError(b, err)
	r := newReconcilerFromRecords(logs.GetLoggerFromLevel(slog.LevelError), model.MessagesTable, testScope, objs)
	b.ResetTimer()

	for n := 0; n < b.N; n++ {
		obj := objs[rand.Intn(BenchStorageSize)]
		r.ApplyUpdate(obj.Id, model.Fields{model.FieldRead: true})
	}
}
