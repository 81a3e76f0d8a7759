package storage

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/itiky/marketplace-sync/model"
)

var mockPhrases = []string{
	"Hi, is the date still available?",
	"Yes, we are free on that weekend.",
	"Could you share a few photos of past events?",
	"Sure, sending the portfolio link.",
	"What is included in the price?",
	"Setup, two operators and the equipment.",
	"Sounds good, let's confirm.",
}

// NewMockMessages builds n confirmed messages of a conversation, sorted by creation time.
// Messages are spread over the last n seconds before now and alternate between two senders.
func NewMockMessages(scope model.ScopeKey, n int, now time.Time) ([]model.Record, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%s: must be GT 0", "n")
	}

	senders := []string{uuid.New().String(), uuid.New().String()}
	objs := make([]model.Record, 0, n)
	for i := 0; i < n; i++ {
		objs = append(objs, newMockMessage(scope, senders[i%2], now.Add(-time.Duration(rand.Int63n(int64(n)))*time.Second)))
	}

	sort.SliceStable(objs, func(i, j int) bool {
		return objs[i].CreatedAt.Before(objs[j].CreatedAt)
	})

	return objs, nil
}

// MockPhrase returns a random chat phrase.
func MockPhrase() string {
	return mockPhrases[rand.Intn(len(mockPhrases))]
}

// newMockMessage builds a mock message.
func newMockMessage(scope model.ScopeKey, senderId string, createdAt time.Time) model.Record {
	return model.Record{
		Id:        model.RecordID(uuid.New().String()),
		Scope:     scope,
		CreatedAt: createdAt.UTC(),
		Fields: model.Fields{
			model.FieldSenderID: senderId,
			model.FieldContent:  MockPhrase(),
			model.FieldRead:     false,
		},
	}
}

// newReconcilerFromRecords builds a Reconciler from sorted records.
func newReconcilerFromRecords(log *slog.Logger, table model.Table, scope model.ScopeKey, objs []model.Record) *Reconciler {
	r := NewReconciler(log, table, scope)

	r.list = make([]*entry, 0, len(objs))
	for idx := range objs {
		e := &entry{Record: objs[idx]}
		r.idDataMatch[e.Id] = e
		r.list = append(r.list, e)
	}
	r.publish()

	return r
}
