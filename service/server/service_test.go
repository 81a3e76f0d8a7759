package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/rpc"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"github.com/itiky/marketplace-sync/backend"
	"github.com/itiky/marketplace-sync/model"
	"github.com/itiky/marketplace-sync/service/client"
)

const testScope = model.ScopeKey("proposal-1")

type testServer struct {
	svc       *MarketplaceService
	backend   *backend.Backend
	rpcServer *rpc.Server
	addr      string
	listener  net.Listener
}

// listen starts accepting RPC connections on the address.
func (s *testServer) listen(t *testing.T, addr string) {
	listener, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	s.listener = listener
	s.addr = listener.Addr().String()
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.rpcServer.ServeConn(conn)
		}
	}()
}

func newTestServer(t *testing.T, retention int) *testServer {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	b, err := backend.NewBackend(log, backend.NewMemoryTables(), 100, 0, retention)
	require.NoError(t, err)
	svc, err := NewMarketplaceService(log, b, NewMonitor(log, 0), time.Second)
	require.NoError(t, err)

	rpcServer := rpc.NewServer()
	require.NoError(t, rpcServer.Register(svc))
	svc.Start()
	t.Cleanup(svc.Stop)

	s := &testServer{svc: svc, backend: b, rpcServer: rpcServer}
	s.listen(t, "127.0.0.1:0")

	return s
}

func newTestRPCBackend(t *testing.T, addr string, pollDur time.Duration) *client.RPCBackend {
	b, err := client.DialRPCBackend(logs.GetLoggerFromLevel(slog.LevelDebug), addr, pollDur)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	return b
}

func Test_Service_RoundTrip(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t, 0)
	rpcBackend := newTestRPCBackend(t, srv.addr, 10*time.Millisecond)

	rec, err := rpcBackend.Insert(ctx, model.InsertRequest{
		Table:     model.ProposalsTable,
		Scope:     testScope,
		ClientRef: "tmp-1",
		Fields: model.Fields{
			"cover_letter":    "We cover weddings since 2010",
			"proposed_price":  1200.5,
			model.FieldStatus: string(model.ProposalPending),
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, rec.Id)
	require.EqualValues(t, "tmp-1", rec.ClientRef)
	require.Equal(t, 1200.5, rec.Fields["proposed_price"])

	updated, err := rpcBackend.Update(ctx, model.UpdateRequest{
		Table: model.ProposalsTable,
		Id:    rec.Id,
		Patch: model.Fields{model.FieldStatus: string(model.ProposalAccepted)},
	})
	require.NoError(t, err)
	require.Equal(t, string(model.ProposalAccepted), updated.Fields.String(model.FieldStatus))
	require.True(t, rec.CreatedAt.Equal(updated.CreatedAt))

	records, err := rpcBackend.List(ctx, model.ProposalsTable, testScope)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, rec.Id, records[0].Id)

	_, err = rpcBackend.Update(ctx, model.UpdateRequest{
		Table: model.ProposalsTable,
		Id:    "p9",
		Patch: model.Fields{model.FieldStatus: string(model.ProposalAccepted)},
	})
	require.Error(t, err)

	res := model.GetChangesResponse{}
	require.NoError(t, srv.svc.GetChanges(model.GetChangesRequest{Table: model.ProposalsTable, Scope: testScope, Version: 0}, &res))
	require.Equal(t, 2, res.Version)
	require.Len(t, res.Events, 2)
	require.False(t, res.Reset)

	require.Error(t, srv.svc.GetChanges(model.GetChangesRequest{Table: "jobs", Scope: testScope}, &res))
	require.Error(t, srv.svc.List(model.ListRequest{Table: model.MessagesTable}, &model.ListResponse{}))
}

// Test runs a conversation session over RPC: own messages are displayed once, others are polled.
func Test_Service_Session(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t, 0)
	rpcBackend := newTestRPCBackend(t, srv.addr, 10*time.Millisecond)

	// Stored before the session is opened
	_, err := srv.backend.Insert(ctx, model.InsertRequest{
		Table:  model.MessagesTable,
		Scope:  testScope,
		Fields: model.Fields{model.FieldSenderID: "organizer", model.FieldContent: "Welcome!"},
	})
	require.NoError(t, err)

	s, err := client.Open(ctx, client.Deps{
		Writer: rpcBackend,
		Source: rpcBackend,
		Loader: rpcBackend,
	}, model.MessagesTable, testScope)
	require.NoError(t, err)
	defer s.Close()
	require.Len(t, s.Snapshot(), 1)
	require.Equal(t, model.SubscriptionSubscribed, s.Status())

	h, err := s.SendMessage(ctx, model.MessageDraft{ProposalID: testScope, SenderID: "vendor", Content: "Hi, is the date still available?"})
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rec, err := h.Wait(waitCtx)
	require.NoError(t, err)

	// Another participant writes directly
	other, err := srv.backend.Insert(ctx, model.InsertRequest{
		Table:  model.MessagesTable,
		Scope:  testScope,
		Fields: model.Fields{model.FieldSenderID: "organizer", model.FieldContent: "Yes, it is."},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snapshot := s.Snapshot()
		return len(snapshot) == 3 && snapshot[1].Id == rec.Id && snapshot[2].Id == other.Id
	}, 5*time.Second, 10*time.Millisecond)

	for _, rec := range s.Snapshot() {
		require.False(t, rec.Pending)
	}
}

// Test checks a compacted change feed gap is closed by a scope re-fetch.
func Test_Service_ChangeFeedReset(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t, 2)
	rpcBackend := newTestRPCBackend(t, srv.addr, 200*time.Millisecond)

	s, err := client.Open(ctx, client.Deps{
		Writer: rpcBackend,
		Source: rpcBackend,
		Loader: rpcBackend,
	}, model.MessagesTable, testScope)
	require.NoError(t, err)
	defer s.Close()

	ids := make([]model.RecordID, 0, 5)
	for i := 0; i < 5; i++ {
		rec, err := srv.backend.Insert(ctx, model.InsertRequest{
			Table:  model.MessagesTable,
			Scope:  testScope,
			Fields: model.Fields{model.FieldSenderID: "organizer", model.FieldContent: "ping"},
		})
		require.NoError(t, err)
		ids = append(ids, rec.Id)
	}
	_, err = srv.backend.Update(ctx, model.UpdateRequest{
		Table: model.MessagesTable,
		Id:    ids[0],
		Patch: model.Fields{model.FieldRead: true},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snapshot := s.Snapshot()
		return len(snapshot) == 5 && snapshot[0].Fields.Bool(model.FieldRead)
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, ids, s.Snapshot().Ids())
}

// Test checks the connection loss is reported and recovered.
func Test_Service_SubscriptionLost(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t, 0)
	rpcBackend := newTestRPCBackend(t, srv.addr, 10*time.Millisecond)

	s, err := client.Open(ctx, client.Deps{
		Writer: rpcBackend,
		Source: rpcBackend,
	}, model.MessagesTable, testScope)
	require.NoError(t, err)
	defer s.Close()

	addr := srv.addr
	require.NoError(t, srv.listener.Close())
	require.NoError(t, rpcBackend.Close())

	require.Eventually(t, func() bool {
		return s.Status() == model.SubscriptionLost
	}, 5*time.Second, 10*time.Millisecond)

	// Writes fail while disconnected
	h, err := s.Submit(ctx, model.Fields{model.FieldSenderID: "vendor", model.FieldContent: "anyone?"})
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = h.Wait(waitCtx)
	require.True(t, errors.Is(err, model.ErrWriteFailure), err)
	require.Empty(t, s.Snapshot())

	srv.listen(t, addr)
	require.Eventually(t, func() bool {
		return s.Status() == model.SubscriptionSubscribed
	}, 5*time.Second, 10*time.Millisecond)
}
