package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/itiky/marketplace-sync/model"
)

const rpcServiceName = "MarketplaceService"

// RPCBackend implements Writer, Loader and a polling EventSource on top of the RPC server.
type RPCBackend struct {
	log       *slog.Logger
	serverUrl string
	pollDur   time.Duration
	//
	mu        sync.Mutex
	rpcClient *rpc.Client
}

// Insert implements Writer interface.
func (b *RPCBackend) Insert(ctx context.Context, req model.InsertRequest) (model.Record, error) {
	res := model.InsertResponse{}
	if err := b.call(ctx, "Insert", req, &res); err != nil {
		return model.Record{}, err
	}

	return res.Record, nil
}

// Update implements Writer interface.
func (b *RPCBackend) Update(ctx context.Context, req model.UpdateRequest) (model.Record, error) {
	res := model.UpdateResponse{}
	if err := b.call(ctx, "Update", req, &res); err != nil {
		return model.Record{}, err
	}

	return res.Record, nil
}

// List implements Loader interface.
func (b *RPCBackend) List(ctx context.Context, table model.Table, scope model.ScopeKey) ([]model.Record, error) {
	res := model.ListResponse{}
	if err := b.call(ctx, "List", model.ListRequest{Table: table, Scope: scope}, &res); err != nil {
		return nil, err
	}

	return res.Records, nil
}

// Subscribe implements EventSource interface: the change feed is polled every pollDur.
func (b *RPCBackend) Subscribe(ctx context.Context, table model.Table, scope model.ScopeKey, handler model.ChangeHandler) (model.Subscription, error) {
	// Start from the latest version, older changes are covered by the initial fetch
	res := model.GetChangesResponse{}
	if err := b.call(ctx, "GetChanges", model.GetChangesRequest{Table: table, Scope: scope, Version: -1}, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSubscriptionLost, err)
	}

	sub := &pollSubscription{
		backend: b,
		table:   table,
		scope:   scope,
		handler: handler,
		version: res.Version,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	handler.Status(model.SubscriptionSubscribed)
	go sub.worker()

	return sub, nil
}

// Close closes the RPC connection.
func (b *RPCBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rpcClient == nil {
		return nil
	}
	err := b.rpcClient.Close()
	b.rpcClient = nil

	return err
}

// call performs the RPC call, the connection is re-dialed after a shutdown.
func (b *RPCBackend) call(ctx context.Context, method string, req, res interface{}) error {
	client, err := b.client()
	if err != nil {
		return err
	}

	call := client.Go(rpcServiceName+"."+method, req, res, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
	case <-ctx.Done():
		return fmt.Errorf("rpc (%s): %w", method, ctx.Err())
	}

	if call.Error != nil {
		if errors.Is(call.Error, rpc.ErrShutdown) {
			b.reset(client)
		}
		return fmt.Errorf("rpc (%s): %w", method, call.Error)
	}

	return nil
}

func (b *RPCBackend) client() (*rpc.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rpcClient != nil {
		return b.rpcClient, nil
	}

	client, err := rpc.Dial("tcp", b.serverUrl)
	if err != nil {
		return nil, fmt.Errorf("rpc.Dial(%s): %w", b.serverUrl, err)
	}
	b.rpcClient = client

	return client, nil
}

func (b *RPCBackend) reset(client *rpc.Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rpcClient == client {
		_ = b.rpcClient.Close()
		b.rpcClient = nil
	}
}

// pollSubscription implements model.Subscription by polling the change feed.
type pollSubscription struct {
	backend *RPCBackend
	table   model.Table
	scope   model.ScopeKey
	handler model.ChangeHandler
	version int
	lost    bool
	//
	once   sync.Once
	stopCh chan struct{}
	doneCh chan struct{}
}

// Unsubscribe implements model.Subscription interface.
// No event is delivered once Unsubscribe returns.
func (s *pollSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.stopCh)
		<-s.doneCh
		s.handler.Status(model.SubscriptionClosed)
	})
}

// worker does the actual job.
func (s *pollSubscription) worker() {
	defer close(s.doneCh)

	pollCh := time.NewTicker(s.backend.pollDur)
	defer pollCh.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-pollCh.C:
			if err := s.poll(); err != nil {
				if !s.lost {
					s.lost = true
					s.backend.log.Warn("Change feed poll failed", "table", s.table, "scope", s.scope, "error", err)
					s.handler.Status(model.SubscriptionLost)
				}
				continue
			}
			if s.lost {
				s.lost = false
				s.backend.log.Info("Change feed recovered", "table", s.table, "scope", s.scope, "version", s.version)
				s.handler.Status(model.SubscriptionSubscribed)
			}
		}
	}
}

// poll requests events published after the local cursor and dispatches them.
func (s *pollSubscription) poll() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.backend.pollDur*5)
	defer cancel()

	req := model.GetChangesRequest{Table: s.table, Scope: s.scope, Version: s.version}
	res := model.GetChangesResponse{}
	if err := s.backend.call(ctx, "GetChanges", req, &res); err != nil {
		return err
	}

	if res.Reset {
		return s.refetch(ctx, res.Version)
	}

	for _, event := range res.Events {
		select {
		case <-s.stopCh:
			return nil
		default:
		}
		if err := s.handler.Dispatch(event); err != nil {
			s.backend.log.Warn("Event dropped", "error", err)
		}
	}
	s.version = res.Version

	return nil
}

// refetch closes a compacted gap: the scope records are re-delivered as inserts followed by full updates.
func (s *pollSubscription) refetch(ctx context.Context, version int) error {
	records, err := s.backend.List(ctx, s.table, s.scope)
	if err != nil {
		return err
	}

	s.backend.log.Info("Change feed gap, scope re-fetched", "table", s.table, "scope", s.scope, "records", len(records))
	for _, rec := range records {
		_ = s.handler.Dispatch(model.ChangeEvent{Type: model.InsertOperationType, Table: s.table, Record: rec})
		_ = s.handler.Dispatch(model.ChangeEvent{Type: model.UpdateOperationType, Table: s.table, Record: rec, Patch: rec.Fields})
	}
	s.version = version

	return nil
}

// DialRPCBackend connects to the RPC server, retrying while the connection is refused.
func DialRPCBackend(log *slog.Logger, serverUrl string, pollDur time.Duration) (*RPCBackend, error) {
	const (
		numOfRetries     = 120
		retryFallbackDur = 500 * time.Millisecond
	)

	if pollDur <= 0 {
		return nil, fmt.Errorf("%s: must be GT 0", "pollDur")
	}

	b := &RPCBackend{
		log:       log,
		serverUrl: serverUrl,
		pollDur:   pollDur,
	}

	for retry := 0; retry < numOfRetries; retry++ {
		client, err := rpc.Dial("tcp", serverUrl)
		if err == nil {
			b.rpcClient = client
			break
		}

		if netErr, ok := err.(*net.OpError); ok {
			if sysErr, ok := netErr.Err.(*os.SyscallError); ok {
				if sysErr.Err == syscall.ECONNREFUSED {
					time.Sleep(retryFallbackDur)
					continue
				}
			}
		}

		return nil, fmt.Errorf("rpc.Dial(%s): %w", serverUrl, err)
	}
	if b.rpcClient == nil {
		return nil, fmt.Errorf("RPC connection failed after %d retries with %v fallback", numOfRetries, retryFallbackDur)
	}

	return b, nil
}

// NewRPCBackend wraps an established RPC connection.
func NewRPCBackend(log *slog.Logger, rpcClient *rpc.Client, pollDur time.Duration) *RPCBackend {
	return &RPCBackend{
		log:       log,
		pollDur:   pollDur,
		rpcClient: rpcClient,
	}
}
