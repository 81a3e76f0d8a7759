package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/itiky/marketplace-sync/backend"
	"github.com/itiky/marketplace-sync/model"
)

// MarketplaceService implements an RPC server service.
type MarketplaceService struct {
	log *slog.Logger
	// Config
	writeTimeout time.Duration
	// State
	backend *backend.Backend
	monitor *Monitor
}

// Insert creates a new record.
func (s *MarketplaceService) Insert(req model.InsertRequest, res *model.InsertResponse) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	rec, err := s.backend.Insert(ctx, req)
	s.monitor.WriteHandled(err != nil)
	if err != nil {
		s.log.Warn("Insert failed", "table", req.Table, "scope", req.Scope, "client_ref", req.ClientRef, "error", err)
		return err
	}
	res.Record = rec

	return nil
}

// Update patches an existing record.
func (s *MarketplaceService) Update(req model.UpdateRequest, res *model.UpdateResponse) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	rec, err := s.backend.Update(ctx, req)
	s.monitor.WriteHandled(err != nil)
	if err != nil {
		s.log.Warn("Update failed", "table", req.Table, "id", req.Id, "error", err)
		return err
	}
	res.Record = rec

	return nil
}

// List returns the stored records of a scope.
func (s *MarketplaceService) List(req model.ListRequest, res *model.ListResponse) error {
	if req.Scope == "" {
		return fmt.Errorf("%s: empty", "Scope")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	records, err := s.backend.List(ctx, req.Table, req.Scope)
	if err != nil {
		return err
	}
	res.Records = records

	return nil
}

// GetChanges returns the scope change events published after the request version.
func (s *MarketplaceService) GetChanges(req model.GetChangesRequest, res *model.GetChangesResponse) error {
	start := time.Now()

	if err := req.Table.Validate(); err != nil {
		return err
	}
	*res = s.backend.GetChanges(req)

	s.monitor.DiffRequestServed(time.Since(start))

	return nil
}

// Start starts the service workers.
func (s *MarketplaceService) Start() {
	s.log.Info("MarketplaceService: start")
	s.backend.Start()
	s.monitor.Start()
}

// Stop stops the service workers.
func (s *MarketplaceService) Stop() {
	s.backend.Stop()
	s.monitor.Stop()
	s.log.Info("MarketplaceService: stop")
}

// NewMarketplaceService creates a new MarketplaceService object.
func NewMarketplaceService(log *slog.Logger, b *backend.Backend, monitor *Monitor, writeTimeout time.Duration) (*MarketplaceService, error) {
	if b == nil {
		return nil, fmt.Errorf("%s: nil", "backend")
	}
	if writeTimeout <= 0 {
		return nil, fmt.Errorf("%s: must be GT 0", "writeTimeout")
	}
	if monitor == nil {
		monitor = NewMonitor(log, 0)
	}

	return &MarketplaceService{
		log:          log,
		writeTimeout: writeTimeout,
		backend:      b,
		monitor:      monitor,
	}, nil
}
