package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/cobra"

	"github.com/itiky/marketplace-sync/backend"
	"github.com/itiky/marketplace-sync/internal/config"
	"github.com/itiky/marketplace-sync/service/server"
)

const (
	FlagPort        = "port"
	FlagStore       = "store"
	FlagBatchChSize = "batch-ch-size"
	FlagBatchPeriod = "batch-period"
)

// GetServerCmd returns RPC-server start command.
func GetServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start RPC server",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Parse inputs, flags override the environment
			cfg, err := config.LoadServer()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed(FlagPort) {
				if cfg.Port, err = cmd.Flags().GetInt(FlagPort); err != nil {
					return fmt.Errorf("%s flag: %w", FlagPort, err)
				}
			}
			if cmd.Flags().Changed(FlagStore) {
				if cfg.Store, err = cmd.Flags().GetString(FlagStore); err != nil {
					return fmt.Errorf("%s flag: %w", FlagStore, err)
				}
			}
			if cmd.Flags().Changed(FlagBatchChSize) {
				if cfg.BufferSize, err = cmd.Flags().GetInt(FlagBatchChSize); err != nil {
					return fmt.Errorf("%s flag: %w", FlagBatchChSize, err)
				}
			}
			if cmd.Flags().Changed(FlagBatchPeriod) {
				if cfg.BatchPeriod, err = cmd.Flags().GetDuration(FlagBatchPeriod); err != nil {
					return fmt.Errorf("%s flag: %w", FlagBatchPeriod, err)
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runServer(cfg)
		},
	}
	cmd.Flags().Int(FlagPort, 2412, "(optional) server port")
	cmd.Flags().String(FlagStore, "memory", "(optional) records store: memory, badger, sqlite")
	cmd.Flags().Int(FlagBatchChSize, 1000, "(optional) change events channel limit")
	cmd.Flags().Duration(FlagBatchPeriod, 100*time.Millisecond, "(optional) change events publishing period, published right away if 0")

	return cmd
}

// runServer serves the MarketplaceService until a signal is received.
func runServer(cfg config.Server) error {
	log := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Init service
	tables, closeTables, err := openTables(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer closeTables()

	b, err := backend.NewBackend(log, tables, cfg.BufferSize, cfg.BatchPeriod, cfg.ChangeRetention)
	if err != nil {
		return fmt.Errorf("backend init: %w", err)
	}
	svc, err := server.NewMarketplaceService(log, b, server.NewMonitor(log, cfg.MonitorPeriod), cfg.WriteTimeout)
	if err != nil {
		return fmt.Errorf("service init: %w", err)
	}

	// Start server
	rpcServer := rpc.NewServer()
	if err := rpcServer.Register(svc); err != nil {
		return fmt.Errorf("RPC server: register: %w", err)
	}
	svc.Start()
	defer svc.Stop()

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Port))
	if err != nil {
		return fmt.Errorf("RPC server: listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					errCh <- fmt.Errorf("RPC server: accept: %w", err)
				}
				return
			}
			go rpcServer.ServeConn(conn)
		}
	}()
	log.Info("RPC server started", "port", cfg.Port, "store", cfg.Store, "batch_period", cfg.BatchPeriod)

	// Wait for signal or error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errCh:
		_ = listener.Close()
		return err
	}
	_ = listener.Close()

	return nil
}

func init() {
	rootCmd.AddCommand(GetServerCmd())
}
