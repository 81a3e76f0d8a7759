package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/cobra"

	"github.com/itiky/marketplace-sync/internal/config"
	"github.com/itiky/marketplace-sync/model"
	"github.com/itiky/marketplace-sync/service/client"
)

const (
	FlagServerUrl   = "server-url"
	FlagSenderId    = "sender-id"
	FlagProposalId  = "proposal-id"
	FlagSendPeriod  = "send-period"
	FlagPollPeriod  = "poll-period"
	FlagPrintPeriod = "print-period"
	FlagStdin       = "stdin"
)

// GetClientCmd returns RPC-client start command.
func GetClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Join a proposal conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Parse inputs, flags override the environment
			cfg, err := config.LoadClient()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed(FlagServerUrl) {
				if cfg.ServerUrl, err = cmd.Flags().GetString(FlagServerUrl); err != nil {
					return fmt.Errorf("%s flag: %w", FlagServerUrl, err)
				}
			}
			if cmd.Flags().Changed(FlagSendPeriod) {
				if cfg.SendPeriod, err = cmd.Flags().GetDuration(FlagSendPeriod); err != nil {
					return fmt.Errorf("%s flag: %w", FlagSendPeriod, err)
				}
			}
			if cmd.Flags().Changed(FlagPollPeriod) {
				if cfg.PollPeriod, err = cmd.Flags().GetDuration(FlagPollPeriod); err != nil {
					return fmt.Errorf("%s flag: %w", FlagPollPeriod, err)
				}
			}
			if cmd.Flags().Changed(FlagPrintPeriod) {
				if cfg.PrintPeriod, err = cmd.Flags().GetDuration(FlagPrintPeriod); err != nil {
					return fmt.Errorf("%s flag: %w", FlagPrintPeriod, err)
				}
			}
			senderId, err := cmd.Flags().GetString(FlagSenderId)
			if err != nil {
				return fmt.Errorf("%s flag: %w", FlagSenderId, err)
			}
			proposalId, err := cmd.Flags().GetString(FlagProposalId)
			if err != nil {
				return fmt.Errorf("%s flag: %w", FlagProposalId, err)
			}
			stdin, err := cmd.Flags().GetBool(FlagStdin)
			if err != nil {
				return fmt.Errorf("%s flag: %w", FlagStdin, err)
			}

			if senderId == "" {
				senderId = uuid.New().String()
			}

			return runClient(cfg, senderId, model.ScopeKey(proposalId), stdin)
		},
	}
	cmd.Flags().String(FlagSenderId, "", "(optional) participant ID, random if empty")
	cmd.Flags().String(FlagProposalId, "", "proposal ID (conversation)")
	cmd.Flags().String(FlagServerUrl, "127.0.0.1:2412", "(optional) server url")
	cmd.Flags().Duration(FlagSendPeriod, 0, "(optional) generated messages send period, disabled if 0")
	cmd.Flags().Duration(FlagPollPeriod, 500*time.Millisecond, "(optional) change feed poll period")
	cmd.Flags().Duration(FlagPrintPeriod, 2*time.Second, "(optional) conversation print period")
	cmd.Flags().Bool(FlagStdin, true, "(optional) send stdin lines as messages")
	_ = cmd.MarkFlagRequired(FlagProposalId)

	return cmd
}

// runClient runs the chat client until a signal is received.
func runClient(cfg config.Client, senderId string, scope model.ScopeKey, stdin bool) error {
	log := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Init service
	rpcBackend, err := client.DialRPCBackend(log, cfg.ServerUrl, cfg.PollPeriod)
	if err != nil {
		return fmt.Errorf("RPC backend: %w", err)
	}

	var input io.Reader
	if stdin {
		input = os.Stdin
	}
	svc, err := client.NewClient(log, rpcBackend, client.NewMonitor(log, cfg.MonitorPeriod), senderId, scope, cfg.SendPeriod, cfg.PrintPeriod, input, os.Stdout)
	if err != nil {
		_ = rpcBackend.Close()
		return fmt.Errorf("client init: %w", err)
	}

	if err := svc.Start(ctx); err != nil {
		_ = rpcBackend.Close()
		return err
	}

	// Wait for signal
	<-ctx.Done()
	svc.Stop()

	return nil
}

func init() {
	rootCmd.AddCommand(GetClientCmd())
}
