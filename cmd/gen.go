package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/cobra"

	"github.com/itiky/marketplace-sync/internal/config"
	"github.com/itiky/marketplace-sync/model"
	"github.com/itiky/marketplace-sync/storage"
)

const (
	FlagFilePath     = "file-path"
	FlagMessagesSize = "messages-size"
)

// GetGenerateCmd returns generate mock data command.
func GetGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Seed a proposal conversation with mock messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Parse inputs
			cfg, err := config.LoadServer()
			if err != nil {
				return err
			}
			if cfg.Store, err = cmd.Flags().GetString(FlagStore); err != nil {
				return fmt.Errorf("%s flag: %w", FlagStore, err)
			}
			filePath, err := cmd.Flags().GetString(FlagFilePath)
			if err != nil {
				return fmt.Errorf("%s flag: %w", FlagFilePath, err)
			}
			size, err := cmd.Flags().GetInt(FlagMessagesSize)
			if err != nil {
				return fmt.Errorf("%s flag: %w", FlagMessagesSize, err)
			}
			proposalId, err := cmd.Flags().GetString(FlagProposalId)
			if err != nil {
				return fmt.Errorf("%s flag: %w", FlagProposalId, err)
			}

			switch cfg.Store {
			case config.StoreBadger:
				if filePath != "" {
					cfg.BadgerFilepath = filePath
				}
			case config.StoreSQLite:
				if filePath != "" {
					cfg.SQLiteFilepath = filePath
				}
			default:
				return fmt.Errorf("store %q: persistent store expected", cfg.Store)
			}
			if proposalId == "" {
				proposalId = uuid.New().String()
			}

			// Work
			return runGenerate(cmd.Context(), cfg, model.ScopeKey(proposalId), size)
		},
	}
	cmd.Flags().String(FlagStore, config.StoreBadger, "(optional) records store: badger, sqlite")
	cmd.Flags().String(FlagFilePath, "", "(optional) store path, the environment one if empty")
	cmd.Flags().String(FlagProposalId, "", "(optional) proposal ID (conversation), random if empty")
	cmd.Flags().Int(FlagMessagesSize, 100, "(optional) number of messages")

	return cmd
}

// runGenerate writes mock messages of a conversation to the store.
func runGenerate(ctx context.Context, cfg config.Server, scope model.ScopeKey, size int) error {
	log := logs.GetLoggerFromString(cfg.LogLevel)
	if ctx == nil {
		ctx = context.Background()
	}

	records, err := storage.NewMockMessages(scope, size, time.Now())
	if err != nil {
		return fmt.Errorf("gen failed: %w", err)
	}

	tables, closeTables, err := openTables(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer closeTables()

	table := tables[model.MessagesTable]
	for _, rec := range records {
		if err := table.Put(ctx, rec); err != nil {
			return fmt.Errorf("record (%s): put: %w", rec.Id, err)
		}
	}
	log.Info("Conversation generated", "proposal_id", scope, "messages", len(records), "store", cfg.Store)

	return nil
}

func init() {
	rootCmd.AddCommand(GetGenerateCmd())
}
