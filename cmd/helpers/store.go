package helpers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zinc-sig/harness/internal/output"
	"github.com/zinc-sig/harness/internal/store"
)

// SaveReport records the run in the history database at url
func SaveReport(ctx context.Context, url string, migrate bool, report *output.Report, logger *zap.Logger) error {
	db, err := store.Open(ctx, store.DefaultConfig(url))
	if err != nil {
		return fmt.Errorf("failed to connect to run history database: %w", err)
	}
	defer func() { _ = db.Close() }()

	s := store.New(store.SQLDB{DB: db}, logger)
	if migrate {
		if err := s.Migrate(ctx); err != nil {
			return err
		}
	}
	if err := s.SaveReport(ctx, report); err != nil {
		return fmt.Errorf("failed to record run %s: %w", report.RunID, err)
	}
	logger.Info("run recorded in history database", zap.String("run_id", report.RunID))
	return nil
}
