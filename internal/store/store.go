package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zinc-sig/harness/internal/output"
)

// ErrDuplicateRun is returned when a run ID was already saved
var ErrDuplicateRun = errors.New("run already recorded")

const uniqueViolation = "23505"

// Tx is the part of *sql.Tx the store writes through
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// Beginner starts transactions
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// SQLDB adapts *sql.DB to Beginner
type SQLDB struct {
	DB *sql.DB
}

// Begin starts a read-write transaction
func (s SQLDB) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Store records runs, verdicts and units
type Store struct {
	db     Beginner
	logger *zap.Logger
}

// New returns a store writing through db
func New(db Beginner, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("store")}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS harness_runs (
		run_id      TEXT PRIMARY KEY,
		started_at  TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL,
		status      TEXT NOT NULL,
		pass_rate   NUMERIC(5,1) NOT NULL,
		summary     JSONB NOT NULL,
		context     JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS harness_verdicts (
		run_id  TEXT NOT NULL REFERENCES harness_runs(run_id) ON DELETE CASCADE,
		name    TEXT NOT NULL,
		version TEXT NOT NULL,
		verdict TEXT NOT NULL,
		reason  TEXT,
		error   TEXT,
		PRIMARY KEY (run_id, name, version)
	)`,
	`CREATE TABLE IF NOT EXISTS harness_units (
		run_id      TEXT NOT NULL,
		name        TEXT NOT NULL,
		version     TEXT NOT NULL,
		package_id  TEXT NOT NULL,
		options     JSONB NOT NULL,
		build       TEXT NOT NULL,
		run         TEXT NOT NULL,
		exit_code   INTEGER,
		signal      TEXT,
		duration_ms BIGINT NOT NULL,
		reason      TEXT,
		PRIMARY KEY (run_id, name, version, package_id),
		FOREIGN KEY (run_id, name, version) REFERENCES harness_verdicts(run_id, name, version) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS harness_verdicts_recipe_idx ON harness_verdicts (name, version)`,
}

// Migrate creates the tables when they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	return s.inTx(ctx, func(tx Tx) error {
		for _, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		return nil
	})
}

// SaveReport writes a run with its verdicts and units in one transaction
func (s *Store) SaveReport(ctx context.Context, report *output.Report) error {
	summary, err := json.Marshal(report.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	var runContext any
	if report.Context != nil {
		data, err := json.Marshal(report.Context)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
		runContext = string(data)
	}
	passRate, err := decimal.NewFromString(report.PassRate)
	if err != nil {
		return fmt.Errorf("invalid pass rate %q: %w", report.PassRate, err)
	}

	err = s.inTx(ctx, func(tx Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO harness_runs (run_id, started_at, finished_at, status, pass_rate, summary, context)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (run_id) DO NOTHING`,
			report.RunID,
			report.StartedAt,
			report.FinishedAt,
			report.Status,
			passRate,
			string(summary),
			runContext,
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrDuplicateRun
		}

		for _, rec := range report.Recipes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO harness_verdicts (run_id, name, version, verdict, reason, error)
				VALUES ($1,$2,$3,$4,$5,$6)`,
				report.RunID, rec.Name, rec.Version, rec.Verdict, nullString(rec.Reason), nullString(rec.Error),
			); err != nil {
				return fmt.Errorf("insert verdict %s/%s: %w", rec.Name, rec.Version, err)
			}
			for _, cfg := range rec.Configurations {
				if err := insertUnit(ctx, tx, report.RunID, rec, cfg); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return classify(err)
	}

	s.logger.Debug("run recorded", zap.String("run_id", report.RunID), zap.Int("recipes", len(report.Recipes)))
	return nil
}

func insertUnit(ctx context.Context, tx Tx, runID string, rec output.Recipe, cfg output.Configuration) error {
	options, err := json.Marshal(cfg.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	var exitCode any
	if cfg.ExitCode != nil {
		exitCode = *cfg.ExitCode
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO harness_units (run_id, name, version, package_id, options, build, run, exit_code, signal, duration_ms, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		runID, rec.Name, rec.Version, cfg.PackageID, string(options), cfg.Build, cfg.Run,
		exitCode, nullString(cfg.Signal), cfg.DurationMs, nullString(cfg.Reason),
	); err != nil {
		return fmt.Errorf("insert unit %s/%s %s: %w", rec.Name, rec.Version, cfg.PackageID, err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// classify maps unique violations to ErrDuplicateRun
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, pgErr.ConstraintName)
	}
	return err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
