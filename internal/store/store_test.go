package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zinc-sig/harness/internal/output"
)

type stmt struct {
	query string
	args  []any
}

type fakeTx struct {
	db         *fakeDB
	stmts      []stmt
	committed  bool
	rolledBack bool
}

func (t *fakeTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	t.stmts = append(t.stmts, stmt{query: query, args: args})
	for prefix, err := range t.db.failOn {
		if strings.Contains(query, prefix) {
			return nil, err
		}
	}
	rows := int64(1)
	if strings.Contains(query, "harness_runs") && t.db.duplicate {
		rows = 0
	}
	return driverResult(rows), nil
}

func (t *fakeTx) Commit() error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback() error {
	t.rolledBack = true
	return nil
}

type driverResult int64

func (r driverResult) LastInsertId() (int64, error) { return 0, errors.New("unsupported") }
func (r driverResult) RowsAffected() (int64, error) { return int64(r), nil }

type fakeDB struct {
	txs       []*fakeTx
	beginErr  error
	failOn    map[string]error
	duplicate bool
}

func (d *fakeDB) Begin(ctx context.Context) (Tx, error) {
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	tx := &fakeTx{db: d}
	d.txs = append(d.txs, tx)
	return tx, nil
}

func report() *output.Report {
	one := 1
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &output.Report{
		RunID:      "run-1",
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Status:     "failed",
		PassRate:   "66.7",
		Context:    map[string]any{"pipeline": "nightly"},
		Recipes: []output.Recipe{
			{
				Name: "zlib", Version: "1.3", Verdict: "fail",
				Configurations: []output.Configuration{
					{Options: map[string]string{"shared": "true"}, PackageID: "aaaaaaaaaaaa", Build: "ok", Run: "nonzero_exit", ExitCode: &one, DurationMs: 10},
					{Options: map[string]string{"shared": "false"}, PackageID: "bbbbbbbbbbbb", Build: "toolchain_unavailable", Run: "skipped", Reason: "missing tools: cmake"},
				},
			},
			{Name: "foobar", Version: "1.0", Verdict: "pass"},
		},
	}
}

func TestMigrate(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, New(db, zaptest.NewLogger(t)).Migrate(context.Background()))

	require.Len(t, db.txs, 1)
	tx := db.txs[0]
	assert.True(t, tx.committed)
	require.Len(t, tx.stmts, len(schema))
	assert.Contains(t, tx.stmts[0].query, "harness_runs")
	assert.Contains(t, tx.stmts[1].query, "harness_verdicts")
	assert.Contains(t, tx.stmts[2].query, "harness_units")
}

func TestSaveReport(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, New(db, nil).SaveReport(context.Background(), report()))

	require.Len(t, db.txs, 1)
	tx := db.txs[0]
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
	// run, 2 verdicts, 2 units
	require.Len(t, tx.stmts, 5)

	run := tx.stmts[0]
	assert.Contains(t, run.query, "ON CONFLICT (run_id) DO NOTHING")
	assert.Equal(t, "run-1", run.args[0])
	assert.True(t, decimal.RequireFromString("66.7").Equal(run.args[4].(decimal.Decimal)))
	assert.JSONEq(t, `{"pipeline":"nightly"}`, run.args[6].(string))

	verdict := tx.stmts[1]
	assert.Equal(t, []any{"run-1", "zlib", "1.3", "fail", nil, nil}, verdict.args)

	failing := tx.stmts[2]
	assert.Equal(t, "aaaaaaaaaaaa", failing.args[3])
	assert.JSONEq(t, `{"shared":"true"}`, failing.args[4].(string))
	assert.Equal(t, 1, failing.args[7])

	skipped := tx.stmts[3]
	assert.Nil(t, skipped.args[7], "no exit code for a unit that never ran")
	assert.Equal(t, "missing tools: cmake", skipped.args[10])

	assert.Contains(t, tx.stmts[4].query, "harness_verdicts")
	assert.Equal(t, "foobar", tx.stmts[4].args[1])
}

func TestSaveReportWithoutContext(t *testing.T) {
	db := &fakeDB{}
	r := report()
	r.Context = nil
	require.NoError(t, New(db, nil).SaveReport(context.Background(), r))
	assert.Nil(t, db.txs[0].stmts[0].args[6])
}

func TestSaveReportErrors(t *testing.T) {
	t.Run("duplicate run id", func(t *testing.T) {
		db := &fakeDB{duplicate: true}
		err := New(db, nil).SaveReport(context.Background(), report())
		assert.ErrorIs(t, err, ErrDuplicateRun)
		assert.True(t, db.txs[0].rolledBack)
		assert.Len(t, db.txs[0].stmts, 1)
	})

	t.Run("unique violation", func(t *testing.T) {
		db := &fakeDB{failOn: map[string]error{
			"harness_units": &pgconn.PgError{Code: "23505", ConstraintName: "harness_units_pkey"},
		}}
		err := New(db, nil).SaveReport(context.Background(), report())
		assert.ErrorIs(t, err, ErrDuplicateRun)
		assert.ErrorContains(t, err, "harness_units_pkey")
		assert.True(t, db.txs[0].rolledBack)
		assert.False(t, db.txs[0].committed)
	})

	t.Run("other database error", func(t *testing.T) {
		boom := errors.New("connection reset")
		db := &fakeDB{failOn: map[string]error{"harness_verdicts": boom}}
		err := New(db, nil).SaveReport(context.Background(), report())
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, ErrDuplicateRun)
		assert.ErrorContains(t, err, "insert verdict zlib/1.3")
	})

	t.Run("begin", func(t *testing.T) {
		db := &fakeDB{beginErr: errors.New("pool closed")}
		assert.ErrorContains(t, New(db, nil).SaveReport(context.Background(), report()), "begin: pool closed")
	})

	t.Run("bad pass rate", func(t *testing.T) {
		r := report()
		r.PassRate = "n/a"
		db := &fakeDB{}
		assert.Error(t, New(db, nil).SaveReport(context.Background(), r))
		assert.Empty(t, db.txs)
	})
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig("postgres://localhost/harness").Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no url", func(c *Config) { c.URL = "" }},
		{"no ping timeout", func(c *Config) { c.PingTimeout = 0 }},
		{"no connections", func(c *Config) { c.MaxOpenConns = 0 }},
		{"too many idle", func(c *Config) { c.MaxIdleConns = c.MaxOpenConns + 1 }},
		{"negative lifetime", func(c *Config) { c.ConnMaxLifetime = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("postgres://localhost/harness")
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.ErrorContains(t, err, "database URL is required")
}
