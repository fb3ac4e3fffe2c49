package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/hpi.report/internal/monitoring"
	"github.com/banshee-data/hpi.report/internal/pipeline"
	"github.com/banshee-data/hpi.report/internal/timeutil"
)

// RunSummary is one row of the runs table.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	CreatedAt  time.Time `json:"created_at"`
	ConfigJSON string    `json:"config_json,omitempty"`
	CBSAs      int       `json:"cbsas"`
	Records    int       `json:"records"`
	Conditions int       `json:"conditions"`
}

// Store persists pipeline results.
type Store struct {
	db    *DB
	clock timeutil.Clock
}

// NewStore creates a new Store. A nil clock uses the wall clock.
func NewStore(db *DB, clock timeutil.Clock) *Store {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Store{db: db, clock: clock}
}

// retryOnBusy retries f while SQLite reports the database as locked.
func retryOnBusy(f func() error) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = f()
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// SaveRun writes a run and all of its artifacts in one transaction and
// returns the generated run id.
func (s *Store) SaveRun(ctx context.Context, configJSON []byte, res *pipeline.Result) (string, error) {
	runID := uuid.New().String()
	err := retryOnBusy(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := s.saveRunTx(ctx, tx, runID, configJSON, res); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", fmt.Errorf("save run: %w", err)
	}
	monitoring.Logf("[db] saved run %s: %d records, %d conditions", runID, len(res.Records), len(res.Conditions))
	return runID, nil
}

func (s *Store) saveRunTx(ctx context.Context, tx *sql.Tx, runID string, configJSON []byte, res *pipeline.Result) error {
	cbsas := make(map[string]bool)
	for _, p := range res.Partitions {
		cbsas[p.CBSA] = true
	}
	var cfg interface{}
	if len(configJSON) > 0 {
		cfg = string(configJSON)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, created_at, config_json, cbsas, records, conditions)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, s.clock.Now().UnixNano(), cfg, len(cbsas), len(res.Records), len(res.Conditions),
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	regs := make(map[string]int)
	for i, r := range res.Regressions {
		regs[r.SupertractID] = i
	}
	stStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO supertracts (
			run_id, cbsa_id, year, supertract_id, tracts, centroid_lat, centroid_lon,
			half_pairs, half_pairs_prev, degenerate, delta, r_squared, observations
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stStmt.Close()
	for _, p := range res.Partitions {
		for _, u := range p.Units {
			var delta, r2, obs interface{}
			if i, ok := regs[u.ID]; ok {
				r := res.Regressions[i]
				delta, r2, obs = r.Delta, r.Fit.RSquared, r.Fit.Observations
			}
			if _, err := stStmt.ExecContext(ctx,
				runID, u.CBSA, u.Year, u.ID, strings.Join(u.Tracts, ","), u.Centroid.Lat(), u.Centroid.Lon(),
				u.HalfPairs, u.HalfPairsPrev, p.Degenerate, delta, r2, obs,
			); err != nil {
				return fmt.Errorf("insert supertract %s: %w", u.ID, err)
			}
		}
	}

	rateStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO city_rates (run_id, cbsa_id, year, scheme, rate, units, skipped_units)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer rateStmt.Close()
	for _, r := range res.Rates {
		if _, err := rateStmt.ExecContext(ctx, runID, r.CBSA, r.Year, r.Scheme, r.Rate, r.Units, r.SkippedUnits); err != nil {
			return fmt.Errorf("insert rate %s/%d/%s: %w", r.CBSA, r.Year, r.Scheme, err)
		}
	}

	idxStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO index_values (run_id, cbsa_id, year, scheme, index_value, rate, gap)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer idxStmt.Close()
	for _, r := range res.Records {
		if _, err := idxStmt.ExecContext(ctx, runID, r.CBSA, r.Year, r.Scheme, r.Value, r.Rate, r.Gap); err != nil {
			return fmt.Errorf("insert index value %s/%d/%s: %w", r.CBSA, r.Year, r.Scheme, err)
		}
	}

	condStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conditions (run_id, seq, kind, cbsa_id, year, scheme, units, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer condStmt.Close()
	for i, c := range res.Conditions {
		if _, err := condStmt.ExecContext(ctx, runID, i, string(c.Kind), c.CBSA, c.Year, c.Scheme, strings.Join(c.Units, ","), c.Detail); err != nil {
			return fmt.Errorf("insert condition %d: %w", i, err)
		}
	}
	return nil
}

// Runs lists saved runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, created_at, COALESCE(config_json, ''), cbsas, records, conditions
		FROM runs ORDER BY created_at DESC, run_id`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var created int64
		if err := rows.Scan(&r.RunID, &created, &r.ConfigJSON, &r.CBSAs, &r.Records, &r.Conditions); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// IndexValues returns a run's index records ordered by CBSA, year and scheme.
func (s *Store) IndexValues(ctx context.Context, runID string) ([]pipeline.IndexRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cbsa_id, year, scheme, index_value, rate, gap
		FROM index_values WHERE run_id = ?
		ORDER BY cbsa_id, year, scheme`, runID)
	if err != nil {
		return nil, fmt.Errorf("query index values: %w", err)
	}
	defer rows.Close()

	var out []pipeline.IndexRecord
	for rows.Next() {
		var r pipeline.IndexRecord
		if err := rows.Scan(&r.CBSA, &r.Year, &r.Scheme, &r.Value, &r.Rate, &r.Gap); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Conditions returns a run's conditions in their saved order.
func (s *Store) Conditions(ctx context.Context, runID string) ([]monitoring.Condition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COALESCE(cbsa_id, ''), COALESCE(year, 0), COALESCE(scheme, ''), COALESCE(units, ''), COALESCE(detail, '')
		FROM conditions WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query conditions: %w", err)
	}
	defer rows.Close()

	var out []monitoring.Condition
	for rows.Next() {
		var c monitoring.Condition
		var kind, units string
		if err := rows.Scan(&kind, &c.CBSA, &c.Year, &c.Scheme, &units, &c.Detail); err != nil {
			return nil, err
		}
		c.Kind = monitoring.ConditionKind(kind)
		if units != "" {
			c.Units = strings.Split(units, ",")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and, through cascading keys, its artifacts.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	return retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("run %s not found", runID)
		}
		return nil
	})
}
