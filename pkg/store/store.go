// Package store persists graphs, credit accounts, the reservation
// journal and run history in SQLite. The reservation journal is what
// makes a crash safe: an open reservation survives the process and is
// released by Reconcile on the next start, so credits are never lost to
// work that did not complete.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/reelsmith/reelsmith/pkg/credits"
	"github.com/reelsmith/reelsmith/pkg/workflow"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS graphs (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS accounts (
	id            TEXT PRIMARY KEY,
	monthly_limit INTEGER NOT NULL,
	monthly_used  INTEGER NOT NULL,
	bonus         INTEGER NOT NULL,
	rollover      INTEGER NOT NULL,
	period_start  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS reservations (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	credits    INTEGER NOT NULL,
	state      TEXT NOT NULL,
	created_at TEXT NOT NULL,
	closed_at  TEXT
);
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	graph_id     TEXT NOT NULL,
	account_id   TEXT NOT NULL,
	node_count   INTEGER NOT NULL,
	credits_used INTEGER NOT NULL,
	duration_ms  INTEGER NOT NULL,
	failed       INTEGER NOT NULL,
	results      TEXT NOT NULL,
	started_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_account ON runs(account_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_reservations_state ON reservations(state);
`

// Open opens (creating if needed) the database at path. Use ":memory:"
// for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// from concurrent workers journaling reservations.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// ─── graphs ──────────────────────────────────────────────────────────────────

// SaveGraph upserts a graph, serialized as JSON, for an account.
func (s *Store) SaveGraph(accountID string, g *workflow.Graph) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO graphs (id, account_id, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		g.ID, accountID, string(data), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save graph %q: %w", g.ID, err)
	}
	return nil
}

// LoadGraph fetches a graph owned by accountID.
func (s *Store) LoadGraph(accountID, graphID string) (*workflow.Graph, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM graphs WHERE id = ? AND account_id = ?`,
		graphID, accountID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load graph %q: %w", graphID, err)
	}
	var g workflow.Graph
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, fmt.Errorf("unmarshal graph %q: %w", graphID, err)
	}
	return &g, nil
}

// ─── accounts ────────────────────────────────────────────────────────────────

// GetAccount fetches an account by id.
func (s *Store) GetAccount(id string) (credits.Account, error) {
	var a credits.Account
	var periodStart string
	err := s.db.QueryRow(`
		SELECT id, monthly_limit, monthly_used, bonus, rollover, period_start
		FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.MonthlyLimit, &a.MonthlyUsed, &a.Bonus, &a.Rollover, &periodStart)
	if errors.Is(err, sql.ErrNoRows) {
		return credits.Account{}, ErrNotFound
	}
	if err != nil {
		return credits.Account{}, fmt.Errorf("get account %q: %w", id, err)
	}
	if t, perr := time.Parse(time.RFC3339, periodStart); perr == nil {
		a.PeriodStart = t
	}
	return a, nil
}

// PutAccount upserts an account's balances.
func (s *Store) PutAccount(a credits.Account) error {
	_, err := s.db.Exec(`
		INSERT INTO accounts (id, monthly_limit, monthly_used, bonus, rollover, period_start)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			monthly_limit = excluded.monthly_limit,
			monthly_used  = excluded.monthly_used,
			bonus         = excluded.bonus,
			rollover      = excluded.rollover,
			period_start  = excluded.period_start`,
		a.ID, a.MonthlyLimit, a.MonthlyUsed, a.Bonus, a.Rollover,
		a.PeriodStart.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("put account %q: %w", a.ID, err)
	}
	return nil
}

// ─── reservation journal (credits.Journal) ───────────────────────────────────

// ReservationOpened records a newly opened reservation.
func (s *Store) ReservationOpened(r credits.Reservation) error {
	_, err := s.db.Exec(`
		INSERT INTO reservations (id, account_id, credits, state, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.AccountID, r.Credits, string(credits.ReservationOpen),
		r.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("journal reservation %q: %w", r.ID, err)
	}
	return nil
}

// ReservationClosed marks a reservation settled or released.
func (s *Store) ReservationClosed(id string, settled bool) error {
	state := credits.ReservationReleased
	if settled {
		state = credits.ReservationSettled
	}
	_, err := s.db.Exec(`UPDATE reservations SET state = ?, closed_at = ? WHERE id = ?`,
		string(state), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("close reservation %q: %w", id, err)
	}
	return nil
}

// AccountUpdated persists the account balances after a settle.
func (s *Store) AccountUpdated(a credits.Account) error {
	return s.PutAccount(a)
}

// Reconcile releases every reservation left open by a previous process.
// A reservation that is still open at startup belongs to work that
// never settled; the credits were never recorded as used, so marking
// the hold released restores the exact pre-crash balance. Returns the
// number of reservations released.
func (s *Store) Reconcile() (int, error) {
	res, err := s.db.Exec(`UPDATE reservations SET state = ?, closed_at = ? WHERE state = ?`,
		string(credits.ReservationReleased), time.Now().UTC().Format(time.RFC3339),
		string(credits.ReservationOpen))
	if err != nil {
		return 0, fmt.Errorf("reconcile reservations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ─── run history ─────────────────────────────────────────────────────────────

// RunRecord is one saved workflow run.
type RunRecord struct {
	ID          string          `json:"id"`
	GraphID     string          `json:"graph_id"`
	AccountID   string          `json:"account_id"`
	NodeCount   int             `json:"node_count"`
	CreditsUsed int             `json:"credits_used"`
	DurationMS  int64           `json:"duration_ms"`
	Failed      bool            `json:"failed"`
	Results     json.RawMessage `json:"results"`
	StartedAt   time.Time       `json:"started_at"`
}

// SaveRun appends a run record to the history.
func (s *Store) SaveRun(r RunRecord) error {
	failed := 0
	if r.Failed {
		failed = 1
	}
	results := r.Results
	if results == nil {
		results = json.RawMessage("[]")
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, graph_id, account_id, node_count, credits_used, duration_ms, failed, results, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.GraphID, r.AccountID, r.NodeCount, r.CreditsUsed, r.DurationMS,
		failed, string(results), r.StartedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save run %q: %w", r.ID, err)
	}
	return nil
}

// ListRuns returns an account's run history, most recent first.
func (s *Store) ListRuns(accountID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, graph_id, account_id, node_count, credits_used, duration_ms, failed, results, started_at
		FROM runs WHERE account_id = ? ORDER BY started_at DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun fetches one run record.
func (s *Store) GetRun(accountID, runID string) (RunRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, graph_id, account_id, node_count, credits_used, duration_ms, failed, results, started_at
		FROM runs WHERE id = ? AND account_id = ?`, runID, accountID)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrNotFound
	}
	return r, err
}

func scanRun(scan func(...any) error) (RunRecord, error) {
	var r RunRecord
	var failed int
	var results, startedAt string
	if err := scan(&r.ID, &r.GraphID, &r.AccountID, &r.NodeCount, &r.CreditsUsed,
		&r.DurationMS, &failed, &results, &startedAt); err != nil {
		return RunRecord{}, err
	}
	r.Failed = failed != 0
	r.Results = json.RawMessage(results)
	if t, err := time.Parse(time.RFC3339, startedAt); err == nil {
		r.StartedAt = t
	}
	return r, nil
}
