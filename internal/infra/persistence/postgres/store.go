// Package postgres provides a Postgres-backed persistent store. Trait history
// lives in a row table; milestone outcomes and window observations are JSONB
// rows keyed by subject. Reads are served from an in-memory working set that is
// hydrated on open and updated only after each transaction commits.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"equinecore/internal/infra/persistence/memory"
	"equinecore/internal/persistence/sqlbundle"
	"equinecore/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/equinecore?sslmode=disable"
)

const historyColumns = `id, seq, subject_id, trait_name, source_type, source_id, influence_score, is_epigenetic, bonding_score, stress_level, signals, created_at`

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to Postgres while serving reads from memory.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to defaultDSN).
// It applies the schema and hydrates the in-memory working set from the tables.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := applyDDL(ctx, db, sqlbundle.Postgres()); err != nil {
		return nil, err
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore()
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func applyDDL(ctx context.Context, db execer, ddl string) error {
	for _, stmt := range sqlbundle.SplitStatements(ddl) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	snapshot := memory.Snapshot{
		Milestones: map[string]domain.MilestoneOutcome{},
		Windows:    map[string]domain.WindowObservation{},
	}
	history, err := loadHistory(ctx, db)
	if err != nil {
		return memory.Snapshot{}, err
	}
	snapshot.History = history
	err = loadPayloads(ctx, db, `SELECT payload FROM milestone_outcomes`, "milestone outcome", func(payload []byte) error {
		var o domain.MilestoneOutcome
		if err := json.Unmarshal(payload, &o); err != nil {
			return err
		}
		snapshot.Milestones[memory.MilestoneKey(o.SubjectID, o.Milestone)] = o
		return nil
	})
	if err != nil {
		return memory.Snapshot{}, err
	}
	err = loadPayloads(ctx, db, `SELECT payload FROM window_observations`, "window observation", func(payload []byte) error {
		var o domain.WindowObservation
		if err := json.Unmarshal(payload, &o); err != nil {
			return err
		}
		snapshot.Windows[o.SubjectID] = o
		return nil
	})
	if err != nil {
		return memory.Snapshot{}, err
	}
	return snapshot, nil
}

func loadHistory(ctx context.Context, db *sql.DB) ([]domain.TraitHistoryEntry, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+historyColumns+` FROM trait_history ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.TraitHistoryEntry
	for rows.Next() {
		var (
			e       domain.TraitHistoryEntry
			source  string
			signals []byte
			created time.Time
		)
		if err := rows.Scan(&e.ID, &e.Sequence, &e.SubjectID, &e.TraitName, &source, &e.SourceID,
			&e.InfluenceScore, &e.IsEpigenetic, &e.BondingScore, &e.StressLevel, &signals, &created); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.SourceType = domain.SourceType(source)
		e.CreatedAt = created.UTC()
		if len(signals) > 0 && string(signals) != "null" {
			if err := json.Unmarshal(signals, &e.Signals); err != nil {
				return nil, fmt.Errorf("decode signals for %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

func loadPayloads(ctx context.Context, db *sql.DB, query, what string, decode func([]byte) error) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("select %s: %w", what, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("scan %s: %w", what, err)
		}
		if err := decode(payload); err != nil {
			return fmt.Errorf("decode %s: %w", what, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", what, err)
	}
	return nil
}

// CommitEvaluation writes the observation, history rows and outcome in one
// transaction, then applies them to the working set.
func (s *Store) CommitEvaluation(ctx context.Context, ev domain.Evaluation) ([]domain.TraitHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged, err := s.Stage(ev)
	if err != nil {
		return nil, err
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if ev.Observation != nil {
			if err := upsertWindow(ctx, tx, *ev.Observation); err != nil {
				return err
			}
		}
		for _, entry := range staged {
			if err := insertHistory(ctx, tx, entry); err != nil {
				return err
			}
		}
		if ev.Outcome != nil {
			return upsertOutcome(ctx, tx, *ev.Outcome)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Store.CommitEvaluation(ctx, ev)
}

// AppendHistory inserts one history row.
func (s *Store) AppendHistory(ctx context.Context, entry domain.TraitHistoryEntry) (domain.TraitHistoryEntry, error) {
	stored, err := s.CommitEvaluation(ctx, domain.Evaluation{History: []domain.TraitHistoryEntry{entry}})
	if err != nil {
		return domain.TraitHistoryEntry{}, err
	}
	return stored[0], nil
}

// SaveMilestoneOutcome upserts one outcome row.
func (s *Store) SaveMilestoneOutcome(ctx context.Context, outcome domain.MilestoneOutcome) error {
	_, err := s.CommitEvaluation(ctx, domain.Evaluation{Outcome: &outcome})
	return err
}

// SaveWindowObservation upserts one observation row.
func (s *Store) SaveWindowObservation(ctx context.Context, obs domain.WindowObservation) error {
	_, err := s.CommitEvaluation(ctx, domain.Evaluation{Observation: &obs})
	return err
}

// PurgeHistory deletes every history row.
func (s *Store) PurgeHistory(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM trait_history`); err != nil {
			return fmt.Errorf("purge history: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return s.Store.PurgeHistory(ctx)
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func insertHistory(ctx context.Context, db execer, e domain.TraitHistoryEntry) error {
	signals, err := json.Marshal(e.Signals)
	if err != nil {
		return fmt.Errorf("encode signals: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO trait_history(`+historyColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		e.ID, e.Sequence, e.SubjectID, e.TraitName, string(e.SourceType), e.SourceID,
		e.InfluenceScore, e.IsEpigenetic, e.BondingScore, e.StressLevel, signals, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert history %s: %w", e.ID, err)
	}
	return nil
}

func upsertOutcome(ctx context.Context, db execer, o domain.MilestoneOutcome) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode milestone outcome: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO milestone_outcomes(subject_id,milestone,payload) VALUES($1,$2,$3) ON CONFLICT(subject_id,milestone) DO UPDATE SET payload=EXCLUDED.payload`,
		o.SubjectID, o.Milestone, payload); err != nil {
		return fmt.Errorf("upsert milestone outcome: %w", err)
	}
	return nil
}

func upsertWindow(ctx context.Context, db execer, o domain.WindowObservation) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode window observation: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO window_observations(subject_id,payload) VALUES($1,$2) ON CONFLICT(subject_id) DO UPDATE SET payload=EXCLUDED.payload`,
		o.SubjectID, payload); err != nil {
		return fmt.Errorf("upsert window observation: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
