// Package sqlite persists trait history, milestone outcomes and window
// observations in SQLite row tables.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"equinecore/internal/persistence/sqlbundle"
	"equinecore/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// DefaultPath is used when no database path is configured.
const DefaultPath = "equinecore.db"

// Store is a SQLite-backed persistent store.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// ceilMillis rounds up so a sub-millisecond lower bound never admits an
// earlier stored row.
func ceilMillis(value time.Time) int64 {
	ms := toMillis(value)
	if value.Sub(time.UnixMilli(ms)) > 0 {
		ms++
	}
	return ms
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// NewStore opens the database at path, creating parent directories and
// applying the schema.
func NewStore(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Clean(path)+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, stmt := range sqlbundle.SplitStatements(sqlbundle.SQLite()) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Store{db: db, path: path}, nil
}

const historyColumns = `id, seq, subject_id, trait_name, source_type, source_id,
		        influence_score, is_epigenetic, bonding_score, stress_level, signals, created_at`

type queryExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AppendHistory inserts the entry with the next sequence number.
func (s *Store) AppendHistory(ctx context.Context, entry domain.TraitHistoryEntry) (domain.TraitHistoryEntry, error) {
	stored, err := s.CommitEvaluation(ctx, domain.Evaluation{History: []domain.TraitHistoryEntry{entry}})
	if err != nil {
		return domain.TraitHistoryEntry{}, err
	}
	return stored[0], nil
}

// CommitEvaluation writes the observation, history rows and outcome in one
// transaction.
func (s *Store) CommitEvaluation(ctx context.Context, ev domain.Evaluation) (out []domain.TraitHistoryEntry, retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if ev.Observation != nil {
		if err := upsertWindow(ctx, tx, *ev.Observation); err != nil {
			return nil, err
		}
	}
	out, err = insertHistory(ctx, tx, ev.History)
	if err != nil {
		return nil, err
	}
	if ev.Outcome != nil {
		if err := upsertOutcome(ctx, tx, *ev.Outcome); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func insertHistory(ctx context.Context, db queryExecer, entries []domain.TraitHistoryEntry) ([]domain.TraitHistoryEntry, error) {
	if len(entries) == 0 {
		return []domain.TraitHistoryEntry{}, nil
	}
	var seq int64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM trait_history`).Scan(&seq); err != nil {
		return nil, fmt.Errorf("next sequence: %w", err)
	}
	out := make([]domain.TraitHistoryEntry, 0, len(entries))
	for _, entry := range entries {
		signals, err := json.Marshal(entry.Signals)
		if err != nil {
			return nil, fmt.Errorf("encode signals: %w", err)
		}
		seq++
		entry.Sequence = seq
		entry.CreatedAt = fromMillis(toMillis(entry.CreatedAt))
		_, err = db.ExecContext(ctx,
			`INSERT INTO trait_history (`+historyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.Sequence, entry.SubjectID, entry.TraitName, string(entry.SourceType), entry.SourceID,
			entry.InfluenceScore, boolToInt(entry.IsEpigenetic), entry.BondingScore, entry.StressLevel, string(signals), toMillis(entry.CreatedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("insert history %s: %w", entry.ID, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// ListHistory returns the subject's entries in insertion order.
func (s *Store) ListHistory(ctx context.Context, subjectID string) ([]domain.TraitHistoryEntry, error) {
	return s.selectHistory(ctx, `SELECT `+historyColumns+` FROM trait_history WHERE subject_id = ? ORDER BY seq`, subjectID)
}

// QueryHistory filters, orders and pages the subject's history in SQL.
func (s *Store) QueryHistory(ctx context.Context, subjectID string, filter domain.HistoryFilter) ([]domain.TraitHistoryEntry, error) {
	query := `SELECT ` + historyColumns + ` FROM trait_history WHERE subject_id = ?`
	args := []any{subjectID}
	if filter.SourceType != "" {
		query += ` AND source_type = ?`
		args = append(args, string(filter.SourceType))
	}
	if filter.IsEpigenetic != nil {
		query += ` AND is_epigenetic = ?`
		args = append(args, boolToInt(*filter.IsEpigenetic))
	}
	if filter.From != nil {
		query += ` AND created_at >= ?`
		args = append(args, ceilMillis(*filter.From))
	}
	if filter.To != nil {
		query += ` AND created_at <= ?`
		args = append(args, toMillis(*filter.To))
	}
	limit := -1
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query += ` ORDER BY created_at DESC, seq DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	out, err := s.selectHistory(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.TraitHistoryEntry{}
	}
	return out, nil
}

func (s *Store) selectHistory(ctx context.Context, query string, args ...any) ([]domain.TraitHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.TraitHistoryEntry
	for rows.Next() {
		var (
			e          domain.TraitHistoryEntry
			source     string
			epigenetic int
			signals    string
			created    int64
		)
		if err := rows.Scan(&e.ID, &e.Sequence, &e.SubjectID, &e.TraitName, &source, &e.SourceID,
			&e.InfluenceScore, &epigenetic, &e.BondingScore, &e.StressLevel, &signals, &created); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.SourceType = domain.SourceType(source)
		e.IsEpigenetic = epigenetic != 0
		e.CreatedAt = fromMillis(created)
		if signals != "" && signals != "null" {
			if err := json.Unmarshal([]byte(signals), &e.Signals); err != nil {
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

// PurgeHistory deletes every history row.
func (s *Store) PurgeHistory(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM trait_history`)
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	return int(n), nil
}

// FindMilestoneOutcome loads the stored outcome for (subject, milestone).
func (s *Store) FindMilestoneOutcome(ctx context.Context, subjectID, milestone string) (domain.MilestoneOutcome, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM milestone_outcomes WHERE subject_id = ? AND milestone = ?`, subjectID, milestone).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MilestoneOutcome{}, false, nil
	}
	if err != nil {
		return domain.MilestoneOutcome{}, false, fmt.Errorf("select milestone outcome: %w", err)
	}
	var out domain.MilestoneOutcome
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return domain.MilestoneOutcome{}, false, fmt.Errorf("decode milestone outcome: %w", err)
	}
	return out, true, nil
}

// SaveMilestoneOutcome upserts the outcome for (subject, milestone).
func (s *Store) SaveMilestoneOutcome(ctx context.Context, outcome domain.MilestoneOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsertOutcome(ctx, s.db, outcome)
}

func upsertOutcome(ctx context.Context, db queryExecer, outcome domain.MilestoneOutcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode milestone outcome: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO milestone_outcomes(subject_id, milestone, payload) VALUES(?,?,?)
		 ON CONFLICT(subject_id, milestone) DO UPDATE SET payload=excluded.payload`,
		outcome.SubjectID, outcome.Milestone, string(payload)); err != nil {
		return fmt.Errorf("upsert milestone outcome: %w", err)
	}
	return nil
}

// FindWindowObservation loads the subject's window high-water mark.
func (s *Store) FindWindowObservation(ctx context.Context, subjectID string) (domain.WindowObservation, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM window_observations WHERE subject_id = ?`, subjectID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WindowObservation{}, false, nil
	}
	if err != nil {
		return domain.WindowObservation{}, false, fmt.Errorf("select window observation: %w", err)
	}
	var out domain.WindowObservation
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return domain.WindowObservation{}, false, fmt.Errorf("decode window observation: %w", err)
	}
	return out, true, nil
}

// SaveWindowObservation upserts the subject's window high-water mark.
func (s *Store) SaveWindowObservation(ctx context.Context, obs domain.WindowObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsertWindow(ctx, s.db, obs)
}

func upsertWindow(ctx context.Context, db queryExecer, obs domain.WindowObservation) error {
	payload, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("encode window observation: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO window_observations(subject_id, payload) VALUES(?,?)
		 ON CONFLICT(subject_id) DO UPDATE SET payload=excluded.payload`,
		obs.SubjectID, string(payload)); err != nil {
		return fmt.Errorf("upsert window observation: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
