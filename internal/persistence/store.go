// Package persistence implements the relational contract on SQLite.
package persistence

import (
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/AGENTORCH/internal/events"
	"github.com/AGENTORCH/internal/types"
)

//go:embed migrations/001_core_tables.sql
var migration001 string

//go:embed migrations/002_indexes.sql
var migration002 string

// migrations lists every schema step in application order. Each applied
// step is recorded in schema_migrations with the hash of its SQL, so a
// later edit to an already-applied file fails loudly instead of silently
// diverging from the deployed schema.
var migrations = []struct {
	name string
	sql  string
}{
	{"001_core_tables", migration001},
	{"002_indexes", migration002},
}

// Store is the SQLite-backed persistence layer.
// Multi-row state transitions commit in one transaction or roll back.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (creating if needed) the database at path
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	store := &Store{db: db, path: path}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate db: %w", err)
	}
	return store, nil
}

// migrate applies pending schema migrations in order, recording each
// with the hash of its SQL
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		sum := sha256.Sum256([]byte(m.sql))
		hash := hex.EncodeToString(sum[:])

		var applied string
		err := s.db.QueryRow(`SELECT hash FROM schema_migrations WHERE name = ?`, m.name).Scan(&applied)
		switch {
		case err == sql.ErrNoRows:
			// Pending: apply and record inside one transaction
			if err := s.inTx(func(tx *sql.Tx) error {
				if _, err := tx.Exec(m.sql); err != nil {
					return fmt.Errorf("failed to run migration %s: %w", m.name, err)
				}
				if _, err := tx.Exec(`INSERT INTO schema_migrations (name, hash, applied_at) VALUES (?, ?, ?)`,
					m.name, hash, time.Now()); err != nil {
					return fmt.Errorf("failed to record migration %s: %w", m.name, err)
				}
				return nil
			}); err != nil {
				return err
			}
			log.Printf("[DB] Applied migration %s", m.name)
		case err != nil:
			return fmt.Errorf("failed to check migration %s: %w", m.name, err)
		case applied != hash:
			return fmt.Errorf("migration %s drifted: recorded hash %s, embedded %s", m.name, applied[:8], hash[:8])
		}
	}
	return nil
}

// Close releases the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAgent upserts an agent row
func (s *Store) SaveAgent(p *types.AgentProfile) error {
	caps, _ := json.Marshal(p.Capabilities)
	perf, _ := json.Marshal(p.Performance)
	load, _ := json.Marshal(p.Load)

	_, err := s.db.Exec(`
		INSERT INTO agents (id, name, model_family, capabilities, performance_history, load, status, status_reason, registered_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			capabilities=excluded.capabilities,
			performance_history=excluded.performance_history,
			load=excluded.load,
			status=excluded.status,
			status_reason=excluded.status_reason,
			last_active_at=excluded.last_active_at`,
		p.ID, p.Name, p.ModelFamily, string(caps), string(perf), string(load),
		string(p.Status), p.StatusReason, p.RegisteredAt, p.LastActiveAt)
	if err != nil {
		return types.Wrap(types.ErrInternal, err, "failed to save agent")
	}
	return nil
}

// DeleteAgent removes an agent row
func (s *Store) DeleteAgent(id string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return types.Wrap(types.ErrInternal, err, "failed to delete agent")
	}
	return nil
}

// SaveTask upserts a task row with optimistic concurrency: a write whose
// version is not newer than the stored row loses the race.
func (s *Store) SaveTask(t *types.Task) error {
	return s.inTx(func(tx *sql.Tx) error {
		return saveTaskTx(tx, t)
	})
}

// saveTaskTx writes the task row inside an open transaction
func saveTaskTx(tx *sql.Tx, t *types.Task) error {
	var currentVersion int64
	err := tx.QueryRow(`SELECT version FROM tasks WHERE id = ?`, t.ID).Scan(&currentVersion)
	switch {
	case err == sql.ErrNoRows:
		// First write for this task
	case err != nil:
		return types.Wrap(types.ErrInternal, err, "failed to read task version")
	case currentVersion >= t.Version:
		return types.EField(types.ErrConflict, t.ID, "stale task write: stored version %d >= %d", currentVersion, t.Version)
	}

	metadata, _ := json.Marshal(t.Metadata)
	var assignment interface{}
	if t.Assignment != nil {
		data, _ := json.Marshal(t.Assignment)
		assignment = string(data)
	}
	var deadline interface{}
	if !t.Deadline.IsZero() {
		deadline = t.Deadline
	}

	_, err = tx.Exec(`
		INSERT INTO tasks (id, submitted_at, priority, description, task_kind, spec_id, risk_tier, metadata,
			assignment, state, state_reason, attempts, max_attempts, deadline, verdict_id, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			assignment=excluded.assignment,
			state=excluded.state,
			state_reason=excluded.state_reason,
			attempts=excluded.attempts,
			deadline=excluded.deadline,
			verdict_id=excluded.verdict_id,
			version=excluded.version`,
		t.ID, t.SubmittedAt, int(t.Priority), t.Description, t.TaskKind, t.SpecID, t.RiskTier, string(metadata),
		assignment, string(t.State), t.StateReason, t.Attempts, t.MaxAttempts, deadline, nullIfEmpty(t.VerdictID), t.Version)
	if err != nil {
		return types.Wrap(types.ErrInternal, err, "failed to save task")
	}
	return nil
}

// SaveCompletion atomically persists the terminal task, its manifest,
// and the verdict in one transaction.
func (s *Store) SaveCompletion(t *types.Task, outcome *types.TaskOutcome, verdict *types.Verdict) error {
	return s.inTx(func(tx *sql.Tx) error {
		if err := saveTaskTx(tx, t); err != nil {
			return err
		}

		if t.Manifest != nil {
			res, err := tx.Exec(`INSERT INTO artifacts (task_id, total_size, created_at) VALUES (?, ?, ?)`,
				t.ID, t.Manifest.TotalSize, t.Manifest.CreatedAt)
			if err != nil {
				return types.Wrap(types.ErrInternal, err, "failed to save manifest")
			}
			manifestID, err := res.LastInsertId()
			if err != nil {
				return types.Wrap(types.ErrInternal, err, "failed to read manifest id")
			}
			for _, f := range t.Manifest.Files {
				if _, err := tx.Exec(`
					INSERT INTO artifact_files (manifest_id, relative_path, byte_size, sha256, created_at)
					VALUES (?, ?, ?, ?, ?)`,
					manifestID, f.RelativePath, f.ByteSize, f.SHA256, f.CreatedAt); err != nil {
					return types.Wrap(types.ErrInternal, err, "failed to save artifact file")
				}
			}
			if _, err := tx.Exec(`UPDATE tasks SET manifest_id = ? WHERE id = ?`, manifestID, t.ID); err != nil {
				return types.Wrap(types.ErrInternal, err, "failed to link manifest")
			}
		}

		if verdict != nil {
			if err := saveVerdictTx(tx, verdict); err != nil {
				return err
			}
		}
		_ = outcome
		return nil
	})
}

// SaveVerdict inserts an immutable verdict row; duplicates conflict
func (s *Store) SaveVerdict(v *types.Verdict) error {
	return s.inTx(func(tx *sql.Tx) error {
		return saveVerdictTx(tx, v)
	})
}

// saveVerdictTx writes one verdict inside an open transaction
func saveVerdictTx(tx *sql.Tx, v *types.Verdict) error {
	data, err := json.Marshal(v)
	if err != nil {
		return types.Wrap(types.ErrInternal, err, "failed to encode verdict")
	}
	_, err = tx.Exec(`
		INSERT INTO verdicts (id, task_id, outcome, data, prior_verdict_id, issued_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.TaskID, string(v.Outcome), string(data), nullIfEmpty(v.PriorVerdictID), v.IssuedAt)
	if err != nil {
		return types.Wrap(types.ErrConflict, err, "verdict insert failed (immutable rows)")
	}
	return nil
}

// GetVerdict reads a stored verdict
func (s *Store) GetVerdict(id string) (*types.Verdict, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM verdicts WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, types.EField(types.ErrNotFound, id, "unknown verdict")
	}
	if err != nil {
		return nil, types.Wrap(types.ErrInternal, err, "failed to read verdict")
	}
	var v types.Verdict
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, types.Wrap(types.ErrInternal, err, "failed to decode verdict")
	}
	return &v, nil
}

// GetTask reads one stored task row
func (s *Store) GetTask(id string) (*types.Task, error) {
	row := s.db.QueryRow(`
		SELECT id, submitted_at, priority, description, task_kind, spec_id, risk_tier, metadata,
			assignment, state, state_reason, attempts, max_attempts, verdict_id, version
		FROM tasks WHERE id = ?`, id)

	var t types.Task
	var priority int
	var metadata string
	var assignment, verdictID, specID, stateReason sql.NullString
	var riskTier sql.NullInt64
	err := row.Scan(&t.ID, &t.SubmittedAt, &priority, &t.Description, &t.TaskKind, &specID, &riskTier,
		&metadata, &assignment, (*string)(&t.State), &stateReason, &t.Attempts, &t.MaxAttempts, &verdictID, &t.Version)
	if err == sql.ErrNoRows {
		return nil, types.EField(types.ErrNotFound, id, "unknown task")
	}
	if err != nil {
		return nil, types.Wrap(types.ErrInternal, err, "failed to read task")
	}

	t.Priority = types.TaskPriority(priority)
	t.SpecID = specID.String
	t.StateReason = stateReason.String
	t.VerdictID = verdictID.String
	if riskTier.Valid {
		t.RiskTier = int(riskTier.Int64)
	}
	if metadata != "" {
		_ = json.Unmarshal([]byte(metadata), &t.Metadata)
	}
	if assignment.Valid && assignment.String != "" {
		var a types.Assignment
		if err := json.Unmarshal([]byte(assignment.String), &a); err == nil {
			t.Assignment = &a
		}
	}
	return &t, nil
}

// SaveEvents appends a flushed event batch in one transaction
func (s *Store) SaveEvents(batch []*events.Event) error {
	return s.inTx(func(tx *sql.Tx) error {
		for _, e := range batch {
			payload := string(e.CanonicalPayload())
			if _, err := tx.Exec(`
				INSERT INTO performance_events (seq, id, kind, topic, actor_id, subject_id, priority, payload, created_at, prev_hash, hash)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.Seq, e.ID, string(e.Kind), string(e.Topic), e.ActorID, e.SubjectID, e.Priority,
				payload, e.CreatedAt, e.PrevHash, e.Hash); err != nil {
				return types.Wrap(types.ErrInternal, err, "failed to append event")
			}
		}
		return nil
	})
}

// EventsSince reads stored events with seq > after, oldest first
func (s *Store) EventsSince(after int64, limit int) ([]*events.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(`
		SELECT seq, id, kind, topic, actor_id, subject_id, priority, payload, created_at, prev_hash, hash
		FROM performance_events WHERE seq > ? ORDER BY seq ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, types.Wrap(types.ErrInternal, err, "failed to query events")
	}
	defer rows.Close()

	var result []*events.Event
	for rows.Next() {
		var e events.Event
		var payload string
		var actor, subject sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, (*string)(&e.Kind), (*string)(&e.Topic), &actor, &subject,
			&e.Priority, &payload, &e.CreatedAt, &e.PrevHash, &e.Hash); err != nil {
			return nil, types.Wrap(types.ErrInternal, err, "failed to scan event")
		}
		e.ActorID = actor.String
		e.SubjectID = subject.String
		_ = json.Unmarshal([]byte(payload), &e.Payload)
		result = append(result, &e)
	}
	return result, rows.Err()
}

// AppendProvenance writes one ledger entry append-only
func (s *Store) AppendProvenance(entry *types.ProvenanceEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO provenance_entries (id, type, ts, spec_id, subject_id, actor, metadata, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Type, entry.Timestamp, entry.SpecID, entry.SubjectID, entry.Actor,
		entry.Metadata, entry.PrevHash, entry.Hash)
	if err != nil {
		return types.Wrap(types.ErrInternal, err, "failed to append provenance entry")
	}
	return nil
}

// SaveRule stores one versioned rule row
func (s *Store) SaveRule(r *types.Rule) error {
	data, _ := json.Marshal(r)
	_, err := s.db.Exec(`
		INSERT INTO rules (id, version, data) VALUES (?, ?, ?)
		ON CONFLICT(id, version) DO UPDATE SET data=excluded.data`,
		r.ID, r.Version, string(data))
	if err != nil {
		return types.Wrap(types.ErrInternal, err, "failed to save rule")
	}
	return nil
}

// SaveWaiver stores one waiver row
func (s *Store) SaveWaiver(w *types.Waiver) error {
	data, _ := json.Marshal(w)
	_, err := s.db.Exec(`
		INSERT INTO waivers (id, version, data) VALUES (?, '1', ?)
		ON CONFLICT(id, version) DO UPDATE SET data=excluded.data`,
		w.ID, string(data))
	if err != nil {
		return types.Wrap(types.ErrInternal, err, "failed to save waiver")
	}
	return nil
}

// PruneEvents deletes events older than the retention horizon
func (s *Store) PruneEvents(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM performance_events WHERE created_at < ?`, before)
	if err != nil {
		return 0, types.Wrap(types.ErrInternal, err, "failed to prune events")
	}
	return res.RowsAffected()
}

// inTx runs fn inside a transaction, rolling back on error
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return types.Wrap(types.ErrInternal, err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return types.Wrap(types.ErrInternal, err, "failed to commit transaction")
	}
	return nil
}

// nullIfEmpty maps "" to NULL for nullable text columns
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
