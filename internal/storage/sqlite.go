package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for conversations, messages,
// supervision cases, and the outbound job queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "caddie.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Conversations ---

// CreateConversation inserts a new conversation at version 0.
// A concurrent insert of the same id surfaces as ErrVersionConflict so the
// caller can reload and retry.
func (s *Store) CreateConversation(c Conversation) error {
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, channel, thread_id, state, override_active, version, last_activity_at, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		c.ID, c.Channel, c.ThreadID, c.State, boolToInt(c.OverrideActive),
		c.LastActivityAt.UTC().Format(time.RFC3339), c.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrVersionConflict
	}
	return err
}

func (s *Store) GetConversation(id string) (Conversation, error) {
	var c Conversation
	var override int
	var lastActivity, createdAt string
	err := s.db.QueryRow(`
		SELECT id, channel, thread_id, state, override_active, version, last_activity_at, created_at
		FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Channel, &c.ThreadID, &c.State, &override, &c.Version, &lastActivity, &createdAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	c.OverrideActive = override != 0
	if c.LastActivityAt, err = time.Parse(time.RFC3339, lastActivity); err != nil {
		return Conversation{}, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return c, nil
}

// ApplyTransition commits one conversation state transition: the version is
// bumped and the state/override fields updated, conditional on the expected
// prior version, and any messages produced by the transition are appended in
// the same transaction with sequence numbers continuing the timeline.
// Returns ErrVersionConflict without side effects when another writer got
// there first.
func (s *Store) ApplyTransition(convID string, expectedVersion int64, newState string, overrideActive bool, msgs ...Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transition: %w", err)
	}
	defer tx.Rollback()

	if err := transitionTx(tx, convID, expectedVersion, newState, overrideActive, msgs...); err != nil {
		return err
	}
	return tx.Commit()
}

func transitionTx(tx *sql.Tx, convID string, expectedVersion int64, newState string, overrideActive bool, msgs ...Message) error {
	now := time.Now().UTC().Format(time.RFC3339)

	res, err := tx.Exec(`
		UPDATE conversations
		SET state = ?, override_active = ?, version = version + 1, last_activity_at = ?
		WHERE id = ? AND version = ?`,
		newState, boolToInt(overrideActive), now, convID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}

	var nextSeq int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`, convID).Scan(&nextSeq); err != nil {
		return fmt.Errorf("computing next seq: %w", err)
	}

	for i, m := range msgs {
		_, err := tx.Exec(`
			INSERT INTO messages (conversation_id, seq, id, role, text, redacted_text, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			convID, nextSeq+int64(i), m.ID, m.Role, m.Text, m.RedactedText,
			m.CreatedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("appending message %s: %w", m.ID, err)
		}
	}

	return nil
}

// GetMessages returns the conversation timeline in sequence order.
// limit <= 0 returns all messages.
func (s *Store) GetMessages(convID string, limit int) ([]Message, error) {
	query := `
		SELECT conversation_id, seq, id, role, text, redacted_text, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq ASC`
	args := []interface{}{convID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ConversationID, &m.Seq, &m.ID, &m.Role, &m.Text, &m.RedactedText, &createdAt); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for message %s: %w", m.ID, err)
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// RecordRedaction stores the redacted text for a message together with the
// findings that produced it. Messages are otherwise immutable.
func (s *Store) RecordRedaction(messageID, redacted string, findings []Finding) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning redaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE messages SET redacted_text = ? WHERE id = ?`, redacted, messageID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	for _, f := range findings {
		_, err := tx.Exec(`
			INSERT INTO pii_findings (message_id, category, span_start, span_end, confidence)
			VALUES (?, ?, ?, ?, ?)`,
			messageID, f.Category, f.Start, f.End, f.Confidence,
		)
		if err != nil {
			return fmt.Errorf("inserting finding: %w", err)
		}
	}

	return tx.Commit()
}

// GetFindings returns the PII findings recorded for a message.
func (s *Store) GetFindings(messageID string) ([]Finding, error) {
	rows, err := s.db.Query(`
		SELECT message_id, category, span_start, span_end, confidence
		FROM pii_findings WHERE message_id = ? ORDER BY span_start ASC`, messageID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Finding
	for rows.Next() {
		var f Finding
		if err := rows.Scan(&f.MessageID, &f.Category, &f.Start, &f.End, &f.Confidence); err != nil {
			return nil, err
		}
		results = append(results, f)
	}
	return results, rows.Err()
}

// --- Supervision cases ---

func (s *Store) CreateCase(c Case) error {
	_, err := s.db.Exec(`
		INSERT INTO supervision_cases (id, conversation_id, message_id, draft_text, draft_confidence, draft_citations, reason, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?)`,
		c.ID, c.ConversationID, c.MessageID, c.DraftText, c.DraftConfidence,
		c.DraftCitations, c.Reason, c.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetCase(id string) (Case, error) {
	var c Case
	var createdAt string
	var resolvedAt sql.NullString
	err := s.db.QueryRow(`
		SELECT id, conversation_id, message_id, draft_text, draft_confidence, draft_citations, reason, status, supervisor_id, resolution_text, created_at, resolved_at
		FROM supervision_cases WHERE id = ?`, id,
	).Scan(&c.ID, &c.ConversationID, &c.MessageID, &c.DraftText, &c.DraftConfidence,
		&c.DraftCitations, &c.Reason, &c.Status, &c.SupervisorID, &c.ResolutionText, &createdAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return Case{}, ErrNotFound
	}
	if err != nil {
		return Case{}, err
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Case{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if resolvedAt.Valid && resolvedAt.String != "" {
		if c.ResolvedAt, err = time.Parse(time.RFC3339, resolvedAt.String); err != nil {
			return Case{}, fmt.Errorf("parsing resolved_at: %w", err)
		}
	}
	return c, nil
}

// ApplyResolution commits a supervisor decision in one transaction: the case
// leaves pending exactly once, the conversation transitions with the
// resulting message appended, and the delivery job is enqueued. A version
// conflict on the conversation rolls the whole resolution back, so the case
// stays pending and the decision can be retried. A second resolution attempt
// returns ErrCaseResolved and changes nothing.
func (s *Store) ApplyResolution(r Resolution) error {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning resolution: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE supervision_cases
		SET status = ?, supervisor_id = ?, resolution_text = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'`,
		r.Status, r.SupervisorID, r.ResolutionText, now, r.CaseID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM supervision_cases WHERE id = ?`, r.CaseID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrCaseResolved
	}

	if err := transitionTx(tx, r.ConversationID, r.ExpectedVersion, r.NewState, r.OverrideActive, r.Message); err != nil {
		return err
	}
	if err := insertJob(tx, r.Job); err != nil {
		return err
	}

	return tx.Commit()
}

// ListCasesByStatus returns cases with the given status, newest first.
func (s *Store) ListCasesByStatus(status string, limit int) ([]Case, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, conversation_id, message_id, draft_text, draft_confidence, draft_citations, reason, status, supervisor_id, resolution_text, created_at, resolved_at
		FROM supervision_cases WHERE status = ? ORDER BY created_at DESC LIMIT ?`, status, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Case
	for rows.Next() {
		var c Case
		var createdAt string
		var resolvedAt sql.NullString
		if err := rows.Scan(&c.ID, &c.ConversationID, &c.MessageID, &c.DraftText, &c.DraftConfidence,
			&c.DraftCitations, &c.Reason, &c.Status, &c.SupervisorID, &c.ResolutionText, &createdAt, &resolvedAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if resolvedAt.Valid && resolvedAt.String != "" {
			if c.ResolvedAt, err = time.Parse(time.RFC3339, resolvedAt.String); err != nil {
				return nil, fmt.Errorf("parsing resolved_at: %w", err)
			}
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// CountCasesByStatus returns the number of cases with the given status.
func (s *Store) CountCasesByStatus(status string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM supervision_cases WHERE status = ?`, status).Scan(&n)
	return n, err
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	return insertJob(s.db, job)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func insertJob(e execer, job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := e.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextJob atomically moves the oldest runnable job of one of the given
// types to running and returns it. Returns (nil, nil) when no job is due.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job is rescheduled with exponential
// backoff until max_attempts is reached, then marked failed permanently.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
