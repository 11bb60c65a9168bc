package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/keyton-weissinger/patchworkmcp/internal/apperr"
)

// timeLayout is fixed width so that lexical order in SQLite matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const feedbackColumns = `id, server_name, created_at, what_i_needed, what_i_tried, gap_type,
	suggestion, user_goal, resolution, agent_model, tools_available, session_id,
	client_type, reviewed, draft_pr, draft_attempts`

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (and if needed creates) the ledger database. The pool
// is held to a single connection: SQLite has one writer anyway, and this
// keeps ":memory:" databases coherent across calls.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withPragmas(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS feedback (
        id TEXT PRIMARY KEY, -- UUIDv7
        server_name TEXT NOT NULL,
        created_at TEXT NOT NULL,
        what_i_needed TEXT NOT NULL,
        what_i_tried TEXT NOT NULL,
        gap_type TEXT NOT NULL,
        suggestion TEXT DEFAULT '',
        user_goal TEXT DEFAULT '',
        resolution TEXT DEFAULT '',
        agent_model TEXT DEFAULT '',
        tools_available TEXT DEFAULT '[]',
        session_id TEXT DEFAULT '',
        reviewed INTEGER DEFAULT 0
    );

    CREATE TABLE IF NOT EXISTS feedback_notes (
        id TEXT PRIMARY KEY, -- UUIDv7
        feedback_id TEXT NOT NULL REFERENCES feedback(id),
        created_at TEXT NOT NULL,
        body TEXT NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_feedback_server ON feedback(server_name);
    CREATE INDEX IF NOT EXISTS idx_feedback_created_at ON feedback(created_at DESC);
    CREATE INDEX IF NOT EXISTS idx_feedback_gap_type ON feedback(gap_type);
    CREATE INDEX IF NOT EXISTS idx_notes_feedback_id ON feedback_notes(feedback_id, created_at, id);
    `
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first release.
	for _, col := range []struct{ name, def string }{
		{"client_type", "TEXT DEFAULT ''"},
		{"draft_pr", "TEXT DEFAULT ''"},
		{"draft_attempts", "INTEGER DEFAULT 0"},
	} {
		if err := s.addColumnIfNotExists(col.name, col.def); err != nil {
			return fmt.Errorf("failed to add column %s: %w", col.name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) addColumnIfNotExists(colName, colType string) error {
	_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE feedback ADD COLUMN %s %s", colName, colType))
	if err != nil && strings.Contains(err.Error(), "duplicate column name") {
		return nil
	}
	return err
}

// Submit validates and normalizes in, then records a new feedback item.
func (s *SQLiteStore) Submit(ctx context.Context, in FeedbackInput) (*FeedbackItem, error) {
	item, err := newFeedbackItem(in)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate feedback id: %w", err)
	}
	item.ID = id.String()
	item.CreatedAt = s.now()

	tools, err := json.Marshal(item.ToolsAvailable)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tools_available: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO feedback
            (id, server_name, created_at, what_i_needed, what_i_tried, gap_type,
             suggestion, user_goal, resolution, agent_model, tools_available,
             session_id, client_type, reviewed, draft_pr, draft_attempts)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', 0)`,
		item.ID, item.ServerName, item.CreatedAt.Format(timeLayout), item.WhatINeeded, item.WhatITried,
		string(item.GapType), item.Suggestion, item.UserGoal, string(item.Resolution), item.AgentModel,
		string(tools), item.SessionID, item.ClientType)
	if err != nil {
		return nil, fmt.Errorf("failed to insert feedback: %w", err)
	}
	return item, nil
}

func newFeedbackItem(in FeedbackInput) (*FeedbackItem, error) {
	needed := strings.TrimSpace(in.WhatINeeded)
	if needed == "" {
		return nil, apperr.Validation("what_i_needed", "what_i_needed is required")
	}
	tried := strings.TrimSpace(in.WhatITried)
	if tried == "" {
		return nil, apperr.Validation("what_i_tried", "what_i_tried is required")
	}
	resolution, ok := ParseResolution(in.Resolution)
	if !ok {
		return nil, apperr.Validation("resolution",
			fmt.Sprintf("resolution must be one of blocked, worked_around, partial (got %q)", in.Resolution))
	}
	server := strings.TrimSpace(in.ServerName)
	if server == "" {
		server = "unknown"
	}
	tools := NormalizeTools(in.ToolsAvailable)

	return &FeedbackItem{
		ServerName:     server,
		WhatINeeded:    needed,
		WhatITried:     tried,
		GapType:        ParseGapType(in.GapType),
		Suggestion:     strings.TrimSpace(in.Suggestion),
		UserGoal:       strings.TrimSpace(in.UserGoal),
		Resolution:     resolution,
		ToolsAvailable: tools,
		AgentModel:     strings.TrimSpace(in.AgentModel),
		SessionID:      strings.TrimSpace(in.SessionID),
		ClientType:     strings.TrimSpace(in.ClientType),
	}, nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]FeedbackItem, error) {
	query := "SELECT " + feedbackColumns + " FROM feedback WHERE 1=1"
	var args []any

	if f.ServerName != "" {
		query += " AND server_name = ?"
		args = append(args, f.ServerName)
	}
	if f.GapType != "" {
		query += " AND gap_type = ?"
		args = append(args, string(ParseGapType(f.GapType)))
	}
	if f.Reviewed != nil {
		query += " AND reviewed = ?"
		args = append(args, *f.Reviewed)
	}
	if f.Resolution != "" {
		query += " AND resolution = ?"
		args = append(args, normalizeEnum(f.Resolution))
	}
	if f.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, f.limit(), offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	items := make([]FeedbackItem, 0)
	for rows.Next() {
		item, err := scanFeedback(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, *item)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate feedback rows: %w", err)
	}

	if err := s.attachNotes(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*FeedbackItem, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+feedbackColumns+" FROM feedback WHERE id = ?", id)
	item, err := scanFeedback(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("feedback %s not found", id)
		}
		return nil, err
	}
	return item, nil
}

func (s *SQLiteStore) SetReviewed(ctx context.Context, id string, reviewed bool) (*FeedbackItem, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE feedback SET reviewed = ? WHERE id = ?", reviewed, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update reviewed flag: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, apperr.NotFound("feedback %s not found", id)
	}
	return s.Get(ctx, id)
}

// AppendNote records a note. The parent check and the insert share one
// transaction so a note can never be attached to a missing item. The id and
// timestamp are taken once the transaction holds the only connection, so
// commit order and (created_at, id) order agree.
func (s *SQLiteStore) AppendNote(ctx context.Context, feedbackID, body string) (*Note, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, apperr.Validation("body", "note body cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin note transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate note id: %w", err)
	}
	note := &Note{ID: id.String(), FeedbackID: feedbackID, Body: body, CreatedAt: s.now()}

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT 1 FROM feedback WHERE id = ?", feedbackID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("feedback %s not found", feedbackID)
		}
		return nil, fmt.Errorf("failed to check feedback: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO feedback_notes (id, feedback_id, created_at, body) VALUES (?, ?, ?, ?)",
		note.ID, note.FeedbackID, note.CreatedAt.Format(timeLayout), note.Body); err != nil {
		return nil, fmt.Errorf("failed to insert note: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit note: %w", err)
	}
	return note, nil
}

// Notes returns every note of an item ordered by (created_at, id).
func (s *SQLiteStore) Notes(ctx context.Context, feedbackID string) ([]Note, error) {
	if _, err := s.Get(ctx, feedbackID); err != nil {
		return nil, err
	}
	byItem, err := s.notesFor(ctx, []string{feedbackID})
	if err != nil {
		return nil, err
	}
	notes := byItem[feedbackID]
	if notes == nil {
		notes = []Note{}
	}
	return notes, nil
}

func (s *SQLiteStore) attachNotes(ctx context.Context, items []FeedbackItem) error {
	if len(items) == 0 {
		return nil
	}
	ids := make([]string, len(items))
	for i := range items {
		ids[i] = items[i].ID
	}
	byItem, err := s.notesFor(ctx, ids)
	if err != nil {
		return err
	}
	for i := range items {
		items[i].Notes = byItem[items[i].ID]
	}
	return nil
}

func (s *SQLiteStore) notesFor(ctx context.Context, ids []string) (map[string][]Note, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, feedback_id, created_at, body FROM feedback_notes WHERE feedback_id IN ("+placeholders+") ORDER BY created_at ASC, id ASC",
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Note, len(ids))
	for rows.Next() {
		var n Note
		var createdAt string
		if err := rows.Scan(&n.ID, &n.FeedbackID, &createdAt, &n.Body); err != nil {
			return nil, fmt.Errorf("failed to scan note row: %w", err)
		}
		if n.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse note timestamp %q: %w", createdAt, err)
		}
		out[n.FeedbackID] = append(out[n.FeedbackID], n)
	}
	return out, rows.Err()
}

// SetDraftPR replaces the draft reference in a single statement.
func (s *SQLiteStore) SetDraftPR(ctx context.Context, id string, pr DraftPR) error {
	encoded, err := json.Marshal(pr)
	if err != nil {
		return fmt.Errorf("failed to marshal draft pr: %w", err)
	}
	res, err := s.db.ExecContext(ctx, "UPDATE feedback SET draft_pr = ? WHERE id = ?", string(encoded), id)
	if err != nil {
		return fmt.Errorf("failed to update draft pr: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return apperr.NotFound("feedback %s not found", id)
	}
	return nil
}

// NextDraftAttempt allocates the next attempt number for an item.
func (s *SQLiteStore) NextDraftAttempt(ctx context.Context, id string) (int, error) {
	var attempt int
	err := s.db.QueryRowContext(ctx,
		"UPDATE feedback SET draft_attempts = draft_attempts + 1 WHERE id = ? RETURNING draft_attempts", id).Scan(&attempt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperr.NotFound("feedback %s not found", id)
		}
		return 0, fmt.Errorf("failed to allocate draft attempt: %w", err)
	}
	return attempt, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM feedback", &stats.Total},
		{"SELECT COUNT(*) FROM feedback WHERE reviewed = 0", &stats.Unreviewed},
		{"SELECT COUNT(*) FROM feedback_notes", &stats.NoteCount},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to count: %w", err)
		}
	}

	var err error
	if stats.ByServer, err = s.groupCount(ctx, "server_name", ""); err != nil {
		return nil, err
	}
	if stats.ByGapType, err = s.groupCount(ctx, "gap_type", ""); err != nil {
		return nil, err
	}
	if stats.ByResolution, err = s.groupCount(ctx, "resolution", "WHERE resolution != ''"); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *SQLiteStore) groupCount(ctx context.Context, column, where string) ([]CountByKey, error) {
	query := fmt.Sprintf("SELECT %[1]s, COUNT(*) AS c FROM feedback %[2]s GROUP BY %[1]s ORDER BY c DESC, %[1]s ASC", column, where)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to group by %s: %w", column, err)
	}
	defer rows.Close()

	out := make([]CountByKey, 0)
	for rows.Next() {
		var c CountByKey
		if err := rows.Scan(&c.Key, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan %s group: %w", column, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeedback(row rowScanner) (*FeedbackItem, error) {
	var item FeedbackItem
	var createdAt, gapType, resolution, tools, draftPR string
	err := row.Scan(&item.ID, &item.ServerName, &createdAt, &item.WhatINeeded, &item.WhatITried, &gapType,
		&item.Suggestion, &item.UserGoal, &resolution, &item.AgentModel, &tools, &item.SessionID,
		&item.ClientType, &item.Reviewed, &draftPR, &item.DraftAttempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan feedback row: %w", err)
	}

	if item.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at %q: %w", createdAt, err)
	}
	item.GapType = ParseGapType(gapType)
	item.Resolution, _ = ParseResolution(resolution)

	item.ToolsAvailable = ToolList{}
	if tools != "" {
		if err := json.Unmarshal([]byte(tools), &item.ToolsAvailable); err != nil {
			log.Printf("Warning: unreadable tools_available for feedback %s: %v", item.ID, err)
			item.ToolsAvailable = ToolList{}
		}
	}
	if draftPR != "" {
		var pr DraftPR
		if err := json.Unmarshal([]byte(draftPR), &pr); err != nil {
			log.Printf("Warning: unreadable draft_pr for feedback %s: %v", item.ID, err)
		} else {
			item.DraftPR = &pr
		}
	}
	return &item, nil
}
