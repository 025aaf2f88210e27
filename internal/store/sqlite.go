package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Timestamps are stored as fixed-width UTC text so range filters compare lexically.
const timeLayout = "2006-01-02 15:04:05.000000000"

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withPragmas(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// withPragmas appends the connection pragmas to dsn. The driver applies DSN
// parameters to every pooled connection.
func withPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS turns (
        id TEXT PRIMARY KEY, -- UUID
        conversation_id TEXT,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        sql_query TEXT,
        chart_type TEXT NOT NULL DEFAULT 'none',
        chart_data TEXT,   -- JSON []ChartPoint
        mindmap_data TEXT, -- JSON Mindmap
        user_query TEXT,
        persona_id TEXT,
        row_count INTEGER NOT NULL DEFAULT 0,
        truncated BOOLEAN NOT NULL DEFAULT FALSE,
        processing_time_ms INTEGER NOT NULL DEFAULT 0,
        sql_gen_time_ms INTEGER NOT NULL DEFAULT 0,
        sql_exec_time_ms INTEGER NOT NULL DEFAULT 0,
        error_message TEXT,
        project_id TEXT,
        created_at TEXT NOT NULL,
        CHECK (chart_data IS NULL OR mindmap_data IS NULL)
    );
    CREATE INDEX IF NOT EXISTS idx_turns_project ON turns (project_id, created_at);
    CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns (conversation_id, created_at);

    CREATE TABLE IF NOT EXISTS feedback (
        id TEXT PRIMARY KEY, -- UUID
        turn_id TEXT NOT NULL,
        rating TEXT NOT NULL CHECK (rating IN ('positive', 'negative', 'neutral')),
        comment TEXT,
        is_sql_correct BOOLEAN,
        is_response_helpful BOOLEAN,
        is_chart_useful BOOLEAN,
        tags TEXT NOT NULL DEFAULT '[]',
        created_at TEXT NOT NULL,
        FOREIGN KEY (turn_id) REFERENCES turns (id)
    );
    CREATE INDEX IF NOT EXISTS idx_feedback_turn ON feedback (turn_id);
    CREATE INDEX IF NOT EXISTS idx_feedback_created ON feedback (created_at);

    CREATE TABLE IF NOT EXISTS personas (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        description TEXT NOT NULL DEFAULT '',
        icon TEXT NOT NULL DEFAULT '',
        system_prompt TEXT NOT NULL,
        is_default BOOLEAN NOT NULL DEFAULT FALSE,
        created_at TEXT NOT NULL,
        updated_at TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS sql_examples (
        turn_id TEXT PRIMARY KEY,
        question TEXT NOT NULL,
        sql_query TEXT NOT NULL,
        embedding_json TEXT NOT NULL, -- JSON []float32
        created_at TEXT NOT NULL,
        FOREIGN KEY (turn_id) REFERENCES turns (id)
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// Turn methods

const turnColumns = `id, conversation_id, role, content, sql_query, chart_type, chart_data, mindmap_data,
        user_query, persona_id, row_count, truncated, processing_time_ms, sql_gen_time_ms,
        sql_exec_time_ms, error_message, project_id, created_at`

// RecordTurn appends a turn. ID and CreatedAt are assigned when empty.
func (s *SQLiteStore) RecordTurn(ctx context.Context, turn *Turn) error {
	if turn.ChartData != nil && turn.MindmapData != nil {
		return fmt.Errorf("turn carries both chart data and mindmap data")
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now().UTC()
	}
	if turn.ChartType == "" {
		turn.ChartType = ChartNone
	}

	chartJSON, err := marshalNullable(turn.ChartData, turn.ChartData == nil)
	if err != nil {
		return fmt.Errorf("failed to marshal chart data: %w", err)
	}
	mindmapJSON, err := marshalNullable(turn.MindmapData, turn.MindmapData == nil)
	if err != nil {
		return fmt.Errorf("failed to marshal mindmap data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, "INSERT INTO turns ("+turnColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		turn.ID, turn.ConversationID, string(turn.Role), turn.Content, turn.SQLQuery, string(turn.ChartType),
		chartJSON, mindmapJSON, turn.UserQuery, turn.PersonaID, turn.RowCount, turn.Truncated,
		turn.ProcessingTimeMs, turn.SQLGenTimeMs, turn.SQLExecTimeMs, turn.ErrorMessage, turn.ProjectID,
		formatTime(turn.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to execute turn insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTurn(ctx context.Context, turnID string) (*Turn, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+turnColumns+" FROM turns WHERE id = ?", turnID)
	if err != nil {
		return nil, fmt.Errorf("failed to query turn: %w", err)
	}
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, ErrTurnNotFound
	}
	return &turns[0], nil
}

// ListTurns returns turns newest first.
func (s *SQLiteStore) ListTurns(ctx context.Context, filter TurnFilter) ([]Turn, error) {
	var (
		where []string
		args  []any
	)
	if filter.ProjectID != nil {
		where = append(where, "project_id = ?")
		args = append(args, *filter.ProjectID)
	}
	if filter.ConversationID != nil {
		where = append(where, "conversation_id = ?")
		args = append(args, *filter.ConversationID)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := "SELECT " + turnColumns + " FROM turns"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	return scanTurns(rows)
}

// RecentTurns returns the last n turns of a conversation, or of a project scope
// when conversationID is nil, in chronological order. A nil projectID selects
// cross-project turns.
func (s *SQLiteStore) RecentTurns(ctx context.Context, conversationID, projectID *string, n int) ([]Turn, error) {
	if n <= 0 {
		return nil, nil
	}
	var (
		query string
		args  []any
	)
	switch {
	case conversationID != nil:
		query = "SELECT " + turnColumns + " FROM turns WHERE conversation_id = ?"
		args = append(args, *conversationID)
	case projectID != nil:
		query = "SELECT " + turnColumns + " FROM turns WHERE project_id = ?"
		args = append(args, *projectID)
	default:
		query = "SELECT " + turnColumns + " FROM turns WHERE project_id IS NULL"
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, n)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent turns: %w", err)
	}
	turns, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// DeleteTurnsByProject removes every turn of a project with its feedback and examples.
func (s *SQLiteStore) DeleteTurnsByProject(ctx context.Context, projectID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM feedback WHERE turn_id IN (SELECT id FROM turns WHERE project_id = ?)", projectID); err != nil {
		return 0, fmt.Errorf("failed to delete feedback: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sql_examples WHERE turn_id IN (SELECT id FROM turns WHERE project_id = ?)", projectID); err != nil {
		return 0, fmt.Errorf("failed to delete examples: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM turns WHERE project_id = ?", projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete turns: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t                     Turn
			role, chartType       string
			chartJSON, mindJSON   sql.NullString
			conversationID, query sql.NullString
			userQuery, personaID  sql.NullString
			errMsg, projectID     sql.NullString
			createdAt             string
		)
		if err := rows.Scan(&t.ID, &conversationID, &role, &t.Content, &query, &chartType, &chartJSON, &mindJSON,
			&userQuery, &personaID, &t.RowCount, &t.Truncated, &t.ProcessingTimeMs, &t.SQLGenTimeMs,
			&t.SQLExecTimeMs, &errMsg, &projectID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		t.Role = Role(role)
		t.ChartType = ChartType(chartType)
		t.ConversationID = nullableString(conversationID)
		t.SQLQuery = nullableString(query)
		t.UserQuery = nullableString(userQuery)
		t.PersonaID = nullableString(personaID)
		t.ErrorMessage = nullableString(errMsg)
		t.ProjectID = nullableString(projectID)
		if chartJSON.Valid {
			if err := json.Unmarshal([]byte(chartJSON.String), &t.ChartData); err != nil {
				return nil, fmt.Errorf("failed to decode chart data of turn %s: %w", t.ID, err)
			}
		}
		if mindJSON.Valid {
			t.MindmapData = &Mindmap{}
			if err := json.Unmarshal([]byte(mindJSON.String), t.MindmapData); err != nil {
				return nil, fmt.Errorf("failed to decode mindmap data of turn %s: %w", t.ID, err)
			}
		}
		var err error
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at of turn %s: %w", t.ID, err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turns: %w", err)
	}
	return turns, nil
}

// Feedback methods

// AttachFeedback appends feedback for an existing turn. It returns
// ErrTurnNotFound when the turn does not exist.
func (s *SQLiteStore) AttachFeedback(ctx context.Context, turnID string, fb *Feedback) error {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM turns WHERE id = ?", turnID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTurnNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up turn: %w", err)
	}

	fb.TurnID = turnID
	if fb.ID == "" {
		fb.ID = uuid.NewString()
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = s.now().UTC()
	}
	fb.Tags = normalizeTags(fb.Tags)
	tagsJSON, err := json.Marshal(fb.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO feedback (id, turn_id, rating, comment, is_sql_correct,
        is_response_helpful, is_chart_useful, tags, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fb.ID, fb.TurnID, string(fb.Rating), fb.Comment, fb.IsSQLCorrect, fb.IsResponseHelpful,
		fb.IsChartUseful, string(tagsJSON), formatTime(fb.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to execute feedback insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListFeedback(ctx context.Context, turnID string) ([]Feedback, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, turn_id, rating, comment, is_sql_correct, is_response_helpful,
        is_chart_useful, tags, created_at FROM feedback WHERE turn_id = ? ORDER BY created_at ASC`, turnID)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		var (
			fb                       Feedback
			rating, tags, createdAt  string
			comment                  sql.NullString
			sqlOK, helpful, chartUse sql.NullBool
		)
		if err := rows.Scan(&fb.ID, &fb.TurnID, &rating, &comment, &sqlOK, &helpful, &chartUse, &tags, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback row: %w", err)
		}
		fb.Rating = Rating(rating)
		fb.Comment = nullableString(comment)
		fb.IsSQLCorrect = nullableBool(sqlOK)
		fb.IsResponseHelpful = nullableBool(helpful)
		fb.IsChartUseful = nullableBool(chartUse)
		if err := json.Unmarshal([]byte(tags), &fb.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags of feedback %s: %w", fb.ID, err)
		}
		if fb.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at of feedback %s: %w", fb.ID, err)
		}
		out = append(out, fb)
	}
	return out, rows.Err()
}

// helpers

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.ParseInLocation(timeLayout, s, time.UTC)
}

func marshalNullable(v any, isNil bool) (sql.NullString, error) {
	if isNil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullableBool(nb sql.NullBool) *bool {
	if !nb.Valid {
		return nil
	}
	v := nb.Bool
	return &v
}

// normalizeTags trims, drops empties and de-duplicates while keeping first-seen order.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}
