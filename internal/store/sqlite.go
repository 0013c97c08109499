package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/HatimBenzahra/agent/internal/domain"
	"github.com/HatimBenzahra/agent/internal/shared"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	historyMu sync.Mutex // Mutex for history writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_projects_updated ON projects(updated_at);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_project ON chat_messages(project_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateProject inserts a new project.
func (s *SQLiteStore) CreateProject(ctx context.Context, name, description string) (*domain.Project, error) {
	now := time.Now()
	project := &domain.Project{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Status:      domain.ProjectStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	query := `
	INSERT INTO projects (id, name, description, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		project.ID, project.Name, project.Description, project.Status,
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return project, nil
}

// GetProject retrieves a project by id.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	query := `
		SELECT id, name, description, status, created_at, updated_at
		FROM projects WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)

	var project domain.Project
	var createdAt, updatedAt int64

	err := row.Scan(
		&project.ID, &project.Name, &project.Description, &project.Status,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan project row: %w", err)
	}

	project.CreatedAt = time.Unix(createdAt, 0)
	project.UpdatedAt = time.Unix(updatedAt, 0)
	return &project, nil
}

// ListProjects retrieves all projects, most recently updated first.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*domain.Project, error) {
	query := `
		SELECT id, name, description, status, created_at, updated_at
		FROM projects ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close project rows", "error", closeErr)
		}
	}()

	var projects []*domain.Project
	for rows.Next() {
		var project domain.Project
		var createdAt, updatedAt int64
		if err := rows.Scan(
			&project.ID, &project.Name, &project.Description, &project.Status,
			&createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		project.CreatedAt = time.Unix(createdAt, 0)
		project.UpdatedAt = time.Unix(updatedAt, 0)
		projects = append(projects, &project)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return projects, nil
}

// UpdateProject persists changes to an existing project.
func (s *SQLiteStore) UpdateProject(ctx context.Context, project *domain.Project) error {
	query := `UPDATE projects SET name = ?, description = ?, status = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query,
		project.Name, project.Description, project.Status,
		time.Now().Unix(), project.ID,
	)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("project %s not found", project.ID)
	}
	return nil
}

// DeleteProject removes a project and its chat history.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.deleteProjectOnce(ctx, id)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
			slog.Debug("DeleteProject hit a locked database, retrying",
				"project_id", id,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		return fmt.Errorf("failed to delete project %s after %d attempts: %w", id, i+1, err)
	}

	return nil
}

// deleteProjectOnce performs a single delete attempt.
func (s *SQLiteStore) deleteProjectOnce(ctx context.Context, id string) error {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE project_id = ?`, id); err != nil {
		return fmt.Errorf("delete project history: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

// AppendMessage appends one transcript turn.
func (s *SQLiteStore) AppendMessage(ctx context.Context, projectID string, msg domain.ChatMessage) error {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `INSERT INTO chat_messages (project_id, role, content, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, projectID, msg.Role, msg.Content, createdAt.Unix()); err != nil {
		return fmt.Errorf("append chat message: %w", err)
	}
	return nil
}

// LoadHistory retrieves a project's transcript in chronological order.
func (s *SQLiteStore) LoadHistory(ctx context.Context, projectID string, limit int) ([]domain.ChatMessage, error) {
	query := `
		SELECT role, content, created_at FROM chat_messages
		WHERE project_id = ? ORDER BY id`
	args := []interface{}{projectID}
	if limit > 0 {
		// Most recent turns, still returned oldest first.
		query = `
			SELECT role, content, created_at FROM (
				SELECT id, role, content, created_at FROM chat_messages
				WHERE project_id = ? ORDER BY id DESC LIMIT ?
			) ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chat history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close history rows", "error", closeErr)
		}
	}()

	var messages []domain.ChatMessage
	for rows.Next() {
		var msg domain.ChatMessage
		var createdAt int64
		if err := rows.Scan(&msg.Role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		msg.CreatedAt = time.Unix(createdAt, 0)
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat history: %w", err)
	}
	return messages, nil
}

// ClearHistory removes a project's transcript.
func (s *SQLiteStore) ClearHistory(ctx context.Context, projectID string) (int64, error) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE project_id = ?`, projectID)
	if err != nil {
		return 0, fmt.Errorf("clear chat history: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
