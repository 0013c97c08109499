// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/HatimBenzahra/agent/internal/domain"
)

// Repository defines the interface for persisting projects and their chat
// transcripts.
type Repository interface {
	// CreateProject inserts a new project and returns it with generated
	// id and timestamps.
	CreateProject(ctx context.Context, name, description string) (*domain.Project, error)

	// GetProject retrieves a project by id. Returns (nil, nil) when the
	// project does not exist.
	GetProject(ctx context.Context, id string) (*domain.Project, error)

	// ListProjects retrieves all projects, most recently updated first.
	ListProjects(ctx context.Context) ([]*domain.Project, error)

	// UpdateProject persists name, description and status changes for an
	// existing project and bumps updated_at.
	UpdateProject(ctx context.Context, project *domain.Project) error

	// DeleteProject removes a project and its chat history.
	DeleteProject(ctx context.Context, id string) error

	// AppendMessage appends one transcript turn to a project's history.
	AppendMessage(ctx context.Context, projectID string, msg domain.ChatMessage) error

	// LoadHistory retrieves a project's transcript in chronological order.
	// limit bounds the number of most recent turns; zero means all.
	LoadHistory(ctx context.Context, projectID string, limit int) ([]domain.ChatMessage, error)

	// ClearHistory removes a project's transcript and reports how many
	// turns were deleted.
	ClearHistory(ctx context.Context, projectID string) (int64, error)

	// Ping verifies database connectivity and returns an error if the
	// database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
