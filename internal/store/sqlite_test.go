package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/HatimBenzahra/agent/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "studio.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return repo
}

func TestProjectLifecycle(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	created, err := repo.CreateProject(ctx, "todo-app", "a small todo application")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if created.ID == "" {
		t.Fatal("created project has no id")
	}
	if created.Status != domain.ProjectStatusActive {
		t.Fatalf("unexpected status %q", created.Status)
	}

	got, err := repo.GetProject(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got == nil || got.Name != "todo-app" || got.Description != "a small todo application" {
		t.Fatalf("unexpected project: %+v", got)
	}

	got.Name = "todo-app-v2"
	if err := repo.UpdateProject(ctx, got); err != nil {
		t.Fatalf("UpdateProject: %v", err)
	}
	updated, err := repo.GetProject(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetProject after update: %v", err)
	}
	if updated.Name != "todo-app-v2" {
		t.Fatalf("update not persisted: %+v", updated)
	}

	if err := repo.DeleteProject(ctx, created.ID); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	gone, err := repo.GetProject(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetProject after delete: %v", err)
	}
	if gone != nil {
		t.Fatalf("project survived delete: %+v", gone)
	}
}

func TestGetProjectMissingReturnsNil(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)

	got, err := repo.GetProject(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing project, got %+v", got)
	}
}

func TestUpdateMissingProjectFails(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)

	err := repo.UpdateProject(context.Background(), &domain.Project{
		ID:     "nope",
		Name:   "x",
		Status: domain.ProjectStatusActive,
	})
	if err == nil {
		t.Fatal("expected error updating a missing project")
	}
}

func TestListProjects(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"alpha", "beta", "gamma"} {
		if _, err := repo.CreateProject(ctx, name, ""); err != nil {
			t.Fatalf("CreateProject %s: %v", name, err)
		}
	}

	projects, err := repo.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(projects) != 3 {
		t.Fatalf("expected 3 projects, got %d", len(projects))
	}
}

func TestChatHistory(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	project, err := repo.CreateProject(ctx, "chatty", "")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	turns := []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "build a calculator"},
		{Role: domain.RoleAgent, Content: "Done. See calc.py."},
		{Role: domain.RoleUser, Content: "add a square root button"},
	}
	for _, msg := range turns {
		if err := repo.AppendMessage(ctx, project.ID, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	history, err := repo.LoadHistory(ctx, project.ID, 0)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(history))
	}
	for i, msg := range history {
		if msg.Role != turns[i].Role || msg.Content != turns[i].Content {
			t.Fatalf("turn %d out of order: %+v", i, msg)
		}
		if msg.CreatedAt.IsZero() {
			t.Fatalf("turn %d has no timestamp", i)
		}
	}

	recent, err := repo.LoadHistory(ctx, project.ID, 2)
	if err != nil {
		t.Fatalf("LoadHistory limited: %v", err)
	}
	if len(recent) != 2 || recent[0].Content != turns[1].Content || recent[1].Content != turns[2].Content {
		t.Fatalf("limited history wrong: %+v", recent)
	}

	deleted, err := repo.ClearHistory(ctx, project.ID)
	if err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 deleted turns, got %d", deleted)
	}
	empty, err := repo.LoadHistory(ctx, project.ID, 0)
	if err != nil {
		t.Fatalf("LoadHistory after clear: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("history survived clear: %+v", empty)
	}
}

func TestHistoryIsolatedPerProject(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	p1, _ := repo.CreateProject(ctx, "one", "")
	p2, _ := repo.CreateProject(ctx, "two", "")

	if err := repo.AppendMessage(ctx, p1.ID, domain.ChatMessage{Role: domain.RoleUser, Content: "hi", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	other, err := repo.LoadHistory(ctx, p2.ID, 0)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("history leaked across projects: %+v", other)
	}

	if err := repo.DeleteProject(ctx, p1.ID); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	orphans, err := repo.LoadHistory(ctx, p1.ID, 0)
	if err != nil {
		t.Fatalf("LoadHistory after project delete: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("history survived project delete: %+v", orphans)
	}
}
