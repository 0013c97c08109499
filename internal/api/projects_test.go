package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/HatimBenzahra/agent/internal/domain"
	"github.com/HatimBenzahra/agent/internal/sandbox"
	"github.com/HatimBenzahra/agent/internal/store"
)

type apiFixture struct {
	repo store.Repository
	srv  *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "studio.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	sandboxes, err := sandbox.NewManager(t.TempDir(), sandbox.NewLocalRunner(), 10*time.Second)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	router := chi.NewRouter()
	NewProjectHandler(NewHandler(repo, sandboxes)).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &apiFixture{repo: repo, srv: srv}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reqBody)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && err != io.EOF {
		t.Fatalf("decode %s %s response: %v", method, path, err)
	}
	return resp, decoded
}

func (f *apiFixture) createProject(t *testing.T, name string) string {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/projects", map[string]string{"name": name})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create project: status %d", resp.StatusCode)
	}
	project := body["project"].(map[string]any)
	return project["id"].(string)
}

func TestProjectCRUD(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	id := f.createProject(t, "todo-app")

	resp, body := f.do(t, http.MethodGet, "/api/projects", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	projects := body["projects"].([]any)
	if len(projects) != 1 {
		t.Fatalf("expected 1 project, got %d", len(projects))
	}

	resp, body = f.do(t, http.MethodGet, "/api/projects/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status %d", resp.StatusCode)
	}
	project := body["project"].(map[string]any)
	if project["name"] != "todo-app" || project["status"] != domain.ProjectStatusActive {
		t.Fatalf("unexpected project: %v", project)
	}
	if project["created_at"] == "" || project["updated_at"] == "" {
		t.Fatalf("timestamps missing: %v", project)
	}

	resp, body = f.do(t, http.MethodPatch, "/api/projects/"+id, map[string]string{"description": "with auth"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: status %d", resp.StatusCode)
	}
	project = body["project"].(map[string]any)
	if project["name"] != "todo-app" || project["description"] != "with auth" {
		t.Fatalf("patch lost fields: %v", project)
	}

	resp, _ = f.do(t, http.MethodDelete, "/api/projects/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/api/projects/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestProjectValidation(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/projects", map[string]string{"description": "nameless"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing name, got %d", resp.StatusCode)
	}

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		resp, _ := f.do(t, method, "/api/projects/ghost", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s ghost: expected 404, got %d", method, resp.StatusCode)
		}
	}
	resp, _ = f.do(t, http.MethodPatch, "/api/projects/ghost", map[string]string{"name": "x"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("patch ghost: expected 404, got %d", resp.StatusCode)
	}
}

func TestWorkspaceFileEndpoints(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	id := f.createProject(t, "files")

	base := "/api/projects/" + id

	resp, _ := f.do(t, http.MethodPost, base+"/files", map[string]string{
		"path":    "src/app.py",
		"content": "print('hi')\n",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("write: status %d", resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodGet, base+"/files?path=src", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	files := body["files"].([]any)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %v", files)
	}
	file := files[0].(map[string]any)
	if file["name"] != "app.py" || file["path"] != "/src/app.py" || file["is_dir"] != false {
		t.Fatalf("unexpected listing entry: %v", file)
	}

	resp, body = f.do(t, http.MethodGet, base+"/files/content?path=src/app.py", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read: status %d", resp.StatusCode)
	}
	if body["content"] != "print('hi')\n" {
		t.Fatalf("unexpected content: %v", body["content"])
	}

	resp, _ = f.do(t, http.MethodGet, base+"/files/content?path=missing.txt", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing file, got %d", resp.StatusCode)
	}

	// Raw mode serves bytes with a detected content type.
	rawResp, err := http.Get(f.srv.URL + base + "/files/content?path=src/app.py&raw=true")
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	defer func() { _ = rawResp.Body.Close() }()
	if rawResp.StatusCode != http.StatusOK {
		t.Fatalf("raw: status %d", rawResp.StatusCode)
	}
	raw, _ := io.ReadAll(rawResp.Body)
	if string(raw) != "print('hi')\n" {
		t.Fatalf("unexpected raw bytes: %q", raw)
	}

	resp, _ = f.do(t, http.MethodDelete, base+"/files?path=src", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}
	resp, body = f.do(t, http.MethodGet, base+"/files", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list after delete: status %d", resp.StatusCode)
	}
	if files := body["files"].([]any); len(files) != 0 {
		t.Fatalf("workspace not empty: %v", files)
	}
}

func TestChatHistoryEndpoints(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	id := f.createProject(t, "chatty")
	base := "/api/projects/" + id + "/chat/history"

	resp, body := f.do(t, http.MethodGet, base, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("empty history: status %d", resp.StatusCode)
	}
	if msgs := body["messages"].([]any); len(msgs) != 0 {
		t.Fatalf("expected empty history, got %v", msgs)
	}

	for i, turn := range []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "hello"},
		{Role: domain.RoleAgent, Content: "hi there"},
	} {
		if err := f.repo.AppendMessage(t.Context(), id, turn); err != nil {
			t.Fatalf("append turn %d: %v", i, err)
		}
	}

	resp, body = f.do(t, http.MethodGet, base, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: status %d", resp.StatusCode)
	}
	msgs := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 turns, got %v", msgs)
	}
	first := msgs[0].(map[string]any)
	if first["role"] != domain.RoleUser || first["content"] != "hello" {
		t.Fatalf("unexpected first turn: %v", first)
	}

	resp, body = f.do(t, http.MethodDelete, base, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear: status %d", resp.StatusCode)
	}
	if body["deleted"] != float64(2) {
		t.Fatalf("expected 2 deleted, got %v", body["deleted"])
	}
}

func TestPathEscapeStaysConfined(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	id := f.createProject(t, "confined")
	base := "/api/projects/" + id

	// An escaping path clamps to the workspace root, so the write fails
	// instead of touching anything outside.
	resp, _ := f.do(t, http.MethodPost, base+"/files", map[string]string{
		"path":    "../../outside.txt",
		"content": "x",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("escaping write: expected 400, got %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodGet, base+"/files/content?path=../../etc/passwd", nil)
	if resp.StatusCode == http.StatusOK {
		t.Fatal("escaping read must not succeed")
	}

	resp, body := f.do(t, http.MethodGet, base+"/files", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	if files := body["files"].([]any); len(files) != 0 {
		t.Fatalf("workspace must stay empty after refused escapes: %v", files)
	}
}
