// Package sandbox manages isolated per-project workspaces: a confined
// directory tree for file operations and a gated command runner.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HatimBenzahra/agent/internal/domain"
)

// allowedCommands is the base-command allowlist for direct execution.
var allowedCommands = map[string]struct{}{
	"python": {}, "python3": {}, "pip": {}, "pip3": {},
	"node": {}, "npm": {}, "npx": {},
	"ls": {}, "cat": {}, "head": {}, "tail": {}, "grep": {}, "find": {},
	"mkdir": {}, "touch": {}, "cp": {}, "mv": {}, "rm": {},
	"echo": {}, "pwd": {}, "which": {}, "env": {},
	"git": {}, "curl": {}, "wget": {},
	"cd":  {},
	"g++": {}, "gcc": {}, "make": {}, "cmake": {}, "cc": {}, "c++": {}, "clang": {}, "clang++": {},
}

// blockedPatterns refuse a command outright regardless of its base command.
var blockedPatterns = []string{
	"sudo", "su ", "chmod 777", "rm -rf /",
	"/etc/", "/usr/", "/bin/", "/sbin/",
	"~/", "../", "$HOME",
	"eval", "exec",
}

// Runner executes one shell command inside a workspace directory.
type Runner interface {
	// Run executes command with workDir as the working directory. A
	// non-zero exit is reported through the result, not the error.
	Run(ctx context.Context, workspace, workDir, command string) (domain.CommandResult, error)

	// Close releases runner resources for one project's workspace.
	Close(ctx context.Context, projectID string) error
}

// Sandbox is the confined environment for a single project. All file paths
// resolve inside the workspace directory; anything that escapes it is
// clamped back to the workspace root.
type Sandbox struct {
	projectID string
	workspace string
	runner    Runner
	timeout   time.Duration

	mu         sync.Mutex
	currentDir string
}

func newSandbox(projectID, workspace string, runner Runner, timeout time.Duration) (*Sandbox, error) {
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", workspace, err)
	}
	return &Sandbox{
		projectID:  projectID,
		workspace:  workspace,
		runner:     runner,
		timeout:    timeout,
		currentDir: workspace,
	}, nil
}

// Workspace returns the absolute workspace directory.
func (s *Sandbox) Workspace() string {
	return s.workspace
}

// HostPath maps a workspace path to its confined absolute host path.
// Escaping paths clamp to the workspace root, same as every file op.
func (s *Sandbox) HostPath(path string) string {
	return s.resolve(path)
}

// CurrentDir returns the workspace-rooted current directory ("/", "/src").
func (s *Sandbox) CurrentDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relPath(s.currentDir)
}

// resolve maps a user-supplied path into the workspace. Absolute paths are
// re-rooted at the workspace; anything that still escapes after cleaning
// falls back to the workspace root.
func (s *Sandbox) resolve(path string) string {
	base := s.workspace
	var candidate string
	if filepath.IsAbs(path) {
		candidate = filepath.Join(base, strings.TrimPrefix(path, string(filepath.Separator)))
	} else {
		s.mu.Lock()
		candidate = filepath.Join(s.currentDir, path)
		s.mu.Unlock()
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(base, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return base
	}
	return candidate
}

// relPath renders a workspace-rooted display path ("/src/main.py").
func (s *Sandbox) relPath(abs string) string {
	rel, err := filepath.Rel(s.workspace, abs)
	if err != nil || rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

// checkCommand gates a command before execution.
func checkCommand(command string) error {
	for _, pattern := range blockedPatterns {
		if strings.Contains(command, pattern) {
			return fmt.Errorf("blocked pattern detected: %s", pattern)
		}
	}
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return fmt.Errorf("empty command")
	}
	base := parts[0]
	if _, ok := allowedCommands[base]; ok {
		return nil
	}
	// Workspace scripts are runnable directly.
	if strings.HasPrefix(base, "./") {
		return nil
	}
	return fmt.Errorf("command not in allowlist: %s", base)
}

// Execute runs one gated shell command. Refusals and failures come back as
// a CommandResult; the error is reserved for runner-level faults.
func (s *Sandbox) Execute(ctx context.Context, command string) (domain.CommandResult, error) {
	if err := checkCommand(command); err != nil {
		return domain.CommandResult{
			Output:   "Command blocked: " + err.Error(),
			Success:  false,
			ExitCode: 1,
		}, nil
	}

	// cd mutates sandbox state instead of spawning a shell.
	if target, ok := strings.CutPrefix(strings.TrimSpace(command), "cd "); ok {
		return s.changeDir(strings.TrimSpace(target)), nil
	}

	s.mu.Lock()
	workDir := s.currentDir
	s.mu.Unlock()

	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.runner.Run(runCtx, s.workspace, workDir, command)
}

func (s *Sandbox) changeDir(target string) domain.CommandResult {
	dir := s.resolve(target)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return domain.CommandResult{
			Output:   "Directory not found: " + target,
			Success:  false,
			ExitCode: 1,
		}
	}
	s.mu.Lock()
	s.currentDir = dir
	s.mu.Unlock()

	out := "Changed directory to " + s.relPath(dir)
	if dir == s.workspace {
		out = "Changed to workspace root"
	}
	return domain.CommandResult{Output: out, Success: true}
}

// WriteFile writes content to a workspace file, creating parents.
func (s *Sandbox) WriteFile(path, content string) (string, error) {
	abs := s.resolve(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("create parent directories for %s: %w", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write file %s: %w", path, err)
	}
	return "File written: " + s.relPath(abs), nil
}

// ReadFile reads a workspace file.
func (s *Sandbox) ReadFile(path string) (string, error) {
	abs := s.resolve(path)
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("file not found: %s", path)
	}
	if info.IsDir() {
		return "", fmt.Errorf("not a file: %s", path)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read file %s: %w", path, err)
	}
	return string(data), nil
}

// ListFiles lists one workspace directory. Missing or non-directory paths
// yield an empty listing rather than an error.
func (s *Sandbox) ListFiles(path string) []domain.FileInfo {
	dir := s.resolve(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	files := make([]domain.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, domain.FileInfo{
			Name:     entry.Name(),
			Path:     s.relPath(filepath.Join(dir, entry.Name())),
			IsDir:    entry.IsDir(),
			Size:     info.Size(),
			Modified: info.ModTime().Format(time.RFC3339),
		})
	}
	return files
}

// DeleteFile deletes a workspace file or directory tree. The workspace
// root itself is not deletable.
func (s *Sandbox) DeleteFile(path string) (string, error) {
	abs := s.resolve(path)
	if abs == s.workspace {
		return "", fmt.Errorf("cannot delete workspace root")
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("path not found: %s", path)
	}
	if err := os.RemoveAll(abs); err != nil {
		return "", fmt.Errorf("delete %s: %w", path, err)
	}
	return "Deleted: " + path, nil
}

// cleanup removes the workspace directory tree.
func (s *Sandbox) cleanup() error {
	if err := os.RemoveAll(s.workspace); err != nil {
		return fmt.Errorf("remove workspace %s: %w", s.workspace, err)
	}
	return nil
}

// Manager hands out one sandbox per project.
type Manager struct {
	root    string
	runner  Runner
	timeout time.Duration

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
}

// NewManager creates a sandbox manager rooted at root.
func NewManager(root string, runner Runner, timeout time.Duration) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create workspace root %s: %w", abs, err)
	}
	return &Manager{
		root:      abs,
		runner:    runner,
		timeout:   timeout,
		sandboxes: make(map[string]*Sandbox),
	}, nil
}

// Get returns the project's sandbox, creating it on first use.
func (m *Manager) Get(projectID string) (*Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.sandboxes[projectID]; ok {
		return sb, nil
	}
	sb, err := newSandbox(projectID, filepath.Join(m.root, projectID), m.runner, m.timeout)
	if err != nil {
		return nil, err
	}
	m.sandboxes[projectID] = sb
	return sb, nil
}

// Delete removes a project's sandbox and its workspace.
func (m *Manager) Delete(ctx context.Context, projectID string) error {
	m.mu.Lock()
	sb, ok := m.sandboxes[projectID]
	delete(m.sandboxes, projectID)
	m.mu.Unlock()

	if err := m.runner.Close(ctx, projectID); err != nil {
		return err
	}
	if ok {
		return sb.cleanup()
	}
	// Never instantiated this run; the directory may still exist on disk.
	return os.RemoveAll(filepath.Join(m.root, projectID))
}

// CloseAll releases runner resources for every active sandbox. Workspace
// directories stay on disk.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sandboxes))
	for id := range m.sandboxes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.runner.Close(ctx, id); err != nil {
			slog.Warn("Failed to close sandbox runtime", "project_id", id, "error", err)
		}
	}
}

// ListAll returns project ids that have a workspace directory on disk.
func (m *Manager) ListAll() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("read workspace root: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}
