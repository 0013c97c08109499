package domain

import "time"

// FileInfo describes one file or directory in a project workspace.
// Paths are rooted at the workspace ("/report.pdf", "/src/main.py").
type FileInfo struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	IsDir    bool   `json:"is_dir"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
}

// CommandResult is the outcome of one sandboxed shell command.
type CommandResult struct {
	Output   string
	Success  bool
	ExitCode int
	Duration time.Duration
}
