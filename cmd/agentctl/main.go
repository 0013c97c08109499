// agentctl is a terminal client for an Agent Studio server. It opens one
// project's chat session and renders the reconciled transcript as events
// arrive; typed lines become messages for the agent.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/HatimBenzahra/agent/internal/session"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8000", "studio server base URL")
	projectID := flag.String("project", "", "project id to open; empty lists projects")
	keepalive := flag.Duration("keepalive", 30*time.Second, "websocket ping interval")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	sess := session.New(session.Config{
		ServerURL: *serverURL,
		Keepalive: *keepalive,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *projectID == "" {
		if err := listProjects(ctx, sess); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := sess.Open(ctx, *projectID); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer sess.Close()

	fmt.Println("Connected. Type a message, or /stop, /plan, /files, /quit.")
	repl(ctx, sess)
}

func listProjects(ctx context.Context, sess *session.Session) error {
	projects, err := sess.Client().ListProjects(ctx)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Println("No projects.")
		return nil
	}
	for _, p := range projects {
		fmt.Printf("%s  %s\n", p.ID, p.Name)
	}
	return nil
}

func repl(ctx context.Context, sess *session.Session) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	r := newRenderer()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.render(sess.Snapshot())
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handle(ctx, sess, r, strings.TrimSpace(line)) {
				return
			}
		}
	}
}

// handle runs one input line; false means quit.
func handle(ctx context.Context, sess *session.Session, r *renderer, line string) bool {
	switch {
	case line == "":
		return true
	case line == "/quit":
		return false
	case line == "/stop":
		if err := sess.Stop(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		return true
	case line == "/plan":
		r.printPlan(sess.Snapshot())
		return true
	case line == "/files":
		r.printFiles(sess.Snapshot())
		return true
	}

	// A message typed mid-turn interrupts the agent and redirects it.
	var err error
	if sess.Snapshot().Processing {
		err = sess.StopWithRedirect(ctx, line)
	} else {
		err = sess.SendMessage(ctx, line)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return true
}

// renderer prints only what changed since the previous snapshot.
type renderer struct {
	seenMessages int
	activity     string
	connection   session.ConnectionState
}

func newRenderer() *renderer {
	return &renderer{connection: session.Connecting}
}

func (r *renderer) render(s session.State) {
	if s.Connection != r.connection {
		r.connection = s.Connection
		fmt.Printf("-- %s --\n", s.Connection)
	}

	for _, m := range s.Messages[min(r.seenMessages, len(s.Messages)):] {
		prefix := "agent"
		if m.Role == "user" {
			prefix = "you"
		}
		if m.IsError {
			prefix = "error"
		}
		fmt.Printf("[%s] %s\n", prefix, m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Printf("  tool %s: %s\n", tc.Tool, summarize(tc.Output))
		}
	}
	r.seenMessages = len(s.Messages)

	if s.Activity != r.activity {
		r.activity = s.Activity
		if s.Activity != "" {
			fmt.Printf("... %s\n", s.Activity)
		}
	}
}

func (r *renderer) printPlan(s session.State) {
	if len(s.Plan) == 0 {
		fmt.Println("No plan.")
		return
	}
	for i, step := range s.Plan {
		marker := " "
		if step.ID == s.CurrentStepID {
			marker = ">"
		}
		fmt.Printf("%s %d. [%s] %s\n", marker, i+1, step.Status, step.Objective)
		if v, ok := s.Validations[step.ID]; ok && v.Feedback != "" {
			fmt.Printf("     %s\n", v.Feedback)
		}
	}
}

func (r *renderer) printFiles(s session.State) {
	if len(s.Files) == 0 {
		fmt.Println("Workspace is empty.")
		return
	}
	for _, f := range s.Files {
		if f.IsDir {
			fmt.Printf("%s/\n", f.Name)
		} else {
			fmt.Printf("%s  (%d bytes)\n", f.Name, f.Size)
		}
	}
}

func summarize(output string) string {
	output = strings.ReplaceAll(output, "\n", " ")
	if len(output) > 80 {
		return output[:80] + "..."
	}
	return output
}
