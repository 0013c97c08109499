// Package domain defines the core entities shared across the studio.
package domain

import (
	"time"
)

// Project is one workspace the agent can operate in.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"-"`
	UpdatedAt   time.Time `json:"-"`
}

// ProjectStatusActive is the only status currently assigned; the field
// exists because clients render it and future states (archived) may appear.
const ProjectStatusActive = "active"

// APIView returns the JSON shape the REST API and clients exchange,
// with timestamps rendered as RFC3339 strings.
func (p *Project) APIView() map[string]any {
	return map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"description": p.Description,
		"status":      p.Status,
		"created_at":  p.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":  p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
