package domain

import "time"

// =============================================================================
// Project
// =============================================================================

// Project is a registered service. It is created on first successful deploy
// and never deleted automatically.
type Project struct {
	Name         string        `json:"name"`
	Team         string        `json:"team,omitempty"`
	Environments []Environment `json:"environments,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// NewProject creates a project owned by a team.
func NewProject(name, team string) *Project {
	return &Project{
		Name:      name,
		Team:      team,
		CreatedAt: time.Now().UTC(),
	}
}
