package models

import "time"

// Repository is a local mirror of a GitHub repository owned by a User.
type Repository struct {
	ID          string    `json:"id"`
	GitHubID    int64     `json:"github_id"`
	Name        string    `json:"name"`
	FullName    string    `json:"full_name"`
	Description *string   `json:"description"`
	HTMLURL     string    `json:"html_url"`
	CloneURL    *string   `json:"clone_url"`
	Language    *string   `json:"language"`
	IsPrivate   bool      `json:"is_private"`
	UserID      string    `json:"user_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
