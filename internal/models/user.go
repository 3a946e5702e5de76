package models

import "time"

// User is a GitHub account that has signed in through OAuth.
type User struct {
	ID          string    `json:"id"`
	GitHubID    int64     `json:"github_id"`
	Username    string    `json:"username"`
	Email       *string   `json:"email"`
	AvatarURL   string    `json:"avatar_url"`
	AccessToken string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
