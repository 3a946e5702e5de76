package store

import (
	"context"
	"errors"

	"github.com/ajharris/AlphaTest/internal/models"
)

// ErrNotFound is returned (wrapped) when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// BugReportListFilter specifies filters and paging for listing bug reports.
// Empty fields match everything. Page is 1-based.
type BugReportListFilter struct {
	UserID       string
	RepositoryID string
	Status       models.BugReportStatus
	Page         int
	PerPage      int
}

// BugReportPage is one page of bug reports, newest first.
type BugReportPage struct {
	Reports []*models.BugReport
	Total   int
	Pages   int
	Page    int
	PerPage int
}

// Store defines the persistence interface for the backend.
type Store interface {
	// Bug reports
	CreateBugReport(ctx context.Context, r *models.BugReport) error
	GetBugReport(ctx context.Context, id string) (*models.BugReport, error)
	ListBugReports(ctx context.Context, filter BugReportListFilter) (*BugReportPage, error)

	// Users
	UpsertUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByGitHubID(ctx context.Context, githubID int64) (*models.User, error)
	GetUserByAccessToken(ctx context.Context, token string) (*models.User, error)

	// Repositories
	UpsertRepository(ctx context.Context, r *models.Repository) error
	GetRepositoryByGitHubID(ctx context.Context, githubID int64) (*models.Repository, error)
	ListRepositories(ctx context.Context, userID string) ([]*models.Repository, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Reset(ctx context.Context) error
	Close() error
}
