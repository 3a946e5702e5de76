package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajharris/AlphaTest/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

// --- Bug reports ---

func TestBugReport_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &models.BugReport{
		Title:       "Critical Bug",
		Description: "This is a critical bug that needs fixing",
		DeviceInfo:  "Mozilla/5.0 Chrome Windows",
		ClientKey:   "10.0.0.1",
	}
	require.NoError(t, s.CreateBugReport(ctx, r))
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, models.BugReportStatusOpen, r.Status)
	assert.Equal(t, models.BugReportPriorityMedium, r.Priority)
	assert.False(t, r.SubmittedAt.IsZero())

	got, err := s.GetBugReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "Critical Bug", got.Title)
	assert.Equal(t, "Mozilla/5.0 Chrome Windows", got.DeviceInfo)
	assert.Equal(t, "10.0.0.1", got.ClientKey)
	assert.Empty(t, got.ScreenshotPath)
	assert.Empty(t, got.UserID)
	assert.Empty(t, got.RepositoryID)
}

func TestBugReport_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetBugReport(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListBugReports_NewestFirstAndPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		r := &models.BugReport{
			Title:       "report",
			Description: "d",
			SubmittedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.CreateBugReport(ctx, r))
	}

	page, err := s.ListBugReports(ctx, BugReportListFilter{Page: 1, PerPage: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 3, page.Pages)
	require.Len(t, page.Reports, 2)
	assert.True(t, page.Reports[0].SubmittedAt.After(page.Reports[1].SubmittedAt))

	last, err := s.ListBugReports(ctx, BugReportListFilter{Page: 3, PerPage: 2})
	require.NoError(t, err)
	assert.Len(t, last.Reports, 1)

	beyond, err := s.ListBugReports(ctx, BugReportListFilter{Page: 9, PerPage: 2})
	require.NoError(t, err)
	assert.Empty(t, beyond.Reports)
	assert.Equal(t, 5, beyond.Total)
}

func TestListBugReports_Empty(t *testing.T) {
	s := newTestStore(t)
	page, err := s.ListBugReports(context.Background(), BugReportListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
	assert.Equal(t, 0, page.Pages)
	assert.NotNil(t, page.Reports)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 20, page.PerPage)
}

func TestListBugReports_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &models.User{GitHubID: 1, Username: "alice", AccessToken: "tok"}
	require.NoError(t, s.UpsertUser(ctx, u))
	repo := &models.Repository{GitHubID: 101, Name: "r", FullName: "alice/r", UserID: u.ID}
	require.NoError(t, s.UpsertRepository(ctx, repo))

	require.NoError(t, s.CreateBugReport(ctx, &models.BugReport{Title: "a", Description: "d", UserID: u.ID, RepositoryID: repo.ID}))
	require.NoError(t, s.CreateBugReport(ctx, &models.BugReport{Title: "b", Description: "d", Status: models.BugReportStatusClosed}))
	require.NoError(t, s.CreateBugReport(ctx, &models.BugReport{Title: "c", Description: "d", UserID: u.ID}))

	byUser, err := s.ListBugReports(ctx, BugReportListFilter{UserID: u.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, byUser.Total)

	byRepo, err := s.ListBugReports(ctx, BugReportListFilter{RepositoryID: repo.ID})
	require.NoError(t, err)
	require.Equal(t, 1, byRepo.Total)
	assert.Equal(t, "a", byRepo.Reports[0].Title)

	closed, err := s.ListBugReports(ctx, BugReportListFilter{Status: models.BugReportStatusClosed})
	require.NoError(t, err)
	require.Equal(t, 1, closed.Total)
	assert.Equal(t, "b", closed.Reports[0].Title)
}

// --- Users ---

func TestUpsertUser_CreatesThenUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &models.User{
		GitHubID:    12345,
		Username:    "oldusername",
		Email:       strPtr("old@example.com"),
		AvatarURL:   "old_avatar.gif",
		AccessToken: "old_token",
	}
	require.NoError(t, s.UpsertUser(ctx, u))
	firstID := u.ID
	assert.NotEmpty(t, firstID)

	updated := &models.User{
		GitHubID:    12345,
		Username:    "newusername",
		Email:       strPtr("new@example.com"),
		AvatarURL:   "new_avatar.gif",
		AccessToken: "new_token",
	}
	require.NoError(t, s.UpsertUser(ctx, updated))
	assert.Equal(t, firstID, updated.ID)

	got, err := s.GetUserByGitHubID(ctx, 12345)
	require.NoError(t, err)
	assert.Equal(t, "newusername", got.Username)
	require.NotNil(t, got.Email)
	assert.Equal(t, "new@example.com", *got.Email)
	assert.Equal(t, "new_avatar.gif", got.AvatarURL)
	assert.Equal(t, "new_token", got.AccessToken)

	byToken, err := s.GetUserByAccessToken(ctx, "new_token")
	require.NoError(t, err)
	assert.Equal(t, firstID, byToken.ID)

	_, err = s.GetUserByAccessToken(ctx, "old_token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertUser_NullEmail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &models.User{GitHubID: 7, Username: "noemail"}
	require.NoError(t, s.UpsertUser(ctx, u))

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Email)
}

func TestGetUserByAccessToken_Empty(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertUser(context.Background(), &models.User{GitHubID: 8, Username: "blank"}))

	_, err := s.GetUserByAccessToken(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Repositories ---

func TestUpsertRepository(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &models.User{GitHubID: 12345, Username: "testuser", AccessToken: "t"}
	require.NoError(t, s.UpsertUser(ctx, u))

	repo := &models.Repository{
		GitHubID:    101,
		Name:        "old-name",
		FullName:    "testuser/old-name",
		Description: strPtr("Old description"),
		HTMLURL:     "https://github.com/testuser/old-name",
		Language:    strPtr("Java"),
		IsPrivate:   true,
		UserID:      u.ID,
	}
	require.NoError(t, s.UpsertRepository(ctx, repo))
	firstID := repo.ID

	repo2 := &models.Repository{
		GitHubID:    101,
		Name:        "new-name",
		FullName:    "testuser/new-name",
		Description: strPtr("New description"),
		HTMLURL:     "https://github.com/testuser/new-name",
		CloneURL:    strPtr("https://github.com/testuser/new-name.git"),
		Language:    strPtr("Python"),
		UserID:      u.ID,
	}
	require.NoError(t, s.UpsertRepository(ctx, repo2))
	assert.Equal(t, firstID, repo2.ID)

	got, err := s.GetRepositoryByGitHubID(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, "new-name", got.Name)
	assert.Equal(t, "testuser/new-name", got.FullName)
	assert.Equal(t, "New description", *got.Description)
	assert.Equal(t, "Python", *got.Language)
	assert.False(t, got.IsPrivate)

	repos, err := s.ListRepositories(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, repos, 1)
}

func TestUpsertRepository_MissingOptionalFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &models.User{GitHubID: 1, Username: "u"}
	require.NoError(t, s.UpsertUser(ctx, u))
	require.NoError(t, s.UpsertRepository(ctx, &models.Repository{
		GitHubID: 101, Name: "minimal-repo", FullName: "u/minimal-repo", UserID: u.ID,
	}))

	got, err := s.GetRepositoryByGitHubID(ctx, 101)
	require.NoError(t, err)
	assert.Nil(t, got.Description)
	assert.Nil(t, got.CloneURL)
	assert.Nil(t, got.Language)
}

func TestReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &models.User{GitHubID: 1, Username: "u"}
	require.NoError(t, s.UpsertUser(ctx, u))
	require.NoError(t, s.CreateBugReport(ctx, &models.BugReport{Title: "t", Description: "d", UserID: u.ID}))

	require.NoError(t, s.Reset(ctx))

	page, err := s.ListBugReports(ctx, BugReportListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
	_, err = s.GetUser(ctx, u.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
