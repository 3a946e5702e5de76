package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ajharris/AlphaTest/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single connection
	// serializes all DB access through Go's connection pool, preventing
	// "database is locked" errors from concurrent HTTP requests.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(pragma), err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// newULID generates a new ULID string, monotonic within the process.
func newULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}

// nullString maps "" to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullStringPtr maps a nil pointer to SQL NULL.
func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func notFound(kind, key string) error {
	return fmt.Errorf("%s %w: %s", kind, ErrNotFound, key)
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Reset deletes every bug report, repository and user.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	for _, table := range []string{"bug_reports", "repositories", "users"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Bug reports ---

const bugReportColumns = `id, title, description, device_info, screenshot_path, client_ip, status, priority, user_id, repository_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBugReport(row rowScanner) (*models.BugReport, error) {
	r := &models.BugReport{}
	var status, priority string
	var screenshot, userID, repoID sql.NullString
	if err := row.Scan(&r.ID, &r.Title, &r.Description, &r.DeviceInfo, &screenshot, &r.ClientKey,
		&status, &priority, &userID, &repoID, &r.SubmittedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = models.BugReportStatus(status)
	r.Priority = models.BugReportPriority(priority)
	r.ScreenshotPath = screenshot.String
	r.UserID = userID.String
	r.RepositoryID = repoID.String
	return r, nil
}

// CreateBugReport inserts r, assigning an ID when empty. A zero
// SubmittedAt is set to the current time; empty status and priority
// default to open and medium.
func (s *SQLiteStore) CreateBugReport(ctx context.Context, r *models.BugReport) error {
	if r.ID == "" {
		r.ID = newULID()
	}
	now := time.Now().UTC()
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = now
	}
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = models.BugReportStatusOpen
	}
	if r.Priority == "" {
		r.Priority = models.BugReportPriorityMedium
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bug_reports (`+bugReportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Title, r.Description, r.DeviceInfo, nullString(r.ScreenshotPath), r.ClientKey,
		string(r.Status), string(r.Priority), nullString(r.UserID), nullString(r.RepositoryID),
		r.SubmittedAt.UTC(), r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create bug report: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBugReport(ctx context.Context, id string) (*models.BugReport, error) {
	r, err := scanBugReport(s.db.QueryRowContext(ctx,
		`SELECT `+bugReportColumns+` FROM bug_reports WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("bug report", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get bug report: %w", err)
	}
	return r, nil
}

// ListBugReports returns one page of reports matching filter, newest first.
// A Page below 1 means the first page; a PerPage below 1 means 20.
func (s *SQLiteStore) ListBugReports(ctx context.Context, filter BugReportListFilter) (*BugReportPage, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PerPage < 1 {
		filter.PerPage = 20
	}

	var conditions []string
	var args []any
	if filter.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.RepositoryID != "" {
		conditions = append(conditions, "repository_id = ?")
		args = append(args, filter.RepositoryID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	page := &BugReportPage{Page: filter.Page, PerPage: filter.PerPage}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bug_reports"+where, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("count bug reports: %w", err)
	}
	page.Pages = (page.Total + filter.PerPage - 1) / filter.PerPage

	offset := (filter.Page - 1) * filter.PerPage
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bugReportColumns+` FROM bug_reports`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, filter.PerPage, offset)...)
	if err != nil {
		return nil, fmt.Errorf("list bug reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	page.Reports = []*models.BugReport{}
	for rows.Next() {
		r, err := scanBugReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bug report: %w", err)
		}
		page.Reports = append(page.Reports, r)
	}
	return page, rows.Err()
}

// --- Users ---

const userColumns = `id, github_id, username, email, avatar_url, access_token, created_at, updated_at`

func scanUser(row rowScanner) (*models.User, error) {
	u := &models.User{}
	var email sql.NullString
	if err := row.Scan(&u.ID, &u.GitHubID, &u.Username, &email, &u.AvatarURL, &u.AccessToken, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Email = stringPtr(email)
	return u, nil
}

// UpsertUser inserts u or, when a user with the same GitHub ID exists,
// overwrites its profile fields and token. u.ID and u.CreatedAt are
// populated from the stored row.
func (s *SQLiteStore) UpsertUser(ctx context.Context, u *models.User) error {
	now := time.Now().UTC()
	u.UpdatedAt = now
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(github_id) DO UPDATE SET
			username=excluded.username, email=excluded.email, avatar_url=excluded.avatar_url,
			access_token=excluded.access_token, updated_at=excluded.updated_at
		RETURNING id, created_at`,
		newULID(), u.GitHubID, u.Username, nullStringPtr(u.Email), u.AvatarURL, u.AccessToken, now, now,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) GetUserByGitHubID(ctx context.Context, githubID int64) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE github_id = ?`, githubID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", fmt.Sprintf("github id %d", githubID))
	}
	if err != nil {
		return nil, fmt.Errorf("get user by github id: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) GetUserByAccessToken(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, notFound("user", "empty token")
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE access_token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", "access token")
	}
	if err != nil {
		return nil, fmt.Errorf("get user by token: %w", err)
	}
	return u, nil
}

// --- Repositories ---

const repositoryColumns = `id, github_id, name, full_name, description, html_url, clone_url, language, is_private, user_id, created_at, updated_at`

func scanRepository(row rowScanner) (*models.Repository, error) {
	r := &models.Repository{}
	var description, cloneURL, language sql.NullString
	if err := row.Scan(&r.ID, &r.GitHubID, &r.Name, &r.FullName, &description, &r.HTMLURL, &cloneURL, &language,
		&r.IsPrivate, &r.UserID, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Description = stringPtr(description)
	r.CloneURL = stringPtr(cloneURL)
	r.Language = stringPtr(language)
	return r, nil
}

// UpsertRepository inserts r or updates the row with the same GitHub ID.
func (s *SQLiteStore) UpsertRepository(ctx context.Context, r *models.Repository) error {
	now := time.Now().UTC()
	r.UpdatedAt = now
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO repositories (`+repositoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(github_id) DO UPDATE SET
			name=excluded.name, full_name=excluded.full_name, description=excluded.description,
			html_url=excluded.html_url, clone_url=excluded.clone_url, language=excluded.language,
			is_private=excluded.is_private, user_id=excluded.user_id, updated_at=excluded.updated_at
		RETURNING id, created_at`,
		newULID(), r.GitHubID, r.Name, r.FullName, nullStringPtr(r.Description), r.HTMLURL,
		nullStringPtr(r.CloneURL), nullStringPtr(r.Language), boolToInt(r.IsPrivate), r.UserID, now, now,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert repository: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRepositoryByGitHubID(ctx context.Context, githubID int64) (*models.Repository, error) {
	r, err := scanRepository(s.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE github_id = ?`, githubID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("repository", fmt.Sprintf("github id %d", githubID))
	}
	if err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListRepositories(ctx context.Context, userID string) ([]*models.Repository, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE user_id = ? ORDER BY full_name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var repos []*models.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
