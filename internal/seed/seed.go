// Package seed loads sample users, repositories and bug reports for local
// development.
package seed

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ajharris/AlphaTest/internal/models"
	"github.com/ajharris/AlphaTest/internal/store"
)

//go:embed fixtures.yaml
var defaultFixtures []byte

// Fixtures is the on-disk sample data format.
type Fixtures struct {
	Users        []UserFixture       `yaml:"users"`
	Repositories []RepositoryFixture `yaml:"repositories"`
	BugReports   []BugReportFixture  `yaml:"bug_reports"`
}

type UserFixture struct {
	GitHubID    int64  `yaml:"github_id"`
	Username    string `yaml:"username"`
	Email       string `yaml:"email"`
	AvatarURL   string `yaml:"avatar_url"`
	AccessToken string `yaml:"access_token"`
}

type RepositoryFixture struct {
	GitHubID    int64  `yaml:"github_id"`
	Owner       string `yaml:"owner"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Language    string `yaml:"language"`
	Private     bool   `yaml:"private"`
}

type BugReportFixture struct {
	Title       string        `yaml:"title"`
	Description string        `yaml:"description"`
	DeviceInfo  string        `yaml:"device_info"`
	Status      string        `yaml:"status"`
	Priority    string        `yaml:"priority"`
	ClientIP    string        `yaml:"client_ip"`
	User        string        `yaml:"user"`
	Repository  int64         `yaml:"repository"`
	Age         time.Duration `yaml:"age"`
}

// Summary counts what Apply wrote.
type Summary struct {
	Users        int
	Repositories int
	BugReports   int
}

// Default returns the built-in fixtures.
func Default() (*Fixtures, error) {
	return Parse(defaultFixtures)
}

// Parse decodes fixtures from YAML.
func Parse(data []byte) (*Fixtures, error) {
	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	return &f, nil
}

// Apply writes f to s. Users and repositories are upserted by GitHub ID;
// bug reports are always inserted, dated relative to now.
func Apply(ctx context.Context, s store.Store, f *Fixtures, now time.Time) (Summary, error) {
	var sum Summary

	users := make(map[string]*models.User, len(f.Users))
	for _, uf := range f.Users {
		u := &models.User{
			GitHubID:    uf.GitHubID,
			Username:    uf.Username,
			AvatarURL:   uf.AvatarURL,
			AccessToken: uf.AccessToken,
		}
		if uf.Email != "" {
			email := uf.Email
			u.Email = &email
		}
		if err := s.UpsertUser(ctx, u); err != nil {
			return sum, fmt.Errorf("seed user %s: %w", uf.Username, err)
		}
		users[uf.Username] = u
		sum.Users++
	}

	repos := make(map[int64]*models.Repository, len(f.Repositories))
	for _, rf := range f.Repositories {
		owner, ok := users[rf.Owner]
		if !ok {
			return sum, fmt.Errorf("seed repository %s: unknown owner %q", rf.Name, rf.Owner)
		}
		fullName := rf.Owner + "/" + rf.Name
		r := &models.Repository{
			GitHubID:    rf.GitHubID,
			Name:        rf.Name,
			FullName:    fullName,
			Description: optional(rf.Description),
			HTMLURL:     "https://github.com/" + fullName,
			CloneURL:    optional("https://github.com/" + fullName + ".git"),
			Language:    optional(rf.Language),
			IsPrivate:   rf.Private,
			UserID:      owner.ID,
		}
		if err := s.UpsertRepository(ctx, r); err != nil {
			return sum, fmt.Errorf("seed repository %s: %w", fullName, err)
		}
		repos[rf.GitHubID] = r
		sum.Repositories++
	}

	for _, bf := range f.BugReports {
		status := models.BugReportStatus(bf.Status)
		if status == "" {
			status = models.BugReportStatusOpen
		}
		if !status.Valid() {
			return sum, fmt.Errorf("seed bug report %q: invalid status %q", bf.Title, bf.Status)
		}
		r := &models.BugReport{
			Title:       bf.Title,
			Description: bf.Description,
			DeviceInfo:  bf.DeviceInfo,
			ClientKey:   bf.ClientIP,
			Status:      status,
			Priority:    models.BugReportPriority(bf.Priority),
			SubmittedAt: now.Add(-bf.Age),
		}
		if u, ok := users[bf.User]; ok {
			r.UserID = u.ID
		}
		if repo, ok := repos[bf.Repository]; ok {
			r.RepositoryID = repo.ID
		}
		if err := s.CreateBugReport(ctx, r); err != nil {
			return sum, fmt.Errorf("seed bug report %q: %w", bf.Title, err)
		}
		sum.BugReports++
	}

	return sum, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
