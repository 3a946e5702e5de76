package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajharris/AlphaTest/internal/github"
	"github.com/ajharris/AlphaTest/internal/intake"
	"github.com/ajharris/AlphaTest/internal/models"
	"github.com/ajharris/AlphaTest/internal/ratelimit"
	"github.com/ajharris/AlphaTest/internal/session"
	"github.com/ajharris/AlphaTest/internal/store"
	"github.com/ajharris/AlphaTest/internal/ui"
)

type fakeGitHub struct {
	user     *github.User
	repos    []github.Repo
	userErr  error
	reposErr error
	exchange map[string]string
}

func (f *fakeGitHub) AuthCodeURL(state string) string {
	return "https://github.example/login/oauth/authorize?state=" + state
}

func (f *fakeGitHub) Exchange(_ context.Context, code string) (string, error) {
	if tok, ok := f.exchange[code]; ok {
		return tok, nil
	}
	return "", errors.New("bad_verification_code")
}

func (f *fakeGitHub) CurrentUser(context.Context, string) (*github.User, error) {
	if f.userErr != nil {
		return nil, f.userErr
	}
	return f.user, nil
}

func (f *fakeGitHub) ListRepos(context.Context, string) ([]github.Repo, error) {
	if f.reposErr != nil {
		return nil, f.reposErr
	}
	return f.repos, nil
}

// failingSaver wraps a store and fails every CreateBugReport.
type failingSaver struct{ store.Store }

func (failingSaver) CreateBugReport(context.Context, *models.BugReport) error {
	return errors.New("disk I/O error")
}

type testEnv struct {
	router    http.Handler
	store     store.Store
	gh        *fakeGitHub
	sessions  *session.Manager
	uploadDir string
}

type envOption func(*envConfig)

type envConfig struct {
	saver        intake.ReportSaver
	exposeErrors bool
	logger       *slog.Logger
}

func withSaver(s intake.ReportSaver) envOption { return func(c *envConfig) { c.saver = s } }
func withExposedErrors() envOption { return func(c *envConfig) { c.exposeErrors = true } }
func withLogger(l *slog.Logger) envOption { return func(c *envConfig) { c.logger = l } }

func setupTestServer(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	dir := t.TempDir()

	s, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	cfg := envConfig{saver: s}
	for _, o := range opts {
		o(&cfg)
	}

	uploadDir := filepath.Join(dir, "uploads")
	pipeline := intake.New(ratelimit.New(nil), intake.NewGuard(uploadDir), cfg.saver, intake.WithLogger(cfg.logger))

	sm, err := session.NewManager("test-secret")
	require.NoError(t, err)

	gh := &fakeGitHub{
		user:     &github.User{ID: 12345, Login: "octocat", AvatarURL: "https://avatars/octocat"},
		exchange: map[string]string{"good-code": "gho_token"},
	}

	spa := ui.SPAHandler(fstest.MapFS{"index.html": {Data: []byte("<html>spa</html>")}})
	srv := NewServer(s, pipeline, gh, sm, Options{
		TrustProxy:   true,
		ExposeErrors: cfg.exposeErrors,
		UI:           spa,
		Logger:       cfg.logger,
	})

	return &testEnv{router: srv.Router(), store: s, gh: gh, sessions: sm, uploadDir: uploadDir}
}

type upload struct {
	name string
	data []byte
}

func multipartBody(t *testing.T, fields map[string]string, file *upload) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		fw, err := mw.CreateFormFile("screenshot", file.name)
		require.NoError(t, err)
		_, err = fw.Write(file.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func (e *testEnv) submit(t *testing.T, clientIP string, fields map[string]string, file *upload, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, fields, file)
	req := httptest.NewRequest("POST", "/api/bug-report", body)
	req.Header.Set("Content-Type", ct)
	if clientIP != "" {
		req.Header.Set("X-Forwarded-For", clientIP)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) get(t *testing.T, target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// login returns a session cookie carrying token.
func (e *testEnv) login(t *testing.T, token string) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	require.NoError(t, e.sessions.Set(rec, token))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

func (e *testEnv) reportCount(t *testing.T) int {
	t.Helper()
	page, err := e.store.ListBugReports(context.Background(), store.BugReportListFilter{})
	require.NoError(t, err)
	return page.Total
}

var validFields = map[string]string{"title": "Bug", "description": "Desc"}

func TestSubmitBugReport_NoFile(t *testing.T) {
	env := setupTestServer(t)

	w := env.submit(t, "192.168.1.1", validFields, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode(t, w)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "Bug report submitted successfully", resp["message"])
	id, _ := resp["bug_report_id"].(string)
	require.NotEmpty(t, id)

	r, err := env.store.GetBugReport(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Bug", r.Title)
	assert.Equal(t, "Desc", r.Description)
	assert.Empty(t, r.ScreenshotPath)
	assert.Equal(t, "192.168.1.1", r.ClientKey)
	assert.Equal(t, models.BugReportStatusOpen, r.Status)
}

func TestSubmitBugReport_WithScreenshot(t *testing.T) {
	env := setupTestServer(t)

	fields := map[string]string{"title": "  Crash  ", "description": "Steps", "deviceInfo": "Pixel 8"}
	w := env.submit(t, "192.168.1.1", fields, &upload{name: "screen.PNG", data: []byte("fakepng")})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	r, err := env.store.GetBugReport(context.Background(), decode(t, w)["bug_report_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "Crash", r.Title)
	assert.Equal(t, "Pixel 8", r.DeviceInfo)
	require.NotEmpty(t, r.ScreenshotPath)
	assert.Equal(t, env.uploadDir, filepath.Dir(r.ScreenshotPath))
	assert.True(t, strings.HasSuffix(r.ScreenshotPath, "_screen.png"))

	data, err := os.ReadFile(r.ScreenshotPath)
	require.NoError(t, err)
	assert.Equal(t, "fakepng", string(data))
}

func TestSubmitBugReport_TraversalNameStaysInUploadDir(t *testing.T) {
	env := setupTestServer(t)

	w := env.submit(t, "192.168.1.1", validFields, &upload{name: "../../etc/evil.png", data: []byte("x")})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	r, err := env.store.GetBugReport(context.Background(), decode(t, w)["bug_report_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, env.uploadDir, filepath.Dir(r.ScreenshotPath))
}

func TestSubmitBugReport_ValidationFailed(t *testing.T) {
	env := setupTestServer(t)

	w := env.submit(t, "192.168.1.1", map[string]string{"title": "", "description": ""}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	resp := decode(t, w)
	assert.Equal(t, "Validation failed", resp["error"])
	assert.Equal(t, []any{"Title is required", "Description is required"}, resp["details"])
	assert.Equal(t, 0, env.reportCount(t))
}

func TestSubmitBugReport_MissingFields(t *testing.T) {
	env := setupTestServer(t)

	w := env.submit(t, "192.168.1.1", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, []any{"Title is required", "Description is required"}, decode(t, w)["details"])
}

func TestSubmitBugReport_TitleTooLong(t *testing.T) {
	env := setupTestServer(t)

	w := env.submit(t, "192.168.1.1", map[string]string{"title": strings.Repeat("a", 201), "description": "d"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, []any{"Title must be less than 200 characters"}, decode(t, w)["details"])

	w = env.submit(t, "192.168.1.1", map[string]string{"title": strings.Repeat("a", 200), "description": "d"}, nil)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestSubmitBugReport_ValidationBeforeFileCheck(t *testing.T) {
	env := setupTestServer(t)

	w := env.submit(t, "192.168.1.1", map[string]string{"title": "", "description": "d"}, &upload{name: "malware.exe", data: []byte("MZ")})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Validation failed", decode(t, w)["error"])
}

func TestSubmitBugReport_InvalidFileType(t *testing.T) {
	env := setupTestServer(t)

	for _, name := range []string{"malware.exe", "script.js", ".hidden.png", "noext"} {
		w := env.submit(t, "192.168.1.1", validFields, &upload{name: name, data: []byte("x")})
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
		assert.Equal(t, "Invalid file type. Only image files are allowed.", decode(t, w)["error"], name)
	}
	assert.Equal(t, 0, env.reportCount(t))
}

func TestSubmitBugReport_FileTooLarge(t *testing.T) {
	env := setupTestServer(t)

	big := &upload{name: "big.png", data: make([]byte, 6*1024*1024)}
	w := env.submit(t, "192.168.1.1", validFields, big)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "File size too large. Maximum size is 5MB.", decode(t, w)["error"])
	assert.Equal(t, 0, env.reportCount(t))

	entries, _ := os.ReadDir(env.uploadDir)
	assert.Empty(t, entries)

	// The rejected upload did not use up a slot.
	for i := 0; i < 5; i++ {
		w := env.submit(t, "192.168.1.1", validFields, nil)
		require.Equal(t, http.StatusCreated, w.Code, "submission %d", i+1)
	}
}

func TestSubmitBugReport_BodyOverCap(t *testing.T) {
	env := setupTestServer(t)

	huge := &upload{name: "huge.png", data: make([]byte, 12*1024*1024)}
	w := env.submit(t, "192.168.1.1", validFields, huge)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "File size too large. Maximum size is 5MB.", decode(t, w)["error"])
}

func TestSubmitBugReport_RateLimitHeaders(t *testing.T) {
	env := setupTestServer(t)

	w := env.submit(t, "192.168.1.1", validFields, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", w.Header().Get("X-RateLimit-Remaining"))

	// Failed submissions report the quota without spending it.
	w = env.submit(t, "192.168.1.1", map[string]string{}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "4", w.Header().Get("X-RateLimit-Remaining"))

	for i := 0; i < 4; i++ {
		require.Equal(t, http.StatusCreated, env.submit(t, "192.168.1.1", validFields, nil).Code)
	}
	w = env.submit(t, "192.168.1.1", validFields, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
}

func TestSubmitBugReport_RateLimit(t *testing.T) {
	env := setupTestServer(t)

	for i := 0; i < 5; i++ {
		w := env.submit(t, "192.168.1.1", validFields, nil)
		require.Equal(t, http.StatusCreated, w.Code, "submission %d", i+1)
	}

	w := env.submit(t, "192.168.1.1", validFields, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "Rate limit exceeded. Maximum 5 submissions per hour.", decode(t, w)["error"])
	assert.Equal(t, 5, env.reportCount(t))

	// Rejection happens regardless of content.
	w = env.submit(t, "192.168.1.1", map[string]string{}, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = env.submit(t, "10.0.0.2", validFields, nil)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestSubmitBugReport_MalformedMultipart(t *testing.T) {
	env := setupTestServer(t)

	req := httptest.NewRequest("POST", "/api/bug-report", strings.NewReader("--nope\r\ngarbage"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Validation failed", decode(t, w)["error"])
}

func TestSubmitBugReport_URLEncoded(t *testing.T) {
	env := setupTestServer(t)

	req := httptest.NewRequest("POST", "/api/bug-report", strings.NewReader("title=Bug&description=Desc"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestSubmitBugReport_MethodNotAllowed(t *testing.T) {
	env := setupTestServer(t)

	for _, method := range []string{"GET", "PUT", "DELETE"} {
		req := httptest.NewRequest(method, "/api/bug-report", nil)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, method)
	}
}

func TestSubmitBugReport_PersistenceError(t *testing.T) {
	env := setupTestServer(t, withSaver(failingSaver{}))

	w := env.submit(t, "192.168.1.1", validFields, &upload{name: "a.png", data: []byte("x")})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Failed to save bug report: internal error", decode(t, w)["error"])

	entries, _ := os.ReadDir(env.uploadDir)
	assert.Empty(t, entries)
}

func TestSubmitBugReport_PersistenceErrorLoggedOnce(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	env := setupTestServer(t, withSaver(failingSaver{}), withLogger(logger))

	w := env.submit(t, "192.168.1.1", validFields, nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 1, strings.Count(logs.String(), "disk I/O error"), logs.String())
}

func TestSubmitBugReport_PersistenceErrorExposed(t *testing.T) {
	env := setupTestServer(t, withSaver(failingSaver{}), withExposedErrors())

	w := env.submit(t, "192.168.1.1", validFields, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Failed to save bug report: disk I/O error", decode(t, w)["error"])
}

func TestSubmitBugReport_AssociatesUserAndRepository(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	u := &models.User{GitHubID: 12345, Username: "octocat", AccessToken: "gho_token"}
	require.NoError(t, env.store.UpsertUser(ctx, u))
	repo := &models.Repository{GitHubID: 777, Name: "app", FullName: "octocat/app", UserID: u.ID}
	require.NoError(t, env.store.UpsertRepository(ctx, repo))

	fields := map[string]string{"title": "Bug", "description": "Desc", "repository_id": "777"}
	w := env.submit(t, "192.168.1.1", fields, nil, env.login(t, "gho_token"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	r, err := env.store.GetBugReport(ctx, decode(t, w)["bug_report_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, u.ID, r.UserID)
	assert.Equal(t, repo.ID, r.RepositoryID)

	// Unknown repository ids are ignored.
	fields["repository_id"] = "999"
	w = env.submit(t, "192.168.1.1", fields, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	r, err = env.store.GetBugReport(ctx, decode(t, w)["bug_report_id"].(string))
	require.NoError(t, err)
	assert.Empty(t, r.UserID)
	assert.Empty(t, r.RepositoryID)
}

func TestListBugReports(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, env.store.CreateBugReport(ctx, &models.BugReport{
			Title:       fmt.Sprintf("report %d", i),
			Description: "d",
			ClientKey:   "1.2.3.4",
			SubmittedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	w := env.get(t, "/api/bug-reports?per_page=2")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, float64(3), resp["total"])
	assert.Equal(t, float64(2), resp["pages"])
	assert.Equal(t, float64(1), resp["current_page"])
	assert.Equal(t, float64(2), resp["per_page"])

	reports := resp["bug_reports"].([]any)
	require.Len(t, reports, 2)
	assert.Equal(t, "report 2", reports[0].(map[string]any)["title"])
	assert.Equal(t, "report 1", reports[1].(map[string]any)["title"])

	w = env.get(t, "/api/bug-reports?per_page=2&page=2")
	resp = decode(t, w)
	reports = resp["bug_reports"].([]any)
	require.Len(t, reports, 1)
	assert.Equal(t, "report 0", reports[0].(map[string]any)["title"])
}

func TestListBugReports_Defaults(t *testing.T) {
	env := setupTestServer(t)

	w := env.get(t, "/api/bug-reports?page=abc&per_page=1000")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, float64(1), resp["current_page"])
	assert.Equal(t, float64(100), resp["per_page"])
	assert.Equal(t, float64(0), resp["total"])
	assert.Equal(t, []any{}, resp["bug_reports"])
}

func TestListBugReports_StatusFilter(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	require.NoError(t, env.store.CreateBugReport(ctx, &models.BugReport{Title: "a", Description: "d", Status: models.BugReportStatusClosed}))
	require.NoError(t, env.store.CreateBugReport(ctx, &models.BugReport{Title: "b", Description: "d"}))

	resp := decode(t, env.get(t, "/api/bug-reports?status=closed"))
	assert.Equal(t, float64(1), resp["total"])
	assert.Equal(t, "a", resp["bug_reports"].([]any)[0].(map[string]any)["title"])
}

func TestGetBugReport(t *testing.T) {
	env := setupTestServer(t)
	r := &models.BugReport{Title: "one", Description: "d"}
	require.NoError(t, env.store.CreateBugReport(context.Background(), r))

	w := env.get(t, "/api/bug-reports/"+r.ID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "one", decode(t, w)["title"])

	w = env.get(t, "/api/bug-reports/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthz(t *testing.T) {
	env := setupTestServer(t)
	w := env.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestMetrics(t *testing.T) {
	env := setupTestServer(t)
	env.submit(t, "192.168.1.1", validFields, nil)

	w := env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body, _ := io.ReadAll(w.Body)
	assert.Contains(t, string(body), "alphatest_bug_report_submissions_total")
	assert.Contains(t, string(body), `route="POST /api/bug-report"`)
}

func TestCORSPreflight(t *testing.T) {
	env := setupTestServer(t)
	req := httptest.NewRequest("OPTIONS", "/api/bug-report", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSPAFallback(t *testing.T) {
	env := setupTestServer(t)
	for _, p := range []string{"/", "/reports", "/some/client/route"} {
		w := env.get(t, p)
		assert.Equal(t, http.StatusOK, w.Code, p)
		assert.Contains(t, w.Body.String(), "spa", p)
	}
}
