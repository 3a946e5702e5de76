package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ajharris/AlphaTest/internal/intake"
	"github.com/ajharris/AlphaTest/internal/models"
	"github.com/ajharris/AlphaTest/internal/store"
)

const maxPerPage = 100

func (s *Server) submitBugReport(w http.ResponseWriter, r *http.Request) {
	key := intake.ClientKey(r, s.opts.TrustProxy)
	if err := s.pipeline.Precheck(key); err != nil {
		s.setRateLimitHeaders(w, key)
		s.writeIntakeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxRequestBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.writeIntakeError(w, intake.ErrFileTooLarge)
			return
		}
		// Anything unparsable leaves the fields empty and fails validation.
		s.logger.Debug("bug report form parse", "error", err)
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	req := &intake.SubmissionRequest{
		Title:       formField(r, "title"),
		Description: formField(r, "description"),
		DeviceInfo:  intake.ToText(formField(r, "deviceInfo")),
		ClientKey:   key,
	}

	if file, hdr, err := r.FormFile("screenshot"); err == nil {
		defer file.Close()
		req.Attachment = &intake.Attachment{
			OriginalName: hdr.Filename,
			Content:      file,
			DeclaredSize: hdr.Size,
		}
	}

	s.resolveOwner(r, req)

	report, err := s.pipeline.Handle(r.Context(), req)
	s.setRateLimitHeaders(w, key)
	if err != nil {
		s.writeIntakeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success":       true,
		"bug_report_id": report.ID,
		"message":       "Bug report submitted successfully",
	})
}

// setRateLimitHeaders reports the client's quota for the current window.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, key string) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.rateLimitCapacity()))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(s.pipeline.Remaining(key)))
}

// formField returns a submitted form value, or nil when the field is absent.
func formField(r *http.Request, name string) any {
	var values []string
	if r.MultipartForm != nil {
		values = r.MultipartForm.Value[name]
	}
	if len(values) == 0 && r.PostForm != nil {
		values = r.PostForm[name]
	}
	if len(values) == 0 {
		return nil
	}
	return values[0]
}

// resolveOwner links the report to the signed-in user and, when given, to
// one of the mirrored repositories. Lookups that fail are ignored.
func (s *Server) resolveOwner(r *http.Request, req *intake.SubmissionRequest) {
	ctx := r.Context()
	if token, err := s.sessions.Token(r); err == nil {
		if u, err := s.store.GetUserByAccessToken(ctx, token); err == nil {
			req.UserID = u.ID
		}
	}
	if raw := intake.ToText(formField(r, "repository_id")); raw != "" {
		if ghID, err := strconv.ParseInt(raw, 10, 64); err == nil {
			if repo, err := s.store.GetRepositoryByGitHubID(ctx, ghID); err == nil {
				req.RepositoryID = repo.ID
			}
		}
	}
}

// writeIntakeError maps every pipeline outcome to one HTTP status.
func (s *Server) writeIntakeError(w http.ResponseWriter, err error) {
	var ve *intake.ValidationError
	var pe *intake.PersistenceError
	switch {
	case errors.Is(err, intake.ErrRateLimitExceeded):
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("Rate limit exceeded. Maximum %d submissions per hour.", s.rateLimitCapacity()))
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Validation failed",
			"details": ve.Details,
		})
	case errors.Is(err, intake.ErrInvalidFileType):
		writeError(w, http.StatusBadRequest, "Invalid file type. Only image files are allowed.")
	case errors.Is(err, intake.ErrFileTooLarge):
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("File size too large. Maximum size is %s.", formatMB(s.opts.MaxAttachmentBytes)))
	case errors.As(err, &pe):
		// The pipeline has already logged the cause.
		detail := "internal error"
		if s.opts.ExposeErrors {
			detail = pe.Err.Error()
		}
		writeError(w, http.StatusInternalServerError, "Failed to save bug report: "+detail)
	default:
		s.logger.Error("bug report intake", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to save bug report: internal error")
	}
}

func (s *Server) rateLimitCapacity() int {
	if s.opts.RateLimitCapacity > 0 {
		return s.opts.RateLimitCapacity
	}
	return 5
}

func formatMB(n int64) string {
	if n%(1<<20) == 0 {
		return fmt.Sprintf("%dMB", n>>20)
	}
	return fmt.Sprintf("%d bytes", n)
}

func (s *Server) listBugReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.BugReportListFilter{
		UserID:       q.Get("user_id"),
		RepositoryID: q.Get("repository_id"),
		Status:       models.BugReportStatus(q.Get("status")),
		Page:         queryInt(q.Get("page"), 1),
		PerPage:      queryInt(q.Get("per_page"), 20),
	}
	if filter.PerPage > maxPerPage {
		filter.PerPage = maxPerPage
	}

	page, err := s.store.ListBugReports(r.Context(), filter)
	if err != nil {
		s.logger.Error("list bug reports", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list bug reports")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bug_reports":  page.Reports,
		"total":        page.Total,
		"pages":        page.Pages,
		"current_page": page.Page,
		"per_page":     page.PerPage,
	})
}

func (s *Server) getBugReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.GetBugReport(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Bug report not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func queryInt(raw string, def int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
