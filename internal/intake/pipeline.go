// Package intake validates and stores bug-report submissions.
//
// A Pipeline runs every submission through the same fixed sequence: rate
// limit, field validation, attachment check, persistence. Each step can end
// the run with a distinct error, and only a fully persisted submission
// counts against the client's rate limit.
package intake

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ajharris/AlphaTest/internal/models"
)

var submissionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "alphatest_bug_report_submissions_total",
		Help: "Bug report submissions by pipeline outcome",
	},
	[]string{"outcome"},
)

// RateLimiter decides admission per client key. Admit must not record.
// A successful Reserve holds a slot until done is called; done(true) turns
// it into a recorded event.
type RateLimiter interface {
	Admit(key string, now time.Time) bool
	Reserve(key string, now time.Time) (done func(commit bool), ok bool)
	Remaining(key string, now time.Time) int
}

// ReportSaver persists an accepted bug report, assigning its ID.
type ReportSaver interface {
	CreateBugReport(ctx context.Context, r *models.BugReport) error
}

// SubmissionRequest is one incoming submission. Title and Description are
// untyped; they pass through ToText.
type SubmissionRequest struct {
	Title        any
	Description  any
	DeviceInfo   string
	UserID       string
	RepositoryID string
	Attachment   *Attachment
	ClientKey    string
}

// Pipeline processes submissions.
type Pipeline struct {
	limiter RateLimiter
	guard   *Guard
	saver   ReportSaver
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the time source used for rate limiting and timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New returns a Pipeline using the given collaborators.
func New(limiter RateLimiter, guard *Guard, saver ReportSaver, opts ...Option) *Pipeline {
	p := &Pipeline{
		limiter: limiter,
		guard:   guard,
		saver:   saver,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Precheck reports ErrRateLimitExceeded if clientKey would be refused
// right now. It lets callers reject before reading a request body; Handle
// repeats the check.
func (p *Pipeline) Precheck(clientKey string) error {
	if clientKey == "" {
		clientKey = UnknownClientKey
	}
	if !p.limiter.Admit(clientKey, p.now()) {
		submissionsTotal.WithLabelValues(outcome(ErrRateLimitExceeded)).Inc()
		return ErrRateLimitExceeded
	}
	return nil
}

// Remaining returns how many more submissions clientKey may make now.
func (p *Pipeline) Remaining(clientKey string) int {
	if clientKey == "" {
		clientKey = UnknownClientKey
	}
	return p.limiter.Remaining(clientKey, p.now())
}

// Handle runs req through the pipeline and returns the saved report.
// Errors are ErrRateLimitExceeded, *ValidationError, ErrInvalidFileType,
// ErrFileTooLarge or *PersistenceError.
func (p *Pipeline) Handle(ctx context.Context, req *SubmissionRequest) (*models.BugReport, error) {
	report, err := p.handle(ctx, req)
	submissionsTotal.WithLabelValues(outcome(err)).Inc()
	return report, err
}

func (p *Pipeline) handle(ctx context.Context, req *SubmissionRequest) (*models.BugReport, error) {
	now := p.now()
	key := req.ClientKey
	if key == "" {
		key = UnknownClientKey
	}

	done, ok := p.limiter.Reserve(key, now)
	if !ok {
		p.logger.Warn("bug report rate limited", "client", key)
		return nil, ErrRateLimitExceeded
	}
	committed := false
	defer func() { done(committed) }()

	title, description := ToText(req.Title), ToText(req.Description)
	if res := Validate(Fields{Title: title, Description: description}); !res.Valid() {
		return nil, &ValidationError{Details: res.Errors}
	}

	stored, err := p.guard.Accept(req.Attachment)
	if err != nil {
		if errors.Is(err, ErrInvalidFileType) || errors.Is(err, ErrFileTooLarge) {
			return nil, err
		}
		p.logger.Error("bug report attachment read failed", "client", key, "error", err)
		return nil, &PersistenceError{Err: err}
	}

	report := &models.BugReport{
		Title:        strings.TrimSpace(title),
		Description:  strings.TrimSpace(description),
		DeviceInfo:   req.DeviceInfo,
		ClientKey:    key,
		Status:       models.BugReportStatusOpen,
		Priority:     models.BugReportPriorityMedium,
		UserID:       req.UserID,
		RepositoryID: req.RepositoryID,
		SubmittedAt:  now,
	}

	if stored != nil {
		if err := p.guard.Write(stored); err != nil {
			p.logger.Error("bug report attachment write failed", "client", key, "error", err)
			return nil, &PersistenceError{Err: err}
		}
		report.ScreenshotPath = stored.Path
	}

	if err := p.saver.CreateBugReport(ctx, report); err != nil {
		if stored != nil {
			if derr := p.guard.Discard(stored); derr != nil {
				p.logger.Warn("discard attachment", "path", stored.Path, "error", derr)
			}
		}
		p.logger.Error("bug report save failed", "client", key, "error", err)
		return nil, &PersistenceError{Err: err}
	}

	committed = true
	p.logger.Info("bug report submitted", "id", report.ID, "client", key, "attachment", stored != nil)
	return report, nil
}

func outcome(err error) string {
	var ve *ValidationError
	var pe *PersistenceError
	switch {
	case err == nil:
		return "created"
	case errors.Is(err, ErrRateLimitExceeded):
		return "rate_limited"
	case errors.As(err, &ve):
		return "invalid_fields"
	case errors.Is(err, ErrInvalidFileType):
		return "invalid_file_type"
	case errors.Is(err, ErrFileTooLarge):
		return "file_too_large"
	case errors.As(err, &pe):
		return "persistence_error"
	}
	return "error"
}
