package models

import "time"

// BugReportStatus represents where a bug report is in the triage workflow.
type BugReportStatus string

const (
	BugReportStatusOpen       BugReportStatus = "open"
	BugReportStatusInProgress BugReportStatus = "in_progress"
	BugReportStatusClosed     BugReportStatus = "closed"
)

// Valid reports whether s is one of the known statuses.
func (s BugReportStatus) Valid() bool {
	switch s {
	case BugReportStatusOpen, BugReportStatusInProgress, BugReportStatusClosed:
		return true
	}
	return false
}

// BugReportPriority represents the urgency of a bug report.
type BugReportPriority string

const (
	BugReportPriorityLow      BugReportPriority = "low"
	BugReportPriorityMedium   BugReportPriority = "medium"
	BugReportPriorityHigh     BugReportPriority = "high"
	BugReportPriorityCritical BugReportPriority = "critical"
)

// BugReport is a submitted bug report.
// ScreenshotPath, UserID and RepositoryID are empty when not set.
type BugReport struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	DeviceInfo     string            `json:"device_info"`
	ScreenshotPath string            `json:"screenshot_path,omitempty"`
	ClientKey      string            `json:"client_ip"`
	Status         BugReportStatus   `json:"status"`
	Priority       BugReportPriority `json:"priority"`
	UserID         string            `json:"user_id,omitempty"`
	RepositoryID   string            `json:"repository_id,omitempty"`
	SubmittedAt    time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}
