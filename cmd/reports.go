package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ajharris/AlphaTest/internal/models"
	"github.com/ajharris/AlphaTest/internal/output"
	"github.com/ajharris/AlphaTest/internal/store"
)

var (
	reportsStatus  string
	reportsUser    string
	reportsRepo    string
	reportsPage    int
	reportsPerPage int
	reportsFormat  string
)

var reportsCmd = &cobra.Command{
	Use:     "reports",
	Aliases: []string{"report"},
	Short:   "Inspect submitted bug reports",
}

var reportsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bug reports, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return reportsListRun()
	},
}

var reportsShowCmd = &cobra.Command{
	Use:   "show <report-id>",
	Short: "Show a bug report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reportsShowRun(args[0])
	},
}

var reportsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export bug reports as JSON, CSV, or Markdown",
	RunE: func(cmd *cobra.Command, args []string) error {
		return reportsExportRun()
	},
}

func init() {
	for _, c := range []*cobra.Command{reportsListCmd, reportsExportCmd} {
		c.Flags().StringVar(&reportsStatus, "status", "", "Filter by status: open, in_progress, closed")
		c.Flags().StringVar(&reportsUser, "user", "", "Filter by local user ID")
		c.Flags().StringVar(&reportsRepo, "repo", "", "Filter by local repository ID")
	}
	reportsListCmd.Flags().IntVar(&reportsPage, "page", 1, "Page number")
	reportsListCmd.Flags().IntVar(&reportsPerPage, "per-page", 20, "Reports per page")
	reportsExportCmd.Flags().StringVar(&reportsFormat, "format", "json", "Output format: json, csv, markdown")

	reportsCmd.AddCommand(reportsListCmd)
	reportsCmd.AddCommand(reportsShowCmd)
	reportsCmd.AddCommand(reportsExportCmd)
	rootCmd.AddCommand(reportsCmd)
}

func reportsFilter() (store.BugReportListFilter, error) {
	status := models.BugReportStatus(reportsStatus)
	if status != "" && !status.Valid() {
		return store.BugReportListFilter{}, fmt.Errorf("unknown status: %s (use: open, in_progress, closed)", reportsStatus)
	}
	return store.BugReportListFilter{
		UserID:       reportsUser,
		RepositoryID: reportsRepo,
		Status:       status,
	}, nil
}

func reportsListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	filter, err := reportsFilter()
	if err != nil {
		return err
	}
	filter.Page = reportsPage
	filter.PerPage = reportsPerPage

	page, err := s.ListBugReports(ctx, filter)
	if err != nil {
		return err
	}
	if page.Total == 0 {
		ui.Info("No bug reports found")
		return nil
	}

	table := ui.Table([]string{"ID", "Title", "Status", "Priority", "Client", "Created"})
	for _, r := range page.Reports {
		_ = table.Append([]string{
			shortID(r.ID),
			output.Truncate(r.Title, 50),
			output.StatusColor(string(r.Status)),
			output.PriorityColor(string(r.Priority)),
			r.ClientKey,
			timeAgo(r.SubmittedAt),
		})
	}
	_ = table.Render()
	fmt.Fprintf(ui.Out, "\nPage %d of %d (%d reports)\n", page.Page, page.Pages, page.Total)
	return nil
}

func reportsShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	r, err := findBugReport(ctx, s, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(r.ID)), r.Title)
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(r.Status)))
	fmt.Fprintf(ui.Out, "  Priority:   %s\n", output.PriorityColor(string(r.Priority)))
	fmt.Fprintf(ui.Out, "  Client:     %s\n", r.ClientKey)
	if r.DeviceInfo != "" {
		fmt.Fprintf(ui.Out, "  Device:     %s\n", r.DeviceInfo)
	}
	if r.ScreenshotPath != "" {
		fmt.Fprintf(ui.Out, "  Screenshot: %s\n", r.ScreenshotPath)
	}
	if r.UserID != "" {
		if u, err := s.GetUser(ctx, r.UserID); err == nil {
			fmt.Fprintf(ui.Out, "  User:       %s\n", u.Username)
		}
	}
	if r.RepositoryID != "" {
		fmt.Fprintf(ui.Out, "  Repository: %s\n", r.RepositoryID)
	}
	fmt.Fprintf(ui.Out, "  Created:    %s\n", r.SubmittedAt.Format(time.RFC3339))
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", r.ID)
	fmt.Fprintln(ui.Out)
	fmt.Fprintln(ui.Out, r.Description)
	return nil
}

// allBugReports walks every page matching filter.
func allBugReports(ctx context.Context, s store.Store, filter store.BugReportListFilter) ([]*models.BugReport, error) {
	filter.PerPage = 100
	var out []*models.BugReport
	for filter.Page = 1; ; filter.Page++ {
		page, err := s.ListBugReports(ctx, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Reports...)
		if filter.Page >= page.Pages {
			return out, nil
		}
	}
}

// findBugReport finds a report by full ID or unique prefix.
func findBugReport(ctx context.Context, s store.Store, id string) (*models.BugReport, error) {
	r, err := s.GetBugReport(ctx, id)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	upper := strings.ToUpper(id)
	reports, err := allBugReports(ctx, s, store.BugReportListFilter{})
	if err != nil {
		return nil, err
	}
	var matches []*models.BugReport
	for _, r := range reports {
		if strings.HasPrefix(r.ID, upper) {
			matches = append(matches, r)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("bug report not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous report ID %s: matches %d reports", id, len(matches))
	}
}

func reportsExportRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	filter, err := reportsFilter()
	if err != nil {
		return err
	}
	reports, err := allBugReports(ctx, s, filter)
	if err != nil {
		return err
	}

	switch reportsFormat {
	case "json":
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	case "csv":
		w := csv.NewWriter(ui.Out)
		_ = w.Write([]string{"ID", "Title", "Status", "Priority", "Client", "User", "Repository", "Screenshot", "Created"})
		for _, r := range reports {
			_ = w.Write([]string{r.ID, r.Title, string(r.Status), string(r.Priority), r.ClientKey,
				r.UserID, r.RepositoryID, r.ScreenshotPath, r.SubmittedAt.Format(time.RFC3339)})
		}
		w.Flush()
		return w.Error()
	case "markdown":
		fmt.Fprintln(ui.Out, "# Bug Reports")
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, "| Title | Status | Priority | Created |")
		fmt.Fprintln(ui.Out, "|-------|--------|----------|---------|")
		for _, r := range reports {
			fmt.Fprintf(ui.Out, "| %s | %s | %s | %s |\n",
				strings.ReplaceAll(r.Title, "|", `\|`), r.Status, r.Priority, r.SubmittedAt.Format("2006-01-02"))
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s", reportsFormat)
	}
}

// shortID returns a truncated ULID for display (first 12 chars).
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// timeAgo returns a human-readable duration from a time.
func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}
