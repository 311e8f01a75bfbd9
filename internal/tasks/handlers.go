package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/kazicore/internal/domain"
	"github.com/ashureev/kazicore/internal/tools"
)

// JobMatchScanner is the periodic job-match scanner built-in task type,
// grounded on original_source/src/tasks/job_monitor.py's
// monitor_jobs_for_all_users: searches by the user's saved keywords and
// notifies on postings not seen before.
type JobMatchScanner struct {
	search *tools.SearchJobsTool
	// seen tracks URLs already notified per user, substituting for the
	// original's `applications`/`jobs` table lookup.
	seen map[string]map[string]bool
}

// NewJobMatchScanner builds a JobMatchScanner over search.
func NewJobMatchScanner(search *tools.SearchJobsTool) *JobMatchScanner {
	return &JobMatchScanner{search: search, seen: make(map[string]map[string]bool)}
}

func (s *JobMatchScanner) Run(ctx context.Context, spec Spec, dw *DualWriter) error {
	keywords := []string{spec.Configuration["target_role"]}
	if skills := spec.Configuration["skills"]; skills != "" {
		keywords = append(keywords, skills)
	}

	result := s.search.Invoke(ctx, tools.Args{"keywords": keywords, "max_results": 10})
	if !result.OK {
		return fmt.Errorf("job search failed: %s", result.ErrorKind)
	}

	jobs, _ := result.Data["jobs"].([]map[string]any)
	seen := s.seen[spec.UserID]
	if seen == nil {
		seen = make(map[string]bool)
		s.seen[spec.UserID] = seen
	}

	var newJobs []map[string]any
	for _, j := range jobs {
		url, _ := j["url"].(string)
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		newJobs = append(newJobs, j)
	}

	if len(newJobs) == 0 {
		return nil
	}

	dw.Notify(ctx, domain.Notification{
		Type:  "new_jobs_found",
		Title: fmt.Sprintf("%d new job postings found", len(newJobs)),
		Body:  fmt.Sprintf("Found %d new positions matching your saved search.", len(newJobs)),
	})
	return nil
}

// ApplicationStatusReminder is the periodic application-status reminder
// built-in task type, grounded on
// original_source/src/tasks/app_tracker.py's track_all_applications:
// flags applications stuck in "applied" for over a week.
type ApplicationStatusReminder struct {
	staleAfter time.Duration
}

// NewApplicationStatusReminder builds a reminder task with the given
// staleness window (the original hard-codes 7 days).
func NewApplicationStatusReminder(staleAfter time.Duration) *ApplicationStatusReminder {
	if staleAfter <= 0 {
		staleAfter = 7 * 24 * time.Hour
	}
	return &ApplicationStatusReminder{staleAfter: staleAfter}
}

func (r *ApplicationStatusReminder) Run(ctx context.Context, spec Spec, dw *DualWriter) error {
	appliedAt, err := time.Parse(time.RFC3339, spec.Configuration["applied_at"])
	if err != nil {
		return nil // no trackable application configured for this run
	}
	if time.Since(appliedAt) < r.staleAfter {
		return nil
	}

	title := spec.Configuration["title"]
	company := spec.Configuration["company"]
	dw.Notify(ctx, domain.Notification{
		Type:  "application_followup",
		Title: "Follow up on application",
		Body:  fmt.Sprintf("Your application for %q at %s has been pending for over a week. Consider following up.", title, company),
	})
	return nil
}

// CompanyDeepDive is the on-demand company research built-in task type,
// grounded on original_source/src/tasks/company_deep_dive.py's
// research_company.
type CompanyDeepDive struct {
	research *tools.CompanyResearchTool
}

// NewCompanyDeepDive builds a CompanyDeepDive over research.
func NewCompanyDeepDive(research *tools.CompanyResearchTool) *CompanyDeepDive {
	return &CompanyDeepDive{research: research}
}

func (c *CompanyDeepDive) Run(ctx context.Context, spec Spec, dw *DualWriter) error {
	company := spec.Configuration["company_name"]
	careersURL := spec.Configuration["careers_url"]

	result := c.research.Invoke(ctx, tools.Args{"company_name": company, "careers_url": careersURL})
	if !result.OK {
		return fmt.Errorf("company research failed: %s", result.ErrorKind)
	}

	dw.Notify(ctx, domain.Notification{
		Type:  "task_complete",
		Title: fmt.Sprintf("Company research: %s", company),
		Body:  fmt.Sprintf("Deep dive research on %s is complete.", company),
	})
	return nil
}
