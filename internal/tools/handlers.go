package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/ashureev/kazicore/internal/orcherrors"
	"github.com/ashureev/kazicore/internal/sandbox"
)

// SearchJobsTool queries a job-board API, grounded on
// original_source/src/tools/job_search.py's JobSearchTool — keyword
// filtering over a single free API here rather than the original's
// multi-source fan-out, since the core's concern is the Tool Registry
// contract, not job-board coverage.
type SearchJobsTool struct {
	// Endpoint is the job-board API queried; overridable for tests.
	Endpoint string
	client   *http.Client
}

// NewSearchJobsTool builds a SearchJobsTool against the given endpoint.
func NewSearchJobsTool(endpoint string) *SearchJobsTool {
	return &SearchJobsTool{Endpoint: endpoint, client: &http.Client{Timeout: 10 * time.Second}}
}

func (t *SearchJobsTool) Name() string { return "search_jobs" }

func (t *SearchJobsTool) Schema() ArgSchema {
	return ArgSchema{
		{Name: "keywords", Type: FieldStringList, Required: true},
		{Name: "max_results", Type: FieldInt, Required: false},
	}
}

func (t *SearchJobsTool) Effect() Effect { return ReadOnly }

func (t *SearchJobsTool) Invoke(ctx context.Context, args Args) Result {
	keywords, _ := args["keywords"].([]string)
	maxResults := 10
	if v, ok := args["max_results"].(int); ok && v > 0 {
		maxResults = v
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.Endpoint, nil)
	if err != nil {
		return Result{OK: false, ErrorKind: orcherrors.KindToolFailed}
	}
	q := url.Values{}
	q.Set("search", strings.Join(keywords, "+"))
	req.URL.RawQuery = q.Encode()

	resp, err := t.client.Do(req)
	if err != nil {
		return Result{OK: false, ErrorKind: orcherrors.KindToolFailed}
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{OK: false, ErrorKind: orcherrors.KindToolFailed}
	}

	jobs := body.Data
	if len(jobs) > maxResults {
		jobs = jobs[:maxResults]
	}

	return Result{OK: true, Data: map[string]any{
		"total_found": len(body.Data),
		"returned":    len(jobs),
		"jobs":        jobs,
	}}
}

// SalaryLookupTool reports a band estimate for a role+location,
// grounded on original_source/src/tools/salary_research.py. It is
// ReadOnly: it never mutates state or causes a user-facing side effect.
type SalaryLookupTool struct {
	bands map[string][2]int
}

// NewSalaryLookupTool builds a SalaryLookupTool over a static band
// table (a real deployment would back this with a market-data API;
// out of scope for the orchestration core per spec.md §1).
func NewSalaryLookupTool(bands map[string][2]int) *SalaryLookupTool {
	if bands == nil {
		bands = map[string][2]int{}
	}
	return &SalaryLookupTool{bands: bands}
}

func (t *SalaryLookupTool) Name() string { return "salary_lookup" }

func (t *SalaryLookupTool) Schema() ArgSchema {
	return ArgSchema{
		{Name: "role", Type: FieldString, Required: true},
		{Name: "location", Type: FieldString, Required: false},
	}
}

func (t *SalaryLookupTool) Effect() Effect { return ReadOnly }

func (t *SalaryLookupTool) Invoke(_ context.Context, args Args) Result {
	role, _ := args["role"].(string)
	band, ok := t.bands[strings.ToLower(role)]
	if !ok {
		return Result{OK: true, Data: map[string]any{"found": false, "role": role}}
	}
	return Result{OK: true, Data: map[string]any{
		"found": true,
		"role":  role,
		"min":   band[0],
		"max":   band[1],
	}}
}

// DraftEmailNotifier is anything that can deliver a drafted email to a
// user — an external boundary, so DraftEmailTool stays decoupled from
// whatever transport a real deployment wires in.
type DraftEmailNotifier interface {
	Notify(ctx context.Context, userID, subject, body string) error
}

// DraftEmailTool composes an outreach/follow-up email and hands it to a
// DraftEmailNotifier, grounded on original_source/src/tools/email_drafter.py.
// Classified ExternalEffect per SPEC_FULL.md §4.A: it produces a
// user-facing side effect downstream even though it makes no outbound
// network call itself.
type DraftEmailTool struct {
	notifier DraftEmailNotifier
}

// NewDraftEmailTool builds a DraftEmailTool backed by notifier.
func NewDraftEmailTool(notifier DraftEmailNotifier) *DraftEmailTool {
	return &DraftEmailTool{notifier: notifier}
}

func (t *DraftEmailTool) Name() string { return "draft_email" }

func (t *DraftEmailTool) Schema() ArgSchema {
	return ArgSchema{
		{Name: "user_id", Type: FieldString, Required: true},
		{Name: "subject", Type: FieldString, Required: true},
		{Name: "body", Type: FieldString, Required: true},
	}
}

func (t *DraftEmailTool) Effect() Effect { return ExternalEffect }

func (t *DraftEmailTool) Invoke(ctx context.Context, args Args) Result {
	userID, _ := args["user_id"].(string)
	subject, _ := args["subject"].(string)
	body, _ := args["body"].(string)

	if err := t.notifier.Notify(ctx, userID, subject, body); err != nil {
		return Result{OK: false, ErrorKind: orcherrors.KindToolFailed}
	}
	return Result{OK: true, Data: map[string]any{"delivered": true}}
}

// CompanyResearchTool fetches a company's public careers/about page via
// a headless browser, grounded on
// original_source/src/tools/company_researcher.py and wired to
// github.com/go-rod/rod (theRebelliousNerd-codenerd/go.mod) for the
// headless-browser fetch itself. ExternalEffect: it makes an outbound
// network request to a site not under our control.
//
// When a sandbox.Manager is configured, the fetch itself runs inside
// one ephemeral container per invocation (SPEC_FULL.md's "external-
// effect tools execute in a sandbox" substrate) rather than launching
// Chromium on the host; the rod launcher stays as the no-sandbox
// fallback for local development.
type CompanyResearchTool struct {
	launcher *launcher.Launcher
	sandbox  *sandbox.Manager
}

// NewCompanyResearchTool builds a CompanyResearchTool with its own
// headless Chromium launcher and no sandbox (local-dev fallback path).
func NewCompanyResearchTool() *CompanyResearchTool {
	return &CompanyResearchTool{launcher: launcher.New().Headless(true)}
}

// NewSandboxedCompanyResearchTool builds a CompanyResearchTool that
// runs each fetch inside mgr's ephemeral per-invocation containers.
func NewSandboxedCompanyResearchTool(mgr *sandbox.Manager) *CompanyResearchTool {
	return &CompanyResearchTool{launcher: launcher.New().Headless(true), sandbox: mgr}
}

func (t *CompanyResearchTool) Name() string { return "company_research" }

func (t *CompanyResearchTool) Schema() ArgSchema {
	return ArgSchema{
		{Name: "company_name", Type: FieldString, Required: true},
		{Name: "careers_url", Type: FieldString, Required: true},
	}
}

func (t *CompanyResearchTool) Effect() Effect { return ExternalEffect }

func (t *CompanyResearchTool) Invoke(ctx context.Context, args Args) Result {
	careersURL, _ := args["careers_url"].(string)
	companyName, _ := args["company_name"].(string)
	if careersURL == "" {
		return Result{OK: false, ErrorKind: orcherrors.KindInvalidArgs}
	}

	if t.sandbox != nil {
		return t.invokeSandboxed(ctx, companyName, careersURL)
	}

	controlURL, err := t.launcher.Launch()
	if err != nil {
		return Result{OK: false, ErrorKind: orcherrors.KindToolFailed}
	}
	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return Result{OK: false, ErrorKind: orcherrors.KindToolFailed}
	}
	defer func() { _ = browser.Close() }()

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return Result{OK: false, ErrorKind: orcherrors.KindToolFailed}
	}
	if err := page.Navigate(careersURL); err != nil {
		return Result{OK: false, ErrorKind: orcherrors.KindToolFailed}
	}
	if err := page.WaitLoad(); err != nil {
		return Result{OK: false, ErrorKind: orcherrors.KindToolFailed}
	}

	body, err := page.Element("body")
	if err != nil {
		return Result{OK: false, ErrorKind: orcherrors.KindToolFailed}
	}
	text, err := body.Text()
	if err != nil {
		return Result{OK: false, ErrorKind: orcherrors.KindToolFailed}
	}

	snippet := text
	const maxSnippet = 4000
	if len(snippet) > maxSnippet {
		snippet = snippet[:maxSnippet]
	}

	return Result{OK: true, Data: map[string]any{
		"company": companyName,
		"url":     careersURL,
		"excerpt": snippet,
	}}
}

// invokeSandboxed runs the careers-page fetch inside one ephemeral
// container rather than launching Chromium on the host: the sandbox
// image is expected to fetch the URL and print its visible text to
// stdout, which becomes the excerpt.
func (t *CompanyResearchTool) invokeSandboxed(ctx context.Context, companyName, careersURL string) Result {
	out, err := t.sandbox.Run(ctx, sandbox.Invocation{
		Command: []string{"fetch-text", careersURL},
		Env:     map[string]string{"TARGET_URL": careersURL},
	})
	if err != nil {
		return Result{OK: false, ErrorKind: orcherrors.KindToolFailed}
	}

	snippet := out
	const maxSnippet = 4000
	if len(snippet) > maxSnippet {
		snippet = snippet[:maxSnippet]
	}

	return Result{OK: true, Data: map[string]any{
		"company": companyName,
		"url":     careersURL,
		"excerpt": snippet,
	}}
}
