// Package diagnostics classifies suspicious fetch results and keeps a
// bounded history of them for offline study.
package diagnostics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/mediagrab/mediagrab/internal/grab"
	"github.com/mediagrab/mediagrab/internal/metrics"
)

// Issue identifies one class of problem found in a payload.
type Issue string

// Issue kinds, in Describe's priority order (highest first, except
// that challenge outranks everything).
const (
	IssueChallenge      Issue = "challenge"
	IssueUnavailable    Issue = "unavailable"
	IssueTooShort       Issue = "too_short"
	IssueMissingAnchors Issue = "missing_anchors"
	IssueMissingMedia   Issue = "missing_media"
)

// Report is the immutable classification of one fetch's content.
type Report struct {
	Locator        string    `json:"locator"`
	Timestamp      time.Time `json:"timestamp"`
	Issues         []Issue   `json:"issues,omitempty"`
	Warnings       []string  `json:"warnings,omitempty"`
	Suggestions    []string  `json:"suggestions,omitempty"`
	StructureValid bool      `json:"structure_valid"`
}

func (r Report) has(issue Issue) bool {
	for _, i := range r.Issues {
		if i == issue {
			return true
		}
	}
	return false
}

// Config controls classification thresholds and history retention.
type Config struct {
	Dir             string
	MaxRecords      int
	MinPayloadLen   int
	PayloadCapBytes int

	// Phrase and selector sets. Zero values fall back to defaults
	// tuned for the upstream service's current markup.
	UnavailablePhrases []string
	ChallengeMarkers   []string
	StructureAnchors   []string
	MediaAnchors       []string
}

func (c *Config) applyDefaults() {
	if c.MaxRecords <= 0 {
		c.MaxRecords = 10
	}
	if c.MinPayloadLen <= 0 {
		c.MinPayloadLen = 5000
	}
	if c.PayloadCapBytes <= 0 {
		c.PayloadCapBytes = 256 << 10
	}
	if len(c.UnavailablePhrases) == 0 {
		c.UnavailablePhrases = []string{
			"this content isn't available",
			"this post is unavailable",
			"page not found",
			"this account is private",
			"not available in your region",
			"has been removed",
		}
	}
	if len(c.ChallengeMarkers) == 0 {
		c.ChallengeMarkers = []string{
			"verify you are human",
			"captcha",
			"unusual traffic",
			"checkpoint_required",
			"security check",
		}
	}
	if len(c.StructureAnchors) == 0 {
		c.StructureAnchors = []string{
			"main",
			"article",
			"meta[property='og:title']",
			"script[type='application/ld+json']",
		}
	}
	if len(c.MediaAnchors) == 0 {
		c.MediaAnchors = []string{
			"meta[property='og:video']",
			"meta[property='og:image']",
			"video",
		}
	}
}

// Recorder analyzes payloads, persists a most-recent-K history, and
// keeps per-kind error counters. Its methods never raise: persistence
// failures are logged and swallowed.
type Recorder struct {
	cfg    Config
	clock  grab.Clock
	logger *zap.Logger

	mu          sync.Mutex
	errorCounts map[string]int64
	lastReport  *Report
}

// Stats is the diagnostics section of the service stats payload.
type Stats struct {
	ErrorCounts map[string]int64 `json:"error_counts"`
	LastReport  *Report          `json:"last_report,omitempty"`
}

// New constructs a Recorder.
func New(cfg Config, clock grab.Clock, logger *zap.Logger) *Recorder {
	cfg.applyDefaults()
	return &Recorder{
		cfg:         cfg,
		clock:       clock,
		logger:      logger,
		errorCounts: make(map[string]int64),
	}
}

// Analyze classifies a payload that looked valid enough to return but
// may be an error-page substitute.
func (r *Recorder) Analyze(payload []byte, locator string) Report {
	report := Report{
		Locator:        locator,
		Timestamp:      r.clock.Now(),
		StructureValid: true,
	}
	lower := bytes.ToLower(payload)

	for _, phrase := range r.cfg.UnavailablePhrases {
		if bytes.Contains(lower, []byte(phrase)) {
			report.Issues = append(report.Issues, IssueUnavailable)
			report.StructureValid = false
			break
		}
	}

	r.checkAnchors(payload, &report)

	if len(payload) < r.cfg.MinPayloadLen {
		report.Issues = append(report.Issues, IssueTooShort)
		report.Suggestions = append(report.Suggestions,
			fmt.Sprintf("payload is %d bytes, expected at least %d", len(payload), r.cfg.MinPayloadLen))
		report.StructureValid = false
	}

	for _, marker := range r.cfg.ChallengeMarkers {
		if bytes.Contains(lower, []byte(marker)) {
			report.Issues = append(report.Issues, IssueChallenge)
			report.StructureValid = false
			break
		}
	}

	metrics.ObserveDiagnosticReport(report.StructureValid)
	r.mu.Lock()
	r.lastReport = &report
	r.mu.Unlock()
	return report
}

// checkAnchors applies the structural and media anchor rules: two or
// more structural anchors missing invalidates the page, exactly one
// missing degrades to a warning, and absent media anchors only warn.
func (r *Recorder) checkAnchors(payload []byte, report *Report) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		report.Issues = append(report.Issues, IssueMissingAnchors)
		report.StructureValid = false
		return
	}

	missing := 0
	for _, sel := range r.cfg.StructureAnchors {
		if doc.Find(sel).Length() == 0 {
			missing++
		}
	}
	switch {
	case missing >= 2:
		report.Issues = append(report.Issues, IssueMissingAnchors)
		report.Suggestions = append(report.Suggestions,
			fmt.Sprintf("%d of %d structural anchors missing; the page layout may have changed", missing, len(r.cfg.StructureAnchors)))
		report.StructureValid = false
	case missing == 1:
		report.Warnings = append(report.Warnings, "one structural anchor missing")
	}

	found := false
	for _, sel := range r.cfg.MediaAnchors {
		if doc.Find(sel).Length() > 0 {
			found = true
			break
		}
	}
	if !found {
		report.Issues = append(report.Issues, IssueMissingMedia)
		report.Warnings = append(report.Warnings, "no media reference anchors present")
	}
}

// Persist writes the report plus a size-capped copy of the payload to
// the history directory and prunes entries beyond the retention cap.
func (r *Recorder) Persist(payload []byte, report Report) {
	if r.cfg.Dir == "" {
		return
	}
	if err := os.MkdirAll(r.cfg.Dir, 0o750); err != nil {
		r.logger.Warn("create diagnostics dir failed", zap.Error(err))
		return
	}

	stamp := report.Timestamp.UTC().Format("20060102T150405.000000000")
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		r.logger.Warn("marshal diagnostic report failed", zap.Error(err))
		return
	}
	if err := os.WriteFile(filepath.Join(r.cfg.Dir, stamp+"-report.json"), data, 0o600); err != nil {
		r.logger.Warn("write diagnostic report failed", zap.Error(err))
		return
	}
	if len(payload) > r.cfg.PayloadCapBytes {
		payload = payload[:r.cfg.PayloadCapBytes]
	}
	if err := os.WriteFile(filepath.Join(r.cfg.Dir, stamp+"-payload.html"), payload, 0o600); err != nil {
		r.logger.Warn("write diagnostic payload failed", zap.Error(err))
	}

	r.prune()
}

// prune keeps only the most recent MaxRecords report/payload pairs.
func (r *Recorder) prune() {
	entries, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		r.logger.Warn("read diagnostics dir failed", zap.Error(err))
		return
	}
	var stamps []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "-report.json") {
			stamps = append(stamps, strings.TrimSuffix(e.Name(), "-report.json"))
		}
	}
	if len(stamps) <= r.cfg.MaxRecords {
		return
	}
	sort.Strings(stamps)
	for _, stamp := range stamps[:len(stamps)-r.cfg.MaxRecords] {
		for _, suffix := range []string{"-report.json", "-payload.html"} {
			if err := os.Remove(filepath.Join(r.cfg.Dir, stamp+suffix)); err != nil && !os.IsNotExist(err) {
				r.logger.Warn("prune diagnostic entry failed", zap.Error(err))
			}
		}
	}
}

// Describe maps a report to one user-facing message.
func (r *Recorder) Describe(report Report) string {
	switch {
	case report.has(IssueChallenge):
		return "the remote served a verification challenge; open the site in a browser and complete it before retrying"
	case report.has(IssueUnavailable):
		return "the content is unavailable, private, or region-restricted"
	case report.has(IssueTooShort):
		return "the response was abnormally short, which usually means an error page was served instead of content"
	default:
		return "the page structure may have changed; the extraction rules likely need updating"
	}
}

// TrackError bumps the counter for an error kind. Never raises.
func (r *Recorder) TrackError(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	r.mu.Lock()
	r.errorCounts[kind]++
	r.mu.Unlock()
}

// Stats returns a copy of the counters and the latest report.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int64, len(r.errorCounts))
	for k, v := range r.errorCounts {
		counts[k] = v
	}
	return Stats{ErrorCounts: counts, LastReport: r.lastReport}
}
