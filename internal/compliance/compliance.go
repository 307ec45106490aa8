// Package compliance aggregates per-category compliance scores and reports.
package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"lexcomply/internal/analysis"
	"lexcomply/internal/audit"
	"lexcomply/pkg/domain"
	"lexcomply/pkg/store"
)

// ErrInvalidReportType is returned for report types outside domain.ReportType.
var ErrInvalidReportType = errors.New("invalid report type")

const reportDocumentWindow = 50

// Checker runs an AI compliance check.
type Checker interface {
	ComplianceCheck(ctx context.Context, text, complianceType string) (domain.ComplianceCheck, analysis.Trace, error)
}

// Service computes scores and writes reports.
type Service struct {
	store   store.Store
	checker Checker
	audit   *audit.Recorder
	now     func() time.Time
}

// NewService builds a Service.
func NewService(s store.Store, checker Checker, rec *audit.Recorder) *Service {
	return &Service{store: s, checker: checker, audit: rec, now: func() time.Time { return time.Now().UTC() }}
}

// Score returns the user's category scores from their latest active reports.
// A category without a report scores 0, except data retention which scores 100.
func (s *Service) Score(userID string) (domain.ComplianceMetrics, error) {
	latest := func(t domain.ReportType, fallback float64) (float64, error) {
		r, ok, err := s.store.LatestComplianceReport(userID, t)
		if err != nil {
			return 0, fmt.Errorf("load %s report: %w", t, err)
		}
		if !ok {
			return fallback, nil
		}
		return r.Score, nil
	}
	var m domain.ComplianceMetrics
	var err error
	if m.GDPR, err = latest(domain.ReportGDPR, 0); err != nil {
		return domain.ComplianceMetrics{}, err
	}
	if m.ISO27001, err = latest(domain.ReportISO27001, 0); err != nil {
		return domain.ComplianceMetrics{}, err
	}
	if m.DataRetention, err = latest(domain.ReportDataRetention, 100); err != nil {
		return domain.ComplianceMetrics{}, err
	}
	if m.Security, err = latest(domain.ReportSecurity, 0); err != nil {
		return domain.ComplianceMetrics{}, err
	}
	m.Overall = overall(m)
	return m, nil
}

// ScoreWithContent runs a fresh GDPR check on content, stores it as the
// user's latest gdpr report and returns the aggregate including it.
func (s *Service) ScoreWithContent(ctx context.Context, user domain.User, actx audit.Context, content string) (domain.ComplianceMetrics, error) {
	check, err := s.runCheck(ctx, user, actx, content, string(domain.ReportGDPR))
	if err != nil {
		return domain.ComplianceMetrics{}, err
	}
	now := s.now()
	report := domain.ComplianceReport{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		ReportType: domain.ReportGDPR,
		Score:      check.Score,
		Findings: map[string]any{
			"issues":    check.Issues,
			"source":    "content_check",
			"timestamp": now.Format(time.RFC3339),
		},
		Recommendations: check.Recommendations,
		Status:          domain.ReportActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateComplianceReport(report); err != nil {
		return domain.ComplianceMetrics{}, fmt.Errorf("save gdpr report: %w", err)
	}
	m, err := s.Score(user.ID)
	if err != nil {
		return domain.ComplianceMetrics{}, err
	}
	m.GDPR = check.Score
	m.Overall = overall(m)
	return m, nil
}

// Check runs a compliance check without persisting a report.
func (s *Service) Check(ctx context.Context, user domain.User, actx audit.Context, content, complianceType string) (domain.ComplianceCheck, error) {
	if complianceType == "" {
		complianceType = string(domain.ReportGDPR)
	}
	return s.runCheck(ctx, user, actx, content, complianceType)
}

func (s *Service) runCheck(ctx context.Context, user domain.User, actx audit.Context, content, complianceType string) (domain.ComplianceCheck, error) {
	check, trace, err := s.checker.ComplianceCheck(ctx, content, complianceType)
	if err != nil {
		return domain.ComplianceCheck{}, err
	}
	rec := domain.AIAnalysis{
		ID:           uuid.NewString(),
		UserID:       user.ID,
		AnalysisType: domain.AnalysisCompliance,
		Prompt:       trace.Prompt,
		Response:     trace.Response,
		Metadata:     map[string]any{"complianceType": complianceType, "score": check.Score},
		CreatedAt:    s.now(),
	}
	if trace.TokensUsed > 0 {
		tokens := trace.TokensUsed
		rec.TokensUsed = &tokens
	}
	if err := s.store.CreateAIAnalysis(rec); err != nil {
		return domain.ComplianceCheck{}, fmt.Errorf("save ai analysis: %w", err)
	}
	if err := s.store.IncrementPlanUsage(user.ID, 1); err != nil {
		return domain.ComplianceCheck{}, fmt.Errorf("increment plan usage: %w", err)
	}
	s.audit.Compliance(ctx, actx, audit.ActionComplianceCheck, "", map[string]any{
		"complianceType": complianceType,
		"score":          check.Score,
		"issuesCount":    len(check.Issues),
	})
	return check, nil
}

// GenerateReport builds a report of reportType from the user's recent documents.
func (s *Service) GenerateReport(ctx context.Context, user domain.User, actx audit.Context, reportType domain.ReportType) (domain.ComplianceReport, error) {
	if !reportType.Valid() {
		return domain.ComplianceReport{}, fmt.Errorf("%w: %q", ErrInvalidReportType, reportType)
	}
	docs, err := s.store.ListDocuments(user.ID, reportDocumentWindow)
	if err != nil {
		return domain.ComplianceReport{}, fmt.Errorf("list documents: %w", err)
	}
	now := s.now()
	report := domain.ComplianceReport{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		ReportType: reportType,
		Status:     domain.ReportActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if len(docs) == 0 {
		report.Findings = map[string]any{
			"message":   "No documents found for compliance analysis",
			"timestamp": now.Format(time.RFC3339),
		}
		report.Recommendations = []string{"Upload documents to begin compliance analysis"}
	} else {
		summary := summarizeDocuments(docs)
		report.Score = summary.score
		report.Findings = map[string]any{
			"documentsAnalyzed": len(docs),
			"documentsScored":   summary.scored,
			"issues":            summary.issues,
			"timestamp":         now.Format(time.RFC3339),
		}
		report.Recommendations = summary.recommendations
	}
	if err := s.store.CreateComplianceReport(report); err != nil {
		return domain.ComplianceReport{}, fmt.Errorf("save report: %w", err)
	}
	s.audit.Compliance(ctx, actx, audit.ActionComplianceReport, report.ID, map[string]any{
		"reportType": reportType,
		"score":      report.Score,
	})
	return report, nil
}

type documentSummary struct {
	score           float64
	scored          int
	issues          []string
	recommendations []string
}

func summarizeDocuments(docs []domain.Document) documentSummary {
	var sum float64
	var out documentSummary
	issues := newOrderedSet()
	recs := newOrderedSet()
	for _, d := range docs {
		if d.ComplianceScore != nil {
			sum += *d.ComplianceScore
			out.scored++
		}
		if len(d.AnalysisResult) == 0 {
			continue
		}
		var a domain.DocumentAnalysis
		// Failed documents carry an error payload that simply decodes empty.
		if err := json.Unmarshal(d.AnalysisResult, &a); err != nil {
			continue
		}
		issues.add(a.GDPRCompliance.Issues...)
		recs.add(a.Recommendations...)
		recs.add(a.GDPRCompliance.Recommendations...)
	}
	if out.scored > 0 {
		out.score = sum / float64(out.scored)
	}
	out.issues = issues.items
	out.recommendations = recs.items
	return out
}

// Recommendations returns generic advice for an overall score.
func Recommendations(score float64) []string {
	switch {
	case score < 50:
		return []string{
			"Urgent: Review and update your privacy policy",
			"Implement data protection impact assessments",
			"Review data processing activities",
		}
	case score < 80:
		return []string{
			"Update cookie consent mechanisms",
			"Review data retention policies",
			"Implement regular compliance audits",
		}
	default:
		return []string{
			"Maintain current compliance standards",
			"Consider advanced security measures",
			"Regular monitoring and updates",
		}
	}
}

func overall(m domain.ComplianceMetrics) float64 {
	return math.Round((m.GDPR + m.ISO27001 + m.DataRetention + m.Security) / 4)
}

type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{}), items: []string{}}
}

func (s *orderedSet) add(values ...string) {
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := s.seen[v]; ok {
			continue
		}
		s.seen[v] = struct{}{}
		s.items = append(s.items, v)
	}
}
