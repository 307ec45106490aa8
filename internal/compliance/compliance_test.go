package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"lexcomply/internal/analysis"
	"lexcomply/internal/audit"
	"lexcomply/pkg/domain"
	"lexcomply/pkg/store"
)

type stubChecker struct {
	result domain.ComplianceCheck
	err    error
}

func (s stubChecker) ComplianceCheck(context.Context, string, string) (domain.ComplianceCheck, analysis.Trace, error) {
	return s.result, analysis.Trace{Prompt: "p", Response: "r", TokensUsed: 3}, s.err
}

func newTestService(t *testing.T, checker Checker) (*Service, *store.MemoryStore, domain.User) {
	t.Helper()
	s := store.NewMemoryStore()
	user, err := s.UpsertUser(domain.User{ID: "u1", Email: "u1@example.com"})
	if err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	return NewService(s, checker, audit.NewRecorder(s)), s, user
}

func addReport(t *testing.T, s *store.MemoryStore, typ domain.ReportType, score float64, at time.Time) {
	t.Helper()
	err := s.CreateComplianceReport(domain.ComplianceReport{
		ID: string(typ) + at.String(), UserID: "u1", ReportType: typ, Score: score, Status: domain.ReportActive, CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("create report: %v", err)
	}
}

func TestScoreUsesLatestReportPerCategory(t *testing.T) {
	svc, s, _ := newTestService(t, stubChecker{})
	now := time.Now().UTC()
	addReport(t, s, domain.ReportGDPR, 10, now.Add(-time.Hour))
	addReport(t, s, domain.ReportGDPR, 80, now)
	addReport(t, s, domain.ReportISO27001, 60, now)
	addReport(t, s, domain.ReportDataRetention, 100, now)
	addReport(t, s, domain.ReportSecurity, 40, now)

	m, err := svc.Score("u1")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	want := domain.ComplianceMetrics{GDPR: 80, ISO27001: 60, DataRetention: 100, Security: 40, Overall: 70}
	if m != want {
		t.Fatalf("metrics = %+v, want %+v", m, want)
	}
}

func TestScoreDefaults(t *testing.T) {
	svc, _, _ := newTestService(t, stubChecker{})
	m, err := svc.Score("u1")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	want := domain.ComplianceMetrics{DataRetention: 100, Overall: 25}
	if m != want {
		t.Fatalf("metrics = %+v, want %+v", m, want)
	}
}

func TestScoreWithContentPersistsGDPRReport(t *testing.T) {
	svc, s, user := newTestService(t, stubChecker{result: domain.ComplianceCheck{Score: 90, Issues: []string{"no DPO"}, Recommendations: []string{"appoint DPO"}}})

	m, err := svc.ScoreWithContent(context.Background(), user, audit.Context{UserID: user.ID}, "privacy policy")
	if err != nil {
		t.Fatalf("score with content: %v", err)
	}
	if m.GDPR != 90 || m.Overall != 48 {
		t.Fatalf("metrics = %+v, want gdpr 90 overall 48", m)
	}
	latest, ok, _ := s.LatestComplianceReport("u1", domain.ReportGDPR)
	if !ok || latest.Score != 90 || latest.Findings["source"] != "content_check" {
		t.Fatalf("latest gdpr report = %+v, %v", latest, ok)
	}
	stored, _, _ := s.GetUser("u1")
	if stored.PlanUsage != 1 {
		t.Fatalf("planUsage = %d, want 1", stored.PlanUsage)
	}
	if analyses, _ := s.ListAIAnalyses("u1", 10); len(analyses) != 1 || analyses[0].AnalysisType != domain.AnalysisCompliance {
		t.Fatalf("analyses = %+v", analyses)
	}
}

func TestCheckDoesNotPersistReport(t *testing.T) {
	svc, s, user := newTestService(t, stubChecker{result: domain.ComplianceCheck{Score: 55}})
	if _, err := svc.Check(context.Background(), user, audit.Context{UserID: user.ID}, "text", ""); err != nil {
		t.Fatalf("check: %v", err)
	}
	if reports, _ := s.ListComplianceReports("u1", 10); len(reports) != 0 {
		t.Fatalf("reports = %d, want 0", len(reports))
	}
}

func TestCheckPropagatesAIFailure(t *testing.T) {
	svc, _, user := newTestService(t, stubChecker{err: analysis.ErrAIService})
	if _, err := svc.Check(context.Background(), user, audit.Context{}, "text", "gdpr"); !errors.Is(err, analysis.ErrAIService) {
		t.Fatalf("err = %v, want ErrAIService", err)
	}
}

func TestGenerateReportWithoutDocuments(t *testing.T) {
	svc, _, user := newTestService(t, stubChecker{})
	r, err := svc.GenerateReport(context.Background(), user, audit.Context{UserID: user.ID}, domain.ReportGDPR)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if r.Score != 0 || r.Findings["message"] != "No documents found for compliance analysis" {
		t.Fatalf("report = %+v", r)
	}
	if len(r.Recommendations) != 1 || r.Recommendations[0] != "Upload documents to begin compliance analysis" {
		t.Fatalf("recommendations = %v", r.Recommendations)
	}
}

func TestGenerateReportAveragesScoredDocuments(t *testing.T) {
	svc, s, user := newTestService(t, stubChecker{})
	now := time.Now().UTC()
	result := func(issue, rec string) json.RawMessage {
		b, _ := json.Marshal(domain.DocumentAnalysis{
			Recommendations: []string{rec},
			GDPRCompliance:  domain.GDPRCompliance{Issues: []string{issue}, Recommendations: []string{"shared"}},
		})
		return b
	}
	s80, s60 := 80.0, 60.0
	_ = s.CreateDocument(domain.Document{ID: "d1", UserID: "u1", Status: domain.StatusAnalyzed, ComplianceScore: &s80, AnalysisResult: result("no DPO", "appoint DPO"), CreatedAt: now})
	_ = s.CreateDocument(domain.Document{ID: "d2", UserID: "u1", Status: domain.StatusAnalyzed, ComplianceScore: &s60, AnalysisResult: result("no DPO", "encrypt"), CreatedAt: now})
	_ = s.CreateDocument(domain.Document{ID: "d3", UserID: "u1", Status: domain.StatusFailed, AnalysisResult: json.RawMessage(`{"error":"Failed to analyze document"}`), CreatedAt: now})

	r, err := svc.GenerateReport(context.Background(), user, audit.Context{UserID: user.ID}, domain.ReportISO27001)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if r.Score != 70 {
		t.Fatalf("score = %v, want 70", r.Score)
	}
	if r.Findings["documentsAnalyzed"] != 3 || r.Findings["documentsScored"] != 2 {
		t.Fatalf("findings = %+v", r.Findings)
	}
	if issues, _ := r.Findings["issues"].([]string); len(issues) != 1 {
		t.Fatalf("issues = %v, want deduplicated single issue", r.Findings["issues"])
	}
	if len(r.Recommendations) != 3 {
		t.Fatalf("recommendations = %v, want [appoint DPO shared encrypt]", r.Recommendations)
	}
	if latest, ok, _ := s.LatestComplianceReport("u1", domain.ReportISO27001); !ok || latest.ID != r.ID {
		t.Fatalf("report not persisted as latest iso27001")
	}
}

func TestGenerateReportRejectsUnknownType(t *testing.T) {
	svc, _, user := newTestService(t, stubChecker{})
	if _, err := svc.GenerateReport(context.Background(), user, audit.Context{}, "hipaa"); !errors.Is(err, ErrInvalidReportType) {
		t.Fatalf("err = %v, want ErrInvalidReportType", err)
	}
}

func TestRecommendationsTiers(t *testing.T) {
	cases := map[float64]string{
		10: "Urgent: Review and update your privacy policy",
		50: "Update cookie consent mechanisms",
		79: "Update cookie consent mechanisms",
		80: "Maintain current compliance standards",
	}
	for score, first := range cases {
		if got := Recommendations(score); len(got) != 3 || got[0] != first {
			t.Fatalf("Recommendations(%v) = %v", score, got)
		}
	}
}
