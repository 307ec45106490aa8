package store

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"lexcomply/pkg/domain"
)

func TestMemoryStoreScopesDocumentsByOwner(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now().UTC()
	if err := s.CreateDocument(domain.Document{ID: "doc-1", UserID: "user-a", FileName: "a.txt", Status: domain.StatusUploaded, CreatedAt: now}); err != nil {
		t.Fatalf("create doc: %v", err)
	}

	if _, ok, _ := s.GetDocument("user-b", "doc-1"); ok {
		t.Fatalf("user-b must not see user-a's document")
	}
	if _, ok, _ := s.GetDocumentByFileName("user-b", "a.txt"); ok {
		t.Fatalf("user-b must not resolve user-a's file name")
	}
	if _, err := s.UpdateDocument("user-b", "doc-1", DocumentUpdate{Status: Status(domain.StatusFailed)}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update by non-owner err = %v, want ErrNotFound", err)
	}
	deleted, err := s.DeleteDocument("user-b", "doc-1")
	if err != nil || deleted {
		t.Fatalf("delete by non-owner = %v, %v; want false, nil", deleted, err)
	}
	if _, ok, _ := s.GetDocument("user-a", "doc-1"); !ok {
		t.Fatalf("owner should still see the document")
	}
}

func TestMemoryStoreUpdateDocumentCompareAndSet(t *testing.T) {
	s := NewMemoryStore()
	_ = s.CreateDocument(domain.Document{ID: "doc-1", UserID: "u", Status: domain.StatusUploaded, CreatedAt: time.Now().UTC()})

	doc, err := s.UpdateDocument("u", "doc-1", DocumentUpdate{
		ExpectStatus: Status(domain.StatusUploaded),
		Status:       Status(domain.StatusProcessing),
	})
	if err != nil {
		t.Fatalf("uploaded -> processing: %v", err)
	}
	if doc.Status != domain.StatusProcessing {
		t.Fatalf("status = %s, want processing", doc.Status)
	}

	if _, err := s.UpdateDocument("u", "doc-1", DocumentUpdate{
		ExpectStatus: Status(domain.StatusUploaded),
		Status:       Status(domain.StatusProcessing),
	}); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("second claim err = %v, want ErrStatusConflict", err)
	}

	score := 72.0
	doc, err = s.UpdateDocument("u", "doc-1", DocumentUpdate{
		ExpectStatus:    Status(domain.StatusProcessing),
		Status:          Status(domain.StatusAnalyzed),
		AnalysisResult:  json.RawMessage(`{"summary":"ok"}`),
		ComplianceScore: &score,
		Tags:            []string{"finding"},
	})
	if err != nil {
		t.Fatalf("processing -> analyzed: %v", err)
	}
	if doc.ComplianceScore == nil || *doc.ComplianceScore != 72 {
		t.Fatalf("complianceScore = %v, want 72", doc.ComplianceScore)
	}
	if len(doc.Tags) != 1 || doc.Tags[0] != "finding" {
		t.Fatalf("tags = %v, want [finding]", doc.Tags)
	}
}

func TestMemoryStoreListChatMessagesChronological(t *testing.T) {
	s := NewMemoryStore()
	base := time.Now().UTC()
	for i, text := range []string{"one", "two", "three"} {
		_ = s.CreateChatMessage(domain.ChatMessage{
			ID:        text,
			UserID:    "u",
			SessionID: "s1",
			Message:   text,
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
	}
	_ = s.CreateChatMessage(domain.ChatMessage{ID: "other", UserID: "u", SessionID: "s2", CreatedAt: base})

	msgs, err := s.ListChatMessages("u", "s1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Message != "two" || msgs[1].Message != "three" {
		t.Fatalf("messages = %+v, want [two three]", msgs)
	}
}

func TestMemoryStoreUpsertUserKeepsRoleAndPlan(t *testing.T) {
	s := NewMemoryStore()
	u, err := s.UpsertUser(domain.User{ID: "u", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if u.Role != domain.RoleUser || u.Plan != domain.PlanBasic || u.PlanLimit != domain.DefaultPlanLimit || !u.IsActive {
		t.Fatalf("unexpected defaults: %+v", u)
	}
	role := domain.RoleAdmin
	if _, err := s.UpdateUser("u", UserUpdate{Role: &role}); err != nil {
		t.Fatalf("update: %v", err)
	}
	u, err = s.UpsertUser(domain.User{ID: "u", Email: "b@example.com", Role: domain.RoleUser})
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if u.Role != domain.RoleAdmin {
		t.Fatalf("role = %s, want admin after re-login", u.Role)
	}
	if u.Email != "b@example.com" {
		t.Fatalf("email = %s, want refreshed profile", u.Email)
	}
}

func TestMemoryStoreUserStats(t *testing.T) {
	s := NewMemoryStore()
	_, _ = s.UpsertUser(domain.User{ID: "u"})
	_, _ = s.UpsertUser(domain.User{ID: "v"})
	now := time.Now().UTC()
	_ = s.CreateDocument(domain.Document{ID: "d1", UserID: "u", CreatedAt: now})
	_ = s.CreateDocument(domain.Document{ID: "d2", UserID: "v", CreatedAt: now})
	_ = s.CreateAIAnalysis(domain.AIAnalysis{ID: "a1", UserID: "u", CreatedAt: now})
	_ = s.CreateComplianceReport(domain.ComplianceReport{ID: "r1", UserID: "u", ReportType: domain.ReportGDPR, Score: 40, Status: domain.ReportActive, CreatedAt: now.Add(-time.Hour)})
	_ = s.CreateComplianceReport(domain.ComplianceReport{ID: "r2", UserID: "u", ReportType: domain.ReportGDPR, Score: 85, Status: domain.ReportActive, CreatedAt: now})

	stats, err := s.UserStats("u")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := domain.UserStats{DocumentsCount: 1, AIAnalysesCount: 1, ComplianceScore: 85, ActiveUsersCount: 2}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}
}

func TestMemoryStoreListStaleDocuments(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for _, d := range []domain.Document{
		{ID: "new", UserID: "u1", Status: domain.StatusProcessing, UpdatedAt: base.Add(time.Hour)},
		{ID: "old", UserID: "u2", Status: domain.StatusProcessing, UpdatedAt: base.Add(-2 * time.Hour)},
		{ID: "older", UserID: "u1", Status: domain.StatusProcessing, UpdatedAt: base.Add(-3 * time.Hour)},
		{ID: "queued", UserID: "u1", Status: domain.StatusUploaded, UpdatedAt: base.Add(-3 * time.Hour)},
		{ID: "done", UserID: "u1", Status: domain.StatusAnalyzed, UpdatedAt: base.Add(-3 * time.Hour)},
	} {
		if err := s.CreateDocument(d); err != nil {
			t.Fatalf("create %s: %v", d.ID, err)
		}
	}

	docs, err := s.ListStaleDocuments(domain.StatusProcessing, base, 0)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "older" || docs[1].ID != "old" {
		t.Fatalf("stale = %+v, want [older old]", docs)
	}
	docs, _ = s.ListStaleDocuments(domain.StatusProcessing, base, 1)
	if len(docs) != 1 || docs[0].ID != "older" {
		t.Fatalf("limited stale = %+v, want [older]", docs)
	}
}
