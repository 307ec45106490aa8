package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lexcomply/internal/analysis"
	"lexcomply/internal/audit"
	"lexcomply/internal/extract"
	"lexcomply/pkg/domain"
	"lexcomply/pkg/queue"
	"lexcomply/pkg/storage"
	"lexcomply/pkg/store"
)

type stubAnalyzer struct {
	result domain.DocumentAnalysis
	err    error
	block  bool
	calls  atomic.Int32
}

func (s *stubAnalyzer) AnalyzeDocument(ctx context.Context, _, _ string) (domain.DocumentAnalysis, analysis.Trace, error) {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return domain.DocumentAnalysis{}, analysis.Trace{}, ctx.Err()
	}
	return s.result, analysis.Trace{Response: "{}", TokensUsed: 42}, s.err
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, job queue.Job) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) Start(context.Context, int, queue.Handler) {}

type fixture struct {
	pipeline *Pipeline
	store    *store.MemoryStore
	objects  *storage.FileStore
	queue    *recordingQueue
	analyzer *stubAnalyzer
	user     domain.User
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	user, err := s.UpsertUser(domain.User{ID: "u1", Email: "a@example.com"})
	if err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	objects, err := storage.NewFileStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	q := &recordingQueue{}
	a := &stubAnalyzer{result: domain.DocumentAnalysis{
		Summary:         "Processing agreement",
		ComplianceScore: 72,
		KeyFindings:     []string{"Art. 28 clauses present", "No retention period"},
		Recommendations: []string{"Add a retention period"},
		Risks:           []domain.Risk{{Type: "retention", Severity: "medium", Description: "unbounded"}},
	}}
	p := New(s, objects, q, extract.NewRegistry(), a, audit.NewRecorder(s), cfg)
	return &fixture{pipeline: p, store: s, objects: objects, queue: q, analyzer: a, user: user}
}

func textFile(name, body string) File {
	return File{
		Name:        name,
		Size:        int64(len(body)),
		ContentType: "text/plain",
		Open:        func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(body)), nil },
	}
}

func (f *fixture) docCount(t *testing.T) int {
	t.Helper()
	docs, err := f.store.ListDocuments(f.user.ID, 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return len(docs)
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	f := newFixture(t, Config{})
	big := File{
		Name:        "big.pdf",
		Size:        60 << 20,
		ContentType: "application/pdf",
		Open:        func() (io.ReadCloser, error) { t.Fatal("oversized file opened"); return nil, nil },
	}
	_, err := f.pipeline.Upload(context.Background(), f.user, audit.Context{UserID: f.user.ID}, []File{textFile("ok.txt", "hello"), big})
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("err = %v, want ErrFileTooLarge", err)
	}
	if n := f.docCount(t); n != 0 {
		t.Fatalf("documents = %d, want 0", n)
	}
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t, Config{MaxFiles: 2})
	ctx := context.Background()
	actx := audit.Context{UserID: f.user.ID}

	if _, err := f.pipeline.Upload(ctx, f.user, actx, nil); !errors.Is(err, ErrNoFiles) {
		t.Fatalf("empty batch err = %v, want ErrNoFiles", err)
	}
	three := []File{textFile("a.txt", "a"), textFile("b.txt", "b"), textFile("c.txt", "c")}
	if _, err := f.pipeline.Upload(ctx, f.user, actx, three); !errors.Is(err, ErrTooManyFiles) {
		t.Fatalf("too many err = %v, want ErrTooManyFiles", err)
	}
	exe := textFile("tool.exe", "MZ")
	exe.ContentType = "application/x-msdownload"
	if _, err := f.pipeline.Upload(ctx, f.user, actx, []File{exe}); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("exe err = %v, want ErrUnsupportedType", err)
	}
	if n := f.docCount(t); n != 0 {
		t.Fatalf("documents = %d, want 0", n)
	}
	if len(f.queue.jobs) != 0 {
		t.Fatalf("jobs = %d, want 0", len(f.queue.jobs))
	}
}

func TestUploadFallsBackToExtension(t *testing.T) {
	f := newFixture(t, Config{})
	file := textFile("Notes Q3.TXT", "hello")
	file.ContentType = "application/octet-stream"
	docs, err := f.pipeline.Upload(context.Background(), f.user, audit.Context{UserID: f.user.ID}, []File{file})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	doc := docs[0]
	if doc.MimeType != extract.MimeTXT {
		t.Fatalf("mime = %q, want text/plain", doc.MimeType)
	}
	if !strings.HasPrefix(doc.FileName, "Notes_Q3-") || !strings.HasSuffix(doc.FileName, ".txt") {
		t.Fatalf("stored name = %q", doc.FileName)
	}
	if doc.FileURL != "/uploads/"+doc.FileName {
		t.Fatalf("fileUrl = %q", doc.FileURL)
	}
	if doc.Status != domain.StatusUploaded {
		t.Fatalf("status = %s, want uploaded", doc.Status)
	}
}

func TestProcessAnalyzesDocument(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	docs, err := f.pipeline.Upload(ctx, f.user, audit.Context{UserID: f.user.ID, IPAddress: "10.0.0.1"}, []File{textFile("dpa.txt", "The processor shall ...")})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if len(f.queue.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(f.queue.jobs))
	}
	job := f.queue.jobs[0]
	if job.DocumentID != docs[0].ID || job.IPAddress != "10.0.0.1" {
		t.Fatalf("job = %+v", job)
	}

	if err := f.pipeline.Process(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}
	doc, _, _ := f.store.GetDocument(f.user.ID, docs[0].ID)
	if doc.Status != domain.StatusAnalyzed {
		t.Fatalf("status = %s, want analyzed", doc.Status)
	}
	if doc.ComplianceScore == nil || *doc.ComplianceScore < 0 || *doc.ComplianceScore > 100 {
		t.Fatalf("score = %v", doc.ComplianceScore)
	}
	if len(doc.Tags) != 2 || doc.Tags[0] != "Art. 28 clauses present" {
		t.Fatalf("tags = %v", doc.Tags)
	}
	var res domain.DocumentAnalysis
	if err := json.Unmarshal(doc.AnalysisResult, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Summary != "Processing agreement" {
		t.Fatalf("summary = %q", res.Summary)
	}

	analyses, _ := f.store.ListAIAnalyses(f.user.ID, 10)
	if len(analyses) != 1 || analyses[0].Prompt != "Analyze document: dpa.txt" || analyses[0].DocumentID != doc.ID {
		t.Fatalf("analyses = %+v", analyses)
	}
	user, _, _ := f.store.GetUser(f.user.ID)
	if user.PlanUsage != 1 {
		t.Fatalf("planUsage = %d, want 1", user.PlanUsage)
	}

	logs, _ := f.store.ListAuditLogs(f.user.ID, 10)
	var sawAnalyze bool
	for _, l := range logs {
		if l.Action == audit.ActionDocumentAnalyze && l.IPAddress == "10.0.0.1" {
			sawAnalyze = true
		}
	}
	if !sawAnalyze {
		t.Fatalf("no document.analyze audit entry in %+v", logs)
	}
}

func TestProcessAIFailureMarksFailed(t *testing.T) {
	f := newFixture(t, Config{})
	f.analyzer.err = analysis.ErrAIService
	ctx := context.Background()
	docs, err := f.pipeline.Upload(ctx, f.user, audit.Context{UserID: f.user.ID}, []File{textFile("a.txt", "text")})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := f.pipeline.Process(ctx, f.queue.jobs[0]); err != nil {
		t.Fatalf("process returned %v, want nil", err)
	}
	doc, _, _ := f.store.GetDocument(f.user.ID, docs[0].ID)
	if doc.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", doc.Status)
	}
	var payload map[string]string
	if err := json.Unmarshal(doc.AnalysisResult, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["error"] != "Failed to analyze document" || payload["reason"] == "" {
		t.Fatalf("payload = %v", payload)
	}
	if doc.ComplianceScore != nil {
		t.Fatalf("score = %v, want nil", *doc.ComplianceScore)
	}
	if analyses, _ := f.store.ListAIAnalyses(f.user.ID, 10); len(analyses) != 0 {
		t.Fatalf("analyses = %d, want 0", len(analyses))
	}
}

func TestProcessTimeoutMarksFailed(t *testing.T) {
	f := newFixture(t, Config{AnalysisTimeout: 20 * time.Millisecond})
	f.analyzer.block = true
	ctx := context.Background()
	docs, err := f.pipeline.Upload(ctx, f.user, audit.Context{UserID: f.user.ID}, []File{textFile("a.txt", "text")})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := f.pipeline.Process(ctx, f.queue.jobs[0]); err != nil {
		t.Fatalf("process: %v", err)
	}
	doc, _, _ := f.store.GetDocument(f.user.ID, docs[0].ID)
	if doc.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", doc.Status)
	}
}

func TestProcessEmptyTextMarksFailed(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	docs, err := f.pipeline.Upload(ctx, f.user, audit.Context{UserID: f.user.ID}, []File{textFile("blank.txt", "  \n\t ")})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	_ = f.pipeline.Process(ctx, f.queue.jobs[0])
	doc, _, _ := f.store.GetDocument(f.user.ID, docs[0].ID)
	if doc.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", doc.Status)
	}
	if n := f.analyzer.calls.Load(); n != 0 {
		t.Fatalf("analyzer calls = %d, want 0", n)
	}
}

func TestProcessSkipsDuplicateDelivery(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	if _, err := f.pipeline.Upload(ctx, f.user, audit.Context{UserID: f.user.ID}, []File{textFile("a.txt", "text")}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	job := f.queue.jobs[0]
	if err := f.pipeline.Process(ctx, job); err != nil {
		t.Fatalf("first process: %v", err)
	}
	if err := f.pipeline.Process(ctx, job); err != nil {
		t.Fatalf("second process: %v", err)
	}
	if n := f.analyzer.calls.Load(); n != 1 {
		t.Fatalf("analyzer calls = %d, want 1", n)
	}
}

func TestUploadEnqueueFailureMarksFailed(t *testing.T) {
	f := newFixture(t, Config{})
	f.queue.err = queue.ErrQueueFull
	docs, err := f.pipeline.Upload(context.Background(), f.user, audit.Context{UserID: f.user.ID}, []File{textFile("a.txt", "text")})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if docs[0].Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", docs[0].Status)
	}
	if !strings.Contains(string(docs[0].AnalysisResult), "Failed to schedule analysis") {
		t.Fatalf("result = %s", docs[0].AnalysisResult)
	}
}

func TestDeleteDocumentTwice(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	actx := audit.Context{UserID: f.user.ID}
	docs, err := f.pipeline.Upload(ctx, f.user, actx, []File{textFile("a.txt", "text")})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	id := docs[0].ID
	if err := f.pipeline.DeleteDocument(ctx, f.user, actx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.objects.Open(ctx, docs[0].FileName); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("object open err = %v, want ErrObjectNotFound", err)
	}
	if err := f.pipeline.DeleteDocument(ctx, f.user, actx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestOpenFileScopedToOwner(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	docs, err := f.pipeline.Upload(ctx, f.user, audit.Context{UserID: f.user.ID}, []File{textFile("a.txt", "secret")})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	rc, _, err := f.pipeline.OpenFile(ctx, f.user, docs[0].FileName)
	if err != nil {
		t.Fatalf("open own file: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != "secret" {
		t.Fatalf("body = %q", body)
	}

	other := domain.User{ID: "u2"}
	if _, _, err := f.pipeline.OpenFile(ctx, other, docs[0].FileName); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign open err = %v, want ErrNotFound", err)
	}
	if _, err := f.pipeline.GetDocument(ctx, other, audit.Context{UserID: other.ID}, docs[0].ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign get err = %v, want ErrNotFound", err)
	}
}

func TestPipelineWithMemoryQueue(t *testing.T) {
	s := store.NewMemoryStore()
	user, _ := s.UpsertUser(domain.User{ID: "u1"})
	objects, err := storage.NewFileStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	q := queue.NewMemoryQueue(4)
	a := &stubAnalyzer{result: domain.DocumentAnalysis{ComplianceScore: 90}}
	p := New(s, objects, q, extract.NewRegistry(), a, audit.NewRecorder(s), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx, 2, p.Process)
	docs, err := p.Upload(ctx, user, audit.Context{UserID: user.ID}, []File{textFile("a.txt", "one"), textFile("b.txt", "two")})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for _, d := range docs {
		for {
			got, _, _ := s.GetDocument(user.ID, d.ID)
			if got.Status == domain.StatusAnalyzed {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("document %s status = %s, want analyzed", d.ID, got.Status)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	cancel()
	q.Wait()
}

func TestStoredName(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	cases := map[string]string{
		"../../etc/passwd":    "passwd-1700000000000-",
		"Vertrag (final).PDF": "Vertrag_final-1700000000000-",
		"...":                 "document-1700000000000-",
	}
	for in, prefix := range cases {
		got := storedName(in, now)
		if !strings.HasPrefix(got, prefix) {
			t.Fatalf("storedName(%q) = %q, want prefix %q", in, got, prefix)
		}
		if strings.ContainsAny(got, "/\\ ") {
			t.Fatalf("storedName(%q) = %q contains separators", in, got)
		}
	}
	if got := storedName("Vertrag (final).PDF", now); !strings.HasSuffix(got, ".pdf") {
		t.Fatalf("extension not lowercased: %q", got)
	}
}

func waitStatus(t *testing.T, s store.Store, userID, id string, want domain.DocumentStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _, _ := s.GetDocument(userID, id)
		if got.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("document %s status = %s, want %s", id, got.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUploadPartialFailureLeavesNothing(t *testing.T) {
	f := newFixture(t, Config{})
	broken := textFile("b.txt", "beta")
	broken.Open = func() (io.ReadCloser, error) { return nil, errors.New("disk gone") }
	docs, err := f.pipeline.Upload(context.Background(), f.user, audit.Context{UserID: f.user.ID}, []File{textFile("a.txt", "alpha"), broken})
	if err == nil {
		t.Fatalf("upload err = nil, want error")
	}
	if docs != nil {
		t.Fatalf("docs = %+v, want nil", docs)
	}
	if n := f.docCount(t); n != 0 {
		t.Fatalf("documents = %d, want 0", n)
	}
	if n := len(f.queue.jobs); n != 0 {
		t.Fatalf("queued jobs = %d, want 0", n)
	}
	logs, _ := f.store.ListAuditLogs(f.user.ID, 10)
	if len(logs) != 0 {
		t.Fatalf("audit logs = %d, want 0", len(logs))
	}
}

func TestUploadsReachTerminalStatusAcrossRestart(t *testing.T) {
	s := store.NewMemoryStore()
	user, _ := s.UpsertUser(domain.User{ID: "u1"})
	objects, err := storage.NewFileStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	cfg := Config{AnalysisTimeout: 300 * time.Millisecond}

	q1 := queue.NewMemoryQueue(16)
	blocking := &stubAnalyzer{block: true}
	p1 := New(s, objects, q1, extract.NewRegistry(), blocking, audit.NewRecorder(s), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	docs, err := p1.Upload(ctx, user, audit.Context{UserID: user.ID}, []File{
		textFile("a.txt", "alpha"), textFile("b.txt", "beta"), textFile("c.txt", "gamma"),
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	q1.Start(ctx, 1, p1.Process)
	waitStatus(t, s, user.ID, docs[0].ID, domain.StatusProcessing)
	cancel()
	q1.Wait()
	if left := q1.Drain(); len(left) != 2 {
		t.Fatalf("undelivered jobs = %d, want 2", len(left))
	}

	q2 := queue.NewMemoryQueue(16)
	p2 := New(s, objects, q2, extract.NewRegistry(), &stubAnalyzer{result: domain.DocumentAnalysis{ComplianceScore: 80}}, audit.NewRecorder(s), cfg)
	requeued, failed, err := p2.Recover(context.Background(), time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if requeued != 2 || failed != 0 {
		t.Fatalf("recover = %d requeued, %d failed; want 2, 0", requeued, failed)
	}
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	q2.Start(ctx2, 1, p2.Process)

	waitStatus(t, s, user.ID, docs[0].ID, domain.StatusFailed)
	waitStatus(t, s, user.ID, docs[1].ID, domain.StatusAnalyzed)
	waitStatus(t, s, user.ID, docs[2].ID, domain.StatusAnalyzed)
}

func TestRecoverFailsAbandonedProcessing(t *testing.T) {
	f := newFixture(t, Config{AnalysisTimeout: time.Minute})
	old := time.Now().UTC().Add(-time.Hour)
	recent := time.Now().UTC()
	for _, d := range []domain.Document{
		{ID: "stuck", UserID: f.user.ID, Status: domain.StatusProcessing, UpdatedAt: old},
		{ID: "live", UserID: f.user.ID, Status: domain.StatusProcessing, UpdatedAt: recent},
	} {
		if err := f.store.CreateDocument(d); err != nil {
			t.Fatalf("create %s: %v", d.ID, err)
		}
	}
	requeued, failed, err := f.pipeline.Recover(context.Background(), old)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if requeued != 0 || failed != 1 {
		t.Fatalf("recover = %d requeued, %d failed; want 0, 1", requeued, failed)
	}
	stuck, _, _ := f.store.GetDocument(f.user.ID, "stuck")
	if stuck.Status != domain.StatusFailed || !strings.Contains(string(stuck.AnalysisResult), "analysis interrupted") {
		t.Fatalf("stuck = %s %s, want failed with reason", stuck.Status, stuck.AnalysisResult)
	}
	live, _, _ := f.store.GetDocument(f.user.ID, "live")
	if live.Status != domain.StatusProcessing {
		t.Fatalf("live status = %s, want processing", live.Status)
	}
}

func TestProcessRedeliveryFailsAbandonedDocument(t *testing.T) {
	f := newFixture(t, Config{AnalysisTimeout: time.Minute})
	doc := domain.Document{ID: "d1", UserID: f.user.ID, Status: domain.StatusProcessing, UpdatedAt: time.Now().UTC().Add(-time.Hour)}
	if err := f.store.CreateDocument(doc); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.pipeline.Process(context.Background(), queue.Job{ID: "j1", DocumentID: doc.ID, UserID: f.user.ID}); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _, _ := f.store.GetDocument(f.user.ID, doc.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if n := f.analyzer.calls.Load(); n != 0 {
		t.Fatalf("analyzer calls = %d, want 0", n)
	}
}
