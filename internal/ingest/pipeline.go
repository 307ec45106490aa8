// Package ingest accepts document uploads and analyzes them asynchronously.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"lexcomply/internal/analysis"
	"lexcomply/internal/audit"
	"lexcomply/internal/extract"
	"lexcomply/internal/util"
	"lexcomply/pkg/domain"
	"lexcomply/pkg/queue"
	"lexcomply/pkg/storage"
	"lexcomply/pkg/store"
)

var (
	ErrNoFiles         = errors.New("No files uploaded")
	ErrTooManyFiles    = errors.New("Too many files. Maximum 10 files per upload.")
	ErrFileTooLarge    = errors.New("File too large. Maximum size is 50MB.")
	ErrUnsupportedType = errors.New("Invalid file type. Only PDF, DOC, DOCX, TXT, and RTF files are allowed.")
	ErrNotFound        = errors.New("document not found")
)

const (
	defaultMaxFiles        = 10
	defaultMaxFileSize     = 50 << 20
	defaultAnalysisTimeout = 2 * time.Minute
	defaultListLimit       = 50
	maxListLimit           = 200
	maxTags                = 10
	downloadURLExpiry      = 15 * time.Minute
	staleGrace             = 30 * time.Second
	recoverBatch           = 500
)

var (
	documentsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lexcomply_documents_processed_total",
		Help: "Documents taken off the analysis queue, by outcome.",
	}, []string{"outcome"})

	analysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lexcomply_document_analysis_seconds",
		Help:    "Time from claiming a document to its terminal status.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
	})
)

// Analyzer produces a document analysis from extracted text.
type Analyzer interface {
	AnalyzeDocument(ctx context.Context, fileName, text string) (domain.DocumentAnalysis, analysis.Trace, error)
}

// File is one uploaded file awaiting storage.
type File struct {
	Name        string
	Size        int64
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// Config tunes the pipeline limits.
type Config struct {
	MaxFiles        int
	MaxFileSize     int64
	AnalysisTimeout time.Duration
}

// Pipeline wires upload, storage, queueing and analysis of documents.
type Pipeline struct {
	store     store.Store
	objects   storage.ObjectStore
	queue     queue.Queue
	extractor *extract.Registry
	analyzer  Analyzer
	audit     *audit.Recorder
	cfg       Config
	now       func() time.Time
}

// New builds a Pipeline; zero Config fields take defaults.
func New(s store.Store, objects storage.ObjectStore, q queue.Queue, extractor *extract.Registry, analyzer Analyzer, rec *audit.Recorder, cfg Config) *Pipeline {
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = defaultMaxFiles
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = defaultAnalysisTimeout
	}
	return &Pipeline{
		store:     s,
		objects:   objects,
		queue:     q,
		extractor: extractor,
		analyzer:  analyzer,
		audit:     rec,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Upload validates the whole batch, stores every file and schedules analysis.
// A rejected or partly stored batch leaves no rows and no objects behind.
func (p *Pipeline) Upload(ctx context.Context, user domain.User, actx audit.Context, files []File) ([]domain.Document, error) {
	mediaTypes, err := p.validate(files)
	if err != nil {
		return nil, err
	}
	docs := make([]domain.Document, 0, len(files))
	for i, f := range files {
		doc, err := p.store1(ctx, user, f, mediaTypes[i])
		if err != nil {
			p.discard(ctx, docs)
			return nil, err
		}
		docs = append(docs, doc)
	}
	for i, doc := range docs {
		p.audit.Document(ctx, actx, audit.ActionDocumentUpload, doc.ID, map[string]any{
			"fileName":     doc.FileName,
			"originalName": doc.OriginalName,
			"fileSize":     doc.FileSize,
			"mimeType":     doc.MimeType,
		})
		if err := p.queue.Enqueue(ctx, queue.Job{
			DocumentID: doc.ID,
			UserID:     user.ID,
			IPAddress:  actx.IPAddress,
			UserAgent:  actx.UserAgent,
		}); err != nil {
			util.LoggerFromContext(ctx).Error("analysis_enqueue_failed", "document_id", doc.ID, "err", err)
			updated, uerr := p.store.UpdateDocument(user.ID, doc.ID, store.DocumentUpdate{
				ExpectStatus:   store.Status(domain.StatusUploaded),
				Status:         store.Status(domain.StatusFailed),
				AnalysisResult: errorPayload("Failed to schedule analysis", ""),
			})
			if uerr == nil {
				docs[i] = updated
			}
		}
	}
	return docs, nil
}

// discard removes the rows and objects of a batch that failed part way.
func (p *Pipeline) discard(ctx context.Context, docs []domain.Document) {
	ctx = context.WithoutCancel(ctx)
	logger := util.LoggerFromContext(ctx)
	for _, doc := range docs {
		if _, err := p.store.DeleteDocument(doc.UserID, doc.ID); err != nil {
			logger.Warn("partial_upload_cleanup_failed", "document_id", doc.ID, "err", err)
			continue
		}
		if err := p.objects.Delete(ctx, doc.FileName); err != nil {
			logger.Warn("orphan_object_delete_failed", "file_name", doc.FileName, "err", err)
		}
	}
}

func (p *Pipeline) validate(files []File) ([]string, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	if len(files) > p.cfg.MaxFiles {
		return nil, ErrTooManyFiles
	}
	mediaTypes := make([]string, len(files))
	for i, f := range files {
		if f.Size > p.cfg.MaxFileSize {
			return nil, ErrFileTooLarge
		}
		mt := extract.NormalizeMediaType(f.ContentType)
		if mt == "" || mt == "application/octet-stream" {
			mt, _ = extract.MediaTypeForExtension(filepath.Ext(f.Name))
		}
		if mt == "" || !p.extractor.Supports(mt) {
			return nil, ErrUnsupportedType
		}
		mediaTypes[i] = mt
	}
	return mediaTypes, nil
}

func (p *Pipeline) store1(ctx context.Context, user domain.User, f File, mediaType string) (domain.Document, error) {
	now := p.now()
	name := storedName(f.Name, now)
	rc, err := f.Open()
	if err != nil {
		return domain.Document{}, fmt.Errorf("open upload: %w", err)
	}
	err = p.objects.Put(ctx, name, rc, f.Size, mediaType)
	rc.Close()
	if err != nil {
		return domain.Document{}, fmt.Errorf("store upload: %w", err)
	}
	doc := domain.Document{
		ID:           uuid.NewString(),
		UserID:       user.ID,
		FileName:     name,
		OriginalName: f.Name,
		FileSize:     f.Size,
		MimeType:     mediaType,
		FileURL:      "/uploads/" + name,
		Status:       domain.StatusUploaded,
		Tags:         []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.store.CreateDocument(doc); err != nil {
		if derr := p.objects.Delete(context.WithoutCancel(ctx), name); derr != nil {
			util.LoggerFromContext(ctx).Warn("orphan_object_delete_failed", "file_name", name, "err", derr)
		}
		return domain.Document{}, fmt.Errorf("create document: %w", err)
	}
	return doc, nil
}

// Process analyzes one queued document. It returns nil once the document has
// reached a terminal status, so queue backends do not retry analysis.
func (p *Pipeline) Process(ctx context.Context, job queue.Job) error {
	start := time.Now()
	logger := util.LoggerFromContext(ctx).With("document_id", job.DocumentID, "job_id", job.ID)
	actx := audit.Context{UserID: job.UserID, IPAddress: job.IPAddress, UserAgent: job.UserAgent}

	doc, err := p.store.UpdateDocument(job.UserID, job.DocumentID, store.DocumentUpdate{
		ExpectStatus: store.Status(domain.StatusUploaded),
		Status:       store.Status(domain.StatusProcessing),
	})
	if errors.Is(err, store.ErrStatusConflict) && p.stale(doc) {
		// A worker died mid-analysis and the job came back.
		if p.abandon(ctx, doc, actx) {
			logger.Warn("analysis_abandoned", "updated_at", doc.UpdatedAt)
		}
		return nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrStatusConflict) {
		logger.Info("analysis_skipped", "reason", err.Error())
		documentsProcessed.WithLabelValues("skipped").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim document: %w", err)
	}

	defer func() { analysisDuration.Observe(time.Since(start).Seconds()) }()

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.AnalysisTimeout)
	defer cancel()
	analyzed, err := p.analyze(runCtx, doc, actx)
	if err != nil {
		p.fail(ctx, doc, actx, err)
		return nil
	}
	logger.Info("analysis_completed", "compliance_score", analyzed.ComplianceScore, "duration_ms", time.Since(start).Milliseconds())
	documentsProcessed.WithLabelValues("analyzed").Inc()
	return nil
}

func (p *Pipeline) analyze(ctx context.Context, doc domain.Document, actx audit.Context) (res domain.DocumentAnalysis, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analysis panic: %v", r)
		}
	}()

	rc, err := p.objects.Open(ctx, doc.FileName)
	if err != nil {
		return res, fmt.Errorf("open object: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(rc, p.cfg.MaxFileSize+1))
	rc.Close()
	if err != nil {
		return res, fmt.Errorf("read object: %w", err)
	}
	text, err := p.extractor.Extract(ctx, doc.MimeType, data)
	if err != nil {
		return res, fmt.Errorf("extract text: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return res, errors.New("no text could be extracted from the document")
	}
	res, trace, err := p.analyzer.AnalyzeDocument(ctx, doc.OriginalName, text)
	if err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("analysis timed out: %w", err)
	}

	raw, err := json.Marshal(res)
	if err != nil {
		return res, fmt.Errorf("encode analysis: %w", err)
	}
	score := res.ComplianceScore
	tags := res.KeyFindings
	if len(tags) > maxTags {
		tags = tags[:maxTags]
	}
	if _, err := p.store.UpdateDocument(doc.UserID, doc.ID, store.DocumentUpdate{
		ExpectStatus:    store.Status(domain.StatusProcessing),
		Status:          store.Status(domain.StatusAnalyzed),
		AnalysisResult:  raw,
		ComplianceScore: &score,
		Tags:            append([]string{}, tags...),
	}); err != nil {
		return res, fmt.Errorf("save analysis: %w", err)
	}

	// The document is analyzed from here on; bookkeeping failures are logged only.
	logger := util.LoggerFromContext(ctx)
	rec := domain.AIAnalysis{
		ID:           uuid.NewString(),
		DocumentID:   doc.ID,
		UserID:       doc.UserID,
		AnalysisType: domain.AnalysisDocument,
		Prompt:       "Analyze document: " + doc.OriginalName,
		Response:     string(raw),
		Metadata: map[string]any{
			"fileName":        doc.OriginalName,
			"fileSize":        doc.FileSize,
			"complianceScore": score,
		},
		CreatedAt: p.now(),
	}
	if trace.TokensUsed > 0 {
		tokens := trace.TokensUsed
		rec.TokensUsed = &tokens
	}
	if err := p.store.CreateAIAnalysis(rec); err != nil {
		logger.Error("ai_analysis_save_failed", "document_id", doc.ID, "err", err)
	}
	if err := p.store.IncrementPlanUsage(doc.UserID, 1); err != nil {
		logger.Error("plan_usage_increment_failed", "user_id", doc.UserID, "err", err)
	}
	p.audit.Document(ctx, actx, audit.ActionDocumentAnalyze, doc.ID, map[string]any{
		"fileName":        doc.OriginalName,
		"complianceScore": score,
		"status":          string(domain.StatusAnalyzed),
	})
	return res, nil
}

func (p *Pipeline) fail(ctx context.Context, doc domain.Document, actx audit.Context, cause error) {
	// The run context may already be past its deadline.
	ctx = context.WithoutCancel(ctx)
	logger := util.LoggerFromContext(ctx)
	logger.Warn("analysis_failed", "document_id", doc.ID, "err", cause)
	documentsProcessed.WithLabelValues("failed").Inc()
	if _, err := p.store.UpdateDocument(doc.UserID, doc.ID, store.DocumentUpdate{
		ExpectStatus:   store.Status(domain.StatusProcessing),
		Status:         store.Status(domain.StatusFailed),
		AnalysisResult: errorPayload("Failed to analyze document", cause.Error()),
	}); err != nil {
		logger.Error("analysis_failure_save_failed", "document_id", doc.ID, "err", err)
	}
	p.audit.Document(ctx, actx, audit.ActionDocumentAnalyze, doc.ID, map[string]any{
		"fileName": doc.OriginalName,
		"status":   string(domain.StatusFailed),
		"error":    cause.Error(),
	})
}

// stale reports whether doc has been processing for longer than any live
// worker would keep it there.
func (p *Pipeline) stale(doc domain.Document) bool {
	return doc.Status == domain.StatusProcessing && doc.UpdatedAt.Before(p.now().Add(-p.cfg.AnalysisTimeout-staleGrace))
}

// abandon fails a processing document whose worker is gone. It reports
// whether this call made the transition.
func (p *Pipeline) abandon(ctx context.Context, doc domain.Document, actx audit.Context) bool {
	_, err := p.store.UpdateDocument(doc.UserID, doc.ID, store.DocumentUpdate{
		ExpectStatus:   store.Status(domain.StatusProcessing),
		Status:         store.Status(domain.StatusFailed),
		AnalysisResult: errorPayload("Failed to analyze document", "analysis interrupted"),
	})
	if err != nil {
		if !errors.Is(err, store.ErrStatusConflict) && !errors.Is(err, store.ErrNotFound) {
			util.LoggerFromContext(ctx).Error("analysis_failure_save_failed", "document_id", doc.ID, "err", err)
		}
		return false
	}
	documentsProcessed.WithLabelValues("abandoned").Inc()
	p.audit.Document(ctx, actx, audit.ActionDocumentAnalyze, doc.ID, map[string]any{
		"fileName": doc.OriginalName,
		"status":   string(domain.StatusFailed),
		"error":    "analysis interrupted",
	})
	return true
}

// Recover drives documents that no worker holds towards a terminal status.
// Processing rows older than the analysis timeout fail. Uploaded rows last
// touched before queuedBefore are queued again; a duplicate job is harmless
// because Process claims a document with a compare-and-set.
func (p *Pipeline) Recover(ctx context.Context, queuedBefore time.Time) (requeued, failed int, err error) {
	logger := util.LoggerFromContext(ctx)
	stuck, err := p.store.ListStaleDocuments(domain.StatusProcessing, p.now().Add(-p.cfg.AnalysisTimeout-staleGrace), recoverBatch)
	if err != nil {
		return 0, 0, fmt.Errorf("list processing documents: %w", err)
	}
	for _, doc := range stuck {
		if p.abandon(ctx, doc, audit.Context{UserID: doc.UserID}) {
			failed++
		}
	}
	pending, err := p.store.ListStaleDocuments(domain.StatusUploaded, queuedBefore, recoverBatch)
	if err != nil {
		return 0, failed, fmt.Errorf("list uploaded documents: %w", err)
	}
	for _, doc := range pending {
		if err := p.queue.Enqueue(ctx, queue.Job{DocumentID: doc.ID, UserID: doc.UserID}); err != nil {
			logger.Warn("analysis_requeue_failed", "document_id", doc.ID, "err", err)
			if errors.Is(err, queue.ErrQueueFull) {
				break
			}
			continue
		}
		requeued++
	}
	if requeued > 0 || failed > 0 {
		logger.Info("documents_recovered", "requeued", requeued, "failed", failed)
	}
	return requeued, failed, nil
}

// ListDocuments returns the user's documents, newest first.
func (p *Pipeline) ListDocuments(user domain.User, limit int) ([]domain.Document, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	docs, err := p.store.ListDocuments(user.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// GetDocument returns one of the user's documents.
func (p *Pipeline) GetDocument(ctx context.Context, user domain.User, actx audit.Context, id string) (domain.Document, error) {
	doc, err := p.owned(user, id)
	if err != nil {
		return domain.Document{}, err
	}
	p.audit.Document(ctx, actx, audit.ActionDocumentView, doc.ID, map[string]any{"fileName": doc.OriginalName})
	return doc, nil
}

// DeleteDocument removes the row and then the stored object.
func (p *Pipeline) DeleteDocument(ctx context.Context, user domain.User, actx audit.Context, id string) error {
	doc, err := p.owned(user, id)
	if err != nil {
		return err
	}
	deleted, err := p.store.DeleteDocument(user.ID, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if !deleted {
		return ErrNotFound
	}
	if err := p.objects.Delete(ctx, doc.FileName); err != nil {
		util.LoggerFromContext(ctx).Warn("object_delete_failed", "document_id", id, "file_name", doc.FileName, "err", err)
	}
	p.audit.Document(ctx, actx, audit.ActionDocumentDelete, id, map[string]any{"fileName": doc.OriginalName})
	return nil
}

// OpenFile streams a stored file that belongs to one of the user's documents.
func (p *Pipeline) OpenFile(ctx context.Context, user domain.User, fileName string) (io.ReadCloser, domain.Document, error) {
	doc, ok, err := p.store.GetDocumentByFileName(user.ID, fileName)
	if err != nil {
		return nil, domain.Document{}, fmt.Errorf("load document: %w", err)
	}
	if !ok {
		return nil, domain.Document{}, ErrNotFound
	}
	rc, err := p.objects.Open(ctx, doc.FileName)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, domain.Document{}, ErrNotFound
	}
	if err != nil {
		return nil, domain.Document{}, err
	}
	return rc, doc, nil
}

// DownloadURL returns a link to the document's file along with the document.
func (p *Pipeline) DownloadURL(ctx context.Context, user domain.User, actx audit.Context, id string) (string, domain.Document, error) {
	doc, err := p.owned(user, id)
	if err != nil {
		return "", domain.Document{}, err
	}
	url, err := p.objects.URL(ctx, doc.FileName, downloadURLExpiry)
	if err != nil {
		return "", domain.Document{}, fmt.Errorf("download url: %w", err)
	}
	p.audit.Document(ctx, actx, audit.ActionDocumentDownload, doc.ID, map[string]any{"fileName": doc.OriginalName})
	return url, doc, nil
}

func (p *Pipeline) owned(user domain.User, id string) (domain.Document, error) {
	doc, ok, err := p.store.GetDocument(user.ID, id)
	if err != nil {
		return domain.Document{}, fmt.Errorf("load document: %w", err)
	}
	if !ok {
		return domain.Document{}, ErrNotFound
	}
	return doc, nil
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// storedName derives a collision-resistant object key from the client file name.
func storedName(original string, now time.Time) string {
	base := filepath.Base(strings.ReplaceAll(original, "\\", "/"))
	ext := strings.ToLower(filepath.Ext(base))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.Trim(unsafeNameChars.ReplaceAllString(base, "_"), "._-")
	if len(base) > 100 {
		base = base[:100]
	}
	if base == "" {
		base = "document"
	}
	if len(ext) > 1 && len(ext) <= 10 && !unsafeNameChars.MatchString(ext) {
		return fmt.Sprintf("%s-%d-%d%s", base, now.UnixMilli(), rand.Int64N(1_000_000_000), ext)
	}
	return fmt.Sprintf("%s-%d-%d", base, now.UnixMilli(), rand.Int64N(1_000_000_000))
}

func errorPayload(msg, reason string) json.RawMessage {
	payload := map[string]string{"error": msg}
	if reason != "" {
		payload["reason"] = reason
	}
	raw, _ := json.Marshal(payload)
	return raw
}
