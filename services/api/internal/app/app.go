package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"lexcomply/internal/analysis"
	"lexcomply/internal/audit"
	"lexcomply/internal/chat"
	"lexcomply/internal/compliance"
	"lexcomply/internal/extract"
	"lexcomply/internal/ingest"
	"lexcomply/internal/usertoken"
	"lexcomply/pkg/ai"
	"lexcomply/pkg/domain"
	"lexcomply/pkg/queue"
	"lexcomply/pkg/storage"
	"lexcomply/pkg/store"
)

const (
	defaultAuditLimit = 20
	maxListLimit      = 200
	auditStatsWindow  = 500

	recoverInterval = time.Minute
	requeueAfter    = 10 * time.Minute
)

// Config holds runtime configuration for the core application.
// Store, Objects, Queue and Generator override the driver settings when set.
type Config struct {
	StoreDriver string
	DatabaseURL string

	StorageDriver string
	DataDir       string
	Minio         storage.MinioConfig

	QueueDriver     string
	QueueSize       int
	RedisAddr       string
	RedisPassword   string
	QueueStream     string
	QueueGroup      string
	QueueMaxRetries int
	AMQPURL         string
	AMQPQueue       string

	AIProvider string
	AIBaseURL  string
	AIAPIKey   string
	AIModel    string

	AnalysisTimeout time.Duration
	MaxFileBytes    int64
	MaxFiles        int

	Store     store.Store
	Objects   storage.ObjectStore
	Queue     queue.Queue
	Generator ai.TextGenerator
}

// App is the core application service wiring together storage and domain logic.
type App struct {
	store      store.Store
	queue      queue.Queue
	audit      *audit.Recorder
	analysis   *analysis.Client
	documents  *ingest.Pipeline
	compliance *compliance.Service
	chat       *chat.Handler
	closers    []io.Closer
	sweeps     sync.WaitGroup
}

// New constructs the application from cfg.
func New(cfg Config) (*App, error) {
	a := &App{}
	dataStore, err := a.openStore(cfg)
	if err != nil {
		return nil, err
	}
	objects, err := openObjects(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	q, err := a.openQueue(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	gen, err := openGenerator(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.store = dataStore
	a.queue = q
	a.audit = audit.NewRecorder(dataStore)
	a.analysis = analysis.New(gen)
	a.documents = ingest.New(dataStore, objects, q, extract.NewRegistry(), a.analysis, a.audit, ingest.Config{
		MaxFiles:        cfg.MaxFiles,
		MaxFileSize:     cfg.MaxFileBytes,
		AnalysisTimeout: cfg.AnalysisTimeout,
	})
	a.compliance = compliance.NewService(dataStore, a.analysis, a.audit)
	a.chat = chat.NewHandler(dataStore, a.analysis, a.audit)
	return a, nil
}

func (a *App) openStore(cfg Config) (store.Store, error) {
	if cfg.Store != nil {
		return cfg.Store, nil
	}
	switch strings.ToLower(cfg.StoreDriver) {
	case "memory":
		slog.Warn("store_driver_memory", "detail", "data is lost on restart")
		return store.NewMemoryStore(), nil
	case "", "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("database URL required")
		}
		s, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		a.closers = append(a.closers, s)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.StoreDriver)
	}
}

func openObjects(cfg Config) (storage.ObjectStore, error) {
	if cfg.Objects != nil {
		return cfg.Objects, nil
	}
	switch strings.ToLower(cfg.StorageDriver) {
	case "", "local":
		fs, err := storage.NewFileStore(cfg.DataDir, "/uploads/")
		if err != nil {
			return nil, fmt.Errorf("init file store: %w", err)
		}
		return fs, nil
	case "minio":
		ms, err := storage.NewMinioStore(cfg.Minio)
		if err != nil {
			return nil, fmt.Errorf("init minio store: %w", err)
		}
		return ms, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.StorageDriver)
	}
}

func (a *App) openQueue(cfg Config) (queue.Queue, error) {
	if cfg.Queue != nil {
		return cfg.Queue, nil
	}
	switch strings.ToLower(cfg.QueueDriver) {
	case "", "memory":
		return queue.NewMemoryQueue(cfg.QueueSize), nil
	case "redis":
		q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			Stream:     cfg.QueueStream,
			Group:      cfg.QueueGroup,
			Consumer:   consumerName(),
			MaxRetries: cfg.QueueMaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("init redis queue: %w", err)
		}
		a.closers = append(a.closers, q)
		return q, nil
	case "rabbitmq":
		q, err := queue.NewAMQPQueue(queue.AMQPQueueConfig{
			URL:        cfg.AMQPURL,
			Queue:      cfg.AMQPQueue,
			MaxRetries: cfg.QueueMaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("init rabbitmq queue: %w", err)
		}
		a.closers = append(a.closers, q)
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue driver: %s", cfg.QueueDriver)
	}
}

func openGenerator(cfg Config) (ai.TextGenerator, error) {
	if cfg.Generator != nil {
		return cfg.Generator, nil
	}
	switch strings.ToLower(cfg.AIProvider) {
	case "", "openai":
		return ai.NewOpenAICompatGenerator(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel), nil
	case "gemini":
		return ai.NewGeminiGenerator(cfg.AIAPIKey, cfg.AIBaseURL, cfg.AIModel)
	case "ollama":
		return ai.NewOllamaGenerator(cfg.AIBaseURL, cfg.AIModel), nil
	default:
		return nil, fmt.Errorf("unknown ai provider: %s", cfg.AIProvider)
	}
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Documents returns the ingestion pipeline.
func (a *App) Documents() *ingest.Pipeline { return a.documents }

// Compliance returns the compliance scorer.
func (a *App) Compliance() *compliance.Service { return a.compliance }

// Chat returns the chat session handler.
func (a *App) Chat() *chat.Handler { return a.chat }

// StartWorkers consumes analysis jobs until ctx is cancelled. It also sweeps
// for documents left behind by a previous shutdown or a crashed worker.
func (a *App) StartWorkers(ctx context.Context, concurrency int) {
	a.queue.Start(ctx, concurrency, a.documents.Process)
	a.sweeps.Add(1)
	go func() {
		defer a.sweeps.Done()
		a.recoverLoop(ctx)
	}()
}

func (a *App) recoverLoop(ctx context.Context) {
	// Nothing is in flight for this process yet, so every uploaded row needs a job.
	a.recover(ctx, time.Now().UTC())
	ticker := time.NewTicker(recoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.recover(ctx, time.Now().UTC().Add(-requeueAfter))
		}
	}
}

func (a *App) recover(ctx context.Context, queuedBefore time.Time) {
	if _, _, err := a.documents.Recover(ctx, queuedBefore); err != nil {
		slog.Error("document_recovery_failed", "err", err)
	}
}

// WaitWorkers blocks until in-flight jobs of the in-process queue have finished.
// Jobs still buffered are dropped here; their documents stay uploaded and are
// queued again by the next start.
func (a *App) WaitWorkers() {
	a.sweeps.Wait()
	if mq, ok := a.queue.(*queue.MemoryQueue); ok {
		mq.Wait()
		if left := mq.Drain(); len(left) > 0 {
			slog.Warn("queue_jobs_undelivered", "count", len(left))
		}
	}
}

// Close releases database and broker connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// UserFromClaims provisions or refreshes the user behind a verified token.
func (a *App) UserFromClaims(claims usertoken.Claims) (domain.User, error) {
	user, err := a.store.UpsertUser(domain.User{
		ID:              claims.Subject,
		Email:           claims.Email,
		FirstName:       claims.GivenName,
		LastName:        claims.FamilyName,
		ProfileImageURL: claims.Picture,
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("upsert user: %w", err)
	}
	if !user.IsActive {
		return user, ErrForbidden
	}
	return user, nil
}

// Logout records the sign-out; token revocation happens at the edge.
func (a *App) Logout(ctx context.Context, actx audit.Context) {
	a.audit.User(ctx, actx, audit.ActionLogout, nil)
}

// GenerateContract drafts a contract and records the AI invocation.
func (a *App) GenerateContract(ctx context.Context, user domain.User, actx audit.Context, contractType, requirements, jurisdiction string) (string, error) {
	contractType = strings.TrimSpace(contractType)
	requirements = strings.TrimSpace(requirements)
	if contractType == "" || requirements == "" {
		return "", fmt.Errorf("%w: contract type and requirements are required", ErrInvalidRequest)
	}
	jurisdiction = strings.TrimSpace(jurisdiction)
	if jurisdiction == "" {
		jurisdiction = "Germany"
	}
	contract, trace, err := a.analysis.GenerateContract(ctx, contractType, requirements, jurisdiction)
	if err != nil {
		return "", err
	}
	rec := domain.AIAnalysis{
		ID:           uuid.NewString(),
		UserID:       user.ID,
		AnalysisType: domain.AnalysisContract,
		Prompt:       trace.Prompt,
		Response:     contract,
		Metadata: map[string]any{
			"contractType": contractType,
			"jurisdiction": jurisdiction,
		},
		CreatedAt: time.Now().UTC(),
	}
	if trace.TokensUsed > 0 {
		tokens := trace.TokensUsed
		rec.TokensUsed = &tokens
	}
	if err := a.store.CreateAIAnalysis(rec); err != nil {
		slog.Error("ai_analysis_save_failed", "user_id", user.ID, "err", err)
	}
	if err := a.store.IncrementPlanUsage(user.ID, 1); err != nil {
		slog.Error("plan_usage_increment_failed", "user_id", user.ID, "err", err)
	}
	a.audit.AI(ctx, actx, audit.ActionContractGenerate, rec.ID, map[string]any{
		"contractType": contractType,
		"jurisdiction": jurisdiction,
	})
	return contract, nil
}

// ComplianceReports lists the user's active reports, newest first.
func (a *App) ComplianceReports(user domain.User, limit int) ([]domain.ComplianceReport, error) {
	reports, err := a.store.ListComplianceReports(user.ID, clampLimit(limit, 50))
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	return reports, nil
}

// AuditLogs lists the user's audit trail, newest first.
func (a *App) AuditLogs(user domain.User, limit int) ([]domain.AuditLog, error) {
	logs, err := a.store.ListAuditLogs(user.ID, clampLimit(limit, defaultAuditLimit))
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	return logs, nil
}

// AuditStats summarizes the user's most recent audit entries.
func (a *App) AuditStats(user domain.User) (audit.Stats, error) {
	logs, err := a.store.ListAuditLogs(user.ID, auditStatsWindow)
	if err != nil {
		return audit.Stats{}, fmt.Errorf("list audit logs: %w", err)
	}
	return audit.Statistics(logs, time.Now().UTC()), nil
}

// Stats returns dashboard counters for the user.
func (a *App) Stats(user domain.User) (domain.UserStats, error) {
	stats, err := a.store.UserStats(user.ID)
	if err != nil {
		return domain.UserStats{}, fmt.Errorf("user stats: %w", err)
	}
	return stats, nil
}

// ListUsers returns every user. Admin only.
func (a *App) ListUsers(caller domain.User) ([]domain.User, error) {
	if caller.Role != domain.RoleAdmin {
		return nil, ErrForbidden
	}
	users, err := a.store.ListUsers()
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// UserChanges is an admin edit of another user's account.
type UserChanges struct {
	Role      *domain.UserRole
	Plan      *domain.Plan
	PlanLimit *int
	IsActive  *bool
}

// UpdateUser applies an admin edit. Admin only.
func (a *App) UpdateUser(ctx context.Context, caller domain.User, actx audit.Context, id string, changes UserChanges) (domain.User, error) {
	if caller.Role != domain.RoleAdmin {
		return domain.User{}, ErrForbidden
	}
	if changes.Role != nil && !validRole(*changes.Role) {
		return domain.User{}, fmt.Errorf("%w: unknown role %q", ErrInvalidRequest, *changes.Role)
	}
	if changes.Plan != nil && !validPlan(*changes.Plan) {
		return domain.User{}, fmt.Errorf("%w: unknown plan %q", ErrInvalidRequest, *changes.Plan)
	}
	if changes.PlanLimit != nil && *changes.PlanLimit < 0 {
		return domain.User{}, fmt.Errorf("%w: planLimit must be >= 0", ErrInvalidRequest)
	}
	if changes.Role == nil && changes.Plan == nil && changes.PlanLimit == nil && changes.IsActive == nil {
		return domain.User{}, fmt.Errorf("%w: no changes", ErrInvalidRequest)
	}
	before, ok, err := a.store.GetUser(id)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	updated, err := a.store.UpdateUser(id, store.UserUpdate{
		Role:      changes.Role,
		Plan:      changes.Plan,
		PlanLimit: changes.PlanLimit,
		IsActive:  changes.IsActive,
	})
	if errors.Is(err, store.ErrNotFound) {
		return domain.User{}, ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}

	if changes.Role != nil || changes.IsActive != nil {
		a.audit.Record(ctx, audit.Event{
			Action:     audit.ActionRoleUpdate,
			Resource:   audit.ResourceUser,
			ResourceID: id,
			Context:    actx,
			Details: map[string]any{
				"fromRole":   before.Role,
				"toRole":     updated.Role,
				"fromActive": before.IsActive,
				"toActive":   updated.IsActive,
			},
		})
	}
	if changes.Plan != nil || changes.PlanLimit != nil {
		a.audit.Record(ctx, audit.Event{
			Action:     audit.ActionPlanUpdate,
			Resource:   audit.ResourceUser,
			ResourceID: id,
			Context:    actx,
			Details: map[string]any{
				"fromPlan":  before.Plan,
				"toPlan":    updated.Plan,
				"planLimit": updated.PlanLimit,
			},
		})
	}
	return updated, nil
}

func validRole(r domain.UserRole) bool {
	switch r {
	case domain.RoleUser, domain.RoleAdmin, domain.RoleLegalManager:
		return true
	}
	return false
}

func validPlan(p domain.Plan) bool {
	switch p {
	case domain.PlanBasic, domain.PlanProfessional, domain.PlanEnterprise:
		return true
	}
	return false
}

func clampLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
