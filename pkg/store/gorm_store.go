package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/lib/pq"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"lexcomply/pkg/domain"
)

const migrateLockID int64 = 51720931

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&UserModel{},
			&DocumentModel{},
			&AIAnalysisModel{},
			&ComplianceReportModel{},
			&AuditLogModel{},
			&ChatMessageModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// UpsertUser inserts a new user or refreshes profile fields of an existing one.
// Role, plan, usage and the active flag are never overwritten here.
func (s *GormStore) UpsertUser(u domain.User) (domain.User, error) {
	model := userToModel(withUserDefaults(u))
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "first_name", "last_name", "profile_image_url", "updated_at"}),
	}).Create(&model).Error; err != nil {
		return domain.User{}, err
	}
	user, ok, err := s.GetUser(u.ID)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return user, nil
}

// GetUser returns a user by ID.
func (s *GormStore) GetUser(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListUsers returns all users ordered by created_at.
func (s *GormStore) ListUsers() ([]domain.User, error) {
	var models []UserModel
	if err := s.db.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// UpdateUser merges the non-nil fields of upd.
func (s *GormStore) UpdateUser(id string, upd UserUpdate) (domain.User, error) {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if upd.Role != nil {
		updates["role"] = string(*upd.Role)
	}
	if upd.Plan != nil {
		updates["plan"] = string(*upd.Plan)
	}
	if upd.PlanLimit != nil {
		updates["plan_limit"] = *upd.PlanLimit
	}
	if upd.IsActive != nil {
		updates["is_active"] = *upd.IsActive
	}
	res := s.db.Model(&UserModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return domain.User{}, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.User{}, ErrNotFound
	}
	user, ok, err := s.GetUser(id)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return user, nil
}

// IncrementPlanUsage adds delta to the user's usage counter.
func (s *GormStore) IncrementPlanUsage(id string, delta int) error {
	return s.db.Model(&UserModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"plan_usage": gorm.Expr("plan_usage + ?", delta),
			"updated_at": time.Now().UTC(),
		}).Error
}

// CreateDocument inserts a document row.
func (s *GormStore) CreateDocument(d domain.Document) error {
	model := documentToModel(d)
	return s.db.Create(&model).Error
}

// ListDocuments returns the user's documents newest first.
func (s *GormStore) ListDocuments(userID string, limit int) ([]domain.Document, error) {
	var models []DocumentModel
	tx := s.db.Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Document, 0, len(models))
	for _, m := range models {
		res = append(res, documentFromModel(m))
	}
	return res, nil
}

// GetDocument retrieves a document owned by userID.
func (s *GormStore) GetDocument(userID, id string) (domain.Document, bool, error) {
	return s.firstDocument("id = ? AND user_id = ?", id, userID)
}

// GetDocumentByFileName retrieves a document owned by userID by its stored file name.
func (s *GormStore) GetDocumentByFileName(userID, fileName string) (domain.Document, bool, error) {
	return s.firstDocument("file_name = ? AND user_id = ?", fileName, userID)
}

func (s *GormStore) firstDocument(query string, args ...any) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.Where(query, args...).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// UpdateDocument merges upd into the user's document. With ExpectStatus set the
// write is a compare-and-set on the status column.
func (s *GormStore) UpdateDocument(userID, id string, upd DocumentUpdate) (domain.Document, error) {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if upd.Status != nil {
		updates["status"] = string(*upd.Status)
	}
	if upd.AnalysisResult != nil {
		updates["analysis_result"] = datatypes.JSON(upd.AnalysisResult)
	}
	if upd.ComplianceScore != nil {
		updates["compliance_score"] = *upd.ComplianceScore
	}
	if upd.Tags != nil {
		updates["tags"] = pq.StringArray(upd.Tags)
	}
	tx := s.db.Model(&DocumentModel{}).Where("id = ? AND user_id = ?", id, userID)
	if upd.ExpectStatus != nil {
		tx = tx.Where("status = ?", string(*upd.ExpectStatus))
	}
	res := tx.Updates(updates)
	if res.Error != nil {
		return domain.Document{}, res.Error
	}
	doc, ok, err := s.GetDocument(userID, id)
	if err != nil {
		return domain.Document{}, err
	}
	if !ok {
		return domain.Document{}, ErrNotFound
	}
	if res.RowsAffected == 0 {
		return doc, ErrStatusConflict
	}
	return doc, nil
}

// DeleteDocument removes the user's document row. It reports whether a row existed.
func (s *GormStore) DeleteDocument(userID, id string) (bool, error) {
	res := s.db.Delete(&DocumentModel{}, "id = ? AND user_id = ?", id, userID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListStaleDocuments returns documents in status last updated before cutoff, oldest first.
func (s *GormStore) ListStaleDocuments(status domain.DocumentStatus, cutoff time.Time, limit int) ([]domain.Document, error) {
	var models []DocumentModel
	tx := s.db.Where("status = ? AND updated_at < ?", string(status), cutoff).Order("updated_at ASC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Document, 0, len(models))
	for _, m := range models {
		res = append(res, documentFromModel(m))
	}
	return res, nil
}

// CreateAIAnalysis appends an AI invocation record.
func (s *GormStore) CreateAIAnalysis(a domain.AIAnalysis) error {
	model := aiAnalysisToModel(a)
	return s.db.Create(&model).Error
}

// ListAIAnalyses returns the user's analyses newest first.
func (s *GormStore) ListAIAnalyses(userID string, limit int) ([]domain.AIAnalysis, error) {
	var models []AIAnalysisModel
	tx := s.db.Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.AIAnalysis, 0, len(models))
	for _, m := range models {
		res = append(res, aiAnalysisFromModel(m))
	}
	return res, nil
}

// CreateComplianceReport inserts a report row.
func (s *GormStore) CreateComplianceReport(r domain.ComplianceReport) error {
	model := reportToModel(r)
	return s.db.Create(&model).Error
}

// ListComplianceReports returns the user's active reports newest first.
func (s *GormStore) ListComplianceReports(userID string, limit int) ([]domain.ComplianceReport, error) {
	var models []ComplianceReportModel
	tx := s.db.Where("user_id = ? AND status = ?", userID, string(domain.ReportActive)).Order("created_at DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ComplianceReport, 0, len(models))
	for _, m := range models {
		res = append(res, reportFromModel(m))
	}
	return res, nil
}

// LatestComplianceReport returns the newest active report of the given type.
func (s *GormStore) LatestComplianceReport(userID string, reportType domain.ReportType) (domain.ComplianceReport, bool, error) {
	var model ComplianceReportModel
	err := s.db.Where("user_id = ? AND report_type = ? AND status = ?", userID, string(reportType), string(domain.ReportActive)).
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ComplianceReport{}, false, nil
		}
		return domain.ComplianceReport{}, false, err
	}
	return reportFromModel(model), true, nil
}

// CreateAuditLog appends an audit event.
func (s *GormStore) CreateAuditLog(l domain.AuditLog) error {
	model := auditLogToModel(l)
	return s.db.Create(&model).Error
}

// ListAuditLogs returns the user's audit events newest first.
func (s *GormStore) ListAuditLogs(userID string, limit int) ([]domain.AuditLog, error) {
	var models []AuditLogModel
	tx := s.db.Where("user_id = ?", userID).Order("timestamp DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.AuditLog, 0, len(models))
	for _, m := range models {
		res = append(res, auditLogFromModel(m))
	}
	return res, nil
}

// CreateChatMessage appends a chat message.
func (s *GormStore) CreateChatMessage(m domain.ChatMessage) error {
	model := chatMessageToModel(m)
	return s.db.Create(&model).Error
}

// ListChatMessages returns the latest messages of a session (newest first, then reversed to chronological).
func (s *GormStore) ListChatMessages(userID, sessionID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		return []domain.ChatMessage{}, nil
	}
	var models []ChatMessageModel
	if err := s.db.Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.ChatMessage, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		msgs = append(msgs, chatMessageFromModel(models[i]))
	}
	return msgs, nil
}

// UserStats runs the dashboard counters concurrently.
func (s *GormStore) UserStats(userID string) (domain.UserStats, error) {
	var (
		stats      domain.UserStats
		docs       int64
		analyses   int64
		active     int64
		latestGDPR domain.ComplianceReport
		hasGDPR    bool
	)
	var g errgroup.Group
	g.Go(func() error {
		return s.db.Model(&DocumentModel{}).Where("user_id = ?", userID).Count(&docs).Error
	})
	g.Go(func() error {
		return s.db.Model(&AIAnalysisModel{}).Where("user_id = ?", userID).Count(&analyses).Error
	})
	g.Go(func() error {
		return s.db.Model(&UserModel{}).Where("is_active = ?", true).Count(&active).Error
	})
	g.Go(func() error {
		var err error
		latestGDPR, hasGDPR, err = s.LatestComplianceReport(userID, domain.ReportGDPR)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.UserStats{}, err
	}
	stats.DocumentsCount = int(docs)
	stats.AIAnalysesCount = int(analyses)
	stats.ActiveUsersCount = int(active)
	if hasGDPR {
		stats.ComplianceScore = latestGDPR.Score
	}
	return stats, nil
}

func withUserDefaults(u domain.User) domain.User {
	now := time.Now().UTC()
	if u.Role == "" {
		u.Role = domain.RoleUser
	}
	if u.Plan == "" {
		u.Plan = domain.PlanBasic
	}
	if u.PlanLimit <= 0 {
		u.PlanLimit = domain.DefaultPlanLimit
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
		u.IsActive = true
	}
	u.UpdatedAt = now
	return u
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:              u.ID,
		Email:           u.Email,
		FirstName:       u.FirstName,
		LastName:        u.LastName,
		ProfileImageURL: u.ProfileImageURL,
		Role:            string(u.Role),
		Plan:            string(u.Plan),
		PlanUsage:       u.PlanUsage,
		PlanLimit:       u.PlanLimit,
		IsActive:        u.IsActive,
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:              m.ID,
		Email:           m.Email,
		FirstName:       m.FirstName,
		LastName:        m.LastName,
		ProfileImageURL: m.ProfileImageURL,
		Role:            domain.UserRole(m.Role),
		Plan:            domain.Plan(m.Plan),
		PlanUsage:       m.PlanUsage,
		PlanLimit:       m.PlanLimit,
		IsActive:        m.IsActive,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func documentToModel(d domain.Document) DocumentModel {
	return DocumentModel{
		ID:              d.ID,
		UserID:          d.UserID,
		FileName:        d.FileName,
		OriginalName:    d.OriginalName,
		FileSize:        d.FileSize,
		MimeType:        d.MimeType,
		FileURL:         d.FileURL,
		Status:          string(d.Status),
		AnalysisResult:  datatypes.JSON(d.AnalysisResult),
		ComplianceScore: d.ComplianceScore,
		Tags:            pq.StringArray(d.Tags),
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	var result json.RawMessage
	if len(m.AnalysisResult) > 0 {
		result = json.RawMessage(m.AnalysisResult)
	}
	tags := []string(m.Tags)
	if tags == nil {
		tags = []string{}
	}
	return domain.Document{
		ID:              m.ID,
		UserID:          m.UserID,
		FileName:        m.FileName,
		OriginalName:    m.OriginalName,
		FileSize:        m.FileSize,
		MimeType:        m.MimeType,
		FileURL:         m.FileURL,
		Status:          domain.DocumentStatus(m.Status),
		AnalysisResult:  result,
		ComplianceScore: m.ComplianceScore,
		Tags:            tags,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func aiAnalysisToModel(a domain.AIAnalysis) AIAnalysisModel {
	var documentID *string
	if a.DocumentID != "" {
		value := a.DocumentID
		documentID = &value
	}
	return AIAnalysisModel{
		ID:           a.ID,
		DocumentID:   documentID,
		UserID:       a.UserID,
		AnalysisType: a.AnalysisType,
		Prompt:       a.Prompt,
		Response:     a.Response,
		Metadata:     marshalJSON(a.Metadata),
		TokensUsed:   a.TokensUsed,
		CreatedAt:    a.CreatedAt,
	}
}

func aiAnalysisFromModel(m AIAnalysisModel) domain.AIAnalysis {
	documentID := ""
	if m.DocumentID != nil {
		documentID = *m.DocumentID
	}
	return domain.AIAnalysis{
		ID:           m.ID,
		DocumentID:   documentID,
		UserID:       m.UserID,
		AnalysisType: m.AnalysisType,
		Prompt:       m.Prompt,
		Response:     m.Response,
		Metadata:     unmarshalMap(m.Metadata),
		TokensUsed:   m.TokensUsed,
		CreatedAt:    m.CreatedAt,
	}
}

func reportToModel(r domain.ComplianceReport) ComplianceReportModel {
	return ComplianceReportModel{
		ID:              r.ID,
		UserID:          r.UserID,
		ReportType:      string(r.ReportType),
		Score:           r.Score,
		Findings:        marshalJSON(r.Findings),
		Recommendations: pq.StringArray(r.Recommendations),
		Status:          string(r.Status),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func reportFromModel(m ComplianceReportModel) domain.ComplianceReport {
	recs := []string(m.Recommendations)
	if recs == nil {
		recs = []string{}
	}
	return domain.ComplianceReport{
		ID:              m.ID,
		UserID:          m.UserID,
		ReportType:      domain.ReportType(m.ReportType),
		Score:           m.Score,
		Findings:        unmarshalMap(m.Findings),
		Recommendations: recs,
		Status:          domain.ReportStatus(m.Status),
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func auditLogToModel(l domain.AuditLog) AuditLogModel {
	var userID *string
	if l.UserID != "" {
		value := l.UserID
		userID = &value
	}
	return AuditLogModel{
		ID:         l.ID,
		UserID:     userID,
		Action:     l.Action,
		Resource:   l.Resource,
		ResourceID: l.ResourceID,
		Details:    marshalJSON(l.Details),
		IPAddress:  l.IPAddress,
		UserAgent:  l.UserAgent,
		Timestamp:  l.Timestamp,
	}
}

func auditLogFromModel(m AuditLogModel) domain.AuditLog {
	userID := ""
	if m.UserID != nil {
		userID = *m.UserID
	}
	return domain.AuditLog{
		ID:         m.ID,
		UserID:     userID,
		Action:     m.Action,
		Resource:   m.Resource,
		ResourceID: m.ResourceID,
		Details:    unmarshalMap(m.Details),
		IPAddress:  m.IPAddress,
		UserAgent:  m.UserAgent,
		Timestamp:  m.Timestamp,
	}
}

func chatMessageToModel(m domain.ChatMessage) ChatMessageModel {
	return ChatMessageModel{
		ID:         m.ID,
		UserID:     m.UserID,
		SessionID:  m.SessionID,
		Message:    m.Message,
		IsFromUser: m.IsFromUser,
		Metadata:   marshalJSON(m.Metadata),
		CreatedAt:  m.CreatedAt,
	}
}

func chatMessageFromModel(m ChatMessageModel) domain.ChatMessage {
	return domain.ChatMessage{
		ID:         m.ID,
		UserID:     m.UserID,
		SessionID:  m.SessionID,
		Message:    m.Message,
		IsFromUser: m.IsFromUser,
		Metadata:   unmarshalMap(m.Metadata),
		CreatedAt:  m.CreatedAt,
	}
}

func marshalJSON(v map[string]any) datatypes.JSON {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

func unmarshalMap(raw datatypes.JSON) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}
