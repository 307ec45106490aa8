package store

import (
	"encoding/json"
	"errors"
	"time"

	"lexcomply/pkg/domain"
)

var (
	// ErrNotFound is returned when a row does not exist or is owned by another user.
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict is returned when a conditional status update finds an unexpected status.
	ErrStatusConflict = errors.New("document status conflict")
)

// Store defines persistence operations. Every per-user read and mutation
// takes the owning user ID explicitly.
type Store interface {
	// users
	UpsertUser(domain.User) (domain.User, error)
	GetUser(id string) (domain.User, bool, error)
	ListUsers() ([]domain.User, error)
	UpdateUser(id string, upd UserUpdate) (domain.User, error)
	IncrementPlanUsage(id string, delta int) error

	// documents
	CreateDocument(domain.Document) error
	ListDocuments(userID string, limit int) ([]domain.Document, error)
	GetDocument(userID, id string) (domain.Document, bool, error)
	GetDocumentByFileName(userID, fileName string) (domain.Document, bool, error)
	UpdateDocument(userID, id string, upd DocumentUpdate) (domain.Document, error)
	DeleteDocument(userID, id string) (bool, error)
	// ListStaleDocuments returns documents of any user in status whose last
	// update is before cutoff, oldest first.
	ListStaleDocuments(status domain.DocumentStatus, cutoff time.Time, limit int) ([]domain.Document, error)

	// ai analyses
	CreateAIAnalysis(domain.AIAnalysis) error
	ListAIAnalyses(userID string, limit int) ([]domain.AIAnalysis, error)

	// compliance reports
	CreateComplianceReport(domain.ComplianceReport) error
	ListComplianceReports(userID string, limit int) ([]domain.ComplianceReport, error)
	LatestComplianceReport(userID string, reportType domain.ReportType) (domain.ComplianceReport, bool, error)

	// audit logs
	CreateAuditLog(domain.AuditLog) error
	ListAuditLogs(userID string, limit int) ([]domain.AuditLog, error)

	// chat
	CreateChatMessage(domain.ChatMessage) error
	ListChatMessages(userID, sessionID string, limit int) ([]domain.ChatMessage, error)

	UserStats(userID string) (domain.UserStats, error)
}

// UserUpdate is a partial merge; nil fields are left unchanged.
type UserUpdate struct {
	Role      *domain.UserRole
	Plan      *domain.Plan
	PlanLimit *int
	IsActive  *bool
}

func (u UserUpdate) empty() bool {
	return u.Role == nil && u.Plan == nil && u.PlanLimit == nil && u.IsActive == nil
}

// DocumentUpdate is a partial merge; nil fields are left unchanged.
// When ExpectStatus is set the update only applies if the stored status matches.
type DocumentUpdate struct {
	ExpectStatus    *domain.DocumentStatus
	Status          *domain.DocumentStatus
	AnalysisResult  json.RawMessage
	ComplianceScore *float64
	Tags            []string
}

// Status returns a pointer usable in DocumentUpdate.
func Status(s domain.DocumentStatus) *domain.DocumentStatus {
	return &s
}
