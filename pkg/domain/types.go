package domain

import (
	"encoding/json"
	"time"
)

type DocumentStatus string

const (
	StatusUploaded   DocumentStatus = "uploaded"
	StatusProcessing DocumentStatus = "processing"
	StatusAnalyzed   DocumentStatus = "analyzed"
	StatusFailed     DocumentStatus = "failed"
)

// Terminal reports whether no further pipeline transition is allowed.
func (s DocumentStatus) Terminal() bool {
	return s == StatusAnalyzed || s == StatusFailed
}

type UserRole string

const (
	RoleUser         UserRole = "user"
	RoleAdmin        UserRole = "admin"
	RoleLegalManager UserRole = "legal_manager"
)

type Plan string

const (
	PlanBasic        Plan = "basic"
	PlanProfessional Plan = "professional"
	PlanEnterprise   Plan = "enterprise"
)

const DefaultPlanLimit = 100

type ReportType string

const (
	ReportGDPR          ReportType = "gdpr"
	ReportISO27001      ReportType = "iso27001"
	ReportDataRetention ReportType = "data_retention"
	ReportSecurity      ReportType = "security"
)

// Valid reports whether t is one of the known compliance categories.
func (t ReportType) Valid() bool {
	switch t {
	case ReportGDPR, ReportISO27001, ReportDataRetention, ReportSecurity:
		return true
	}
	return false
}

type ReportStatus string

const (
	ReportActive   ReportStatus = "active"
	ReportArchived ReportStatus = "archived"
)

const (
	AnalysisDocument   = "document_analysis"
	AnalysisCompliance = "compliance_check"
	AnalysisContract   = "contract_generation"
)

type User struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	FirstName       string    `json:"firstName,omitempty"`
	LastName        string    `json:"lastName,omitempty"`
	ProfileImageURL string    `json:"profileImageUrl,omitempty"`
	Role            UserRole  `json:"role"`
	Plan            Plan      `json:"plan"`
	PlanUsage       int       `json:"planUsage"`
	PlanLimit       int       `json:"planLimit"`
	IsActive        bool      `json:"isActive"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type Document struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	FileName        string          `json:"fileName"`
	OriginalName    string          `json:"originalName"`
	FileSize        int64           `json:"fileSize"`
	MimeType        string          `json:"mimeType"`
	FileURL         string          `json:"fileUrl"`
	Status          DocumentStatus  `json:"status"`
	AnalysisResult  json.RawMessage `json:"analysisResult"`
	ComplianceScore *float64        `json:"complianceScore"`
	Tags            []string        `json:"tags"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

type AIAnalysis struct {
	ID           string         `json:"id"`
	DocumentID   string         `json:"documentId,omitempty"`
	UserID       string         `json:"userId"`
	AnalysisType string         `json:"analysisType"`
	Prompt       string         `json:"prompt"`
	Response     string         `json:"response"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	TokensUsed   *int           `json:"tokensUsed,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

type ComplianceReport struct {
	ID              string         `json:"id"`
	UserID          string         `json:"userId"`
	ReportType      ReportType     `json:"reportType"`
	Score           float64        `json:"score"`
	Findings        map[string]any `json:"findings"`
	Recommendations []string       `json:"recommendations"`
	Status          ReportStatus   `json:"status"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

type AuditLog struct {
	ID         string         `json:"id"`
	UserID     string         `json:"userId,omitempty"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resourceId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	IPAddress  string         `json:"ipAddress,omitempty"`
	UserAgent  string         `json:"userAgent,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

type ChatMessage struct {
	ID         string         `json:"id"`
	UserID     string         `json:"userId"`
	SessionID  string         `json:"sessionId"`
	Message    string         `json:"message"`
	IsFromUser bool           `json:"isFromUser"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Risk is one entry of a document's risk assessment.
type Risk struct {
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

type GDPRCompliance struct {
	Score           float64  `json:"score"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// DocumentAnalysis is the structured result stored on an analyzed document.
type DocumentAnalysis struct {
	Summary         string         `json:"summary"`
	ComplianceScore float64        `json:"complianceScore"`
	KeyFindings     []string       `json:"keyFindings"`
	Recommendations []string       `json:"recommendations"`
	Risks           []Risk         `json:"risks"`
	GDPRCompliance  GDPRCompliance `json:"gdprCompliance"`
}

type ChatReply struct {
	Message          string   `json:"message"`
	Suggestions      []string `json:"suggestions"`
	RelatedDocuments []string `json:"relatedDocuments"`
}

type ComplianceCheck struct {
	Score           float64  `json:"score"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

type ComplianceMetrics struct {
	GDPR          float64 `json:"gdpr"`
	ISO27001      float64 `json:"iso27001"`
	DataRetention float64 `json:"dataRetention"`
	Security      float64 `json:"security"`
	Overall       float64 `json:"overall"`
}

type UserStats struct {
	DocumentsCount   int     `json:"documentsCount"`
	AIAnalysesCount  int     `json:"aiAnalysesCount"`
	ComplianceScore  float64 `json:"complianceScore"`
	ActiveUsersCount int     `json:"activeUsersCount"`
}
