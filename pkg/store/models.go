package store

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID              string `gorm:"primaryKey"`
	Email           string `gorm:"index"`
	FirstName       string
	LastName        string
	ProfileImageURL string
	Role            string    `gorm:"not null;default:user"`
	Plan            string    `gorm:"not null;default:basic"`
	PlanUsage       int       `gorm:"not null;default:0"`
	PlanLimit       int       `gorm:"not null;default:100"`
	IsActive        bool      `gorm:"not null;default:true;index"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

type DocumentModel struct {
	ID              string         `gorm:"primaryKey"`
	UserID          string         `gorm:"not null;index"`
	FileName        string         `gorm:"not null;index"`
	OriginalName    string         `gorm:"not null"`
	FileSize        int64          `gorm:"not null"`
	MimeType        string         `gorm:"not null"`
	FileURL         string         `gorm:"not null"`
	Status          string         `gorm:"not null;index"`
	AnalysisResult  datatypes.JSON `gorm:"type:jsonb"`
	ComplianceScore *float64       `gorm:"type:numeric(5,2)"`
	Tags            pq.StringArray `gorm:"type:text[]"`
	CreatedAt       time.Time      `gorm:"not null;index"`
	UpdatedAt       time.Time      `gorm:"not null;index"`
}

type AIAnalysisModel struct {
	ID           string         `gorm:"primaryKey"`
	DocumentID   *string        `gorm:"index"`
	UserID       string         `gorm:"not null;index"`
	AnalysisType string         `gorm:"not null"`
	Prompt       string         `gorm:"type:text;not null"`
	Response     string         `gorm:"type:text;not null"`
	Metadata     datatypes.JSON `gorm:"type:jsonb"`
	TokensUsed   *int
	CreatedAt    time.Time `gorm:"not null;index"`
}

type ComplianceReportModel struct {
	ID              string         `gorm:"primaryKey"`
	UserID          string         `gorm:"not null;index:idx_report_user_type"`
	ReportType      string         `gorm:"not null;index:idx_report_user_type"`
	Score           float64        `gorm:"type:numeric(5,2);not null"`
	Findings        datatypes.JSON `gorm:"type:jsonb"`
	Recommendations pq.StringArray `gorm:"type:text[]"`
	Status          string         `gorm:"not null;default:active"`
	CreatedAt       time.Time      `gorm:"not null;index"`
	UpdatedAt       time.Time      `gorm:"not null"`
}

type AuditLogModel struct {
	ID         string  `gorm:"primaryKey"`
	UserID     *string `gorm:"index"`
	Action     string  `gorm:"not null"`
	Resource   string  `gorm:"not null"`
	ResourceID string
	Details    datatypes.JSON `gorm:"type:jsonb"`
	IPAddress  string
	UserAgent  string
	Timestamp  time.Time `gorm:"not null;index"`
}

type ChatMessageModel struct {
	ID         string         `gorm:"primaryKey"`
	UserID     string         `gorm:"not null;index:idx_chat_user_session"`
	SessionID  string         `gorm:"not null;index:idx_chat_user_session"`
	Message    string         `gorm:"type:text;not null"`
	IsFromUser bool           `gorm:"not null"`
	Metadata   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt  time.Time      `gorm:"not null;index"`
}
