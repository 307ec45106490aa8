// Package audit records who did what to which resource.
package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"lexcomply/internal/util"
	"lexcomply/pkg/domain"
)

// Actions.
const (
	ActionLogin            = "user.login"
	ActionLogout           = "user.logout"
	ActionRegister         = "user.register"
	ActionProfileUpdate    = "user.profile.update"
	ActionRoleUpdate       = "user.role.update"
	ActionPlanUpdate       = "user.plan.update"
	ActionDocumentUpload   = "document.upload"
	ActionDocumentDownload = "document.download"
	ActionDocumentView     = "document.view"
	ActionDocumentDelete   = "document.delete"
	ActionDocumentAnalyze  = "document.analyze"
	ActionAIChat           = "ai.chat"
	ActionAIAnalysis       = "ai.analysis"
	ActionContractGenerate = "ai.contract.generate"
	ActionComplianceCheck  = "compliance.check"
	ActionComplianceReport = "compliance.report.generate"
	ActionDataExport       = "data.export"
	ActionDataView         = "data.view"
)

// Resources.
const (
	ResourceUser             = "user"
	ResourceDocument         = "document"
	ResourceAIAnalysis       = "ai_analysis"
	ResourceComplianceReport = "compliance_report"
	ResourceChatMessage      = "chat_message"
	ResourceSystem           = "system"
	ResourceSettings         = "settings"
)

// Context identifies the actor and transport of an audited request.
type Context struct {
	UserID    string
	IPAddress string
	UserAgent string
	SessionID string
}

// Event is one audited action.
type Event struct {
	Action     string
	Resource   string
	ResourceID string
	Details    map[string]any
	Context    Context
}

// Writer persists audit rows.
type Writer interface {
	CreateAuditLog(domain.AuditLog) error
}

// Recorder writes audit events. Writes are best-effort: a failed insert is
// logged and swallowed so auditing never fails the audited operation.
type Recorder struct {
	w   Writer
	now func() time.Time
}

// NewRecorder builds a Recorder over w.
func NewRecorder(w Writer) *Recorder {
	return &Recorder{w: w, now: func() time.Time { return time.Now().UTC() }}
}

// Record inserts ev as an audit row and mirrors it to the structured log.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	details := make(map[string]any, len(ev.Details)+1)
	for k, v := range ev.Details {
		details[k] = v
	}
	if ev.Context.SessionID != "" {
		details["sessionId"] = ev.Context.SessionID
	}
	entry := domain.AuditLog{
		ID:         uuid.NewString(),
		UserID:     ev.Context.UserID,
		Action:     ev.Action,
		Resource:   ev.Resource,
		ResourceID: ev.ResourceID,
		Details:    details,
		IPAddress:  ev.Context.IPAddress,
		UserAgent:  ev.Context.UserAgent,
		Timestamp:  r.now(),
	}
	logger := util.LoggerFromContext(ctx)
	attrs := []any{
		"audit_id", entry.ID,
		"user_id", entry.UserID,
		"action", entry.Action,
		"resource", entry.Resource,
		"resource_id", entry.ResourceID,
		"ip", entry.IPAddress,
	}
	err := r.w.CreateAuditLog(entry)
	if err != nil {
		logger.Error("audit_write_failed", append(attrs, "details", details, "err", err)...)
	}
	logger.Info("audit_event", append(attrs, "persisted", err == nil)...)
}

// Document records an action on a document.
func (r *Recorder) Document(ctx context.Context, actx Context, action, documentID string, details map[string]any) {
	r.Record(ctx, Event{Action: action, Resource: ResourceDocument, ResourceID: documentID, Details: details, Context: actx})
}

// AI records an AI interaction.
func (r *Recorder) AI(ctx context.Context, actx Context, action, resourceID string, details map[string]any) {
	r.Record(ctx, Event{Action: action, Resource: ResourceAIAnalysis, ResourceID: resourceID, Details: details, Context: actx})
}

// Compliance records a compliance check or report.
func (r *Recorder) Compliance(ctx context.Context, actx Context, action, reportID string, details map[string]any) {
	r.Record(ctx, Event{Action: action, Resource: ResourceComplianceReport, ResourceID: reportID, Details: details, Context: actx})
}

// User records an action on the actor's own account.
func (r *Recorder) User(ctx context.Context, actx Context, action string, details map[string]any) {
	r.Record(ctx, Event{Action: action, Resource: ResourceUser, ResourceID: actx.UserID, Details: details, Context: actx})
}

// Format renders an audit row as a one-line human description.
func Format(l domain.AuditLog) string {
	actor := l.UserID
	if actor == "" {
		actor = "System"
	}
	s := fmt.Sprintf("[%s] %s performed %s on %s", l.Timestamp.UTC().Format(time.RFC3339), actor, l.Action, l.Resource)
	if l.ResourceID != "" {
		s += " (" + l.ResourceID + ")"
	}
	return s
}

// ActionCount is one row of Stats.TopActions.
type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

// Stats summarizes a set of audit rows.
type Stats struct {
	TotalLogs      int           `json:"totalLogs"`
	RecentActivity int           `json:"recentActivity"`
	TopActions     []ActionCount `json:"topActions"`
}

// Statistics counts logs, those within 24h of now, and the five most frequent actions.
func Statistics(logs []domain.AuditLog, now time.Time) Stats {
	counts := make(map[string]int)
	recent := 0
	cutoff := now.Add(-24 * time.Hour)
	for _, l := range logs {
		counts[l.Action]++
		if l.Timestamp.After(cutoff) {
			recent++
		}
	}
	top := make([]ActionCount, 0, len(counts))
	for action, n := range counts {
		top = append(top, ActionCount{Action: action, Count: n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Action < top[j].Action
	})
	if len(top) > 5 {
		top = top[:5]
	}
	return Stats{TotalLogs: len(logs), RecentActivity: recent, TopActions: top}
}
