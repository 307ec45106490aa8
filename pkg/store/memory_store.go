package store

import (
	"sort"
	"sync"
	"time"

	"lexcomply/pkg/domain"
)

// MemoryStore keeps rows in-process. It backs tests and single-node dev runs.
type MemoryStore struct {
	mu       sync.RWMutex
	seq      int64
	users    map[string]domain.User
	docs     map[string]memoryRow[domain.Document]
	analyses []memoryRow[domain.AIAnalysis]
	reports  []memoryRow[domain.ComplianceReport]
	audits   []memoryRow[domain.AuditLog]
	chats    []memoryRow[domain.ChatMessage]
}

// memoryRow pairs a row with its insertion sequence so equal timestamps keep a stable order.
type memoryRow[T any] struct {
	seq int64
	v   T
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]domain.User),
		docs:  make(map[string]memoryRow[domain.Document]),
	}
}

func (m *MemoryStore) next() int64 {
	m.seq++
	return m.seq
}

// UpsertUser inserts a new user or refreshes profile fields of an existing one.
func (m *MemoryStore) UpsertUser(u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.users[u.ID]
	if !ok {
		u.CreatedAt = time.Time{}
		u = withUserDefaults(u)
		m.users[u.ID] = u
		return u, nil
	}
	existing.Email = u.Email
	existing.FirstName = u.FirstName
	existing.LastName = u.LastName
	existing.ProfileImageURL = u.ProfileImageURL
	existing.UpdatedAt = time.Now().UTC()
	m.users[u.ID] = existing
	return existing, nil
}

// GetUser returns a user by ID.
func (m *MemoryStore) GetUser(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// ListUsers returns all users ordered by created_at.
func (m *MemoryStore) ListUsers() ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		res = append(res, u)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// UpdateUser merges the non-nil fields of upd.
func (m *MemoryStore) UpdateUser(id string, upd UserUpdate) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	if upd.Role != nil {
		u.Role = *upd.Role
	}
	if upd.Plan != nil {
		u.Plan = *upd.Plan
	}
	if upd.PlanLimit != nil {
		u.PlanLimit = *upd.PlanLimit
	}
	if upd.IsActive != nil {
		u.IsActive = *upd.IsActive
	}
	u.UpdatedAt = time.Now().UTC()
	m.users[id] = u
	return u, nil
}

// IncrementPlanUsage adds delta to the user's usage counter.
func (m *MemoryStore) IncrementPlanUsage(id string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	u.PlanUsage += delta
	u.UpdatedAt = time.Now().UTC()
	m.users[id] = u
	return nil
}

// CreateDocument inserts a document row.
func (m *MemoryStore) CreateDocument(d domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[d.ID] = memoryRow[domain.Document]{seq: m.next(), v: d}
	return nil
}

// ListDocuments returns the user's documents newest first.
func (m *MemoryStore) ListDocuments(userID string, limit int) ([]domain.Document, error) {
	m.mu.RLock()
	rows := make([]memoryRow[domain.Document], 0)
	for _, row := range m.docs {
		if row.v.UserID == userID {
			rows = append(rows, row)
		}
	}
	m.mu.RUnlock()
	sortNewestFirst(rows, func(d domain.Document) time.Time { return d.CreatedAt })
	return values(rows, limit), nil
}

// GetDocument retrieves a document owned by userID.
func (m *MemoryStore) GetDocument(userID, id string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.docs[id]
	if !ok || row.v.UserID != userID {
		return domain.Document{}, false, nil
	}
	return row.v, true, nil
}

// GetDocumentByFileName retrieves a document owned by userID by its stored file name.
func (m *MemoryStore) GetDocumentByFileName(userID, fileName string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, row := range m.docs {
		if row.v.UserID == userID && row.v.FileName == fileName {
			return row.v, true, nil
		}
	}
	return domain.Document{}, false, nil
}

// UpdateDocument merges upd into the user's document.
func (m *MemoryStore) UpdateDocument(userID, id string, upd DocumentUpdate) (domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.docs[id]
	if !ok || row.v.UserID != userID {
		return domain.Document{}, ErrNotFound
	}
	d := row.v
	if upd.ExpectStatus != nil && d.Status != *upd.ExpectStatus {
		return d, ErrStatusConflict
	}
	if upd.Status != nil {
		d.Status = *upd.Status
	}
	if upd.AnalysisResult != nil {
		d.AnalysisResult = append([]byte(nil), upd.AnalysisResult...)
	}
	if upd.ComplianceScore != nil {
		score := *upd.ComplianceScore
		d.ComplianceScore = &score
	}
	if upd.Tags != nil {
		d.Tags = append([]string(nil), upd.Tags...)
	}
	d.UpdatedAt = time.Now().UTC()
	row.v = d
	m.docs[id] = row
	return d, nil
}

// DeleteDocument removes the user's document row.
func (m *MemoryStore) DeleteDocument(userID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.docs[id]
	if !ok || row.v.UserID != userID {
		return false, nil
	}
	delete(m.docs, id)
	return true, nil
}

// ListStaleDocuments returns documents in status last updated before cutoff, oldest first.
func (m *MemoryStore) ListStaleDocuments(status domain.DocumentStatus, cutoff time.Time, limit int) ([]domain.Document, error) {
	m.mu.RLock()
	rows := make([]memoryRow[domain.Document], 0)
	for _, row := range m.docs {
		if row.v.Status == status && row.v.UpdatedAt.Before(cutoff) {
			rows = append(rows, row)
		}
	}
	m.mu.RUnlock()
	sort.Slice(rows, func(i, j int) bool {
		ti, tj := rows[i].v.UpdatedAt, rows[j].v.UpdatedAt
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return rows[i].seq < rows[j].seq
	})
	return values(rows, limit), nil
}

// CreateAIAnalysis appends an AI invocation record.
func (m *MemoryStore) CreateAIAnalysis(a domain.AIAnalysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyses = append(m.analyses, memoryRow[domain.AIAnalysis]{seq: m.next(), v: a})
	return nil
}

// ListAIAnalyses returns the user's analyses newest first.
func (m *MemoryStore) ListAIAnalyses(userID string, limit int) ([]domain.AIAnalysis, error) {
	m.mu.RLock()
	rows := filter(m.analyses, func(a domain.AIAnalysis) bool { return a.UserID == userID })
	m.mu.RUnlock()
	sortNewestFirst(rows, func(a domain.AIAnalysis) time.Time { return a.CreatedAt })
	return values(rows, limit), nil
}

// CreateComplianceReport inserts a report row.
func (m *MemoryStore) CreateComplianceReport(r domain.ComplianceReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, memoryRow[domain.ComplianceReport]{seq: m.next(), v: r})
	return nil
}

// ListComplianceReports returns the user's active reports newest first.
func (m *MemoryStore) ListComplianceReports(userID string, limit int) ([]domain.ComplianceReport, error) {
	m.mu.RLock()
	rows := filter(m.reports, func(r domain.ComplianceReport) bool {
		return r.UserID == userID && r.Status == domain.ReportActive
	})
	m.mu.RUnlock()
	sortNewestFirst(rows, func(r domain.ComplianceReport) time.Time { return r.CreatedAt })
	return values(rows, limit), nil
}

// LatestComplianceReport returns the newest active report of the given type.
func (m *MemoryStore) LatestComplianceReport(userID string, reportType domain.ReportType) (domain.ComplianceReport, bool, error) {
	m.mu.RLock()
	rows := filter(m.reports, func(r domain.ComplianceReport) bool {
		return r.UserID == userID && r.ReportType == reportType && r.Status == domain.ReportActive
	})
	m.mu.RUnlock()
	if len(rows) == 0 {
		return domain.ComplianceReport{}, false, nil
	}
	sortNewestFirst(rows, func(r domain.ComplianceReport) time.Time { return r.CreatedAt })
	return rows[0].v, true, nil
}

// CreateAuditLog appends an audit event.
func (m *MemoryStore) CreateAuditLog(l domain.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, memoryRow[domain.AuditLog]{seq: m.next(), v: l})
	return nil
}

// ListAuditLogs returns the user's audit events newest first.
func (m *MemoryStore) ListAuditLogs(userID string, limit int) ([]domain.AuditLog, error) {
	m.mu.RLock()
	rows := filter(m.audits, func(l domain.AuditLog) bool { return l.UserID == userID })
	m.mu.RUnlock()
	sortNewestFirst(rows, func(l domain.AuditLog) time.Time { return l.Timestamp })
	return values(rows, limit), nil
}

// CreateChatMessage appends a chat message.
func (m *MemoryStore) CreateChatMessage(msg domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats = append(m.chats, memoryRow[domain.ChatMessage]{seq: m.next(), v: msg})
	return nil
}

// ListChatMessages returns the latest messages of a session in chronological order.
func (m *MemoryStore) ListChatMessages(userID, sessionID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		return []domain.ChatMessage{}, nil
	}
	m.mu.RLock()
	rows := filter(m.chats, func(c domain.ChatMessage) bool {
		return c.UserID == userID && c.SessionID == sessionID
	})
	m.mu.RUnlock()
	sortNewestFirst(rows, func(c domain.ChatMessage) time.Time { return c.CreatedAt })
	latest := values(rows, limit)
	msgs := make([]domain.ChatMessage, 0, len(latest))
	for i := len(latest) - 1; i >= 0; i-- {
		msgs = append(msgs, latest[i])
	}
	return msgs, nil
}

// UserStats returns the dashboard counters.
func (m *MemoryStore) UserStats(userID string) (domain.UserStats, error) {
	var stats domain.UserStats
	m.mu.RLock()
	for _, row := range m.docs {
		if row.v.UserID == userID {
			stats.DocumentsCount++
		}
	}
	for _, row := range m.analyses {
		if row.v.UserID == userID {
			stats.AIAnalysesCount++
		}
	}
	for _, u := range m.users {
		if u.IsActive {
			stats.ActiveUsersCount++
		}
	}
	m.mu.RUnlock()
	latest, ok, err := m.LatestComplianceReport(userID, domain.ReportGDPR)
	if err != nil {
		return domain.UserStats{}, err
	}
	if ok {
		stats.ComplianceScore = latest.Score
	}
	return stats, nil
}

func filter[T any](rows []memoryRow[T], keep func(T) bool) []memoryRow[T] {
	out := make([]memoryRow[T], 0)
	for _, row := range rows {
		if keep(row.v) {
			out = append(out, row)
		}
	}
	return out
}

func sortNewestFirst[T any](rows []memoryRow[T], ts func(T) time.Time) {
	sort.Slice(rows, func(i, j int) bool {
		ti, tj := ts(rows[i].v), ts(rows[j].v)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return rows[i].seq > rows[j].seq
	})
}

func values[T any](rows []memoryRow[T], limit int) []T {
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.v)
	}
	return out
}
