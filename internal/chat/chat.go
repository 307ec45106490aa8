// Package chat runs the legal assistant conversation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"lexcomply/internal/analysis"
	"lexcomply/internal/audit"
	"lexcomply/pkg/domain"
	"lexcomply/pkg/store"
)

// ErrEmptyMessage is returned when the user message is blank.
var ErrEmptyMessage = errors.New("message required")

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// Assistant answers a chat message.
type Assistant interface {
	Chat(ctx context.Context, message, chatContext string, role domain.UserRole) (domain.ChatReply, analysis.Trace, error)
}

// Reply is the assistant's answer within a session.
type Reply struct {
	SessionID string
	domain.ChatReply
}

// Handler stores both sides of a conversation.
type Handler struct {
	store     store.Store
	assistant Assistant
	audit     *audit.Recorder
	now       func() time.Time
}

// NewHandler builds a Handler.
func NewHandler(s store.Store, assistant Assistant, rec *audit.Recorder) *Handler {
	return &Handler{store: s, assistant: assistant, audit: rec, now: func() time.Time { return time.Now().UTC() }}
}

// Send persists the user message, asks the assistant and persists its reply.
// If the assistant fails the user message is kept.
func (h *Handler) Send(ctx context.Context, user domain.User, actx audit.Context, sessionID, text string) (Reply, error) {
	if strings.TrimSpace(text) == "" {
		return Reply{}, ErrEmptyMessage
	}
	sessionID = strings.TrimSpace(sessionID)
	userAt := h.now()
	if sessionID == "" {
		sessionID = "session_" + strconv.FormatInt(userAt.UnixMilli(), 10)
	}
	actx.SessionID = sessionID

	if err := h.store.CreateChatMessage(domain.ChatMessage{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		SessionID:  sessionID,
		Message:    text,
		IsFromUser: true,
		CreatedAt:  userAt,
	}); err != nil {
		return Reply{}, fmt.Errorf("save user message: %w", err)
	}

	reply, trace, err := h.assistant.Chat(ctx, text, "", user.Role)
	if err != nil {
		return Reply{}, err
	}

	assistantAt := h.now()
	if !assistantAt.After(userAt) {
		// Postgres keeps microseconds; keep the pair strictly ordered.
		assistantAt = userAt.Add(time.Microsecond)
	}
	if err := h.store.CreateChatMessage(domain.ChatMessage{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		SessionID:  sessionID,
		Message:    reply.Message,
		IsFromUser: false,
		Metadata: map[string]any{
			"suggestions":      reply.Suggestions,
			"relatedDocuments": reply.RelatedDocuments,
			"tokensUsed":       trace.TokensUsed,
		},
		CreatedAt: assistantAt,
	}); err != nil {
		return Reply{}, fmt.Errorf("save assistant message: %w", err)
	}
	if err := h.store.IncrementPlanUsage(user.ID, 1); err != nil {
		return Reply{}, fmt.Errorf("increment plan usage: %w", err)
	}
	h.audit.AI(ctx, actx, audit.ActionAIChat, "", map[string]any{
		"messageLength":  len([]rune(text)),
		"responseLength": len([]rune(reply.Message)),
	})
	return Reply{SessionID: sessionID, ChatReply: reply}, nil
}

// History returns the latest messages of a session in chronological order.
func (h *Handler) History(user domain.User, sessionID string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	msgs, err := h.store.ListChatMessages(user.ID, strings.TrimSpace(sessionID), limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	return msgs, nil
}
