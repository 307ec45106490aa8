// Package analysis turns legal prompts into typed results using a text generator.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"lexcomply/pkg/ai"
	"lexcomply/pkg/domain"
)

// ErrAIService wraps every generator, empty-reply, or parse failure.
var ErrAIService = errors.New("ai service failure")

// maxDocumentRunes bounds the document text placed into a prompt.
const maxDocumentRunes = 100_000

const (
	defaultJurisdiction   = "Germany"
	defaultComplianceType = "gdpr"
)

// Trace records what was sent to and received from the model.
type Trace struct {
	Prompt     string
	Response   string
	TokensUsed int
}

// Client issues the analysis prompts.
type Client struct {
	gen ai.TextGenerator
}

// New builds a Client over gen.
func New(gen ai.TextGenerator) *Client {
	return &Client{gen: gen}
}

// AnalyzeDocument produces a compliance analysis of a document's text.
func (c *Client) AnalyzeDocument(ctx context.Context, fileName, text string) (domain.DocumentAnalysis, Trace, error) {
	prompt := fmt.Sprintf(documentPrompt, fileName, truncateRunes(text, maxDocumentRunes))
	var out domain.DocumentAnalysis
	trace, err := c.generateJSON(ctx, documentSystemPrompt, prompt, 0.3, &out)
	if err != nil {
		return domain.DocumentAnalysis{}, trace, err
	}
	return normalizeDocumentAnalysis(out), trace, nil
}

// Chat answers a user message. chatContext may be empty.
func (c *Client) Chat(ctx context.Context, message, chatContext string, role domain.UserRole) (domain.ChatReply, Trace, error) {
	if role == "" {
		role = domain.RoleUser
	}
	prompt := fmt.Sprintf(chatPrompt, role, chatContext, message)
	var out domain.ChatReply
	trace, err := c.generateJSON(ctx, chatSystemPrompt, prompt, 0.7, &out)
	if err != nil {
		return domain.ChatReply{}, trace, err
	}
	if strings.TrimSpace(out.Message) == "" {
		return domain.ChatReply{}, trace, fmt.Errorf("%w: chat reply has no message", ErrAIService)
	}
	out.Suggestions = nonNil(out.Suggestions)
	out.RelatedDocuments = nonNil(out.RelatedDocuments)
	return out, trace, nil
}

// GenerateContract drafts a contract template as plain text.
func (c *Client) GenerateContract(ctx context.Context, contractType, requirements, jurisdiction string) (string, Trace, error) {
	if strings.TrimSpace(jurisdiction) == "" {
		jurisdiction = defaultJurisdiction
	}
	prompt := fmt.Sprintf(contractPrompt, contractType, jurisdiction, requirements)
	system := fmt.Sprintf(contractSystemPrompt, jurisdiction)
	trace, err := c.generate(ctx, ai.Request{SystemPrompt: system, UserPrompt: prompt, Temperature: 0.2})
	if err != nil {
		return "", trace, err
	}
	return trace.Response, trace, nil
}

// ComplianceCheck scores text against a compliance framework.
func (c *Client) ComplianceCheck(ctx context.Context, text, complianceType string) (domain.ComplianceCheck, Trace, error) {
	complianceType = strings.TrimSpace(complianceType)
	if complianceType == "" {
		complianceType = defaultComplianceType
	}
	upper := strings.ToUpper(complianceType)
	prompt := fmt.Sprintf(compliancePrompt, upper, truncateRunes(text, maxDocumentRunes))
	system := fmt.Sprintf(complianceSystemPrompt, upper)
	var out domain.ComplianceCheck
	trace, err := c.generateJSON(ctx, system, prompt, 0.1, &out)
	if err != nil {
		return domain.ComplianceCheck{}, trace, err
	}
	out.Score = clampScore(out.Score)
	out.Issues = nonNil(out.Issues)
	out.Recommendations = nonNil(out.Recommendations)
	return out, trace, nil
}

func (c *Client) generate(ctx context.Context, req ai.Request) (Trace, error) {
	trace := Trace{Prompt: req.UserPrompt}
	resp, err := c.gen.GenerateText(ctx, req)
	if err != nil {
		return trace, fmt.Errorf("%w: %v", ErrAIService, err)
	}
	trace.Response = resp.Text
	trace.TokensUsed = resp.TokensUsed
	if strings.TrimSpace(resp.Text) == "" {
		return trace, fmt.Errorf("%w: empty reply", ErrAIService)
	}
	return trace, nil
}

func (c *Client) generateJSON(ctx context.Context, system, prompt string, temperature float64, out any) (Trace, error) {
	trace, err := c.generate(ctx, ai.Request{SystemPrompt: system, UserPrompt: prompt, JSON: true, Temperature: temperature})
	if err != nil {
		return trace, err
	}
	if err := json.Unmarshal([]byte(stripCodeFence(trace.Response)), out); err != nil {
		return trace, fmt.Errorf("%w: decode reply: %v", ErrAIService, err)
	}
	return trace, nil
}

func normalizeDocumentAnalysis(a domain.DocumentAnalysis) domain.DocumentAnalysis {
	a.ComplianceScore = clampScore(a.ComplianceScore)
	a.KeyFindings = nonNil(a.KeyFindings)
	a.Recommendations = nonNil(a.Recommendations)
	if a.Risks == nil {
		a.Risks = []domain.Risk{}
	}
	for i := range a.Risks {
		switch sev := strings.ToLower(strings.TrimSpace(a.Risks[i].Severity)); sev {
		case "low", "medium", "high":
			a.Risks[i].Severity = sev
		default:
			a.Risks[i].Severity = "medium"
		}
	}
	a.GDPRCompliance.Score = clampScore(a.GDPRCompliance.Score)
	a.GDPRCompliance.Issues = nonNil(a.GDPRCompliance.Issues)
	a.GDPRCompliance.Recommendations = nonNil(a.GDPRCompliance.Recommendations)
	return a
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

// stripCodeFence removes a surrounding ```json ... ``` block some models emit
// even in JSON mode.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
