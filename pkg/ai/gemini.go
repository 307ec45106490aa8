package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiGenerator calls the Google AI Studio generateContent API.
type GeminiGenerator struct {
	baseURL string
	apiKey  string
	model   string
	hc      *http.Client
}

// NewGeminiGenerator accepts model names with or without the "models/" prefix.
func NewGeminiGenerator(apiKey, baseURL, model string) (*GeminiGenerator, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini: api key required")
	}
	model = strings.TrimPrefix(strings.TrimSpace(model), "models/")
	if model == "" {
		return nil, errors.New("gemini: model required")
	}
	return &GeminiGenerator{
		baseURL: trimBaseURL(baseURL, defaultGeminiBaseURL),
		apiKey:  apiKey,
		model:   model,
		hc:      newHTTPClient(),
	}, nil
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		Temperature      float64 `json:"temperature"`
		ResponseMimeType string  `json:"responseMimeType,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (g *GeminiGenerator) GenerateText(ctx context.Context, req Request) (Response, error) {
	var body geminiRequest
	body.Contents = []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.UserPrompt}}}}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	body.GenerationConfig.Temperature = req.Temperature
	if req.JSON {
		body.GenerationConfig.ResponseMimeType = "application/json"
	}
	// The key travels as a header so it never appears in URLs or access logs.
	header := http.Header{}
	header.Set("x-goog-api-key", g.apiKey)
	endpoint := g.baseURL + "/models/" + url.PathEscape(g.model) + ":generateContent"

	var out geminiResponse
	if err := postJSON(ctx, g.hc, "gemini", endpoint, header, body, &out, geminiErrorMessage); err != nil {
		return Response{}, err
	}
	if len(out.Candidates) == 0 {
		return Response{}, ErrEmptyCompletion
	}
	var sb strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	if strings.TrimSpace(sb.String()) == "" {
		return Response{}, ErrEmptyCompletion
	}
	return Response{Text: sb.String(), TokensUsed: out.UsageMetadata.TotalTokenCount}, nil
}

func geminiErrorMessage(raw []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(raw, &e)
	return e.Error.Message
}
