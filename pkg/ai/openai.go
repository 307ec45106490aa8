package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAICompatGenerator talks to any /chat/completions endpoint: OpenAI
// itself, or a vLLM or LiteLLM gateway. baseURL includes the /v1 prefix.
type OpenAICompatGenerator struct {
	baseURL string
	apiKey  string
	model   string
	hc      *http.Client
}

// NewOpenAICompatGenerator accepts an empty apiKey for unauthenticated local gateways.
func NewOpenAICompatGenerator(baseURL, apiKey, model string) *OpenAICompatGenerator {
	return &OpenAICompatGenerator{
		baseURL: trimBaseURL(baseURL, defaultOpenAIBaseURL),
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		hc:      newHTTPClient(),
	}
}

type openAIRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (g *OpenAICompatGenerator) GenerateText(ctx context.Context, req Request) (Response, error) {
	if g.model == "" {
		return Response{}, errors.New("openai: model required")
	}
	body := openAIRequest{
		Model:       g.model,
		Messages:    chatMessages(req),
		Temperature: req.Temperature,
	}
	if req.JSON {
		body.ResponseFormat = map[string]string{"type": "json_object"}
	}
	header := http.Header{}
	if g.apiKey != "" {
		header.Set("Authorization", "Bearer "+g.apiKey)
	}

	var out openAIResponse
	if err := postJSON(ctx, g.hc, "openai", g.baseURL+"/chat/completions", header, body, &out, openAIErrorMessage); err != nil {
		return Response{}, err
	}
	if len(out.Choices) == 0 {
		return Response{}, ErrEmptyCompletion
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return Response{}, ErrEmptyCompletion
	}
	return Response{Text: text, TokensUsed: out.Usage.TotalTokens}, nil
}

func openAIErrorMessage(raw []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(raw, &e)
	return e.Error.Message
}
