package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaGenerator uses a local Ollama server's /api/chat endpoint.
type OllamaGenerator struct {
	baseURL string
	model   string
	hc      *http.Client
}

func NewOllamaGenerator(baseURL, model string) *OllamaGenerator {
	return &OllamaGenerator{
		baseURL: trimBaseURL(baseURL, defaultOllamaBaseURL),
		model:   strings.TrimSpace(model),
		hc:      newHTTPClient(),
	}
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   string        `json:"format,omitempty"`
	Options  struct {
		Temperature float64 `json:"temperature"`
	} `json:"options"`
}

type ollamaResponse struct {
	Message         chatMessage `json:"message"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

func (g *OllamaGenerator) GenerateText(ctx context.Context, req Request) (Response, error) {
	if g.model == "" {
		return Response{}, errors.New("ollama: model required")
	}
	body := ollamaRequest{Model: g.model, Messages: chatMessages(req)}
	body.Options.Temperature = req.Temperature
	if req.JSON {
		body.Format = "json"
	}

	var out ollamaResponse
	if err := postJSON(ctx, g.hc, "ollama", g.baseURL+"/api/chat", nil, body, &out, ollamaErrorMessage); err != nil {
		return Response{}, err
	}
	if strings.TrimSpace(out.Message.Content) == "" {
		return Response{}, ErrEmptyCompletion
	}
	return Response{Text: out.Message.Content, TokensUsed: out.PromptEvalCount + out.EvalCount}, nil
}

func ollamaErrorMessage(raw []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(raw, &e)
	return e.Error
}
