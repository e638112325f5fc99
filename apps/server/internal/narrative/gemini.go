package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ecosim/apps/server/internal/session"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	defaultGeminiModel   = "gemini-2.0-flash"
)

// GeminiClient generates narrative through the Gemini generateContent API.
// It speaks raw HTTP rather than pulling in an SDK; the surface we need is
// one endpoint and one response shape.
type GeminiClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

type GeminiOptions struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

func NewGeminiClient(opts GeminiOptions) (*GeminiClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if opts.Model == "" {
		opts.Model = defaultGeminiModel
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultGeminiBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &GeminiClient{
		httpClient: &http.Client{Timeout: opts.Timeout},
		apiKey:     opts.APIKey,
		model:      opts.Model,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
	}, nil
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// narrativePayload is the JSON contract the prompt asks the model for.
type narrativePayload struct {
	News          string `json:"news"`
	Opportunities []struct {
		CompanyID   string `json:"companyId"`
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"opportunities"`
}

func (c *GeminiClient) Generate(ctx context.Context, req Request) (Result, error) {
	prompt, err := buildPrompt(req)
	if err != nil {
		return Result{}, err
	}

	body, err := json.Marshal(geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
	})
	if err != nil {
		return Result{}, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("gemini status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, fmt.Errorf("decode gemini response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return Result{}, fmt.Errorf("gemini returned no candidates")
	}

	text := parsed.Candidates[0].Content.Parts[0].Text
	payload, err := extractPayload(text)
	if err != nil {
		return Result{}, err
	}

	result := Result{News: payload.News}
	for _, o := range payload.Opportunities {
		result.Opportunities = append(result.Opportunities, session.CompanyOpportunity{
			CompanyID:   o.CompanyID,
			Title:       o.Title,
			Description: o.Description,
		})
	}
	return result, nil
}

func buildPrompt(req Request) (string, error) {
	prev, err := json.Marshal(req.Previous)
	if err != nil {
		return "", err
	}
	cur, err := json.Marshal(req.State)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`You are the news desk of an economic simulation.
Quarter %d just resolved. Previous state: %s
New state: %s
Respond with JSON only, shaped as:
{"news": "<2-3 sentence market report>", "opportunities": [{"companyId": "...", "title": "...", "description": "..."}]}
Include at most one opportunity per company.`, req.Quarter, prev, cur), nil
}

// extractPayload pulls the JSON object out of the model's reply, tolerating
// prose or code fences around it.
func extractPayload(text string) (narrativePayload, error) {
	var payload narrativePayload

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return payload, fmt.Errorf("no JSON object in generator reply")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return payload, fmt.Errorf("parse generator reply: %w", err)
	}
	if strings.TrimSpace(payload.News) == "" {
		return payload, fmt.Errorf("generator reply has no news text")
	}
	return payload, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
