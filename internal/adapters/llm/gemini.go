package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/venturekit/dealflow/internal/core/domain"
	"github.com/venturekit/dealflow/internal/core/ports"
)

// GeminiProvider implements the inference provider against Google's
// generative language API. Evaluation and ranking calls may block for the
// model's full generation time; callers run them off any lock.
type GeminiProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

var _ ports.InferenceProvider = (*GeminiProvider)(nil)

func NewGeminiProvider(baseURL, apiKey, model string) *GeminiProvider {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	if model == "" {
		model = "gemini-2.5-pro"
	}
	return &GeminiProvider{
		client:  &http.Client{Timeout: 300 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
	}
}

func (p *GeminiProvider) Evaluate(ctx context.Context, submissionID string, submission domain.Document) (domain.Document, error) {
	if err := checkAnalyzable(submission); err != nil {
		return nil, err
	}

	text, err := p.generate(ctx, buildEvaluationPrompt(submissionID, submission))
	if err != nil {
		return nil, fmt.Errorf("evaluation inference failed: %w", err)
	}

	raw, err := extractJSONObject(text)
	if err != nil {
		return nil, fmt.Errorf("parse evaluation report: %w", err)
	}

	var report domain.Document
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, fmt.Errorf("decode evaluation report: %w", err)
	}
	if _, ok := report["startupId"]; !ok {
		report["startupId"] = submissionID
	}
	report["generatedAt"] = time.Now().UTC().Format(time.RFC3339)
	return report, nil
}

func (p *GeminiProvider) Rank(ctx context.Context, preferences domain.Document, summaries []domain.StartupSummary) (domain.RankingResponse, error) {
	text, err := p.generate(ctx, buildRankingPrompt(preferences, summaries))
	if err != nil {
		return domain.RankingResponse{}, fmt.Errorf("ranking inference failed: %w", err)
	}

	raw, err := extractJSONObject(text)
	if err != nil {
		return domain.RankingResponse{}, fmt.Errorf("%w: %v", domain.ErrMalformedRanking, err)
	}

	var resp domain.RankingResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return domain.RankingResponse{}, fmt.Errorf("%w: %v", domain.ErrMalformedRanking, err)
	}
	return resp, nil
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (p *GeminiProvider) generate(ctx context.Context, prompt string) (string, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, p.model)

	payload, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}
	return result.Candidates[0].Content.Parts[0].Text, nil
}
