package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/venturekit/dealflow/internal/core/domain"
)

// checkAnalyzable rejects submissions the model could never evaluate: no
// uploaded assets and no written description. These fail terminally rather
// than burning retries.
func checkAnalyzable(submission domain.Document) error {
	inner := domain.SubDocument(submission, "submission")
	if inner == nil {
		inner = submission
	}
	if assets, ok := inner["uploadedAssets"].([]any); ok && len(assets) > 0 {
		return nil
	}
	if strings.TrimSpace(domain.StringField(inner, "description", "")) != "" {
		return nil
	}
	return domain.ErrUnprocessableSubmission
}

func buildEvaluationPrompt(submissionID string, submission domain.Document) string {
	data, err := json.MarshalIndent(submission, "", "  ")
	if err != nil {
		data = []byte("{}")
	}

	return fmt.Sprintf(`You are an AI investment analyst. Analyze the following startup submission and produce a structured evaluation report.

SUBMISSION ID: %s

SUBMISSION DATA:
%s

TASK:
Produce a complete evaluation report covering the company profile, founder profiles, traction, market and competitive position. Score the startup on a 0-10 scale for: OverallScore, FounderMarketFit, ProductDifferentiation, Traction, MarketPotential.

CRITICAL: Respond with ONLY valid JSON. No markdown, no explanations. The object must contain at least:
{
  "startupId": "%s",
  "submission": { ...echo of the key submission fields... },
  "companyProfile": {"description": "...", "sector": "...", "companyStage": "..."},
  "scores": {"OverallScore": 0, "FounderMarketFit": 0, "ProductDifferentiation": 0, "Traction": 0, "MarketPotential": 0},
  "aiInsights": {"confidenceScore": 0, "investmentReadiness": "...", "keyDifferentiators": [], "flaggedRisks": []}
}`, submissionID, string(data), submissionID)
}

func buildRankingPrompt(preferences domain.Document, summaries []domain.StartupSummary) string {
	prefs, err := json.MarshalIndent(preferences, "", "  ")
	if err != nil {
		prefs = []byte("{}")
	}
	data, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		data = []byte("[]")
	}

	return fmt.Sprintf(`You are an AI investment advisor ranking startup opportunities against an investor's preferences.

INVESTOR PREFERENCES:
%s

STARTUP DATA:
%s

TASK:
Rank these startups from 1 to %d by how well they match the preferences. Consider sector alignment, stage match, geography, risk profile, overall potential, founder-market fit, differentiation and traction.

CRITICAL: Respond with ONLY valid JSON. No markdown, no explanations. Use exactly this format:
{
  "rankings": [
    {"startup_id": "...", "rank": 1, "match_score": 95.5, "reasoning": "..."}
  ],
  "summary": {
    "total_startups": %d,
    "high_match_count": 0,
    "medium_match_count": 0,
    "low_match_count": 0,
    "top_recommendations": []
  }
}
Rankings must run from best match (rank 1) to worst (rank %d) with no duplicate ranks.`,
		string(prefs), string(data), len(summaries), len(summaries), len(summaries))
}

var jsonFencePatterns = []*regexp.Regexp{
	regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```"),
	regexp.MustCompile("(?s)```\\s*(.*?)\\s*```"),
	regexp.MustCompile(`(?s)\{.*\}`),
}

// extractJSONObject pulls a JSON object out of model output that may wrap it
// in markdown fences or prose.
func extractJSONObject(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}

	for _, pattern := range jsonFencePatterns {
		for _, match := range pattern.FindAllStringSubmatch(trimmed, -1) {
			candidate := match[len(match)-1]
			candidate = strings.TrimSpace(candidate)
			if json.Valid([]byte(candidate)) {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("no valid JSON object in model output")
}
