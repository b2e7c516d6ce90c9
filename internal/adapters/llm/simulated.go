package llm

import (
	"context"
	"crypto/md5"
	"fmt"
	"sort"
	"time"

	"github.com/venturekit/dealflow/internal/core/domain"
	"github.com/venturekit/dealflow/internal/core/ports"
)

// SimulatedProvider stands in for the real inference service when no API key
// is configured. Reports are deterministic per submission id so repeated runs
// (and the content-hash cache) behave the same as with a real model.
type SimulatedProvider struct{}

var _ ports.InferenceProvider = (*SimulatedProvider)(nil)

func NewSimulatedProvider() *SimulatedProvider {
	return &SimulatedProvider{}
}

func (p *SimulatedProvider) Evaluate(ctx context.Context, submissionID string, submission domain.Document) (domain.Document, error) {
	if err := checkAnalyzable(submission); err != nil {
		return nil, err
	}

	inner := domain.SubDocument(submission, "submission")
	if inner == nil {
		inner = submission
	}
	overall := simulatedScore(submissionID, 0)

	return domain.Document{
		"startupId": submissionID,
		"submission": domain.Document{
			"startupName":    domain.StringField(inner, "startupName", "Unknown Startup"),
			"submittedBy":    domain.StringField(inner, "submittedBy", "unknown@example.com"),
			"uploadedAssets": inner["uploadedAssets"],
		},
		"companyProfile": domain.Document{
			"description":  domain.StringField(inner, "description", "No description available"),
			"sector":       domain.StringField(inner, "sector", "Technology"),
			"companyStage": domain.StringField(inner, "companyStage", "Seed"),
		},
		"scores": domain.Document{
			"OverallScore":           overall,
			"FounderMarketFit":       simulatedScore(submissionID, 1),
			"ProductDifferentiation": simulatedScore(submissionID, 2),
			"Traction":               simulatedScore(submissionID, 3),
			"MarketPotential":        simulatedScore(submissionID, 4),
		},
		"aiInsights": domain.Document{
			"confidenceScore":     0.5,
			"investmentReadiness": readiness(overall),
			"keyDifferentiators":  []any{},
			"flaggedRisks":        []any{"evaluation generated without AI model"},
		},
		"generatedAt": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// Rank orders summaries by overall score descending, ids ascending on ties.
func (p *SimulatedProvider) Rank(ctx context.Context, preferences domain.Document, summaries []domain.StartupSummary) (domain.RankingResponse, error) {
	ordered := make([]domain.StartupSummary, len(summaries))
	copy(ordered, summaries)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].OverallScore != ordered[j].OverallScore {
			return ordered[i].OverallScore > ordered[j].OverallScore
		}
		return ordered[i].StartupID < ordered[j].StartupID
	})

	rankings := make([]domain.RankedStartup, len(ordered))
	for i, s := range ordered {
		score := s.OverallScore * 10
		if score > 100 {
			score = 100
		}
		rankings[i] = domain.RankedStartup{
			StartupID:  s.StartupID,
			Rank:       i + 1,
			MatchScore: score,
			Reasoning:  fmt.Sprintf("Simulated ranking from overall score %g/10", s.OverallScore),
		}
	}
	return domain.RankingResponse{Rankings: rankings}, nil
}

// simulatedScore derives a stable score in [4.0, 9.5] from the submission id.
func simulatedScore(submissionID string, dimension int) float64 {
	sum := md5.Sum([]byte(fmt.Sprintf("%s/%d", submissionID, dimension)))
	return 4.0 + float64(sum[0]%56)/10.0
}

func readiness(score float64) string {
	switch {
	case score >= 8:
		return "High"
	case score >= 6:
		return "Medium"
	}
	return "Low"
}
