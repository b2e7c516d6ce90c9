package domain

import "time"

// StartupSummary is the compact per-startup feature set handed to the
// inference provider when ranking. It mirrors the evaluation report's stable
// fields: scores, sector and stage signals, and flagged risks.
type StartupSummary struct {
	StartupID              string   `json:"startup_id"`
	Name                   string   `json:"name"`
	Sector                 string   `json:"sector"`
	Description            string   `json:"description"`
	CompanyStage           string   `json:"company_stage"`
	OverallScore           float64  `json:"overall_score"`
	FounderMarketFit       float64  `json:"founder_market_fit"`
	ProductDifferentiation float64  `json:"product_differentiation"`
	Traction               float64  `json:"traction"`
	MarketPotential        float64  `json:"market_potential"`
	ConfidenceScore        float64  `json:"confidence_score"`
	InvestmentReadiness    string   `json:"investment_readiness"`
	KeyDifferentiators     []string `json:"key_differentiators"`
	FlaggedRisks           []string `json:"flagged_risks"`
}

// RankedStartup is one entry of an investor-facing ranking.
type RankedStartup struct {
	StartupID  string  `json:"startup_id"`
	Rank       int     `json:"rank"`
	MatchScore float64 `json:"match_score"`
	Reasoning  string  `json:"reasoning"`
}

// RankSummary buckets a ranking by match score.
type RankSummary struct {
	TotalStartups      int      `json:"total_startups"`
	HighMatchCount     int      `json:"high_match_count"`   // match_score >= 80
	MediumMatchCount   int      `json:"medium_match_count"` // 50 <= match_score < 80
	LowMatchCount      int      `json:"low_match_count"`    // match_score < 50
	TopRecommendations []string `json:"top_recommendations"`
}

// RankingResponse is the raw (unvalidated) output of the inference provider's
// ranking call. Callers must validate it before use.
type RankingResponse struct {
	Rankings []RankedStartup `json:"rankings"`
	Summary  RankSummary     `json:"summary"`
}

// RankingResult is an investor's validated ranking as returned to callers,
// with cache provenance attached.
type RankingResult struct {
	InvestorID    string          `json:"investor_id"`
	Rankings      []RankedStartup `json:"rankings"`
	Summary       RankSummary     `json:"summary"`
	TotalStartups int             `json:"total_startups"`
	Cached        bool            `json:"cached"`
	Timestamp     time.Time       `json:"timestamp"`
}

// FanOutOutcome reports one investor's result from a global recompute.
type FanOutOutcome struct {
	InvestorID string `json:"investor_id"`
	Success    bool   `json:"success"`
	Cached     bool   `json:"cached"`
	Message    string `json:"message,omitempty"`
}
