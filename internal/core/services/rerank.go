package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/venturekit/dealflow/internal/core/domain"
	"github.com/venturekit/dealflow/internal/core/ports"
)

// ErrNoStartupData is returned when no evaluation reports exist to rank.
var ErrNoStartupData = errors.New("no startup evaluation reports available")

// RerankService computes investor-facing startup rankings and caches them
// keyed by a content hash of the inputs. There is no TTL: a cached ranking is
// served for as long as a freshly computed hash over current preferences and
// reports equals the stored one.
type RerankService struct {
	logger    *slog.Logger
	store     ports.DocumentStore
	inference ports.InferenceProvider
}

func NewRerankService(logger *slog.Logger, store ports.DocumentStore, inference ports.InferenceProvider) *RerankService {
	return &RerankService{logger: logger, store: store, inference: inference}
}

// GetRanking returns the investor's current ranking, loading their stored
// preferences first. Serves the cache when valid, recomputes otherwise.
func (s *RerankService) GetRanking(ctx context.Context, investorID string) (*domain.RankingResult, error) {
	user, err := s.store.Get(ctx, domain.CollectionUsers, investorID)
	if err != nil {
		return nil, fmt.Errorf("load investor %s: %w", investorID, err)
	}
	return s.RerankForInvestor(ctx, investorID, domain.SubDocument(user, "preferences"))
}

// RerankForInvestor ranks all visible startups against the given preferences.
func (s *RerankService) RerankForInvestor(ctx context.Context, investorID string, preferences domain.Document) (*domain.RankingResult, error) {
	reports, err := s.store.Query(ctx, domain.CollectionReports, nil)
	if err != nil {
		return nil, fmt.Errorf("load evaluation reports: %w", err)
	}
	if len(reports) == 0 {
		return nil, ErrNoStartupData
	}

	hash := DataHash(preferences, reports)

	if cached := s.loadValidCache(ctx, investorID, hash); cached != nil {
		s.logger.Info("serving cached recommendations", "investor_id", investorID)
		cached.TotalStartups = len(reports)
		return cached, nil
	}

	s.logger.Info("reranking startups", "investor_id", investorID, "startup_count", len(reports))

	summaries := buildSummaries(reports)
	ranking := s.computeRanking(ctx, preferences, summaries)
	ranking.Summary = summarize(ranking.Rankings)

	now := time.Now().UTC()
	result := &domain.RankingResult{
		InvestorID:    investorID,
		Rankings:      ranking.Rankings,
		Summary:       ranking.Summary,
		TotalStartups: len(reports),
		Cached:        false,
		Timestamp:     now,
	}

	if err := s.store.Set(ctx, domain.CollectionRecommendations, investorID, domain.Document{
		"investor_id":      investorID,
		"preferences_used": orEmptyDoc(preferences),
		"rankings":         toJSONValue(ranking.Rankings),
		"summary":          toJSONValue(ranking.Summary),
		"status":           "active",
		"updated_at":       now.Format(time.RFC3339),
	}); err != nil {
		return nil, fmt.Errorf("persist recommendations for %s: %w", investorID, err)
	}

	if hash != "" {
		if err := s.store.Set(ctx, domain.CollectionRecCache, investorID, domain.Document{
			"investor_id": investorID,
			"data_hash":   hash,
			"rankings":    toJSONValue(ranking.Rankings),
			"summary":     toJSONValue(ranking.Summary),
			"cached_at":   now.Format(time.RFC3339),
		}); err != nil {
			s.logger.Error("failed to cache recommendations", "investor_id", investorID, "error", err)
		}
	}

	return result, nil
}

// OnPreferenceChange drops the investor's cache entry and recomputes
// immediately against their stored preferences.
func (s *RerankService) OnPreferenceChange(ctx context.Context, investorID string) (*domain.RankingResult, error) {
	s.InvalidateInvestor(ctx, investorID)
	return s.GetRanking(ctx, investorID)
}

// InvalidateInvestor deletes one investor's cache entry.
func (s *RerankService) InvalidateInvestor(ctx context.Context, investorID string) {
	if err := s.store.Delete(ctx, domain.CollectionRecCache, investorID); err != nil {
		s.logger.Error("failed to invalidate recommendation cache", "investor_id", investorID, "error", err)
		return
	}
	s.logger.Info("invalidated recommendation cache", "investor_id", investorID)
}

// InvalidateAll deletes every cache entry. Used when the report pool changes.
func (s *RerankService) InvalidateAll(ctx context.Context) error {
	entries, err := s.store.Query(ctx, domain.CollectionRecCache, nil)
	if err != nil {
		return fmt.Errorf("list recommendation cache: %w", err)
	}
	for id := range entries {
		if err := s.store.Delete(ctx, domain.CollectionRecCache, id); err != nil {
			s.logger.Error("failed to delete cache entry", "investor_id", id, "error", err)
		}
	}
	s.logger.Info("invalidated recommendation caches", "count", len(entries))
	return nil
}

// FanOut recomputes rankings for every investor with non-empty preferences.
// One investor's failure never aborts the batch; each outcome is reported.
func (s *RerankService) FanOut(ctx context.Context) ([]domain.FanOutOutcome, error) {
	investors, err := s.store.Query(ctx, domain.CollectionUsers, func(doc domain.Document) bool {
		return domain.StringField(doc, "role", "") == "investor" && len(domain.SubDocument(doc, "preferences")) > 0
	})
	if err != nil {
		return nil, fmt.Errorf("list investors: %w", err)
	}

	ids := make([]string, 0, len(investors))
	for id := range investors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	outcomes := make([]domain.FanOutOutcome, 0, len(ids))
	for _, id := range ids {
		result, err := s.RerankForInvestor(ctx, id, domain.SubDocument(investors[id], "preferences"))
		if err != nil {
			outcomes = append(outcomes, domain.FanOutOutcome{InvestorID: id, Success: false, Message: err.Error()})
			s.logger.Error("fan-out rerank failed", "investor_id", id, "error", err)
			continue
		}
		outcomes = append(outcomes, domain.FanOutOutcome{InvestorID: id, Success: true, Cached: result.Cached})
	}

	s.logger.Info("fan-out reranking finished", "investors", len(outcomes))
	return outcomes, nil
}

// computeRanking delegates to the inference provider and validates the
// response. Any error or shape violation falls back to the deterministic
// score-ordered ranking; the fallback is a first-class path, not an
// exception handler.
func (s *RerankService) computeRanking(ctx context.Context, preferences domain.Document, summaries []domain.StartupSummary) domain.RankingResponse {
	resp, err := s.inference.Rank(ctx, orEmptyDoc(preferences), summaries)
	if err != nil {
		s.logger.Warn("inference ranking failed, using score fallback", "error", err)
		return FallbackRanking(summaries)
	}
	if err := validateRanking(resp, summaries); err != nil {
		s.logger.Warn("inference ranking malformed, using score fallback", "error", err)
		return FallbackRanking(summaries)
	}
	return resp
}

// loadValidCache returns the cached ranking iff its stored hash matches the
// freshly computed one.
func (s *RerankService) loadValidCache(ctx context.Context, investorID, hash string) *domain.RankingResult {
	if hash == "" {
		return nil
	}
	cached, err := s.store.Get(ctx, domain.CollectionRecCache, investorID)
	if err != nil {
		return nil
	}
	if domain.StringField(cached, "data_hash", "") != hash {
		return nil
	}

	var rankings []domain.RankedStartup
	if !decodeJSONValue(cached["rankings"], &rankings) {
		return nil
	}
	var summary domain.RankSummary
	decodeJSONValue(cached["summary"], &summary)

	cachedAt := time.Now().UTC()
	if t, err := time.Parse(time.RFC3339, domain.StringField(cached, "cached_at", "")); err == nil {
		cachedAt = t
	}

	return &domain.RankingResult{
		InvestorID: investorID,
		Rankings:   rankings,
		Summary:    summary,
		Cached:     true,
		Timestamp:  cachedAt,
	}
}

// validateRanking checks that every startup received exactly one rank in
// [1, N] with no duplicates and a match score within [0, 100].
func validateRanking(resp domain.RankingResponse, summaries []domain.StartupSummary) error {
	n := len(summaries)
	if len(resp.Rankings) != n {
		return fmt.Errorf("%w: got %d rankings for %d startups", domain.ErrMalformedRanking, len(resp.Rankings), n)
	}

	known := make(map[string]bool, n)
	for _, s := range summaries {
		known[s.StartupID] = true
	}

	seenIDs := make(map[string]bool, n)
	seenRanks := make(map[int]bool, n)
	for _, r := range resp.Rankings {
		if !known[r.StartupID] {
			return fmt.Errorf("%w: unknown startup %q", domain.ErrMalformedRanking, r.StartupID)
		}
		if seenIDs[r.StartupID] {
			return fmt.Errorf("%w: duplicate startup %q", domain.ErrMalformedRanking, r.StartupID)
		}
		seenIDs[r.StartupID] = true

		if r.Rank < 1 || r.Rank > n {
			return fmt.Errorf("%w: rank %d out of range [1,%d]", domain.ErrMalformedRanking, r.Rank, n)
		}
		if seenRanks[r.Rank] {
			return fmt.Errorf("%w: duplicate rank %d", domain.ErrMalformedRanking, r.Rank)
		}
		seenRanks[r.Rank] = true

		if r.MatchScore < 0 || r.MatchScore > 100 {
			return fmt.Errorf("%w: match score %.2f out of range [0,100]", domain.ErrMalformedRanking, r.MatchScore)
		}
	}
	return nil
}

// FallbackRanking orders startups purely by their pre-existing overall score,
// descending, ties broken by startup id ascending.
func FallbackRanking(summaries []domain.StartupSummary) domain.RankingResponse {
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
			Reasoning:  fmt.Sprintf("Ranked based on overall score of %g/10", s.OverallScore),
		}
	}
	return domain.RankingResponse{Rankings: rankings, Summary: summarize(rankings)}
}

// buildSummaries condenses evaluation reports into the per-startup feature
// set handed to the ranking call, ordered by startup id for a stable prompt.
func buildSummaries(reports map[string]domain.Document) []domain.StartupSummary {
	ids := make([]string, 0, len(reports))
	for id := range reports {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	summaries := make([]domain.StartupSummary, 0, len(ids))
	for _, id := range ids {
		report := reports[id]
		submission := domain.SubDocument(report, "submission")
		profile := domain.SubDocument(report, "companyProfile")
		scores := domain.SubDocument(report, "scores")
		insights := domain.SubDocument(report, "aiInsights")

		summaries = append(summaries, domain.StartupSummary{
			StartupID:              id,
			Name:                   domain.StringField(submission, "startupName", "Unknown"),
			Sector:                 domain.StringField(profile, "sector", "Unknown"),
			Description:            domain.StringField(profile, "description", "No description"),
			CompanyStage:           domain.StringField(profile, "companyStage", "Unknown"),
			OverallScore:           domain.NumberField(scores, "OverallScore", 0),
			FounderMarketFit:       domain.NumberField(scores, "FounderMarketFit", 0),
			ProductDifferentiation: domain.NumberField(scores, "ProductDifferentiation", 0),
			Traction:               domain.NumberField(scores, "Traction", 0),
			MarketPotential:        domain.NumberField(scores, "MarketPotential", 0),
			ConfidenceScore:        domain.NumberField(insights, "confidenceScore", 0),
			InvestmentReadiness:    domain.StringField(insights, "investmentReadiness", "Unknown"),
			KeyDifferentiators:     stringSlice(insights, "keyDifferentiators"),
			FlaggedRisks:           stringSlice(insights, "flaggedRisks"),
		})
	}
	return summaries
}

func summarize(rankings []domain.RankedStartup) domain.RankSummary {
	summary := domain.RankSummary{TotalStartups: len(rankings)}

	ordered := make([]domain.RankedStartup, len(rankings))
	copy(ordered, rankings)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Rank < ordered[j].Rank })

	for _, r := range ordered {
		switch {
		case r.MatchScore >= 80:
			summary.HighMatchCount++
		case r.MatchScore >= 50:
			summary.MediumMatchCount++
		default:
			summary.LowMatchCount++
		}
	}
	for i := 0; i < len(ordered) && i < 3; i++ {
		summary.TopRecommendations = append(summary.TopRecommendations, ordered[i].StartupID)
	}
	return summary
}

func stringSlice(doc domain.Document, key string) []string {
	if doc == nil {
		return nil
	}
	raw, ok := doc[key].([]any)
	if !ok {
		if typed, ok := doc[key].([]string); ok {
			return typed
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// toJSONValue round-trips a typed value through JSON so documents hold only
// generic JSON shapes regardless of the store implementation.
func toJSONValue(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func decodeJSONValue(v any, target any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, target) == nil
}
