package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/venturekit/dealflow/internal/core/domain"
)

func sampleReport(score float64) domain.Document {
	return domain.Document{
		"submission": domain.Document{"startupName": "Acme"},
		"scores":     domain.Document{"OverallScore": score},
		"aiInsights": domain.Document{"confidenceScore": 0.8},
	}
}

func TestDataHash_Deterministic(t *testing.T) {
	prefs := domain.Document{"sectors": []any{"fintech"}, "stage": "Seed"}
	reports := map[string]domain.Document{
		"a": sampleReport(8),
		"b": sampleReport(6),
	}

	first := DataHash(prefs, reports)
	second := DataHash(prefs, reports)
	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestDataHash_IgnoresMapConstructionOrder(t *testing.T) {
	prefs := domain.Document{"stage": "Seed", "sectors": []any{"fintech"}}

	forward := map[string]domain.Document{"a": sampleReport(8), "b": sampleReport(6)}
	reversed := map[string]domain.Document{"b": sampleReport(6), "a": sampleReport(8)}

	assert.Equal(t, DataHash(prefs, forward), DataHash(prefs, reversed))
}

func TestDataHash_ChangesWithScores(t *testing.T) {
	prefs := domain.Document{"stage": "Seed"}
	base := map[string]domain.Document{"a": sampleReport(8)}
	changed := map[string]domain.Document{"a": sampleReport(9)}

	assert.NotEqual(t, DataHash(prefs, base), DataHash(prefs, changed))
}

func TestDataHash_ChangesWithPreferences(t *testing.T) {
	reports := map[string]domain.Document{"a": sampleReport(8)}

	assert.NotEqual(t,
		DataHash(domain.Document{"stage": "Seed"}, reports),
		DataHash(domain.Document{"stage": "Series A"}, reports))
}

func TestDataHash_ChangesWithStartupSet(t *testing.T) {
	prefs := domain.Document{"stage": "Seed"}
	one := map[string]domain.Document{"a": sampleReport(8)}
	two := map[string]domain.Document{"a": sampleReport(8), "b": sampleReport(6)}

	assert.NotEqual(t, DataHash(prefs, one), DataHash(prefs, two))
}

func TestDataHash_IgnoresUnrelatedReportFields(t *testing.T) {
	prefs := domain.Document{"stage": "Seed"}

	base := sampleReport(8)
	noisy := sampleReport(8)
	noisy["companyProfile"] = domain.Document{"sector": "fintech"}
	noisy["generatedAt"] = "2026-08-30T12:00:00Z"

	assert.Equal(t,
		DataHash(prefs, map[string]domain.Document{"a": base}),
		DataHash(prefs, map[string]domain.Document{"a": noisy}))
}

func TestDataHash_NilPreferencesEqualsEmpty(t *testing.T) {
	reports := map[string]domain.Document{"a": sampleReport(8)}
	assert.Equal(t, DataHash(nil, reports), DataHash(domain.Document{}, reports))
}
