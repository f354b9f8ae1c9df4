package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadpilot/config"
	"leadpilot/models"
	"leadpilot/storage"
)

func testClassifierConfig(url string) config.ClassifierConfig {
	return config.ClassifierConfig{URL: url, Timeout: 200 * time.Millisecond, HotThreshold: 70, WarmThreshold: 40}
}

func ptr(f float64) *float64 { return &f }

func TestTierFor_Thresholds(t *testing.T) {
	c := NewClassifier(testClassifierConfig(""), nil, nil)
	assert.Equal(t, models.TierHot, c.TierFor(70))
	assert.Equal(t, models.TierWarm, c.TierFor(69))
	assert.Equal(t, models.TierWarm, c.TierFor(40))
	assert.Equal(t, models.TierCold, c.TierFor(39))
	assert.Equal(t, models.TierHot, c.TierFor(100))
	assert.Equal(t, models.TierCold, c.TierFor(0))
}

func TestClassify_RemoteScore(t *testing.T) {
	var got scoreRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"score": 72.4}`))
	}))
	defer srv.Close()

	cfg := testClassifierConfig(srv.URL)
	cfg.APIKey = "secret"
	c := NewClassifier(cfg, srv.Client(), nil)

	lead := &models.Lead{CustomerID: "c1", Phone: "11912345678", Location: "Pinheiros", Price: ptr(500000)}
	res := c.Classify(context.Background(), models.Session{CustomerID: "c1", Plan: models.PlanPro}, lead, models.SearchFilters{})

	assert.False(t, res.Fallback)
	assert.NoError(t, res.Err)
	assert.Equal(t, 72, res.Score)
	assert.Equal(t, models.TierHot, res.Tier)
	assert.True(t, got.HasPhone)
	assert.Equal(t, "pro", got.Plan)
}

func TestClassify_FallbackOnFailure(t *testing.T) {
	lead := &models.Lead{Phone: "11912345678", Email: "a@b.com", Price: ptr(450000)}
	filters := models.SearchFilters{PriceMin: ptr(400000), PriceMax: ptr(500000)}
	want := HeuristicScore(lead, filters)

	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
		"bad json":     func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("not json")) },
		"out of range": func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"score": 140}`)) },
		"missing":      func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{}`)) },
		"timeout": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		},
	}

	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()

			c := NewClassifier(testClassifierConfig(srv.URL), srv.Client(), nil)
			res := c.Classify(context.Background(), models.Session{CustomerID: "c1"}, lead, filters)

			assert.True(t, res.Fallback)
			assert.Error(t, res.Err)
			assert.Equal(t, want, res.Score)
			assert.Equal(t, c.TierFor(want), res.Tier)
		})
	}
}

func TestClassify_NoServiceConfigured(t *testing.T) {
	c := NewClassifier(testClassifierConfig(""), nil, nil)
	res := c.Classify(context.Background(), models.Session{}, &models.Lead{}, models.SearchFilters{})
	assert.True(t, res.Fallback)
	assert.NoError(t, res.Err)
	assert.Equal(t, 20, res.Score)
	assert.Equal(t, models.TierCold, res.Tier)
}

func TestHeuristicScore(t *testing.T) {
	filters := models.SearchFilters{PriceMin: ptr(400000), PriceMax: ptr(500000)}

	full := &models.Lead{Phone: "1", Email: "e", Price: ptr(450000), Description: strings.Repeat("x", 150)}
	assert.Equal(t, 100, HeuristicScore(full, filters))

	phoneOnly := &models.Lead{Phone: "1"}
	assert.Equal(t, 45, HeuristicScore(phoneOnly, filters))

	// 25% above max keeps half of the price points
	above := &models.Lead{Price: ptr(625000)}
	assert.Equal(t, 35, HeuristicScore(above, filters))

	farAbove := &models.Lead{Price: ptr(900000)}
	assert.Equal(t, 20, HeuristicScore(farAbove, filters))

	noRange := &models.Lead{Price: ptr(900000)}
	assert.Equal(t, 30, HeuristicScore(noRange, models.SearchFilters{}))
}

func TestDedup_InsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	d := NewDedup(store)

	listing := &models.Listing{URL: "https://www.olx.com.br/imovel/1", Phone: "11 91234-5678", City: "São Paulo", Email: " Ana@Mail.COM "}
	fp := d.Identify(listing)

	exists, err := d.Exists(ctx, "c1", fp)
	require.NoError(t, err)
	assert.False(t, exists)

	lead := LeadFromListing("c1", "olx", fp, listing)
	assert.Equal(t, "ana@mail.com", lead.Email)
	assert.Equal(t, "São Paulo", lead.Location)

	created, err := d.Insert(ctx, lead)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = d.Insert(ctx, LeadFromListing("c1", "zap", fp, listing))
	require.NoError(t, err)
	assert.False(t, created)

	exists, err = d.Exists(ctx, "c1", fp)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestUsageMeter(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := NewUsageMeter(store, map[models.UsageOperation]float64{
		models.UsageLeadCapture: 0.05,
		models.UsageAIAnalysis:  0.02,
	})

	require.NoError(t, m.Record(ctx, "c1", models.UsageLeadCapture, 4))
	require.NoError(t, m.Record(ctx, "c1", models.UsageAIAnalysis, 1))
	require.NoError(t, m.Record(ctx, "c1", models.UsageAIAnalysis, 1))

	sum, err := m.Summary(ctx, "c1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, models.UsageTotals{Count: 1, TotalUnits: 4, TotalCost: 0.2}, sum[models.UsageLeadCapture])
	assert.Equal(t, 2, sum[models.UsageAIAnalysis].Count)
	assert.InDelta(t, 0.04, sum[models.UsageAIAnalysis].TotalCost, 1e-9)
	assert.Equal(t, models.UsageTotals{}, sum[models.UsageEmailSent])
	assert.Len(t, sum, 4)
}
