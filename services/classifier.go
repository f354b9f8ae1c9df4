package services

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"leadpilot/config"
	"leadpilot/metrics"
	"leadpilot/models"
)

// Classification is the outcome of scoring one lead. Err is set when Fallback is true
// because the scoring service failed; a missing service URL falls back without an error.
type Classification struct {
	Score    int
	Tier     models.Tier
	Fallback bool
	Err      error
}

type Classifier struct {
	client  *http.Client
	url     string
	apiKey  string
	timeout time.Duration
	hot     int
	warm    int
	logger  *zap.Logger
}

func NewClassifier(cfg config.ClassifierConfig, client *http.Client, logger *zap.Logger) *Classifier {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Classifier{
		client:  client,
		url:     cfg.URL,
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		hot:     cfg.HotThreshold,
		warm:    cfg.WarmThreshold,
		logger:  logger,
	}
}

// TierFor buckets a score: >= hot is hot, >= warm is warm, otherwise cold.
func (c *Classifier) TierFor(score int) models.Tier {
	switch {
	case score >= c.hot:
		return models.TierHot
	case score >= c.warm:
		return models.TierWarm
	default:
		return models.TierCold
	}
}

type scoreRequest struct {
	CustomerID   string   `json:"customer_id"`
	ContactName  string   `json:"contact_name"`
	HasPhone     bool     `json:"has_phone"`
	HasEmail     bool     `json:"has_email"`
	Description  string   `json:"description"`
	PropertyType string   `json:"property_type"`
	Location     string   `json:"location"`
	Price        *float64 `json:"price,omitempty"`
	Source       string   `json:"source"`
	TargetMin    *float64 `json:"target_price_min,omitempty"`
	TargetMax    *float64 `json:"target_price_max,omitempty"`
	Plan         string   `json:"plan"`
}

type scoreResponse struct {
	Score *float64 `json:"score"`
}

// Classify scores a lead. It never fails: any service problem yields the heuristic score.
func (c *Classifier) Classify(ctx context.Context, sess models.Session, lead *models.Lead, filters models.SearchFilters) Classification {
	if c.url == "" {
		score := HeuristicScore(lead, filters)
		return Classification{Score: score, Tier: c.TierFor(score), Fallback: true}
	}

	score, err := c.remoteScore(ctx, sess, lead, filters)
	if err != nil {
		metrics.RecordClassifierFallback()
		c.logger.Warn("classifier: falling back to heuristic",
			zap.String("customer_id", sess.CustomerID),
			zap.String("fingerprint", lead.Fingerprint),
			zap.Error(err))
		score = HeuristicScore(lead, filters)
		return Classification{Score: score, Tier: c.TierFor(score), Fallback: true, Err: err}
	}

	return Classification{Score: score, Tier: c.TierFor(score)}
}

func (c *Classifier) remoteScore(ctx context.Context, sess models.Session, lead *models.Lead, filters models.SearchFilters) (int, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(scoreRequest{
		CustomerID:   sess.CustomerID,
		ContactName:  lead.ContactName,
		HasPhone:     lead.HasPhone(),
		HasEmail:     lead.HasEmail(),
		Description:  lead.Description,
		PropertyType: lead.PropertyType,
		Location:     lead.Location,
		Price:        lead.Price,
		Source:       lead.Source,
		TargetMin:    filters.PriceMin,
		TargetMax:    filters.PriceMax,
		Plan:         string(sess.Plan),
	})
	if err != nil {
		return 0, eris.Wrap(err, "marshal score request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, eris.Wrap(err, "build score request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, eris.Wrap(err, "score request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return 0, eris.Errorf("scoring service returned %d: %s", resp.StatusCode, snippet)
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, eris.Wrap(err, "decode score response")
	}
	if out.Score == nil {
		return 0, eris.New("score response missing score")
	}
	if *out.Score < 0 || *out.Score > 100 || math.IsNaN(*out.Score) {
		return 0, eris.Errorf("score %v out of range", *out.Score)
	}
	return int(math.Round(*out.Score)), nil
}

// HeuristicScore is the deterministic local score: reachable contacts, price proximity to the
// customer's range and a descriptive listing raise it. Result is clamped to 0..100.
func HeuristicScore(lead *models.Lead, filters models.SearchFilters) int {
	score := 20
	if lead.HasPhone() {
		score += 25
	}
	if lead.HasEmail() {
		score += 15
	}
	score += priceProximity(lead.Price, filters)
	if len(lead.Description) >= 120 {
		score += 10
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// priceProximity awards 30 points inside the range, decaying linearly to 0 at 50% outside it.
func priceProximity(price *float64, f models.SearchFilters) int {
	if price == nil || *price <= 0 {
		return 0
	}
	if f.PriceMin == nil && f.PriceMax == nil {
		return 10
	}
	p := *price
	if f.InPriceRange(p) {
		return 30
	}

	var bound float64
	if f.PriceMin != nil && p < *f.PriceMin {
		bound = *f.PriceMin
	} else {
		bound = *f.PriceMax
	}
	if bound <= 0 {
		return 0
	}
	dist := math.Abs(p-bound) / bound
	if dist >= 0.5 {
		return 0
	}
	return int(math.Round(30 * (1 - dist/0.5)))
}
