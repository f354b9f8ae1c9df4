package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"leadpilot/config"
	"leadpilot/models"
)

const (
	apifyAPIBase   = "https://api.apify.com/v2"
	apifyPollDelay = 5 * time.Second
)

// ApifyHandler delegates scraping to an Apify actor: start a run with startUrls built from the
// filters, poll until it finishes, then read its default dataset.
type ApifyHandler struct {
	cfg       *config.SourceConfig
	client    *http.Client
	logger    *zap.Logger
	base      string
	pollDelay time.Duration
}

func NewApifyHandler(cfg *config.SourceConfig, client *http.Client, logger *zap.Logger) *ApifyHandler {
	base := cfg.Endpoints["apify"]
	if base == "" {
		base = apifyAPIBase
	}
	return &ApifyHandler{
		cfg:       cfg,
		client:    client,
		logger:    logger,
		base:      strings.TrimRight(base, "/"),
		pollDelay: apifyPollDelay,
	}
}

func (h *ApifyHandler) ID() string {
	return h.cfg.ID
}

func (h *ApifyHandler) Search(ctx context.Context, filters models.SearchFilters) ([]models.Listing, error) {
	if h.cfg.Token == "" {
		return nil, eris.Errorf("source %s: apify token not set", h.cfg.ID)
	}
	if h.cfg.ApifyActor == "" {
		return nil, eris.Errorf("source %s: apify_actor not set", h.cfg.ID)
	}

	runID, err := h.startRun(ctx, filters)
	if err != nil {
		return nil, eris.Wrap(err, "start apify run")
	}
	h.logger.Info("apify: run started", zap.String("run_id", runID), zap.String("actor", h.cfg.ApifyActor))

	datasetID, err := h.waitForRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "apify run")
	}

	listings, err := h.fetchDataset(ctx, datasetID)
	if err != nil {
		return nil, eris.Wrap(err, "fetch dataset")
	}

	filtered := filterListings(listings, filters)
	h.logger.Info("apify: dataset fetched", zap.Int("listings", len(listings)), zap.Int("after_filter", len(filtered)))
	return filtered, nil
}

func (h *ApifyHandler) buildInput(filters models.SearchFilters) (map[string]interface{}, error) {
	var startURLs []map[string]string
	for _, loc := range searchLocations(filters) {
		u, err := buildSearchURL(h.cfg, filters, loc, 1)
		if err != nil {
			return nil, err
		}
		startURLs = append(startURLs, map[string]string{"url": u})
	}

	maxItems := h.cfg.ApifyMax
	if maxItems <= 0 {
		maxItems = 100
	}
	return map[string]interface{}{
		"startUrls": startURLs,
		"maxItems":  maxItems,
		"proxyConfiguration": map[string]interface{}{
			"useApifyProxy":     true,
			"apifyProxyGroups":  []string{"RESIDENTIAL"},
			"apifyProxyCountry": "BR",
		},
	}, nil
}

func (h *ApifyHandler) startRun(ctx context.Context, filters models.SearchFilters) (string, error) {
	input, err := h.buildInput(filters)
	if err != nil {
		return "", err
	}
	body, _ := json.Marshal(input)

	// actor ids use "~" in API paths ("user~actor")
	actor := strings.ReplaceAll(h.cfg.ApifyActor, "/", "~")
	url := fmt.Sprintf("%s/acts/%s/runs?token=%s", h.base, actor, h.cfg.Token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", eris.Errorf("apify start run failed %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Data.ID, nil
}

// waitForRun polls until the run finishes. The caller's deadline bounds the wait.
func (h *ApifyHandler) waitForRun(ctx context.Context, runID string) (string, error) {
	url := fmt.Sprintf("%s/actor-runs/%s?token=%s", h.base, runID, h.cfg.Token)

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", err
		}

		resp, err := h.client.Do(req)
		if err == nil {
			var result struct {
				Data struct {
					Status           string `json:"status"`
					DefaultDatasetID string `json:"defaultDatasetId"`
				} `json:"data"`
			}
			decodeErr := json.NewDecoder(resp.Body).Decode(&result)
			resp.Body.Close()

			if decodeErr == nil {
				switch result.Data.Status {
				case "SUCCEEDED":
					return result.Data.DefaultDatasetID, nil
				case "FAILED", "ABORTED", "TIMED-OUT":
					return "", eris.Errorf("run %s: %s", runID, result.Data.Status)
				}
				h.logger.Debug("apify: run status", zap.String("status", result.Data.Status))
			}
		} else if ctx.Err() != nil {
			return "", ctx.Err()
		}

		select {
		case <-ctx.Done():
			return "", eris.Wrapf(ctx.Err(), "waiting for run %s", runID)
		case <-time.After(h.pollDelay):
		}
	}
}

func (h *ApifyHandler) fetchDataset(ctx context.Context, datasetID string) ([]models.Listing, error) {
	url := fmt.Sprintf("%s/datasets/%s/items?token=%s&format=json&clean=true", h.base, datasetID, h.cfg.Token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, eris.Errorf("dataset fetch failed %d: %s", resp.StatusCode, string(respBody))
	}

	var items []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, err
	}

	listings := make([]models.Listing, 0, len(items))
	for _, item := range items {
		l, err := parseApifyItem(item)
		if err != nil {
			h.logger.Debug("apify: skipping item", zap.Error(err))
			continue
		}
		listings = append(listings, l)
	}
	return listings, nil
}

// apifyItem covers the field names used by the common Brazilian real-estate actors.
type apifyItem struct {
	ID           string          `json:"id"`
	URL          string          `json:"url"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Price        json.RawMessage `json:"price"`
	PropertyType string          `json:"propertyType"`
	Bedrooms     json.RawMessage `json:"bedrooms"`
	Area         json.RawMessage `json:"area"`
	Address      string          `json:"address"`
	Neighborhood string          `json:"neighborhood"`
	City         string          `json:"city"`
	Phone        string          `json:"phone"`
	Email        string          `json:"email"`
	Advertiser   struct {
		Name  string `json:"name"`
		Phone string `json:"phone"`
		Email string `json:"email"`
	} `json:"advertiser"`
}

func parseApifyItem(data json.RawMessage) (models.Listing, error) {
	var r apifyItem
	if err := json.Unmarshal(data, &r); err != nil {
		return models.Listing{}, err
	}
	if r.URL == "" && r.Title == "" {
		return models.Listing{}, eris.New("item has neither url nor title")
	}

	l := models.Listing{
		ExternalID:   r.ID,
		Title:        r.Title,
		ContactName:  r.Advertiser.Name,
		Phone:        firstNonEmpty(r.Phone, r.Advertiser.Phone),
		Email:        firstNonEmpty(r.Email, r.Advertiser.Email),
		Description:  r.Description,
		PropertyType: strings.ToLower(r.PropertyType),
		Address:      r.Address,
		City:         r.City,
		Neighborhood: r.Neighborhood,
		Bedrooms:     leadingInt(rawText(r.Bedrooms)),
		AreaM2:       leadingInt(rawText(r.Area)),
		URL:          r.URL,
		Data:         data,
	}
	if price := rawText(r.Price); price != "" {
		l.PriceDisplay = price
		var n float64
		if err := json.Unmarshal(r.Price, &n); err == nil {
			l.Price = &n
		} else {
			l.Price = parsePrice(price)
		}
	}
	return l, nil
}

// rawText renders a JSON string or number as text.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
