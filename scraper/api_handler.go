package scraper

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"leadpilot/config"
	"leadpilot/models"
)

const apiPageSize = 100

// APIHandler reads marketplaces that expose a JSON listings API (Zap/VivaReal "glue" API shape).
type APIHandler struct {
	cfg    *config.SourceConfig
	client *http.Client
	logger *zap.Logger
}

func NewAPIHandler(cfg *config.SourceConfig, client *http.Client, logger *zap.Logger) *APIHandler {
	return &APIHandler{cfg: cfg, client: client, logger: logger}
}

func (h *APIHandler) ID() string {
	return h.cfg.ID
}

func (h *APIHandler) Search(ctx context.Context, filters models.SearchFilters) ([]models.Listing, error) {
	var all []models.Listing
	pages := maxPages(h.cfg.MaxPages)

	for _, loc := range searchLocations(filters) {
		for page := 1; page <= pages; page++ {
			listings, err := h.fetchPage(ctx, filters, loc, page)
			if err != nil {
				return nil, eris.Wrapf(err, "page %d", page)
			}

			if len(listings) == 0 {
				break
			}
			all = append(all, listings...)
			h.logger.Debug("api: page fetched",
				zap.String("location", loc), zap.Int("page", page),
				zap.Int("listings", len(listings)), zap.Int("total", len(all)))

			if len(listings) < apiPageSize {
				break
			}
			if err := pause(ctx, h.cfg.RateLimitMS); err != nil {
				return nil, err
			}
		}
	}

	return filterListings(all, filters), nil
}

func (h *APIHandler) fetchPage(ctx context.Context, f models.SearchFilters, location string, page int) ([]models.Listing, error) {
	endpoint := h.cfg.Endpoints["search"]
	if endpoint == "" {
		return nil, eris.Errorf("source %s: no search endpoint", h.cfg.ID)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, eris.Wrap(err, "bad search endpoint")
	}

	q := u.Query()
	q.Set("size", strconv.Itoa(apiPageSize))
	q.Set("from", strconv.Itoa((page-1)*apiPageSize))
	q.Set("business", "SALE")
	if f.TransactionType == models.TransactionRent {
		q.Set("business", "RENTAL")
	}
	if location != "" {
		q.Set("addressCity", location)
	}
	if f.PriceMin != nil {
		q.Set("priceMin", strconv.FormatFloat(*f.PriceMin, 'f', 0, 64))
	}
	if f.PriceMax != nil {
		q.Set("priceMax", strconv.FormatFloat(*f.PriceMax, 'f', 0, 64))
	}
	if f.BedroomsMin > 0 {
		q.Set("bedrooms", strconv.Itoa(f.BedroomsMin))
	}
	if f.AreaMin > 0 {
		q.Set("usableAreasMin", strconv.Itoa(f.AreaMin))
	}
	if f.AreaMax > 0 {
		q.Set("usableAreasMax", strconv.Itoa(f.AreaMax))
	}
	if len(f.PropertyTypes) > 0 {
		q.Set("unitTypes", strings.ToUpper(strings.Join(f.PropertyTypes, ",")))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	ua := h.cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "application/json")
	if origin := h.cfg.Endpoints["origin"]; origin != "" {
		req.Header.Set("Origin", origin)
		req.Header.Set("Referer", origin+"/")
		if ou, err := url.Parse(origin); err == nil {
			req.Header.Set("X-Domain", ou.Host)
		}
	}
	if h.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, eris.Errorf("%s API error %d: %s", h.cfg.ID, resp.StatusCode, string(body))
	}

	var result glueSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, eris.Wrap(err, "decode listings")
	}

	listings := make([]models.Listing, 0, len(result.Search.Result.Listings))
	for _, r := range result.Search.Result.Listings {
		listings = append(listings, h.toListing(r))
	}
	return listings, nil
}

func (h *APIHandler) toListing(r glueListing) models.Listing {
	l := models.Listing{
		ExternalID:   r.Listing.ID,
		Title:        r.Listing.Title,
		ContactName:  r.Account.Name,
		Description:  r.Listing.Description,
		Address:      strings.TrimSpace(strings.Join([]string{r.Listing.Address.Street, r.Listing.Address.StreetNumber}, " ")),
		City:         r.Listing.Address.City,
		Neighborhood: r.Listing.Address.Neighborhood,
	}
	if len(r.Listing.UnitTypes) > 0 {
		l.PropertyType = strings.ToLower(r.Listing.UnitTypes[0])
	}
	if len(r.Listing.Bedrooms) > 0 {
		l.Bedrooms = r.Listing.Bedrooms[0]
	}
	if len(r.Listing.UsableAreas) > 0 {
		l.AreaM2 = r.Listing.UsableAreas[0]
	}
	for _, p := range r.Listing.PricingInfos {
		if p.Price != "" {
			l.PriceDisplay = "R$ " + p.Price
			l.Price = parsePrice(p.Price)
			break
		}
	}
	switch {
	case len(r.Listing.Phones) > 0:
		l.Phone = r.Listing.Phones[0]
	case len(r.Account.Phones) > 0:
		l.Phone = r.Account.Phones[0]
	}
	if r.Link.Href != "" {
		l.URL = resolveURL(h.cfg.Endpoints["origin"], r.Link.Href)
	}

	data, _ := json.Marshal(r)
	l.Data = data
	return l
}

type glueSearchResponse struct {
	Search struct {
		Result struct {
			Listings []glueListing `json:"listings"`
		} `json:"result"`
		TotalCount int `json:"totalCount"`
	} `json:"search"`
}

type glueListing struct {
	Listing struct {
		ID           string   `json:"id"`
		Title        string   `json:"title"`
		Description  string   `json:"description"`
		UnitTypes    []string `json:"unitTypes"`
		Bedrooms     []int    `json:"bedrooms"`
		UsableAreas  []int    `json:"usableAreas"`
		Phones       []string `json:"phones"`
		PricingInfos []struct {
			Price        string `json:"price"`
			BusinessType string `json:"businessType"`
		} `json:"pricingInfos"`
		Address struct {
			Street       string `json:"street"`
			StreetNumber string `json:"streetNumber"`
			Neighborhood string `json:"neighborhood"`
			City         string `json:"city"`
		} `json:"address"`
	} `json:"listing"`
	Account struct {
		Name   string   `json:"name"`
		Phones []string `json:"phones"`
	} `json:"account"`
	Link struct {
		Href string `json:"href"`
	} `json:"link"`
}
