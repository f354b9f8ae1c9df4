package scraper

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"leadpilot/config"
	"leadpilot/models"
)

// HTMLHandler scrapes server-rendered search result pages.
type HTMLHandler struct {
	cfg    *config.SourceConfig
	client *http.Client
	logger *zap.Logger
}

func NewHTMLHandler(cfg *config.SourceConfig, client *http.Client, logger *zap.Logger) *HTMLHandler {
	return &HTMLHandler{cfg: cfg, client: client, logger: logger}
}

func (h *HTMLHandler) ID() string {
	return h.cfg.ID
}

func (h *HTMLHandler) Search(ctx context.Context, filters models.SearchFilters) ([]models.Listing, error) {
	var all []models.Listing
	pages := maxPages(h.cfg.MaxPages)

	for _, loc := range searchLocations(filters) {
		for page := 1; page <= pages; page++ {
			pageURL, err := buildSearchURL(h.cfg, filters, loc, page)
			if err != nil {
				return nil, err
			}

			listings, err := h.fetchPage(ctx, pageURL)
			if err != nil {
				if len(all) > 0 {
					h.logger.Warn("html: page failed, keeping earlier pages", zap.Int("page", page), zap.Error(err))
					return filterListings(all, filters), nil
				}
				return nil, eris.Wrapf(err, "page %d", page)
			}
			if len(listings) == 0 {
				break
			}

			all = append(all, listings...)
			h.logger.Debug("html: page parsed", zap.String("location", loc), zap.Int("page", page), zap.Int("listings", len(listings)))

			if err := pause(ctx, h.cfg.RateLimitMS); err != nil {
				return nil, err
			}
		}
	}

	return filterListings(all, filters), nil
}

func (h *HTMLHandler) fetchPage(ctx context.Context, pageURL string) ([]models.Listing, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	ua := h.cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, eris.Errorf("%s returned %d: %s", h.cfg.ID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "parse html")
	}
	return parseListingCards(doc, h.cfg.Selectors, pageURL), nil
}

// buildSearchURL fills the "search" endpoint with query parameters from the filters.
// Parameter names are fixed; sources that need different names use a {location} placeholder.
func buildSearchURL(cfg *config.SourceConfig, f models.SearchFilters, location string, page int) (string, error) {
	endpoint := cfg.Endpoints["search"]
	if endpoint == "" {
		return "", eris.Errorf("source %s: no search endpoint", cfg.ID)
	}
	endpoint = strings.ReplaceAll(endpoint, "{location}", url.PathEscape(slugify(location)))

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", eris.Wrapf(err, "source %s: bad search endpoint", cfg.ID)
	}
	q := u.Query()
	if location != "" && !strings.Contains(cfg.Endpoints["search"], "{location}") {
		q.Set("q", location)
	}
	if f.PriceMin != nil {
		q.Set("ps", strconv.FormatFloat(*f.PriceMin, 'f', 0, 64))
	}
	if f.PriceMax != nil {
		q.Set("pe", strconv.FormatFloat(*f.PriceMax, 'f', 0, 64))
	}
	if f.BedroomsMin > 0 {
		q.Set("ros", strconv.Itoa(f.BedroomsMin))
	}
	if page > 1 {
		q.Set("o", strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), "-")
}

// parseListingCards extracts listings using the source's CSS selectors. Only "card" is required;
// every other field selector is relative to the card.
func parseListingCards(doc *goquery.Document, sel map[string]string, baseURL string) []models.Listing {
	cardSel := sel["card"]
	if cardSel == "" {
		return nil
	}

	var listings []models.Listing
	doc.Find(cardSel).Each(func(_ int, card *goquery.Selection) {
		text := func(key string) string {
			s := sel[key]
			if s == "" {
				return ""
			}
			return strings.Join(strings.Fields(card.Find(s).First().Text()), " ")
		}

		l := models.Listing{
			Title:        text("title"),
			ContactName:  text("contact"),
			Description:  text("description"),
			PropertyType: text("type"),
			Address:      text("address"),
			City:         text("city"),
			Neighborhood: text("neighborhood"),
			PriceDisplay: text("price"),
			Bedrooms:     leadingInt(text("bedrooms")),
			AreaM2:       leadingInt(text("area")),
		}
		l.Price = parsePrice(l.PriceDisplay)

		if s := sel["url"]; s != "" {
			link := card.Find(s).First()
			if href, ok := link.Attr("href"); ok {
				l.URL = resolveURL(baseURL, href)
			}
		} else if href, ok := card.Find("a[href]").First().Attr("href"); ok {
			l.URL = resolveURL(baseURL, href)
		}

		l.Phone = phoneFrom(card, sel["phone"])
		if s := sel["email"]; s != "" {
			if href, ok := card.Find(s).First().Attr("href"); ok && strings.HasPrefix(href, "mailto:") {
				l.Email = strings.TrimPrefix(href, "mailto:")
			} else {
				l.Email = text("email")
			}
		}
		if id, ok := card.Attr("data-id"); ok {
			l.ExternalID = id
		} else if l.URL != "" {
			l.ExternalID = l.URL
		}

		if l.Title == "" && l.URL == "" {
			return
		}
		listings = append(listings, l)
	})
	return listings
}

// phoneFrom prefers tel: links over visible text, which is often masked.
func phoneFrom(card *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	node := card.Find(selector).First()
	if href, ok := node.Attr("href"); ok && strings.HasPrefix(href, "tel:") {
		return strings.TrimPrefix(href, "tel:")
	}
	if v, ok := node.Attr("data-phone"); ok {
		return v
	}
	return strings.TrimSpace(node.Text())
}
