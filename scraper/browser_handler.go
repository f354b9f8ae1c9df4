package scraper

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/playwright-community/playwright-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"leadpilot/config"
	"leadpilot/models"
)

var blockTriggers = []string{
	"Request unsuccessful. Incapsula",
	"Incapsula incident ID",
	"Access Denied",
	"This request was blocked",
	"Verifique se você é humano",
}

var consentSelectors = []string{
	"#didomi-notice-agree-button",
	"#adopt-accept-all-button",
	"button:has-text('Aceitar')",
	"button:has-text('Aceito')",
	"button:has-text('Concordo')",
	"button[id*='accept']",
	"button[class*='consent']",
	"button:has-text('Accept')",
}

// BrowserHandler renders client-side search pages in headless Chromium and parses the resulting DOM
// with the same card selectors the html handler uses.
type BrowserHandler struct {
	cfg    *config.SourceConfig
	logger *zap.Logger
}

func NewBrowserHandler(cfg *config.SourceConfig, logger *zap.Logger) *BrowserHandler {
	return &BrowserHandler{cfg: cfg, logger: logger}
}

func (h *BrowserHandler) ID() string {
	return h.cfg.ID
}

func (h *BrowserHandler) Search(ctx context.Context, filters models.SearchFilters) ([]models.Listing, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, eris.Wrap(err, "start playwright")
	}
	defer pw.Stop()

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "launch browser")
	}
	defer browser.Close()

	// playwright calls ignore ctx; closing the browser unblocks them
	stop := context.AfterFunc(ctx, func() { browser.Close() })
	defer stop()

	ua := h.cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	page, err := browser.NewPage(playwright.BrowserNewPageOptions{
		UserAgent: playwright.String(ua),
		Locale:    playwright.String("pt-BR"),
	})
	if err != nil {
		return nil, eris.Wrap(err, "new page")
	}

	var all []models.Listing
	pages := maxPages(h.cfg.MaxPages)

	for _, loc := range searchLocations(filters) {
		for n := 1; n <= pages; n++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			pageURL, err := buildSearchURL(h.cfg, filters, loc, n)
			if err != nil {
				return nil, err
			}

			listings, err := h.renderPage(ctx, page, pageURL, n == 1)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if len(all) > 0 {
					h.logger.Warn("browser: page failed, keeping earlier pages", zap.Int("page", n), zap.Error(err))
					return filterListings(all, filters), nil
				}
				return nil, err
			}
			if len(listings) == 0 {
				break
			}
			all = append(all, listings...)
			h.logger.Debug("browser: page parsed", zap.String("location", loc), zap.Int("page", n), zap.Int("listings", len(listings)))

			if err := pause(ctx, h.cfg.RateLimitMS+rand.Intn(1500)); err != nil {
				return nil, err
			}
		}
	}

	return filterListings(all, filters), nil
}

func (h *BrowserHandler) renderPage(ctx context.Context, page playwright.Page, pageURL string, first bool) ([]models.Listing, error) {
	timeout := 60 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if _, err := page.Goto(pageURL, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return nil, eris.Wrapf(err, "goto %s", pageURL)
	}

	if first {
		h.handleConsent(page)
	}

	if card := h.cfg.Selectors["card"]; card != "" {
		// an empty last page never shows a card; the parse below returns zero listings then
		_ = page.Locator(card).First().WaitFor(playwright.LocatorWaitForOptions{
			Timeout: playwright.Float(10000),
		})
	}

	content, err := page.Content()
	if err != nil {
		return nil, eris.Wrap(err, "read page content")
	}
	if trigger := detectBlock(content); trigger != "" {
		return nil, eris.Errorf("blocked by anti-bot page (%s)", trigger)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, eris.Wrap(err, "parse rendered html")
	}
	return parseListingCards(doc, h.cfg.Selectors, pageURL), nil
}

func (h *BrowserHandler) handleConsent(page playwright.Page) {
	for _, selector := range consentSelectors {
		btn := page.Locator(selector).First()
		if visible, _ := btn.IsVisible(); visible {
			h.logger.Debug("browser: clicking consent button", zap.String("selector", selector))
			_ = btn.Click()
			page.WaitForTimeout(1000)
			return
		}
	}
}

func detectBlock(content string) string {
	for _, t := range blockTriggers {
		if strings.Contains(content, t) {
			return t
		}
	}
	return ""
}
