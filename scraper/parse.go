package scraper

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"leadpilot/models"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// parsePrice reads Brazilian-formatted amounts ("R$ 1.250.000,50"). Returns nil when no digits are present.
func parsePrice(s string) *float64 {
	var b strings.Builder
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == ',':
			b.WriteRune('.')
		}
	}
	if b.Len() == 0 {
		return nil
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return nil
	}
	return &v
}

// leadingInt returns the first run of digits in s ("3 quartos" -> 3).
func leadingInt(s string) int {
	var result int
	seen := false
	for _, c := range s {
		if c >= '0' && c <= '9' {
			result = result*10 + int(c-'0')
			seen = true
		} else if seen {
			break
		}
	}
	return result
}

func resolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	return b.ResolveReference(ref).String()
}

// matchesFilters drops listings that a marketplace returned outside the requested range.
// Unknown attributes (zero or nil) always match.
func matchesFilters(l *models.Listing, f models.SearchFilters) bool {
	if l.Price != nil && !f.InPriceRange(*l.Price) {
		return false
	}
	if l.Bedrooms > 0 {
		if f.BedroomsMin > 0 && l.Bedrooms < f.BedroomsMin {
			return false
		}
		if f.BedroomsMax > 0 && l.Bedrooms > f.BedroomsMax {
			return false
		}
	}
	if l.AreaM2 > 0 {
		if f.AreaMin > 0 && l.AreaM2 < f.AreaMin {
			return false
		}
		if f.AreaMax > 0 && l.AreaM2 > f.AreaMax {
			return false
		}
	}
	if len(f.PropertyTypes) > 0 && l.PropertyType != "" {
		pt := strings.ToLower(l.PropertyType)
		for _, want := range f.PropertyTypes {
			if strings.Contains(pt, strings.ToLower(want)) {
				return true
			}
		}
		return false
	}
	return true
}

func filterListings(listings []models.Listing, f models.SearchFilters) []models.Listing {
	out := listings[:0]
	for i := range listings {
		if matchesFilters(&listings[i], f) {
			out = append(out, listings[i])
		}
	}
	return out
}

// searchLocations yields at least one query location so sources without a location filter still run once.
func searchLocations(f models.SearchFilters) []string {
	if len(f.Locations) == 0 {
		return []string{""}
	}
	return f.Locations
}

func pause(ctx context.Context, ms int) error {
	if ms <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func maxPages(configured int) int {
	if configured <= 0 {
		return 3
	}
	return configured
}
