package scraper

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"leadpilot/config"
	"leadpilot/httputil"
	"leadpilot/models"
)

// Connector queries one marketplace. Implementations fail independently of each other.
type Connector interface {
	ID() string
	Search(ctx context.Context, filters models.SearchFilters) ([]models.Listing, error)
}

func NewConnector(src *config.SourceConfig, clients *httputil.Clients, logger *zap.Logger) (Connector, error) {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.With(zap.String("source", src.ID))

	switch src.Handler {
	case "api":
		return NewAPIHandler(src, clients.API, logger), nil
	case "html":
		return NewHTMLHandler(src, clients.Scraping, logger), nil
	case "browser":
		return NewBrowserHandler(src, logger), nil
	case "apify":
		return NewApifyHandler(src, clients.API, logger), nil
	default:
		return nil, eris.Errorf("source %s: unknown handler %q", src.ID, src.Handler)
	}
}

// NewConnectors builds a connector for every configured source.
func NewConnectors(cfg *config.Config, clients *httputil.Clients, logger *zap.Logger) (map[string]Connector, error) {
	out := make(map[string]Connector, len(cfg.Sources))
	for id, src := range cfg.Sources {
		c, err := NewConnector(src, clients, logger)
		if err != nil {
			return nil, err
		}
		out[id] = c
	}
	return out, nil
}

func sortedIDs(m map[string]Connector) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
