package httputil

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"time"

	"leadpilot/config"
)

type Clients struct {
	Scraping *http.Client // proxied, for marketplace sites
	API      *http.Client // direct, for marketplace APIs, Apify, WhatsApp
	Scoring  *http.Client // classifier + message generator, bounded by their own timeouts
}

func NewClients(cfg *config.Config) *Clients {
	transport := &http.Transport{
		ForceAttemptHTTP2: false,
		TLSNextProto:      make(map[string]func(string, *tls.Conn) http.RoundTripper),
	}
	if cfg.Proxy.URL != "" {
		if proxyURL, err := url.Parse(cfg.Proxy.URL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	scraping := &http.Client{
		Timeout:   15 * time.Second,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	scoringTimeout := cfg.Classifier.Timeout
	if cfg.Generator.Timeout > scoringTimeout {
		scoringTimeout = cfg.Generator.Timeout
	}

	return &Clients{
		Scraping: scraping,
		API:      &http.Client{Timeout: 30 * time.Second},
		Scoring:  &http.Client{Timeout: scoringTimeout},
	}
}
