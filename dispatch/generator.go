package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"leadpilot/config"
)

// Generator asks the message-writing service for a personalized message.
type Generator struct {
	client  *http.Client
	url     string
	apiKey  string
	timeout time.Duration
}

// NewGenerator returns nil when no service URL is configured.
func NewGenerator(cfg config.GeneratorConfig, client *http.Client) *Generator {
	if cfg.URL == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Generator{client: client, url: cfg.URL, apiKey: cfg.APIKey, timeout: cfg.Timeout}
}

type generateRequest struct {
	CustomerID   string `json:"customer_id"`
	Trigger      string `json:"trigger"`
	Channel      string `json:"channel"`
	ContactName  string `json:"contact_name"`
	PropertyType string `json:"property_type"`
	Location     string `json:"location"`
	PriceDisplay string `json:"price_display"`
}

type generateResponse struct {
	Subject string `json:"subject"`
	Message string `json:"message"`
}

func (g *Generator) Generate(ctx context.Context, customerID string, data MessageData) (Content, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	body, err := json.Marshal(generateRequest{
		CustomerID:   customerID,
		Trigger:      string(data.Trigger),
		Channel:      string(data.Channel),
		ContactName:  data.ContactName,
		PropertyType: data.PropertyType,
		Location:     data.Location,
		PriceDisplay: data.PriceDisplay,
	})
	if err != nil {
		return Content{}, eris.Wrap(err, "marshal generate request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return Content{}, eris.Wrap(err, "build generate request")
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return Content{}, eris.Wrap(err, "generate request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Content{}, eris.Errorf("generator returned %d: %s", resp.StatusCode, snippet)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Content{}, eris.Wrap(err, "decode generate response")
	}
	msg := strings.TrimSpace(out.Message)
	if msg == "" {
		return Content{}, eris.New("generator returned an empty message")
	}
	return Content{Subject: strings.TrimSpace(out.Subject), Body: msg}, nil
}
