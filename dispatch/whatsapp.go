package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"leadpilot/config"
	"leadpilot/models"
)

// WhatsAppSender delivers text messages through the WhatsApp Cloud API.
type WhatsAppSender struct {
	client  *http.Client
	token   string
	phoneID string
	baseURL string
}

func NewWhatsAppSender(cfg config.WhatsAppConfig, client *http.Client) *WhatsAppSender {
	if client == nil {
		client = &http.Client{}
	}
	return &WhatsAppSender{
		client:  client,
		token:   cfg.AccessToken,
		phoneID: cfg.PhoneID,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}
}

func (s *WhatsAppSender) Channel() models.Channel { return models.ChannelWhatsApp }

func (s *WhatsAppSender) Send(ctx context.Context, msg Message) error {
	if s.token == "" || s.phoneID == "" {
		return ErrChannelUnconfigured
	}
	to := WhatsAppNumber(msg.To)
	if to == "" {
		return eris.Errorf("invalid whatsapp number %q", msg.To)
	}

	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]interface{}{"preview_url": false, "body": msg.Body},
	}
	body, _ := json.Marshal(payload)

	endpoint := fmt.Sprintf("%s/%s/messages", s.baseURL, s.phoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "whatsapp request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return eris.Errorf("whatsapp api returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

// WhatsAppNumber returns the E.164 digits for a phone, assuming Brazil when no country code is present.
func WhatsAppNumber(phone string) string {
	var b strings.Builder
	for _, c := range phone {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	digits := strings.TrimLeft(b.String(), "0")
	switch {
	case len(digits) < 10:
		return ""
	case len(digits) <= 11:
		return "55" + digits
	default:
		return digits
	}
}

// DeepLink builds a click-to-chat link the customer can open manually.
func DeepLink(phone, text string) string {
	n := WhatsAppNumber(phone)
	if n == "" {
		return ""
	}
	return "https://wa.me/" + n + "?text=" + url.QueryEscape(text)
}
