package scraper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"leadpilot/config"
	"leadpilot/models"
)

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	path := filepath.Join("testdata", name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read fixture %s: %v", name, err)
	}
	return data
}

func fptr(f float64) *float64 { return &f }

var olxSelectors = map[string]string{
	"card":        "li.ad-card",
	"title":       ".ad-title",
	"url":         "a.ad-link",
	"price":       ".ad-price",
	"address":     ".ad-location",
	"bedrooms":    ".ad-bedrooms",
	"area":        ".ad-area",
	"contact":     ".ad-seller",
	"phone":       ".ad-phone",
	"email":       ".ad-email",
	"description": ".ad-description",
}

func TestHTMLHandler_SearchPagesAndFilters(t *testing.T) {
	page1 := loadFixture(t, "olx_search_p1.html")
	page2 := loadFixture(t, "olx_search_p2.html")

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if got := r.URL.Query().Get("pe"); got != "1000000" {
			t.Errorf("expected price max query 1000000, got %q", got)
		}
		switch r.URL.Query().Get("o") {
		case "":
			w.Write(page1)
		case "2":
			w.Write(page2)
		default:
			w.Write([]byte("<html><body><ul id=\"ad-list\"></ul></body></html>"))
		}
	}))
	defer srv.Close()

	h := NewHTMLHandler(&config.SourceConfig{
		ID:        "olx",
		Handler:   "html",
		MaxPages:  5,
		Endpoints: map[string]string{"search": srv.URL + "/imoveis/venda"},
		Selectors: olxSelectors,
	}, srv.Client(), zap.NewNop())

	listings, err := h.Search(context.Background(), models.SearchFilters{PriceMax: fptr(1000000)})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if requests.Load() != 3 {
		t.Fatalf("expected 3 page requests, got %d", requests.Load())
	}
	if len(listings) != 3 {
		t.Fatalf("expected 3 listings after price filter, got %d", len(listings))
	}

	first := listings[0]
	if first.ExternalID != "1198874512" {
		t.Fatalf("expected external id 1198874512, got %s", first.ExternalID)
	}
	if first.Phone != "+5511987654321" {
		t.Fatalf("expected phone from tel: link, got %q", first.Phone)
	}
	if first.Price == nil || *first.Price != 450000 {
		t.Fatalf("expected price 450000, got %v", first.Price)
	}
	if first.Bedrooms != 2 || first.AreaM2 != 68 {
		t.Fatalf("expected 2 bedrooms / 68m2, got %d / %d", first.Bedrooms, first.AreaM2)
	}
	if first.ContactName != "Marcos Lima" {
		t.Fatalf("expected contact Marcos Lima, got %q", first.ContactName)
	}
	if !strings.HasPrefix(first.URL, srv.URL+"/imoveis/venda/apartamentos/") {
		t.Fatalf("expected relative url resolved against page, got %s", first.URL)
	}
	if first.Address != "Pinheiros, São Paulo" {
		t.Fatalf("unexpected address %q", first.Address)
	}

	studio := listings[1]
	if studio.Email != "corretor@imobvm.com.br" {
		t.Fatalf("expected email from mailto link, got %q", studio.Email)
	}
	if studio.Price == nil || *studio.Price != 380000.5 {
		t.Fatalf("expected decimal price 380000.5, got %v", studio.Price)
	}
	if !strings.HasPrefix(studio.URL, "https://sp.olx.com.br/") {
		t.Fatalf("absolute url should be kept, got %s", studio.URL)
	}

	if listings[2].Phone != "11912340000" {
		t.Fatalf("expected phone from data-phone, got %q", listings[2].Phone)
	}
}

func TestHTMLHandler_FirstPageErrorFailsSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("blocked"))
	}))
	defer srv.Close()

	h := NewHTMLHandler(&config.SourceConfig{
		ID:        "olx",
		Endpoints: map[string]string{"search": srv.URL},
		Selectors: olxSelectors,
	}, srv.Client(), zap.NewNop())

	if _, err := h.Search(context.Background(), models.SearchFilters{}); err == nil {
		t.Fatal("expected error for 403 on first page")
	}
}

func TestAPIHandler_Search(t *testing.T) {
	payload := loadFixture(t, "glue_search.json")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("business") != "SALE" {
			t.Errorf("expected business SALE, got %q", q.Get("business"))
		}
		if q.Get("addressCity") != "São Paulo" {
			t.Errorf("expected addressCity São Paulo, got %q", q.Get("addressCity"))
		}
		if q.Get("bedrooms") != "2" {
			t.Errorf("expected bedrooms 2, got %q", q.Get("bedrooms"))
		}
		if r.Header.Get("X-Domain") == "" {
			t.Errorf("expected X-Domain header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(payload)
	}))
	defer srv.Close()

	h := NewAPIHandler(&config.SourceConfig{
		ID:        "zap",
		Handler:   "api",
		Endpoints: map[string]string{"search": srv.URL + "/v2/listings", "origin": srv.URL},
	}, srv.Client(), zap.NewNop())

	listings, err := h.Search(context.Background(), models.SearchFilters{
		Locations:   []string{"São Paulo"},
		BedroomsMin: 2,
	})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(listings) != 2 {
		t.Fatalf("expected 2 listings, got %d", len(listings))
	}

	apt := listings[0]
	if apt.Phone != "1133334444" {
		t.Fatalf("expected account phone fallback, got %q", apt.Phone)
	}
	if apt.PropertyType != "apartment" || apt.AreaM2 != 70 || apt.Bedrooms != 2 {
		t.Fatalf("unexpected attributes: %+v", apt)
	}
	if apt.Price == nil || *apt.Price != 480000 {
		t.Fatalf("expected price 480000, got %v", apt.Price)
	}
	if apt.Address != "Rua dos Pinheiros 1200" || apt.Neighborhood != "Pinheiros" {
		t.Fatalf("unexpected address %q / %q", apt.Address, apt.Neighborhood)
	}
	if apt.URL != srv.URL+"/imovel/venda-apartamento-2-quartos-pinheiros-sao-paulo-70m2-id-2641189921/" {
		t.Fatalf("unexpected url %s", apt.URL)
	}
	if listings[1].Phone != "11988887777" {
		t.Fatalf("expected listing phone first, got %q", listings[1].Phone)
	}
	if len(apt.Data) == 0 {
		t.Fatal("expected raw payload kept in Data")
	}
}

func TestApifyHandler_Search(t *testing.T) {
	items := loadFixture(t, "apify_items.json")
	var polls atomic.Int32
	var input map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" {
			t.Errorf("missing token on %s", r.URL.Path)
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/acts/someone~vivareal-scraper/runs":
			if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
				t.Errorf("decode input: %v", err)
			}
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"data":{"id":"run-1"}}`))
		case r.URL.Path == "/actor-runs/run-1":
			if polls.Add(1) == 1 {
				w.Write([]byte(`{"data":{"status":"RUNNING"}}`))
				return
			}
			w.Write([]byte(`{"data":{"status":"SUCCEEDED","defaultDatasetId":"ds-1"}}`))
		case r.URL.Path == "/datasets/ds-1/items":
			w.Write(items)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	h := NewApifyHandler(&config.SourceConfig{
		ID:         "vivareal",
		Handler:    "apify",
		ApifyActor: "someone/vivareal-scraper",
		Token:      "tok",
		Endpoints:  map[string]string{"apify": srv.URL, "search": "https://www.vivareal.com.br/venda/sp/{location}/"},
	}, srv.Client(), zap.NewNop())
	h.pollDelay = 10 * time.Millisecond

	listings, err := h.Search(context.Background(), models.SearchFilters{Locations: []string{"São Paulo"}})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if polls.Load() != 2 {
		t.Fatalf("expected 2 status polls, got %d", polls.Load())
	}
	if len(listings) != 2 {
		t.Fatalf("expected 2 listings (broken item skipped), got %d", len(listings))
	}

	startURLs, _ := input["startUrls"].([]interface{})
	if len(startURLs) != 1 {
		t.Fatalf("expected one start url, got %v", input["startUrls"])
	}
	start, _ := startURLs[0].(map[string]interface{})
	u, _ := url.Parse(start["url"].(string))
	if u.Host != "www.vivareal.com.br" || !strings.HasPrefix(u.Path, "/venda/sp/") {
		t.Fatalf("unexpected start url %v", start["url"])
	}

	first := listings[0]
	if first.Price == nil || *first.Price != 430000 {
		t.Fatalf("expected numeric price 430000, got %v", first.Price)
	}
	if first.Bedrooms != 2 || first.AreaM2 != 62 {
		t.Fatalf("expected 2 bedrooms / 62m2, got %d / %d", first.Bedrooms, first.AreaM2)
	}
	if first.ContactName != "Rafael Mendes" || first.Phone != "11 97777-1212" {
		t.Fatalf("expected advertiser contact, got %q %q", first.ContactName, first.Phone)
	}
	if listings[1].Price == nil || *listings[1].Price != 1200000 {
		t.Fatalf("expected formatted price 1200000, got %v", listings[1].Price)
	}
}

func TestApifyHandler_RequiresToken(t *testing.T) {
	h := NewApifyHandler(&config.SourceConfig{ID: "vivareal", ApifyActor: "a/b"}, http.DefaultClient, zap.NewNop())
	if _, err := h.Search(context.Background(), models.SearchFilters{}); err == nil {
		t.Fatal("expected error without token")
	}
}

func TestParsePrice(t *testing.T) {
	cases := map[string]float64{
		"R$ 450.000":      450000,
		"R$ 1.250.000,50": 1250000.5,
		"480000":          480000,
	}
	for in, want := range cases {
		got := parsePrice(in)
		if got == nil || *got != want {
			t.Fatalf("parsePrice(%q) = %v, want %v", in, got, want)
		}
	}
	if parsePrice("Consulte") != nil {
		t.Fatal("expected nil for text without digits")
	}
}

func TestMatchesFilters(t *testing.T) {
	f := models.SearchFilters{PriceMin: fptr(300000), PriceMax: fptr(600000), BedroomsMin: 2, PropertyTypes: []string{"apart"}}

	ok := models.Listing{Price: fptr(450000), Bedrooms: 2, PropertyType: "Apartamento"}
	if !matchesFilters(&ok, f) {
		t.Fatal("expected listing inside filters to match")
	}
	unknown := models.Listing{}
	if !matchesFilters(&unknown, f) {
		t.Fatal("listing without attributes should match")
	}
	cheap := models.Listing{Price: fptr(100000)}
	if matchesFilters(&cheap, f) {
		t.Fatal("expected price below range to be dropped")
	}
	house := models.Listing{PropertyType: "casa"}
	if matchesFilters(&house, f) {
		t.Fatal("expected property type mismatch to be dropped")
	}
	studio := models.Listing{Bedrooms: 1}
	if matchesFilters(&studio, f) {
		t.Fatal("expected too few bedrooms to be dropped")
	}
}

func TestDetectBlock(t *testing.T) {
	if detectBlock("<html>Request unsuccessful. Incapsula incident ID: 1</html>") == "" {
		t.Fatal("expected incapsula page to be detected")
	}
	if detectBlock("<li class=\"ad-card\">ok</li>") != "" {
		t.Fatal("normal page flagged as blocked")
	}
}

func TestNewConnector_UnknownHandler(t *testing.T) {
	_, err := NewConnector(&config.SourceConfig{ID: "x", Handler: "ftp"}, nil, zap.NewNop())
	if err == nil {
		t.Fatal("expected unknown handler error")
	}
}
