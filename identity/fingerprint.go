package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"leadpilot/models"
)

// Number of trailing phone digits kept, so "+55 11 91234-5678" and "(11) 91234-5678" collide.
const phoneSuffixLen = 9

var (
	streetReplacements = map[string]string{
		"street":      "st",
		"avenue":      "ave",
		"drive":       "dr",
		"road":        "rd",
		"boulevard":   "blvd",
		"lane":        "ln",
		"apartment":   "apt",
		"suite":       "ste",
		"building":    "bldg",
		"rua":         "r",
		"avenida":     "av",
		"alameda":     "al",
		"travessa":    "tv",
		"estrada":     "estr",
		"rodovia":     "rod",
		"apartamento": "apto",
		"bloco":       "bl",
		"condominio":  "cond",
		"edificio":    "ed",
	}
	accentReplacer = strings.NewReplacer(
		"á", "a", "à", "a", "â", "a", "ã", "a", "ä", "a",
		"é", "e", "ê", "e", "è", "e",
		"í", "i", "î", "i",
		"ó", "o", "ô", "o", "õ", "o", "ö", "o",
		"ú", "u", "ü", "u",
		"ç", "c",
	)
	multiSpaceRegex = regexp.MustCompile(`\s+`)
	nonAlnumRegex   = regexp.MustCompile(`[^a-z0-9\s]`)
	nonDigitRegex   = regexp.MustCompile(`\D`)
)

// Identify returns the dedup fingerprint for a listing.
// Precedence: canonical origin URL, then phone+location, then address attributes.
func Identify(listing *models.Listing) string {
	if canonical := CanonicalURL(listing.URL); canonical != "" {
		return "url:" + hash(canonical)
	}
	if phone := NormalizePhone(listing.Phone); phone != "" {
		return "contact:" + hash(phone+"|"+NormalizeAddress(listing.Location()))
	}
	price := ""
	if listing.Price != nil {
		price = fmt.Sprintf("%.0f", *listing.Price)
	}
	input := fmt.Sprintf("%s|%s|%s|%d",
		NormalizeAddress(listing.Location()),
		price,
		strings.ToLower(listing.PropertyType),
		listing.Bedrooms,
	)
	return "addr:" + hash(input)
}

// CanonicalURL lower-cases scheme and host, drops "www.", query, fragment and trailing slash.
// Returns "" when raw is not an absolute http(s) URL.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	path := strings.TrimRight(u.EscapedPath(), "/")
	// http and https variants of the same page are the same listing
	return host + path
}

// NormalizePhone keeps digits only and the trailing phoneSuffixLen of them.
// Numbers with fewer than 8 digits are treated as absent.
func NormalizePhone(phone string) string {
	digits := nonDigitRegex.ReplaceAllString(phone, "")
	if len(digits) < 8 {
		return ""
	}
	if len(digits) > phoneSuffixLen {
		digits = digits[len(digits)-phoneSuffixLen:]
	}
	return digits
}

func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	addr = accentReplacer.Replace(addr)
	addr = nonAlnumRegex.ReplaceAllString(addr, " ")
	words := strings.Fields(addr)
	for i, w := range words {
		if abbrev, ok := streetReplacements[w]; ok {
			words[i] = abbrev
		}
	}
	addr = strings.Join(words, " ")
	addr = multiSpaceRegex.ReplaceAllString(addr, " ")
	return strings.TrimSpace(addr)
}

func hash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:16])
}
