// Package cache maps request fingerprints to previously computed artifacts.
// Reuse must be deterministic across clients, so both the URL and the
// scrape options are normalized before hashing.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/anycrawl/anycrawl-api/internal/models"
)

// trackingParams are dropped during URL normalization. They identify the
// visitor, not the content.
var trackingParams = map[string]bool{
	"utm_source":   true,
	"utm_medium":   true,
	"utm_campaign": true,
	"utm_term":     true,
	"utm_content":  true,
	"fbclid":       true,
	"gclid":        true,
}

// NormalizeURL canonicalizes a URL for fingerprinting: lower-case host,
// no trailing slash on non-root paths, tracking params dropped, remaining
// query keys sorted lexicographically.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid url %q: missing scheme or host", raw)
	}

	u.Host = strings.ToLower(u.Host)
	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	query := u.Query()
	for key := range query {
		if trackingParams[key] {
			query.Del(key)
		}
	}
	// url.Values.Encode sorts keys lexicographically.
	u.RawQuery = query.Encode()
	u.Fragment = ""

	return u.String(), nil
}

// URLHash returns the SHA-256 hex digest of the normalized URL.
func URLHash(raw string) (string, error) {
	normalized, err := NormalizeURL(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:]), nil
}

// DomainHash returns the SHA-256 hex digest of the lower-cased host,
// used to key map-discovery results.
func DomainHash(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid url %q: missing host", raw)
	}
	sum := sha256.Sum256([]byte(strings.ToLower(u.Host)))
	return hex.EncodeToString(sum[:]), nil
}

// ProxyToken normalizes the proxy option into a stable token. Known pool
// names pass through; anything else is a custom proxy URL, which is hashed
// so the fingerprint never embeds credentials.
func ProxyToken(proxy string) string {
	switch proxy {
	case "", models.ProxyNone:
		return models.ProxyNone
	case models.ProxyAuto, models.ProxyBase, models.ProxyStealth:
		return proxy
	default:
		sum := sha256.Sum256([]byte(proxy))
		return "custom:" + hex.EncodeToString(sum[:])[:12]
	}
}

// optionsFingerprint is the fixed tuple hashed into the options hash.
// Field order is part of the format; adding a field changes every key.
type optionsFingerprint struct {
	Engine          string   `json:"engine"`
	Formats         []string `json:"formats"`
	JSONOptions     string   `json:"json_options"`
	IncludeTags     []string `json:"include_tags"`
	ExcludeTags     []string `json:"exclude_tags"`
	OnlyMainContent bool     `json:"only_main_content"`
	ExtractSource   string   `json:"extract_source"`
	OCROptions      bool     `json:"ocr_options"`
	WaitFor         int      `json:"wait_for"`
	WaitUntil       string   `json:"wait_until"`
	WaitForSelector string   `json:"wait_for_selector"`
	Proxy           string   `json:"proxy"`
}

// OptionsHash returns the SHA-256 hex digest of the normalized options
// tuple with defaults applied. Two requests that would produce the same
// artifact hash identically even if the caller spelled them differently.
func OptionsHash(o *models.ScrapeOptions) string {
	fp := optionsFingerprint{
		Engine:          o.EffectiveEngine(),
		Formats:         sortedCopy(o.EffectiveFormats()),
		JSONOptions:     canonicalJSON(o.JSONOptions),
		IncludeTags:     sortedCopy(o.IncludeTags),
		ExcludeTags:     sortedCopy(o.ExcludeTags),
		OnlyMainContent: o.MainContentOnly(),
		ExtractSource:   o.EffectiveExtractSource(),
		OCROptions:      o.OCROptions,
		WaitFor:         o.WaitFor,
		WaitUntil:       o.WaitUntil,
		WaitForSelector: canonicalJSON(o.WaitForSelector),
		Proxy:           ProxyToken(o.Proxy),
	}

	data, _ := json.Marshal(fp)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sortedCopy(values []string) []string {
	if len(values) == 0 {
		return []string{}
	}
	copied := make([]string, len(values))
	copy(copied, values)
	sort.Strings(copied)
	return copied
}

// canonicalJSON re-encodes raw JSON with sorted object keys so formatting
// and key order do not affect the fingerprint.
func canonicalJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	// encoding/json sorts map keys when marshaling.
	data, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(data)
}
