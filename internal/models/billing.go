// Package models defines the domain models for the application.
package models

import "time"

// ChargeMode selects how a ledger entry was computed.
type ChargeMode string

const (
	// ChargeModeDelta adds an increment to the job's running total.
	// Used for open-ended jobs that charge as they go (crawl pages).
	ChargeModeDelta ChargeMode = "delta"
	// ChargeModeTarget raises the job's running total to an absolute value.
	// Used for single-shot finalization at the end of a request.
	ChargeModeTarget ChargeMode = "target"
)

// LedgerEntry is one committed credit mutation. Entries are append-only;
// the unique IdempotencyKey is what makes retried charges safe.
type LedgerEntry struct {
	ID             string     `json:"id"`
	IdempotencyKey string     `json:"idempotency_key"`
	JobID          string     `json:"job_id"`
	APIKeyID       string     `json:"api_key_id,omitempty"`
	Mode           ChargeMode `json:"mode"`
	Reason         string     `json:"reason"`
	Charged        float64    `json:"charged"`
	BeforeUsed     float64    `json:"before_used"`
	AfterUsed      float64    `json:"after_used"`
	BeforeCredits  *float64   `json:"before_credits,omitempty"`
	AfterCredits   *float64   `json:"after_credits,omitempty"`
	DetailsJSON    string     `json:"details_json,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ChargeDetailsVersion is the current ChargeDetails schema version.
const ChargeDetailsVersion = 1

// BasisChargedDelta records that item totals describe the committed delta.
const BasisChargedDelta = "charged_delta"

// Charge item codes.
const (
	ItemBaseScrape             = "base_scrape"
	ItemProxy                  = "proxy"
	ItemProxyStealth           = "proxy_stealth"
	ItemJSONExtract            = "json_extract"
	ItemSummary                = "summary"
	ItemTemplate               = "template"
	ItemCrawlPage              = "crawl_page_v1"
	ItemSearchPages            = "search_pages"
	ItemSearchResultScrape     = "search_result_scrape"
	ItemMapBase                = "map_base"
	ItemUnattributedAdjustment = "unattributed_adjustment"
)

// ChargeItem is one line of an itemized charge.
type ChargeItem struct {
	Code    string         `json:"code"`
	Credits float64        `json:"credits"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// ChargeDetails itemizes a committed charge for the ledger.
// Invariant: sum(Items[].Credits) == Total.
type ChargeDetails struct {
	Version    int          `json:"version"`
	Basis      string       `json:"basis"`
	Calculator string       `json:"calculator"`
	Total      float64      `json:"total"`
	Items      []ChargeItem `json:"items"`
}
