package harvest

import (
	"net/http"
	"time"
)

// Category partitions discovered items.
type Category string

// Item categories produced by discovery.
const (
	CategoryApp       Category = "app"
	CategoryDeveloper Category = "developer"
)

// ItemRef references one remote document to harvest. It is immutable once discovered.
type ItemRef struct {
	URL      string   `json:"url"`
	Category Category `json:"-"`
}

// Discovery is the partitioned result of a sitemap walk.
type Discovery struct {
	Apps       []ItemRef
	Developers []ItemRef
}

// Total returns the number of discovered references across categories.
func (d Discovery) Total() int {
	return len(d.Apps) + len(d.Developers)
}

// Record is one successfully extracted listing. URL is its primary key.
type Record struct {
	URL         string       `json:"url"`
	BasicInfo   BasicInfo    `json:"basicInfo"`
	Ratings     Ratings      `json:"ratings"`
	Pricing     Pricing      `json:"pricing"`
	Developer   Developer    `json:"developer"`
	LaunchDate  *string      `json:"launchDate"`
	Media       Media        `json:"media"`
	SimilarApps []SimilarApp `json:"similarApps,omitzero"`
}

// HasMinimumContent reports whether the record carries a name.
func (r Record) HasMinimumContent() bool {
	return r.BasicInfo.Name != ""
}

// BasicInfo holds the hero section of a listing.
type BasicInfo struct {
	Name        string   `json:"name,omitempty"`
	Icon        string   `json:"icon,omitempty"`
	Description []string `json:"description,omitempty"`
	Highlights  []string `json:"highlights,omitempty"`
}

// Ratings summarizes the review metrics block.
type Ratings struct {
	Score     string         `json:"score,omitempty"`
	Total     string         `json:"total,omitempty"`
	Breakdown map[string]int `json:"breakdown,omitempty"`
}

// Pricing lists the plans offered by a listing.
type Pricing struct {
	Plans    []PricingPlan `json:"plans,omitempty"`
	Currency string        `json:"currency,omitempty"`
}

// PricingPlan is one plan card.
type PricingPlan struct {
	Name     string   `json:"name"`
	Price    string   `json:"price"`
	Interval string   `json:"interval"`
	Features []string `json:"features"`
	Trial    *string  `json:"trial"`
}

// Developer describes the publisher of a listing.
type Developer struct {
	Name          string `json:"name,omitempty"`
	Website       string `json:"website,omitempty"`
	Address       string `json:"address,omitempty"`
	PrivacyPolicy string `json:"privacyPolicy,omitempty"`
	FAQ           string `json:"faq,omitempty"`
	SupportEmail  string `json:"supportEmail,omitempty"`
}

// Media collects gallery assets.
type Media struct {
	Video       string       `json:"video,omitempty"`
	Screenshots []Screenshot `json:"screenshots,omitempty"`
}

// Screenshot is one gallery image.
type Screenshot struct {
	URL string `json:"url"`
	Alt string `json:"alt"`
}

// SimilarApp is a card from the "similar apps" rail.
type SimilarApp struct {
	Name   string `json:"name"`
	Handle string `json:"handle"`
	Icon   string `json:"icon"`
	Link   string `json:"link"`
}

// FailureReport is written once per item that exhausted its retry budget while throttled.
type FailureReport struct {
	URL      string    `json:"url"`
	FailedAt time.Time `json:"failedAt"`
	Attempts int       `json:"attempts"`
}

// FetchResponse is the raw result of one network fetch.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// OutcomeKind tags a FetchOutcome.
type OutcomeKind int

// Outcome kinds produced by the per-item step.
const (
	OutcomeFailed OutcomeKind = iota
	OutcomeSuccess
	OutcomeRateLimited
)

// String renders the kind for logs and progress events.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	default:
		return "failed"
	}
}

// Outcome is produced exactly once per fetch attempt. Record is set only for
// OutcomeSuccess; Err explains RateLimited and Failed outcomes.
type Outcome struct {
	Kind       OutcomeKind
	Item       ItemRef
	Record     *Record
	StatusCode int
	Bytes      int
	Duration   time.Duration
	Err        error
}

// Summary is the terminal signal of a run.
type Summary struct {
	Total     int
	Succeeded int
	Exhausted int
	Dropped   int
	Batches   int
	Records   []Record
}
