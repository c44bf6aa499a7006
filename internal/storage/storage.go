// Package storage defines the durable record types and backend interface
// for crawl results: URL records, link records, issue records, and the
// crawl header used for lifecycle tracking and resume.
package storage

import (
	"context"
	"time"
)

// Status is the lifecycle state of a crawl.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// Image is a discovered <img> element.
type Image struct {
	Src string `json:"src"`
	Alt string `json:"alt"`
}

// Analytics records substring-detected analytics providers on a page.
type Analytics struct {
	GA4        bool   `json:"ga4"`
	GA4ID      string `json:"ga4_id,omitempty"`
	GTM        bool   `json:"gtm"`
	GTMID      string `json:"gtm_id,omitempty"`
	FBPixel    bool   `json:"facebook_pixel"`
	Hotjar     bool   `json:"hotjar"`
	Mixpanel   bool   `json:"mixpanel"`
	GoogleAds  bool   `json:"google_ads"`
}

// URLRecord is the outcome of fetching and extracting a single page.
// Identity within a crawl is URL; once appended it is immutable.
type URLRecord struct {
	URL                string            `json:"url"`
	StatusCode         int               `json:"status_code"`
	ContentType        string            `json:"content_type"`
	SizeBytes          int64             `json:"size_bytes"`
	IsInternal         bool              `json:"is_internal"`
	Depth              int               `json:"depth"`
	Title              string            `json:"title"`
	MetaDescription    string            `json:"meta_description"`
	H1                 string            `json:"h1"`
	H2                 []string          `json:"h2"`
	H3                 []string          `json:"h3"`
	WordCount          int               `json:"word_count"`
	MetaTags           map[string]string `json:"meta_tags"`
	OGTags             map[string]string `json:"og_tags"`
	TwitterTags        map[string]string `json:"twitter_tags"`
	CanonicalURL       string            `json:"canonical_url"`
	Lang               string            `json:"lang"`
	Charset            string            `json:"charset"`
	Viewport           string            `json:"viewport"`
	Robots             string            `json:"robots"`
	Author             string            `json:"author"`
	Keywords           string            `json:"keywords"`
	Generator          string            `json:"generator"`
	ThemeColor         string            `json:"theme_color"`
	JSONLD             []any             `json:"json_ld"`
	Analytics          Analytics         `json:"analytics"`
	Images             []Image           `json:"images"`
	ExternalLinks      int               `json:"external_links"`
	InternalLinks      int               `json:"internal_links"`
	ResponseTimeMs     int64             `json:"response_time_ms"`
	Redirects          []string          `json:"redirects"`
	Hreflang           []string          `json:"hreflang"`
	SchemaOrg          []string          `json:"schema_org"`
	LinkedFrom         []string          `json:"linked_from"`
	JavaScriptRendered bool              `json:"javascript_rendered"`
	Error              string            `json:"error,omitempty"`
	CrawledAt          time.Time         `json:"crawled_at"`
}

// Placement describes where on the page a link anchor was found.
type Placement string

const (
	PlacementHead   Placement = "head"
	PlacementBody   Placement = "body"
	PlacementNav    Placement = "nav"
	PlacementFooter Placement = "footer"
)

// LinkRecord is a discovered anchor. Identity is the (source, target) pair;
// duplicates within a crawl are collapsed.
type LinkRecord struct {
	SourceURL    string    `json:"source_url"`
	TargetURL    string    `json:"target_url"`
	AnchorText   string    `json:"anchor_text"`
	IsInternal   bool      `json:"is_internal"`
	TargetDomain string    `json:"target_domain"`
	TargetStatus int       `json:"target_status"`
	Placement    Placement `json:"placement"`
}

// IssueType classifies the severity of a detected issue.
type IssueType string

const (
	IssueError   IssueType = "error"
	IssueWarning IssueType = "warning"
	IssueInfo    IssueType = "info"
)

// IssueRecord is a single rule firing against a URL. Not deduplicated:
// multiple distinct rules may fire per URL.
type IssueRecord struct {
	URL      string    `json:"url"`
	Type     IssueType `json:"type"`
	Category string    `json:"category"`
	Issue    string    `json:"issue"`
	Details  string    `json:"details"`
}

// Stats is the mutable progress snapshot of a running or finished crawl.
type Stats struct {
	Discovered     int       `json:"discovered"`
	Crawled        int       `json:"crawled"`
	MaxDepthReached int      `json:"max_depth_reached"`
	SpeedRPS       float64   `json:"speed_rps"`
	StartTime      time.Time `json:"start_time"`
	PeakMemoryMB   float64   `json:"peak_memory_mb"`
}

// Checkpoint is the serialized snapshot sufficient to resume a crawl
// without losing work beyond the last flush window.
type Checkpoint struct {
	DiscoveredURLs []string `json:"discovered_urls"`
	VisitedURLs    []string `json:"visited_urls"`
}

// CrawlHeader is the persisted row describing one crawl's identity,
// config snapshot, and resume checkpoint.
type CrawlHeader struct {
	CrawlID         string    `json:"crawl_id"`
	UserID          string    `json:"user_id,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	BaseURL         string    `json:"base_url"`
	BaseDomain      string    `json:"base_domain"`
	Status          Status    `json:"status"`
	ConfigSnapshot  string    `json:"config_snapshot"` // JSON-encoded crawl.Config
	Stats           Stats     `json:"stats"`
	CanResume       bool      `json:"can_resume"`
	ResumeCheckpoint *Checkpoint `json:"resume_checkpoint,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastSavedAt     time.Time `json:"last_saved_at"`
}

// Filter narrows a query against persisted URL records.
type Filter struct {
	CrawlID    string
	URL        string
	StatusCode *int
	Since      *time.Time
	Limit      int
	Offset     int
}

// Backend is the durable persistence contract for crawl state. Writes are
// batched by the caller (see internal/crawl); a Backend only needs to
// perform the literal batch append/update requested of it.
type Backend interface {
	// CreateCrawl inserts a new crawl header as given (its Status and
	// caller-supplied CrawlID included) and returns h.CrawlID.
	CreateCrawl(ctx context.Context, h *CrawlHeader) (string, error)

	// SaveURLBatch appends URL rows for crawlID.
	SaveURLBatch(ctx context.Context, crawlID string, rows []*URLRecord) error
	// SaveLinkBatch appends link rows for crawlID.
	SaveLinkBatch(ctx context.Context, crawlID string, rows []*LinkRecord) error
	// SaveIssueBatch appends issue rows for crawlID.
	SaveIssueBatch(ctx context.Context, crawlID string, rows []*IssueRecord) error

	// UpdateCrawlStats updates the mutable stats fields of a crawl header.
	UpdateCrawlStats(ctx context.Context, crawlID string, stats Stats) error
	// SaveCheckpoint persists a resume checkpoint blob for crash recovery.
	SaveCheckpoint(ctx context.Context, crawlID string, cp Checkpoint) error
	// SetStatus transitions the crawl header's status field.
	SetStatus(ctx context.Context, crawlID string, status Status) error

	// LoadHeader returns the crawl header, or an error if not found.
	LoadHeader(ctx context.Context, crawlID string) (*CrawlHeader, error)
	// LoadURLs returns all URL rows for a crawl, used on resume.
	LoadURLs(ctx context.Context, crawlID string) ([]*URLRecord, error)
	// LoadLinks returns all link rows for a crawl, used on resume.
	LoadLinks(ctx context.Context, crawlID string) ([]*LinkRecord, error)
	// LoadIssues returns all issue rows for a crawl, used on resume.
	LoadIssues(ctx context.Context, crawlID string) ([]*IssueRecord, error)

	// ListResumable returns crawl headers whose status is running, paused,
	// or failed -- the candidate set for crash-detection / resume.
	ListResumable(ctx context.Context) ([]*CrawlHeader, error)

	// Query narrows URL rows by filter, for API/inspection use.
	Query(ctx context.Context, filter Filter) ([]*URLRecord, error)

	Close() error
}
