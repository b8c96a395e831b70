// Package projectinfo contains the core domain types for the project-information sync client.
package projectinfo

import "time"

// TimestampLayout is the wire format of the signed timestamp (YYYY-MM-DD HH:MM:SS).
const TimestampLayout = "2006-01-02 15:04:05"

// DateLayout is the wire format of the per-category query date.
const DateLayout = "2006-01-02"

// Token is the lowercase hex MD5 of a canonical signing payload.
type Token string

// SigningPayload is the triple that gets canonicalized and hashed.
type SigningPayload struct {
	System string
	Time   string // Signed verbatim, never validated
	Key    string
}

// Attempt records one probe of the clock-skew search.
type Attempt struct {
	Index       int           `json:"index"`
	Offset      int           `json:"offset"` // In window units (minutes or seconds)
	Timestamp   string        `json:"timestamp"`
	Token       Token         `json:"token"`
	URL         string        `json:"-"` // Carries the token; see RedactedURL
	RedactedURL string        `json:"url"`
	StatusCode  int           `json:"status_code,omitempty"` // 0 when the request never completed
	Err         string        `json:"error,omitempty"`
	Summary     string        `json:"summary,omitempty"` // Server-provided reason on rejection
	Body        []byte        `json:"-"`
	Duration    time.Duration `json:"duration_ns"`
}

// Accepted reports whether the server accepted this attempt's token.
func (a *Attempt) Accepted() bool {
	return a.StatusCode == 200
}

// Record is one row of a list-shaped response (file listing, per-category progress).
type Record map[string]any

// ProgressPoint is one entry of the overall progress curve.
type ProgressPoint struct {
	Date string   `json:"date"`
	Act  *float64 `json:"act"` // Actual progress, null before the date is reached
	Sch  *float64 `json:"sch"` // Scheduled progress
}

// Progress is the overall-progress response body.
type Progress struct {
	MixData []ProgressPoint `json:"mix_data"`
}

// Snapshot is the set of datasets fetched by one sync.
// It is replaced as a whole, never field by field.
type Snapshot struct {
	FetchedAt    time.Time       `json:"fetched_at"`
	Timestamp    string          `json:"timestamp"` // Accepted signing timestamp
	Date         string          `json:"date"`      // Query date used for per-category progress
	Files        []Record        `json:"files"`
	TypeProgress []Record        `json:"type_progress"`
	Progress     []ProgressPoint `json:"progress"`
}
