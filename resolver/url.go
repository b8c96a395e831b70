package resolver

import (
	"net/url"
	"regexp"
	"strings"

	"projectinfo-sync/pkg/projectinfo"
)

const apiPath = "/rcm/api/v1/projectinfoapi/"

var tokenParam = regexp.MustCompile(`([?&]token=)[^&#]*`)

// Query holds the parameters of one signed API request.
type Query struct {
	Endpoint  string
	ProjectID string
	Date      string // Optional, per-category endpoints only
	System    string
	Timestamp string
	Token     projectinfo.Token
}

// BuildURL renders a signed request URL. Parameter order is fixed:
// project_id, date, system, timestamp, token.
func BuildURL(host string, q Query) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(host, "/"))
	b.WriteString(apiPath)
	b.WriteString(strings.Trim(q.Endpoint, "/"))
	b.WriteString("/?project_id=")
	b.WriteString(Escape(q.ProjectID))
	if q.Date != "" {
		b.WriteString("&date=")
		b.WriteString(Escape(q.Date))
	}
	b.WriteString("&system=")
	b.WriteString(Escape(q.System))
	b.WriteString("&timestamp=")
	b.WriteString(Escape(q.Timestamp))
	b.WriteString("&token=")
	b.WriteString(string(q.Token))
	return b.String()
}

// Escape percent-encodes s with no characters treated as safe beyond the
// unreserved set, so a space becomes %20 and a colon %3A.
func Escape(s string) string {
	// QueryEscape already encodes a literal '+' as %2B, so any '+' left is a space.
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// RedactURL masks the token query parameter.
func RedactURL(raw string) string {
	return tokenParam.ReplaceAllString(raw, "${1}REDACTED")
}
