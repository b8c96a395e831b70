// Package diag extracts a short, human-readable reason from rejected API responses.
package diag

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const maxSummaryLen = 200

// Summarize returns a one-line reason for a non-200 response body.
// JSON bodies yield their detail/message/error field, HTML error pages their
// exception text or title. Anything else is reduced to its first line.
func Summarize(contentType string, body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}

	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json") || body[0] == '{':
		if s := jsonReason(body); s != "" {
			return truncate(s)
		}
	case strings.Contains(ct, "html") || body[0] == '<':
		if s := htmlReason(body); s != "" {
			return truncate(s)
		}
	}

	line, _, _ := strings.Cut(string(body), "\n")
	return truncate(line)
}

func jsonReason(body []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}
	for _, k := range []string{"detail", "message", "error", "msg"} {
		if s, ok := obj[k].(string); ok && s != "" {
			return collapse(s)
		}
	}
	return ""
}

func htmlReason(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	// Framework debug pages carry the exception in a dedicated element.
	for _, sel := range []string{"pre.exception_value", "#summary h1", "h1", "title"} {
		if s := collapse(doc.Find(sel).First().Text()); s != "" {
			return s
		}
	}
	return ""
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxSummaryLen {
		return s
	}
	cut := maxSummaryLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
