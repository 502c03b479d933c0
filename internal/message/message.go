// Package message defines inbound chat messages and the parsing that turns
// them into pipeline requests.
package message

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"occam/internal/apperr"
)

// Inbound is one message delivered by the chat transport. Immutable once
// received.
type Inbound struct {
	MessageID  string
	ChatID     string
	SenderID   string
	Text       string
	ReceivedAt time.Time
}

// Request is the parsed form of an inbound message: the first URL found in
// the text, the remaining text as notes, and the key used to reject
// concurrent duplicates.
type Request struct {
	URL      string
	Notes    string
	DedupKey string
}

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

// Parse extracts the first absolute URL from text; everything else becomes
// notes. Fails with KindNoURL when no well-formed URL is present.
func Parse(text string) (*Request, error) {
	match := urlPattern.FindString(text)
	if match == "" {
		return nil, apperr.New(apperr.KindNoURL, "no URL found in message")
	}

	// Trailing punctuation commonly sticks to URLs in chat text.
	match = strings.TrimRight(match, ".,;:)]}>\"'")

	u, err := url.Parse(match)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperr.New(apperr.KindNoURL, "no valid URL found in message")
	}

	notes := strings.TrimSpace(strings.Replace(text, match, "", 1))

	return &Request{
		URL:      match,
		Notes:    notes,
		DedupKey: NormalizeKey(u),
	}, nil
}

// NormalizeKey derives the dedup key for a URL: scheme, lowercased host, and
// path with query, fragment, and trailing slash stripped. Two URLs with the
// same key refer to the same source document for concurrency purposes.
func NormalizeKey(u *url.URL) string {
	path := strings.TrimSuffix(u.EscapedPath(), "/")
	return u.Scheme + "://" + strings.ToLower(u.Host) + path
}
