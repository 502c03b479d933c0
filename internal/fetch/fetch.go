// Package fetch retrieves a web page and reduces it to clean text suitable
// for structured extraction.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"occam/internal/apperr"
	"occam/internal/config"
)

const maxBodyBytes = 8 << 20

// Document is the cleaned content of one fetched page. It lives for the
// duration of a pipeline run and is never persisted.
type Document struct {
	URL      string
	Title    string
	Text     string
	Duration time.Duration
}

// Fetcher fetches page content via HTTP and readability extraction.
type Fetcher struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
	minChars  int
}

// New creates a fetcher from config.
func New(cfg config.Fetch) *Fetcher {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	minChars := cfg.MinContentChars
	if minChars == 0 {
		minChars = 100
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		userAgent: cfg.UserAgent,
		timeout:   timeout,
		minChars:  minChars,
	}
}

// Fetch retrieves pageURL and returns its cleaned content. On timeout it
// fails with KindFetchTimeout rather than returning partial content;
// extraction must never run against truncated input. Non-2xx responses and
// pages with no extractable content fail with KindFetchBlocked.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*Document, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFetchBlocked, "invalid request", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, apperr.Wrap(apperr.KindFetchTimeout,
				fmt.Sprintf("page did not respond within %s", f.timeout), err)
		}
		return nil, apperr.Wrap(apperr.KindFetchBlocked, "could not reach the page", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.Newf(apperr.KindFetchBlocked,
			"page returned %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if isTimeout(err) {
			return nil, apperr.Wrap(apperr.KindFetchTimeout, "page body read timed out", err)
		}
		return nil, apperr.Wrap(apperr.KindFetchBlocked, "could not read the page", err)
	}

	title, text, err := f.extract(pageURL, body)
	if err != nil {
		return nil, err
	}
	if len(text) < f.minChars {
		return nil, apperr.New(apperr.KindFetchBlocked, "no extractable content on the page")
	}

	return &Document{
		URL:      pageURL,
		Title:    title,
		Text:     text,
		Duration: time.Since(start),
	}, nil
}

// boilerplateSelectors match elements stripped before readability runs.
// Readability handles most chrome, but explicit removal keeps ad and
// navigation text out of short pages it would otherwise keep whole.
const boilerplateSelectors = "script, style, nav, header, footer, aside, form, iframe, " +
	"[role=banner], [role=navigation], [role=complementary], " +
	".advertisement, .ads, .ad-container, .cookie-banner, .newsletter-signup"

func (f *Fetcher) extract(pageURL string, body []byte) (title, text string, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return "", "", apperr.Wrap(apperr.KindFetchBlocked, "could not parse the page", err)
	}
	doc.Find(boilerplateSelectors).Remove()

	html, err := doc.Html()
	if err != nil {
		return "", "", apperr.Wrap(apperr.KindFetchBlocked, "could not clean the page", err)
	}

	parsedURL, _ := url.Parse(pageURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err != nil {
		return "", "", apperr.Wrap(apperr.KindFetchBlocked, "no readable content on the page", err)
	}

	return article.Title, flatten(article.Content), nil
}

// flatten converts the readability HTML fragment to lightweight markup,
// preserving headings, paragraph breaks, and list items.
func flatten(articleHTML string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(articleHTML))
	if err != nil {
		return strings.TrimSpace(articleHTML)
	}

	var b strings.Builder
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, pre, blockquote").Each(func(_ int, s *goquery.Selection) {
		line := strings.TrimSpace(collapseSpace(s.Text()))
		if line == "" {
			return
		}
		switch goquery.NodeName(s) {
		case "h1":
			b.WriteString("# " + line)
		case "h2":
			b.WriteString("## " + line)
		case "h3", "h4", "h5", "h6":
			b.WriteString("### " + line)
		case "li":
			b.WriteString("- " + line)
		case "blockquote":
			b.WriteString("> " + line)
		default:
			b.WriteString(line)
		}
		b.WriteString("\n\n")
	})

	out := strings.TrimSpace(b.String())
	if out == "" {
		// Fragment without block elements; fall back to raw text.
		out = strings.TrimSpace(collapseSpace(doc.Text()))
	}
	return out
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	// net/http wraps client timeouts in a url.Error with a text marker.
	return strings.Contains(err.Error(), "Client.Timeout")
}
