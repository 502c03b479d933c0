package notion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"occam/internal/apperr"
	"occam/internal/config"
	"occam/internal/knowledge"
)

// Writer performs idempotent record writes against one Notion database.
// CheckSchema must succeed before the first Write.
type Writer struct {
	client     *Client
	databaseID string
	props      config.Properties
	retries    int
	backoff    time.Duration
	logger     *slog.Logger

	// set by CheckSchema, immutable afterwards
	fields map[string]string
}

// NewWriter creates a writer from config.
func NewWriter(cfg config.Notion, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		client:     NewClient(cfg),
		databaseID: cfg.DatabaseID,
		props:      cfg.Properties,
		retries:    3,
		backoff:    time.Second,
		logger:     logger,
	}
}

// CheckSchema fetches the database schema once and verifies each configured
// logical field resolves to a property of the expected type. A mismatch is
// fatal misconfiguration, reported with the discovered property list; the
// check is not repeated per write.
func (w *Writer) CheckSchema(ctx context.Context) (*SchemaReport, error) {
	report, err := checkSchema(ctx, w.client, w.databaseID, w.props)
	if err != nil {
		return nil, err
	}
	if err := report.Err(); err != nil {
		return report, err
	}
	w.fields = report.resolved()
	w.logger.Info("notion schema verified", "database_id", w.databaseID)
	return report, nil
}

// Write stores rec, updating the existing page for the same source URL when
// one exists. Fails with KindStoreUnavailable after exhausting retries.
func (w *Writer) Write(ctx context.Context, rec *knowledge.Record) (*knowledge.StoreResult, error) {
	if w.fields == nil {
		return nil, apperr.New(apperr.KindSchemaMismatch, "schema not verified before write")
	}

	properties := w.buildProperties(rec)

	existing, err := w.withRetry(ctx, "query", func() (*page, error) {
		return w.client.queryByURL(ctx, w.databaseID, w.fields[fieldURL], rec.SourceURL)
	})
	if err != nil {
		return nil, err
	}

	if existing != nil {
		updated, err := w.withRetry(ctx, "update", func() (*page, error) {
			return w.client.updatePage(ctx, existing.ID, properties)
		})
		if err != nil {
			return nil, err
		}
		return storeResult(updated, true), nil
	}

	created, err := w.withRetry(ctx, "create", func() (*page, error) {
		return w.client.createPage(ctx, w.databaseID, properties, recordBlocks(rec))
	})
	if err != nil {
		return nil, err
	}
	return storeResult(created, false), nil
}

func storeResult(p *page, wasUpdate bool) *knowledge.StoreResult {
	recordURL := p.URL
	if recordURL == "" {
		recordURL = pageURL(p.ID)
	}
	return &knowledge.StoreResult{RecordID: p.ID, RecordURL: recordURL, WasUpdate: wasUpdate}
}

// withRetry runs op with bounded exponential backoff on transient store
// errors (rate limit, 5xx, network).
func (w *Writer) withRetry(ctx context.Context, op string, fn func() (*page, error)) (*page, error) {
	var lastErr error
	for attempt := 0; attempt <= w.retries; attempt++ {
		if attempt > 0 {
			delay := w.backoff << (attempt - 1)
			w.logger.Info("retrying notion call", "op", op, "attempt", attempt+1, "delay", delay.String())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, apperr.Wrap(apperr.KindStoreUnavailable, "store call cancelled", ctx.Err())
			}
		}

		p, err := fn()
		if err == nil {
			return p, nil
		}
		lastErr = err
		if !retryableStore(err) {
			break
		}
	}
	return nil, apperr.Wrap(apperr.KindStoreUnavailable,
		fmt.Sprintf("notion %s failed", op), lastErr)
}

// buildProperties maps record fields onto the resolved typed properties.
// Pure data transform; no business logic beyond type coercion.
func (w *Writer) buildProperties(rec *knowledge.Record) map[string]any {
	points := make([]string, len(rec.CriticalPoints))
	for i, p := range rec.CriticalPoints {
		points[i] = "- " + p
	}

	tags := make([]map[string]string, 0, len(rec.Tags))
	for _, t := range rec.Tags {
		tags = append(tags, map[string]string{"name": t})
	}

	return map[string]any{
		w.fields[fieldTitle]:            titleProperty(rec.Title),
		w.fields[fieldSummary]:          richTextProperty(rec.Summary),
		w.fields[fieldCriticalThinking]: richTextProperty(strings.Join(points, "\n")),
		w.fields[fieldTags]:             map[string]any{"multi_select": tags},
		w.fields[fieldScore]:            map[string]any{"number": rec.Score},
		w.fields[fieldURL]:              map[string]any{"url": rec.SourceURL},
	}
}

func titleProperty(value string) map[string]any {
	return map[string]any{
		"title": []map[string]any{textSpan(value)},
	}
}

func richTextProperty(value string) map[string]any {
	if value == "" {
		return map[string]any{"rich_text": []map[string]any{}}
	}
	return map[string]any{
		"rich_text": []map[string]any{textSpan(truncate(value, 2000))},
	}
}

func textSpan(content string) map[string]any {
	return map[string]any{
		"type": "text",
		"text": map[string]any{"content": content},
	}
}

// truncate limits content to the Notion rich-text span limit without
// splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
