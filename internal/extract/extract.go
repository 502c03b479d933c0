// Package extract turns cleaned page content plus user notes into a
// validated knowledge record via a generative model. The contract is
// schema-valid or explicit failure, never best effort.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"occam/internal/apperr"
	"occam/internal/config"
	"occam/internal/fetch"
	"occam/internal/knowledge"
)

const systemPrompt = `You are a knowledge management expert who extracts structured information and deep insights from articles. Respond with JSON only.`

const extractionPrompt = `Read the following article carefully and extract structured information.

Article content:
%s

Extract the following fields:
1. "title": the article's title
2. "summary": one sentence capturing the core argument or insight
3. "critical_points": exactly 3 critical-thinking points or counter-intuitive insights, each substantial
4. "tags": 2-5 short categorization tags (e.g. "cognitive science", "economics", "technology")
5. "score": an integer from %d to %d rating the article's value (depth, originality, usefulness)
6. "source_url": %s

Respond with ONLY this JSON shape:
{"title": "...", "summary": "...", "critical_points": ["...", "...", "..."], "tags": ["..."], "score": 0, "source_url": "..."}`

const correctionPrompt = `

Your previous response did not conform to the required shape. Fix the following and respond again with the full corrected JSON object: %s`

// Extractor invokes the model and enforces schema conformance. Schema
// retries and transport retries are tracked separately: a flaky network and
// a stubborn malformed response are different diagnoses.
type Extractor struct {
	provider         Provider
	schemaRetries    int
	transportRetries int
	backoff          time.Duration
	logger           *slog.Logger
}

// New creates an extractor. backoff is the base delay for transport retries
// and doubles per attempt.
func New(provider Provider, cfg config.LLM, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		provider:         provider,
		schemaRetries:    cfg.SchemaRetries,
		transportRetries: cfg.TransportRetries,
		backoff:          time.Second,
		logger:           logger,
	}
}

// Extract produces a validated record from doc and notes. Fails with
// KindSchemaViolation after exhausting schema retries, or
// KindModelUnavailable on transport/auth failure.
func (e *Extractor) Extract(ctx context.Context, doc *fetch.Document, notes string) (*knowledge.Record, error) {
	content := doc.Text
	if notes != "" {
		content += "\n\n---\n\n## Reader notes\n\n" + notes
	}

	prompt := fmt.Sprintf(extractionPrompt, content, knowledge.ScoreMin, knowledge.ScoreMax, doc.URL)

	var lastValidation error
	for attempt := 0; attempt <= e.schemaRetries; attempt++ {
		userPrompt := prompt
		if lastValidation != nil {
			userPrompt += fmt.Sprintf(correctionPrompt, lastValidation)
		}

		response, err := e.complete(ctx, systemPrompt, userPrompt)
		if err != nil {
			return nil, err
		}

		rec, err := decodeRecord(response)
		if err == nil {
			// The source URL is authoritative from the request, not the model.
			rec.SourceURL = doc.URL
			if rec.Title == "" {
				rec.Title = doc.Title
			}
			err = rec.Validate()
			if err == nil {
				return rec, nil
			}
		}

		lastValidation = err
		e.logger.Warn("model output failed schema validation",
			"attempt", attempt+1,
			"max_attempts", e.schemaRetries+1,
			"error", err.Error())
	}

	return nil, apperr.Wrap(apperr.KindSchemaViolation,
		"model output did not conform to the record schema", lastValidation)
}

// complete calls the provider with bounded exponential backoff on transport
// failures. Non-retryable transport errors (auth, bad request) fail
// immediately; both paths surface as KindModelUnavailable.
func (e *Extractor) complete(ctx context.Context, system, user string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= e.transportRetries; attempt++ {
		if attempt > 0 {
			delay := e.backoff << (attempt - 1)
			e.logger.Info("retrying model call", "attempt", attempt+1, "delay", delay.String())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", apperr.Wrap(apperr.KindModelUnavailable, "model call cancelled", ctx.Err())
			}
		}

		out, err := e.provider.Complete(ctx, system, user)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retryableTransport(err) {
			break
		}
	}
	return "", apperr.Wrap(apperr.KindModelUnavailable, "model API unavailable", lastErr)
}
