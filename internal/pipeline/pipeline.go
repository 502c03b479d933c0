// Package pipeline orchestrates one ingestion run per inbound message:
// parse -> fetch -> extract -> store, with in-flight deduplication and a
// single terminal outcome per message.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"occam/internal/apperr"
	"occam/internal/fetch"
	"occam/internal/knowledge"
	"occam/internal/message"
)

// Stage names, used to wrap failures so the notifier can present
// stage-specific messages.
const (
	StageParse   = "parse"
	StageDedup   = "dedup"
	StageFetch   = "fetch"
	StageExtract = "extract"
	StageStore   = "store"
)

// Fetcher retrieves and cleans page content.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Document, error)
}

// Extractor produces a validated record from cleaned content and notes.
type Extractor interface {
	Extract(ctx context.Context, doc *fetch.Document, notes string) (*knowledge.Record, error)
}

// Writer performs the idempotent store write.
type Writer interface {
	Write(ctx context.Context, rec *knowledge.Record) (*knowledge.StoreResult, error)
}

// Outcome is the terminal value of one pipeline run. Either Store is set
// (success) or Stage and Err describe the failure.
type Outcome struct {
	Request  *message.Request
	Record   *knowledge.Record
	Store    *knowledge.StoreResult
	Stage    string
	Err      error
	Duration time.Duration
}

// Failed reports whether the run ended in a failure.
func (o Outcome) Failed() bool { return o.Err != nil }

// Kind returns the error kind of a failed outcome, or "".
func (o Outcome) Kind() apperr.Kind { return apperr.KindOf(o.Err) }

// Pipeline sequences the ingestion stages for each inbound message. Safe for
// concurrent use; runs for distinct dedup keys proceed in parallel.
type Pipeline struct {
	fetcher   Fetcher
	extractor Extractor
	writer    Writer
	inflight  *inflightSet
	logger    *slog.Logger
}

// New creates a pipeline.
func New(fetcher Fetcher, extractor Extractor, writer Writer, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		fetcher:   fetcher,
		extractor: extractor,
		writer:    writer,
		inflight:  newInflightSet(),
		logger:    logger,
	}
}

// Handle runs the full pipeline for one inbound message and returns exactly
// one outcome. A second message with the same dedup key while a run is in
// flight is rejected immediately, before any network call.
func (p *Pipeline) Handle(ctx context.Context, msg message.Inbound) Outcome {
	start := time.Now()

	req, err := message.Parse(msg.Text)
	if err != nil {
		return p.done(Outcome{Stage: StageParse, Err: err}, start, msg)
	}

	log := p.logger.With("url", req.URL, "chat_id", msg.ChatID)

	// Claim the key before the first suspension point.
	if !p.inflight.tryAdd(req.DedupKey) {
		log.Warn("duplicate request already in flight", "dedup_key", req.DedupKey)
		return p.done(Outcome{
			Request: req,
			Stage:   StageDedup,
			Err:     apperr.New(apperr.KindDuplicateInFlight, "this link is already being processed"),
		}, start, msg)
	}
	defer p.inflight.remove(req.DedupKey)

	log.Info("pipeline run started", "notes_len", len(req.Notes))

	doc, err := p.fetcher.Fetch(ctx, req.URL)
	if err != nil {
		log.Warn("fetch failed", "error", err.Error())
		return p.done(Outcome{Request: req, Stage: StageFetch, Err: err}, start, msg)
	}
	log.Info("page fetched", "title", doc.Title, "chars", len(doc.Text), "fetch_duration", doc.Duration.String())

	rec, err := p.extractor.Extract(ctx, doc, req.Notes)
	if err != nil {
		log.Warn("extraction failed", "error", err.Error())
		return p.done(Outcome{Request: req, Stage: StageExtract, Err: err}, start, msg)
	}
	log.Info("record extracted", "title", rec.Title, "score", rec.Score, "tags", len(rec.Tags))

	store, err := p.writer.Write(ctx, rec)
	if err != nil {
		log.Warn("store write failed", "error", err.Error())
		return p.done(Outcome{Request: req, Record: rec, Stage: StageStore, Err: err}, start, msg)
	}
	log.Info("record stored", "record_id", store.RecordID, "was_update", store.WasUpdate)

	return p.done(Outcome{Request: req, Record: rec, Store: store}, start, msg)
}

func (p *Pipeline) done(o Outcome, start time.Time, msg message.Inbound) Outcome {
	o.Duration = time.Since(start)
	if o.Failed() {
		p.logger.Info("pipeline run failed",
			"message_id", msg.MessageID, "stage", o.Stage, "kind", string(o.Kind()), "duration", o.Duration.String())
	} else {
		p.logger.Info("pipeline run succeeded",
			"message_id", msg.MessageID, "record_id", o.Store.RecordID, "duration", o.Duration.String())
	}
	return o
}
