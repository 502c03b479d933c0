package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"occam/internal/apperr"
	"occam/internal/fetch"
	"occam/internal/knowledge"
	"occam/internal/message"
)

type stubFetcher struct {
	mu      sync.Mutex
	calls   int
	doc     *fetch.Document
	err     error
	block   chan struct{} // when set, Fetch waits until closed
	started chan struct{} // when set, closed once Fetch is entered
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) (*fetch.Document, error) {
	f.mu.Lock()
	f.calls++
	if f.started != nil {
		close(f.started)
		f.started = nil
	}
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.doc != nil {
		return f.doc, nil
	}
	return &fetch.Document{URL: url, Title: "Page", Text: "content"}, nil
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type stubExtractor struct {
	calls int
	notes string
	rec   *knowledge.Record
	err   error
}

func (e *stubExtractor) Extract(ctx context.Context, doc *fetch.Document, notes string) (*knowledge.Record, error) {
	e.calls++
	e.notes = notes
	if e.err != nil {
		return nil, e.err
	}
	if e.rec != nil {
		return e.rec, nil
	}
	return &knowledge.Record{
		Title:          doc.Title,
		Summary:        "a summary",
		CriticalPoints: []string{"a point"},
		Score:          70,
		SourceURL:      doc.URL,
	}, nil
}

type stubWriter struct {
	calls  int
	result *knowledge.StoreResult
	err    error
}

func (w *stubWriter) Write(ctx context.Context, rec *knowledge.Record) (*knowledge.StoreResult, error) {
	w.calls++
	if w.err != nil {
		return nil, w.err
	}
	if w.result != nil {
		return w.result, nil
	}
	return &knowledge.StoreResult{RecordID: "rec-1", RecordURL: "https://notion.so/rec-1"}, nil
}

func newTestPipeline(f *stubFetcher, e *stubExtractor, w *stubWriter) *Pipeline {
	return New(f, e, w, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func inbound(text string) message.Inbound {
	return message.Inbound{
		MessageID:  "msg-1",
		ChatID:     "chat-1",
		SenderID:   "user-1",
		Text:       text,
		ReceivedAt: time.Now(),
	}
}

func TestHandleSuccess(t *testing.T) {
	f := &stubFetcher{}
	e := &stubExtractor{}
	w := &stubWriter{}
	p := newTestPipeline(f, e, w)

	o := p.Handle(context.Background(), inbound("https://example.com/post worth reading"))
	if o.Failed() {
		t.Fatalf("Handle() failed: %v", o.Err)
	}
	if o.Store == nil || o.Store.RecordID != "rec-1" {
		t.Errorf("Store = %+v, want record rec-1", o.Store)
	}
	if o.Record == nil || o.Record.SourceURL != "https://example.com/post" {
		t.Errorf("Record.SourceURL wrong: %+v", o.Record)
	}
	if e.notes != "worth reading" {
		t.Errorf("extractor notes = %q, want %q", e.notes, "worth reading")
	}
	if f.callCount() != 1 || e.calls != 1 || w.calls != 1 {
		t.Errorf("stage calls = %d/%d/%d, want 1/1/1", f.callCount(), e.calls, w.calls)
	}
}

func TestHandleNoURL(t *testing.T) {
	f := &stubFetcher{}
	e := &stubExtractor{}
	w := &stubWriter{}
	p := newTestPipeline(f, e, w)

	o := p.Handle(context.Background(), inbound("just some thoughts, no link"))
	if !o.Failed() {
		t.Fatal("Handle() succeeded on a message without a URL")
	}
	if o.Stage != StageParse {
		t.Errorf("Stage = %q, want %q", o.Stage, StageParse)
	}
	if o.Kind() != apperr.KindNoURL {
		t.Errorf("Kind() = %q, want %q", o.Kind(), apperr.KindNoURL)
	}
	// Rejected before any stage runs.
	if f.callCount() != 0 || e.calls != 0 || w.calls != 0 {
		t.Errorf("stage calls = %d/%d/%d, want 0/0/0", f.callCount(), e.calls, w.calls)
	}
}

func TestHandleFetchFailureShortCircuits(t *testing.T) {
	f := &stubFetcher{err: apperr.New(apperr.KindFetchBlocked, "page returned status 403")}
	e := &stubExtractor{}
	w := &stubWriter{}
	p := newTestPipeline(f, e, w)

	o := p.Handle(context.Background(), inbound("https://example.com/blocked"))
	if o.Stage != StageFetch {
		t.Errorf("Stage = %q, want %q", o.Stage, StageFetch)
	}
	if o.Kind() != apperr.KindFetchBlocked {
		t.Errorf("Kind() = %q, want %q", o.Kind(), apperr.KindFetchBlocked)
	}
	if e.calls != 0 || w.calls != 0 {
		t.Errorf("downstream stages ran after fetch failure: extract=%d write=%d", e.calls, w.calls)
	}
}

func TestHandleExtractFailureSkipsWrite(t *testing.T) {
	f := &stubFetcher{}
	e := &stubExtractor{err: apperr.New(apperr.KindSchemaViolation, "model output did not validate")}
	w := &stubWriter{}
	p := newTestPipeline(f, e, w)

	o := p.Handle(context.Background(), inbound("https://example.com/post"))
	if o.Stage != StageExtract {
		t.Errorf("Stage = %q, want %q", o.Stage, StageExtract)
	}
	if w.calls != 0 {
		t.Errorf("writer called %d times after extract failure", w.calls)
	}
}

func TestHandleStoreFailureKeepsRecord(t *testing.T) {
	f := &stubFetcher{}
	e := &stubExtractor{}
	w := &stubWriter{err: apperr.New(apperr.KindStoreUnavailable, "notion create failed")}
	p := newTestPipeline(f, e, w)

	o := p.Handle(context.Background(), inbound("https://example.com/post"))
	if o.Stage != StageStore {
		t.Errorf("Stage = %q, want %q", o.Stage, StageStore)
	}
	// The extracted record stays on the outcome for diagnostics.
	if o.Record == nil {
		t.Error("Record = nil on a store failure")
	}
}

func TestHandleRejectsDuplicateInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	f := &stubFetcher{block: release, started: started}
	e := &stubExtractor{}
	w := &stubWriter{}
	p := newTestPipeline(f, e, w)

	first := make(chan Outcome, 1)
	go func() {
		first <- p.Handle(context.Background(), inbound("https://example.com/post"))
	}()
	<-started

	// Same page through a different URL spelling; the dedup key matches.
	o := p.Handle(context.Background(), inbound("https://EXAMPLE.com/post?utm_source=x"))
	if o.Kind() != apperr.KindDuplicateInFlight {
		t.Fatalf("Kind() = %q, want %q", o.Kind(), apperr.KindDuplicateInFlight)
	}
	if o.Stage != StageDedup {
		t.Errorf("Stage = %q, want %q", o.Stage, StageDedup)
	}
	if f.callCount() != 1 {
		t.Errorf("fetcher called %d times, duplicate must not reach fetch", f.callCount())
	}

	close(release)
	if o := <-first; o.Failed() {
		t.Errorf("first run failed: %v", o.Err)
	}
	if got := p.inflight.len(); got != 0 {
		t.Errorf("inflight keys after completion = %d, want 0", got)
	}
}

func TestHandleReleasesKeyOnFailure(t *testing.T) {
	f := &stubFetcher{err: apperr.New(apperr.KindFetchTimeout, "fetch timed out")}
	p := newTestPipeline(f, &stubExtractor{}, &stubWriter{})

	msg := inbound("https://example.com/slow")
	if o := p.Handle(context.Background(), msg); o.Kind() != apperr.KindFetchTimeout {
		t.Fatalf("Kind() = %q, want %q", o.Kind(), apperr.KindFetchTimeout)
	}

	// A retry of the same link must not be treated as in flight.
	f.err = nil
	if o := p.Handle(context.Background(), msg); o.Failed() {
		t.Errorf("retry after failure rejected: %v", o.Err)
	}
}

func TestHandleDistinctKeysRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	f := &stubFetcher{block: release, started: started}
	p := newTestPipeline(f, &stubExtractor{}, &stubWriter{})

	first := make(chan Outcome, 1)
	go func() {
		first <- p.Handle(context.Background(), inbound("https://example.com/one"))
	}()
	<-started

	if got := p.inflight.len(); got != 1 {
		t.Errorf("inflight keys = %d, want 1", got)
	}
	// A different page is not blocked by the in-flight run. The shared
	// fetcher still blocks, so run it after releasing.
	close(release)
	if o := p.Handle(context.Background(), inbound("https://example.com/two")); o.Failed() {
		t.Errorf("second key failed: %v", o.Err)
	}
	if o := <-first; o.Failed() {
		t.Errorf("first key failed: %v", o.Err)
	}
}
