package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"occam/internal/apperr"
	"occam/internal/journal"
	"occam/internal/knowledge"
	"occam/internal/message"
	"occam/internal/pipeline"
)

type recordingSender struct {
	mu    sync.Mutex
	sends []string // "chatID: text"
	err   error
}

func (s *recordingSender) SendText(ctx context.Context, chatID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, chatID+": "+text)
	return s.err
}

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sends...)
}

type recordingHandler struct {
	mu      sync.Mutex
	msgs    []message.Inbound
	outcome pipeline.Outcome
}

func (h *recordingHandler) Handle(ctx context.Context, msg message.Inbound) pipeline.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
	o := h.outcome
	if o.Request == nil && o.Err == nil {
		o.Request = &message.Request{URL: "https://example.com/post"}
		o.Record = &knowledge.Record{Title: "Post", Score: 80, SourceURL: "https://example.com/post"}
		o.Store = &knowledge.StoreResult{RecordID: "rec-1", RecordURL: "https://notion.so/rec-1"}
	}
	return o
}

func (h *recordingHandler) handled() []message.Inbound {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]message.Inbound(nil), h.msgs...)
}

type serverFixture struct {
	server  *Server
	router  http.Handler
	sender  *recordingSender
	handler *recordingHandler
	journal *journal.Journal
}

func newFixture(t *testing.T) *serverFixture {
	t.Helper()
	jnl, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("opening journal: %v", err)
	}
	t.Cleanup(func() { jnl.Close() })

	sender := &recordingSender{}
	handler := &recordingHandler{}
	srv := NewServer(context.Background(), handler, jnl, NewNotifier(sender), "verify-tok", slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &serverFixture{
		server:  srv,
		router:  srv.Router(),
		sender:  sender,
		handler: handler,
		journal: jnl,
	}
}

func (f *serverFixture) post(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/event", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func messageEvent(messageID, text string) string {
	content, _ := json.Marshal(map[string]string{"text": text})
	return fmt.Sprintf(`{
		"header": {"event_id": "evt-%s", "event_type": "im.message.receive_v1", "token": "verify-tok"},
		"event": {
			"sender": {"sender_id": {"open_id": "user-1"}},
			"message": {"message_id": %q, "chat_id": "chat-1", "message_type": "text", "content": %q}
		}
	}`, messageID, messageID, content)
}

func TestURLVerificationChallenge(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, `{"type": "url_verification", "token": "verify-tok", "challenge": "abc123"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["challenge"] != "abc123" {
		t.Errorf("challenge = %q, want %q", resp["challenge"], "abc123")
	}
}

func TestRejectsInvalidToken(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, `{"type": "url_verification", "token": "wrong", "challenge": "abc123"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if len(f.handler.handled()) != 0 {
		t.Error("handler ran for a rejected event")
	}
}

func TestRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestIgnoresOtherEventTypes(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, `{"header": {"event_type": "im.chat.updated_v1", "token": "verify-tok"}}`)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	f.server.Drain()
	if len(f.handler.handled()) != 0 {
		t.Error("handler ran for an ignored event type")
	}
	if len(f.sender.sent()) != 0 {
		t.Error("reply sent for an ignored event type")
	}
}

func TestMessageEventAckAndReply(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, messageEvent("msg-1", "https://example.com/post worth a read"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	f.server.Drain()

	msgs := f.handler.handled()
	if len(msgs) != 1 {
		t.Fatalf("handler ran %d times, want 1", len(msgs))
	}
	if msgs[0].Text != "https://example.com/post worth a read" {
		t.Errorf("handler text = %q", msgs[0].Text)
	}
	if msgs[0].SenderID != "user-1" || msgs[0].ChatID != "chat-1" {
		t.Errorf("handler identity = %q/%q", msgs[0].SenderID, msgs[0].ChatID)
	}

	sends := f.sender.sent()
	if len(sends) != 2 {
		t.Fatalf("sends = %d, want ack + reply", len(sends))
	}
	if !strings.Contains(sends[0], ackText) {
		t.Errorf("first send = %q, want acknowledgment", sends[0])
	}
	if !strings.Contains(sends[1], "Saved to Notion") {
		t.Errorf("second send = %q, want success reply", sends[1])
	}

	entry, err := f.journal.Get("msg-1")
	if err != nil {
		t.Fatalf("journal.Get() error: %v", err)
	}
	if entry == nil || !entry.OK {
		t.Fatalf("journal entry = %+v, want successful entry", entry)
	}
	if entry.RecordURL != "https://notion.so/rec-1" {
		t.Errorf("journal RecordURL = %q", entry.RecordURL)
	}
}

func TestRedeliveredMessageNotReprocessed(t *testing.T) {
	f := newFixture(t)

	f.post(t, messageEvent("msg-1", "https://example.com/post"))
	f.server.Drain()

	rec := f.post(t, messageEvent("msg-1", "https://example.com/post"))
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d, want 200", rec.Code)
	}
	f.server.Drain()

	if got := len(f.handler.handled()); got != 1 {
		t.Errorf("handler ran %d times, redelivery must not re-run the pipeline", got)
	}
	// No second ack either.
	if got := len(f.sender.sent()); got != 2 {
		t.Errorf("sends = %d, want 2 (single ack + reply)", got)
	}
}

func TestFailedOutcomeJournaledAndReported(t *testing.T) {
	f := newFixture(t)
	f.handler.outcome = pipeline.Outcome{
		Request: &message.Request{URL: "https://example.com/slow"},
		Stage:   pipeline.StageFetch,
		Err:     apperr.New(apperr.KindFetchTimeout, "fetch timed out"),
	}

	f.post(t, messageEvent("msg-9", "https://example.com/slow"))
	f.server.Drain()

	entry, err := f.journal.Get("msg-9")
	if err != nil {
		t.Fatalf("journal.Get() error: %v", err)
	}
	if entry == nil || entry.OK {
		t.Fatalf("journal entry = %+v, want failed entry", entry)
	}
	if entry.Stage != pipeline.StageFetch || entry.ErrorKind != string(apperr.KindFetchTimeout) {
		t.Errorf("journal failure = %q/%q", entry.Stage, entry.ErrorKind)
	}

	sends := f.sender.sent()
	if len(sends) != 2 {
		t.Fatalf("sends = %d, want ack + failure reply", len(sends))
	}
	if !strings.Contains(sends[1], "timed out") {
		t.Errorf("failure reply = %q, want timeout message", sends[1])
	}
}

func TestNonTextContentYieldsNoURLReply(t *testing.T) {
	f := newFixture(t)
	f.handler.outcome = pipeline.Outcome{
		Stage: pipeline.StageParse,
		Err:   apperr.New(apperr.KindNoURL, "no URL found in message"),
	}

	body := `{
		"header": {"event_id": "evt-img", "event_type": "im.message.receive_v1", "token": "verify-tok"},
		"event": {
			"sender": {"sender_id": {"open_id": "user-1"}},
			"message": {"message_id": "msg-img", "chat_id": "chat-1", "message_type": "image", "content": "{\"image_key\": \"img_v2\"}"}
		}
	}`
	f.post(t, body)
	f.server.Drain()

	msgs := f.handler.handled()
	if len(msgs) != 1 {
		t.Fatalf("handler ran %d times, want 1", len(msgs))
	}
	if msgs[0].Text != "" {
		t.Errorf("non-text content produced text %q, want empty", msgs[0].Text)
	}
	sends := f.sender.sent()
	if len(sends) != 2 || !strings.Contains(sends[1], "No URL found") {
		t.Errorf("sends = %v, want no-URL reply", sends)
	}
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/health/live", "/health/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
	}
}
