package bot

import (
	"context"
	"fmt"

	"occam/internal/apperr"
	"occam/internal/pipeline"
)

// Sender delivers a plain text reply to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID, text string) error
}

// Notifier formats pipeline outcomes into user-facing replies. Called
// exactly once per inbound message, after the terminal outcome.
type Notifier struct {
	sender Sender
}

// NewNotifier creates a notifier.
func NewNotifier(sender Sender) *Notifier {
	return &Notifier{sender: sender}
}

// Notify sends the reply for one terminal outcome.
func (n *Notifier) Notify(ctx context.Context, chatID string, o pipeline.Outcome) error {
	return n.sender.SendText(ctx, chatID, FormatOutcome(o))
}

// FormatOutcome renders an outcome as reply text. Every failure identifies
// the failing stage in plain language; nothing is dropped silently.
func FormatOutcome(o pipeline.Outcome) string {
	if !o.Failed() {
		suffix := ""
		if o.Store.WasUpdate {
			suffix = "\n(updated the existing record for this link)"
		}
		return fmt.Sprintf("✅ Saved to Notion\n\nTitle: %s\nScore: %d/100\n\nView: %s%s",
			o.Record.Title, o.Record.Score, o.Store.RecordURL, suffix)
	}

	switch o.Kind() {
	case apperr.KindNoURL:
		return "No URL found. Send a message containing a link to save it."
	case apperr.KindDuplicateInFlight:
		return "That link is already being processed. Hang tight."
	case apperr.KindFetchTimeout:
		return "❌ Could not fetch the page: it timed out."
	case apperr.KindFetchBlocked:
		return fmt.Sprintf("❌ Could not fetch the page: %s.", apperr.Message(o.Err))
	case apperr.KindSchemaViolation:
		return "❌ The model could not produce a valid record for this page. Try again later."
	case apperr.KindModelUnavailable:
		return "❌ The AI service is unavailable right now. Try again later."
	case apperr.KindStoreUnavailable:
		return "❌ Notion is unavailable right now. The record was not saved; try again later."
	case apperr.KindSchemaMismatch:
		return "❌ The Notion database schema does not match the configuration. Ask the operator to run check-schema."
	default:
		return fmt.Sprintf("❌ Processing failed at the %s stage: %s.", o.Stage, apperr.Message(o.Err))
	}
}
