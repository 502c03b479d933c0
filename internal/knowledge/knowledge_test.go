package knowledge

import (
	"strings"
	"testing"
)

func validRecord() *Record {
	return &Record{
		Title:          "A",
		Summary:        "Core insight in one sentence.",
		CriticalPoints: []string{"p1", "p2"},
		Tags:           []string{"tech"},
		Score:          8,
		SourceURL:      "https://example.com/a",
	}
}

func TestValidateAcceptsCompleteRecord(t *testing.T) {
	if err := validRecord().Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestValidateRejectsMissingSummary(t *testing.T) {
	rec := validRecord()
	rec.Summary = ""
	err := rec.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "summary") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestValidateRejectsMissingTitle(t *testing.T) {
	rec := validRecord()
	rec.Title = ""
	if rec.Validate() == nil {
		t.Error("expected validation error")
	}
}

func TestValidateRejectsScoreOutOfRange(t *testing.T) {
	rec := validRecord()
	rec.Score = ScoreMax + 1
	if rec.Validate() == nil {
		t.Error("expected validation error for score above range")
	}
	rec.Score = ScoreMin - 1
	if rec.Validate() == nil {
		t.Error("expected validation error for score below range")
	}
}

func TestValidateRejectsEmptyCriticalPoints(t *testing.T) {
	rec := validRecord()
	rec.CriticalPoints = nil
	if rec.Validate() == nil {
		t.Error("expected validation error for missing critical points")
	}
	rec.CriticalPoints = []string{"p1", ""}
	if rec.Validate() == nil {
		t.Error("expected validation error for empty critical point")
	}
}

func TestValidateRejectsMissingSourceURL(t *testing.T) {
	rec := validRecord()
	rec.SourceURL = ""
	if rec.Validate() == nil {
		t.Error("expected validation error")
	}
}

func TestValidateAllowsEmptyTags(t *testing.T) {
	rec := validRecord()
	rec.Tags = nil
	if err := rec.Validate(); err != nil {
		t.Errorf("tags are optional, got: %v", err)
	}
}

func TestValidateAllowsZeroScore(t *testing.T) {
	rec := validRecord()
	rec.Score = 0
	if err := rec.Validate(); err != nil {
		t.Errorf("score 0 is within range, got: %v", err)
	}
}
