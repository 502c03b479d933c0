package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"occam/internal/knowledge"
)

// decodeRecord parses a model response into a Record, tolerating markdown
// code fences around the JSON.
func decodeRecord(text string) (*knowledge.Record, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty model response")
	}

	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		endIdx := len(lines) - 1
		for i := len(lines) - 1; i > 0; i-- {
			if strings.TrimSpace(lines[i]) == "```" {
				endIdx = i
				break
			}
		}
		text = strings.Join(lines[1:endIdx], "\n")
	}

	var rec knowledge.Record
	if err := json.Unmarshal([]byte(text), &rec); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	return &rec, nil
}
