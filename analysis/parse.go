package analysis

import (
	"encoding/json"
	"fmt"

	"github.com/arannis/tidysort/scoring"
)

// rawResponse is the default wire shape this package expects from an
// Inference Client: a JSON object with a "candidates" array. Models are
// prompted (taskgen.DefaultPromptBuilder) to respond in this shape.
type rawResponse struct {
	Candidates []struct {
		Value      string `json:"value"`
		Confidence int    `json:"confidence"`
		Reasoning  string `json:"reasoning"`
	} `json:"candidates"`
}

// defaultParse parses the default JSON-candidates wire format into scoring
// input. Callers with a different model response shape supply their own
// ParserFor instead of relying on this default.
func defaultParse(response string) ([]scoring.RawCandidate, error) {
	var parsed rawResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, fmt.Errorf("parse model response: %w", err)
	}
	if len(parsed.Candidates) == 0 {
		return nil, fmt.Errorf("model response had no candidates")
	}
	out := make([]scoring.RawCandidate, 0, len(parsed.Candidates))
	for _, c := range parsed.Candidates {
		out = append(out, scoring.RawCandidate{Value: c.Value, OriginalConfidence: c.Confidence, Reasoning: c.Reasoning})
	}
	return out, nil
}
