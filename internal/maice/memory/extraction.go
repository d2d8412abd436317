package memory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// extractionSchema is the strict contract for the extractor's output. The
// LLM's document is untrusted input: anything that does not validate is
// dropped whole — partially valid documents are never partially persisted.
const extractionSchema = `{
	"type": "object",
	"required": ["facts", "episodes"],
	"additionalProperties": false,
	"properties": {
		"facts": {
			"type": "array",
			"items": {"type": "string", "minLength": 1, "maxLength": 500}
		},
		"episodes": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["summary"],
				"additionalProperties": false,
				"properties": {
					"summary":    {"type": "string", "minLength": 1, "maxLength": 2000},
					"importance": {"type": "number", "minimum": 0, "maximum": 1}
				}
			}
		}
	}
}`

var compiledExtractionSchema = jsonschema.MustCompileString("extraction.json", extractionSchema)

// Extraction is a validated extraction document.
type Extraction struct {
	Facts    []string          `json:"facts"`
	Episodes []ProposedEpisode `json:"episodes"`
}

// ProposedEpisode is one episode candidate from the extractor. The embedding
// is computed by the store at persistence time, not by the extractor.
type ProposedEpisode struct {
	Summary    string  `json:"summary"`
	Importance float64 `json:"importance"`
}

// ParseExtraction validates raw against the extraction schema and decodes
// it. Returns ErrMalformedExtraction (wrapped with the cause) for anything
// that is not a fully well-formed document.
func ParseExtraction(raw []byte) (Extraction, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Extraction{}, fmt.Errorf("%w: %v", ErrMalformedExtraction, err)
	}

	if err := compiledExtractionSchema.Validate(doc); err != nil {
		return Extraction{}, fmt.Errorf("%w: %v", ErrMalformedExtraction, err)
	}

	var out Extraction
	if err := json.Unmarshal(raw, &out); err != nil {
		return Extraction{}, fmt.Errorf("%w: %v", ErrMalformedExtraction, err)
	}

	// Normalize whitespace; the schema's minLength already rejects empty
	// strings but not all-whitespace ones.
	facts := out.Facts[:0]
	for _, f := range out.Facts {
		if t := strings.TrimSpace(f); t != "" {
			facts = append(facts, t)
		}
	}
	out.Facts = facts

	episodes := out.Episodes[:0]
	for _, ep := range out.Episodes {
		ep.Summary = strings.TrimSpace(ep.Summary)
		if ep.Summary != "" {
			episodes = append(episodes, ep)
		}
	}
	out.Episodes = episodes

	return out, nil
}
