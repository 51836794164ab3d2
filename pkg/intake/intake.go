// Package intake decodes the candidate batches produced by the reasoning
// layer. A batch is checked against a JSON Schema before it is decoded, so a
// malformed batch is rejected as a whole.
package intake

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/safeact/pkg/contracts"
)

var ErrInvalidBatch = errors.New("intake: invalid batch")

// Batch is the input for planning one event.
type Batch struct {
	Event      contracts.Event             `json:"event"`
	Candidates []contracts.ActionCandidate `json:"candidates"`
	History    contracts.HistoricalContext `json:"history,omitempty"`
}

const schemaURL = "https://safeact.schemas.local/intake/batch.schema.json"

// BatchSchema is the JSON Schema every batch must satisfy.
const BatchSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event", "candidates"],
  "additionalProperties": false,
  "properties": {
    "event": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "kind": {"type": "string"},
        "source": {"type": "string"},
        "received_at": {"type": "string", "format": "date-time"},
        "high_stakes": {"type": "boolean"},
        "attributes": {"type": "object"}
      }
    },
    "candidates": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type", "confidence"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "event_id": {"type": "string"},
          "type": {"type": "string", "minLength": 1},
          "target": {"type": "string"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "rationale": {"type": "string"},
          "tags": {
            "type": "array",
            "items": {"enum": ["required_enrichment", "irreversible", "optional_enrichment"]},
            "uniqueItems": true
          },
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "params": {"type": "object", "additionalProperties": {"type": "string"}},
          "extraction": {
            "type": "object",
            "required": ["type", "importance"],
            "properties": {
              "type": {"enum": ["deadline", "decision", "fact", "action_item", "contact"]},
              "importance": {"enum": ["high", "medium", "low"]},
              "note_ref": {"type": "string"}
            }
          }
        }
      }
    },
    "history": {
      "type": "object",
      "properties": {
        "success_rates": {"type": "object", "additionalProperties": {"type": "number", "minimum": 0, "maximum": 1}},
        "samples": {"type": "object", "additionalProperties": {"type": "integer", "minimum": 0}},
        "disable_auto_execute": {"type": "boolean"},
        "always_review": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(BatchSchema)); err != nil {
			compileErr = fmt.Errorf("intake schema load failed: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
		if compileErr != nil {
			compileErr = fmt.Errorf("intake schema compile failed: %w", compileErr)
		}
	})
	return compiled, compileErr
}

// Decode reads and validates one batch.
func Decode(r io.Reader) (*Batch, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	return Parse(data)
}

// Parse validates and decodes one batch. Candidates without an event id get
// the batch event's id.
func Parse(data []byte) (*Batch, error) {
	s, err := schema()
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBatch, err)
	}
	if err := s.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: schema validation failed: %w", ErrInvalidBatch, err)
	}

	var b Batch
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBatch, err)
	}
	for i := range b.Candidates {
		if b.Candidates[i].EventID == "" {
			b.Candidates[i].EventID = b.Event.ID
		}
		if err := b.Candidates[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidBatch, err)
		}
	}
	return &b, nil
}
