package questions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/qbank-platform/backend/internal/dberr"
	"github.com/qbank-platform/backend/internal/models"
)

// envelopeSchema checks the shape of an import payload before any record
// is decoded. Record-level rules (one correct option, year range) are
// checked per record so one bad record does not reject the file.
const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "questions"],
  "properties": {
    "version": {"type": "integer", "const": 1},
    "exported_at": {"type": "string", "format": "date-time"},
    "questions": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["subject", "chapter", "difficulty", "body", "options"],
        "properties": {
          "id": {"type": "string"},
          "subject": {"type": "string", "minLength": 1},
          "chapter": {"type": "string", "minLength": 1},
          "difficulty": {"enum": ["easy", "medium", "hard"]},
          "body": {"type": "string", "minLength": 1},
          "options": {
            "type": "array",
            "minItems": 2,
            "items": {
              "type": "object",
              "required": ["text"],
              "properties": {
                "text": {"type": "string"},
                "is_correct": {"type": "boolean"}
              }
            }
          },
          "tags": {"type": ["array", "null"], "items": {"type": "string"}},
          "exam_year": {"type": ["integer", "null"]},
          "is_active": {"type": "boolean"}
        }
      }
    }
  }
}`

// maxSchemaErrors caps how many schema violations are echoed back.
const maxSchemaErrors = 5

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	})
	return schema, schemaErr
}

// DecodeEnvelope validates raw against the envelope schema and decodes it.
func DecodeEnvelope(raw []byte) (*models.ExportEnvelope, error) {
	s, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load envelope schema: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, dberr.Validation("body", "invalid JSON: %v", err)
	}
	if !result.Valid() {
		var msgs []string
		for i, e := range result.Errors() {
			if i == maxSchemaErrors {
				msgs = append(msgs, fmt.Sprintf("and %d more", len(result.Errors())-i))
				break
			}
			msgs = append(msgs, e.String())
		}
		return nil, dberr.Validation("envelope", "%s", strings.Join(msgs, "; "))
	}

	var envelope models.ExportEnvelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&envelope); err != nil {
		return nil, dberr.Validation("body", "decode envelope: %v", err)
	}
	if envelope.Version != exportVersion {
		return nil, dberr.Validation("version", "unsupported export version: %d", envelope.Version)
	}
	return &envelope, nil
}
