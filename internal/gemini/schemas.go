package gemini

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// FlashSchemaJSON constrains the Flash-tier response. The model must echo
// the packet id it was given.
const FlashSchemaJSON = `{
  "type": "object",
  "properties": {
    "packet_id": {"type": "string"},
    "candidate_id": {"type": "string"},
    "is_relevant": {"type": "boolean"},
    "event_type": {
      "type": "string",
      "enum": ["NO_HELMET", "RED_LIGHT_JUMP", "WRONG_SIDE_DRIVING", "RECKLESS_DRIVING"]
    },
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "start_time": {"type": "number", "minimum": 0},
    "end_time": {"type": "number", "minimum": 0},
    "plate_visible": {"type": "boolean"},
    "plate_text": {"type": ["string", "null"]},
    "violator_description": {"type": "string"},
    "uncertain": {"type": "boolean"},
    "uncertainty_reason": {"type": ["string", "null"]},
    "needs_pro": {"type": "boolean"}
  },
  "required": ["packet_id", "is_relevant", "event_type", "confidence", "start_time", "end_time"],
  "additionalProperties": false
}`

// ProSchemaJSON constrains the Pro-tier response.
const ProSchemaJSON = `{
  "type": "object",
  "properties": {
    "packet_id": {"type": "string"},
    "event_id": {"type": "string"},
    "event_type": {
      "type": "string",
      "enum": ["NO_HELMET", "RED_LIGHT_JUMP", "WRONG_SIDE_DRIVING", "RECKLESS_DRIVING"]
    },
    "start_time": {"type": "number", "minimum": 0},
    "end_time": {"type": "number", "minimum": 0},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "risk_score_gemini": {"type": "number", "minimum": 0, "maximum": 100},
    "violator_description": {"type": "string"},
    "plate_text": {"type": ["string", "null"]},
    "plate_candidates": {"type": "array", "items": {"type": "string"}},
    "key_moments": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "t": {"type": "number"},
          "note": {"type": "string"}
        },
        "required": ["t", "note"],
        "additionalProperties": false
      }
    },
    "explanation_short": {"type": "string"},
    "uncertain": {"type": "boolean"},
    "uncertainty_reason": {"type": ["string", "null"]}
  },
  "required": ["packet_id", "event_id", "event_type", "start_time", "end_time", "confidence", "risk_score_gemini", "violator_description", "explanation_short"],
  "additionalProperties": false
}`

// CompileSchema compiles a schema document for response validation.
func CompileSchema(name, doc string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(doc)); err != nil {
		return nil, err
	}
	return c.Compile(name)
}

// MustCompileSchema panics on a bad schema document. The documents above are
// compile-time constants.
func MustCompileSchema(name, doc string) *jsonschema.Schema {
	s, err := CompileSchema(name, doc)
	if err != nil {
		panic(err)
	}
	return s
}
