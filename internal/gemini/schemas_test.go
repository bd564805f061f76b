package gemini

import (
	"encoding/json"
	"testing"
)

func validateMap(t *testing.T, doc string, payload map[string]any) error {
	t.Helper()
	schema := MustCompileSchema("test.json", doc)
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatal(err)
	}
	return schema.Validate(generic)
}

func validFlashPayload() map[string]any {
	return map[string]any{
		"packet_id":   "pkt_aabbccddeeff",
		"is_relevant": true,
		"event_type":  "NO_HELMET",
		"confidence":  0.7,
		"start_time":  1.0,
		"end_time":    5.0,
	}
}

func TestFlashSchema(t *testing.T) {
	if err := validateMap(t, FlashSchemaJSON, validFlashPayload()); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	missing := validFlashPayload()
	delete(missing, "confidence")
	if err := validateMap(t, FlashSchemaJSON, missing); err == nil {
		t.Fatal("missing required field accepted")
	}

	badEnum := validFlashPayload()
	badEnum["event_type"] = "SPEEDING"
	if err := validateMap(t, FlashSchemaJSON, badEnum); err == nil {
		t.Fatal("unknown event type accepted")
	}

	extra := validFlashPayload()
	extra["comment"] = "surplus"
	if err := validateMap(t, FlashSchemaJSON, extra); err == nil {
		t.Fatal("unknown property accepted")
	}

	outOfRange := validFlashPayload()
	outOfRange["confidence"] = 1.5
	if err := validateMap(t, FlashSchemaJSON, outOfRange); err == nil {
		t.Fatal("confidence above 1 accepted")
	}
}

func TestProSchema(t *testing.T) {
	valid := map[string]any{
		"packet_id":            "pkt_aabbccddeeff",
		"event_id":             "evt_001_pkt_aabbccddeeff",
		"event_type":           "RED_LIGHT_JUMP",
		"start_time":           2.0,
		"end_time":             6.0,
		"confidence":           0.9,
		"risk_score_gemini":    80.0,
		"violator_description": "rider without helmet",
		"explanation_short":    "Crossed on red.",
		"plate_text":           nil,
		"key_moments":          []map[string]any{{"t": 2.5, "note": "crosses stop line"}},
	}
	if err := validateMap(t, ProSchemaJSON, valid); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	badMoment := map[string]any{}
	for k, v := range valid {
		badMoment[k] = v
	}
	badMoment["key_moments"] = []map[string]any{{"t": 2.5}}
	if err := validateMap(t, ProSchemaJSON, badMoment); err == nil {
		t.Fatal("key moment without note accepted")
	}

	badRisk := map[string]any{}
	for k, v := range valid {
		badRisk[k] = v
	}
	badRisk["risk_score_gemini"] = 150.0
	if err := validateMap(t, ProSchemaJSON, badRisk); err == nil {
		t.Fatal("risk above 100 accepted")
	}
}

func TestSanitizeSchema(t *testing.T) {
	var schema map[string]any
	if err := json.Unmarshal([]byte(FlashSchemaJSON), &schema); err != nil {
		t.Fatal(err)
	}
	out := sanitizeSchema(schema)
	if _, ok := out["additionalProperties"]; ok {
		t.Fatal("additionalProperties not stripped at top level")
	}
	props, ok := out["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		t.Fatalf("properties lost: %v", out)
	}
	if _, ok := out["required"]; !ok {
		t.Fatal("required list lost")
	}

	nested := map[string]any{
		"type": "object",
		"items": []any{
			map[string]any{"additionalProperties": false, "type": "object"},
		},
	}
	got := sanitizeSchema(nested)
	item := got["items"].([]any)[0].(map[string]any)
	if _, ok := item["additionalProperties"]; ok {
		t.Fatal("nested additionalProperties not stripped")
	}
}
